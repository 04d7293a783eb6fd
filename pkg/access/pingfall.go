package access

import "encoding/json"

// PingFallSettingsKey is the Settings key holding PingFallSettings
const PingFallSettingsKey = "pingfall"

// PingFallSettings narrows which ping failures evict a tunnel
type PingFallSettings struct {
	// FailStatus lists the HTTP statuses that evict. Empty means any non-success.
	FailStatus []int `json:"fail_status"`
	// DropUnknown evicts on failures that produced no status, such as a refused
	// connection or a timeout.
	DropUnknown bool `json:"drop_unknown"`
}

// ShouldEvict decides for one failed ping. status is 0 when there was no
// HTTP response.
func (s PingFallSettings) ShouldEvict(status int) bool {
	if status == 0 {
		return s.DropUnknown
	}
	if len(s.FailStatus) == 0 {
		return true
	}
	for _, fs := range s.FailStatus {
		if fs == status {
			return true
		}
	}
	return false
}

// AnyFailure returns the settings applied when a scope declares none: every
// failed ping evicts, with or without a status
func AnyFailure() PingFallSettings {
	return PingFallSettings{DropUnknown: true}
}

// PingFall reports whether host has the pingfall feature and, if so, its
// settings. Missing or malformed settings yield AnyFailure.
func (p *Plane) PingFall(host string) (bool, PingFallSettings) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	rec, ok := p.scopes[host]
	if !ok || !rec.Features.Has(FeaturePingFall) {
		return false, PingFallSettings{}
	}
	raw, ok := rec.Settings[PingFallSettingsKey]
	if !ok {
		return true, AnyFailure()
	}
	var s PingFallSettings
	if err := json.Unmarshal(raw, &s); err != nil {
		p.DLogf("ignoring malformed pingfall settings of %s: %s", host, err)
		return true, AnyFailure()
	}
	return true, s
}
