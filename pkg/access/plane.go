// Package access decides which origins may manage tunnels. Each origin is a
// scope that moves from pending to allowed by operator approval and is revoked
// by deletion.
package access

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sammck-go/wsrx/pkg/metrics"
	"github.com/sammck-go/wsrx/share"
)

// State of a scope record. There is no transition from Allowed back to Pending.
type State int

const (
	StatePending State = iota
	StateAllowed
)

func (s State) String() string {
	if s == StateAllowed {
		return "allowed"
	}
	return "pending"
}

// ParseState accepts "pending" or "allowed"
func ParseState(s string) (State, error) {
	switch strings.ToLower(s) {
	case "pending", "":
		return StatePending, nil
	case "allowed":
		return StateAllowed, nil
	}
	return StatePending, fmt.Errorf("unknown scope state %q", s)
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseState(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Settings holds free-form per-scope values keyed by feature or purpose
type Settings map[string]json.RawMessage

// Record is one registered origin
type Record struct {
	Host     string   `json:"host"`
	Name     string   `json:"name"`
	State    State    `json:"state"`
	Features Features `json:"features"`
	Settings Settings `json:"settings"`
}

func (r Record) clone() Record {
	if r.Settings != nil {
		s := make(Settings, len(r.Settings))
		for k, v := range r.Settings {
			s[k] = v
		}
		r.Settings = s
	}
	return r
}

// Decision is the outcome of Check
type Decision int

const (
	Forbidden Decision = iota
	Pending
	Allowed
)

func (d Decision) String() string {
	switch d {
	case Pending:
		return "pending"
	case Allowed:
		return "allowed"
	}
	return "forbidden"
}

// Outcome is the result of Request
type Outcome int

const (
	Created Outcome = iota
	AlreadyPending
	AlreadyAllowed
)

// ScopeRemover tears down everything a scope owns
type ScopeRemover interface {
	RemoveAll(scope string) int
}

// Observer is told about scope changes
type Observer interface {
	ScopeChanged(r Record)
	ScopeRemoved(host string)
}

// Plane is the scope table. It is safe for concurrent use.
type Plane struct {
	share.Logger
	lock     sync.RWMutex
	scopes   map[string]*Record
	remover  ScopeRemover
	observer Observer
}

// NewPlane creates an empty table. remover is called when a scope is revoked
// and may be nil.
func NewPlane(logger share.Logger, remover ScopeRemover) *Plane {
	return &Plane{
		Logger:  logger.Fork("access"),
		scopes:  make(map[string]*Record),
		remover: remover,
	}
}

// SetObserver installs the change observer. Call before first use.
func (p *Plane) SetObserver(o Observer) {
	p.observer = o
}

// Check classifies origin
func (p *Plane) Check(origin string) Decision {
	p.lock.RLock()
	defer p.lock.RUnlock()
	rec, ok := p.scopes[origin]
	switch {
	case !ok:
		return Forbidden
	case rec.State == StateAllowed:
		return Allowed
	}
	return Pending
}

// AllowOrigin reports whether origin ends with the host of some allowed scope.
// It backs the CORS policy of the scoped API routes.
func (p *Plane) AllowOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	p.lock.RLock()
	defer p.lock.RUnlock()
	for host, rec := range p.scopes {
		if rec.State == StateAllowed && strings.HasSuffix(origin, host) {
			return true
		}
	}
	return false
}

// DoIfAllowed runs fn while origin is guaranteed to stay allowed. A concurrent
// Revoke waits for fn to return. fn must not call back into the Plane.
func (p *Plane) DoIfAllowed(origin string, fn func() error) error {
	p.lock.RLock()
	defer p.lock.RUnlock()
	rec, ok := p.scopes[origin]
	if !ok || rec.State != StateAllowed {
		return share.NewError(share.KindUnauthorized, "scope %s is not allowed", origin)
	}
	return fn()
}

// Request registers origin as a pending scope. If origin already has a record it
// is left untouched and its current state is reported. An empty name defaults to
// the origin and empty features default to basic.
func (p *Plane) Request(origin, name string, features Features, settings Settings) (Record, Outcome, error) {
	if origin == "" {
		return Record{}, Created, share.NewError(share.KindUnauthorized, "missing origin")
	}
	p.lock.Lock()
	if rec, ok := p.scopes[origin]; ok {
		out := rec.clone()
		p.lock.Unlock()
		if out.State == StateAllowed {
			return out, AlreadyAllowed, nil
		}
		return out, AlreadyPending, nil
	}
	if name == "" {
		name = origin
	}
	if features == 0 {
		features = FeatureBasic
	}
	rec := &Record{
		Host:     origin,
		Name:     name,
		State:    StatePending,
		Features: features,
		Settings: settings,
	}
	p.scopes[origin] = rec
	out := rec.clone()
	p.updateGaugesLocked()
	p.lock.Unlock()

	p.ILogf("scope %s (%s) is pending approval", origin, name)
	p.notifyChanged(out)
	return out, Created, nil
}

// Approve moves origin to allowed. Approving an allowed scope is a no-op.
func (p *Plane) Approve(origin string) (Record, error) {
	p.lock.Lock()
	rec, ok := p.scopes[origin]
	if !ok {
		p.lock.Unlock()
		return Record{}, share.NewError(share.KindUnknownScope, "scope %s not found", origin)
	}
	changed := rec.State != StateAllowed
	rec.State = StateAllowed
	out := rec.clone()
	p.updateGaugesLocked()
	p.lock.Unlock()

	if changed {
		p.ILogf("scope %s is allowed", origin)
		p.notifyChanged(out)
	}
	return out, nil
}

// Update replaces the declared metadata of origin without touching its state
func (p *Plane) Update(origin, name string, features Features, settings Settings) (Record, error) {
	p.lock.Lock()
	rec, ok := p.scopes[origin]
	if !ok {
		p.lock.Unlock()
		return Record{}, share.NewError(share.KindUnknownScope, "scope %s not found", origin)
	}
	if name == "" {
		name = origin
	}
	rec.Name = name
	rec.Features = features
	if settings != nil {
		rec.Settings = settings
	}
	out := rec.clone()
	p.lock.Unlock()

	p.DLogf("scope %s updated: name=%q features=%s", origin, name, features)
	p.notifyChanged(out)
	return out, nil
}

// Revoke deletes origin and tears down every tunnel it owns
func (p *Plane) Revoke(origin string) (Record, error) {
	p.lock.Lock()
	rec, ok := p.scopes[origin]
	if !ok {
		p.lock.Unlock()
		return Record{}, share.NewError(share.KindUnknownScope, "scope %s not found", origin)
	}
	delete(p.scopes, origin)
	p.updateGaugesLocked()
	n := 0
	if p.remover != nil {
		n = p.remover.RemoveAll(origin)
	}
	p.lock.Unlock()

	p.ILogf("scope %s removed along with %d tunnel(s)", origin, n)
	if p.observer != nil {
		p.observer.ScopeRemoved(origin)
	}
	return *rec, nil
}

// Apply upserts a record from an external source such as the scopes file. An
// existing record takes the new metadata and may be promoted to allowed, never
// demoted.
func (p *Plane) Apply(in Record) (Record, error) {
	if in.Host == "" {
		return Record{}, share.NewError(share.KindAddressParse, "scope record has no host")
	}
	if in.Name == "" {
		in.Name = in.Host
	}
	if in.Features == 0 {
		in.Features = FeatureBasic
	}
	p.lock.Lock()
	rec, ok := p.scopes[in.Host]
	if !ok {
		rec = &Record{Host: in.Host}
		p.scopes[in.Host] = rec
	}
	if !ok || in.State == StateAllowed {
		rec.State = in.State
	}
	rec.Name = in.Name
	rec.Features = in.Features
	rec.Settings = in.Settings
	out := rec.clone()
	p.updateGaugesLocked()
	p.lock.Unlock()

	p.DLogf("scope %s applied as %s", in.Host, out.State)
	p.notifyChanged(out)
	return out, nil
}

// Get returns the record for origin
func (p *Plane) Get(origin string) (Record, bool) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	rec, ok := p.scopes[origin]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// List returns every record ordered by host
func (p *Plane) List() []Record {
	p.lock.RLock()
	out := make([]Record, 0, len(p.scopes))
	for _, rec := range p.scopes {
		out = append(out, rec.clone())
	}
	p.lock.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func (p *Plane) notifyChanged(r Record) {
	if p.observer != nil {
		p.observer.ScopeChanged(r)
	}
}

func (p *Plane) updateGaugesLocked() {
	var pending, allowed int
	for _, rec := range p.scopes {
		if rec.State == StateAllowed {
			allowed++
		} else {
			pending++
		}
	}
	metrics.ScopesByState.WithLabelValues("pending").Set(float64(pending))
	metrics.ScopesByState.WithLabelValues("allowed").Set(float64(allowed))
}
