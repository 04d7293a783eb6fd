// Package health measures tunnel latency and applies the pingfall eviction
// policy.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sammck-go/wsrx/pkg/access"
	"github.com/sammck-go/wsrx/pkg/metrics"
	"github.com/sammck-go/wsrx/pkg/registry"
	"github.com/sammck-go/wsrx/share"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 3 * time.Second
)

// Tunnels is the part of the registry the monitor needs
type Tunnels interface {
	Snapshot() []registry.View
	SetLatency(v registry.View, latency int) bool
	Remove(v registry.View) (registry.View, error)
}

// Policy supplies per-scope pingfall settings
type Policy interface {
	PingFall(host string) (bool, access.PingFallSettings)
}

// PingError is a failed ping. Status is 0 when no HTTP response arrived.
type PingError struct {
	Status int
	Err    error
}

func (e *PingError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("non-success status %d", e.Status)
}

func (e *PingError) Unwrap() error {
	return e.Err
}

// Monitor periodically pings every live tunnel
type Monitor struct {
	share.Logger
	tunnels  Tunnels
	policy   Policy
	interval time.Duration
	client   *http.Client
}

// NewMonitor creates a monitor. Zero interval or timeout selects the default.
func NewMonitor(logger share.Logger, tunnels Tunnels, policy Policy, interval, timeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Monitor{
		Logger:   logger.Fork("monitor"),
		tunnels:  tunnels,
		policy:   policy,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
	}
}

// Run pings all tunnels every interval until ctx is done. A tick never waits
// for the previous tick's pings.
func (m *Monitor) Run(ctx context.Context) error {
	m.DLogf("started, interval %s", m.interval)
	defer m.client.CloseIdleConnections()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.Tick(ctx)
		select {
		case <-ctx.Done():
			m.DLogf("stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick starts one ping per live tunnel and returns a WaitGroup that is done
// when they have all finished
func (m *Monitor) Tick(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, v := range m.tunnels.Snapshot() {
		wg.Add(1)
		go func(v registry.View) {
			defer wg.Done()
			m.Check(ctx, v)
		}(v)
	}
	return &wg
}

// Check pings one tunnel, records its latency and evicts it if its scope's
// pingfall policy says so
func (m *Monitor) Check(ctx context.Context, v registry.View) {
	latency, err := m.Ping(ctx, v.Remote)
	if err == nil {
		metrics.ObservePing(latency)
		m.tunnels.SetLatency(v, latency)
		return
	}
	if ctx.Err() != nil {
		return
	}
	metrics.ObservePing(registry.LatencyUnknown)
	m.tunnels.SetLatency(v, registry.LatencyUnknown)
	m.DLogf("ping of %s for %s failed: %s", v.Remote, v.Local, err)
	if m.policy == nil {
		return
	}

	enabled, settings := m.policy.PingFall(v.Scope)
	if !enabled {
		return
	}
	status := 0
	var pe *PingError
	if errors.As(err, &pe) {
		status = pe.Status
	}
	if !settings.ShouldEvict(status) {
		return
	}
	m.WLogf("pingfall triggered for %s (%s): %s", v.Local, v.Remote, err)
	if _, rerr := m.tunnels.Remove(v); rerr != nil {
		m.DLogf("pingfall eviction of %s: %s", v.Local, rerr)
		return
	}
	metrics.PingfallEvictions.Inc()
}

// Ping sends an OPTIONS request to the http(s) form of remote and returns
// half the round-trip time in milliseconds
func (m *Monitor) Ping(ctx context.Context, remote string) (int, error) {
	target, err := PingURL(remote)
	if err != nil {
		return registry.LatencyUnknown, &PingError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, target, nil)
	if err != nil {
		return registry.LatencyUnknown, &PingError{Err: err}
	}
	req.Header.Set("User-Agent", share.UserAgent())

	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		return registry.LatencyUnknown, &PingError{Err: err}
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return registry.LatencyUnknown, &PingError{Status: resp.StatusCode}
	}
	return int(time.Since(start).Milliseconds() / 2), nil
}

// PingURL rewrites a ws or wss URL to http or https
func PingURL(remote string) (string, error) {
	u, err := url.Parse(remote)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("cannot ping %q: unsupported scheme", remote)
	}
	return u.String(), nil
}
