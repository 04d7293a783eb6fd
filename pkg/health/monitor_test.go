package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sammck-go/wsrx/pkg/access"
	"github.com/sammck-go/wsrx/pkg/registry"
	"github.com/sammck-go/wsrx/pkg/wsbridge"
	"github.com/sammck-go/wsrx/share"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newStatusServer(t *testing.T, status *atomic.Int32, userAgent *atomic.Value) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodOptions {
			t.Errorf("ping used method %s, expected OPTIONS", r.Method)
		}
		if userAgent != nil {
			userAgent.Store(r.Header.Get("User-Agent"))
		}
		w.WriteHeader(int(status.Load()))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	reg   *registry.Registry
	plane *access.Plane
	mon   *Monitor
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithTimeout(t, 0)
}

func newFixtureWithTimeout(t *testing.T, timeout time.Duration) *fixture {
	logger := share.NewDiscardLogger()
	reg := registry.New(logger, wsbridge.NewClientDialer())
	t.Cleanup(func() { reg.Close() })
	plane := access.NewPlane(logger, reg)
	return &fixture{
		reg:   reg,
		plane: plane,
		mon:   NewMonitor(logger, reg, plane, 0, timeout),
	}
}

func (f *fixture) allow(t *testing.T, host string, features access.Features, settings access.Settings) {
	if _, err := f.plane.Apply(access.Record{Host: host, State: access.StateAllowed, Features: features, Settings: settings}); err != nil {
		t.Fatalf("Apply() returned error: %s", err)
	}
}

func (f *fixture) create(t *testing.T, scope, remote string) registry.View {
	v, _, err := f.reg.Create(scope, registry.CreateRequest{Remote: remote, Local: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Create() returned error: %s", err)
	}
	return v
}

func TestTickRecordsLatency(t *testing.T) {
	f := newFixture(t)
	var status atomic.Int32
	status.Store(http.StatusOK)
	var ua atomic.Value
	srv := newStatusServer(t, &status, &ua)

	f.allow(t, "a", access.FeatureBasic, nil)
	v := f.create(t, "a", wsURL(srv))

	f.mon.Tick(context.Background()).Wait()

	got, ok := f.reg.Get(v.Local)
	if !ok {
		t.Fatalf("tunnel disappeared after a successful ping")
	}
	if got.Latency < 0 {
		t.Errorf("latency is %d after a successful ping", got.Latency)
	}
	if ua.Load() != share.UserAgent() {
		t.Errorf("ping sent User-Agent %q, expected %q", ua.Load(), share.UserAgent())
	}
}

func TestPingFallEvictsOnListedStatus(t *testing.T) {
	f := newFixture(t)
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := newStatusServer(t, &status, nil)

	settings := access.Settings{access.PingFallSettingsKey: json.RawMessage(`{"fail_status":[503]}`)}
	f.allow(t, "a", access.FeatureBasic|access.FeaturePingFall, settings)
	f.create(t, "a", wsURL(srv))

	f.mon.Tick(context.Background()).Wait()

	if n := len(f.reg.List("a")); n != 0 {
		t.Errorf("List() has %d tunnels after pingfall, expected 0", n)
	}
}

func TestPingFallIgnoresUnlistedStatus(t *testing.T) {
	f := newFixture(t)
	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	srv := newStatusServer(t, &status, nil)

	settings := access.Settings{access.PingFallSettingsKey: json.RawMessage(`{"fail_status":[503]}`)}
	f.allow(t, "a", access.FeatureBasic|access.FeaturePingFall, settings)
	v := f.create(t, "a", wsURL(srv))

	f.mon.Tick(context.Background()).Wait()

	got, ok := f.reg.Get(v.Local)
	if !ok {
		t.Fatalf("tunnel evicted on a status outside fail_status")
	}
	if got.Latency != registry.LatencyUnknown {
		t.Errorf("latency is %d after a failed ping, expected %d", got.Latency, registry.LatencyUnknown)
	}
}

func TestNoPingFallFeatureKeepsTunnel(t *testing.T) {
	f := newFixture(t)
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := newStatusServer(t, &status, nil)

	f.allow(t, "a", access.FeatureBasic, nil)
	f.create(t, "a", wsURL(srv))

	f.mon.Tick(context.Background()).Wait()

	if n := len(f.reg.List("a")); n != 1 {
		t.Errorf("tunnel of a scope without pingfall was evicted")
	}
}

func TestSlowRemoteTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	// cleanups run last-in first-out: unblock the handler before Close waits on it
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	f := newFixtureWithTimeout(t, 200*time.Millisecond)
	f.allow(t, "a", access.FeatureBasic, nil)
	v := f.create(t, "a", wsURL(srv))
	if !f.reg.SetLatency(v, 40) {
		t.Fatalf("SetLatency() reported the new tunnel missing")
	}

	start := time.Now()
	f.mon.Tick(context.Background()).Wait()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("tick took %s against a stalled remote with a 200ms timeout", elapsed)
	}

	got, ok := f.reg.Get(v.Local)
	if !ok {
		t.Fatalf("tunnel of a scope without pingfall was evicted on timeout")
	}
	if got.Latency != registry.LatencyUnknown {
		t.Errorf("latency is %d after a timed out ping, expected %d", got.Latency, registry.LatencyUnknown)
	}
}

func TestPingFallUnknownFailure(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() returned error: %s", err)
	}
	remote := "ws://" + dead.Addr().String() + "/"
	dead.Close()

	f := newFixture(t)
	f.allow(t, "keep", access.FeatureBasic|access.FeaturePingFall,
		access.Settings{access.PingFallSettingsKey: json.RawMessage(`{"fail_status":[503]}`)})
	f.allow(t, "drop", access.FeatureBasic|access.FeaturePingFall,
		access.Settings{access.PingFallSettingsKey: json.RawMessage(`{"drop_unknown":true}`)})
	f.allow(t, "bare", access.FeatureBasic|access.FeaturePingFall, nil)
	f.create(t, "keep", remote)
	f.create(t, "drop", remote)
	f.create(t, "bare", remote)

	f.mon.Tick(context.Background()).Wait()

	if n := len(f.reg.List("keep")); n != 1 {
		t.Errorf("refused ping evicted a tunnel whose settings lack drop_unknown")
	}
	if n := len(f.reg.List("drop")); n != 0 {
		t.Errorf("refused ping did not evict a tunnel with drop_unknown")
	}
	if n := len(f.reg.List("bare")); n != 0 {
		t.Errorf("refused ping did not evict a tunnel of a scope without pingfall settings")
	}
}

func TestPingURL(t *testing.T) {
	cases := map[string]string{
		"ws://a.example:8080/x?y=1": "http://a.example:8080/x?y=1",
		"wss://a.example/traffic/k": "https://a.example/traffic/k",
		"wss://wss.example/ws":      "https://wss.example/ws",
	}
	for in, want := range cases {
		got, err := PingURL(in)
		if err != nil || got != want {
			t.Errorf("PingURL(%q)=%q, %v; expected %q", in, got, err, want)
		}
	}
	if _, err := PingURL("ftp://a.example"); err == nil {
		t.Errorf("PingURL() accepted an ftp URL")
	}
}
