package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sammck-go/wsrx/pkg/access"
	"github.com/sammck-go/wsrx/pkg/config"
	"github.com/sammck-go/wsrx/share"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.API.Port = 0
	cfg.Metrics.Enabled = false
	cfg.Monitor.Interval = time.Hour
	cfg.Scopes.Watch = false
	return cfg
}

type runResult struct {
	err error
}

func start(t *testing.T, cfg *config.Config) (*Daemon, context.CancelFunc, <-chan runResult) {
	t.Helper()
	d := New(share.NewDiscardLogger(), cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan runResult, 1)
	go func() {
		done <- runResult{d.Run(ctx)}
	}()
	select {
	case <-d.Ready():
	case res := <-done:
		cancel()
		t.Fatalf("Run() returned before ready: %v", res.err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatalf("daemon did not become ready")
	}
	return d, cancel, done
}

func wait(t *testing.T, done <-chan runResult) error {
	t.Helper()
	select {
	case res := <-done:
		return res.err
	case <-time.After(10 * time.Second):
		t.Fatalf("Run() did not return")
	}
	return nil
}

func TestDaemonLifecycle(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.LockFile = filepath.Join(dir, "wsrx.lock")
	cfg.Scopes.File = filepath.Join(dir, "scopes.yaml")
	content := "scopes:\n  - host: http://localhost:5173\n    state: allowed\n"
	if err := os.WriteFile(cfg.Scopes.File, []byte(content), 0o600); err != nil {
		t.Fatalf("os.WriteFile() returned error: %s", err)
	}

	d, cancel, done := start(t, cfg)

	lock, err := os.ReadFile(cfg.LockFile)
	if err != nil {
		t.Fatalf("lock file was not written: %s", err)
	}
	_, port, _ := net.SplitHostPort(d.Addr())
	if string(lock) != port {
		t.Errorf("lock file holds %q, expected %q", lock, port)
	}

	if got := d.Plane().Check("http://localhost:5173"); got != access.Allowed {
		t.Errorf("scope from file is %s, expected allowed", got)
	}

	req, _ := http.NewRequest(http.MethodGet, "http://"+d.Addr()+"/pool", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /pool returned error: %s", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /pool returned %d, expected 200", resp.StatusCode)
	}

	if _, _, err := d.Plane().Request("http://example.com", "", access.FeatureBasic, nil); err != nil {
		t.Fatalf("Request() returned error: %s", err)
	}

	cancel()
	if err := wait(t, done); err != nil {
		t.Errorf("Run() returned error after cancel: %s", err)
	}
	if _, err := os.Stat(cfg.LockFile); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("lock file still present after exit: %v", err)
	}
	saved, err := os.ReadFile(cfg.Scopes.File)
	if err != nil {
		t.Fatalf("reading saved scopes returned error: %s", err)
	}
	if !strings.Contains(string(saved), "http://example.com") {
		t.Errorf("saved scopes do not include the pending scope:\n%s", saved)
	}
}

func busyPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() returned error: %s", err)
	}
	t.Cleanup(func() { l.Close() })
	return l.Addr().(*net.TCPAddr).Port
}

func TestDaemonFallsBackToRandomPort(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.Port = busyPort(t)

	d, cancel, done := start(t, cfg)
	defer func() {
		cancel()
		wait(t, done)
	}()

	_, port, _ := net.SplitHostPort(d.Addr())
	if port == strconv.Itoa(cfg.API.Port) {
		t.Errorf("daemon reports the busy port %s", port)
	}
}

func TestDaemonBindFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.Port = busyPort(t)
	cfg.API.FallbackRandom = false

	d := New(share.NewDiscardLogger(), cfg)
	err := d.Run(context.Background())
	if !errors.Is(err, share.ErrBindFailure) {
		t.Errorf("Run() on a busy port returned %v, expected a bind failure", err)
	}
}

func TestDaemonHeartbeatTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.Heartbeat = 200 * time.Millisecond

	_, cancel, done := start(t, cfg)
	defer cancel()

	if err := wait(t, done); !IsHeartbeatTimeout(err) {
		t.Errorf("Run() returned %v, expected a heartbeat timeout", err)
	}
}

func TestDaemonHeartbeatKeepsAlive(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.Heartbeat = 300 * time.Millisecond

	d, cancel, done := start(t, cfg)
	stop := time.After(time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-stop:
			break loop
		case res := <-done:
			t.Fatalf("daemon exited while heartbeats were arriving: %v", res.err)
		case <-ticker.C:
			resp, err := http.Get("http://" + d.Addr() + "/heartbeat")
			if err != nil {
				t.Fatalf("GET /heartbeat returned error: %s", err)
			}
			resp.Body.Close()
		}
	}
	cancel()
	if err := wait(t, done); err != nil {
		t.Errorf("Run() returned error after cancel: %s", err)
	}
}
