package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sammck-go/wsrx/pkg/access"
	"github.com/sammck-go/wsrx/share"
)

func newTestStore(t *testing.T) (*FileStore, *access.Plane) {
	path := filepath.Join(t.TempDir(), "scopes.yaml")
	logger := share.NewDiscardLogger()
	return NewFileStore(logger, path), access.NewPlane(logger, nil)
}

func writeScopes(t *testing.T, path, content string) {
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("os.WriteFile() returned error: %s", err)
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	records, err := s.Load()
	if err != nil || len(records) != 0 {
		t.Errorf("Load() of a missing file returned %v, %v", records, err)
	}
}

func TestSaveThenApply(t *testing.T) {
	s, plane := newTestStore(t)

	plane.Apply(access.Record{
		Host:     "https://a.example",
		Name:     "A",
		State:    access.StateAllowed,
		Features: access.FeatureBasic | access.FeaturePingFall,
		Settings: access.Settings{access.PingFallSettingsKey: json.RawMessage(`{"fail_status":[503],"drop_unknown":false}`)},
	})
	plane.Request("https://b.example", "", 0, nil)
	if err := s.SaveTable(plane); err != nil {
		t.Fatalf("SaveTable() returned error: %s", err)
	}

	other := access.NewPlane(share.NewDiscardLogger(), nil)
	if err := s.ApplyTo(other); err != nil {
		t.Fatalf("ApplyTo() returned error: %s", err)
	}
	if d := other.Check("https://a.example"); d != access.Allowed {
		t.Errorf("a.example loaded as %s", d)
	}
	if d := other.Check("https://b.example"); d != access.Pending {
		t.Errorf("b.example loaded as %s", d)
	}
	on, settings := other.PingFall("https://a.example")
	if !on || len(settings.FailStatus) != 1 || settings.FailStatus[0] != 503 {
		t.Errorf("pingfall settings did not survive a save: %v %+v", on, settings)
	}
}

func TestApplyRevokesDroppedHosts(t *testing.T) {
	s, plane := newTestStore(t)

	writeScopes(t, s.Path(), `
scopes:
  - host: https://a.example
    state: allowed
  - host: https://b.example
    state: pending
`)
	if err := s.ApplyTo(plane); err != nil {
		t.Fatalf("ApplyTo() returned error: %s", err)
	}
	// created through the API, never in the file
	plane.Request("https://c.example", "", 0, nil)

	writeScopes(t, s.Path(), `
scopes:
  - host: https://b.example
    state: allowed
`)
	if err := s.ApplyTo(plane); err != nil {
		t.Fatalf("second ApplyTo() returned error: %s", err)
	}
	if d := plane.Check("https://a.example"); d != access.Forbidden {
		t.Errorf("a.example is %s after removal from the file", d)
	}
	if d := plane.Check("https://b.example"); d != access.Allowed {
		t.Errorf("b.example is %s after approval in the file", d)
	}
	if d := plane.Check("https://c.example"); d != access.Pending {
		t.Errorf("c.example is %s; scopes not from the file must be left alone", d)
	}
}

func TestLoadRejectsBadFeature(t *testing.T) {
	s, _ := newTestStore(t)
	writeScopes(t, s.Path(), `
scopes:
  - host: a
    features: [teleport]
`)
	if _, err := s.Load(); err == nil {
		t.Errorf("Load() accepted an unknown feature")
	}
}

func TestWatchAppliesEdits(t *testing.T) {
	s, plane := newTestStore(t)
	writeScopes(t, s.Path(), "scopes: []\n")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, plane) }()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher a moment to register
	time.Sleep(100 * time.Millisecond)
	writeScopes(t, s.Path(), `
scopes:
  - host: https://a.example
    state: allowed
`)

	deadline := time.Now().Add(5 * time.Second)
	for plane.Check("https://a.example") != access.Allowed {
		if time.Now().After(deadline) {
			t.Fatalf("edit of the scopes file was not applied")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
