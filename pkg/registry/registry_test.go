package registry

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sammck-go/wsrx/pkg/wsbridge"
	"github.com/sammck-go/wsrx/share"
)

type recorder struct {
	lock    sync.Mutex
	added   []View
	removed []View
	updated []View
}

func (r *recorder) TunnelAdded(v View) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.added = append(r.added, v)
}

func (r *recorder) TunnelRemoved(v View) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.removed = append(r.removed, v)
}

func (r *recorder) TunnelUpdated(v View) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.updated = append(r.updated, v)
}

func (r *recorder) counts() (added, removed, updated int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.added), len(r.removed), len(r.updated)
}

func newTestRegistry(t *testing.T) (*Registry, *recorder) {
	r := New(share.NewDiscardLogger(), wsbridge.NewClientDialer())
	rec := &recorder{}
	r.SetObserver(rec)
	t.Cleanup(func() { r.Close() })
	return r, rec
}

func mustCreate(t *testing.T, r *Registry, scope string, req CreateRequest) View {
	v, _, err := r.Create(scope, req)
	if err != nil {
		t.Fatalf("Create(%q, %+v) returned error: %s", scope, req, err)
	}
	return v
}

func TestCreateIsIdempotentPerScopeAndRemote(t *testing.T) {
	r, rec := newTestRegistry(t)

	first, created, err := r.Create("a", CreateRequest{Remote: "wss://x.example", Local: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Create() returned error: %s", err)
	}
	if !created {
		t.Errorf("first Create() reported an existing tunnel")
	}
	if first.Latency != LatencyUnknown {
		t.Errorf("new tunnel has latency %d, expected %d", first.Latency, LatencyUnknown)
	}
	if first.From != first.Local || first.To != first.Remote {
		t.Errorf("deprecated fields from=%q to=%q do not mirror local/remote", first.From, first.To)
	}

	second, created, err := r.Create("a", CreateRequest{Label: "renamed", Remote: "wss://x.example", Local: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("second Create() returned error: %s", err)
	}
	if created {
		t.Errorf("second Create() created a duplicate")
	}
	if second.Local != first.Local {
		t.Errorf("second Create() returned local %s, expected %s", second.Local, first.Local)
	}
	if second.Label != "renamed" {
		t.Errorf("label is %q after update, expected renamed", second.Label)
	}
	if n := len(r.Snapshot()); n != 1 {
		t.Errorf("registry holds %d tunnels, expected 1", n)
	}
	added, _, updated := rec.counts()
	if added != 1 || updated != 1 {
		t.Errorf("observer saw %d added and %d updated, expected 1 and 1", added, updated)
	}
}

func TestCreateRejectsTakenLocal(t *testing.T) {
	r, _ := newTestRegistry(t)

	v := mustCreate(t, r, "a", CreateRequest{Remote: "wss://x.example", Local: "127.0.0.1:0"})

	_, _, err := r.Create("b", CreateRequest{Remote: "wss://y.example", Local: v.Local})
	if !errors.Is(err, share.ErrBindConflict) {
		t.Errorf("Create() on a taken address returned %v, expected a bind conflict", err)
	}
	_, _, err = r.Create("a", CreateRequest{Remote: "wss://other.example", Local: v.Local})
	if !errors.Is(err, share.ErrBindConflict) {
		t.Errorf("Create() on own taken address returned %v, expected a bind conflict", err)
	}
	if n := len(r.List("b")); n != 0 {
		t.Errorf("scope b has %d tunnels after a rejected create", n)
	}
}

func TestCreateUniqueLocals(t *testing.T) {
	r, _ := newTestRegistry(t)

	seen := map[string]bool{}
	for _, remote := range []string{"ws://one.example", "ws://two.example", "wss://three.example/path"} {
		v := mustCreate(t, r, "a", CreateRequest{Remote: remote, Local: "127.0.0.1:0"})
		if seen[v.Local] {
			t.Errorf("local %s handed out twice", v.Local)
		}
		seen[v.Local] = true
	}
}

func TestCreateParseErrors(t *testing.T) {
	r, _ := newTestRegistry(t)

	cases := []CreateRequest{
		{Remote: "wss://x.example", Local: "not an address"},
		{Remote: "http://x.example", Local: "127.0.0.1:0"},
		{Remote: "ws://", Local: "127.0.0.1:0"},
		{Remote: "::::", Local: "127.0.0.1:0"},
	}
	for _, req := range cases {
		_, _, err := r.Create("a", req)
		if !errors.Is(err, share.ErrAddressParse) {
			t.Errorf("Create(%+v) returned %v, expected an address parse error", req, err)
		}
	}
}

func TestCreateBindFailure(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.SetListenFunc(func(network, address string) (net.Listener, error) {
		return nil, errors.New("permission denied")
	})

	_, _, err := r.Create("a", CreateRequest{Remote: "wss://x.example", Local: "127.0.0.1:1"})
	if !errors.Is(err, share.ErrBindFailure) {
		t.Errorf("Create() returned %v, expected a bind failure", err)
	}
}

func TestListIsScoped(t *testing.T) {
	r, _ := newTestRegistry(t)

	mustCreate(t, r, "a", CreateRequest{Remote: "wss://x.example", Local: "127.0.0.1:0"})
	mustCreate(t, r, "a", CreateRequest{Remote: "wss://y.example", Local: "127.0.0.1:0"})
	mustCreate(t, r, "b", CreateRequest{Remote: "wss://x.example", Local: "127.0.0.1:0"})

	if n := len(r.List("a")); n != 2 {
		t.Errorf("List(a) returned %d tunnels, expected 2", n)
	}
	for _, v := range r.List("b") {
		if v.Scope != "b" {
			t.Errorf("List(b) exposed a tunnel of scope %q", v.Scope)
		}
	}
	if n := len(r.List("c")); n != 0 {
		t.Errorf("List(c) returned %d tunnels, expected 0", n)
	}
}

func TestRemoveOwnedRefusesOtherScope(t *testing.T) {
	r, _ := newTestRegistry(t)

	v := mustCreate(t, r, "a", CreateRequest{Remote: "wss://x.example", Local: "127.0.0.1:0"})

	if _, err := r.RemoveOwned("b", v.Local); !errors.Is(err, share.ErrUnknownTunnel) {
		t.Errorf("RemoveOwned() from another scope returned %v, expected unknown tunnel", err)
	}
	if n := len(r.List("a")); n != 1 {
		t.Fatalf("owner lost its tunnel after a foreign delete")
	}
	if _, err := r.RemoveOwned("a", v.Local); err != nil {
		t.Errorf("RemoveOwned() by owner returned error: %s", err)
	}
	if _, err := r.Remove(v); !errors.Is(err, share.ErrUnknownTunnel) {
		t.Errorf("second Remove() returned %v, expected unknown tunnel", err)
	}

	// the listener closes asynchronously
	deadline := time.Now().Add(5 * time.Second)
	for {
		c, err := net.DialTimeout("tcp", v.Local, time.Second)
		if err != nil {
			break
		}
		c.Close()
		if time.Now().After(deadline) {
			t.Fatalf("listener %s still open after remove", v.Local)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRemoveAll(t *testing.T) {
	r, rec := newTestRegistry(t)

	mustCreate(t, r, "a", CreateRequest{Remote: "wss://x.example", Local: "127.0.0.1:0"})
	mustCreate(t, r, "a", CreateRequest{Remote: "wss://y.example", Local: "127.0.0.1:0"})
	mustCreate(t, r, "b", CreateRequest{Remote: "wss://x.example", Local: "127.0.0.1:0"})

	if n := r.RemoveAll("a"); n != 2 {
		t.Errorf("RemoveAll(a) removed %d, expected 2", n)
	}
	if n := len(r.List("a")); n != 0 {
		t.Errorf("List(a) returned %d tunnels after RemoveAll", n)
	}
	if n := len(r.List("b")); n != 1 {
		t.Errorf("List(b) returned %d tunnels, expected 1", n)
	}
	if _, removed, _ := rec.counts(); removed != 2 {
		t.Errorf("observer saw %d removals, expected 2", removed)
	}
}

func TestSetLatency(t *testing.T) {
	r, _ := newTestRegistry(t)

	v := mustCreate(t, r, "a", CreateRequest{Remote: "wss://x.example", Local: "127.0.0.1:0"})
	if !r.SetLatency(v, 12) {
		t.Fatalf("SetLatency() reported the tunnel missing")
	}
	got, ok := r.Get(v.Local)
	if !ok || got.Latency != 12 {
		t.Errorf("Get() returned %+v, %v; expected latency 12", got, ok)
	}
	if r.SetLatency(View{Local: "127.0.0.1:1"}, 5) {
		t.Errorf("SetLatency() on an unknown tunnel reported success")
	}
}

func TestUnspecifiedHostConflicts(t *testing.T) {
	r, _ := newTestRegistry(t)
	var binds int
	r.SetListenFunc(func(network, address string) (net.Listener, error) {
		binds++
		return net.Listen(network, address)
	})

	v := mustCreate(t, r, "a", CreateRequest{Remote: "wss://x.example", Local: ":0"})
	_, port, err := net.SplitHostPort(v.Local)
	if err != nil {
		t.Fatalf("SplitHostPort(%q) returned error: %s", v.Local, err)
	}

	for _, local := range []string{":" + port, "0.0.0.0:" + port, "127.0.0.1:" + port} {
		_, _, err := r.Create("b", CreateRequest{Remote: "wss://y.example", Local: local})
		if !errors.Is(err, share.ErrBindConflict) {
			t.Errorf("Create(%q) over a wildcard listener returned %v, expected a bind conflict", local, err)
		}
	}
	if binds != 1 {
		t.Errorf("listen was called %d times, expected 1", binds)
	}

	if _, err := r.RemoveOwned("a", ":"+port); err != nil {
		t.Errorf("RemoveOwned(%q) did not find the wildcard tunnel: %s", ":"+port, err)
	}
}

func TestStaleViewIsIgnored(t *testing.T) {
	r, _ := newTestRegistry(t)

	old := mustCreate(t, r, "a", CreateRequest{Remote: "wss://x.example", Local: "127.0.0.1:0"})
	if _, err := r.RemoveOwned("a", old.Local); err != nil {
		t.Fatalf("RemoveOwned() returned error: %s", err)
	}

	// the old listener closes asynchronously
	var cur View
	deadline := time.Now().Add(5 * time.Second)
	for {
		var err error
		cur, _, err = r.Create("a", CreateRequest{Remote: "wss://y.example", Local: old.Local})
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("could not rebind %s: %s", old.Local, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if r.SetLatency(old, 99) {
		t.Errorf("SetLatency() with a view of the removed tunnel reported success")
	}
	if _, err := r.Remove(old); !errors.Is(err, share.ErrUnknownTunnel) {
		t.Errorf("Remove() with a view of the removed tunnel returned %v, expected unknown tunnel", err)
	}
	got, ok := r.Get(old.Local)
	if !ok || got.Remote != cur.Remote || got.Latency != LatencyUnknown {
		t.Errorf("replacement tunnel is %+v, %v after stale updates", got, ok)
	}
	if !r.SetLatency(cur, 7) {
		t.Errorf("SetLatency() with a current view reported the tunnel missing")
	}
}

func TestStoppedTunnelIsReaped(t *testing.T) {
	r, rec := newTestRegistry(t)

	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() returned error: %s", err)
	}
	remote := "ws://" + dead.Addr().String() + "/"
	dead.Close()

	v := mustCreate(t, r, "a", CreateRequest{Remote: remote, Local: "127.0.0.1:0"})
	conn, err := net.Dial("tcp", v.Local)
	if err != nil {
		t.Fatalf("net.Dial() returned error: %s", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, ok := r.Get(v.Local); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tunnel with an unreachable remote is still registered")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, removed, _ := rec.counts(); removed != 1 {
		t.Errorf("observer saw %d removals, expected 1", removed)
	}
}
