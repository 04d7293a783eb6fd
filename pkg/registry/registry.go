// Package registry keeps the set of live tunnels, keyed by resolved local
// address and partitioned by owning scope.
package registry

import (
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"sort"
	"sync"

	"github.com/sammck-go/wsrx/pkg/tunnel"
	"github.com/sammck-go/wsrx/pkg/wsbridge"
	"github.com/sammck-go/wsrx/share"
)

// LatencyUnknown marks a tunnel that has not been pinged or whose last ping failed
const LatencyUnknown = -1

// View is the public snapshot of one tunnel
type View struct {
	Label   string `json:"label"`
	Remote  string `json:"remote"`
	Local   string `json:"local"`
	Latency int    `json:"latency"`

	// Deprecated: From mirrors Local for older clients
	From string `json:"from"`
	// Deprecated: To mirrors Remote for older clients
	To string `json:"to"`

	Scope string `json:"-"`

	// gen tells apart successive tunnels bound to the same local address
	gen uint64
}

// CreateRequest describes a tunnel to create. Label is optional.
type CreateRequest struct {
	Label  string `json:"label,omitempty"`
	Remote string `json:"remote"`
	Local  string `json:"local"`
}

// Observer is told about every change to the tunnel table. Calls are made
// without the registry lock held.
type Observer interface {
	TunnelAdded(v View)
	TunnelRemoved(v View)
	TunnelUpdated(v View)
}

// ListenFunc binds a TCP listener
type ListenFunc func(network, address string) (net.Listener, error)

type entry struct {
	tun     *tunnel.Tunnel
	addr    *net.TCPAddr
	gen     uint64
	scope   string
	label   string
	latency int
}

func (e *entry) view() View {
	c := e.tun.Config()
	return View{
		Label:   e.label,
		Remote:  c.Remote,
		Local:   c.Local,
		Latency: e.latency,
		From:    c.Local,
		To:      c.Remote,
		Scope:   e.scope,
		gen:     e.gen,
	}
}

// sameBinding reports whether a and b name the same listening socket. An
// unspecified IP only matches another unspecified IP.
func sameBinding(a, b *net.TCPAddr) bool {
	if a.Port != b.Port {
		return false
	}
	if unspecified(a.IP) || unspecified(b.IP) {
		return unspecified(a.IP) && unspecified(b.IP)
	}
	return a.IP.Equal(b.IP)
}

// overlaps reports whether binding a would collide with a live listener on b.
// A wildcard listener takes the port on every address.
func overlaps(a, b *net.TCPAddr) bool {
	if a.Port != b.Port {
		return false
	}
	return unspecified(a.IP) || unspecified(b.IP) || a.IP.Equal(b.IP)
}

func unspecified(ip net.IP) bool {
	return ip == nil || ip.IsUnspecified()
}

// Registry is safe for concurrent use. Mutations are serialized; reads run
// concurrently and see a consistent snapshot.
type Registry struct {
	share.Logger
	lock     sync.RWMutex
	tunnels  map[string]*entry
	lastGen  uint64
	dialer   wsbridge.Dialer
	listen   ListenFunc
	observer Observer
}

// New creates an empty registry. Tunnels it creates dial their remotes through
// dialer.
func New(logger share.Logger, dialer wsbridge.Dialer) *Registry {
	return &Registry{
		Logger:  logger.Fork("registry"),
		tunnels: make(map[string]*entry),
		dialer:  dialer,
		listen:  net.Listen,
	}
}

// SetObserver installs the change observer. Call before first use.
func (r *Registry) SetObserver(o Observer) {
	r.observer = o
}

// SetListenFunc replaces net.Listen. Call before first use.
func (r *Registry) SetListenFunc(f ListenFunc) {
	r.listen = f
}

// DefaultLabel returns a random display label
func DefaultLabel() string {
	return fmt.Sprintf("inst-%06x", rand.Uint32()&0xffffff)
}

// ParseRemote checks that remote is a ws:// or wss:// URL with a host
func ParseRemote(remote string) (*url.URL, error) {
	u, err := url.Parse(remote)
	if err != nil {
		return nil, share.WrapError(share.KindAddressParse, err, "invalid remote address %q", remote)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, share.NewError(share.KindAddressParse, "remote address %q must use ws or wss", remote)
	}
	if u.Host == "" {
		return nil, share.NewError(share.KindAddressParse, "remote address %q has no host", remote)
	}
	return u, nil
}

// Create binds req.Local and starts a tunnel to req.Remote owned by scope. If
// scope already owns a tunnel to req.Remote, that tunnel is returned instead and
// created is false; a non-empty req.Label replaces its label.
func (r *Registry) Create(scope string, req CreateRequest) (v View, created bool, err error) {
	if _, err := ParseRemote(req.Remote); err != nil {
		return View{}, false, err
	}
	addr, err := net.ResolveTCPAddr("tcp", req.Local)
	if err != nil {
		return View{}, false, share.WrapError(share.KindAddressParse, err, "invalid local address %q", req.Local)
	}

	r.lock.Lock()

	for _, e := range r.tunnels {
		if e.scope == scope && e.tun.Remote() == req.Remote {
			updated := req.Label != "" && req.Label != e.label
			if updated {
				e.label = req.Label
			}
			v = e.view()
			r.lock.Unlock()
			if updated {
				r.notifyUpdated(v)
			}
			r.DLogf("tunnel to %s already exists for %s at %s", req.Remote, scope, v.Local)
			return v, false, nil
		}
	}

	if addr.Port != 0 {
		for local, e := range r.tunnels {
			if overlaps(addr, e.addr) {
				r.lock.Unlock()
				return View{}, false, share.NewError(share.KindBindConflict,
					"the local address %s is already taken by another instance (%s)", req.Local, local)
			}
		}
	}

	l, err := r.listen("tcp", addr.String())
	if err != nil {
		r.lock.Unlock()
		return View{}, false, share.WrapError(share.KindBindFailure, err, "failed to bind %s", addr)
	}
	local := l.Addr().String()
	if _, taken := r.tunnels[local]; taken {
		// only reachable if the OS handed out an address we still think is live
		r.lock.Unlock()
		l.Close()
		return View{}, false, share.NewError(share.KindBindConflict,
			"the local address %s is already taken by another instance", local)
	}

	bound, err := net.ResolveTCPAddr("tcp", local)
	if err != nil {
		bound = &net.TCPAddr{IP: addr.IP, Port: addr.Port}
	}
	label := req.Label
	if label == "" {
		label = DefaultLabel()
	}
	r.lastGen++
	e := &entry{
		tun:     tunnel.New(r.Logger, l, req.Remote, r.dialer),
		addr:    bound,
		gen:     r.lastGen,
		scope:   scope,
		label:   label,
		latency: LatencyUnknown,
	}
	r.tunnels[local] = e
	v = e.view()
	r.lock.Unlock()

	go r.reap(e)

	r.ILogf("added %s (%s) for %s", local, label, scope)
	if r.observer != nil {
		r.observer.TunnelAdded(v)
	}
	return v, true, nil
}

// reap drops a tunnel that stopped on its own, e.g. after a connect failure
func (r *Registry) reap(e *entry) {
	<-e.tun.ShutdownDoneChan()
	local := e.tun.Local()
	r.lock.Lock()
	cur, ok := r.tunnels[local]
	if !ok || cur != e {
		r.lock.Unlock()
		return
	}
	delete(r.tunnels, local)
	v := e.view()
	r.lock.Unlock()

	r.WLogf("tunnel %s stopped on its own: %v", local, e.tun.Wait())
	if r.observer != nil {
		r.observer.TunnelRemoved(v)
	}
}

func (r *Registry) lookupLocked(local string) (string, *entry) {
	if e, ok := r.tunnels[local]; ok {
		return local, e
	}
	addr, err := net.ResolveTCPAddr("tcp", local)
	if err != nil {
		return "", nil
	}
	for key, e := range r.tunnels {
		if sameBinding(addr, e.addr) {
			return key, e
		}
	}
	return "", nil
}

// Remove tears down the tunnel v was taken from. If that tunnel is already gone,
// even if another one has since been bound to v.Local, nothing is removed.
func (r *Registry) Remove(v View) (View, error) {
	return r.remove(v.Local, func(e *entry) error {
		if e.gen != v.gen {
			return share.NewError(share.KindUnknownTunnel, "tunnel %s has been replaced", v.Local)
		}
		return nil
	})
}

// RemoveOwned tears down the tunnel bound to local only if scope owns it. A
// tunnel owned by another scope is reported as not found.
func (r *Registry) RemoveOwned(scope, local string) (View, error) {
	return r.remove(local, func(e *entry) error {
		if e.scope != scope {
			return share.NewError(share.KindUnknownTunnel, "tunnel %s not found in scope %s", local, scope)
		}
		return nil
	})
}

func (r *Registry) remove(local string, permit func(*entry) error) (View, error) {
	r.lock.Lock()
	key, e := r.lookupLocked(local)
	if e == nil {
		r.lock.Unlock()
		return View{}, share.NewError(share.KindUnknownTunnel, "tunnel %s not found", local)
	}
	if err := permit(e); err != nil {
		r.lock.Unlock()
		return View{}, err
	}
	delete(r.tunnels, key)
	v := e.view()
	r.lock.Unlock()

	e.tun.Close()
	r.ILogf("removed %s (%s) for %s", v.Local, v.Label, v.Scope)
	if r.observer != nil {
		r.observer.TunnelRemoved(v)
	}
	return v, nil
}

// RemoveAll tears down every tunnel owned by scope and returns how many there were
func (r *Registry) RemoveAll(scope string) int {
	r.lock.Lock()
	var removed []*entry
	for local, e := range r.tunnels {
		if e.scope == scope {
			delete(r.tunnels, local)
			removed = append(removed, e)
		}
	}
	r.lock.Unlock()

	for _, e := range removed {
		e.tun.Close()
		if r.observer != nil {
			r.observer.TunnelRemoved(e.view())
		}
	}
	if len(removed) > 0 {
		r.ILogf("removed %d tunnel(s) for %s", len(removed), scope)
	}
	return len(removed)
}

// List returns the tunnels owned by scope, ordered by local address
func (r *Registry) List(scope string) []View {
	r.lock.RLock()
	views := make([]View, 0, len(r.tunnels))
	for _, e := range r.tunnels {
		if e.scope == scope {
			views = append(views, e.view())
		}
	}
	r.lock.RUnlock()
	sortViews(views)
	return views
}

// Snapshot returns every live tunnel, ordered by local address
func (r *Registry) Snapshot() []View {
	r.lock.RLock()
	views := make([]View, 0, len(r.tunnels))
	for _, e := range r.tunnels {
		views = append(views, e.view())
	}
	r.lock.RUnlock()
	sortViews(views)
	return views
}

// Get returns the tunnel bound to local
func (r *Registry) Get(local string) (View, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	_, e := r.lookupLocked(local)
	if e == nil {
		return View{}, false
	}
	return e.view(), true
}

// SetLatency records a ping result for the tunnel v was taken from. It reports
// false if that tunnel is gone.
func (r *Registry) SetLatency(v View, latency int) bool {
	r.lock.Lock()
	e, ok := r.tunnels[v.Local]
	if !ok || e.gen != v.gen {
		r.lock.Unlock()
		return false
	}
	changed := e.latency != latency
	e.latency = latency
	v = e.view()
	r.lock.Unlock()

	if changed {
		r.notifyUpdated(v)
	}
	return true
}

// Close tears down every tunnel and waits for them all to stop
func (r *Registry) Close() error {
	r.lock.Lock()
	all := make([]*entry, 0, len(r.tunnels))
	for local, e := range r.tunnels {
		delete(r.tunnels, local)
		all = append(all, e)
	}
	r.lock.Unlock()

	for _, e := range all {
		e.tun.Close()
	}
	for _, e := range all {
		e.tun.Wait()
		if r.observer != nil {
			r.observer.TunnelRemoved(e.view())
		}
	}
	return nil
}

func (r *Registry) notifyUpdated(v View) {
	if r.observer != nil {
		r.observer.TunnelUpdated(v)
	}
}

func sortViews(views []View) {
	sort.Slice(views, func(i, j int) bool { return views[i].Local < views[j].Local })
}
