// Package daemon wires the tunnel registry, the access plane, the health monitor
// and the control API into one long-running process.
package daemon

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/sammck-go/wsrx/pkg/access"
	"github.com/sammck-go/wsrx/pkg/api"
	"github.com/sammck-go/wsrx/pkg/config"
	"github.com/sammck-go/wsrx/pkg/event"
	"github.com/sammck-go/wsrx/pkg/health"
	"github.com/sammck-go/wsrx/pkg/metrics"
	"github.com/sammck-go/wsrx/pkg/registry"
	"github.com/sammck-go/wsrx/pkg/store"
	"github.com/sammck-go/wsrx/pkg/wsbridge"
	"github.com/sammck-go/wsrx/share"
)

// preferredPortAttempts is how many times the configured API port is tried
// before falling back to a random one
const preferredPortAttempts = 3

// Daemon is the tunnel broker process
type Daemon struct {
	share.ShutdownHelper
	config     *config.Config
	tunnels    *registry.Registry
	plane      *access.Plane
	events     *event.Multi
	monitor    *health.Monitor
	api        *api.Server
	store      *store.FileStore
	httpServer *share.HTTPServer
	ctx        context.Context
	cancel     context.CancelFunc

	lastBeat atomic.Int64
	addr     string
	ready    chan struct{}
}

// New builds a daemon from cfg. Extra notifiers receive tunnel and scope events
// alongside the log.
func New(logger share.Logger, cfg *config.Config, notifiers ...event.Notifier) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
	}
	d.InitShutdownHelper(logger.Fork("daemon"), d)

	d.tunnels = registry.New(logger, wsbridge.NewClientDialer())
	d.plane = access.NewPlane(logger, d.tunnels)
	d.events = event.NewMulti(append([]event.Notifier{event.NewLogNotifier(logger)}, notifiers...)...)
	d.tunnels.SetObserver(d.events)
	d.plane.SetObserver(d.events)
	d.monitor = health.NewMonitor(logger, d.tunnels, d.plane, cfg.Monitor.Interval, cfg.Monitor.Timeout)

	if cfg.Metrics.Enabled {
		metrics.MustRegister()
	}
	d.api = api.New(logger, d.plane, d.tunnels, d.events, api.Options{
		Secret:       cfg.API.Secret,
		ConnectRate:  cfg.API.ConnectRate,
		ConnectBurst: cfg.API.ConnectBurst,
		Metrics:      cfg.Metrics.Enabled,
		Heartbeat:    d.beat,
	})
	d.api.SetChecker(d.monitor)

	if cfg.Scopes.File != "" {
		d.store = store.NewFileStore(logger, cfg.Scopes.File)
	}
	d.httpServer = share.NewHTTPServer(d.Fork("http"))
	d.beat()
	return d
}

// Plane returns the access control plane
func (d *Daemon) Plane() *access.Plane {
	return d.plane
}

// Tunnels returns the tunnel registry
func (d *Daemon) Tunnels() *registry.Registry {
	return d.tunnels
}

// Ready is closed once the API listener is bound
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Addr returns the bound API address. It is empty until Ready is closed.
func (d *Daemon) Addr() string {
	d.Lock.Lock()
	defer d.Lock.Unlock()
	return d.addr
}

func (d *Daemon) beat() {
	d.lastBeat.Store(time.Now().UnixNano())
}

// Run starts the daemon and blocks until ctx is cancelled, the heartbeat is
// missed or the API server fails. Everything is torn down before it returns.
func (d *Daemon) Run(ctx context.Context) error {
	var l net.Listener
	err := d.DoOnceActivate(
		func() error {
			d.ShutdownOnContext(ctx)

			var err error
			l, err = d.listen(ctx)
			if err != nil {
				return err
			}
			d.Lock.Lock()
			d.addr = l.Addr().String()
			d.Lock.Unlock()
			d.ILogf("wsrx daemon is listening on %s", d.addr)
			d.ILogf("you can access manage api at http://%s/pool", d.addr)

			if err := d.writeLockFile(l.Addr()); err != nil {
				l.Close()
				return err
			}

			if d.store != nil {
				if err := d.store.ApplyTo(d.plane); err != nil {
					l.Close()
					return err
				}
				if d.config.Scopes.Watch {
					d.goWork(func() {
						if err := d.store.Watch(d.ctx, d.plane); err != nil {
							d.WLogf("scope file watch stopped: %s", err)
						}
					})
				}
			}

			d.goWork(func() { d.monitor.Run(d.ctx) })
			if d.config.API.Heartbeat > 0 {
				d.goWork(func() { d.watchdog(d.config.API.Heartbeat) })
			}
			close(d.ready)
			return nil
		},
		true,
	)
	if err != nil {
		return err
	}

	err = d.httpServer.Serve(d.ctx, l, d.api)
	d.StartShutdown(err)
	return d.WaitShutdown()
}

func (d *Daemon) goWork(f func()) {
	d.ShutdownWG().Add(1)
	go func() {
		defer d.ShutdownWG().Done()
		f()
	}()
}

// listen binds the preferred API address, retrying a few times in case a previous
// instance is still letting go of it, then falls back to a random port if allowed
func (d *Daemon) listen(ctx context.Context) (net.Listener, error) {
	addr := d.config.APIAddr()
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: time.Second}
	var lastErr error
	for {
		l, err := net.Listen("tcp", addr)
		if err == nil {
			return l, nil
		}
		lastErr = err
		if d.config.API.Port == 0 || int(b.Attempt()) >= preferredPortAttempts-1 {
			break
		}
		delay := b.Duration()
		d.DLogf("cannot listen on %s (attempt %d): %s; retrying in %s", addr, int(b.Attempt()), err, delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if d.config.API.FallbackRandom && d.config.API.Port != 0 {
		d.WLogf("cannot listen on %s: %s; using a random port", addr, lastErr)
		l, err := net.Listen("tcp", net.JoinHostPort(d.config.API.Host, "0"))
		if err == nil {
			return l, nil
		}
		lastErr = err
	}
	return nil, share.WrapError(share.KindBindFailure, lastErr, "cannot listen on %s", addr)
}

func (d *Daemon) writeLockFile(addr net.Addr) error {
	if d.config.LockFile == "" {
		return nil
	}
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return d.Errorf("unexpected listener address %s", addr)
	}
	if err := os.WriteFile(d.config.LockFile, []byte(strconv.Itoa(tcpAddr.Port)), 0o644); err != nil {
		return d.Errorf("cannot write lock file %s: %s", d.config.LockFile, err)
	}
	d.DLogf("wrote lock file %s", d.config.LockFile)
	return nil
}

func (d *Daemon) removeLockFile() {
	if d.config.LockFile == "" || d.Addr() == "" {
		return
	}
	if err := os.Remove(d.config.LockFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.WLogf("cannot remove lock file %s: %s", d.config.LockFile, err)
	}
}

// watchdog stops the daemon when no heartbeat arrives for interval
func (d *Daemon) watchdog(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, d.lastBeat.Load())
			if time.Since(last) > interval {
				d.ELogf("heartbeat timeout, last active at %s, exiting", last.Format(time.RFC3339))
				d.StartShutdown(errHeartbeat)
				return
			}
			d.DLogf("heartbeat check passed, last active at %s", last.Format(time.RFC3339))
		}
	}
}

var errHeartbeat = errors.New("heartbeat timeout")

// IsHeartbeatTimeout reports whether err is the result of a missed heartbeat
func IsHeartbeatTimeout(err error) bool {
	return errors.Is(err, errHeartbeat)
}

// HandleOnceShutdown stops the API, saves the scope table and closes every tunnel
func (d *Daemon) HandleOnceShutdown(completionErr error) error {
	d.DLogf("HandleOnceShutdown")
	d.cancel()
	err := d.httpServer.Close()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if d.store != nil && d.IsActivated() {
		if serr := d.store.SaveTable(d.plane); serr != nil {
			d.WLogf("cannot save scopes: %s", serr)
		}
	}
	if terr := d.tunnels.Close(); err == nil {
		err = terr
	}
	d.removeLockFile()
	if completionErr == nil || errors.Is(completionErr, context.Canceled) {
		completionErr = err
	}
	return completionErr
}
