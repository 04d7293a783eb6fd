// Package tunnel runs one local TCP listener whose connections are each bridged
// to a fresh WebSocket connection to a fixed remote URL.
package tunnel

import (
	"context"
	"errors"
	"net"

	"github.com/sammck-go/wsrx/pkg/metrics"
	"github.com/sammck-go/wsrx/pkg/wsbridge"
	"github.com/sammck-go/wsrx/share"
)

// State is the lifecycle state of a Tunnel
type State int

const (
	StateStarting State = iota
	StateRunning
	StateCancelling
	StateStopped
)

var stateNames = [...]string{"starting", "running", "cancelling", "stopped"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Config is the immutable address pair of a tunnel. Local is the resolved
// address the listener is bound to.
type Config struct {
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

// Tunnel accepts TCP connections on one listener and bridges each of them to a
// new WebSocket connection to Remote. A failure to open the WebSocket stops the
// whole tunnel.
type Tunnel struct {
	share.ShutdownHelper
	config    Config
	listener  net.Listener
	dialer    wsbridge.Dialer
	ctx       context.Context
	cancel    context.CancelFunc
	connStats share.ConnStats
}

// New takes ownership of an already-bound listener and starts serving it in the
// background. The tunnel is Running when New returns.
func New(logger share.Logger, listener net.Listener, remote string, dialer wsbridge.Dialer) *Tunnel {
	config := Config{
		Local:  listener.Addr().String(),
		Remote: remote,
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tunnel{
		config:   config,
		listener: listener,
		dialer:   dialer,
		ctx:      ctx,
		cancel:   cancel,
	}
	t.InitShutdownHelper(logger.Fork("tunnel[%s]", config.Local), t)

	t.ILogf("CREATE tcp server: %s <-wsrx-> %s", config.Local, config.Remote)
	metrics.TunnelsActive.Inc()

	t.PanicOnError(t.DoOnceActivate(
		func() error {
			t.ShutdownWG().Add(1)
			go t.acceptLoop()
			return nil
		},
		false,
	))
	return t
}

// Config returns the tunnel's address pair
func (t *Tunnel) Config() Config {
	return t.config
}

// Local returns the resolved local address
func (t *Tunnel) Local() string {
	return t.config.Local
}

// Remote returns the remote WebSocket URL
func (t *Tunnel) Remote() string {
	return t.config.Remote
}

func (t *Tunnel) String() string {
	return t.Prefix()
}

// State reports where the tunnel is in its lifecycle
func (t *Tunnel) State() State {
	switch {
	case t.IsDoneShutdown():
		return StateStopped
	case t.IsScheduledShutdown():
		return StateCancelling
	case t.IsActivated():
		return StateRunning
	}
	return StateStarting
}

// ConnStats returns the open/total connection counters
func (t *Tunnel) ConnStats() *share.ConnStats {
	return &t.connStats
}

// Close starts teardown and returns immediately. It may be called any number of
// times from any goroutine, including the tunnel's own.
func (t *Tunnel) Close() error {
	t.StartShutdown(nil)
	return nil
}

// Wait blocks until teardown is complete: the listener is closed and every
// bridge has returned.
func (t *Tunnel) Wait() error {
	return t.WaitShutdown()
}

// HandleOnceShutdown cancels bridges and closes the listener
func (t *Tunnel) HandleOnceShutdown(completionErr error) error {
	t.ILogf("REMOVE tcp server: %s <-wsrx-> %s", t.config.Local, t.config.Remote)
	t.cancel()
	err := t.listener.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		t.DLogf("close of listener failed, ignoring: %s", err)
	}
	metrics.TunnelsActive.Dec()
	return completionErr
}

func (t *Tunnel) acceptLoop() {
	defer t.ShutdownWG().Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.IsScheduledShutdown() {
				t.DLogf("accept loop exiting: tunnel closed")
			} else {
				t.ELogf("accept failed, stopping tunnel: %s", err)
				t.StartShutdown(err)
			}
			return
		}
		if !t.AddShutdownWork() {
			t.ILogf("STOP tcp server: %s <-wsrx-> %s: cancelled", t.config.Local, t.config.Remote)
			conn.Close()
			return
		}
		go t.serveConn(conn)
	}
}

func (t *Tunnel) serveConn(conn net.Conn) {
	defer t.ShutdownWG().Done()
	connNum := t.connStats.New()
	logger := t.Fork("conn#%d", connNum)
	peer := conn.RemoteAddr()

	ws, err := t.dialer.Dial(t.ctx, t.config.Remote)
	if err != nil {
		conn.Close()
		if t.ctx.Err() != nil {
			return
		}
		t.ELogf("failed to connect to %s, stopping tunnel: %s", t.config.Remote, err)
		metrics.ConnectFailures.Inc()
		t.StartShutdown(err)
		return
	}

	t.connStats.Open()
	metrics.BridgesActive.Inc()
	t.ILogf("LINK %s <-wsrx-> %s %s", t.config.Remote, peer, &t.connStats)

	stats, err := wsbridge.Bridge(t.ctx, logger, ws, conn)

	t.connStats.Close()
	metrics.BridgesActive.Dec()
	metrics.ObserveBridge(stats.TCPToWS, stats.WSToTCP)
	if err != nil {
		logger.DLogf("bridge failed: %s", err)
		metrics.TransportErrors.WithLabelValues(sideLabel(err)).Inc()
	}
	t.DLogf("UNLINK %s <-wsrx-> %s %s", t.config.Remote, peer, &t.connStats)
}

func sideLabel(err error) string {
	var te *wsbridge.TransportError
	if errors.As(err, &te) {
		return te.Side.String()
	}
	return "unknown"
}
