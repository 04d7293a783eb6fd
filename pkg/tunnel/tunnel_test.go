package tunnel

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sammck-go/wsrx/pkg/wsbridge"
	"github.com/sammck-go/wsrx/share"
)

type received struct {
	messageType int
	data        []byte
}

// newEchoRemote starts a WebSocket server that reports every message it gets
// and echoes binary ones back
func newEchoRemote(t *testing.T) (*httptest.Server, <-chan received) {
	frames := make(chan received, 16)
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- received{mt, data}
			if mt == websocket.BinaryMessage {
				if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
					return
				}
			}
		}
	}))
	return srv, frames
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newLocalListener(t *testing.T) net.Listener {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() returned error: %s", err)
	}
	return l
}

func waitStopped(t *testing.T, tun *Tunnel) error {
	select {
	case <-tun.ShutdownDoneChan():
	case <-time.After(10 * time.Second):
		t.Fatalf("tunnel %s did not stop", tun)
	}
	return tun.Wait()
}

func TestTunnelForwardsToRemote(t *testing.T) {
	srv, frames := newEchoRemote(t)
	defer srv.Close()

	tun := New(share.NewDiscardLogger(), newLocalListener(t), wsURL(srv), wsbridge.NewClientDialer())
	defer tun.Close()

	if tun.State() != StateRunning {
		t.Errorf("new tunnel is %s, expected running", tun.State())
	}
	if !strings.HasPrefix(tun.Local(), "127.0.0.1:") || strings.HasSuffix(tun.Local(), ":0") {
		t.Errorf("local address %q was not resolved", tun.Local())
	}

	conn, err := net.Dial("tcp", tun.Local())
	if err != nil {
		t.Fatalf("net.Dial() returned error: %s", err)
	}
	defer conn.Close()

	payload := []byte{0x01, 0x02, 0x03}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("conn.Write() returned error: %s", err)
	}

	select {
	case f := <-frames:
		if f.messageType != websocket.BinaryMessage {
			t.Errorf("remote got message type %d, expected binary", f.messageType)
		}
		if !bytes.Equal(f.data, payload) {
			t.Errorf("remote got %v, expected %v", f.data, payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("remote did not receive a frame")
	}

	echo := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, echo); err != nil {
		t.Fatalf("reading echo returned error: %s", err)
	}
	if !bytes.Equal(echo, payload) {
		t.Errorf("echo was %v, expected %v", echo, payload)
	}

	tun.Close()
	if err := waitStopped(t, tun); err != nil {
		t.Errorf("Wait() after Close() returned error: %s", err)
	}
	if tun.State() != StateStopped {
		t.Errorf("closed tunnel is %s, expected stopped", tun.State())
	}

	// live bridges are aborted by teardown
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Errorf("bridged connection still open after tunnel close")
	}
	if c, err := net.DialTimeout("tcp", tun.Local(), time.Second); err == nil {
		c.Close()
		t.Errorf("listener still accepting after tunnel close")
	}
}

func TestTunnelStopsOnConnectFailure(t *testing.T) {
	dead := newLocalListener(t)
	remote := "ws://" + dead.Addr().String() + "/"
	dead.Close()

	tun := New(share.NewDiscardLogger(), newLocalListener(t), remote, wsbridge.NewClientDialer())
	defer tun.Close()

	conn, err := net.Dial("tcp", tun.Local())
	if err != nil {
		t.Fatalf("net.Dial() returned error: %s", err)
	}
	defer conn.Close()

	err = waitStopped(t, tun)
	if !errors.Is(err, share.ErrConnectFailure) {
		t.Errorf("Wait() returned %v, expected a connect failure", err)
	}
	if tun.State() != StateStopped {
		t.Errorf("tunnel is %s after connect failure, expected stopped", tun.State())
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Errorf("accepted connection was not closed after connect failure")
	}
}

func TestTunnelCloseIsIdempotent(t *testing.T) {
	srv, _ := newEchoRemote(t)
	defer srv.Close()

	tun := New(share.NewDiscardLogger(), newLocalListener(t), wsURL(srv), wsbridge.NewClientDialer())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			tun.Close()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Close() blocked")
	}
	if s := tun.State(); s != StateCancelling && s != StateStopped {
		t.Errorf("tunnel is %s after Close(), expected cancelling or stopped", s)
	}
	if err := waitStopped(t, tun); err != nil {
		t.Errorf("Wait() returned error: %s", err)
	}
	tun.Close()
	if err := tun.Wait(); err != nil {
		t.Errorf("second Wait() returned error: %s", err)
	}
}

func TestTunnelConfig(t *testing.T) {
	srv, _ := newEchoRemote(t)
	defer srv.Close()

	l := newLocalListener(t)
	tun := New(share.NewDiscardLogger(), l, wsURL(srv), wsbridge.NewClientDialer())
	defer tun.Close()

	c := tun.Config()
	if c.Local != l.Addr().String() {
		t.Errorf("Config().Local=%q, expected %q", c.Local, l.Addr().String())
	}
	if c.Remote != wsURL(srv) {
		t.Errorf("Config().Remote=%q, expected %q", c.Remote, wsURL(srv))
	}
}
