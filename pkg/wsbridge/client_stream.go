package wsbridge

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sammck-go/wsrx/share"
)

// closeGrace bounds the close handshake write on teardown
const closeGrace = time.Second

// ClientStream adapts a WebSocket connection this process dialed
type ClientStream struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// NewClientStream wraps a dialed gorilla/websocket connection
func NewClientStream(conn *websocket.Conn) *ClientStream {
	conn.SetReadLimit(maxMessageSize)
	return &ClientStream{conn: conn}
}

// Side implements FrameStream
func (s *ClientStream) Side() Side {
	return SideWebSocket
}

// NextFrame implements FrameStream. Pings are answered by the connection's
// default handler while reading and never surface here.
func (s *ClientStream) NextFrame(ctx context.Context) (Frame, error) {
	mt, data, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err,
			websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNoStatusReceived,
		) {
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}
	switch mt {
	case websocket.BinaryMessage:
		return Frame{Kind: FrameBinary, Data: data}, nil
	case websocket.TextMessage:
		return Frame{Kind: FrameText, Data: data}, nil
	}
	return Frame{Kind: FrameControl, Data: data}, nil
}

// SendFrame implements FrameStream
func (s *ClientStream) SendFrame(ctx context.Context, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := s.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close sends a normal-closure frame, best effort, and closes the connection
func (s *ClientStream) Close() error {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Dialer opens outbound WebSocket connections
type Dialer interface {
	Dial(ctx context.Context, url string) (FrameStream, error)
}

// ClientDialer dials with gorilla/websocket
type ClientDialer struct {
	Dialer websocket.Dialer
	Header http.Header
}

// NewClientDialer returns a ClientDialer with the handshake settings used for tunnels
func NewClientDialer() *ClientDialer {
	return &ClientDialer{
		Dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			ReadBufferSize:   MaxRecordSize,
			WriteBufferSize:  MaxRecordSize,
			HandshakeTimeout: 45 * time.Second,
		},
	}
}

// Dial implements Dialer. Failures are share.KindConnectFailure.
func (d *ClientDialer) Dial(ctx context.Context, url string) (FrameStream, error) {
	conn, resp, err := d.Dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, share.WrapError(share.KindConnectFailure, err, "connect to %s failed (HTTP %d)", url, resp.StatusCode)
		}
		return nil, share.WrapError(share.KindConnectFailure, err, "connect to %s failed", url)
	}
	return NewClientStream(conn), nil
}
