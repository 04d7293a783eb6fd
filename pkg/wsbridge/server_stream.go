package wsbridge

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	cws "github.com/coder/websocket"
)

// maxMessageSize caps every message read from a WebSocket peer
const maxMessageSize = 16 << 20

// ServerStream adapts a WebSocket connection this process accepted
type ServerStream struct {
	conn      *cws.Conn
	closeOnce sync.Once
	closeErr  error
}

// AcceptServerStream performs the server side of the WebSocket handshake on w/r.
// Origins are not checked here; callers gate access before upgrading.
func AcceptServerStream(w http.ResponseWriter, r *http.Request) (*ServerStream, error) {
	conn, err := cws.Accept(w, r, &cws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	return &ServerStream{conn: conn}, nil
}

// Side implements FrameStream
func (s *ServerStream) Side() Side {
	return SideServerWebSocket
}

// NextFrame implements FrameStream
func (s *ServerStream) NextFrame(ctx context.Context) (Frame, error) {
	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		switch cws.CloseStatus(err) {
		case cws.StatusNormalClosure, cws.StatusGoingAway, cws.StatusNoStatusRcvd:
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}
	switch typ {
	case cws.MessageBinary:
		return Frame{Kind: FrameBinary, Data: data}, nil
	case cws.MessageText:
		return Frame{Kind: FrameText, Data: data}, nil
	}
	return Frame{Kind: FrameControl, Data: data}, nil
}

// SendFrame implements FrameStream
func (s *ServerStream) SendFrame(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, cws.MessageBinary, data)
}

// Close performs the close handshake, falling back to an abrupt close
func (s *ServerStream) Close() error {
	s.closeOnce.Do(func() {
		if err := s.conn.Close(cws.StatusNormalClosure, ""); err != nil {
			s.closeErr = s.conn.CloseNow()
		}
	})
	return s.closeErr
}
