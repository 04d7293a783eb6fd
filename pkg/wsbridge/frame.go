// Package wsbridge forwards bytes between a TCP connection and a WebSocket.
//
// The WebSocket side is anything that implements FrameStream. Two adapters are
// provided: ClientStream wraps a gorilla/websocket connection that this process
// dialed, and ServerStream wraps a coder/websocket connection that this process
// accepted. Bridge is written against FrameStream only.
package wsbridge

import (
	"context"
	"fmt"

	"github.com/sammck-go/wsrx/share"
)

// FrameKind is the payload type of a received WebSocket frame
type FrameKind int

const (
	FrameBinary FrameKind = iota
	FrameText
	FrameControl
)

func (k FrameKind) String() string {
	switch k {
	case FrameBinary:
		return "binary"
	case FrameText:
		return "text"
	default:
		return "control"
	}
}

// Frame is one received WebSocket message
type Frame struct {
	Kind FrameKind
	Data []byte
}

// Side identifies which transport of a bridge failed
type Side int

const (
	SideIO Side = iota
	SideWebSocket
	SideServerWebSocket
)

func (s Side) String() string {
	switch s {
	case SideIO:
		return "Io"
	case SideWebSocket:
		return "WebSocket"
	case SideServerWebSocket:
		return "ServerWebSocket"
	}
	return fmt.Sprintf("Side(%d)", int(s))
}

// FrameStream is the capability set the bridge needs from a WebSocket
type FrameStream interface {
	// NextFrame blocks for the next message. An orderly close by the peer is
	// reported as io.EOF.
	NextFrame(ctx context.Context) (Frame, error)

	// SendFrame sends data as a single binary message. data is not retained.
	SendFrame(ctx context.Context, data []byte) error

	// Close closes the connection. It is safe to call more than once.
	Close() error

	// Side tags errors coming from this stream
	Side() Side
}

// TransportError is an I/O or protocol failure on one side of a bridge
type TransportError struct {
	Side Side
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s", e.Side, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, share.ErrTransport) true for any TransportError
func (e *TransportError) Is(target error) bool {
	return share.KindOf(target) == share.KindTransport
}
