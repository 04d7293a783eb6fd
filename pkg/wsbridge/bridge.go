package wsbridge

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/jpillora/sizestr"
	"golang.org/x/sync/errgroup"

	"github.com/sammck-go/wsrx/share"
)

// MaxRecordSize bounds a single TCP read, and therefore a single outbound binary
// frame, so each frame fits in one TLS record.
const MaxRecordSize = 16 * 1024

// Stats is the outcome of one bridge
type Stats struct {
	// TCPToWS is the number of payload bytes sent as binary frames
	TCPToWS int64
	// WSToTCP is the number of payload bytes written to the TCP side
	WSToTCP int64
	// Discarded is the number of non-binary frames dropped
	Discarded int64
}

var lastBridgeNum atomic.Int64

// Bridge copies between ws and tcp in both directions until either side reaches
// end-of-stream, either side fails, or ctx is cancelled. Whichever comes first
// stops both directions. ws and tcp are closed before Bridge returns.
//
// Only binary frames are written to tcp; text and control frames are consumed
// and dropped. The returned error is nil for an orderly end or cancellation,
// otherwise a *TransportError for the side that failed first.
func Bridge(ctx context.Context, logger share.Logger, ws FrameStream, tcp net.Conn) (Stats, error) {
	bridgeNum := lastBridgeNum.Add(1)
	logger = logger.Fork("bridge#%d (%s<->%s)", bridgeNum, tcp.RemoteAddr(), ws.Side())
	logger.TLogf("starting")

	var tcpToWS, wsToTCP, discarded atomic.Int64
	var stopped atomic.Bool
	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			stopped.Store(true)
			if err := tcp.Close(); err != nil {
				logger.TLogf("close of tcp side failed, ignoring: %s", err)
			}
			if err := ws.Close(); err != nil {
				logger.TLogf("close of websocket side failed, ignoring: %s", err)
			}
		})
	}

	// errors caused by our own stop() are not failures of the side reporting them
	settle := func(err error) error {
		if stopped.Load() {
			return nil
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer stop()
		buf := make([]byte, MaxRecordSize)
		for {
			n, err := tcp.Read(buf)
			if n > 0 {
				if werr := ws.SendFrame(gctx, buf[:n]); werr != nil {
					return settle(&TransportError{Side: ws.Side(), Err: werr})
				}
				tcpToWS.Add(int64(n))
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					logger.TLogf("tcp side reached end of stream")
					return nil
				}
				return settle(&TransportError{Side: SideIO, Err: err})
			}
		}
	})

	g.Go(func() error {
		defer stop()
		for {
			frame, err := ws.NextFrame(gctx)
			if err != nil {
				if errors.Is(err, io.EOF) {
					logger.TLogf("websocket side closed")
					return nil
				}
				return settle(&TransportError{Side: ws.Side(), Err: err})
			}
			if frame.Kind != FrameBinary {
				discarded.Add(1)
				logger.TLogf("dropping %s frame (%d bytes)", frame.Kind, len(frame.Data))
				continue
			}
			n, err := tcp.Write(frame.Data)
			wsToTCP.Add(int64(n))
			if err != nil {
				return settle(&TransportError{Side: SideIO, Err: err})
			}
		}
	})

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			logger.TLogf("cancelled: %s", ctx.Err())
			stop()
		case <-done:
		}
	}()

	err := g.Wait()
	close(done)
	stop()

	stats := Stats{
		TCPToWS:   tcpToWS.Load(),
		WSToTCP:   wsToTCP.Load(),
		Discarded: discarded.Load(),
	}
	if err != nil {
		logger.DLogf("closed with error (sent %s received %s): %s",
			sizestr.ToString(stats.TCPToWS), sizestr.ToString(stats.WSToTCP), err)
	} else {
		logger.DLogf("closed (sent %s received %s)",
			sizestr.ToString(stats.TCPToWS), sizestr.ToString(stats.WSToTCP))
	}
	return stats, err
}
