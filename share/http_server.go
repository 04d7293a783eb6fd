package share

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// HTTPServer extends net/http Server and
// adds context-driven shutdown
type HTTPServer struct {
	ShutdownHelper
	*http.Server
	listener net.Listener
}

// NewHTTPServer creates a new HTTPServer
func NewHTTPServer(logger Logger) *HTTPServer {
	h := &HTTPServer{
		Server: &http.Server{ReadHeaderTimeout: 10 * time.Second},
	}
	h.InitShutdownHelper(logger, h)
	return h
}

// HandleOnceShutdown gives in-flight requests a moment to finish, then closes
// the listener and every remaining connection.
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	h.DLogf("HandleOnceShutdown")
	var err error
	if h.listener != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = h.Server.Shutdown(ctx)
		cancel()
		if err != nil {
			h.DLogf("graceful shutdown incomplete, closing: %s", err)
			err = h.Server.Close()
		}
	}
	if completionErr == nil || errors.Is(completionErr, http.ErrServerClosed) {
		completionErr = err
	}
	return completionErr
}

// Serve runs the HTTP server on an already-bound listener, invoking handler for
// each request. It returns after the server has shut down, either because ctx
// was cancelled or because Shutdown()/Close() was called.
func (h *HTTPServer) Serve(ctx context.Context, l net.Listener, handler http.Handler) error {
	err := h.DoOnceActivate(
		func() error {
			h.ShutdownOnContext(ctx)
			h.Handler = handler
			h.listener = l
			go func() {
				h.StartShutdown(h.Server.Serve(l))
			}()
			return nil
		},
		true,
	)
	if err == nil {
		err = h.WaitShutdown()
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// ListenAndServe binds addr and runs Serve on it
func (h *HTTPServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return h.DLogErrorf("listen failed: %s", err)
	}
	return h.Serve(ctx, l, handler)
}

// Shutdown completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Shutdown(completionErr error) error {
	return h.ShutdownHelper.Shutdown(completionErr)
}

// Close completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Close() error {
	return h.ShutdownHelper.Close()
}
