// Package api is the HTTP control surface of the daemon. Every route that acts
// on tunnels is scoped by the caller's Origin header.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/jpillora/requestlog"
	"golang.org/x/time/rate"

	"github.com/sammck-go/wsrx/pkg/access"
	"github.com/sammck-go/wsrx/pkg/metrics"
	"github.com/sammck-go/wsrx/pkg/registry"
	"github.com/sammck-go/wsrx/share"
)

// Surfacer brings the presentation layer to the front
type Surfacer interface {
	Surface()
}

// Checker measures a newly created tunnel right away instead of waiting for the
// next monitor tick
type Checker interface {
	Check(ctx context.Context, v registry.View)
}

// Options tunes the API
type Options struct {
	// Version is returned by GET /version
	Version string
	// Secret, if set, must be presented in the Authorization header
	Secret string
	// ConnectRate and ConnectBurst bound POST /connect. Zero rate disables the limit.
	ConnectRate  float64
	ConnectBurst int
	// Metrics exposes GET /metrics
	Metrics bool
	// Heartbeat is called on GET /heartbeat
	Heartbeat func()
}

// Server routes API requests to the access plane and the tunnel registry
type Server struct {
	share.Logger
	plane    *access.Plane
	tunnels  *registry.Registry
	surfacer Surfacer
	checker  Checker
	limiter  *rate.Limiter
	opts     Options
	handler  http.Handler
}

// New builds the API handler. surfacer may be nil.
func New(logger share.Logger, plane *access.Plane, tunnels *registry.Registry, surfacer Surfacer, opts Options) *Server {
	s := &Server{
		Logger:   logger.Fork("api"),
		plane:    plane,
		tunnels:  tunnels,
		surfacer: surfacer,
		opts:     opts,
	}
	if s.opts.Version == "" {
		s.opts.Version = share.BuildVersion
	}
	if opts.ConnectRate > 0 {
		burst := opts.ConnectBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.ConnectRate), burst)
	}

	scoped := corsPolicy{allow: plane.AllowOrigin, methods: "GET, POST, PATCH, DELETE"}
	anyOrigin := corsPolicy{allow: func(string) bool { return true }, methods: "GET, POST, PATCH"}

	mux := http.NewServeMux()
	mux.Handle("/pool", scoped.wrap(http.HandlerFunc(s.handlePool)))
	mux.Handle("/connect", anyOrigin.wrap(http.HandlerFunc(s.handleConnect)))
	mux.Handle("/version", anyOrigin.wrap(http.HandlerFunc(s.handleVersion)))
	mux.Handle("/popup", anyOrigin.wrap(http.HandlerFunc(s.handlePopup)))
	mux.Handle("/access", s.operatorOnly(http.HandlerFunc(s.handleAccess)))
	mux.Handle("/heartbeat", http.HandlerFunc(s.handleHeartbeat))
	if opts.Metrics {
		mux.Handle("/metrics", metrics.Handler())
	}

	var h http.Handler = mux
	h = s.requireSecret(h)
	h = observe(h)
	if s.GetLogLevel() >= share.LogLevelDebug {
		h = requestlog.Wrap(h)
	}
	s.handler = h
	return s
}

// SetChecker installs the post-create checker. Call before serving.
func (s *Server) SetChecker(p Checker) {
	s.checker = p
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func origin(r *http.Request) string {
	return r.Header.Get("Origin")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusOf maps an error to its HTTP status
func statusOf(err error) int {
	switch share.KindOf(err) {
	case share.KindAddressParse, share.KindBindConflict, share.KindUnknownTunnel:
		return http.StatusBadRequest
	case share.KindUnauthorized:
		return http.StatusForbidden
	case share.KindUnknownScope:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	s.DLogf("%s %s from %q: %d %s", r.Method, r.URL.Path, origin(r), status, err)
	http.Error(w, err.Error(), status)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request, allow string) {
	w.Header().Set("Allow", allow)
	s.writeError(w, r, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// decodeBody decodes an optional JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) (bool, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return false, nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
