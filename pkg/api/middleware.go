package api

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sammck-go/wsrx/pkg/metrics"
	"github.com/sammck-go/wsrx/share"
)

// corsPolicy answers preflight requests and decorates responses for origins
// that allow accepts
type corsPolicy struct {
	allow   func(origin string) bool
	methods string
}

func (c corsPolicy) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o := origin(r)
		allowed := o != "" && c.allow(o)
		if allowed {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", o)
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if allowed {
				h := w.Header()
				h.Set("Access-Control-Allow-Methods", c.methods)
				if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
					h.Set("Access-Control-Allow-Headers", req)
				}
				h.Set("Access-Control-Max-Age", "600")
			}
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireSecret rejects requests without the configured secret. CORS preflight
// cannot carry credentials and is let through.
func (s *Server) requireSecret(next http.Handler) http.Handler {
	if s.opts.Secret == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodOptions && !share.AuthorizationMatches(r, s.opts.Secret) {
			s.writeError(w, r, http.StatusForbidden, errors.New("auth failed"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// operatorOnly admits operator requests. With a secret configured the secret
// check has already run; without one, only loopback callers that are not
// browsers (no Origin header) get through.
func (s *Server) operatorOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Secret == "" && (origin(r) != "" || !isLoopback(r.RemoteAddr)) {
			s.writeError(w, r, http.StatusForbidden, errors.New("operator access only"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// observe records request counts and latencies
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		metrics.ObserveHTTP(r.Method, rec.status, time.Since(start))
	})
}
