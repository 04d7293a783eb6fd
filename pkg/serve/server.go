// Package serve is the remote end of a tunnel: it maps traffic keys to TCP
// targets and bridges every WebSocket accepted on /traffic/{key} to a fresh
// connection to that key's target.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/requestlog"

	"github.com/sammck-go/wsrx/pkg/metrics"
	"github.com/sammck-go/wsrx/pkg/wsbridge"
	"github.com/sammck-go/wsrx/share"
)

const trafficPrefix = "/traffic/"

// Mapping routes one traffic key to a TCP target
type Mapping struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type closeRequest struct {
	Key string `json:"key"`
}

// Server is safe for concurrent use
type Server struct {
	share.ShutdownHelper
	secret    string
	dialer    net.Dialer
	ctx       context.Context
	cancel    context.CancelFunc
	connStats share.ConnStats
	handler   http.Handler

	lock     sync.RWMutex
	mappings map[string]string
}

// New creates a server. A non-empty secret guards the /pool routes.
func New(logger share.Logger, secret string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		secret:   secret,
		dialer:   net.Dialer{Timeout: 10 * time.Second},
		ctx:      ctx,
		cancel:   cancel,
		mappings: make(map[string]string),
	}
	s.InitShutdownHelper(logger.Fork("serve"), s)

	mux := http.NewServeMux()
	mux.Handle("/pool", s.requireSecret(http.HandlerFunc(s.handlePool)))
	mux.HandleFunc(trafficPrefix, s.handleTraffic)
	var h http.Handler = mux
	if s.GetLogLevel() >= share.LogLevelDebug {
		h = requestlog.Wrap(h)
	}
	s.handler = h
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Serve runs the server on an already-bound listener until ctx is cancelled, then
// aborts every live bridge and waits for them.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	httpServer := share.NewHTTPServer(s.Fork("http"))
	s.ILogf("listening on %s", l.Addr())
	err := httpServer.Serve(ctx, l, s)
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return err
}

// ListenAndServe binds addr and runs Serve on it
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return share.WrapError(share.KindBindFailure, err, "cannot listen on %s", addr)
	}
	return s.Serve(ctx, l)
}

// HandleOnceShutdown aborts every live bridge
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.cancel()
	return completionErr
}

// Add maps key to target. An empty key gets a random one. The key is returned.
func (s *Server) Add(key, target string) (string, error) {
	if _, _, err := net.SplitHostPort(target); err != nil {
		return "", share.WrapError(share.KindAddressParse, err, "invalid target %q", target)
	}
	if key == "" {
		key = uuid.NewString()
	}
	s.lock.Lock()
	s.mappings[key] = target
	s.lock.Unlock()
	s.ILogf("mapped %s -> %s", key, target)
	return key, nil
}

// Remove drops key. Bridges already running for it are left alone.
func (s *Server) Remove(key string) bool {
	s.lock.Lock()
	_, ok := s.mappings[key]
	delete(s.mappings, key)
	s.lock.Unlock()
	if ok {
		s.ILogf("unmapped %s", key)
	}
	return ok
}

// Lookup returns the target of key
func (s *Server) Lookup(key string) (string, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	target, ok := s.mappings[key]
	return target, ok
}

// List returns every mapping ordered by key
func (s *Server) List() []Mapping {
	s.lock.RLock()
	out := make([]Mapping, 0, len(s.mappings))
	for k, v := range s.mappings {
		out = append(out, Mapping{From: k, To: v})
	}
	s.lock.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].From < out[j].From })
	return out
}

func (s *Server) requireSecret(next http.Handler) http.Handler {
	if s.secret == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !share.AuthorizationMatches(r, s.secret) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.List())
	case http.MethodPost:
		var req Mapping
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		key, err := s.Add(req.From, req.To)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, Mapping{From: key, To: req.To})
	case http.MethodDelete:
		var req closeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if !s.Remove(req.Key) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, trafficPrefix)
	target, ok := s.Lookup(key)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodOptions:
		// health check
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodGet:
	default:
		w.Header().Set("Allow", "GET, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.AddShutdownWork() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.ShutdownWG().Done()

	tcp, err := s.dialer.DialContext(r.Context(), "tcp", target)
	if err != nil {
		s.WLogf("failed to connect to %s for %s: %s", target, key, err)
		http.Error(w, "failed to connect to target", http.StatusBadGateway)
		return
	}
	ws, err := wsbridge.AcceptServerStream(w, r)
	if err != nil {
		tcp.Close()
		s.DLogf("websocket accept for %s failed: %s", key, err)
		return
	}

	s.connStats.New()
	s.connStats.Open()
	metrics.BridgesActive.Inc()
	s.ILogf("LINK %s <-wsrx-> %s %s", r.RemoteAddr, target, &s.connStats)
	stats, err := wsbridge.Bridge(s.ctx, s.Logger, ws, tcp)
	s.connStats.Close()
	metrics.BridgesActive.Dec()
	metrics.ObserveBridge(stats.TCPToWS, stats.WSToTCP)
	if err != nil && !errors.Is(err, io.EOF) {
		s.DLogf("bridge for %s ended: %s", key, err)
		var te *wsbridge.TransportError
		if errors.As(err, &te) {
			metrics.TransportErrors.WithLabelValues(te.Side.String()).Inc()
		}
	}
}
