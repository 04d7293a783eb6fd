package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sammck-go/wsrx/pkg/access"
	"github.com/sammck-go/wsrx/pkg/registry"
	"github.com/sammck-go/wsrx/share"
)

// DefaultLocal is bound when a create request names no local address
const DefaultLocal = "127.0.0.1:0"

type createRequest struct {
	Label  string `json:"label"`
	Remote string `json:"remote"`
	Local  string `json:"local"`
	// older clients send to/from
	To   string `json:"to"`
	From string `json:"from"`
}

type closeRequest struct {
	Local string `json:"local"`
	Key   string `json:"key"`
}

type scopeRequest struct {
	Name     string          `json:"name"`
	Features access.Features `json:"features"`
	Settings access.Settings `json:"settings"`
}

type hostRequest struct {
	Host string `json:"host"`
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.tunnels.List(origin(r)))
	case http.MethodPost:
		s.createTunnel(w, r)
	case http.MethodDelete:
		s.closeTunnel(w, r)
	default:
		s.methodNotAllowed(w, r, "GET, POST, DELETE")
	}
}

func (s *Server) createTunnel(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if _, err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, share.WrapError(share.KindAddressParse, err, "malformed request body"))
		return
	}
	if req.Remote == "" {
		req.Remote = req.To
	}
	if req.Local == "" {
		req.Local = req.From
	}
	if req.Local == "" {
		req.Local = DefaultLocal
	}
	if req.Remote == "" {
		s.writeError(w, r, http.StatusBadRequest, share.NewError(share.KindAddressParse, "remote is required"))
		return
	}

	scope := origin(r)
	var view registry.View
	var created bool
	err := s.plane.DoIfAllowed(scope, func() error {
		var err error
		view, created, err = s.tunnels.Create(scope, registry.CreateRequest{
			Label:  req.Label,
			Remote: req.Remote,
			Local:  req.Local,
		})
		return err
	})
	if err != nil {
		s.writeError(w, r, statusOf(err), err)
		return
	}
	if created && s.checker != nil {
		go s.checker.Check(context.Background(), view)
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) closeTunnel(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if _, err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, share.WrapError(share.KindAddressParse, err, "malformed request body"))
		return
	}
	local := req.Local
	if local == "" {
		local = req.Key
	}
	if local == "" {
		s.writeError(w, r, http.StatusBadRequest, share.NewError(share.KindAddressParse, "local is required"))
		return
	}
	if _, err := s.tunnels.RemoveOwned(origin(r), local); err != nil {
		s.writeError(w, r, statusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.connectStatus(w, r)
	case http.MethodPost:
		s.requestAccess(w, r)
	case http.MethodPatch:
		s.updateScope(w, r)
	default:
		s.methodNotAllowed(w, r, "GET, POST, PATCH")
	}
}

func (s *Server) connectStatus(w http.ResponseWriter, r *http.Request) {
	switch s.plane.Check(origin(r)) {
	case access.Pending:
		w.WriteHeader(http.StatusCreated)
	case access.Allowed:
		w.WriteHeader(http.StatusAccepted)
	default:
		s.writeError(w, r, http.StatusForbidden, share.NewError(share.KindUnknownScope, "scope %s not found", origin(r)))
	}
}

func (s *Server) requestAccess(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.writeError(w, r, http.StatusTooManyRequests, errors.New("too many access requests"))
		return
	}
	// a missing or unreadable body means defaults
	var req scopeRequest
	if _, err := decodeBody(r, &req); err != nil {
		s.DLogf("ignoring unreadable access request body from %q: %s", origin(r), err)
		req = scopeRequest{}
	}
	_, outcome, err := s.plane.Request(origin(r), req.Name, req.Features, req.Settings)
	if err != nil {
		s.writeError(w, r, statusOf(err), err)
		return
	}
	// pending, new or not, is 200; only an allowed scope differs
	if outcome == access.AlreadyAllowed {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) updateScope(w http.ResponseWriter, r *http.Request) {
	var req scopeRequest
	if _, err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, share.WrapError(share.KindAddressParse, err, "malformed request body"))
		return
	}
	if _, err := s.plane.Update(origin(r), req.Name, req.Features, req.Settings); err != nil {
		// unknown scopes are forbidden here, not missing
		s.writeError(w, r, http.StatusForbidden, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r, "GET")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Version)
}

func (s *Server) handlePopup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, r, "POST")
		return
	}
	if s.surfacer != nil {
		s.surfacer.Surface()
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r, "GET")
		return
	}
	if s.opts.Heartbeat != nil {
		s.opts.Heartbeat()
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, s.plane.List())
		return
	}
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		s.methodNotAllowed(w, r, "GET, POST, DELETE")
		return
	}

	var req hostRequest
	if _, err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, share.WrapError(share.KindAddressParse, err, "malformed request body"))
		return
	}
	req.Host = strings.TrimSpace(req.Host)
	if req.Host == "" {
		s.writeError(w, r, http.StatusBadRequest, share.NewError(share.KindAddressParse, "host is required"))
		return
	}

	var rec access.Record
	var err error
	if r.Method == http.MethodPost {
		rec, err = s.plane.Approve(req.Host)
	} else {
		rec, err = s.plane.Revoke(req.Host)
	}
	if err != nil {
		s.writeError(w, r, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
