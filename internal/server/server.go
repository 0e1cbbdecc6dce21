// Package server exposes the daemon over HTTP and websocket: session
// lifecycle, pane management, viewer attachments, and the permission
// endpoint agent guards block on.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	gmux "github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agent-command/pilotd/internal/audit"
	"github.com/agent-command/pilotd/internal/backend"
	"github.com/agent-command/pilotd/internal/broker"
	"github.com/agent-command/pilotd/internal/config"
	"github.com/agent-command/pilotd/internal/lifecycle"
	"github.com/agent-command/pilotd/internal/mux"
	"github.com/agent-command/pilotd/internal/registry"
	"github.com/agent-command/pilotd/internal/target"
)

// Server wires the daemon's components onto the wire surface.
type Server struct {
	cfg   *config.Config
	reg   *registry.Registry
	mux   *mux.Mux
	brk   *broker.Broker
	life  *lifecycle.Manager
	audit *audit.Log

	upgrader websocket.Upgrader
}

func New(cfg *config.Config, reg *registry.Registry, m *mux.Mux, brk *broker.Broker, life *lifecycle.Manager, auditLog *audit.Log) *Server {
	return &Server{
		cfg:   cfg,
		reg:   reg,
		mux:   m,
		brk:   brk,
		life:  life,
		audit: auditLog,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the HTTP routing table. Session identifiers travel
// URL-encoded in the path so worktree-scoped targets keep their slash.
func (s *Server) Router() http.Handler {
	r := gmux.NewRouter()
	r.UseEncodedPath()

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/v1/sessions", s.handleListSessions).Methods("GET")
	r.HandleFunc("/v1/sessions", s.handleCreateSession).Methods("POST")
	r.HandleFunc("/v1/sessions/{id}", s.handleKillSession).Methods("DELETE")
	r.HandleFunc("/v1/sessions/{id}/recreate", s.handleRecreateSession).Methods("POST")
	r.HandleFunc("/v1/sessions/{id}/fork", s.handleForkSession).Methods("POST")
	r.HandleFunc("/v1/sessions/{id}/panes", s.handleListPanes).Methods("GET")
	r.HandleFunc("/v1/sessions/{id}/panes", s.handleSplitPane).Methods("POST")
	r.HandleFunc("/v1/sessions/{id}/panes/{index}", s.handleKillPane).Methods("DELETE")
	r.HandleFunc("/v1/sessions/{id}/input", s.handleInput).Methods("POST")
	r.HandleFunc("/v1/sessions/{id}/ws", s.handleSessionWS).Methods("GET")

	r.HandleFunc("/v1/permissions", s.handlePermissionRequest).Methods("POST")
	r.HandleFunc("/v1/permissions/log", s.handlePermissionLog).Methods("GET")
	r.HandleFunc("/v1/permissions/{request_id}/decision", s.handlePermissionDecision).Methods("POST")

	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.Listen,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("http: listening on %s", s.cfg.Server.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.mux.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		return fmt.Errorf("http serve: %w", err)
	}
}

// sessionInfo is a registry entry plus its printable identifier.
type sessionInfo struct {
	Target string `json:"target"`
	registry.Session
}

func info(sess registry.Session) sessionInfo {
	return sessionInfo{Target: sess.ID.String(), Session: sess}
}

type createRequest struct {
	Target     string `json:"target"`
	Kind       string `json:"kind,omitempty"`
	Repo       string `json:"repo,omitempty"`
	BaseBranch string `json:"base_branch,omitempty"`
	WorkDir    string `json:"work_dir,omitempty"`
	Command    string `json:"command,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.reg.List()
	out := make([]sessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, info(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	spec, err := specFromRequest(req)
	if err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.life.Create(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info(sess))
}

func specFromRequest(req createRequest) (lifecycle.CreateSpec, error) {
	id, err := target.Parse(req.Target)
	if err != nil {
		return lifecycle.CreateSpec{}, err
	}
	spec := lifecycle.CreateSpec{
		Target:     id,
		Repo:       req.Repo,
		BaseBranch: req.BaseBranch,
		WorkDir:    req.WorkDir,
		Command:    req.Command,
	}
	if req.Kind != "" {
		kind, err := registry.ParseKind(req.Kind)
		if err != nil {
			return lifecycle.CreateSpec{}, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		spec.Kind = kind
	}
	return spec, nil
}

func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.life.Kill(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req createRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
	}
	req.Target = id.String()
	spec, err := specFromRequest(req)
	if err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.life.Recreate(r.Context(), id, spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info(sess))
}

func (s *Server) handleForkSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.life.Fork(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info(sess))
}

func (s *Server) handleListPanes(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	panes, err := s.life.ListPanes(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if panes == nil {
		panes = []backend.Pane{}
	}
	writeJSON(w, http.StatusOK, panes)
}

func (s *Server) handleSplitPane(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	index, err := s.life.SplitPane(r.Context(), id, req.Command)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"index": index})
}

func (s *Server) handleKillPane(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	index, err := strconv.Atoi(gmux.Vars(r)["index"])
	if err != nil {
		http.Error(w, "pane index must be a number", http.StatusBadRequest)
		return
	}
	if err := s.life.KillPane(r.Context(), id, index); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Pane int    `json:"pane"`
		Data string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := s.life.SendInput(r.Context(), id, req.Pane, req.Data); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePermissionRequest is the guard side of the permission flow. The
// request blocks here until a viewer decides, restricted-mode policy
// settles it, or the deadline passes.
func (s *Server) handlePermissionRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Session   string          `json:"session"`
		Operation string          `json:"operation"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Operation == "" {
		http.Error(w, "operation required", http.StatusBadRequest)
		return
	}
	id, err := target.Parse(req.Session)
	if err != nil {
		writeError(w, err)
		return
	}
	sess, ok := s.reg.Get(id)
	if !ok {
		writeError(w, fmt.Errorf("%w: %s", registry.ErrNotFound, id))
		return
	}
	dec, err := s.brk.Request(r.Context(), sess, req.Operation, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

func (s *Server) handlePermissionDecision(w http.ResponseWriter, r *http.Request) {
	requestID := gmux.Vars(r)["request_id"]
	var req struct {
		Resolution string `json:"resolution"`
		Message    string `json:"message,omitempty"`
		DecidedBy  string `json:"decided_by,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	dec := broker.Decision{
		Resolution: broker.Resolution(req.Resolution),
		Message:    req.Message,
		DecidedBy:  req.DecidedBy,
	}
	if err := s.brk.Resolve(requestID, dec); err != nil {
		if errors.Is(err, broker.ErrAlreadyResolved) {
			writeError(w, err)
		} else {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePermissionLog(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		http.Error(w, "audit log disabled", http.StatusNotFound)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "limit must be a number", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := s.audit.Query(r.URL.Query().Get("session"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// errBadRequest marks client mistakes that have no sentinel of their own.
var errBadRequest = errors.New("bad request")

// sessionID parses the {id} path variable, which arrives URL-encoded.
func sessionID(r *http.Request) (target.Identifier, error) {
	raw := gmux.Vars(r)["id"]
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return target.Identifier{}, fmt.Errorf("%w: %q", target.ErrMalformed, raw)
	}
	return target.Parse(decoded)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, target.ErrMalformed), errors.Is(err, errBadRequest),
		errors.Is(err, lifecycle.ErrAgentPane), errors.Is(err, backend.ErrUnknownMachine):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, backend.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrAlreadyExists), errors.Is(err, backend.ErrAlreadyExists),
		errors.Is(err, broker.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, backend.ErrUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("http: encode response: %v", err)
	}
}
