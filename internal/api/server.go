// Package api implements the host's admin HTTP API: status, catalog
// browsing, invocation, audit queries, reload, and a live event
// stream. It is an operator surface, not the agent-facing path; agents
// integrate through the router directly.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"

	"github.com/groundloop/patchbay/internal/audit"
	"github.com/groundloop/patchbay/internal/buildinfo"
	"github.com/groundloop/patchbay/internal/catalog"
	"github.com/groundloop/patchbay/internal/events"
	"github.com/groundloop/patchbay/internal/metrics"
	"github.com/groundloop/patchbay/internal/registry"
	"github.com/groundloop/patchbay/internal/router"
	"github.com/groundloop/patchbay/internal/supervisor"
)

const (
	// eventStreamBuffer is the per-subscriber event queue. A stalled
	// websocket drops events rather than backing up publishers.
	eventStreamBuffer = 256

	// wsWriteWait bounds a single websocket write.
	wsWriteWait = 10 * time.Second
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Invoker is the slice of the router the API dispatches through.
type Invoker interface {
	Invoke(ctx context.Context, caller, capability string, args map[string]any, timeout time.Duration) (*router.Result, error)
	List(caller string, f catalog.Filter) []catalog.Entry
	GetStats() router.Stats
}

// ClientSource reports registered clients for the status endpoint.
type ClientSource interface {
	List() []registry.Snapshot
}

// CatalogSource reads the capability index without policy filtering.
type CatalogSource interface {
	List(f catalog.Filter) []catalog.Entry
}

// ReloadFunc re-reads configuration and applies the membership diff.
// The command wires this to the config loader and the supervisor.
type ReloadFunc func(ctx context.Context) (*supervisor.ReloadResult, error)

// Config carries the server's listen parameters and collaborators.
// Router, Clients, and Index are required; the rest degrade to 404 or
// absent fields when nil.
type Config struct {
	Address  string
	Port     int
	MaxConns int

	Router  Invoker
	Clients ClientSource
	Index   CatalogSource
	Audit   *audit.Store
	Metrics *metrics.Set
	Bus     *events.Bus
	Reload  ReloadFunc
}

// Server is the admin HTTP API server.
type Server struct {
	config   Config
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates an admin API server.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if cfg.Router == nil {
		panic("api: Config.Router must not be nil")
	}
	if cfg.Clients == nil {
		panic("api: Config.Clients must not be nil")
	}
	if cfg.Index == nil {
		panic("api: Config.Index must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config: cfg,
		logger: logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			// The admin API binds to an operator-controlled interface;
			// browser origin checks add nothing here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the route table. Exposed so tests can drive the mux
// without binding a socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/capabilities", s.handleCapabilities)
	mux.HandleFunc("POST /v1/invoke", s.handleInvoke)
	mux.HandleFunc("POST /v1/reload", s.handleReload)
	mux.HandleFunc("GET /v1/audit", s.handleAudit)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.Handle("GET /metrics", s.config.Metrics.Handler())

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. The listener is capped at
// MaxConns concurrent connections so a flood of agents cannot exhaust
// file descriptors.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if s.config.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConns)
	}

	s.logger.Info("starting admin API",
		"address", ln.Addr().String(),
		"max_conns", s.config.MaxConns,
	)
	return s.server.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    kind,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Patchbay",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// clientStatus is the per-client slice of the status response.
type clientStatus struct {
	Name          string    `json:"name"`
	Generation    uint64    `json:"generation"`
	State         string    `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	Transport     string    `json:"transport"`
	ServerName    string    `json:"server_name,omitempty"`
	ServerVersion string    `json:"server_version,omitempty"`
	Capabilities  int       `json:"capabilities"`
	ProbeFailures int       `json:"probe_failures,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
}

type statusResponse struct {
	Status       string         `json:"status"`
	Version      string         `json:"version"`
	Uptime       string         `json:"uptime"`
	Clients      []clientStatus `json:"clients"`
	Capabilities int            `json:"capabilities"`
	Router       router.Stats   `json:"router"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snaps := s.config.Clients.List()

	overall := "ok"
	clients := make([]clientStatus, 0, len(snaps))
	total := 0
	for _, snap := range snaps {
		count := len(s.config.Index.List(catalog.Filter{Client: snap.Name}))
		total += count
		if snap.State != registry.StateReady {
			overall = "degraded"
		}
		clients = append(clients, clientStatus{
			Name:          snap.Name,
			Generation:    snap.Key.Generation(),
			State:         snap.State.String(),
			Reason:        snap.StateReason,
			Transport:     snap.Transport,
			ServerName:    snap.ServerName,
			ServerVersion: snap.ServerVersion,
			Capabilities:  count,
			ProbeFailures: snap.ProbeFailures,
			RegisteredAt:  snap.RegisteredAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, statusResponse{
		Status:       overall,
		Version:      buildinfo.Version,
		Uptime:       buildinfo.Uptime().Round(time.Second).String(),
		Clients:      clients,
		Capabilities: total,
		Router:       s.config.Router.GetStats(),
	}, s.logger)
}

// capabilityView is one catalog entry as presented to operators.
type capabilityView struct {
	Name        string          `json:"name"`
	Client      string          `json:"client"`
	Kind        string          `json:"kind"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	URI         string          `json:"uri,omitempty"`
}

// handleCapabilities lists the catalog. With ?caller= the listing is
// filtered through that caller's access policy; without it the full
// catalog is returned (the operator view).
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := catalog.Filter{
		Kind:   q.Get("kind"),
		Client: q.Get("client"),
	}

	var entries []catalog.Entry
	if caller := q.Get("caller"); caller != "" {
		entries = s.config.Router.List(caller, f)
	} else {
		entries = s.config.Index.List(f)
	}

	views := make([]capabilityView, 0, len(entries))
	for _, e := range entries {
		views = append(views, capabilityView{
			Name:        e.Name,
			Client:      e.Client,
			Kind:        e.Capability.Kind,
			Description: e.Capability.Description,
			InputSchema: e.Capability.InputSchema,
			URI:         e.Capability.URI,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"capabilities": views,
		"count":        len(views),
	}, s.logger)
}

// invokeRequest is the body of POST /v1/invoke.
type invokeRequest struct {
	Caller     string         `json:"caller"`
	Capability string         `json:"capability"`
	Args       map[string]any `json:"args,omitempty"`
	TimeoutMs  int            `json:"timeout_ms,omitempty"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Caller == "" {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request", "caller is required")
		return
	}
	if req.Capability == "" {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request", "capability is required")
		return
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	result, err := s.config.Router.Invoke(r.Context(), req.Caller, req.Capability, req.Args, timeout)
	if err != nil {
		kind := router.ErrorKind(err)
		s.errorResponse(w, statusForKind(kind), kind, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, result, s.logger)
}

// statusForKind maps taxonomy error kinds onto HTTP status codes.
// Domain errors inside a successful call never reach here; they ride
// the 200 response with is_error set.
func statusForKind(kind string) int {
	switch kind {
	case "not_found":
		return http.StatusNotFound
	case "access_denied":
		return http.StatusForbidden
	case "client_unavailable":
		return http.StatusServiceUnavailable
	case "timeout_error":
		return http.StatusGatewayTimeout
	case "transport_error", "connect_error", "rpc_error":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// reloadResponse is the diff applied by POST /v1/reload, plus any
// connect errors hit while applying it.
type reloadResponse struct {
	*supervisor.ReloadResult
	Error string `json:"error,omitempty"`
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.config.Reload == nil {
		s.errorResponse(w, http.StatusNotImplemented, "invalid_request", "reload is not wired")
		return
	}

	res, err := s.config.Reload(r.Context())
	if res == nil {
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "reload_failed", err.Error())
			return
		}
		res = &supervisor.ReloadResult{}
	}

	resp := reloadResponse{ReloadResult: res}
	if err != nil {
		// The diff was applied; some clients failed to connect.
		resp.Error = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.config.Audit == nil {
		s.errorResponse(w, http.StatusNotFound, "invalid_request", "audit trail is not enabled")
		return
	}

	q := r.URL.Query()
	f := audit.Filter{
		Kind:   q.Get("kind"),
		Caller: q.Get("caller"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid_request", "limit must be an integer")
			return
		}
		f.Limit = n
	}

	records, err := s.config.Audit.Query(f)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "audit_failed", "audit query failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"records": records,
		"count":   len(records),
	}, s.logger)
}

// handleEvents upgrades to a websocket and streams bus events until
// the peer goes away. Slow consumers miss events rather than blocking
// the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.config.Bus == nil {
		s.errorResponse(w, http.StatusNotFound, "invalid_request", "event stream is not enabled")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.config.Bus.Subscribe(eventStreamBuffer)
	defer s.config.Bus.Unsubscribe(ch)

	// Reads only detect the peer closing; inbound frames are ignored.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

// Compile-time wiring checks.
var (
	_ Invoker       = (*router.Router)(nil)
	_ ClientSource  = (*registry.Registry)(nil)
	_ CatalogSource = (*catalog.Catalog)(nil)
)
