// ABOUTME: HTTP control API for the supervised micro-ROS agent
// ABOUTME: Wires settings, supervisor, and history endpoints onto one mux

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/uros-tools/agent-control/internal/history"
	"github.com/uros-tools/agent-control/internal/settings"
	"github.com/uros-tools/agent-control/internal/supervisor"
)

// Config carries the server's collaborators.
type Config struct {
	HTTPAddr   string
	JWTSecret  string // empty disables auth on mutating endpoints
	Supervisor *supervisor.Supervisor
	Settings   *settings.Store
	History    *history.Log
	Logger     *slog.Logger
}

// Server is the HTTP control plane. One instance per process, handed its
// collaborators at construction time.
type Server struct {
	cfg        Config
	supervisor *supervisor.Supervisor
	settings   *settings.Store
	history    *history.Log
	logger     *slog.Logger

	httpServer *http.Server
}

// New creates a server. Call Start to begin listening.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:        cfg,
		supervisor: cfg.Supervisor,
		settings:   cfg.Settings,
		history:    cfg.History,
		logger:     logger.With("component", "server"),
	}

	s.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler builds the full middleware-wrapped route table. Exposed
// separately from Start so tests can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Mutating endpoints carry auth when a secret is configured;
	// read-only endpoints stay open for dashboards.
	protect := s.authMiddleware()

	mux.HandleFunc("POST /agent/get-settings", s.handleGetSettings)
	mux.Handle("POST /agent/save-settings", protect(http.HandlerFunc(s.handleSaveSettings)))
	mux.HandleFunc("GET /agent/get-enabled-state", s.handleGetEnabledState)
	mux.Handle("POST /agent/save-enabled-state", protect(http.HandlerFunc(s.handleSaveEnabledState)))
	mux.HandleFunc("GET /agent/status", s.handleStatus)
	mux.Handle("POST /agent/start", protect(http.HandlerFunc(s.handleStart)))
	mux.Handle("POST /agent/stop", protect(http.HandlerFunc(s.handleStop)))
	mux.HandleFunc("GET /agent/history", s.handleHistory)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("/", s.staticHandler())

	var handler http.Handler = mux
	handler = s.requestLogMiddleware(handler)
	handler = s.recoverMiddleware(handler)
	return handler
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called; a clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// apiResponse is the envelope every endpoint returns. Handled failures
// ride success=false on a 200; only transport-level faults change the
// HTTP status.
type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`

	Agent   *agentSettingsBody `json:"agent,omitempty"`
	Enabled *bool              `json:"enabled,omitempty"`
	Running *bool              `json:"running,omitempty"`
	Events  []history.Event    `json:"events,omitempty"`
}

// agentSettingsBody is the wire shape of the agent settings.
type agentSettingsBody struct {
	Transport string `json:"transport"`
	Port      int    `json:"port"`
	Verbose   int    `json:"verbose"`
}

// writeJSON writes an envelope with the given HTTP status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, resp apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encoding response failed", "error", err)
	}
}

// ok writes a 200 success envelope.
func (s *Server) ok(w http.ResponseWriter, resp apiResponse) {
	resp.Success = true
	s.writeJSON(w, http.StatusOK, resp)
}

// fail writes a handled failure: HTTP 200 with success=false, so clients
// branch on the envelope rather than the status code.
func (s *Server) fail(w http.ResponseWriter, message string) {
	s.writeJSON(w, http.StatusOK, apiResponse{Success: false, Message: message})
}

func boolPtr(v bool) *bool { return &v }
