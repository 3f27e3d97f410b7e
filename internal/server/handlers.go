// ABOUTME: Request handlers for the agent control endpoints
// ABOUTME: Settings CRUD, enabled intent, lifecycle, status, and history

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/uros-tools/agent-control/internal/history"
	"github.com/uros-tools/agent-control/internal/supervisor"
)

// handleGetSettings handles POST /agent/get-settings. Returns the
// persisted agent configuration, which is the documented defaults on a
// fresh install.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	cfg := s.settings.AgentConfig()
	s.ok(w, apiResponse{Agent: &agentSettingsBody{
		Transport: cfg.Transport,
		Port:      cfg.Port,
		Verbose:   cfg.Verbose,
	}})
}

// saveSettingsBody is the JSON request body for POST /agent/save-settings.
// Pointer fields so an absent field keeps its current value.
type saveSettingsBody struct {
	Transport *string `json:"transport"`
	Port      *int    `json:"port"`
	Verbose   *int    `json:"verbose"`
}

// handleSaveSettings handles POST /agent/save-settings. Fields arrive as
// query parameters or as a JSON body; query parameters win. Unspecified
// fields keep their current values, so a client can change just the port.
func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	cfg := s.settings.AgentConfig()

	// An empty body is fine; only malformed JSON is an error.
	var body saveSettingsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.fail(w, "invalid request body: "+err.Error())
		return
	}

	if body.Transport != nil {
		cfg.Transport = *body.Transport
	}
	if body.Port != nil {
		cfg.Port = *body.Port
	}
	if body.Verbose != nil {
		cfg.Verbose = *body.Verbose
	}

	q := r.URL.Query()
	if v := q.Get("transport"); v != "" {
		cfg.Transport = v
	}
	if v := q.Get("port"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			s.fail(w, "invalid port: "+v)
			return
		}
		cfg.Port = port
	}
	if v := q.Get("verbose"); v != "" {
		verbose, err := strconv.Atoi(v)
		if err != nil {
			s.fail(w, "invalid verbose level: "+v)
			return
		}
		cfg.Verbose = verbose
	}

	if err := s.settings.SetAgentConfig(cfg); err != nil {
		s.fail(w, err.Error())
		return
	}

	s.recordEvent(r, history.ActionSettingsSaved, map[string]any{
		"transport": cfg.Transport,
		"port":      cfg.Port,
		"verbose":   cfg.Verbose,
	})

	s.ok(w, apiResponse{
		Message: "settings saved",
		Agent: &agentSettingsBody{
			Transport: cfg.Transport,
			Port:      cfg.Port,
			Verbose:   cfg.Verbose,
		},
	})
}

// handleGetEnabledState handles GET /agent/get-enabled-state.
func (s *Server) handleGetEnabledState(w http.ResponseWriter, r *http.Request) {
	s.ok(w, apiResponse{Enabled: boolPtr(s.settings.Enabled())})
}

// saveEnabledBody is the JSON request body for POST /agent/save-enabled-state.
type saveEnabledBody struct {
	Enabled *bool `json:"enabled"`
}

// handleSaveEnabledState handles POST /agent/save-enabled-state. Persists
// the boot intent only; it does not start or stop the agent.
func (s *Server) handleSaveEnabledState(w http.ResponseWriter, r *http.Request) {
	var enabled *bool

	var body saveEnabledBody
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			enabled = body.Enabled
		}
	}

	if v := r.URL.Query().Get("enabled"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			s.fail(w, "invalid enabled value: "+v)
			return
		}
		enabled = &parsed
	}

	if enabled == nil {
		s.fail(w, "missing enabled value")
		return
	}

	if err := s.settings.SetEnabled(*enabled); err != nil {
		s.fail(w, err.Error())
		return
	}

	s.recordEvent(r, history.ActionEnabledChanged, map[string]any{"enabled": *enabled})
	s.ok(w, apiResponse{Enabled: enabled, Message: "enabled state saved"})
}

// handleStatus handles GET /agent/status. Running is true only when the
// agent is confirmed up; a start or stop still in flight reports false
// with the transitional message.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.supervisor.Status()
	s.ok(w, apiResponse{
		Running: boolPtr(st.Running()),
		Message: st.Message(),
	})
}

// handleStart handles POST /agent/start. Persists the enabled intent and
// blocks until the agent settles into running or failed.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	err := s.supervisor.Start(r.Context(), true)
	switch {
	case err == nil:
		s.ok(w, apiResponse{Message: "agent started"})
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		s.fail(w, "agent is already running")
	case errors.Is(err, supervisor.ErrStopInProgress):
		s.fail(w, "agent stop is in progress, try again")
	default:
		s.fail(w, err.Error())
	}
}

// handleStop handles POST /agent/stop. Persists the disabled intent and
// blocks until the exit is confirmed. Stopping an agent that is not
// running succeeds without doing anything.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	err := s.supervisor.Stop(r.Context(), true)
	switch {
	case err == nil:
		s.ok(w, apiResponse{Message: "agent stopped"})
	case errors.Is(err, supervisor.ErrStopInProgress):
		s.fail(w, "agent stop is already in progress")
	default:
		s.fail(w, err.Error())
	}
}

// handleHistory handles GET /agent/history with optional since, action,
// and limit query parameters.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.fail(w, "history is not enabled")
		return
	}

	var f history.Filter
	q := r.URL.Query()

	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.fail(w, "invalid since timestamp: "+v)
			return
		}
		f.Since = &since
	}
	f.Action = q.Get("action")
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			s.fail(w, "invalid limit: "+v)
			return
		}
		f.Limit = limit
	}

	events, err := s.history.List(r.Context(), f)
	if err != nil {
		s.logger.Error("listing history failed", "error", err)
		s.fail(w, "listing history failed")
		return
	}

	s.ok(w, apiResponse{Events: events})
}

// handleHealth handles GET /health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.ok(w, apiResponse{Message: "healthy"})
}

// recordEvent best-effort appends a history event for an API action.
func (s *Server) recordEvent(r *http.Request, action string, detail map[string]any) {
	if s.history == nil {
		return
	}
	s.history.RecordEvent(r.Context(), action, detail)
}
