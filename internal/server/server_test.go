// ABOUTME: Tests for the HTTP control API
// ABOUTME: Drives the full middleware-wrapped handler through httptest

package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uros-tools/agent-control/internal/history"
	"github.com/uros-tools/agent-control/internal/settings"
	"github.com/uros-tools/agent-control/internal/supervisor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubHandle is a compliant process handle that exits on Terminate.
type stubHandle struct {
	pid      int
	exitCh   chan struct{}
	exitOnce sync.Once
}

func (h *stubHandle) PID() int { return h.pid }

func (h *stubHandle) Terminate() error {
	h.exitOnce.Do(func() { close(h.exitCh) })
	return nil
}

func (h *stubHandle) Kill() error {
	h.exitOnce.Do(func() { close(h.exitCh) })
	return nil
}

func (h *stubHandle) Wait(ctx context.Context) error {
	select {
	case <-h.exitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stubLauncher hands out stub handles.
type stubLauncher struct{}

func (l *stubLauncher) Launch(_ context.Context, _ settings.AgentConfig) (supervisor.Handle, error) {
	return &stubHandle{pid: 4242, exitCh: make(chan struct{})}, nil
}

type testEnv struct {
	handler http.Handler
	store   *settings.Store
	history *history.Log
}

func newTestEnv(t *testing.T, jwtSecret string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	logger := testLogger()

	store := settings.NewStore(filepath.Join(dir, "settings.json"), logger)

	hist, err := history.Open(filepath.Join(dir, "history.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	sup := supervisor.New(supervisor.Config{
		Launcher:     &stubLauncher{},
		Settings:     store,
		Recorder:     hist,
		Logger:       logger,
		StartTimeout: time.Second,
		StopTimeout:  time.Second,
	})

	srv := New(Config{
		HTTPAddr:   "localhost:0",
		JWTSecret:  jwtSecret,
		Supervisor: sup,
		Settings:   store,
		History:    hist,
		Logger:     logger,
	})

	return &testEnv{handler: srv.Handler(), store: store, history: hist}
}

func (e *testEnv) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp),
		"body: %s", rr.Body.String())
	return rr, resp
}

func TestGetSettings_FreshInstallReturnsDefaults(t *testing.T) {
	env := newTestEnv(t, "")

	rr, resp := env.do(t, http.MethodPost, "/agent/get-settings", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	require.True(t, resp.Success)
	require.NotNil(t, resp.Agent)
	assert.Equal(t, "udp4", resp.Agent.Transport)
	assert.Equal(t, 2019, resp.Agent.Port)
	assert.Equal(t, 4, resp.Agent.Verbose)
}

func TestSaveSettings_JSONBody(t *testing.T) {
	env := newTestEnv(t, "")

	_, resp := env.do(t, http.MethodPost, "/agent/save-settings",
		`{"transport": "tcp", "port": 8888, "verbose": 6}`)
	require.True(t, resp.Success, "message: %s", resp.Message)

	_, resp = env.do(t, http.MethodPost, "/agent/get-settings", "")
	assert.Equal(t, "tcp", resp.Agent.Transport)
	assert.Equal(t, 8888, resp.Agent.Port)
	assert.Equal(t, 6, resp.Agent.Verbose)

	events, err := env.history.List(context.Background(), history.Filter{Action: history.ActionSettingsSaved})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSaveSettings_QueryParamsWin(t *testing.T) {
	env := newTestEnv(t, "")

	_, resp := env.do(t, http.MethodPost, "/agent/save-settings?port=9000",
		`{"port": 8000, "verbose": 2}`)
	require.True(t, resp.Success)

	_, resp = env.do(t, http.MethodPost, "/agent/get-settings", "")
	assert.Equal(t, 9000, resp.Agent.Port, "query parameter overrides body")
	assert.Equal(t, 2, resp.Agent.Verbose, "body field without query override sticks")
}

func TestSaveSettings_PartialUpdateKeepsRest(t *testing.T) {
	env := newTestEnv(t, "")

	_, resp := env.do(t, http.MethodPost, "/agent/save-settings?transport=serial", "")
	require.True(t, resp.Success)

	_, resp = env.do(t, http.MethodPost, "/agent/get-settings", "")
	assert.Equal(t, "serial", resp.Agent.Transport)
	assert.Equal(t, 2019, resp.Agent.Port, "unspecified fields keep current values")
}

func TestSaveSettings_ValidationFailure(t *testing.T) {
	env := newTestEnv(t, "")

	rr, resp := env.do(t, http.MethodPost, "/agent/save-settings?transport=bogus", "")
	assert.Equal(t, http.StatusOK, rr.Code, "handled failures stay on 200")
	require.False(t, resp.Success)
	assert.Contains(t, resp.Message, "invalid transport")

	// Nothing persisted.
	_, resp = env.do(t, http.MethodPost, "/agent/get-settings", "")
	assert.Equal(t, "udp4", resp.Agent.Transport)
}

func TestEnabledState_RoundTrip(t *testing.T) {
	env := newTestEnv(t, "")

	_, resp := env.do(t, http.MethodGet, "/agent/get-enabled-state", "")
	require.True(t, resp.Success)
	require.NotNil(t, resp.Enabled)
	assert.False(t, *resp.Enabled)

	_, resp = env.do(t, http.MethodPost, "/agent/save-enabled-state?enabled=true", "")
	require.True(t, resp.Success)

	_, resp = env.do(t, http.MethodGet, "/agent/get-enabled-state", "")
	assert.True(t, *resp.Enabled)
	assert.True(t, env.store.Enabled())

	events, err := env.history.List(context.Background(), history.Filter{Action: history.ActionEnabledChanged})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEnabledState_MissingValue(t *testing.T) {
	env := newTestEnv(t, "")

	_, resp := env.do(t, http.MethodPost, "/agent/save-enabled-state", "")
	require.False(t, resp.Success)
	assert.Contains(t, resp.Message, "missing enabled value")
}

func TestStatus_InitiallyStopped(t *testing.T) {
	env := newTestEnv(t, "")

	_, resp := env.do(t, http.MethodGet, "/agent/status", "")
	require.True(t, resp.Success)
	require.NotNil(t, resp.Running)
	assert.False(t, *resp.Running)
	assert.Equal(t, "Stopped", resp.Message)
}

func TestStartStop_Lifecycle(t *testing.T) {
	env := newTestEnv(t, "")

	_, resp := env.do(t, http.MethodPost, "/agent/start", "")
	require.True(t, resp.Success, "message: %s", resp.Message)

	_, resp = env.do(t, http.MethodGet, "/agent/status", "")
	assert.True(t, *resp.Running)
	assert.Equal(t, "Running", resp.Message)
	assert.True(t, env.store.Enabled(), "start persists the enabled intent")

	// Starting again is a handled failure, not a fault.
	rr, resp := env.do(t, http.MethodPost, "/agent/start", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	require.False(t, resp.Success)
	assert.Contains(t, resp.Message, "already running")

	_, resp = env.do(t, http.MethodPost, "/agent/stop", "")
	require.True(t, resp.Success)
	assert.False(t, env.store.Enabled(), "stop persists the disabled intent")

	_, resp = env.do(t, http.MethodGet, "/agent/status", "")
	assert.False(t, *resp.Running)
	assert.Equal(t, "Stopped", resp.Message)

	// Stopping a stopped agent succeeds without doing anything.
	_, resp = env.do(t, http.MethodPost, "/agent/stop", "")
	assert.True(t, resp.Success)
}

func TestHistory_Endpoint(t *testing.T) {
	env := newTestEnv(t, "")

	_, resp := env.do(t, http.MethodPost, "/agent/start", "")
	require.True(t, resp.Success)
	_, resp = env.do(t, http.MethodPost, "/agent/stop", "")
	require.True(t, resp.Success)

	_, resp = env.do(t, http.MethodGet, "/agent/history", "")
	require.True(t, resp.Success)
	require.Len(t, resp.Events, 2)
	assert.Equal(t, history.ActionStopped, resp.Events[0].Action, "newest first")
	assert.Equal(t, history.ActionStarted, resp.Events[1].Action)

	_, resp = env.do(t, http.MethodGet, "/agent/history?action=agent_started", "")
	require.True(t, resp.Success)
	assert.Len(t, resp.Events, 1)

	_, resp = env.do(t, http.MethodGet, "/agent/history?since=not-a-time", "")
	assert.False(t, resp.Success)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "")

	rr, resp := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, resp.Success)
}

func TestStaticDashboard(t *testing.T) {
	env := newTestEnv(t, "")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "micro-ROS Agent Control")
}

func TestRecoverMiddleware(t *testing.T) {
	srv := &Server{logger: testLogger()}
	handler := srv.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/agent/status", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "internal server error", resp.Error)
	assert.NotContains(t, rr.Body.String(), "kaboom", "panic detail stays out of the response")
}

func TestAuth_ProtectsMutatingEndpoints(t *testing.T) {
	const secret = "test-secret"
	env := newTestEnv(t, secret)

	// Read-only endpoints stay open.
	rr, resp := env.do(t, http.MethodGet, "/agent/status", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, resp.Success)

	// Mutations without a token are rejected.
	rr, resp = env.do(t, http.MethodPost, "/agent/start", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.False(t, resp.Success)

	// A valid token gets through.
	token, err := NewTokenVerifier([]byte(secret)).Generate("tester", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/agent/start", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success, "message: %s", resp.Message)

	// A garbage token is rejected.
	req = httptest.NewRequest(http.MethodPost, "/agent/stop", nil)
	req.Header.Set("Authorization", "Bearer not.a.token")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_WrongSecretRejected(t *testing.T) {
	env := newTestEnv(t, "right-secret")

	token, err := NewTokenVerifier([]byte("wrong-secret")).Generate("tester", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/agent/start", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
