// ABOUTME: State machine owning the single supervised micro-ROS agent process
// ABOUTME: Serializes start/stop transitions and reconciles persisted intent at boot

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/uros-tools/agent-control/internal/settings"
)

// Phase is the supervisor's lifecycle state.
type Phase string

const (
	PhaseStopped  Phase = "stopped"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseStopping Phase = "stopping"
	PhaseFailed   Phase = "failed"
)

// Default bounded waits for spawn and termination.
const (
	DefaultStartTimeout = 2 * time.Second
	DefaultStopTimeout  = 2 * time.Second

	// stopPollInterval paces the wait for an in-flight start to settle
	// before a stop proceeds. Used only to wait for completion, never
	// to decide whether a transition is permitted.
	stopPollInterval = 50 * time.Millisecond
)

// Recorder receives lifecycle events for the history log. Implementations
// must not block; failures are the recorder's problem, not the
// supervisor's.
type Recorder interface {
	RecordEvent(ctx context.Context, action string, detail map[string]any)
}

// Recorded actions.
const (
	ActionStarted     = "agent_started"
	ActionStartFailed = "agent_start_failed"
	ActionStopped     = "agent_stopped"
	ActionStopFailed  = "agent_stop_failed"
)

// Status is a point-in-time snapshot of the supervisor.
type Status struct {
	Phase     Phase
	PID       int
	StartedAt time.Time
	Err       error
}

// Running reports whether the agent is confirmed up.
func (st Status) Running() bool {
	return st.Phase == PhaseRunning
}

// Message renders the status for API consumers.
func (st Status) Message() string {
	switch st.Phase {
	case PhaseStopped:
		return "Stopped"
	case PhaseStarting:
		return "Starting"
	case PhaseRunning:
		return "Running"
	case PhaseStopping:
		return "Stopping"
	case PhaseFailed:
		if st.Err != nil {
			return fmt.Sprintf("Failed: %v", st.Err)
		}
		return "Failed"
	default:
		return string(st.Phase)
	}
}

// Config carries the supervisor's collaborators and timeouts.
type Config struct {
	Launcher Launcher
	Settings *settings.Store
	Recorder Recorder // optional
	Logger   *slog.Logger

	StartTimeout time.Duration // zero means DefaultStartTimeout
	StopTimeout  time.Duration // zero means DefaultStopTimeout
}

// Supervisor owns the single agent process handle and its state machine.
// Exactly one instance exists per control plane; it is passed to the API
// layer at construction time rather than living in package globals.
//
// The mutex guards phase, handle, and lastErr, and is held only for the
// atomic test-and-set of transitions. Spawn and terminate side effects
// run outside the lock, owned by whichever goroutine claimed the
// transition, so Status never blocks behind them.
type Supervisor struct {
	launcher Launcher
	store    *settings.Store
	recorder Recorder
	logger   *slog.Logger

	startTimeout time.Duration
	stopTimeout  time.Duration

	mu        sync.Mutex
	phase     Phase
	handle    Handle
	lastErr   error
	startedAt time.Time
}

// New creates a supervisor in the Stopped phase.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	startTimeout := cfg.StartTimeout
	if startTimeout <= 0 {
		startTimeout = DefaultStartTimeout
	}
	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	return &Supervisor{
		launcher:     cfg.Launcher,
		store:        cfg.Settings,
		recorder:     cfg.Recorder,
		logger:       logger.With("component", "supervisor"),
		startTimeout: startTimeout,
		stopTimeout:  stopTimeout,
		phase:        PhaseStopped,
	}
}

// Status returns the current phase without blocking on in-flight
// transitions. It may legitimately observe Starting or Stopping.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Phase:     s.phase,
		StartedAt: s.startedAt,
		Err:       s.lastErr,
	}
	if s.handle != nil {
		st.PID = s.handle.PID()
	}
	return st
}

// Start claims the transition to Starting, reads fresh configuration,
// spawns the agent, and settles into Running or Failed before returning.
// When persist is set the enabled intent is durably recorded first, so a
// control-plane restart brings the agent back; boot reconciliation passes
// persist=false because the intent it acted on is already durable.
//
// Returns ErrAlreadyRunning if the agent is starting or running, and
// ErrStopInProgress if a stop is in flight (racing a spawn against an
// in-flight stop is rejected rather than arbitrated).
func (s *Supervisor) Start(ctx context.Context, persist bool) error {
	s.mu.Lock()
	switch s.phase {
	case PhaseStarting, PhaseRunning:
		s.mu.Unlock()
		return ErrAlreadyRunning
	case PhaseStopping:
		s.mu.Unlock()
		return ErrStopInProgress
	}
	s.phase = PhaseStarting
	s.lastErr = nil
	s.mu.Unlock()

	if persist {
		if err := s.store.SetEnabled(true); err != nil {
			// Intent persistence failing should not block the start
			// the user asked for; it only affects the next boot.
			s.logger.Warn("persisting enabled intent failed", "error", err)
		}
	}

	cfg := s.store.AgentConfig()
	s.logger.Info("starting agent",
		"transport", cfg.Transport,
		"port", cfg.Port,
		"verbose", cfg.Verbose,
	)

	lctx, cancel := context.WithTimeout(ctx, s.startTimeout)
	defer cancel()

	h, err := s.launcher.Launch(lctx, cfg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrStartTimeout
		} else if !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %v", ErrStartFailed, err)
		}

		s.mu.Lock()
		s.phase = PhaseFailed
		s.handle = nil
		s.lastErr = err
		s.mu.Unlock()

		s.logger.Error("agent start failed", "error", err)
		s.record(ctx, ActionStartFailed, map[string]any{"error": err.Error()})
		return err
	}

	s.mu.Lock()
	s.phase = PhaseRunning
	s.handle = h
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	s.logger.Info("agent running", "pid", h.PID())
	s.record(ctx, ActionStarted, map[string]any{
		"pid":       h.PID(),
		"transport": cfg.Transport,
		"port":      cfg.Port,
		"verbose":   cfg.Verbose,
	})
	return nil
}

// Stop claims the transition to Stopping, signals the agent, and waits up
// to the bounded stop window for a confirmed exit. The handle is cleared
// on every path out of Stopping, timeout included. Stop from Stopped or
// Failed is an idempotent no-op success. A stop issued while a start is
// in flight waits for the start to settle, then stops.
//
// When persist is set the enabled intent is durably cleared; the
// best-effort stop at control-plane shutdown passes persist=false so the
// intent survives the restart.
func (s *Supervisor) Stop(ctx context.Context, persist bool) error {
	wctx, cancel := context.WithTimeout(ctx, s.stopTimeout)
	defer cancel()

	var h Handle
claim:
	for {
		s.mu.Lock()
		switch s.phase {
		case PhaseStopped, PhaseFailed:
			s.mu.Unlock()
			if persist {
				if err := s.store.SetEnabled(false); err != nil {
					s.logger.Warn("persisting disabled intent failed", "error", err)
				}
			}
			return nil
		case PhaseStopping:
			s.mu.Unlock()
			return ErrStopInProgress
		case PhaseStarting:
			// Wait for the in-flight start to settle, bounded by
			// the same window as the stop itself.
			s.mu.Unlock()
			select {
			case <-wctx.Done():
				return ErrStopTimeout
			case <-time.After(stopPollInterval):
			}
		case PhaseRunning:
			s.phase = PhaseStopping
			h = s.handle
			s.mu.Unlock()
			break claim
		}
	}

	if persist {
		if err := s.store.SetEnabled(false); err != nil {
			s.logger.Warn("persisting disabled intent failed", "error", err)
		}
	}

	s.logger.Info("stopping agent", "pid", h.PID())
	if err := h.Terminate(); err != nil {
		s.logger.Warn("sending termination signal failed", "error", err)
	}

	if err := h.Wait(wctx); err != nil {
		// Did not confirm exit in time: force-release the handle so
		// nothing leaks, and report the timeout.
		_ = h.Kill()

		s.mu.Lock()
		s.phase = PhaseFailed
		s.handle = nil
		s.lastErr = ErrStopTimeout
		s.mu.Unlock()

		s.logger.Error("agent stop timed out", "pid", h.PID())
		s.record(ctx, ActionStopFailed, map[string]any{
			"pid":   h.PID(),
			"error": ErrStopTimeout.Error(),
		})
		return ErrStopTimeout
	}

	s.mu.Lock()
	s.phase = PhaseStopped
	s.handle = nil
	s.mu.Unlock()

	s.logger.Info("agent stopped", "pid", h.PID())
	s.record(ctx, ActionStopped, map[string]any{"pid": h.PID()})
	return nil
}

// Reconcile aligns the actual phase with the persisted intent at boot.
// When the intent is enabled it starts the agent in the background,
// without re-persisting what was just read and without blocking the boot
// path. Failures land in the status and the history log, never in a
// crash.
func (s *Supervisor) Reconcile(ctx context.Context) {
	if !s.store.Enabled() {
		s.logger.Debug("agent not enabled, skipping autostart")
		return
	}

	s.logger.Info("agent enabled in persisted settings, autostarting")
	go func() {
		if err := s.Start(ctx, false); err != nil {
			s.logger.Error("autostart failed", "error", err)
		}
	}()
}

// record forwards an event to the recorder when one is configured.
func (s *Supervisor) record(ctx context.Context, action string, detail map[string]any) {
	if s.recorder == nil {
		return
	}
	s.recorder.RecordEvent(ctx, action, detail)
}
