// ABOUTME: Spawn primitive binding the supervisor to real OS processes
// ABOUTME: ExecLauncher runs the micro-ROS agent binary in its own process group

package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/uros-tools/agent-control/internal/settings"
)

// DefaultReadyProbe is how long a freshly spawned agent must survive
// before the launcher considers it ready. An exit inside this window is
// reported as a start failure with the process's exit error.
const DefaultReadyProbe = 500 * time.Millisecond

// Handle is the exclusive reference to a live agent process. It is owned
// by the supervisor and never exposed to callers.
type Handle interface {
	// PID returns the process ID.
	PID() int

	// Terminate sends a graceful termination signal.
	Terminate() error

	// Kill forcibly kills the process.
	Kill() error

	// Wait blocks until the process exits or ctx is done. Returns nil
	// once the process has exited (whatever its exit status, since the
	// caller asked it to die) and ctx.Err() if the context expires.
	Wait(ctx context.Context) error
}

// Launcher starts an external agent process and returns a handle once the
// process is confirmed ready, or an error if it fails or the context
// expires first.
type Launcher interface {
	Launch(ctx context.Context, cfg settings.AgentConfig) (Handle, error)
}

// ExecLauncher launches the micro-ROS agent binary via os/exec, e.g.
// "MicroXRCEAgent udp4 --port 2019 -v4". The child runs in its own
// process group so termination signals reach any workers it forks.
type ExecLauncher struct {
	// Binary is the agent executable name or path.
	Binary string

	// ReadyProbe overrides DefaultReadyProbe when positive.
	ReadyProbe time.Duration

	Logger *slog.Logger
}

// args builds the agent command line from the stored configuration.
func (l *ExecLauncher) args(cfg settings.AgentConfig) []string {
	return []string{
		cfg.Transport,
		"--port", strconv.Itoa(cfg.Port),
		"-v" + strconv.Itoa(cfg.Verbose),
	}
}

// Launch starts the agent and waits for it to be ready. Readiness means
// the process survived the probe window; an exit inside the window
// surfaces the exit error immediately instead of leaving a zombie flag.
func (l *ExecLauncher) Launch(ctx context.Context, cfg settings.AgentConfig) (Handle, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "launcher")

	cmd := exec.Command(l.Binary, l.args(cfg)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", l.Binary, err)
	}

	logger.Info("agent process spawned",
		"binary", l.Binary,
		"pid", cmd.Process.Pid,
		"transport", cfg.Transport,
		"port", cfg.Port,
		"verbose", cfg.Verbose,
	)

	go forwardOutput(stdout, logger, slog.LevelInfo)
	go forwardOutput(stderr, logger, slog.LevelWarn)

	// Single reaper goroutine; everyone else observes exitCh so the
	// child is never left as a zombie.
	h := &procHandle{
		pid:    cmd.Process.Pid,
		exitCh: make(chan error, 1),
	}
	go func() {
		h.exitCh <- cmd.Wait()
		close(h.exitCh)
	}()

	probe := l.ReadyProbe
	if probe <= 0 {
		probe = DefaultReadyProbe
	}

	timer := time.NewTimer(probe)
	defer timer.Stop()

	select {
	case exitErr := <-h.exitCh:
		h.markExited()
		if exitErr == nil {
			return nil, fmt.Errorf("agent exited immediately with status 0")
		}
		return nil, fmt.Errorf("agent exited during startup: %w", exitErr)
	case <-ctx.Done():
		// Abort the half-started process before giving up.
		_ = h.Kill()
		<-h.exitCh
		h.markExited()
		return nil, ctx.Err()
	case <-timer.C:
		return h, nil
	}
}

// forwardOutput copies agent output lines into the control-plane log.
func forwardOutput(r io.Reader, logger *slog.Logger, level slog.Level) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Log(context.Background(), level, "agent: "+scanner.Text())
	}
}

// procHandle wraps a spawned process group.
type procHandle struct {
	pid    int
	exitCh chan error

	mu     sync.Mutex
	exited bool
}

func (h *procHandle) PID() int { return h.pid }

func (h *procHandle) markExited() {
	h.mu.Lock()
	h.exited = true
	h.mu.Unlock()
}

func (h *procHandle) hasExited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

// Terminate signals the whole process group with SIGTERM.
func (h *procHandle) Terminate() error {
	if h.hasExited() {
		return nil
	}
	return syscall.Kill(-h.pid, syscall.SIGTERM)
}

// Kill signals the whole process group with SIGKILL.
func (h *procHandle) Kill() error {
	if h.hasExited() {
		return nil
	}
	return syscall.Kill(-h.pid, syscall.SIGKILL)
}

// Wait blocks until the reaper observes the exit or ctx is done.
func (h *procHandle) Wait(ctx context.Context) error {
	if h.hasExited() {
		return nil
	}
	select {
	case <-h.exitCh:
		h.markExited()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
