// ABOUTME: Typed errors for supervisor state-transition conflicts and timeouts
// ABOUTME: Callers branch on these sentinels rather than on message content

package supervisor

import "errors"

// Errors returned by supervisor operations. Transition conflicts are
// structured rejections, not faults: the state machine is intact and a
// later call may succeed.
var (
	// ErrAlreadyRunning is returned by Start when the agent is already
	// starting or running. Idempotent rejection; nothing was spawned.
	ErrAlreadyRunning = errors.New("agent already running")

	// ErrStopInProgress is returned by Start when a stop is in flight,
	// and by Stop when another stop already claimed the transition.
	ErrStopInProgress = errors.New("agent stop in progress")

	// ErrStartFailed wraps a spawn failure. The machine is in Failed
	// and a subsequent Start is allowed.
	ErrStartFailed = errors.New("agent failed to start")

	// ErrStartTimeout indicates the agent did not become ready within
	// the bounded start window.
	ErrStartTimeout = errors.New("agent start timed out")

	// ErrStopTimeout indicates the agent did not exit within the
	// bounded stop window. The handle is force-released regardless.
	ErrStopTimeout = errors.New("agent stop timed out")
)
