package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/oshokin/compose-updater/internal/domain/update"
)

var (
	// ErrVerificationMismatch fails a run whose restart succeeded without changing the running version.
	ErrVerificationMismatch = errors.New("restart reported success but running version did not change")
	// ErrCanceled ends a run canceled between phases.
	ErrCanceled = errors.New("update canceled by operator")
	// ErrNoActiveRun is returned by Cancel when no update is running.
	ErrNoActiveRun = errors.New("no update in progress")
	// ErrClosed is returned once the orchestrator has been shut down.
	ErrClosed = errors.New("orchestrator is shut down")
)

// StepError describes a failed pipeline step.
type StepError struct {
	// Phase is the phase whose step failed.
	Phase update.Phase
	// ExitCode is the process exit code, or a synthetic one on timeout and cancellation.
	ExitCode int
	// TimedOut reports that the step hit its timeout.
	TimedOut bool
	// Canceled reports that shutdown killed the step.
	Canceled bool
	// Timeout is the configured step timeout.
	Timeout time.Duration
	// Err is set when the step could not be started.
	Err error
}

// Error returns the operator-facing description.
func (e *StepError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s failed to start: %v", e.Phase, e.Err)
	case e.TimedOut:
		return fmt.Sprintf("%s timed out after %s", e.Phase, e.Timeout)
	case e.Canceled:
		return fmt.Sprintf("%s was interrupted by shutdown", e.Phase)
	default:
		return fmt.Sprintf("%s exited with code %d", e.Phase, e.ExitCode)
	}
}

// Unwrap returns the start error, if any.
func (e *StepError) Unwrap() error {
	return e.Err
}
