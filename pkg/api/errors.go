package api

import (
	"errors"
	"fmt"

	"github.com/mofax/durolow/internal/duration"
)

// Duration parsing errors are re-exported so callers of Step.Do/Sleep can
// match on them with errors.Is without reaching into an internal package.
var (
	ErrInvalidDuration = duration.ErrInvalidDuration
	ErrUnknownUnit     = duration.ErrUnknownUnit
)

// ErrDurationOverflow is returned by Step.Sleep when the parsed duration,
// in milliseconds, exceeds the platform's safe arithmetic range.
var ErrDurationOverflow = duration.ErrOverflow

// ErrMissingExecutor is returned by Step.Do/DoWithOptions when fn is nil.
var ErrMissingExecutor = errors.New("durolow: step executor function is required")

// ErrEmptyStepName is returned when Do/DoWithOptions/Sleep is called with
// an empty name.
var ErrEmptyStepName = errors.New("durolow: step name must not be empty")

// StepTimeoutError is returned when a step's deadline elapses before fn
// returns. The underlying fn is not aborted; it keeps running orphaned.
type StepTimeoutError struct {
	StepName string
	Timeout  string
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %q timed out after %s", e.StepName, e.Timeout)
}

// StepFailedError wraps the error returned by a user step function, so
// that the original error remains reachable via errors.Unwrap/errors.As
// while still identifying which step produced it.
type StepFailedError struct {
	StepName string
	Err      error
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step %q failed: %s", e.StepName, e.Err)
}

func (e *StepFailedError) Unwrap() error { return e.Err }

// WorkflowFailedError is surfaced by Runner.Run (and from within a running
// workflow body, since it propagates from Step.Do) once a step has
// exhausted its retry budget. The owning WorkflowInstance is transitioned
// to FAILED in the same transaction that marks the StepInstance FAILED,
// before this error is returned to the caller.
type WorkflowFailedError struct {
	StepName string
	Err      error
}

func (e *WorkflowFailedError) Error() string {
	return fmt.Sprintf("workflow failed: %s", e.Err)
}

func (e *WorkflowFailedError) Unwrap() error { return e.Err }

// IsStepTimeout reports whether err is (or wraps) a StepTimeoutError.
func IsStepTimeout(err error) (*StepTimeoutError, bool) {
	var t *StepTimeoutError
	if errors.As(err, &t) {
		return t, true
	}
	return nil, false
}
