package sandbox

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTimeout is the cancellation cause when the wall-clock deadline passes.
	ErrTimeout = errors.New("execution timed out")
	// ErrTransportLost is the cancellation cause when the owning channel goes away.
	ErrTransportLost = errors.New("channel disconnected")
	// ErrEndOfInput is returned by an InputFunc when the session is being torn down.
	ErrEndOfInput = errors.New("end of input")
)

// SetupError reports that sandbox resources could not be prepared.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("sandbox setup: %s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// Setup wraps err as a *SetupError.
func Setup(op string, err error) error {
	return &SetupError{Op: op, Err: err}
}

// OutcomeOf maps a finished run context to its forced outcome. It returns ""
// while ctx is still live.
func OutcomeOf(ctx context.Context) Outcome {
	if ctx.Err() == nil {
		return ""
	}
	if errors.Is(context.Cause(ctx), ErrTransportLost) {
		return Cancelled
	}
	return TimedOut
}
