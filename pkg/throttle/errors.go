package throttle

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNilLimiter = errors.New("throttle: rate limiter is required")
	ErrNilFunc    = errors.New("throttle: job func is nil")
	ErrClosed     = errors.New("throttle: queue closed")
	ErrCleared    = errors.New("throttle: job removed by Clear")
	ErrTimeout    = errors.New("throttle: job timed out")
)

// TimeoutError is reported when a job's effective timeout elapses before it
// completes. errors.Is(err, ErrTimeout) holds.
type TimeoutError struct {
	ID    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s: timeout after %s", e.ID, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// PanicError is reported when a job func panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }
