package zone

import (
	"errors"
	"fmt"
)

var (
	ErrClosed             = errors.New("zone is closed")
	ErrAlreadyRegistered  = errors.New("child already registered")
	ErrNotRegistered      = errors.New("child not registered")
	ErrResultAfterFailure = errors.New("result set after failure")
	ErrCallbackSet        = errors.New("callback already set")
	ErrWrongGoroutine     = errors.New("zone used outside the loop goroutine")
	ErrLoopRunning        = errors.New("loop is already running")
	ErrLoopStopped        = errors.New("loop has been stopped")
	ErrNotRunnable        = errors.New("scheduler cannot be run")
)

// UsageError reports a programming error at the call site of a zone
// operation: double registration, operating on a closed zone and so on.
type UsageError struct {
	Op   string
	Zone ID
	Err  error
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("zone %s: %s: %v", e.Zone, e.Op, e.Err)
}

func (e *UsageError) Unwrap() error { return e.Err }

// PanicError is the failure recorded when a body or callback panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// FatalError wraps an error that reached the root zone. Nothing is left to
// handle it, so Runtime.Run stops and returns it.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "unhandled error in root zone: " + e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// InvariantError is raised when the engine finds its own bookkeeping broken.
type InvariantError struct {
	Zone ID
	Msg  string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("zone %s: invariant violated: %s", e.Zone, e.Msg)
}
