package operation

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Sentinel errors for the operation package.
var (
	// ErrNotFinished is returned by Result before the operation finished.
	ErrNotFinished = errors.New("operation not finished")

	// ErrQueueClosed is returned when adding to a queue that is shutting down.
	ErrQueueClosed = errors.New("operation queue is closed")

	// ErrQueueFull is returned when the queue's pending limit is reached.
	ErrQueueFull = errors.New("operation queue is full")

	// ErrAlreadyQueued is returned when an operation is added twice.
	ErrAlreadyQueued = errors.New("operation already queued")
)

// ExitStatusError reports a termination status a Check did not accept.
type ExitStatusError struct {
	Status int
	Signal unix.Signal
}

// Error implements the error interface.
func (e *ExitStatusError) Error() string {
	if e.Signal != 0 {
		return fmt.Sprintf("terminated by signal: %v", e.Signal)
	}
	return fmt.Sprintf("exit status %d", e.Status)
}

// PanicError wraps a panic raised while an operation ran.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("operation panicked: %v", e.Value)
}
