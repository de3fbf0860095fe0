package process

import (
	"errors"
	"fmt"
)

// Sentinel errors for the process package.
var (
	// ErrLaunch is the kind of errors raised when a child cannot be spawned.
	ErrLaunch = errors.New("launch failed")

	// ErrWait is the kind of errors raised when a child cannot be waited on.
	ErrWait = errors.New("wait failed")

	// ErrPipeSetup is the kind of errors raised when a pipe cannot be wired
	// onto its target descriptor.
	ErrPipeSetup = errors.New("pipe setup failed")

	// ErrCancelled is returned by LaunchAndWait when the task was cancelled
	// before the child was spawned.
	ErrCancelled = errors.New("task cancelled")

	// ErrAlreadyLaunched is returned when configuring or launching a task
	// that has already been launched.
	ErrAlreadyLaunched = errors.New("task already launched")

	// ErrDuplicatePipe is returned when a pipe name is registered twice.
	ErrDuplicatePipe = errors.New("pipe name already registered")

	// ErrNotRunning is returned when signalling a child that is not running.
	ErrNotRunning = errors.New("process not running")

	// ErrInvalidMode is returned for unknown pipe modes.
	ErrInvalidMode = errors.New("invalid pipe mode")

	// ErrProcessNotFound is returned when a supervised task ID is not found.
	ErrProcessNotFound = errors.New("process not found")

	// ErrSupervisorShutdown is returned when the supervisor is shutting down.
	ErrSupervisorShutdown = errors.New("supervisor is shutting down")

	// ErrProcessLimit is returned when the supervisor is at capacity.
	ErrProcessLimit = errors.New("process limit reached")
)

// Error describes a failure of a task step.
//
// Kind is one of ErrLaunch, ErrWait or ErrPipeSetup. Both Kind and the
// underlying cause match with errors.Is.
type Error struct {
	Kind error
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", msg, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", msg, e.Kind)
}

// Unwrap returns the kind and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func launchError(path string, err error) error {
	return &Error{Kind: ErrLaunch, Op: "launch", Path: path, Err: err}
}

func waitError(path string, err error) error {
	return &Error{Kind: ErrWait, Op: "wait", Path: path, Err: err}
}

func pipeError(op string, err error) error {
	return &Error{Kind: ErrPipeSetup, Op: op, Err: err}
}
