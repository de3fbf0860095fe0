package app

import "errors"

// Application errors.
var (
	// ErrInitialization indicates an initialization failure.
	ErrInitialization = errors.New("initialization failed")

	// ErrAlreadyRunning indicates the application is already running.
	ErrAlreadyRunning = errors.New("application already running")

	// ErrTasksFailed indicates at least one task failed.
	ErrTasksFailed = errors.New("tasks failed")

	// ErrInterrupted indicates at least one task was cancelled.
	ErrInterrupted = errors.New("tasks interrupted")
)
