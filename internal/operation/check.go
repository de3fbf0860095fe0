package operation

import (
	"slices"

	"github.com/dshills/taskpipe/internal/process"
)

// Check interprets a finished task. It runs only when the task ran to
// completion without a launch or wait failure and was not cancelled.
type Check func(t *process.Task) error

// RequireSuccess accepts only a zero termination status.
func RequireSuccess() Check {
	return RequireStatus(0)
}

// RequireStatus accepts the given exit codes. A child killed by a signal is
// never accepted.
func RequireStatus(codes ...int) Check {
	accepted := slices.Clone(codes)
	return func(t *process.Task) error {
		if t.Signaled() {
			return &ExitStatusError{Status: t.TerminationStatus(), Signal: t.TerminationSignal()}
		}
		if !slices.Contains(accepted, t.TerminationStatus()) {
			return &ExitStatusError{Status: t.TerminationStatus()}
		}
		return nil
	}
}
