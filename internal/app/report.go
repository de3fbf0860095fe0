package app

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/dshills/taskpipe/internal/operation"
)

// TaskResult is the outcome of one manifest task.
type TaskResult struct {
	Name    string
	State   operation.State
	Status  int
	Runtime time.Duration
	Err     error
}

// Report collects the results of one manifest run.
type Report struct {
	mu      sync.Mutex
	results []TaskResult
}

func (r *Report) add(res TaskResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

// Results returns the task results in the order they were collected.
func (r *Report) Results() []TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TaskResult(nil), r.results...)
}

// Err combines the failures of the run. Failed tasks yield ErrTasksFailed;
// if none failed but some were cancelled it is ErrInterrupted.
func (r *Report) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var failed error
	cancelled := 0
	for _, res := range r.results {
		switch res.State {
		case operation.StateFailed:
			failed = multierr.Append(failed, fmt.Errorf("%s: %w", res.Name, res.Err))
		case operation.StateCancelled:
			cancelled++
		}
	}

	switch {
	case failed != nil:
		return multierr.Append(ErrTasksFailed, failed)
	case cancelled > 0:
		return fmt.Errorf("%w: %d cancelled", ErrInterrupted, cancelled)
	default:
		return nil
	}
}
