package operation

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/taskpipe/internal/process"
)

// State represents the state of an operation.
type State int32

const (
	// StatePending indicates the operation has not started.
	StatePending State = iota
	// StateRunning indicates the wrapped task is executing.
	StateRunning
	// StateSucceeded indicates the task completed and passed its check.
	StateSucceeded
	// StateFailed indicates a failure was captured.
	StateFailed
	// StateCancelled indicates the operation was cancelled.
	StateCancelled
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Finished returns true for terminal states.
func (s State) Finished() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Result is the outcome of a finished operation.
type Result struct {
	// State is the terminal state.
	State State

	// Err is the captured failure, nil unless State is StateFailed.
	Err error

	// TerminationStatus is the child's status, -1 if it never ran or was
	// not reaped.
	TerminationStatus int

	// Runtime is how long the child ran.
	Runtime time.Duration
}

// Runner launches a task and waits for it. *process.Supervisor is a Runner.
type Runner interface {
	Run(ctx context.Context, name string, task *process.Task, onSpawn process.SpawnFunc) error
}

type directRunner struct{}

func (directRunner) Run(ctx context.Context, _ string, task *process.Task, onSpawn process.SpawnFunc) error {
	return task.LaunchAndWait(ctx, onSpawn)
}

// Operation runs one process.Task as a queueable, cancellable unit of work.
//
// Operation is safe for concurrent use. It finishes exactly once.
type Operation struct {
	// ID is a unique identifier for this operation.
	ID string

	// Name labels the operation in logs and supervisors.
	Name string

	// Owner is an opaque back-reference to whoever requested the operation.
	Owner any

	task       *process.Task
	completion Dispatcher
	onFinish   func(*Operation)
	check      Check
	onSpawn    process.SpawnFunc
	runner     Runner

	mu              sync.Mutex
	state           State
	cancelRequested bool
	result          Result

	done       chan struct{}
	notifyOnce sync.Once
}

// Option configures an Operation.
type Option func(*Operation)

// WithName sets the operation name.
func WithName(name string) Option {
	return func(o *Operation) {
		o.Name = name
	}
}

// WithCompletionQueue sets the dispatcher the finish callback runs on.
func WithCompletionQueue(d Dispatcher) Option {
	return func(o *Operation) {
		if d != nil {
			o.completion = d
		}
	}
}

// WithCompletion sets the finish callback. It runs once, on the completion
// queue, whatever the outcome.
func WithCompletion(fn func(*Operation)) Option {
	return func(o *Operation) {
		o.onFinish = fn
	}
}

// WithCheck sets the protocol check applied to a completed task.
func WithCheck(c Check) Option {
	return func(o *Operation) {
		o.check = c
	}
}

// WithSpawnHook sets the hook run in the parent right after the spawn.
func WithSpawnHook(fn process.SpawnFunc) Option {
	return func(o *Operation) {
		o.onSpawn = fn
	}
}

// WithRunner sets how the task is launched. Defaults to LaunchAndWait.
func WithRunner(r Runner) Option {
	return func(o *Operation) {
		o.runner = r
	}
}

// New creates a pending operation for task on behalf of owner.
func New(owner any, task *process.Task, opts ...Option) *Operation {
	o := &Operation{
		ID:         uuid.NewString(),
		Owner:      owner,
		task:       task,
		completion: Inline,
		done:       make(chan struct{}),
		result:     Result{TerminationStatus: -1},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.Name == "" {
		o.Name = task.Path
	}
	return o
}

// Task returns the wrapped task.
func (o *Operation) Task() *process.Task {
	return o.task
}

// Queue returns the completion queue.
func (o *Operation) Queue() Dispatcher {
	return o.completion
}

// State returns the current state.
func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// IsFinished returns true once the operation reached a terminal state.
func (o *Operation) IsFinished() bool {
	return o.State().Finished()
}

// IsCancelled returns true if cancellation was requested.
func (o *Operation) IsCancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelRequested
}

// Done returns a channel that is closed when the operation finishes.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Err returns the captured failure. It is nil on success, on cancellation,
// and before the operation finished.
func (o *Operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.state.Finished() {
		return nil
	}
	return o.result.Err
}

// Result returns the outcome, or ErrNotFinished before the operation
// finished.
func (o *Operation) Result() (Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.state.Finished() {
		return Result{}, ErrNotFinished
	}
	return o.result, nil
}

// Wait blocks until the operation finished or ctx is done.
func (o *Operation) Wait(ctx context.Context) (Result, error) {
	select {
	case <-o.done:
		return o.Result()
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Run executes the operation on the calling goroutine. It is meant to be
// called by a scheduler and never returns a failure: failures are captured
// into the Result. Calling Run on a started or finished operation does
// nothing.
func (o *Operation) Run(ctx context.Context) {
	o.mu.Lock()
	if o.state != StatePending {
		o.mu.Unlock()
		return
	}
	o.state = StateRunning
	runner := o.runner
	o.mu.Unlock()

	if runner == nil {
		runner = directRunner{}
	}
	err := o.execute(ctx, runner)

	o.mu.Lock()
	switch {
	case o.cancelRequested || o.task.Cancelled():
		o.finishLocked(StateCancelled, nil)
	case err != nil:
		o.finishLocked(StateFailed, err)
	default:
		o.finishLocked(StateSucceeded, nil)
	}
	o.mu.Unlock()

	o.notify()
}

func (o *Operation) execute(ctx context.Context, runner Runner) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	if err := runner.Run(ctx, o.Name, o.task, o.onSpawn); err != nil {
		return err
	}
	if o.check != nil && !o.task.Cancelled() {
		return o.check(o.task)
	}
	return nil
}

// Cancel cancels the operation. A pending operation finishes as cancelled
// at once and never runs; a running one forwards the cancellation to its
// task and finishes when the task returns. Cancel on a finished operation
// does nothing.
func (o *Operation) Cancel() {
	o.mu.Lock()
	switch o.state {
	case StatePending:
		o.cancelRequested = true
		o.finishLocked(StateCancelled, nil)
		o.mu.Unlock()
		o.task.Cancel()
		o.notify()
	case StateRunning:
		first := !o.cancelRequested
		o.cancelRequested = true
		o.mu.Unlock()
		if first {
			o.task.Cancel()
		}
	default:
		o.mu.Unlock()
	}
}

// bindRunner sets the runner unless one was configured.
func (o *Operation) bindRunner(r Runner) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runner == nil {
		o.runner = r
	}
}

func (o *Operation) finishLocked(state State, err error) {
	o.state = state
	o.result = Result{
		State:             state,
		Err:               err,
		TerminationStatus: o.task.TerminationStatus(),
		Runtime:           o.task.Runtime(),
	}
}

// notify closes Done and dispatches the finish callback.
func (o *Operation) notify() {
	o.notifyOnce.Do(func() {
		close(o.done)
		if o.onFinish != nil {
			o.completion.Dispatch(func() { o.onFinish(o) })
		}
	})
}
