package process

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/taskpipe/internal/logging"
)

// Supervised is a task tracked by a Supervisor while it runs.
type Supervised struct {
	// ID is the unique identifier assigned by the supervisor.
	ID string

	// Name is a human-readable name for the task.
	Name string

	// Task is the running task.
	Task *Task
}

// Supervisor tracks running tasks so they can be cancelled together.
//
// Supervisor is safe for concurrent use.
type Supervisor struct {
	mu    sync.RWMutex
	tasks map[string]*Supervised

	// wg counts Run calls in flight
	wg sync.WaitGroup

	shutdown chan struct{}
	closed   atomic.Bool

	// maxProcesses limits the number of concurrent tasks (0 = unlimited)
	maxProcesses int

	// onExit is called after a supervised task finished
	onExit func(s *Supervised, err error)

	log *logging.Logger
}

// SupervisorOption configures a Supervisor instance.
type SupervisorOption func(*Supervisor)

// WithMaxProcesses sets the maximum number of concurrent tasks.
// A value of 0 (default) means unlimited.
func WithMaxProcesses(max int) SupervisorOption {
	return func(s *Supervisor) {
		s.maxProcesses = max
	}
}

// WithExitCallback sets a callback invoked after each task finished.
func WithExitCallback(fn func(s *Supervised, err error)) SupervisorOption {
	return func(s *Supervisor) {
		s.onExit = fn
	}
}

// WithLogger sets the supervisor logger.
func WithLogger(l *logging.Logger) SupervisorOption {
	return func(s *Supervisor) {
		if l != nil {
			s.log = l
		}
	}
}

// NewSupervisor creates a new supervisor.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		tasks:    make(map[string]*Supervised),
		shutdown: make(chan struct{}),
		log:      logging.Nop(),
	}

	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithComponent("supervisor")

	return s
}

// Run launches task and waits for it while tracking it under a new ID.
func (s *Supervisor) Run(ctx context.Context, name string, task *Task, onSpawn SpawnFunc) error {
	return s.RunWithID(ctx, uuid.NewString(), name, task, onSpawn)
}

// RunWithID is Run with a caller-chosen ID.
func (s *Supervisor) RunWithID(ctx context.Context, id, name string, task *Task, onSpawn SpawnFunc) error {
	entry, err := s.track(id, name, task)
	if err != nil {
		return err
	}
	defer s.wg.Done()

	log := s.log.With("id", id, "name", name, "path", task.Path)
	log.Debug("launching")

	err = task.LaunchAndWait(ctx, func(t *Task) error {
		log.Debug("spawned", "pid", t.PID())
		if onSpawn != nil {
			return onSpawn(t)
		}
		return nil
	})

	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()

	if err != nil {
		log.Warn("task failed", "error", err)
	} else {
		log.Debug("exited", "status", task.TerminationStatus(), "runtime", task.Runtime())
	}

	if s.onExit != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("exit callback panicked", "panic", r)
				}
			}()
			s.onExit(entry, err)
		}()
	}

	return err
}

func (s *Supervisor) track(id, name string, task *Task) (*Supervised, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check shutdown state under lock to prevent race
	if s.closed.Load() {
		return nil, ErrSupervisorShutdown
	}
	if s.maxProcesses > 0 && len(s.tasks) >= s.maxProcesses {
		return nil, fmt.Errorf("%w: %d", ErrProcessLimit, s.maxProcesses)
	}
	if _, exists := s.tasks[id]; exists {
		return nil, fmt.Errorf("process ID already exists: %s", id)
	}

	entry := &Supervised{ID: id, Name: name, Task: task}
	s.tasks[id] = entry
	s.wg.Add(1)
	return entry, nil
}

// Get returns a supervised task by ID, or nil.
func (s *Supervisor) Get(id string) *Supervised {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[id]
}

// List returns all supervised tasks.
func (s *Supervisor) List() []*Supervised {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Supervised, 0, len(s.tasks))
	for _, t := range s.tasks {
		result = append(result, t)
	}
	return result
}

// Count returns the number of supervised tasks.
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Cancel cancels a task by ID.
func (s *Supervisor) Cancel(id string) error {
	entry := s.Get(id)
	if entry == nil {
		return ErrProcessNotFound
	}
	entry.Task.Cancel()
	return nil
}

// CancelAll cancels every supervised task.
func (s *Supervisor) CancelAll() {
	for _, entry := range s.List() {
		entry.Task.Cancel()
	}
}

// Shutdown cancels all tasks and waits up to timeout for them to exit.
// Tasks still running after the timeout are killed with SIGKILL.
// Shutdown blocks until every Run call has returned.
func (s *Supervisor) Shutdown(timeout time.Duration) {
	// Taken under lock so no Run can register after the wait begins
	s.mu.Lock()
	already := s.closed.Swap(true)
	s.mu.Unlock()
	if already {
		return
	}
	close(s.shutdown)

	entries := s.List()
	s.log.Info("shutting down", "tasks", len(entries), "timeout", timeout)

	for _, entry := range entries {
		entry.Task.Cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		for _, entry := range s.List() {
			s.log.Warn("killing task after timeout", "id", entry.ID, "pid", entry.Task.PID())
			entry.Task.kill()
		}
		<-done
	}
}

// IsShuttingDown returns true if the supervisor is shutting down.
func (s *Supervisor) IsShuttingDown() bool {
	return s.closed.Load()
}

// ShutdownChan returns a channel that is closed when shutdown begins.
func (s *Supervisor) ShutdownChan() <-chan struct{} {
	return s.shutdown
}

// Wait blocks until no task is running.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
