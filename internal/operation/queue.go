package operation

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/golang-collections/collections/queue"

	"github.com/dshills/taskpipe/internal/logging"
	"github.com/dshills/taskpipe/internal/process"
)

// Queue runs operations in FIFO order on a fixed set of worker goroutines.
// Each added operation runs exactly once.
//
// Queue is safe for concurrent use.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	pending *queue.Queue
	ops     map[string]*Operation
	active  int
	closed  bool

	workers    int
	maxPending int

	supervisor *process.Supervisor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *logging.Logger
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithWorkers sets the number of worker goroutines.
func WithWorkers(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithMaxPending limits how many operations may wait. 0 means unlimited.
func WithMaxPending(n int) QueueOption {
	return func(q *Queue) {
		if n >= 0 {
			q.maxPending = n
		}
	}
}

// WithSupervisor sets the supervisor tasks are run under.
func WithSupervisor(s *process.Supervisor) QueueOption {
	return func(q *Queue) {
		q.supervisor = s
	}
}

// WithQueueLogger sets the queue logger.
func WithQueueLogger(l *logging.Logger) QueueOption {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

// NewQueue creates a queue and starts its workers.
func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		pending: queue.New(),
		ops:     make(map[string]*Operation),
		workers: runtime.NumCPU(),
		log:     logging.Nop(),
	}
	q.cond = sync.NewCond(&q.mu)

	for _, opt := range opts {
		opt(q)
	}
	if q.supervisor == nil {
		q.supervisor = process.NewSupervisor(process.WithLogger(q.log))
	}
	q.log = q.log.WithComponent("queue")
	q.ctx, q.cancel = context.WithCancel(context.Background())

	q.wg.Add(q.workers)
	for i := 0; i < q.workers; i++ {
		go q.worker(i)
	}
	return q
}

// Supervisor returns the supervisor running the queue's tasks.
func (q *Queue) Supervisor() *process.Supervisor {
	return q.supervisor
}

// Add enqueues op. Operations without a runner run under the queue's
// supervisor.
func (q *Queue) Add(op *Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if _, exists := q.ops[op.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, op.ID)
	}
	if q.maxPending > 0 && q.pending.Len() >= q.maxPending {
		return fmt.Errorf("%w: %d pending", ErrQueueFull, q.pending.Len())
	}

	op.bindRunner(q.supervisor)
	q.ops[op.ID] = op
	q.pending.Enqueue(op)
	q.cond.Broadcast() // Wait shares the cond with the workers

	q.log.Debug("operation queued", "id", op.ID, "name", op.Name, "pending", q.pending.Len())
	return nil
}

func (q *Queue) worker(n int) {
	defer q.wg.Done()
	log := q.log.With("worker", n)

	for {
		q.mu.Lock()
		for q.pending.Len() == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.pending.Len() == 0 {
			q.mu.Unlock()
			return
		}
		op := q.pending.Dequeue().(*Operation)
		q.active++
		q.mu.Unlock()

		op.Run(q.ctx)
		if res, err := op.Result(); err == nil {
			log.Debug("operation finished", "id", op.ID, "name", op.Name,
				"state", res.State.String(), "status", res.TerminationStatus, "error", res.Err)
		}

		q.mu.Lock()
		q.active--
		delete(q.ops, op.ID)
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// Len returns the number of pending operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Active returns the number of operations currently running.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// CancelAll cancels every pending and running operation.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	ops := make([]*Operation, 0, len(q.ops))
	for _, op := range q.ops {
		ops = append(ops, op)
	}
	q.mu.Unlock()

	for _, op := range ops {
		op.Cancel()
	}
}

// Wait blocks until no operation is pending or running.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.pending.Len() > 0 || q.active > 0 {
		q.cond.Wait()
	}
}

// Shutdown stops accepting operations, cancels pending ones, gives running
// tasks up to timeout to exit after SIGTERM, and joins the workers.
func (q *Queue) Shutdown(timeout time.Duration) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.wg.Wait()
		return
	}
	q.closed = true
	ops := make([]*Operation, 0, len(q.ops))
	for _, op := range q.ops {
		ops = append(ops, op)
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	q.log.Info("shutting down", "operations", len(ops))
	for _, op := range ops {
		op.Cancel()
	}

	q.supervisor.Shutdown(timeout)
	q.cancel()
	q.wg.Wait()
}
