// Package operation wraps process tasks as queueable, cancellable units of
// work.
//
// An Operation owns one process.Task. Run launches the task, waits for it,
// applies an optional Check to the termination status and records a Result.
// Failures never escape Run; they are captured and read back through Err or
// Result. Whatever the outcome, the operation finishes exactly once, closes
// its Done channel and dispatches its completion callback on the configured
// Dispatcher.
//
//	op := operation.New(repo, task,
//	    operation.WithCheck(operation.RequireSuccess()),
//	    operation.WithCompletion(func(op *operation.Operation) {
//	        if err := op.Err(); err != nil {
//	            log.Error("verify failed", "error", err)
//	        }
//	    }),
//	)
//	queue.Add(op)
//
// Cancelling a pending operation finishes it at once as cancelled; its task
// is never launched. Cancelling a running operation forwards to the task and
// the operation finishes when the child is reaped. Cancellation is not a
// failure: a cancelled operation reports a nil Err.
//
// A Queue runs operations in FIFO order on a fixed worker pool, launching
// each task under a process.Supervisor so that shutdown can terminate every
// child still running.
package operation
