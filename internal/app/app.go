// Package app wires configuration, logging, the operation queue and
// manifests into the taskpipe application.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/taskpipe/internal/config"
	"github.com/dshills/taskpipe/internal/logging"
	"github.com/dshills/taskpipe/internal/manifest"
	"github.com/dshills/taskpipe/internal/operation"
	"github.com/dshills/taskpipe/internal/process"
)

// Options configures the application.
type Options struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string

	// ManifestPath is the task manifest to run.
	ManifestPath string

	// Watch re-runs the manifest whenever it changes.
	Watch bool

	// LogLevel overrides the configured log level when set.
	LogLevel string

	// Stdout receives pipe output and result lines. Defaults to os.Stdout.
	Stdout io.Writer

	// Config, when set, is used instead of loading ConfigPath.
	Config *config.Config

	// Logger, when set, is used instead of building one from the config.
	Logger *logging.Logger
}

// Application runs task manifests.
type Application struct {
	opts Options
	cfg  *config.Config
	log  *logging.Logger
	out  *lineWriter

	queue      *operation.Queue
	completion *operation.SerialDispatcher
	metrics    *Metrics

	running      atomic.Bool
	shutdownOnce sync.Once
}

// New creates an Application with the given options.
func New(opts Options) (*Application, error) {
	if opts.ManifestPath == "" {
		return nil, fmt.Errorf("%w: no manifest given", ErrInitialization)
	}

	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(opts.ConfigPath); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInitialization, err)
		}
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInitialization, err)
		}
	}

	log := opts.Logger
	if log == nil {
		var err error
		if log, err = logging.New(cfg.Logging()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInitialization, err)
		}
	}

	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	app := &Application{
		opts:       opts,
		cfg:        cfg,
		log:        log.WithComponent("app"),
		out:        &lineWriter{w: stdout},
		completion: operation.NewSerialDispatcher(),
		metrics:    NewMetrics(),
	}
	app.queue = operation.NewQueue(
		operation.WithWorkers(cfg.Queue.Workers),
		operation.WithMaxPending(cfg.Queue.MaxPending),
		operation.WithQueueLogger(log),
	)
	return app, nil
}

// Config returns the effective configuration.
func (app *Application) Config() *config.Config {
	return app.cfg
}

// Run executes the manifest. In watch mode it keeps re-running the manifest
// on every change until ctx is done and then returns ErrInterrupted;
// otherwise it runs it once and returns ErrTasksFailed or ErrInterrupted
// when any task did not succeed.
func (app *Application) Run(ctx context.Context) error {
	if !app.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer app.running.Store(false)

	if !app.opts.Watch {
		_, err := app.RunManifest(ctx)
		return err
	}

	if _, err := app.RunManifest(ctx); err != nil {
		app.log.Warn("manifest run failed", "path", app.opts.ManifestPath, "error", err)
	}
	err := manifest.Watch(ctx, app.opts.ManifestPath, func() {
		app.log.Info("manifest changed, re-running", "path", app.opts.ManifestPath)
		if _, err := app.RunManifest(ctx); err != nil {
			app.log.Warn("manifest run failed", "path", app.opts.ManifestPath, "error", err)
		}
	}, manifest.WithWatchLogger(app.log))
	if err != nil {
		return err
	}
	return ErrInterrupted
}

// RunManifest loads the manifest, runs every task in it and waits for all
// of them.
func (app *Application) RunManifest(ctx context.Context) (*Report, error) {
	spec, err := manifest.Load(app.opts.ManifestPath)
	if err != nil {
		return nil, err
	}
	report := app.runSpec(ctx, spec)
	return report, report.Err()
}

func (app *Application) runSpec(ctx context.Context, spec *manifest.Spec) *Report {
	report := &Report{}
	var ops []*operation.Operation
	var printed sync.WaitGroup

	for i := range spec.Tasks {
		ts := &spec.Tasks[i]
		task, err := ts.Build(process.WithKillGrace(app.cfg.Process.KillGrace.Duration))
		if err != nil {
			app.log.Error("building task", "task", ts.Name, "error", err)
			app.metrics.RecordTask(operation.StateFailed, 0)
			report.add(TaskResult{Name: ts.Name, State: operation.StateFailed, Status: -1, Err: err})
			continue
		}

		op := operation.New(ts, task,
			operation.WithName(ts.Name),
			operation.WithCheck(ts.Check()),
			operation.WithSpawnHook(app.streamPipes(ts.Name)),
			operation.WithCompletionQueue(app.completion),
			operation.WithCompletion(func(op *operation.Operation) {
				defer printed.Done()
				app.printResult(op)
			}),
		)
		printed.Add(1)
		if err := app.queue.Add(op); err != nil {
			printed.Done()
			_ = task.Close()
			app.log.Error("queueing task", "task", ts.Name, "error", err)
			app.metrics.RecordTask(operation.StateFailed, 0)
			report.add(TaskResult{Name: ts.Name, State: operation.StateFailed, Status: -1, Err: err})
			continue
		}
		ops = append(ops, op)
	}

	for _, op := range ops {
		select {
		case <-op.Done():
		case <-ctx.Done():
			op.Cancel()
			<-op.Done()
		}
		res, _ := op.Result()
		report.add(TaskResult{
			Name:    op.Name,
			State:   res.State,
			Status:  res.TerminationStatus,
			Runtime: res.Runtime,
			Err:     res.Err,
		})
		if err := op.Task().Close(); err != nil {
			app.log.Debug("closing pipes", "task", op.Name, "error", err)
		}
	}
	printed.Wait()
	return report
}

// printResult runs on the completion dispatcher.
func (app *Application) printResult(op *operation.Operation) {
	res, err := op.Result()
	if err != nil {
		return
	}
	line := fmt.Sprintf("%s: %s (status %d, %s)", op.Name, res.State, res.TerminationStatus, res.Runtime.Round(time.Millisecond))
	if res.Err != nil {
		line += ": " + res.Err.Error()
	}
	app.out.WriteLine(line)
	app.metrics.RecordTask(res.State, res.Runtime)
	app.log.Info("task finished", "task", op.Name, "state", res.State.String(),
		"status", res.TerminationStatus, "runtime", res.Runtime, "error", res.Err)
}

// Cancel cancels every queued and running task.
func (app *Application) Cancel() {
	app.queue.CancelAll()
}

// Shutdown stops the queue, terminating running children within the
// configured timeout, and flushes output. It is safe to call more than once.
func (app *Application) Shutdown() {
	app.shutdownOnce.Do(func() {
		app.queue.Shutdown(app.cfg.Shutdown.Timeout.Duration)
		app.completion.Close()

		m := app.metrics.Snapshot()
		app.log.Info("shutdown complete", "tasks", m.Tasks(), "succeeded", m.Succeeded,
			"failed", m.Failed, "cancelled", m.Cancelled, "avg_runtime", m.AvgRuntime, "uptime", m.Uptime)
		_ = app.log.Sync()
	})
}
