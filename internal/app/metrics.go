package app

import (
	"sync/atomic"
	"time"

	"github.com/dshills/taskpipe/internal/operation"
)

// Metrics tracks task outcomes and runtimes.
type Metrics struct {
	succeeded atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64

	runtimeTotalNs atomic.Int64
	runtimeMinNs   atomic.Int64
	runtimeMaxNs   atomic.Int64

	startTime time.Time
}

// NewMetrics creates a new metrics tracker.
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),
	}
	// Initialize min to max int64 so the first task will be smaller
	m.runtimeMinNs.Store(1<<63 - 1)
	return m
}

// RecordTask records the outcome of one finished task.
func (m *Metrics) RecordTask(state operation.State, runtime time.Duration) {
	switch state {
	case operation.StateSucceeded:
		m.succeeded.Add(1)
	case operation.StateFailed:
		m.failed.Add(1)
	case operation.StateCancelled:
		m.cancelled.Add(1)
	default:
		return
	}

	ns := runtime.Nanoseconds()
	m.runtimeTotalNs.Add(ns)

	for {
		old := m.runtimeMinNs.Load()
		if ns >= old {
			break
		}
		if m.runtimeMinNs.CompareAndSwap(old, ns) {
			break
		}
	}

	for {
		old := m.runtimeMaxNs.Load()
		if ns <= old {
			break
		}
		if m.runtimeMaxNs.CompareAndSwap(old, ns) {
			break
		}
	}
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Succeeded  uint64
	Failed     uint64
	Cancelled  uint64
	MinRuntime time.Duration
	MaxRuntime time.Duration
	AvgRuntime time.Duration
	Uptime     time.Duration
}

// Tasks returns the number of finished tasks.
func (s MetricsSnapshot) Tasks() uint64 {
	return s.Succeeded + s.Failed + s.Cancelled
}

// Snapshot returns the current values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Succeeded:  m.succeeded.Load(),
		Failed:     m.failed.Load(),
		Cancelled:  m.cancelled.Load(),
		MaxRuntime: time.Duration(m.runtimeMaxNs.Load()),
		Uptime:     time.Since(m.startTime),
	}
	if n := s.Tasks(); n > 0 {
		s.MinRuntime = time.Duration(m.runtimeMinNs.Load())
		s.AvgRuntime = time.Duration(m.runtimeTotalNs.Load() / int64(n))
	}
	return s
}

// Metrics returns the application's metrics.
func (app *Application) Metrics() *Metrics {
	return app.metrics
}
