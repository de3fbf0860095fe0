package app

import (
	"sync"
	"testing"
	"time"

	"github.com/dshills/taskpipe/internal/operation"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics() returned nil")
	}

	snapshot := m.Snapshot()
	if snapshot.Tasks() != 0 {
		t.Errorf("expected 0 tasks, got %d", snapshot.Tasks())
	}
	if snapshot.MinRuntime != 0 {
		t.Errorf("expected 0 min runtime (sentinel handled), got %v", snapshot.MinRuntime)
	}
}

func TestMetrics_RecordTask(t *testing.T) {
	m := NewMetrics()

	m.RecordTask(operation.StateSucceeded, 10*time.Millisecond)
	m.RecordTask(operation.StateFailed, 20*time.Millisecond)
	m.RecordTask(operation.StateCancelled, 30*time.Millisecond)
	m.RecordTask(operation.StatePending, time.Hour)

	snapshot := m.Snapshot()
	if snapshot.Succeeded != 1 || snapshot.Failed != 1 || snapshot.Cancelled != 1 {
		t.Errorf("unexpected counts %+v", snapshot)
	}
	if snapshot.MinRuntime != 10*time.Millisecond {
		t.Errorf("expected min 10ms, got %v", snapshot.MinRuntime)
	}
	if snapshot.MaxRuntime != 30*time.Millisecond {
		t.Errorf("expected max 30ms, got %v", snapshot.MaxRuntime)
	}
	if snapshot.AvgRuntime != 20*time.Millisecond {
		t.Errorf("expected avg 20ms, got %v", snapshot.AvgRuntime)
	}
}

func TestMetrics_Concurrent(t *testing.T) {
	m := NewMetrics()

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordTask(operation.StateSucceeded, time.Duration(i)*time.Millisecond)
		}()
	}
	wg.Wait()

	snapshot := m.Snapshot()
	if snapshot.Succeeded != 100 {
		t.Errorf("expected 100 tasks, got %d", snapshot.Succeeded)
	}
	if snapshot.MinRuntime != time.Millisecond || snapshot.MaxRuntime != 100*time.Millisecond {
		t.Errorf("unexpected range [%v, %v]", snapshot.MinRuntime, snapshot.MaxRuntime)
	}
}
