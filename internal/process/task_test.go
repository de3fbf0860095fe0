package process

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

const sh = "/bin/sh"

func TestNewTask(t *testing.T) {
	task := NewTask("/bin/true", nil)

	if task.State() != StateCreated {
		t.Errorf("expected state StateCreated, got %v", task.State())
	}
	if task.PID() != -1 {
		t.Errorf("expected PID -1 before launch, got %d", task.PID())
	}
	if task.TerminationStatus() != -1 {
		t.Errorf("expected status -1 before launch, got %d", task.TerminationStatus())
	}
	if task.Launched() || task.Cancelled() || task.Exited() {
		t.Error("expected fresh task to be neither launched, cancelled nor exited")
	}
	if task.Runtime() != 0 {
		t.Errorf("expected zero runtime, got %v", task.Runtime())
	}
}

func TestTask_TerminationStatus(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		args       []string
		wantStatus int
	}{
		{name: "true", path: "/bin/true", wantStatus: 0},
		{name: "false", path: "/bin/false", wantStatus: 1},
		{name: "exit 42", path: sh, args: []string{"-c", "exit 42"}, wantStatus: 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := NewTask(tt.path, tt.args)
			if err := task.LaunchAndWait(context.Background(), nil); err != nil {
				t.Fatalf("LaunchAndWait: %v", err)
			}

			if got := task.TerminationStatus(); got != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, got)
			}
			if task.State() != StateExited {
				t.Errorf("expected state StateExited, got %v", task.State())
			}
			if task.Signaled() {
				t.Error("expected no terminating signal")
			}
			if !task.Exited() {
				t.Error("expected Exited() to be true")
			}
			select {
			case <-task.Done():
			default:
				t.Error("expected Done() to be closed")
			}
		})
	}
}

func TestTask_StatusPipe(t *testing.T) {
	task := NewTask(sh, []string{"-c", `printf 'OK\n' >&3`})
	if err := task.InheritPipe(ModeWrite, 3, "status"); err != nil {
		t.Fatalf("InheritPipe: %v", err)
	}
	defer task.Close()

	if err := task.LaunchAndWait(context.Background(), nil); err != nil {
		t.Fatalf("LaunchAndWait: %v", err)
	}
	if task.TerminationStatus() != 0 {
		t.Fatalf("expected status 0, got %d", task.TerminationStatus())
	}

	pipe := task.InheritedPipe("status")
	if pipe == nil {
		t.Fatal("expected status pipe")
	}
	data, err := io.ReadAll(pipe.Reader())
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if string(data) != "OK\n" {
		t.Errorf("expected %q, got %q", "OK\n", data)
	}
}

func TestTask_HighDescriptor(t *testing.T) {
	task := NewTask(sh, []string{"-c", `echo seven >&7`})
	if err := task.InheritPipe(ModeWrite, 7, "out"); err != nil {
		t.Fatalf("InheritPipe: %v", err)
	}
	defer task.Close()

	if err := task.LaunchAndWait(context.Background(), nil); err != nil {
		t.Fatalf("LaunchAndWait: %v", err)
	}

	data, _ := io.ReadAll(task.InheritedPipe("out").Reader())
	if string(data) != "seven\n" {
		t.Errorf("expected %q, got %q", "seven\n", data)
	}
}

func TestTask_ParentWritesChildReads(t *testing.T) {
	task := NewTask(sh, []string{"-c", `cat >&4`})
	if err := task.InheritPipe(ModeRead, 0, "stdin"); err != nil {
		t.Fatalf("InheritPipe stdin: %v", err)
	}
	if err := task.InheritPipe(ModeWrite, 4, "echo"); err != nil {
		t.Fatalf("InheritPipe echo: %v", err)
	}
	defer task.Close()

	in := task.InheritedPipe("stdin")
	if in.Reader() != nil {
		t.Error("expected no reader on a parent-write pipe")
	}

	err := task.LaunchAndWait(context.Background(), func(t *Task) error {
		if _, err := io.WriteString(in.Writer(), "hello"); err != nil {
			return err
		}
		return in.CloseParent()
	})
	if err != nil {
		t.Fatalf("LaunchAndWait: %v", err)
	}

	data, _ := io.ReadAll(task.InheritedPipe("echo").Reader())
	if string(data) != "hello" {
		t.Errorf("expected %q, got %q", "hello", data)
	}
}

func TestTask_InheritPipes_Order(t *testing.T) {
	task := NewTask(sh, []string{"-c", `echo a >&5; echo b >&3; echo c >&4`})
	if err := task.InheritPipes(ModeWrite, []int{5, 3, 4}, "status"); err != nil {
		t.Fatalf("InheritPipes: %v", err)
	}
	defer task.Close()

	if err := task.LaunchAndWait(context.Background(), nil); err != nil {
		t.Fatalf("LaunchAndWait: %v", err)
	}

	pipes := task.InheritedPipes("status")
	if len(pipes) != 3 {
		t.Fatalf("expected 3 pipes, got %d", len(pipes))
	}
	want := []struct {
		target int
		data   string
	}{{5, "a\n"}, {3, "b\n"}, {4, "c\n"}}
	for i, w := range want {
		if pipes[i].Target != w.target {
			t.Errorf("pipe %d: expected target %d, got %d", i, w.target, pipes[i].Target)
		}
		data, _ := io.ReadAll(pipes[i].Reader())
		if string(data) != w.data {
			t.Errorf("pipe %d: expected %q, got %q", i, w.data, data)
		}
	}
	if task.InheritedPipe("status") != pipes[0] {
		t.Error("expected InheritedPipe to return the first pipe")
	}
}

func TestTask_InheritPipe_Errors(t *testing.T) {
	task := NewTask("/bin/true", nil)
	defer task.Close()

	if err := task.InheritPipe(ModeWrite, 3, "status"); err != nil {
		t.Fatalf("InheritPipe: %v", err)
	}

	tests := []struct {
		name    string
		mode    Mode
		targets []int
		pipe    string
		want    error
	}{
		{"invalid mode", Mode(9), []int{4}, "x", ErrInvalidMode},
		{"duplicate name", ModeWrite, []int{4}, "status", ErrDuplicatePipe},
		{"claimed target", ModeRead, []int{3}, "other", ErrPipeSetup},
		{"negative target", ModeRead, []int{-1}, "neg", ErrPipeSetup},
		{"repeated target", ModeRead, []int{5, 5}, "twice", ErrPipeSetup},
		{"empty name", ModeRead, []int{6}, "", ErrPipeSetup},
		{"no targets", ModeRead, nil, "none", ErrPipeSetup},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := task.InheritPipes(tt.mode, tt.targets, tt.pipe)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if got := task.InheritedPipes("twice"); got != nil {
		t.Errorf("expected failed batch to register nothing, got %d pipes", len(got))
	}
}

func TestTask_InheritPipe_AfterLaunch(t *testing.T) {
	task := NewTask("/bin/true", nil)
	if err := task.LaunchAndWait(context.Background(), nil); err != nil {
		t.Fatalf("LaunchAndWait: %v", err)
	}

	if err := task.InheritPipe(ModeWrite, 3, "late"); !errors.Is(err, ErrAlreadyLaunched) {
		t.Errorf("expected ErrAlreadyLaunched, got %v", err)
	}
}

func TestTask_RemoveInheritedPipe(t *testing.T) {
	task := NewTask("/bin/true", nil)
	if err := task.InheritPipe(ModeWrite, 3, "status"); err != nil {
		t.Fatalf("InheritPipe: %v", err)
	}
	pipe := task.InheritedPipe("status")

	if err := task.RemoveInheritedPipe("status"); err != nil {
		t.Fatalf("RemoveInheritedPipe: %v", err)
	}
	if task.InheritedPipe("status") != nil {
		t.Error("expected pipe to be gone")
	}
	if _, err := pipe.File().Write([]byte("x")); err == nil {
		t.Error("expected write on closed parent end to fail")
	}

	// The target is free again and unknown names are ignored.
	if err := task.InheritPipe(ModeWrite, 3, "status"); err != nil {
		t.Errorf("expected descriptor 3 to be reusable, got %v", err)
	}
	if err := task.RemoveInheritedPipe("missing"); err != nil {
		t.Errorf("expected no error for unknown name, got %v", err)
	}
	if err := task.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestTask_LookupUnknown(t *testing.T) {
	task := NewTask("/bin/true", nil)
	if task.InheritedPipe("nope") != nil {
		t.Error("expected nil pipe")
	}
	if task.InheritedPipes("nope") != nil {
		t.Error("expected nil pipes")
	}
}

func TestTask_LaunchFailure(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "plain")
	if err := os.WriteFile(plain, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		path  string
		cause error
	}{
		{"missing", filepath.Join(dir, "does-not-exist"), fs.ErrNotExist},
		{"not executable", plain, fs.ErrPermission},
		{"relative", "true", nil},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := NewTask(tt.path, nil)
			err := task.LaunchAndWait(context.Background(), nil)

			if !errors.Is(err, ErrLaunch) {
				t.Fatalf("expected ErrLaunch, got %v", err)
			}
			if tt.cause != nil && !errors.Is(err, tt.cause) {
				t.Errorf("expected cause %v, got %v", tt.cause, err)
			}
			var taskErr *Error
			if !errors.As(err, &taskErr) || taskErr.Path != tt.path {
				t.Errorf("expected *Error with path %q, got %v", tt.path, err)
			}
			if task.TerminationStatus() != -1 {
				t.Errorf("expected status -1, got %d", task.TerminationStatus())
			}
			if task.PID() != -1 {
				t.Errorf("expected PID -1, got %d", task.PID())
			}
			if task.State() != StateFailed {
				t.Errorf("expected StateFailed, got %v", task.State())
			}
		})
	}
}

func TestTask_LaunchTwice(t *testing.T) {
	task := NewTask("/bin/true", nil)
	if err := task.LaunchAndWait(context.Background(), nil); err != nil {
		t.Fatalf("LaunchAndWait: %v", err)
	}
	if err := task.LaunchAndWait(context.Background(), nil); !errors.Is(err, ErrAlreadyLaunched) {
		t.Errorf("expected ErrAlreadyLaunched, got %v", err)
	}
}

func TestTask_CancelBeforeLaunch(t *testing.T) {
	task := NewTask(sh, []string{"-c", "exit 0"})
	task.Cancel()
	task.Cancel()

	spawned := false
	err := task.LaunchAndWait(context.Background(), func(*Task) error {
		spawned = true
		return nil
	})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if spawned || task.PID() != -1 {
		t.Error("expected the child never to be spawned")
	}
	if task.TerminationStatus() != -1 {
		t.Errorf("expected status -1, got %d", task.TerminationStatus())
	}
	select {
	case <-task.Done():
	default:
		t.Error("expected Done() to be closed")
	}
}

func TestTask_CancelWhileRunning(t *testing.T) {
	task := NewTask(sh, []string{"-c", "sleep 30"})
	spawned := make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- task.LaunchAndWait(context.Background(), func(*Task) error {
			close(spawned)
			return nil
		})
	}()

	<-spawned
	time.Sleep(10 * time.Millisecond)
	task.Cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("LaunchAndWait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("LaunchAndWait did not return after Cancel")
	}

	if !task.Cancelled() {
		t.Error("expected Cancelled() to be true")
	}
	if !task.Signaled() || task.TerminationSignal() != unix.SIGTERM {
		t.Errorf("expected SIGTERM, got %v", task.TerminationSignal())
	}
	if got := task.TerminationStatus(); got != 128+int(unix.SIGTERM) {
		t.Errorf("expected status %d, got %d", 128+int(unix.SIGTERM), got)
	}
	if task.State() != StateKilled {
		t.Errorf("expected StateKilled, got %v", task.State())
	}
}

func TestTask_CancelEscalatesToKill(t *testing.T) {
	task := NewTask(sh, []string{"-c", `trap '' TERM; echo ready >&3; sleep 30`}, WithKillGrace(100*time.Millisecond))
	if err := task.InheritPipe(ModeWrite, 3, "ready"); err != nil {
		t.Fatal(err)
	}
	defer task.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- task.LaunchAndWait(context.Background(), nil)
	}()

	// Wait until the trap is installed before cancelling.
	buf := make([]byte, 6)
	if _, err := io.ReadFull(task.InheritedPipe("ready").Reader(), buf); err != nil {
		t.Fatalf("waiting for child: %v", err)
	}
	task.Cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("LaunchAndWait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("LaunchAndWait did not return after kill grace")
	}

	if task.TerminationSignal() != unix.SIGKILL {
		t.Errorf("expected SIGKILL, got %v", task.TerminationSignal())
	}
}

func TestTask_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	task := NewTask(sh, []string{"-c", "sleep 30"})
	start := time.Now()
	if err := task.LaunchAndWait(ctx, nil); err != nil {
		t.Fatalf("LaunchAndWait: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("expected context cancellation to stop the child")
	}
	if !task.Cancelled() || !task.Signaled() {
		t.Error("expected the task to be cancelled by the context")
	}
}

func TestTask_ContextDoneBeforeLaunch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task := NewTask("/bin/true", nil)
	if err := task.LaunchAndWait(ctx, nil); !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
}

func TestTask_CancelAfterExit(t *testing.T) {
	task := NewTask("/bin/true", nil)
	if err := task.LaunchAndWait(context.Background(), nil); err != nil {
		t.Fatalf("LaunchAndWait: %v", err)
	}

	task.Cancel()
	if task.Cancelled() {
		t.Error("expected Cancel after exit to be a no-op")
	}
	if task.TerminationStatus() != 0 {
		t.Errorf("expected status 0, got %d", task.TerminationStatus())
	}
	if err := task.Signal(unix.SIGTERM); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}

func TestTask_SpawnHook(t *testing.T) {
	task := NewTask(sh, []string{"-c", "exit 3"})

	var pid int
	var state State
	err := task.LaunchAndWait(context.Background(), func(t *Task) error {
		pid = t.PID()
		state = t.State()
		return nil
	})
	if err != nil {
		t.Fatalf("LaunchAndWait: %v", err)
	}
	if pid <= 0 {
		t.Errorf("expected positive PID in hook, got %d", pid)
	}
	if state != StateRunning {
		t.Errorf("expected StateRunning in hook, got %v", state)
	}
	if task.PID() != pid {
		t.Errorf("expected PID %d after exit, got %d", pid, task.PID())
	}
}

func TestTask_SpawnHookError(t *testing.T) {
	task := NewTask(sh, []string{"-c", "sleep 30"})
	hookErr := errors.New("bookkeeping failed")

	done := make(chan error, 1)
	go func() {
		done <- task.LaunchAndWait(context.Background(), func(*Task) error {
			return hookErr
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, hookErr) {
			t.Errorf("expected hook error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("child was left running after hook error")
	}
	if !task.Exited() {
		t.Error("expected the child to be reaped")
	}
	if task.Cancelled() {
		t.Error("a failed hook must not mark the task cancelled")
	}
}

func TestTask_SpawnHookPanic(t *testing.T) {
	task := NewTask("/bin/true", nil)
	err := task.LaunchAndWait(context.Background(), func(*Task) error {
		panic("boom")
	})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected panic to surface as error, got %v", err)
	}
}

func TestTask_EnvAndDir(t *testing.T) {
	dir := t.TempDir()
	task := NewTask(sh, []string{"-c", `printf '%s %s' "$GREETING" "$(pwd)" >&3`},
		WithEnv([]string{"GREETING=hi", "PATH=/usr/bin:/bin"}),
		WithDir(dir),
	)
	if err := task.InheritPipe(ModeWrite, 3, "out"); err != nil {
		t.Fatal(err)
	}
	defer task.Close()

	if err := task.LaunchAndWait(context.Background(), nil); err != nil {
		t.Fatalf("LaunchAndWait: %v", err)
	}

	data, _ := io.ReadAll(task.InheritedPipe("out").Reader())
	resolved, _ := filepath.EvalSymlinks(dir)
	got := string(data)
	if got != "hi "+dir && got != "hi "+resolved {
		t.Errorf("unexpected child output %q", got)
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"read", ModeRead, false},
		{"w", ModeWrite, false},
		{"write", ModeWrite, false},
		{"both", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidMode) {
					t.Errorf("expected ErrInvalidMode, got %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("expected %v, got %v (%v)", tt.want, got, err)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateCreated, "created"},
		{StateRunning, "running"},
		{StateExited, "exited"},
		{StateKilled, "killed"},
		{StateFailed, "failed"},
		{State(99), "unknown(99)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
