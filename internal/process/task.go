package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// DefaultKillGrace is how long a cancelled child may take to exit after
// SIGTERM before it receives SIGKILL.
const DefaultKillGrace = 5 * time.Second

// State represents the state of a task.
type State int32

const (
	// StateCreated indicates the task has been configured but not launched.
	StateCreated State = iota
	// StateRunning indicates the child is running.
	StateRunning
	// StateExited indicates the child exited on its own.
	StateExited
	// StateKilled indicates the child was killed by a signal.
	StateKilled
	// StateFailed indicates the child could not be spawned or reaped.
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// SpawnFunc runs in the parent right after the child was spawned and the
// parent's copies of the child pipe ends were closed, before the wait.
type SpawnFunc func(t *Task) error

// Task launches one external program with a set of inherited pipes.
//
// A Task is launched at most once. Path, Args, Env and Dir must not be
// changed once LaunchAndWait has been called. The accessors and Cancel are
// safe for concurrent use.
type Task struct {
	// Path is the absolute path of the executable.
	Path string

	// Args are the arguments passed after argv[0].
	Args []string

	// Env is the child environment. Nil inherits the parent environment.
	Env []string

	// Dir is the working directory of the child. Empty means the parent's.
	Dir string

	killGrace time.Duration

	mu          sync.Mutex
	pipes       map[string][]*Pipe
	targets     map[int]string
	cmd         *exec.Cmd
	launched    bool
	cancelled   bool
	terminating bool
	exited      bool
	killTimer   *time.Timer
	started     time.Time
	ended       time.Time

	state  atomic.Int32
	pid    atomic.Int32
	status atomic.Int32
	signal atomic.Int32

	done     chan struct{}
	doneOnce sync.Once
}

// Option configures a Task.
type Option func(*Task)

// WithKillGrace sets how long a cancelled child gets between SIGTERM and
// SIGKILL. Zero disables the escalation.
func WithKillGrace(d time.Duration) Option {
	return func(t *Task) {
		if d >= 0 {
			t.killGrace = d
		}
	}
}

// WithEnv sets the child environment.
func WithEnv(env []string) Option {
	return func(t *Task) {
		t.Env = env
	}
}

// WithDir sets the child working directory.
func WithDir(dir string) Option {
	return func(t *Task) {
		t.Dir = dir
	}
}

// NewTask creates a task for the executable at path.
func NewTask(path string, args []string, opts ...Option) *Task {
	t := &Task{
		Path:      path,
		Args:      args,
		killGrace: DefaultKillGrace,
		pipes:     make(map[string][]*Pipe),
		targets:   make(map[int]string),
		done:      make(chan struct{}),
	}
	t.state.Store(int32(StateCreated))
	t.pid.Store(-1)    // -1 indicates not launched
	t.status.Store(-1) // -1 indicates not reaped

	for _, opt := range opts {
		opt(t)
	}
	return t
}

// State returns the current task state.
func (t *Task) State() State {
	return State(t.state.Load())
}

// PID returns the child process ID, or -1 if not launched.
func (t *Task) PID() int {
	return int(t.pid.Load())
}

// TerminationStatus returns the exit code of the child, or -1 if the child
// has not been reaped. A child killed by a signal reports 128+signal.
func (t *Task) TerminationStatus() int {
	return int(t.status.Load())
}

// Signaled returns true if the child was terminated by a signal.
func (t *Task) Signaled() bool {
	return t.signal.Load() != 0
}

// TerminationSignal returns the signal that terminated the child, or 0.
func (t *Task) TerminationSignal() unix.Signal {
	return unix.Signal(t.signal.Load())
}

// Launched returns true once LaunchAndWait has been called.
func (t *Task) Launched() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.launched
}

// Cancelled returns true if Cancel took effect.
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Exited returns true once the child has been reaped.
func (t *Task) Exited() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exited
}

// Done returns a channel that is closed when LaunchAndWait has finished,
// whether the child ran or not.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Runtime returns how long the child has been running, or its total runtime
// once it exited.
func (t *Task) Runtime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started.IsZero() {
		return 0
	}
	if !t.ended.IsZero() {
		return t.ended.Sub(t.started)
	}
	return time.Since(t.started)
}

// InheritPipe registers a pipe whose child end becomes descriptor target in
// the child. Mode is the child's use of the descriptor.
func (t *Task) InheritPipe(mode Mode, target int, name string) error {
	return t.InheritPipes(mode, []int{target}, name)
}

// InheritPipes registers one pipe per target under a single name, in order.
// Either every pipe is registered or none is.
func (t *Task) InheritPipes(mode Mode, targets []int, name string) error {
	if !mode.valid() {
		return fmt.Errorf("%w: %v", ErrInvalidMode, mode)
	}
	if name == "" {
		return pipeError("register", errors.New("empty pipe name"))
	}
	if len(targets) == 0 {
		return pipeError("register "+name, errors.New("no target descriptors"))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.launched {
		return ErrAlreadyLaunched
	}
	if _, exists := t.pipes[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicatePipe, name)
	}

	limit, err := descriptorLimit()
	if err != nil {
		return pipeError("register "+name, err)
	}

	seen := make(map[int]bool, len(targets))
	for _, target := range targets {
		if target < 0 || target >= limit {
			return pipeError("register "+name, fmt.Errorf("descriptor %d out of range [0,%d)", target, limit))
		}
		if owner, claimed := t.targets[target]; claimed {
			return pipeError("register "+name, fmt.Errorf("descriptor %d already used by pipe %q", target, owner))
		}
		if seen[target] {
			return pipeError("register "+name, fmt.Errorf("descriptor %d listed twice", target))
		}
		seen[target] = true
	}

	created := make([]*Pipe, 0, len(targets))
	for _, target := range targets {
		p, err := newPipe(name, mode, target)
		if err != nil {
			for _, c := range created {
				_ = c.Close()
			}
			return err
		}
		created = append(created, p)
	}

	t.pipes[name] = created
	for _, p := range created {
		t.targets[p.Target] = name
	}
	return nil
}

// InheritedPipe returns the first pipe registered under name, or nil.
func (t *Task) InheritedPipe(name string) *Pipe {
	t.mu.Lock()
	defer t.mu.Unlock()
	pipes := t.pipes[name]
	if len(pipes) == 0 {
		return nil
	}
	return pipes[0]
}

// InheritedPipes returns the pipes registered under name in registration
// order, or nil.
func (t *Task) InheritedPipes(name string) []*Pipe {
	t.mu.Lock()
	defer t.mu.Unlock()
	pipes := t.pipes[name]
	if len(pipes) == 0 {
		return nil
	}
	result := make([]*Pipe, len(pipes))
	copy(result, pipes)
	return result
}

// PipeNames returns the registered pipe names.
func (t *Task) PipeNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.pipes))
	for name := range t.pipes {
		names = append(names, name)
	}
	return names
}

// RemoveInheritedPipe unregisters name and closes its pipes.
// Unknown names are ignored.
func (t *Task) RemoveInheritedPipe(name string) error {
	t.mu.Lock()
	pipes := t.pipes[name]
	delete(t.pipes, name)
	for _, p := range pipes {
		if t.targets[p.Target] == name {
			delete(t.targets, p.Target)
		}
	}
	t.mu.Unlock()

	var err error
	for _, p := range pipes {
		err = multierr.Append(err, p.Close())
	}
	return err
}

// Close closes every registered pipe.
func (t *Task) Close() error {
	var err error
	for _, name := range t.PipeNames() {
		err = multierr.Append(err, t.RemoveInheritedPipe(name))
	}
	return err
}

// LaunchAndWait spawns the child, runs onSpawn in the parent, and blocks
// until the child exits. A non-zero exit status is not an error; read it
// from TerminationStatus.
//
// Parent pipe ends stay open after return.
func (t *Task) LaunchAndWait(ctx context.Context, onSpawn SpawnFunc) error {
	cmd, err := t.start(ctx)
	if err != nil {
		if !errors.Is(err, ErrAlreadyLaunched) {
			t.finish()
		}
		return err
	}
	defer t.finish()

	stop := context.AfterFunc(ctx, t.Cancel)
	defer stop()

	var hookErr error
	if onSpawn != nil {
		if hookErr = t.runHook(onSpawn); hookErr != nil {
			t.terminate()
		}
	}

	// The child stays a zombie until Wait reaps it, so its pid and process
	// group cannot be reused while signals are still allowed.
	waitExited(cmd.Process.Pid)

	t.mu.Lock()
	t.exited = true
	t.ended = time.Now()
	if t.killTimer != nil {
		t.killTimer.Stop()
	}
	t.mu.Unlock()

	waitErr := cmd.Wait()

	status, sig, err := exitStatus(waitErr)
	if err != nil {
		t.state.Store(int32(StateFailed))
		return multierr.Append(waitError(t.Path, err), hookErr)
	}

	t.status.Store(int32(status))
	if sig != 0 {
		t.signal.Store(int32(sig))
		t.state.Store(int32(StateKilled))
	} else {
		t.state.Store(int32(StateExited))
	}
	return hookErr
}

func (t *Task) finish() {
	t.doneOnce.Do(func() { close(t.done) })
}

// start builds the descriptor table and spawns the child.
func (t *Task) start(ctx context.Context) (*exec.Cmd, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.launched {
		return nil, ErrAlreadyLaunched
	}
	t.launched = true

	if ctx.Err() != nil {
		t.cancelled = true
	}
	if t.cancelled {
		return nil, ErrCancelled
	}

	path := t.Path
	if path == "" || !filepath.IsAbs(path) {
		t.state.Store(int32(StateFailed))
		return nil, launchError(path, errors.New("executable path must be absolute"))
	}

	cmd, err := t.command(path)
	if err != nil {
		t.state.Store(int32(StateFailed))
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		t.state.Store(int32(StateFailed))
		return nil, launchError(path, err)
	}

	t.cmd = cmd
	t.started = time.Now()
	t.pid.Store(int32(cmd.Process.Pid))
	t.state.Store(int32(StateRunning))

	// The child holds its own copies now. Keeping ours open would stop the
	// parent from ever seeing EOF on pipes the child writes.
	for _, pipes := range t.pipes {
		for _, p := range pipes {
			_ = p.closeChild()
		}
	}
	return cmd, nil
}

// command creates the exec.Cmd. exec.Cmd maps Stdin, Stdout and Stderr to
// descriptors 0-2 and ExtraFiles[i] to 3+i; nil entries are closed in the
// child. The runtime dups every entry between fork and exec.
func (t *Task) command(path string) (*exec.Cmd, error) {
	cmd := exec.Command(path, t.Args...)
	cmd.Env = t.Env
	cmd.Dir = t.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	highest := 2
	for name, pipes := range t.pipes {
		for _, p := range pipes {
			if p.child == nil {
				return nil, pipeError("dup "+name, fmt.Errorf("child end for descriptor %d already closed", p.Target))
			}
			if p.Target > highest {
				highest = p.Target
			}
		}
	}
	if highest > 2 {
		cmd.ExtraFiles = make([]*os.File, highest-2)
	}

	for _, pipes := range t.pipes {
		for _, p := range pipes {
			switch p.Target {
			case 0:
				cmd.Stdin = p.child
			case 1:
				cmd.Stdout = p.child
			case 2:
				cmd.Stderr = p.child
			default:
				cmd.ExtraFiles[p.Target-3] = p.child
			}
		}
	}
	return cmd, nil
}

func (t *Task) runHook(fn SpawnFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("spawn hook panic: %v", r)
		}
	}()
	if err := fn(t); err != nil {
		return fmt.Errorf("spawn hook: %w", err)
	}
	return nil
}

// exitStatus converts the result of Wait into a termination status.
func exitStatus(waitErr error) (int, syscall.Signal, error) {
	if waitErr == nil {
		return 0, 0, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return -1, 0, waitErr
	}

	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), ws.Signal(), nil
	}
	return exitErr.ExitCode(), 0, nil
}

// Cancel requests early termination. Before spawn it prevents the spawn;
// after spawn it sends SIGTERM to the child's process group and escalates
// to SIGKILL after the kill grace. It returns immediately and is a no-op
// once cancelled or exited.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancelled || t.exited {
		return
	}
	t.cancelled = true

	if t.cmd == nil {
		return
	}
	t.terminateLocked()
}

// terminate stops a spawned child without marking the task cancelled.
func (t *Task) terminate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exited || t.cmd == nil {
		return
	}
	t.terminateLocked()
}

// terminateLocked sends SIGTERM once and arms the SIGKILL escalation.
func (t *Task) terminateLocked() {
	if t.terminating {
		return
	}
	t.terminating = true
	_ = t.signalLocked(unix.SIGTERM)
	if t.killGrace > 0 {
		t.killTimer = time.AfterFunc(t.killGrace, t.kill)
	}
}

// kill sends SIGKILL unless the child has been reaped.
func (t *Task) kill() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exited || t.cmd == nil {
		return
	}
	_ = t.signalLocked(unix.SIGKILL)
}

// Signal sends sig to the child's process group.
func (t *Task) Signal(sig unix.Signal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil || t.exited {
		return ErrNotRunning
	}
	return t.signalLocked(sig)
}

// signalLocked signals the process group, falling back to the child alone.
func (t *Task) signalLocked(sig unix.Signal) error {
	pid := t.cmd.Process.Pid
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	return unix.Kill(pid, sig)
}
