package process

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// Mode selects how the child uses its end of a pipe.
// The parent end is always used the other way around.
type Mode int

const (
	// ModeRead means the child reads from its descriptor and the parent writes.
	ModeRead Mode = iota + 1
	// ModeWrite means the child writes to its descriptor and the parent reads.
	ModeWrite
)

// String returns a human-readable mode name.
func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// ParseMode parses "read" or "write".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "read", "r":
		return ModeRead, nil
	case "write", "w":
		return ModeWrite, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

func (m Mode) valid() bool {
	return m == ModeRead || m == ModeWrite
}

// Pipe is one inherited pipe. The child end is duplicated onto Target in
// the child; the parent end stays with the caller.
//
// Pipe ends are not synchronized: a single owner reads or writes the parent end.
type Pipe struct {
	// Name is the logical name the pipe is registered under.
	Name string

	// Mode is how the child uses its end.
	Mode Mode

	// Target is the descriptor number of the child end inside the child.
	Target int

	parent *os.File
	child  *os.File

	closeOnce sync.Once
	closeErr  error
}

func newPipe(name string, mode Mode, target int) (*Pipe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, pipeError("create pipe", err)
	}

	p := &Pipe{Name: name, Mode: mode, Target: target}
	if mode == ModeWrite {
		p.parent, p.child = r, w
	} else {
		p.parent, p.child = w, r
	}
	return p, nil
}

// File returns the parent end of the pipe.
func (p *Pipe) File() *os.File {
	return p.parent
}

// Reader returns the parent end for reading.
// Returns nil if the child reads from this pipe.
func (p *Pipe) Reader() io.Reader {
	if p.Mode != ModeWrite {
		return nil
	}
	return p.parent
}

// Writer returns the parent end for writing.
// Returns nil if the child writes to this pipe.
func (p *Pipe) Writer() io.Writer {
	if p.Mode != ModeRead {
		return nil
	}
	return p.parent
}

// CloseParent closes the parent end. Closing the write end is how the
// parent signals end-of-stream to a reading child.
func (p *Pipe) CloseParent() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.parent.Close()
	})
	return p.closeErr
}

// Close closes both ends.
func (p *Pipe) Close() error {
	return multierr.Append(p.CloseParent(), p.closeChild())
}

// closeChild releases the parent's copy of the child end.
func (p *Pipe) closeChild() error {
	if p.child == nil {
		return nil
	}
	err := p.child.Close()
	p.child = nil
	return err
}

// descriptorLimit returns the soft RLIMIT_NOFILE of this process.
func descriptorLimit() (int, error) {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return 0, err
	}
	if lim.Cur > uint64(1<<20) {
		return 1 << 20, nil
	}
	return int(lim.Cur), nil
}
