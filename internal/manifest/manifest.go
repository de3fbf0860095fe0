// Package manifest describes taskpipe runs in YAML.
//
// A manifest lists the tasks to launch and the pipes each one inherits:
//
//	tasks:
//	  - name: verify
//	    path: /usr/bin/gpg
//	    args: ["--status-fd", "3", "--verify", "sig.asc"]
//	    expect: [0]
//	    pipes:
//	      - name: status
//	        mode: write
//	        fds: [3]
//
// Mode names the child's access: a "write" pipe is written by the child and
// read by the parent.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/dshills/taskpipe/internal/operation"
	"github.com/dshills/taskpipe/internal/process"
)

// ErrInvalidManifest indicates a manifest failed validation.
var ErrInvalidManifest = errors.New("invalid manifest")

// Spec is a parsed manifest.
type Spec struct {
	Tasks []TaskSpec `yaml:"tasks"`
}

// TaskSpec describes one task.
type TaskSpec struct {
	Name string   `yaml:"name"`
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`

	// Env entries in KEY=value form are added to the parent environment.
	Env []string `yaml:"env"`
	Dir string   `yaml:"dir"`

	// Expect lists accepted exit codes. Empty accepts any status.
	Expect []int `yaml:"expect"`

	Pipes []PipeSpec `yaml:"pipes"`
}

// PipeSpec describes one inherited pipe.
type PipeSpec struct {
	Name string `yaml:"name"`
	Mode string `yaml:"mode"`
	FDs  []int  `yaml:"fds"`
}

// FieldError reports one invalid manifest field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *FieldError) Unwrap() error {
	return ErrInvalidManifest
}

// Load reads and validates the manifest at path.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	spec, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return spec, nil
}

// Parse decodes and validates a manifest. Unknown fields are rejected.
func Parse(data []byte) (*Spec, error) {
	var spec Spec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate reports every problem found, combined.
func (s *Spec) Validate() error {
	if len(s.Tasks) == 0 {
		return &FieldError{Field: "tasks", Message: "no tasks defined"}
	}

	var errs error
	names := make(map[string]bool, len(s.Tasks))
	for i := range s.Tasks {
		ts := &s.Tasks[i]
		field := fmt.Sprintf("tasks[%d]", i)
		if ts.Name != "" {
			field = fmt.Sprintf("tasks[%s]", ts.Name)
			if names[ts.Name] {
				errs = multierr.Append(errs, &FieldError{Field: field + ".name", Message: "duplicate task name"})
			}
			names[ts.Name] = true
		} else {
			errs = multierr.Append(errs, &FieldError{Field: field + ".name", Message: "required"})
		}
		errs = multierr.Append(errs, ts.validate(field))
	}
	return errs
}

func (ts *TaskSpec) validate(field string) error {
	var errs error
	if ts.Path == "" || !filepath.IsAbs(ts.Path) {
		errs = multierr.Append(errs, &FieldError{Field: field + ".path", Message: fmt.Sprintf("must be absolute, got %q", ts.Path)})
	}

	pipes := make(map[string]bool, len(ts.Pipes))
	fds := make(map[int]string)
	for i, ps := range ts.Pipes {
		pf := fmt.Sprintf("%s.pipes[%d]", field, i)
		if ps.Name == "" {
			errs = multierr.Append(errs, &FieldError{Field: pf + ".name", Message: "required"})
		} else if pipes[ps.Name] {
			errs = multierr.Append(errs, &FieldError{Field: pf + ".name", Message: fmt.Sprintf("duplicate pipe %q", ps.Name)})
		}
		pipes[ps.Name] = true

		if _, err := process.ParseMode(ps.Mode); err != nil {
			errs = multierr.Append(errs, &FieldError{Field: pf + ".mode", Message: err.Error()})
		}
		if len(ps.FDs) == 0 {
			errs = multierr.Append(errs, &FieldError{Field: pf + ".fds", Message: "at least one descriptor required"})
		}
		for _, fd := range ps.FDs {
			if fd < 0 {
				errs = multierr.Append(errs, &FieldError{Field: pf + ".fds", Message: fmt.Sprintf("negative descriptor %d", fd)})
				continue
			}
			if owner, taken := fds[fd]; taken {
				errs = multierr.Append(errs, &FieldError{Field: pf + ".fds", Message: fmt.Sprintf("descriptor %d already used by %q", fd, owner)})
				continue
			}
			fds[fd] = ps.Name
		}
	}
	return errs
}

// Build creates the task with its pipes registered. The caller owns the
// task and must Close it.
func (ts *TaskSpec) Build(opts ...process.Option) (*process.Task, error) {
	base := make([]process.Option, 0, 2+len(opts))
	if len(ts.Env) > 0 {
		base = append(base, process.WithEnv(append(os.Environ(), ts.Env...)))
	}
	if ts.Dir != "" {
		base = append(base, process.WithDir(ts.Dir))
	}
	task := process.NewTask(ts.Path, ts.Args, append(base, opts...)...)

	for _, ps := range ts.Pipes {
		mode, err := process.ParseMode(ps.Mode)
		if err == nil {
			err = task.InheritPipes(mode, ps.FDs, ps.Name)
		}
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("task %s: pipe %s: %w", ts.Name, ps.Name, err), task.Close())
		}
	}
	return task, nil
}

// Check returns the status check for the task, nil if any status is
// accepted.
func (ts *TaskSpec) Check() operation.Check {
	if len(ts.Expect) == 0 {
		return nil
	}
	return operation.RequireStatus(ts.Expect...)
}
