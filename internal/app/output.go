package app

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/dshills/taskpipe/internal/process"
)

const maxLine = 1 << 20

// lineWriter serializes whole lines from concurrent tasks.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lineWriter) WriteLine(line string) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	_, _ = fmt.Fprintln(lw.w, line)
}

// streamPipes returns the spawn hook for a manifest task. Pipes the child
// writes are copied line by line to the output, prefixed with
// [task/pipe]. Pipes the child reads get their parent end closed so the
// child sees EOF. The hook returns once every copied pipe reached EOF.
func (app *Application) streamPipes(taskName string) process.SpawnFunc {
	return func(t *process.Task) error {
		var wg sync.WaitGroup
		for _, name := range t.PipeNames() {
			for _, p := range t.InheritedPipes(name) {
				if p.Mode != process.ModeWrite {
					if err := p.CloseParent(); err != nil {
						app.log.Debug("closing pipe", "task", taskName, "pipe", name, "error", err)
					}
					continue
				}

				prefix := fmt.Sprintf("[%s/%s]", taskName, name)
				wg.Add(1)
				go func(r io.Reader) {
					defer wg.Done()
					app.copyLines(prefix, r)
				}(p.Reader())
			}
		}
		wg.Wait()
		return nil
	}
}

func (app *Application) copyLines(prefix string, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		app.out.WriteLine(prefix + " " + sc.Text())
	}
	if err := sc.Err(); err != nil {
		app.log.Warn("reading pipe", "pipe", prefix, "error", err)
		// Drain so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
}
