package manifest

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/taskpipe/internal/logging"
)

// DefaultDebounce is how long changes must settle before a reload.
const DefaultDebounce = 200 * time.Millisecond

type watchConfig struct {
	debounce time.Duration
	log      *logging.Logger
}

// WatchOption configures Watch.
type WatchOption func(*watchConfig)

// WithDebounce sets the settle interval.
func WithDebounce(d time.Duration) WatchOption {
	return func(c *watchConfig) {
		if d > 0 {
			c.debounce = d
		}
	}
}

// WithWatchLogger sets the watch logger.
func WithWatchLogger(l *logging.Logger) WatchOption {
	return func(c *watchConfig) {
		if l != nil {
			c.log = l
		}
	}
}

// Watch calls fn on the calling goroutine each time the file at path is
// written, created or replaced, once changes have settled. It watches the
// parent directory so editors that save by rename are seen. Watch blocks
// until ctx is done and then returns nil.
func Watch(ctx context.Context, path string, fn func(), opts ...WatchOption) error {
	cfg := watchConfig{debounce: DefaultDebounce, log: logging.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.log.WithComponent("watch")

	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	log.Debug("watching manifest", "path", target)

	timer := time.NewTimer(cfg.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			log.Debug("manifest changed", "op", ev.Op.String())
			timer.Reset(cfg.debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch error", "error", err)

		case <-timer.C:
			fn()
		}
	}
}
