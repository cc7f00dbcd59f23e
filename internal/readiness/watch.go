package readiness

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/randomizedcoder/go-headless-launcher/internal/logging"
)

// PathWatcher signals Wake whenever the watched path is created or changed.
// It watches the containing directory, and the directory's parent when the
// directory itself does not exist yet (Xvfb creates /tmp/.X11-unix on start).
type PathWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	dir     string
	logger  *slog.Logger

	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	stopped bool
}

// WatchPath starts watching path. The returned watcher must be closed.
func WatchPath(path string, logger *slog.Logger) (*PathWatcher, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	pw := &PathWatcher{
		watcher: watcher,
		path:    filepath.Clean(path),
		dir:     filepath.Dir(filepath.Clean(path)),
		logger:  logger,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	// Watch the directory containing the file (more reliable than the file)
	if err := watcher.Add(pw.dir); err != nil {
		if err := watcher.Add(filepath.Dir(pw.dir)); err != nil {
			watcher.Close()
			return nil, err
		}
	}

	go pw.watch()
	return pw, nil
}

// Wake receives a value after each relevant filesystem event.
func (pw *PathWatcher) Wake() <-chan struct{} {
	return pw.wake
}

func (pw *PathWatcher) watch() {
	for {
		select {
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}

			name := filepath.Clean(event.Name)
			switch {
			case name == pw.dir && event.Has(fsnotify.Create):
				// Directory appeared: move the watch into it.
				if err := pw.watcher.Add(pw.dir); err != nil {
					pw.logger.Debug("watch_add_failed", "dir", pw.dir, "error", err)
				}
				pw.notify()
			case name == pw.path:
				pw.notify()
			}

		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.logger.Debug("watch_error", "path", pw.path, "error", err)

		case <-pw.done:
			return
		}
	}
}

// notify never blocks; one pending wake-up is enough to trigger a re-check.
func (pw *PathWatcher) notify() {
	select {
	case pw.wake <- struct{}{}:
	default:
	}
}

// Close stops the watcher.
func (pw *PathWatcher) Close() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	if pw.stopped {
		return nil
	}
	pw.stopped = true
	close(pw.done)
	return pw.watcher.Close()
}
