package fileguard

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/tad-europe/rvguard/internal/hooks"
)

// Watcher is the observation-mode host binding for hosts without an in-line
// set-information interceptor: it watches the directories holding the
// protected binaries and reports remove/rename events through the guard.
// It cannot veto, only surface the tamper, so the in-line interceptor
// remains the enforcement path wherever the host offers one.
type Watcher struct {
	log     *logrus.Logger
	guard   *Guard
	watcher *fsnotify.Watcher
}

// NewWatcher watches the given directories.
func NewWatcher(log *logrus.Logger, guard *Guard, dirs []string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{log: log, guard: guard, watcher: fsw}
	for _, dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			log.WithError(err).WithField("path", dir).Debug("Cannot watch path")
			continue
		}
		if err := fsw.Add(dir); err != nil {
			log.WithError(err).WithField("path", dir).Warn("Failed to add watch")
		}
	}
	return w, nil
}

// Start consumes filesystem events until the context is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	w.log.Info("Starting file tamper watcher")
	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("File watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	switch {
	case event.Op&fsnotify.Remove != 0:
		w.guard.ObservedTamper(hooks.FileOpDelete, filepath.Clean(event.Name))
	case event.Op&fsnotify.Rename != 0:
		w.guard.ObservedTamper(hooks.FileOpRename, filepath.Clean(event.Name))
	}
}
