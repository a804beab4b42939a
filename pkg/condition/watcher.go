package condition

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// ChangeEvent names a condition whose on-disk state just changed.
type ChangeEvent struct {
	Name string
}

// Watcher bridges inotify events on the condition directory to a channel of
// named changes, so the supervisor can post a work-queue step rather than
// poll. Writes made by this process via Store go through the normal flow
// already known to the caller; Watcher exists for conditions written by
// other processes (plugins, a logger sidecar, an external cgroup agent).
type Watcher struct {
	Events chan ChangeEvent

	w   *fsnotify.Watcher
	dir string
}

// WarnFunc receives a message when the watcher hits a non-fatal error
// (inotify queue overflow, an event it doesn't recognize). It is passed to
// Watch; a nil WarnFunc means the messages are dropped.
type WarnFunc func(msg string)

// NewWatcher creates a Watcher rooted at dir. It does not start watching
// until Watch is called.
func NewWatcher(dir string) *Watcher {
	return &Watcher{
		Events: make(chan ChangeEvent, 32),
		dir:    dir,
	}
}

// Watch begins watching the condition directory and runs until ctx is
// cancelled. Only the top-level directory is watched; writes inside its
// subdirectories (pid/, net/, ...) produce no events. warn, if non-nil, is
// called for recoverable errors.
func (w *Watcher) Watch(ctx context.Context, warn WarnFunc) error {
	if warn == nil {
		warn = func(string) {}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating condition watcher")
	}
	w.w = watcher

	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "watching condition directory %q", w.dir)
	}

	go w.loop(ctx, warn)
	return nil
}

func (w *Watcher) loop(ctx context.Context, warn WarnFunc) {
	defer w.w.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-w.w.Errors:
			warn("condition watcher: " + err.Error())

		case evt := <-w.w.Events:
			name := toConditionName(w.dir, evt.Name)
			if name == "" {
				continue
			}
			select {
			case w.Events <- ChangeEvent{Name: name}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// toConditionName converts an absolute file path under dir (possibly
// ending in .tmp or .lock, artifacts of Store's atomic-write path) back
// into a condition name, or "" if it's not a real condition file.
func toConditionName(dir, path string) string {
	rel, err := filepath.Rel(dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	if strings.HasSuffix(rel, ".tmp") || strings.HasSuffix(rel, ".lock") {
		return ""
	}
	return filepath.ToSlash(rel)
}

// Close stops the watcher.
func (w *Watcher) Close() {
	if w.w != nil {
		w.w.Close()
	}
}
