package registry

import (
	"github.com/fsnotify/fsnotify"

	"github.com/pcraw4d/fraud-serving/internal/observability"
)

// Watcher observes the given directories (the server passes the ones
// holding the active and shadow pointer files) for changes, so the Manager
// can refresh a slot as soon as its pointer is rewritten. Watching is
// advisory only: a missed or delayed event never causes a stale bundle to
// be served, because Manager.GetActive/GetShadow re-read their pointer
// file on every call regardless.
type Watcher struct {
	fsw    *fsnotify.Watcher
	logger *observability.Logger
	events chan string
}

// NewWatcher starts watching the given directories. If fsnotify fails to
// initialize (e.g. inotify limits exhausted), the Watcher degrades to a
// no-op: callers still get a channel, it simply never fires.
func NewWatcher(logger *observability.Logger, dirs ...string) *Watcher {
	logger = logger.WithComponent("registry_watcher")
	w := &Watcher{logger: logger, events: make(chan string, 16)}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("registry: fsnotify unavailable, falling back to poll-only", "error", err.Error())
		return w
	}
	w.fsw = fsw

	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			logger.Warn("registry: failed to watch directory", "dir", dir, "error", err.Error())
		}
	}

	go w.run()
	return w
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				close(w.events)
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				select {
				case w.events <- event.Name:
				default:
					// Channel full: the next per-call pointer re-read catches up regardless.
				}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("registry: fsnotify error", "error", err.Error())
		}
	}
}

// Events returns the channel of changed-path notifications.
func (w *Watcher) Events() <-chan string { return w.events }

// Close stops the watcher.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	return w.fsw.Close()
}
