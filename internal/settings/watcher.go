// ABOUTME: Watches the settings file for out-of-band edits by other tools
// ABOUTME: Fires a callback for external changes, suppressing our own saves

package settings

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the settings file and reports modifications that did
// not come from this process. The store writes via rename, and so do most
// external editors, so the parent directory is watched rather than the
// file itself.
type Watcher struct {
	store    *Store
	logger   *slog.Logger
	onChange func()

	fsw      *fsnotify.Watcher
	done     chan struct{}
	lastSelf uint64
}

// NewWatcher creates a watcher for the store's settings file. onChange is
// invoked from the watch goroutine for every external modification.
func NewWatcher(store *Store, logger *slog.Logger, onChange func()) *Watcher {
	return &Watcher{
		store:    store,
		logger:   logger.With("component", "settings-watcher"),
		onChange: onChange,
		done:     make(chan struct{}),
	}
}

// Start begins watching. The settings directory must exist; the store
// creates it on first read, so callers should read once before starting.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	dir := filepath.Dir(w.store.Path())
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watching settings directory: %w", err)
	}

	w.fsw = fsw
	w.lastSelf = w.store.SelfWrites()

	go w.loop()

	w.logger.Debug("settings watcher started", "dir", dir)
	return nil
}

// loop drains fsnotify events until Close.
func (w *Watcher) loop() {
	target := filepath.Clean(w.store.Path())

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			// Saves made through the store bump its write counter;
			// anything else is an external edit.
			if self := w.store.SelfWrites(); self != w.lastSelf {
				w.lastSelf = self
				continue
			}

			w.logger.Info("settings file changed externally", "path", target)
			if w.onChange != nil {
				w.onChange()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("settings watch error", "error", err)
		}
	}
}

// Close stops the watcher. Safe to call once after a successful Start.
func (w *Watcher) Close() error {
	close(w.done)
	if w.fsw != nil {
		return w.fsw.Close()
	}
	return nil
}
