package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/edgeproxy/edgeproxy/internal/logging"
)

// Watcher watches the routing-rules file and swaps a fresh Snapshot into
// the Store when the file changes. Editors and orchestrators tend to
// produce bursts of writes, so events are debounced.
type Watcher struct {
	watcher  *fsnotify.Watcher
	store    *Store
	path     string
	debounce time.Duration
	done     chan struct{}
}

// NewWatcher creates a watcher for the rules file referenced by the
// store's current snapshot. The caller must Start it.
func NewWatcher(store *Store, path string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  fsWatcher,
		store:    store,
		path:     path,
		debounce: 500 * time.Millisecond,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The directory is watched rather than the file so
// that atomic rename-into-place updates are observed.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.watch()
	return nil
}

func (w *Watcher) watch() {
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("rules watcher error", zap.Error(err))

		case <-w.done:
			return
		}
	}
}

// Reload re-reads the rules file immediately, outside the debounce
// window. Used by the SIGHUP handler.
func (w *Watcher) Reload() {
	w.reload()
}

// reload parses the rules file and swaps a new snapshot. A file that no
// longer parses keeps the running configuration.
func (w *Watcher) reload() {
	rules, err := LoadRulesFile(w.path)
	if err != nil {
		logging.Error("failed to reload rules file", zap.String("path", w.path), zap.Error(err))
		return
	}

	next, err := w.store.Load().WithRouteRules(rules)
	if err != nil {
		logging.Error("reloaded rules rejected", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.store.Swap(next)

	logging.Info("routing rules reloaded",
		zap.String("path", w.path),
		zap.Int("rules", len(rules)),
		zap.Int64("generation", next.Generation))
}

// SetDebounce overrides the debounce interval, used by tests.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Stop stops watching.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}
