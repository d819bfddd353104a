package providers

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"authcoord/pkg/logging"
)

// DefaultKeyReloadDebounce is how long the watcher waits after the last
// change before reloading, so a rotation that writes several times reloads once.
const DefaultKeyReloadDebounce = 200 * time.Millisecond

// keyFileWatcher calls onChange when a single file is written, created or
// replaced. The parent directory is watched so atomic renames (and symlink
// swaps used by mounted secrets) are seen.
type keyFileWatcher struct {
	mu       sync.Mutex
	path     string
	debounce time.Duration
	onChange func()

	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
	running   bool
	done      sync.WaitGroup

	timerMu sync.Mutex
	timer   *time.Timer
}

func newKeyFileWatcher(path string, debounce time.Duration, onChange func()) *keyFileWatcher {
	if debounce <= 0 {
		debounce = DefaultKeyReloadDebounce
	}
	return &keyFileWatcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		onChange: onChange,
	}
}

func (w *keyFileWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	w.fsWatcher = watcher
	w.stopCh = make(chan struct{})
	w.running = true

	w.done.Add(1)
	go w.processEvents(watcher.Events, watcher.Errors, w.stopCh)

	logging.Info("ServiceAccount", "Watching key file %s for rotation", w.path)
	return nil
}

func (w *keyFileWatcher) processEvents(eventsCh <-chan fsnotify.Event, errorsCh <-chan error, stopCh <-chan struct{}) {
	defer w.done.Done()

	for {
		select {
		case <-stopCh:
			return
		case event, ok := <-eventsCh:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logging.Debug("ServiceAccount", "Key file event %s on %s", event.Op, event.Name)
			w.triggerDebounced()
		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			logging.Error("ServiceAccount", err, "Key file watcher error")
		}
	}
}

func (w *keyFileWatcher) triggerDebounced() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		running := w.running
		w.mu.Unlock()
		if running {
			w.onChange()
		}
	})
}

func (w *keyFileWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	watcher := w.fsWatcher
	w.fsWatcher = nil
	w.mu.Unlock()

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.timerMu.Unlock()

	if err := watcher.Close(); err != nil {
		logging.Warn("ServiceAccount", "Error closing key file watcher: %v", err)
	}
	w.done.Wait()
}
