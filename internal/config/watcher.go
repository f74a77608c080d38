package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PolicyWatcher reloads a PolicyStore when its file changes on disk
type PolicyWatcher struct {
	store    *PolicyStore
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewPolicyWatcher watches the directory holding the store's file. The
// directory is watched rather than the file so that editors and config
// maps which replace the file by rename are still picked up.
func NewPolicyWatcher(store *PolicyStore) (*PolicyWatcher, error) {
	if store.Path() == "" {
		return nil, fmt.Errorf("policy store has no backing file")
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(store.Path())); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch policy directory: %w", err)
	}
	return &PolicyWatcher{
		store:    store,
		watcher:  fsWatcher,
		debounce: 500 * time.Millisecond,
	}, nil
}

// Run processes file events until ctx is cancelled
func (w *PolicyWatcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	target := filepath.Clean(w.store.Path())

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			log.Println("Policy watcher stopped")
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.scheduleReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Policy watcher error: %v", err)
		}
	}
}

func (w *PolicyWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.store.Reload(); err != nil {
			log.Printf("Policy watcher: %v", err)
		}
	})
}
