package mesh

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultConfigDebounce batches the burst of events an editor save produces.
const DefaultConfigDebounce = 500 * time.Millisecond

// ConfigWatcher reloads the config file when it changes on disk and hands
// the new config to a callback. Invalid files are logged and ignored.
type ConfigWatcher struct {
	path     string
	debounce time.Duration
	onReload func(*Config)
	watcher  *fsnotify.Watcher
}

// NewConfigWatcher watches the directory holding path, so atomic
// rename-and-replace saves are seen as well as in-place writes.
func NewConfigWatcher(path string, onReload func(*Config)) (*ConfigWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	return &ConfigWatcher{
		path:     abs,
		debounce: DefaultConfigDebounce,
		onReload: onReload,
		watcher:  w,
	}, nil
}

// SetDebounce overrides the debounce delay. Call before Run.
func (cw *ConfigWatcher) SetDebounce(d time.Duration) {
	cw.debounce = d
}

// Run processes events until ctx is cancelled, then closes the watcher.
func (cw *ConfigWatcher) Run(ctx context.Context) error {
	defer func() { _ = cw.watcher.Close() }()

	timer := time.NewTimer(cw.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	log.Printf("[CONFIG] Watching %s for changes", cw.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(cw.debounce)

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[CONFIG] Warning: watcher error: %v", err)

		case <-timer.C:
			cw.reload()
		}
	}
}

func (cw *ConfigWatcher) reload() {
	cfg, err := LoadConfig(cw.path)
	if err != nil {
		log.Printf("[CONFIG] Warning: ignoring config change: %v", err)
		return
	}
	log.Printf("[CONFIG] Reloaded %s", cw.path)
	cw.onReload(cfg)
}
