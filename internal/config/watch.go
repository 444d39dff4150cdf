package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"talon/internal/logger"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk and invokes the
// registered callback with the fresh copy. Only hot-reloadable settings
// (log level, loop tuning) should be consumed from the callback; structural
// settings like db_path require a restart.
type Watcher struct {
	path     string
	onReload func(*Config)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

func NewWatcher(path string, onReload func(*Config)) *Watcher {
	return &Watcher{path: path, onReload: onReload}
}

func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory, not the file: editors replace files on save and
	// the inode-level watch would be lost.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return err
	}
	w.mu.Lock()
	w.watcher = fw
	w.mu.Unlock()

	go w.loop(ctx, fw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer fw.Close()
	var lastReload time.Time
	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != target {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
				continue
			}
			// Editors fire bursts of events per save.
			if time.Since(lastReload) < 500*time.Millisecond {
				continue
			}
			lastReload = time.Now()
			cfg, err := Load(w.path)
			if err != nil {
				logger.Warnf("config: reload failed path=%s err=%v", w.path, err)
				continue
			}
			logger.Infof("config: reloaded path=%s", w.path)
			if w.onReload != nil {
				w.onReload(cfg)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			logger.Warnf("config: watch error: %v", err)
		}
	}
}
