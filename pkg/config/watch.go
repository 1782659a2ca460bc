package config

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Nikoldigital777/LIA/pkg/logger"
)

// Watcher reloads a config file when it changes on disk. Invalid edits are
// logged and ignored; the previous config stays current.
type Watcher struct {
	path     string
	current  atomic.Pointer[Config]
	debounce time.Duration

	mu       sync.Mutex
	onChange []func(*Config)
	watcher  *fsnotify.Watcher
}

func NewWatcher(path string, initial *Config) *Watcher {
	w := &Watcher{path: path, debounce: 500 * time.Millisecond}
	w.current.Store(initial)
	return w
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() *Config { return w.current.Load() }

// OnChange registers fn to run after every successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Watch starts watching until ctx is done.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.path); err != nil {
		_ = fw.Close()
		return err
	}
	w.watcher = fw
	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		_ = w.watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
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
			logger.ErrorCF("config", "Config watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		logger.WarnCF("config", "Config reload rejected, keeping current", map[string]interface{}{
			"path":  w.path,
			"error": err.Error(),
		})
		return
	}
	w.current.Store(cfg)
	logger.InfoCF("config", "Config reloaded", map[string]interface{}{"path": w.path})

	w.mu.Lock()
	fns := append([]func(*Config){}, w.onChange...)
	w.mu.Unlock()
	for _, fn := range fns {
		fn(cfg)
	}
}
