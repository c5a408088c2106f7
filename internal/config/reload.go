package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"chromefleet/internal/logging"
)

// ChangeFunc is invoked with the newly loaded Config after a debounced
// file-change event. Subscribers that can safely pick up new values
// without a restart (pool sizing, hibernation delay, health interval)
// register one of these.
type ChangeFunc func(cfg *Config)

// Reloader watches a config file for changes and reloads it, broadcasting
// to subscribers. Components that cannot safely hot-reload simply never
// subscribe and keep using the Config snapshot they were constructed with.
type Reloader struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	cbMu sync.Mutex
	cbs  []ChangeFunc

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
	debounceDelay time.Duration

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	log *logging.Logger
}

// NewReloader constructs a Reloader for the given path but does not yet
// load or watch it; call Load then Start.
func NewReloader(path string) *Reloader {
	return &Reloader{
		path:          path,
		debounceDelay: time.Second,
		log:           logging.Named("config"),
	}
}

// Config returns the most recently loaded configuration.
func (r *Reloader) Config() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// OnChange registers a callback invoked after every successful reload.
func (r *Reloader) OnChange(fn ChangeFunc) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.cbs = append(r.cbs, fn)
}

// Load performs the initial synchronous load.
func (r *Reloader) Load() error {
	cfg, err := Load(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	return nil
}

// Start begins watching the config file's directory for writes, renames,
// and creates (to catch atomic temp+rename saves), debouncing reloads.
func (r *Reloader) Start() error {
	if r.ctx != nil {
		return nil
	}
	if r.cfg == nil {
		if err := r.Load(); err != nil {
			return err
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	r.watcher = watcher

	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return err
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.wg.Add(1)
	go r.watch()
	r.log.Info("config reloader started")
	return nil
}

// Stop stops watching and releases resources.
func (r *Reloader) Stop() {
	if r.ctx == nil {
		return
	}
	r.cancel()
	r.watcher.Close()
	r.debounceMu.Lock()
	if r.debounceTimer != nil {
		r.debounceTimer.Stop()
	}
	r.debounceMu.Unlock()
	r.wg.Wait()
}

func (r *Reloader) watch() {
	defer r.wg.Done()
	base := filepath.Base(r.path)
	for {
		select {
		case <-r.ctx.Done():
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				r.scheduleReload()
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Error("config watcher error", zap.Error(err))
		}
	}
}

func (r *Reloader) scheduleReload() {
	r.debounceMu.Lock()
	defer r.debounceMu.Unlock()
	if r.debounceTimer != nil {
		r.debounceTimer.Stop()
	}
	r.debounceTimer = time.AfterFunc(r.debounceDelay, r.reload)
}

func (r *Reloader) reload() {
	cfg, err := Load(r.path)
	if err != nil {
		r.log.Error("config reload failed", zap.Error(err))
		return
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()

	r.cbMu.Lock()
	cbs := append([]ChangeFunc(nil), r.cbs...)
	r.cbMu.Unlock()
	for _, cb := range cbs {
		cb(cfg)
	}
}
