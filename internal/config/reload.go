package config

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Reloadable watches the config file and swaps the configuration
// atomically on change. Structural settings (role, listeners) cannot
// change without a restart; tunables apply to new sessions.
type Reloadable struct {
	path      string
	current   atomic.Pointer[Config]
	mu        sync.Mutex
	callbacks []func(old, new *Config)
	watcher   *fsnotify.Watcher
	stop      chan struct{}
	reloading atomic.Bool
}

// NewReloadable loads path and starts watching it.
func NewReloadable(path string) (*Reloadable, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("initial config load: %w", err)
	}

	r := &Reloadable{path: path, stop: make(chan struct{})}
	r.current.Store(cfg)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch config file: %w", err)
	}
	r.watcher = watcher
	go r.watchLoop()
	return r, nil
}

// Get returns the current configuration.
func (r *Reloadable) Get() *Config { return r.current.Load() }

// OnChange registers a callback invoked after each successful reload.
func (r *Reloadable) OnChange(fn func(old, new *Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Reload forces a reload from disk.
func (r *Reloadable) Reload() error {
	if !r.reloading.CompareAndSwap(false, true) {
		return fmt.Errorf("reload already in progress")
	}
	defer r.reloading.Store(false)

	next, err := Load(r.path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	prev := r.Get()
	if err := validateTransition(prev, next); err != nil {
		return fmt.Errorf("validate transition: %w", err)
	}
	r.current.Store(next)

	r.mu.Lock()
	callbacks := make([]func(old, new *Config), len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.Unlock()
	for _, fn := range callbacks {
		go fn(prev, next)
	}
	return nil
}

func validateTransition(old, new *Config) error {
	if old.Role != new.Role {
		return fmt.Errorf("role change requires restart: %s -> %s", old.Role, new.Role)
	}
	if len(old.Listeners) != len(new.Listeners) {
		return fmt.Errorf("listener change requires restart")
	}
	for i := range old.Listeners {
		if old.Listeners[i].Transport != new.Listeners[i].Transport ||
			old.Listeners[i].Addr != new.Listeners[i].Addr {
			return fmt.Errorf("listener change requires restart")
		}
	}
	if old.Metrics.Addr != new.Metrics.Addr {
		return fmt.Errorf("metrics address change requires restart")
	}
	return nil
}

func (r *Reloadable) watchLoop() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write {
				if err := r.Reload(); err != nil {
					log.Printf("config reload failed: %v", err)
				}
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config watcher error: %v", err)
		case <-r.stop:
			return
		}
	}
}

// Close stops the watcher.
func (r *Reloadable) Close() error {
	close(r.stop)
	return r.watcher.Close()
}
