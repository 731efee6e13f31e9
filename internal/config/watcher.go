package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the default delay for debouncing file system events.
const DebounceDelay = 100 * time.Millisecond

// ReloadFunc receives a freshly loaded configuration.
type ReloadFunc func(cfg *Config)

// Watcher reloads the configuration file when it changes and notifies subscribers.
// The parent directory is watched so that editors replacing the file by rename
// are still observed. Invalid files are logged and ignored; subscribers keep the
// last good configuration.
//
// All public methods are safe for concurrent use.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu          sync.RWMutex
	subscribers []ReloadFunc
	current     *Config

	debounceDelay time.Duration
	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	done    chan struct{}
	stopped chan struct{}
}

// NewWatcher creates a watcher for the configuration file at path.
// initial is the configuration already loaded from it.
func NewWatcher(path string, initial *Config, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		path:          abs,
		watcher:       fw,
		logger:        logger,
		current:       initial,
		debounceDelay: DebounceDelay,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}, nil
}

// SetDebounceDelay changes the debounce delay. Call before Start.
func (w *Watcher) SetDebounceDelay(d time.Duration) {
	w.debounceMu.Lock()
	w.debounceDelay = d
	w.debounceMu.Unlock()
}

// Subscribe registers fn to be called after every successful reload.
func (w *Watcher) Subscribe(fn ReloadFunc) {
	w.mu.Lock()
	w.subscribers = append(w.subscribers, fn)
	w.mu.Unlock()
}

// Current returns the last successfully loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins the event loop.
func (w *Watcher) Start() {
	go w.eventLoop()
}

// Close stops the watcher. No subscriber is called after Close returns.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	<-w.stopped

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceMu.Unlock()
	return err
}

func (w *Watcher) eventLoop() {
	defer close(w.stopped)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("Config watcher error", "error", err)
			}
		}
	}
}

func (w *Watcher) schedule() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	cfg, err := Load(w.path)
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("Ignoring invalid config change", "path", w.path, "error", err)
		}
		return
	}

	w.mu.Lock()
	w.current = cfg
	subs := make([]ReloadFunc, len(w.subscribers))
	copy(subs, w.subscribers)
	w.mu.Unlock()

	if w.logger != nil {
		w.logger.Info("Configuration reloaded", "path", w.path, "agents", len(cfg.Agents))
	}
	for _, fn := range subs {
		fn(cfg)
	}
}
