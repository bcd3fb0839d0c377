package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors a config file for changes and calls a callback when the
// file's content changes to another valid config. It listens for fsnotify
// events on the file's directory, so editors that replace the file are
// handled, and additionally polls as a fallback for filesystems that do not
// deliver events.
type Watcher struct {
	path     string
	interval time.Duration
	debounce time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger

	fs *fsnotify.Watcher

	checkMu sync.Mutex

	mu       sync.Mutex
	current  *Config
	lastHash [sha256.Size]byte

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithDebounce sets how long the watcher waits after a file event before
// reloading. The default is 200ms.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher creates a config file watcher. It loads the initial config
// immediately and starts watching in background goroutines. When fsnotify is
// unavailable the watcher degrades to polling only.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		debounce: 200 * time.Millisecond,
		onChange: onChange,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, hash, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.lastHash = hash

	if fsw, err := fsnotify.NewWatcher(); err != nil {
		w.log.Warn("config watcher: fsnotify unavailable, polling only", "err", err)
	} else if err := fsw.Add(filepath.Dir(path)); err != nil {
		w.log.Warn("config watcher: cannot watch directory, polling only", "path", path, "err", err)
		_ = fsw.Close()
	} else {
		w.fs = fsw
		w.wg.Add(1)
		go w.events()
	}

	w.wg.Add(1)
	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the file watcher and waits for its goroutines.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		if w.fs != nil {
			_ = w.fs.Close()
		}
	})
	w.wg.Wait()
}

// events reloads after a quiet period following writes to the config file.
func (w *Watcher) events() {
	defer w.wg.Done()
	name := filepath.Clean(w.path)
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher: fsnotify error", "err", err)
		case <-fire:
			fire = nil
			w.check()
		}
	}
}

// poll runs in a background goroutine, checking the config file periodically.
func (w *Watcher) poll() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reloads the file and, if its content changed and is valid, calls
// onChange. Invalid content keeps the previous config.
func (w *Watcher) check() {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	cfg, hash, err := w.loadAndHash()
	if err != nil {
		w.log.Warn("config watcher: failed to load config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if hash == w.lastHash {
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.lastHash = hash
	w.mu.Unlock()

	w.log.Info("config watcher: configuration reloaded", "path", w.path)

	// Invoke the callback outside the lock so it can safely call Current().
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// loadAndHash reads the config file, parses and validates it, and returns the
// config alongside the file's SHA-256 hash.
func (w *Watcher) loadAndHash() (*Config, [sha256.Size]byte, error) {
	var zeroHash [sha256.Size]byte

	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zeroHash, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zeroHash, err
	}
	return cfg, sha256.Sum256(data), nil
}
