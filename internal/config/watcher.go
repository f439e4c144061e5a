package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats its file.
const DefaultWatchInterval = 5 * time.Second

// ErrWatcherStopped is returned by [Watcher.Reload] after [Watcher.Stop].
var ErrWatcherStopped = errors.New("config: watcher stopped")

// stamp identifies one observed version of the config file.
type stamp struct {
	mod time.Time
	sum [sha256.Size]byte
}

// Watcher keeps a running process in sync with its config file. The file is
// polled by mtime and only parsed when that changes. A new version that fails
// to decode or validate is logged and skipped; the last good config stays in
// effect. The apply callback runs on the watcher goroutine, so reloads are
// delivered one at a time and in order.
type Watcher struct {
	path     string
	interval time.Duration
	apply    func(old, new *Config)

	cur  atomic.Pointer[Config]
	last stamp // owned by the run goroutine after NewWatcher returns

	reloads  chan chan error
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides [DefaultWatchInterval]. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path once and starts watching it. apply may be nil.
func NewWatcher(path string, apply func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		apply:    apply,
		reloads:  make(chan chan error),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.cur.Store(cfg)
	w.last = st

	go w.run()
	return w, nil
}

// Current returns the config currently in effect.
func (w *Watcher) Current() *Config { return w.cur.Load() }

// Reload re-reads the file right away, ignoring its mtime, and applies it if
// the content changed. It returns the parse or validation error, if any.
func (w *Watcher) Reload(ctx context.Context) error {
	res := make(chan error, 1)
	select {
	case w.reloads <- res:
	case <-w.stopped:
		return ErrWatcherStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends polling and waits for an in-flight apply to return. Safe to call
// more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) run() {
	defer close(w.stopped)

	tick := time.NewTicker(w.interval)
	defer tick.Stop()

	for {
		select {
		case <-w.stop:
			return
		case res := <-w.reloads:
			res <- w.refresh(true)
		case <-tick.C:
			if err := w.refresh(false); err != nil {
				slog.Warn("config reload skipped", "path", w.path, "err", err)
			}
		}
	}
}

// refresh loads the file if it changed since the last look. With force the
// mtime shortcut is bypassed.
func (w *Watcher) refresh(force bool) error {
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			return err
		}
		if info.ModTime().Equal(w.last.mod) {
			return nil
		}
	}

	cfg, st, err := w.read()
	if err != nil {
		return err
	}
	changed := st.sum != w.last.sum
	w.last = st
	if !changed {
		return nil
	}

	old := w.cur.Swap(cfg)
	slog.Info("config reloaded", "path", w.path)
	if w.apply != nil {
		w.apply(old, cfg)
	}
	return nil
}

func (w *Watcher) read() (*Config, stamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, stamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, stamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, stamp{}, err
	}
	return cfg, stamp{mod: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
