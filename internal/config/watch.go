package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"aeternum/internal/domain"
)

// DefaultDebounce coalesces the bursts of events editors produce on save.
const DefaultDebounce = 100 * time.Millisecond

// LoadFunc reads a config file.
type LoadFunc func(path string) (*domain.Config, error)

// Watcher hot-reloads one config file. It watches the parent directory so
// that atomic saves (write temp, rename over) are seen.
type Watcher struct {
	path     string
	load     LoadFunc
	logger   *slog.Logger
	debounce time.Duration
	newFS    func() (*fsnotify.Watcher, error)

	lastSum [sha256.Size]byte
}

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

// WithWatchLogger sets the logger. Nil keeps slog.Default.
func WithWatchLogger(l *slog.Logger) WatchOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher watches path and reads it with load (Load when nil).
func NewWatcher(path string, load LoadFunc, opts ...WatchOption) *Watcher {
	if load == nil {
		load = Load
	}
	w := &Watcher{
		path:     path,
		load:     load,
		logger:   slog.Default(),
		debounce: DefaultDebounce,
		newFS:    fsnotify.NewWatcher,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run blocks until ctx ends, calling onChange from its own goroutine after
// every settled change whose bytes differ from the last seen version. A
// failed reload is passed as (nil, err) and the caller keeps its old config.
// Setup failures are returned immediately; cancellation returns nil.
func (w *Watcher) Run(ctx context.Context, onChange func(*domain.Config, error)) error {
	if onChange == nil {
		return errors.New("config watcher: nil callback")
	}
	fsw, err := w.newFS()
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.lastSum, _ = w.sum()

	target := filepath.Base(w.path)
	settle := time.NewTimer(w.debounce)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) == target && (ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				settle.Reset(w.debounce)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		case <-settle.C:
			w.reload(onChange)
		}
	}
}

func (w *Watcher) sum() ([sha256.Size]byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(bytes.TrimSpace(data)), nil
}

func (w *Watcher) reload(onChange func(*domain.Config, error)) {
	sum, err := w.sum()
	if err == nil && sum == w.lastSum {
		return
	}
	cfg, err := w.load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed", "path", w.path, "error", err)
		onChange(nil, err)
		return
	}
	w.lastSum = sum
	w.logger.Info("config reloaded", "path", w.path)
	onChange(cfg, nil)
}
