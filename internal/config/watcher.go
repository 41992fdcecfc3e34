package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// fileState identifies one version of the config file on disk.
type fileState struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher keeps the last valid config loaded from a file and hands every
// accepted edit to a callback. Edits that fail to parse or validate are
// logged and leave the current config in place.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	trigger  chan struct{}

	mu      sync.Mutex
	current *Config
	state   fileState
	lastErr error
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path once and returns a watcher holding the result.
// Nothing is polled until [Watcher.Run] is called.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		trigger:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := readState(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.state = cfg, st
	return w, nil
}

// Current returns the config most recently accepted.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// LastError returns the error of the most recent rejected edit, or nil once
// an edit has been accepted again.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Trigger asks the running watcher to re-read the file now, even if its
// modification time looks unchanged. It never blocks; triggers that arrive
// while one is pending are coalesced.
func (w *Watcher) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled and returns nil, so it can share an
// errgroup with the server without cancelling it.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.poll(false)
		case <-w.trigger:
			w.poll(true)
		}
	}
}

func (w *Watcher) poll(force bool) {
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
			return
		}
		w.mu.Lock()
		same := info.ModTime().Equal(w.state.mtime)
		w.mu.Unlock()
		if same {
			return
		}
	}

	cfg, st, err := readState(w.path)
	w.mu.Lock()
	if err != nil {
		w.lastErr = err
		w.mu.Unlock()
		slog.Warn("config watcher: rejected edit, keeping previous config", "path", w.path, "err", err)
		return
	}
	w.lastErr = nil
	if st.sum == w.state.sum {
		w.state.mtime = st.mtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.state = cfg, st
	w.mu.Unlock()

	slog.Info("config watcher: applied edit", "path", w.path, "forced", force)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// readState parses and validates the file at path and returns it together
// with the state that identifies this version.
func readState(path string) (*Config, fileState, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
