package rules

import (
	"os"
	"sync"
	"time"

	"github.com/otherjamesbrown/freightdesk/pkg/logging"
)

// Watcher serves the current rulebook and reloads it from disk when the
// file's modification time changes. The file is stat'ed at most once per
// interval. A reload that fails validation keeps the previous rulebook.
type Watcher struct {
	path     string
	interval time.Duration
	logger   logging.Logger
	now      func() time.Time
	onReload func(*Rulebook)

	mu        sync.RWMutex
	current   *Rulebook
	modTime   time.Time
	checkedAt time.Time
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets the watcher's logger.
func WithLogger(l logging.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = l.With(logging.F("component", "rules_watcher"))
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) WatcherOption {
	return func(w *Watcher) {
		w.now = now
	}
}

// WithReloadHook is called with each successfully reloaded rulebook.
func WithReloadHook(fn func(*Rulebook)) WatcherOption {
	return func(w *Watcher) {
		w.onReload = fn
	}
}

// NewWatcher loads path (or the embedded default when path is empty) and
// returns a watcher over it.
func NewWatcher(path string, interval time.Duration, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: interval,
		logger:   logging.NewNopLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}

	if path == "" {
		rb, err := Default()
		if err != nil {
			return nil, err
		}
		w.current = rb
		return w, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	rb, err := Load(path)
	if err != nil {
		return nil, err
	}
	w.current = rb
	w.modTime = info.ModTime()
	w.checkedAt = w.now()
	return w, nil
}

// Static wraps a fixed rulebook in a Watcher that never reloads.
func Static(rb *Rulebook) *Watcher {
	return &Watcher{current: rb, logger: logging.NewNopLogger(), now: time.Now}
}

// Current returns the active rulebook, reloading first if the interval has
// elapsed and the file changed.
func (w *Watcher) Current() *Rulebook {
	if w.path == "" || w.interval <= 0 {
		w.mu.RLock()
		defer w.mu.RUnlock()
		return w.current
	}

	now := w.now()
	w.mu.RLock()
	due := now.Sub(w.checkedAt) >= w.interval
	current := w.current
	w.mu.RUnlock()
	if !due {
		return current
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if now.Sub(w.checkedAt) < w.interval {
		return w.current
	}
	w.checkedAt = now

	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("Rulebook stat failed, keeping current", logging.Err(err), logging.F("path", w.path))
		return w.current
	}
	if info.ModTime().Equal(w.modTime) {
		return w.current
	}

	rb, err := Load(w.path)
	if err != nil {
		w.logger.Error("Rulebook reload rejected, keeping current",
			logging.Err(err),
			logging.F("path", w.path),
			logging.F("version", w.current.Version))
		w.modTime = info.ModTime()
		return w.current
	}

	w.logger.Info("Rulebook reloaded",
		logging.F("path", w.path),
		logging.F("previous_version", w.current.Version),
		logging.F("version", rb.Version))
	w.current = rb
	w.modTime = info.ModTime()
	if w.onReload != nil {
		w.onReload(rb)
	}
	return w.current
}
