package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

const (
	DefaultWindow = 60 * time.Second
	DefaultMax    = 100
)

type Config struct {
	Window time.Duration
	Max    int
}

// Result of a single check. RetryAfter is in whole seconds and only set when rejected.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter int
}

// Limiter is a process-local sliding-window rate limiter.
// State is not shared between instances.
type Limiter struct {
	Config

	mu      sync.RWMutex
	windows map[string]*window

	now func() time.Time
	log *slog.Logger
}

type window struct {
	mu   sync.Mutex
	hits []time.Time
	// dead is set by Sweep once the window was dropped from the map.
	dead bool
}

func New(cfg Config, log *slog.Logger) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultMax
	}
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{
		Config:  cfg,
		windows: make(map[string]*window),
		now:     time.Now,
		log:     log,
	}
}

func (l *Limiter) lookup(key string) *window {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[key]; ok {
		return w
	}
	w = &window{}
	l.windows[key] = w
	return w
}

// IsAllowed checks and records a request for key.
// Check and record happen under the key's lock, so concurrent callers
// never get more than Max acceptances inside one window.
func (l *Limiter) IsAllowed(key string) Result {
	for {
		w := l.lookup(key)
		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}
		res := l.check(w, l.now())
		w.mu.Unlock()
		return res
	}
}

func (l *Limiter) check(w *window, now time.Time) Result {
	w.prune(now.Add(-l.Window))

	if len(w.hits) >= l.Max {
		wait := w.hits[0].Add(l.Window).Sub(now)
		retry := int(math.Ceil(float64(wait.Milliseconds()) / 1000))
		if retry < 1 {
			retry = 1
		}
		return Result{Allowed: false, RetryAfter: retry}
	}

	w.hits = append(w.hits, now)
	return Result{Allowed: true, Remaining: l.Max - len(w.hits)}
}

// prune drops hits at or before cutoff. Hits are kept in arrival order.
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = w.hits[i:]
	}
}

// Sweep removes keys that have no requests inside the window and returns how many were removed.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		w.mu.Lock()
		w.prune(cutoff)
		if len(w.hits) == 0 {
			w.dead = true
			delete(l.windows, key)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}

// Run sweeps idle keys once per window until ctx is done.
func (l *Limiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.log.Debug("rate limiter sweep", "removed", n, "tracked", l.Len())
			}
		}
	}
}
