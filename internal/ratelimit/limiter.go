// Package ratelimit implements a fixed-window counter per (user, event class).
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// Event classes.
const (
	ClassQueue     = "queue"
	ClassMatch     = "match"
	ClassSignal    = "signal"
	ClassSession   = "session"
	ClassHeartbeat = "heartbeat"
	ClassAuth      = "auth"
)

type Config struct {
	Window       time.Duration
	Default      int
	Classes      map[string]int
	MaxEntries   int
	GraceWindows int
}

type key struct {
	user  string
	class string
}

type counter struct {
	window int64
	count  int
}

// Limiter is process-local; counters are not shared between coordinator instances.
type Limiter struct {
	cfg Config
	Now func() time.Time

	mu       sync.Mutex
	counters map[key]*counter
}

func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Default < 1 {
		cfg.Default = 60
	}
	if cfg.MaxEntries < 1 {
		cfg.MaxEntries = 10000
	}
	classes := make(map[string]int, len(cfg.Classes))
	for k, v := range cfg.Classes {
		classes[k] = v
	}
	cfg.Classes = classes
	return &Limiter{
		cfg:      cfg,
		Now:      time.Now,
		counters: make(map[key]*counter),
	}
}

// Ceiling returns the number of events a user may emit for class in one window.
func (l *Limiter) Ceiling(class string) int {
	if n, ok := l.cfg.Classes[class]; ok && n > 0 {
		return n
	}
	return l.cfg.Default
}

func (l *Limiter) windowID(t time.Time) int64 {
	return t.UnixNano() / int64(l.cfg.Window)
}

// Allow counts one event and reports whether it is within the ceiling.
// A denied event still counts; the window does not restart on denial.
func (l *Limiter) Allow(userID, class string) bool {
	now := l.windowID(l.Now())

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{user: userID, class: class}
	c, ok := l.counters[k]
	if !ok {
		if len(l.counters) >= l.cfg.MaxEntries {
			l.sweepLocked(now)
		}
		c = &counter{window: now}
		l.counters[k] = c
	}
	if c.window < now {
		c.window = now
		c.count = 0
	}
	c.count++
	return c.count <= l.Ceiling(class)
}

func (l *Limiter) Check(userID, class string) error {
	if !l.Allow(userID, class) {
		return ErrRateLimitExceeded
	}
	return nil
}

// Sweep drops counters whose window is older than the grace period and
// returns how many were removed.
func (l *Limiter) Sweep() int {
	now := l.windowID(l.Now())
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(now)
}

func (l *Limiter) sweepLocked(now int64) int {
	cutoff := now - int64(l.cfg.GraceWindows)
	removed := 0
	for k, c := range l.counters {
		if c.window < cutoff {
			delete(l.counters, k)
			removed++
		}
	}
	return removed
}

func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counters)
}
