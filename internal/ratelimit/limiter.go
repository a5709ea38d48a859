package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/voxstack/api-gateway/internal/domain"
	gwerrors "github.com/voxstack/api-gateway/internal/errors"
	"github.com/voxstack/api-gateway/pkg/logger"
)

// Config mirrors domain.RateLimitConfig with defaults applied.
// QueueSize is three-valued: positive bounds the overflow queue, zero
// disables queuing entirely (over-budget requests reject immediately), and
// negative means unset and takes the default.
type Config struct {
	MaxRequests  int
	Window       time.Duration
	QueueSize    int
	QueueTimeout time.Duration
}

// DefaultConfig returns the limiter defaults
func DefaultConfig() Config {
	return Config{
		MaxRequests:  100,
		Window:       time.Minute,
		QueueSize:    10,
		QueueTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRequests <= 0 {
		c.MaxRequests = def.MaxRequests
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	// Zero is a deliberate "no queue"; only negative (unset) defaults.
	if c.QueueSize < 0 {
		c.QueueSize = def.QueueSize
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = def.QueueTimeout
	}
	return c
}

// FromDomain converts a route-level config into a limiter config. A YAML
// route that sets rate limits without queue_size gets queuing disabled, not
// the default queue; set queue_size explicitly to opt in.
func FromDomain(rc *domain.RateLimitConfig) Config {
	if rc == nil {
		return DefaultConfig()
	}
	return Config{
		MaxRequests:  rc.MaxRequests,
		Window:       rc.Window,
		QueueSize:    rc.QueueSize,
		QueueTimeout: rc.QueueTimeout,
	}.withDefaults()
}

// waiter is one suspended caller parked on an entry's overflow queue.
// Resolution happens exactly once, guarded by the limiter mutex: whichever
// of window drain, queue timeout, or caller cancellation wins marks it
// resolved and the others become no-ops.
type waiter struct {
	ch       chan error
	timer    *time.Timer
	resolved bool
}

// entry is the fixed-window state for one limiter key
type entry struct {
	count       int
	windowReset time.Time
	queue       []*waiter
	drainTimer  *time.Timer
	lastSeen    time.Time
}

// KeyStats tracks per-key admission totals for the admin API
type KeyStats struct {
	Requests  int64     `json:"requests"`
	Rejected  int64     `json:"rejected"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Status is a read-only snapshot of one key's current window
type Status struct {
	Key         string    `json:"key"`
	Count       int       `json:"count"`
	Remaining   int       `json:"remaining"`
	WindowReset time.Time `json:"window_reset"`
	Queued      int       `json:"queued"`
}

// Limiter applies fixed-window admission control per key with a bounded
// FIFO overflow queue per entry.
type Limiter struct {
	config Config
	logger *logger.Logger
	clock  func() time.Time

	mu       sync.Mutex
	entries  map[string]*entry
	keyStats map[string]*KeyStats

	totalRequests int64
	totalRejected int64

	janitorStop chan struct{}
	janitorOnce sync.Once
}

// New creates a limiter with the given config
func New(config Config, log *logger.Logger) *Limiter {
	return &Limiter{
		config:      config.withDefaults(),
		logger:      log.RateLimiterLogger(),
		clock:       time.Now,
		entries:     make(map[string]*entry),
		keyStats:    make(map[string]*KeyStats),
		janitorStop: make(chan struct{}),
	}
}

// Config returns the limiter's effective configuration
func (l *Limiter) Config() Config {
	return l.config
}

// Acquire admits, queues, or rejects one request for key. Admission within
// the window budget returns immediately; over-budget requests park on the
// entry's queue until the window resets (FIFO drain), the queue timeout
// fires, or ctx is cancelled. A full queue rejects immediately.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	now := l.clock()

	l.mu.Lock()
	l.totalRequests++
	stats := l.keyStatsLocked(key, now)
	stats.Requests++

	e := l.entryLocked(key, now)
	if e.count < l.config.MaxRequests {
		e.count++
		l.mu.Unlock()
		return nil
	}

	if len(e.queue) >= l.config.QueueSize {
		l.totalRejected++
		stats.Rejected++
		l.mu.Unlock()

		l.logger.WithField("key", key).Warn("Rate limit exceeded, queue full")
		return gwerrors.NewRateLimitedError(key)
	}

	w := &waiter{ch: make(chan error, 1)}
	e.queue = append(e.queue, w)
	w.timer = time.AfterFunc(l.config.QueueTimeout, func() { l.expireWaiter(key, w) })
	if e.drainTimer == nil {
		delay := e.windowReset.Sub(now)
		if delay < 0 {
			delay = 0
		}
		e.drainTimer = time.AfterFunc(delay, func() { l.drain(key) })
	}
	l.mu.Unlock()

	select {
	case err := <-w.ch:
		if err != nil {
			l.mu.Lock()
			l.totalRejected++
			l.keyStatsLocked(key, l.clock()).Rejected++
			l.mu.Unlock()
		}
		return err
	case <-ctx.Done():
		l.abandonWaiter(key, w)
		return ctx.Err()
	}
}

// entryLocked fetches the entry for key, creating or recycling it when the
// current window has passed and nothing is queued. Callers hold l.mu.
func (l *Limiter) entryLocked(key string, now time.Time) *entry {
	e, ok := l.entries[key]
	if !ok {
		e = &entry{windowReset: now.Add(l.config.Window)}
		l.entries[key] = e
	} else if !now.Before(e.windowReset) && len(e.queue) == 0 {
		e.count = 0
		e.windowReset = now.Add(l.config.Window)
	}
	e.lastSeen = now
	return e
}

func (l *Limiter) keyStatsLocked(key string, now time.Time) *KeyStats {
	stats, ok := l.keyStats[key]
	if !ok {
		stats = &KeyStats{FirstSeen: now}
		l.keyStats[key] = stats
	}
	stats.LastSeen = now
	return stats
}

// drain fires at the window boundary: it refreshes the window and admits
// queued waiters in FIFO order up to the new budget. Waiters already
// resolved by a concurrent timeout are skipped, so draining is idempotent
// against timer races.
func (l *Limiter) drain(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return
	}
	now := l.clock()
	e.count = 0
	e.windowReset = now.Add(l.config.Window)
	e.drainTimer = nil

	remaining := e.queue[:0]
	for _, w := range e.queue {
		if w.resolved {
			continue
		}
		if e.count < l.config.MaxRequests {
			w.resolved = true
			w.timer.Stop()
			e.count++
			w.ch <- nil
		} else {
			remaining = append(remaining, w)
		}
	}
	e.queue = remaining

	if len(e.queue) > 0 {
		e.drainTimer = time.AfterFunc(l.config.Window, func() { l.drain(key) })
	}
}

// expireWaiter resolves a queued waiter with a queue-timeout error and
// removes it by identity, never by position.
func (l *Limiter) expireWaiter(key string, w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if w.resolved {
		return
	}
	w.resolved = true
	l.removeWaiterLocked(key, w)
	w.ch <- gwerrors.NewQueueTimeoutError(key, l.config.QueueTimeout)
}

// abandonWaiter drops a waiter whose caller cancelled while queued
func (l *Limiter) abandonWaiter(key string, w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if w.resolved {
		return
	}
	w.resolved = true
	w.timer.Stop()
	l.removeWaiterLocked(key, w)
}

func (l *Limiter) removeWaiterLocked(key string, w *waiter) {
	e, ok := l.entries[key]
	if !ok {
		return
	}
	for i, queued := range e.queue {
		if queued == w {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}

// Status returns the current window snapshot for a key
func (l *Limiter) Status(key string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := Status{Key: key, Remaining: l.config.MaxRequests}
	if e, ok := l.entries[key]; ok {
		st.Count = e.count
		st.Remaining = l.config.MaxRequests - e.count
		if st.Remaining < 0 {
			st.Remaining = 0
		}
		st.WindowReset = e.windowReset
		st.Queued = len(e.queue)
	}
	return st
}

// KeyStatsFor returns the admission totals recorded for a key
func (l *Limiter) KeyStatsFor(key string) (KeyStats, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if stats, ok := l.keyStats[key]; ok {
		return *stats, true
	}
	return KeyStats{}, false
}

// Stats returns limiter-wide totals
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	return map[string]interface{}{
		"total_requests": l.totalRequests,
		"total_rejected": l.totalRejected,
		"active_keys":    len(l.entries),
		"max_requests":   l.config.MaxRequests,
		"window":         l.config.Window.String(),
		"queue_size":     l.config.QueueSize,
	}
}

// StartJanitor launches the periodic cleanup of idle entries and stale key
// stats. It is an explicit task owned by the limiter; Stop cancels it.
func (l *Limiter) StartJanitor(interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.janitorStop:
				return
			case <-ticker.C:
				l.sweep(maxIdle)
			}
		}
	}()
}

// Stop cancels the janitor
func (l *Limiter) Stop() {
	l.janitorOnce.Do(func() { close(l.janitorStop) })
}

func (l *Limiter) sweep(maxIdle time.Duration) {
	cutoff := l.clock().Add(-maxIdle)

	l.mu.Lock()
	removed := 0
	for key, e := range l.entries {
		if len(e.queue) == 0 && e.lastSeen.Before(cutoff) {
			if e.drainTimer != nil {
				e.drainTimer.Stop()
			}
			delete(l.entries, key)
			removed++
		}
	}
	for key, stats := range l.keyStats {
		if stats.LastSeen.Before(cutoff) {
			delete(l.keyStats, key)
		}
	}
	l.mu.Unlock()

	if removed > 0 {
		l.logger.WithField("removed", removed).Debug("Swept idle rate limit entries")
	}
}
