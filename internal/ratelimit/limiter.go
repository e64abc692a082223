// Package ratelimit provides admission control on the rate of messages
// received by a bot.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var rateLimitDropsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "cobra_ratelimit_dropped_total",
		Help: "Total number of received messages dropped by the per minute rate limit",
	},
)

func init() {
	prometheus.MustRegister(rateLimitDropsTotal)
}

// Limiter admits at most max messages per wall clock minute. Messages over
// the limit are dropped, never queued or delayed.
type Limiter struct {
	enabled bool
	max     int
	now     func() time.Time
	logger  *slog.Logger

	mu          sync.Mutex
	windowStart time.Time
	count       int
	dropped     uint64
	admitted    uint64
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used to report drops at debug level
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New creates a limiter. A disabled limiter admits every message.
func New(enabled bool, maxEventsPerMinute int, opts ...Option) *Limiter {
	l := &Limiter{
		enabled: enabled,
		max:     maxEventsPerMinute,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow counts one inbound message and reports whether it may be delivered
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		l.admitted++
		return true
	}

	window := l.now().Truncate(time.Minute)
	if !window.Equal(l.windowStart) {
		l.windowStart = window
		l.count = 0
	}

	if l.count >= l.max {
		l.dropped++
		rateLimitDropsTotal.Inc()
		l.logger.Debug("rate limit reached, dropping message",
			slog.Int("max_events_per_minute", l.max),
			slog.Uint64("dropped", l.dropped))
		return false
	}

	l.count++
	l.admitted++
	return true
}

// Dropped returns the number of messages dropped since creation
func (l *Limiter) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Admitted returns the number of messages admitted since creation
func (l *Limiter) Admitted() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.admitted
}

// Enabled reports whether the limiter filters anything
func (l *Limiter) Enabled() bool {
	return l.enabled
}
