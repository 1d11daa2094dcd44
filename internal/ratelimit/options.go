package ratelimit

import (
	"time"

	"go.uber.org/zap"
)

const (
	// defaultSweepInterval should stay well below typical window lengths so
	// expired entries do not linger for a whole extra window.
	defaultSweepInterval = 30 * time.Second

	// defaultMaxEvictions bounds one sweep pass over a large cache.
	defaultMaxEvictions = 1000

	instanceIDLength = 10
)

// Option configures a FixedWindowLimiter.
type Option func(*FixedWindowLimiter)

// WithLogger sets the logger used for degradation warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(l *FixedWindowLimiter) {
		l.logger = logger
	}
}

// WithClock replaces the time source, mainly for tests that roll windows
// over without sleeping.
func WithClock(clock func() time.Time) Option {
	return func(l *FixedWindowLimiter) {
		l.clock = clock
	}
}

// WithSweepInterval sets how often the cleanup scheduler scans the local
// cache for expired entries.
func WithSweepInterval(interval time.Duration) Option {
	return func(l *FixedWindowLimiter) {
		l.sweepInterval = interval
	}
}

// WithMaxEvictionsPerSweep bounds how many expired entries one sweep pass
// may remove.
func WithMaxEvictionsPerSweep(n int) Option {
	return func(l *FixedWindowLimiter) {
		l.maxEvictions = n
	}
}

// WithOnDegraded registers a hook invoked whenever the limiter falls back to
// local-only decisions. Hooks must be fast; they run on the request path.
func WithOnDegraded(fn DegradedFunc) Option {
	return func(l *FixedWindowLimiter) {
		l.onDegraded = fn
	}
}
