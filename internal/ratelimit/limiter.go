package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/jaevor/go-nanoid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrInvalidLimit is returned when the caller passes a non-positive
	// request budget. This is a programmer error, never degraded or retried.
	ErrInvalidLimit = errors.New("max requests must be positive")

	// ErrInvalidWindow is returned when the caller passes a non-positive
	// window duration.
	ErrInvalidWindow = errors.New("window must be positive")
)

// Result is the admission decision for a single request.
type Result struct {
	// Allowed reports whether the request fits the identifier's budget.
	Allowed bool
	// Remaining is the number of requests left in the current window.
	Remaining int64
	// ResetTime marks when the current window ends.
	ResetTime time.Time
}

// Limiter defines the interface for rate limiting.
type Limiter interface {
	// Allow checks whether a request from identifier fits within max
	// requests per window, consuming one request when it does.
	Allow(ctx context.Context, identifier string, max int64, window time.Duration) (Result, error)
}

// DegradedFunc is invoked when the limiter falls back to local-only
// decisions because the durable store failed. instanceID names the limiter
// instance that degraded.
type DegradedFunc func(instanceID, identifier string, err error)

// FixedWindowLimiter counts requests per identifier within fixed-length
// windows, sharing state across process instances through a durable Store.
//
// Once this process has seen an identifier's current window, repeat checks
// are decided from a local cache without touching the store until the window
// rolls over. That trades perfect cross-instance accuracy for near-zero
// latency on repeat traffic.
//
// When the store is unreachable the limiter degrades to local-only counting
// for the remainder of the window instead of failing the caller's request.
type FixedWindowLimiter struct {
	store      Store
	cache      *localCache
	logger     *zap.Logger
	clock      func() time.Time
	onDegraded DegradedFunc
	instanceID string
	warnEvery  rate.Sometimes

	sweepInterval time.Duration
	maxEvictions  int
}

// NewFixedWindowLimiter creates a limiter backed by the given store. The
// returned limiter owns its cache and cleanup scheduler; call Close when done.
func NewFixedWindowLimiter(store Store, opts ...Option) *FixedWindowLimiter {
	newInstanceID, _ := nanoid.Standard(instanceIDLength)

	l := &FixedWindowLimiter{
		store:         store,
		logger:        zap.NewNop(),
		clock:         time.Now,
		instanceID:    newInstanceID(),
		warnEvery:     rate.Sometimes{First: 3, Interval: 30 * time.Second},
		sweepInterval: defaultSweepInterval,
		maxEvictions:  defaultMaxEvictions,
	}

	for _, opt := range opts {
		opt(l)
	}

	l.cache = newLocalCache(l.clock, l.sweepInterval, l.maxEvictions)

	return l
}

func (l *FixedWindowLimiter) Allow(
	ctx context.Context, identifier string, max int64, window time.Duration,
) (Result, error) {
	if max <= 0 {
		return Result{}, ErrInvalidLimit
	}

	if window <= 0 {
		return Result{}, ErrInvalidWindow
	}

	now := l.clock()

	// Local path: a valid cached entry is authoritative for this process.
	if res, ok := l.cache.consume(identifier, max, now); ok {
		return res, nil
	}

	record, err := l.store.GetActive(ctx, identifier)

	switch {
	case err == nil:
		// The admission decision is made from the read result before any
		// increment is issued. Two concurrent callers can both read
		// count = max-1 and both increment; that best-effort over-admission
		// is accepted for a fixed-window counter.
		if record.Count >= max {
			l.cache.put(identifier, record.Count, record.ResetTime)

			return Result{Allowed: false, Remaining: 0, ResetTime: record.ResetTime}, nil
		}
	case !errors.Is(err, ErrNoActiveWindow):
		return l.degrade(identifier, max, window, now, err), nil
	}

	updated, err := l.store.Upsert(ctx, identifier, window)
	if err != nil {
		return l.degrade(identifier, max, window, now, err), nil
	}

	l.cache.put(identifier, updated.Count, updated.ResetTime)

	remaining := max - updated.Count
	if remaining < 0 {
		remaining = 0
	}

	return Result{Allowed: true, Remaining: remaining, ResetTime: updated.ResetTime}, nil
}

// degrade enters local-only operation for the identifier's window. The
// request is never rejected because the durable layer is down; accuracy
// shrinks from global to this process until the local entry expires.
func (l *FixedWindowLimiter) degrade(
	identifier string, max int64, window time.Duration, now time.Time, err error,
) Result {
	resetTime := now.Add(window)
	l.cache.put(identifier, 1, resetTime)

	l.warnEvery.Do(func() {
		l.logger.Warn("durable store unavailable, serving rate limit from local cache",
			zap.String("identifier", identifier),
			zap.String("instance_id", l.instanceID),
			zap.Error(err),
		)
	})

	if l.onDegraded != nil {
		l.onDegraded(l.instanceID, identifier, err)
	}

	return Result{Allowed: true, Remaining: max - 1, ResetTime: resetTime}
}

// InstanceID identifies this limiter instance in degradation logs and events.
func (l *FixedWindowLimiter) InstanceID() string {
	return l.instanceID
}

// Close stops the cleanup scheduler. The limiter must not be used afterwards.
func (l *FixedWindowLimiter) Close() {
	l.cache.close()
}

// Compile-time check.
var _ Limiter = (*FixedWindowLimiter)(nil)
