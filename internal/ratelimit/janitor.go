package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Janitor periodically purges expired records from the durable store. It
// runs entirely off the request path; a failed purge is logged and retried
// on the next tick, never surfaced to callers.
type Janitor struct {
	store    Store
	interval time.Duration
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewJanitor creates a janitor sweeping the store at the given interval.
func NewJanitor(store Store, interval time.Duration, logger *zap.Logger) *Janitor {
	return &Janitor{
		store:    store,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start begins the background sweep.
func (j *Janitor) Start(ctx context.Context) error {
	ctx, j.cancel = context.WithCancel(ctx)

	go j.run(ctx)

	return nil
}

func (j *Janitor) run(ctx context.Context) {
	defer close(j.done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.purge(ctx)
		}
	}
}

func (j *Janitor) purge(ctx context.Context) {
	purged, err := j.store.DeleteExpired(ctx)
	if err != nil {
		j.logger.Error("failed to purge expired rate limit records", zap.Error(err))

		return
	}

	if purged > 0 {
		j.logger.Info("purged expired rate limit records", zap.Int64("count", purged))
	}
}

// Shutdown stops the janitor and waits for the sweep loop to exit.
func (j *Janitor) Shutdown() error {
	if j.cancel != nil {
		j.cancel()
	}

	<-j.done

	return nil
}
