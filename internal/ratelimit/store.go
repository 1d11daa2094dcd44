package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrNoActiveWindow is returned by Store.GetActive when no record exists for
// the identifier, or when its window has already elapsed. Both cases are
// equivalent for admission purposes: a fresh window starts on the next upsert.
var ErrNoActiveWindow = errors.New("no active rate limit window")

// Record is the durable counter row for one identifier's current window.
// Exactly one record exists per identifier; expired records are reset in
// place rather than duplicated.
type Record struct {
	Identifier string
	Count      int64
	ResetTime  time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store defines the interface for durable rate limit counter storage.
// The store is the only synchronization point between process instances, so
// Upsert must be atomic at the storage engine level.
type Store interface {
	// GetActive fetches the record for identifier whose window has not yet
	// elapsed. Absent and expired records both yield ErrNoActiveWindow.
	GetActive(ctx context.Context, identifier string) (*Record, error)

	// Upsert records one request against the identifier's current window:
	// it creates a count=1 record when none exists, resets an expired record
	// to count=1 with a fresh window, or increments an active record leaving
	// its reset time untouched. It returns the resulting record.
	Upsert(ctx context.Context, identifier string, window time.Duration) (*Record, error)

	// DeleteExpired purges records whose window has elapsed and returns the
	// number of rows removed.
	DeleteExpired(ctx context.Context) (int64, error)
}
