package store

import (
	"context"
	"sync"
	"time"

	"github.com/serroba/ratelimit-go/internal/ratelimit"
)

// RateLimitMemoryStore is an in-memory implementation of ratelimit.Store.
// It is process-local, so it cannot enforce a budget across instances; use
// it for tests and single-instance deployments.
type RateLimitMemoryStore struct {
	mu      sync.Mutex
	records map[string]*ratelimit.Record
}

// NewRateLimitMemoryStore creates a new in-memory rate limit store.
func NewRateLimitMemoryStore() *RateLimitMemoryStore {
	return &RateLimitMemoryStore{
		records: make(map[string]*ratelimit.Record),
	}
}

func (s *RateLimitMemoryStore) GetActive(_ context.Context, identifier string) (*ratelimit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[identifier]
	if !ok || !time.Now().Before(record.ResetTime) {
		return nil, ratelimit.ErrNoActiveWindow
	}

	copied := *record

	return &copied, nil
}

func (s *RateLimitMemoryStore) Upsert(
	_ context.Context, identifier string, window time.Duration,
) (*ratelimit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	record, ok := s.records[identifier]
	if !ok || !now.Before(record.ResetTime) {
		// Absent and expired windows are equivalent: start a fresh one.
		record = &ratelimit.Record{
			Identifier: identifier,
			Count:      1,
			ResetTime:  now.Add(window),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		s.records[identifier] = record
	} else {
		record.Count++
		record.UpdatedAt = now
	}

	copied := *record

	return &copied, nil
}

func (s *RateLimitMemoryStore) DeleteExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	var purged int64

	for identifier, record := range s.records {
		if !now.Before(record.ResetTime) {
			delete(s.records, identifier)

			purged++
		}
	}

	return purged, nil
}

// Compile-time check.
var _ ratelimit.Store = (*RateLimitMemoryStore)(nil)
