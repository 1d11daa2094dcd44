package events

import "time"

// TopicThrottle carries rate limiter audit events.
const TopicThrottle = "ratelimit.throttle"

// Kind classifies a throttle event.
type Kind string

const (
	// KindDenied marks a request rejected because the budget was exhausted.
	KindDenied Kind = "denied"
	// KindDegraded marks a limiter falling back to local-only decisions
	// because the durable store failed.
	KindDegraded Kind = "degraded"
)

// ThrottleEvent is emitted when a request is denied or a limiter instance
// degrades. Publishing is best-effort and happens off the admission path.
type ThrottleEvent struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Identifier  string    `json:"identifier"`
	MaxRequests int64     `json:"maxRequests,omitempty"`
	ResetTime   time.Time `json:"resetTime,omitempty"`
	InstanceID  string    `json:"instanceId,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}
