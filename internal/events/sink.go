package events

import (
	"context"

	"go.uber.org/zap"
)

// Sink receives consumed throttle events.
type Sink interface {
	SaveThrottle(ctx context.Context, event *ThrottleEvent) error
}

// LogSink writes throttle events to the log, denials as warnings and
// degradations as errors so store outages stand out across instances.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink backed by the given logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) SaveThrottle(_ context.Context, event *ThrottleEvent) error {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("identifier", event.Identifier),
		zap.String("instance_id", event.InstanceID),
		zap.Time("occurred_at", event.OccurredAt),
	}

	switch event.Kind {
	case KindDegraded:
		s.logger.Error("limiter instance degraded",
			append(fields, zap.String("reason", event.Reason))...)
	default:
		s.logger.Warn("request throttled",
			append(fields,
				zap.Int64("max", event.MaxRequests),
				zap.Time("reset_time", event.ResetTime))...)
	}

	return nil
}

// Compile-time check.
var _ Sink = (*LogSink)(nil)
