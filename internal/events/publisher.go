package events

import (
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
)

// Publisher publishes throttle events.
type Publisher struct {
	publisher message.Publisher
}

// NewPublisher creates a new throttle event publisher.
func NewPublisher(publisher message.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// PublishThrottle publishes a throttle event, stamping an ID and timestamp
// when the caller left them empty.
func (p *Publisher) PublishThrottle(event *ThrottleEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)

	return p.publisher.Publish(TopicThrottle, msg)
}

// Shutdown closes the underlying publisher.
func (p *Publisher) Shutdown() error {
	return p.publisher.Close()
}
