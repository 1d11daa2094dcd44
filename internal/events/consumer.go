package events

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"
)

// Consumer consumes throttle events and forwards them to a sink.
type Consumer struct {
	subscriber message.Subscriber
	sink       Sink
	logger     *zap.Logger
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewConsumer creates a new throttle event consumer.
func NewConsumer(subscriber message.Subscriber, sink Sink, logger *zap.Logger) *Consumer {
	return &Consumer{
		subscriber: subscriber,
		sink:       sink,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Start begins consuming throttle events.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	msgs, err := c.subscriber.Subscribe(ctx, TopicThrottle)
	if err != nil {
		return err
	}

	go c.consumeLoop(ctx, msgs)

	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context, msgs <-chan *message.Message) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}

			c.handleThrottle(ctx, msg)
		}
	}
}

func (c *Consumer) handleThrottle(ctx context.Context, msg *message.Message) {
	var event ThrottleEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		c.logger.Error("failed to unmarshal throttle event",
			zap.Error(err),
		)
		msg.Nack()

		return
	}

	if err := c.sink.SaveThrottle(ctx, &event); err != nil {
		c.logger.Error("failed to save throttle event",
			zap.String("identifier", event.Identifier),
			zap.Error(err),
		)
		msg.Nack()

		return
	}

	msg.Ack()

	c.logger.Debug("processed throttle event",
		zap.String("identifier", event.Identifier),
		zap.String("kind", string(event.Kind)),
	)
}

// Shutdown stops the consumer and waits for in-flight messages to complete.
func (c *Consumer) Shutdown() error {
	if c.cancel != nil {
		c.cancel()
	}

	<-c.done

	return c.subscriber.Close()
}
