package hub

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

// BrokerPublisher forwards status events onto a broker queue so workers in
// other processes can feed the hub that serves observers.
type BrokerPublisher struct {
	broker pipeline.Broker
	queue  string
}

// NewBrokerPublisher returns a publisher writing to queue.
func NewBrokerPublisher(broker pipeline.Broker, queue string) *BrokerPublisher {
	if queue == "" {
		queue = pipeline.DefaultStatusQueue
	}
	return &BrokerPublisher{broker: broker, queue: queue}
}

// Publish encodes evt and publishes it.
func (p *BrokerPublisher) Publish(ctx context.Context, evt pipeline.StatusEvent) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	body, err := pipeline.Encode(evt)
	if err != nil {
		return err
	}
	if err := p.broker.Publish(ctx, p.queue, body,
		pipeline.WithAttribute("request_id", evt.RequestID),
		pipeline.WithAttribute("status", string(evt.Status)),
		pipeline.WithOrderingKey(evt.RequestID),
	); err != nil {
		return fmt.Errorf("publish status event: %w", err)
	}
	return nil
}

// Relay consumes status events from queue and publishes them into h until
// ctx ends. Undecodable messages are dead-lettered.
func Relay(ctx context.Context, broker pipeline.Broker, queue string, h *Hub, logger *zap.Logger) error {
	if queue == "" {
		queue = pipeline.DefaultStatusQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("status_relay")
	// A single in-flight delivery keeps per-request order on ordered brokers.
	return broker.Consume(ctx, queue, 1, func(ctx context.Context, msg pipeline.Message) error {
		evt, err := pipeline.DecodeStatusEvent(msg.Body)
		if err == nil {
			err = h.Publish(ctx, evt)
		}
		switch {
		case err == nil:
			return nil
		case errors.Is(err, pipeline.ErrPermanentDelivery), errors.Is(err, pipeline.ErrValidation):
			logger.Warn("dead-lettering status event", zap.String("queue", queue), zap.Error(err))
			return broker.DeadLetter(ctx, queue, msg.Body, err.Error())
		default:
			return err
		}
	})
}
