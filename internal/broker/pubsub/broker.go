// Package pubsub implements the pipeline broker on Google Cloud Pub/Sub.
//
// Every queue maps to a topic with a single pull subscription named
// "<queue>-sub"; dead letters are published to "<queue>-dead-letter".
// Delayed publishes carry a not_before attribute and are nacked until due,
// relying on the subscription retry policy for redelivery backoff. Topics
// publish with message ordering enabled and subscriptions are created with
// ordered delivery, so messages sharing an ordering key arrive in order.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

const (
	attrNotBefore = "not_before"
	attrReason    = "dead_letter_reason"
	attrQueue     = "source_queue"
)

// Config controls topic provisioning and subscription behavior.
type Config struct {
	// CreateResources provisions missing topics and subscriptions on first use.
	CreateResources bool
	AckDeadline     time.Duration
	MinBackoff      time.Duration
	MaxBackoff      time.Duration
}

// Broker implements pipeline.Broker on Pub/Sub topics and subscriptions.
type Broker struct {
	client *pubsub.Client
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	known  []string
}

// New wraps a Pub/Sub client.
func New(client *pubsub.Client, cfg Config, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AckDeadline <= 0 {
		cfg.AckDeadline = 60 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 10 * time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 600 * time.Second
	}
	return &Broker{
		client: client,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		topics: make(map[string]*pubsub.Topic),
	}
}

// SubscriptionID names the pull subscription for queue.
func SubscriptionID(queue string) string { return queue + "-sub" }

// DeadLetterTopic names the dead-letter topic for queue.
func DeadLetterTopic(queue string) string { return queue + "-dead-letter" }

func (b *Broker) topic(ctx context.Context, id string) (*pubsub.Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[id]; ok {
		return t, nil
	}
	t := b.client.Topic(id)
	if b.cfg.CreateResources {
		exists, err := t.Exists(ctx)
		if err != nil {
			return nil, fmt.Errorf("check topic %s: %w", id, err)
		}
		if !exists {
			if t, err = b.client.CreateTopic(ctx, id); err != nil {
				return nil, fmt.Errorf("create topic %s: %w", id, err)
			}
		}
	}
	t.EnableMessageOrdering = true
	b.topics[id] = t
	b.known = append(b.known, id)
	return t, nil
}

func (b *Broker) subscription(ctx context.Context, queue string) (*pubsub.Subscription, error) {
	sub := b.client.Subscription(SubscriptionID(queue))
	if !b.cfg.CreateResources {
		b.checkSubscription(ctx, sub)
		return sub, nil
	}
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription %s: %w", sub.ID(), err)
	}
	if exists {
		b.checkSubscription(ctx, sub)
		return sub, nil
	}
	topic, err := b.topic(ctx, queue)
	if err != nil {
		return nil, err
	}
	sub, err = b.client.CreateSubscription(ctx, SubscriptionID(queue), pubsub.SubscriptionConfig{
		Topic:                 topic,
		AckDeadline:           b.cfg.AckDeadline,
		EnableMessageOrdering: true,
		RetryPolicy: &pubsub.RetryPolicy{
			MinimumBackoff: b.cfg.MinBackoff,
			MaximumBackoff: b.cfg.MaxBackoff,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription for %s: %w", queue, err)
	}
	return sub, nil
}

// checkSubscription warns about a provisioned subscription that lacks the
// settings delayed retries and ordered status events depend on. Without a
// retry policy a nacked delayed message is redelivered immediately.
func (b *Broker) checkSubscription(ctx context.Context, sub *pubsub.Subscription) {
	cfg, err := sub.Config(ctx)
	if err != nil {
		b.logger.Warn("could not read subscription config", zap.String("subscription", sub.ID()), zap.Error(err))
		return
	}
	if cfg.RetryPolicy == nil {
		b.logger.Warn("subscription has no retry policy; delayed messages will redeliver without backoff",
			zap.String("subscription", sub.ID()),
			zap.Duration("want_min_backoff", b.cfg.MinBackoff),
			zap.Duration("want_max_backoff", b.cfg.MaxBackoff),
		)
	}
	if !cfg.EnableMessageOrdering {
		b.logger.Warn("subscription does not deliver in order; ordering keys are ignored",
			zap.String("subscription", sub.ID()))
	}
}

// Publish sends body to the queue topic and waits for the server ack.
func (b *Broker) Publish(ctx context.Context, queue string, body []byte, opts ...pipeline.PublishOption) error {
	o := pipeline.ApplyPublishOptions(opts...)
	attrs := make(map[string]string, len(o.Attributes)+2)
	for k, v := range o.Attributes {
		attrs[k] = v
	}
	if o.Delay > 0 {
		attrs[attrNotBefore] = formatMillis(b.now().Add(o.Delay).UnixMilli())
	}
	return b.send(ctx, queue, &pubsub.Message{Data: body, Attributes: attrs, OrderingKey: o.OrderingKey})
}

func (b *Broker) send(ctx context.Context, topicID string, msg *pubsub.Message) error {
	t, err := b.topic(ctx, topicID)
	if err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrBrokerUnavailable, err)
	}
	if msg.Attributes == nil {
		msg.Attributes = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, &carrier{attrs: msg.Attributes})
	if _, err := t.Publish(ctx, msg).Get(ctx); err != nil {
		if msg.OrderingKey != "" {
			// A failed ordered publish pauses its key until resumed.
			t.ResumePublish(msg.OrderingKey)
		}
		return fmt.Errorf("%w: publish to %s: %v", pipeline.ErrBrokerUnavailable, topicID, err)
	}
	return nil
}

// Consume receives from the queue subscription with at most prefetch
// outstanding messages. It blocks until ctx ends.
func (b *Broker) Consume(ctx context.Context, queue string, prefetch int, handler pipeline.Handler) error {
	if prefetch <= 0 {
		prefetch = 1
	}
	sub, err := b.subscription(ctx, queue)
	if err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrBrokerUnavailable, err)
	}
	sub.ReceiveSettings.MaxOutstandingMessages = prefetch
	sub.ReceiveSettings.NumGoroutines = 1

	err = sub.Receive(ctx, func(msgCtx context.Context, m *pubsub.Message) {
		if b.early(m) {
			m.Nack()
			return
		}
		msgCtx = otel.GetTextMapPropagator().Extract(msgCtx, &carrier{attrs: m.Attributes})
		deliveries := 1
		if m.DeliveryAttempt != nil {
			deliveries = *m.DeliveryAttempt
		}
		herr := handler(msgCtx, pipeline.Message{
			ID:         m.ID,
			Queue:      queue,
			Body:       m.Data,
			Attributes: m.Attributes,
			Deliveries: deliveries,
		})
		if herr != nil {
			b.logger.Debug("message nacked", zap.String("queue", queue), zap.String("message_id", m.ID), zap.Error(herr))
			m.Nack()
			return
		}
		m.Ack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: receive %s: %v", pipeline.ErrBrokerUnavailable, queue, err)
	}
	return nil
}

func (b *Broker) early(m *pubsub.Message) bool {
	raw, ok := m.Attributes[attrNotBefore]
	if !ok {
		return false
	}
	due, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false
	}
	return b.now().UnixMilli() < due
}

// DeadLetter publishes body to the queue's dead-letter topic.
func (b *Broker) DeadLetter(ctx context.Context, queue string, body []byte, reason string) error {
	return b.send(ctx, DeadLetterTopic(queue), &pubsub.Message{Data: body, Attributes: map[string]string{
		attrReason: reason,
		attrQueue:  queue,
	}})
}

// Ping checks that every topic used so far is still reachable.
func (b *Broker) Ping(ctx context.Context) error {
	b.mu.Lock()
	ids := append([]string(nil), b.known...)
	b.mu.Unlock()
	for _, id := range ids {
		if _, err := b.client.Topic(id).Exists(ctx); err != nil {
			return fmt.Errorf("%w: topic %s: %v", pipeline.ErrBrokerUnavailable, id, err)
		}
	}
	return nil
}

// Close flushes publishers and closes the client.
func (b *Broker) Close() error {
	b.mu.Lock()
	for _, t := range b.topics {
		t.Stop()
	}
	b.mu.Unlock()
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// carrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type carrier struct {
	attrs map[string]string
}

func (c *carrier) Get(key string) string {
	return c.attrs[key]
}

func (c *carrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *carrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}

func formatMillis(ms int64) string { return strconv.FormatInt(ms, 10) }
