// Package redis implements the pipeline broker on Redis Streams.
//
// Each queue is a stream read through a consumer group. Deliveries stay in
// the group's pending list until acknowledged; entries idle for longer than
// ClaimIdle are reclaimed by any consumer, which is how unacknowledged work
// from a crashed worker is redelivered; a consumer that is still working on an
// entry keeps re-claiming it so it never looks idle. Delayed publishes wait in a sorted
// set and are promoted into the stream once due. Dead letters are appended
// to a sibling stream.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

const (
	fieldBody       = "body"
	fieldAttributes = "attributes"
	fieldReason     = "reason"
	fieldAt         = "dead_lettered_at"
)

// Config tunes stream consumption.
type Config struct {
	Group           string
	Consumer        string
	Block           time.Duration
	ClaimIdle       time.Duration
	PromoteInterval time.Duration
	MaxLen          int64
}

// Broker implements pipeline.Broker with Redis Streams.
type Broker struct {
	client *redis.Client
	cfg    Config
	logger *zap.Logger

	groupsMu sync.Mutex
	groups   map[string]bool
}

type delayedEntry struct {
	ID         string            `json:"id"`
	Body       []byte            `json:"body"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// New wraps an existing client.
func New(client *redis.Client, cfg Config, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Group == "" {
		cfg.Group = "analyzer"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "consumer-" + uuid.NewString()
	}
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = 30 * time.Second
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = 250 * time.Millisecond
	}
	return &Broker{
		client: client,
		cfg:    cfg,
		logger: logger,
		groups: make(map[string]bool),
	}
}

// NewFromURL parses a redis:// URL and builds a Broker that owns its client.
func NewFromURL(url string, cfg Config, logger *zap.Logger) (*Broker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return New(redis.NewClient(opts), cfg, logger), nil
}

func delayedKey(queue string) string { return queue + ":delayed" }

// DeadLetterStream names the stream holding dead letters for queue.
func DeadLetterStream(queue string) string { return queue + ":dead" }

// Publish appends body to the queue stream, or schedules it when delayed.
func (b *Broker) Publish(ctx context.Context, queue string, body []byte, opts ...pipeline.PublishOption) error {
	o := pipeline.ApplyPublishOptions(opts...)
	if o.Delay > 0 {
		entry, err := json.Marshal(delayedEntry{ID: uuid.NewString(), Body: body, Attributes: o.Attributes})
		if err != nil {
			return fmt.Errorf("encode delayed entry: %w", err)
		}
		due := time.Now().Add(o.Delay).UnixMilli()
		if err := b.client.ZAdd(ctx, delayedKey(queue), redis.Z{Score: float64(due), Member: string(entry)}).Err(); err != nil {
			return fmt.Errorf("%w: schedule on %s: %v", pipeline.ErrBrokerUnavailable, queue, err)
		}
		return nil
	}
	if err := b.add(ctx, queue, body, o.Attributes); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", pipeline.ErrBrokerUnavailable, queue, err)
	}
	return nil
}

func (b *Broker) add(ctx context.Context, stream string, body []byte, attrs map[string]string) error {
	values, err := streamValues(body, attrs)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}
	return b.client.XAdd(ctx, args).Err()
}

// streamValues lays out an entry as alternating field names and values.
func streamValues(body []byte, attrs map[string]string) ([]interface{}, error) {
	values := []interface{}{fieldBody, string(body)}
	if len(attrs) > 0 {
		encoded, err := json.Marshal(attrs)
		if err != nil {
			return nil, fmt.Errorf("encode attributes: %w", err)
		}
		values = append(values, fieldAttributes, string(encoded))
	}
	return values, nil
}

func (b *Broker) ensureGroup(ctx context.Context, queue string) error {
	b.groupsMu.Lock()
	defer b.groupsMu.Unlock()
	if b.groups[queue] {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, queue, b.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("%w: create group on %s: %v", pipeline.ErrBrokerUnavailable, queue, err)
	}
	b.groups[queue] = true
	return nil
}

// Consume reads the queue with prefetch concurrent slots, each holding at
// most one unacknowledged entry. It blocks until ctx ends.
func (b *Broker) Consume(ctx context.Context, queue string, prefetch int, handler pipeline.Handler) error {
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := b.ensureGroup(ctx, queue); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.promoteLoop(ctx, queue)
	}()
	for i := 0; i < prefetch; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			b.slotLoop(ctx, queue, fmt.Sprintf("%s-%d", b.cfg.Consumer, slot), handler)
		}(i)
	}
	wg.Wait()
	return nil
}

func (b *Broker) slotLoop(ctx context.Context, queue, consumer string, handler pipeline.Handler) {
	for ctx.Err() == nil {
		msg, ok, err := b.next(ctx, queue, consumer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("stream read failed", zap.String("queue", queue), zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}
		if !ok {
			continue
		}
		stop := b.keepClaimed(ctx, queue, consumer, msg.ID)
		herr := handler(ctx, msg)
		stop()
		if herr != nil {
			b.logger.Debug("message left pending",
				zap.String("queue", queue),
				zap.String("message_id", msg.ID),
				zap.Int("deliveries", msg.Deliveries),
				zap.Error(herr),
			)
			continue
		}
		ackCtx := context.WithoutCancel(ctx)
		if err := b.client.XAck(ackCtx, queue, b.cfg.Group, msg.ID).Err(); err != nil {
			b.logger.Error("stream ack failed", zap.String("queue", queue), zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
}

// keepClaimed re-claims id for consumer every third of ClaimIdle until the
// returned stop func is called. Re-claiming resets the entry's idle time, so
// XAUTOCLAIM in other slots only takes over entries whose consumer is gone.
func (b *Broker) keepClaimed(ctx context.Context, queue, consumer, id string) (stop func()) {
	interval := max(b.cfg.ClaimIdle/3, time.Millisecond)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			ids, err := b.client.XClaimJustID(ctx, &redis.XClaimArgs{
				Stream:   queue,
				Group:    b.cfg.Group,
				Consumer: consumer,
				MinIdle:  0,
				Messages: []string{id},
			}).Result()
			if err != nil {
				if ctx.Err() == nil {
					b.logger.Warn("pending entry keep-alive failed",
						zap.String("queue", queue), zap.String("message_id", id), zap.Error(err))
				}
				continue
			}
			if len(ids) == 0 {
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// next reclaims one idle pending entry if any exists, otherwise reads a new one.
func (b *Broker) next(ctx context.Context, queue, consumer string) (pipeline.Message, bool, error) {
	claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   queue,
		Group:    b.cfg.Group,
		Consumer: consumer,
		MinIdle:  b.cfg.ClaimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return pipeline.Message{}, false, fmt.Errorf("xautoclaim: %w", err)
	}
	if len(claimed) > 0 {
		return b.toMessage(ctx, queue, claimed[0], true), true, nil
	}

	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: consumer,
		Streams:  []string{queue, ">"},
		Count:    1,
		Block:    b.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return pipeline.Message{}, false, nil
	}
	if err != nil {
		return pipeline.Message{}, false, fmt.Errorf("xreadgroup: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return pipeline.Message{}, false, nil
	}
	return b.toMessage(ctx, queue, streams[0].Messages[0], false), true, nil
}

func (b *Broker) toMessage(ctx context.Context, queue string, m redis.XMessage, claimed bool) pipeline.Message {
	msg := pipeline.Message{ID: m.ID, Queue: queue, Deliveries: 1}
	if v, ok := m.Values[fieldBody].(string); ok {
		msg.Body = []byte(v)
	}
	if v, ok := m.Values[fieldAttributes].(string); ok {
		attrs := make(map[string]string)
		if err := json.Unmarshal([]byte(v), &attrs); err == nil {
			msg.Attributes = attrs
		}
	}
	if claimed {
		msg.Deliveries = 2
		pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: queue,
			Group:  b.cfg.Group,
			Start:  m.ID,
			End:    m.ID,
			Count:  1,
		}).Result()
		if err == nil && len(pending) == 1 {
			msg.Deliveries = int(pending[0].RetryCount)
		}
	}
	return msg
}

func (b *Broker) promoteLoop(ctx context.Context, queue string) {
	ticker := time.NewTicker(b.cfg.PromoteInterval)
	defer ticker.Stop()
	for {
		if _, err := b.PromoteDue(ctx, queue, time.Now()); err != nil && ctx.Err() == nil {
			b.logger.Warn("promote delayed entries failed", zap.String("queue", queue), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// promoteScript moves one scheduled member (ARGV[1]) from the delayed set
// (KEYS[1]) into the stream (KEYS[2]). XADD runs before ZREM: Redis does not
// roll back a script that fails midway, so a failed append must leave the
// member scheduled. ARGV[2] is the approximate MAXLEN (0 for none) and the
// remaining arguments are the entry's field/value pairs.
var promoteScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
local args = {KEYS[2]}
if tonumber(ARGV[2]) > 0 then
  table.insert(args, 'MAXLEN')
  table.insert(args, '~')
  table.insert(args, ARGV[2])
end
table.insert(args, '*')
for i = 3, #ARGV do
  table.insert(args, ARGV[i])
end
redis.call('XADD', unpack(args))
redis.call('ZREM', KEYS[1], ARGV[1])
return 1
`)

// PromoteDue moves delayed entries due at or before now into the stream and
// returns how many were moved. Each move is one script call, so concurrent
// promoters never append the same entry twice and a failed append keeps the
// entry scheduled for the next pass.
func (b *Broker) PromoteDue(ctx context.Context, queue string, now time.Time) (int, error) {
	members, err := b.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore: %w", err)
	}
	moved := 0
	for _, member := range members {
		var entry delayedEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			b.logger.Error("dropping undecodable delayed entry", zap.String("queue", queue), zap.Error(err))
			if err := b.client.ZRem(ctx, delayedKey(queue), member).Err(); err != nil {
				return moved, fmt.Errorf("zrem: %w", err)
			}
			continue
		}
		values, err := streamValues(entry.Body, entry.Attributes)
		if err != nil {
			return moved, err
		}
		args := append([]interface{}{member, b.cfg.MaxLen}, values...)
		n, err := promoteScript.Run(ctx, b.client, []string{delayedKey(queue), queue}, args...).Int()
		if err != nil {
			return moved, fmt.Errorf("promote to %s: %w", queue, err)
		}
		moved += n
	}
	return moved, nil
}

// DeadLetter appends body and reason to the queue's dead-letter stream.
func (b *Broker) DeadLetter(ctx context.Context, queue string, body []byte, reason string) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterStream(queue),
		Values: map[string]interface{}{
			fieldBody:   string(body),
			fieldReason: reason,
			fieldAt:     time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: dead-letter to %s: %v", pipeline.ErrBrokerUnavailable, queue, err)
	}
	return nil
}

// Ping checks if Redis is available.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrBrokerUnavailable, err)
	}
	return nil
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	if err := b.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
