// Package memory provides an in-process broker for local development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

// ErrClosed is returned once the broker has been closed.
var ErrClosed = errors.New("broker closed")

// DeadLetter is a task routed to a dead-letter destination.
type DeadLetter struct {
	Queue  string
	Body   []byte
	Reason string
	At     time.Time
}

// Config tunes redelivery behavior.
type Config struct {
	// RedeliveryDelay is how long a nacked message waits before it is ready again.
	RedeliveryDelay time.Duration
}

// Broker implements pipeline.Broker with per-queue in-memory lists.
// Messages left unacknowledged when a consumer stops are requeued.
type Broker struct {
	cfg    Config
	logger *zap.Logger
	seq    atomic.Uint64

	mu     sync.Mutex
	queues map[string]*queue
	dead   map[string][]DeadLetter
	timers map[*time.Timer]struct{}
	closed bool
}

type envelope struct {
	id         string
	body       []byte
	attrs      map[string]string
	deliveries int
}

type queue struct {
	mu       sync.Mutex
	items    []envelope
	inFlight int
	signal   chan struct{}
	closed   bool
}

// New constructs an empty Broker.
func New(cfg Config, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RedeliveryDelay < 0 {
		cfg.RedeliveryDelay = 0
	}
	return &Broker{
		cfg:    cfg,
		logger: logger,
		queues: make(map[string]*queue),
		dead:   make(map[string][]DeadLetter),
		timers: make(map[*time.Timer]struct{}),
	}
}

func (b *Broker) queue(name string) (*queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		q = &queue{signal: make(chan struct{})}
		b.queues[name] = q
	}
	return q, nil
}

// Publish enqueues body on the named queue, honoring WithDelay.
func (b *Broker) Publish(ctx context.Context, name string, body []byte, opts ...pipeline.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish canceled: %w", err)
	}
	q, err := b.queue(name)
	if err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrBrokerUnavailable, err)
	}
	o := pipeline.ApplyPublishOptions(opts...)
	env := envelope{
		id:    strconv.FormatUint(b.seq.Add(1), 10),
		body:  append([]byte(nil), body...),
		attrs: o.Attributes,
	}
	if o.Delay <= 0 {
		q.push(env)
		return nil
	}
	b.after(o.Delay, func() { q.push(env) })
	return nil
}

func (b *Broker) after(d time.Duration, fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		b.mu.Lock()
		delete(b.timers, timer)
		closed := b.closed
		b.mu.Unlock()
		if !closed {
			fn()
		}
	})
	b.timers[timer] = struct{}{}
}

// Consume runs prefetch handler slots against the named queue until ctx ends.
func (b *Broker) Consume(ctx context.Context, name string, prefetch int, handler pipeline.Handler) error {
	if prefetch <= 0 {
		prefetch = 1
	}
	q, err := b.queue(name)
	if err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrBrokerUnavailable, err)
	}
	var wg sync.WaitGroup
	for i := 0; i < prefetch; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.slot(ctx, name, q, handler)
		}()
	}
	wg.Wait()
	if ctx.Err() == nil {
		return fmt.Errorf("%w: %v", pipeline.ErrBrokerUnavailable, ErrClosed)
	}
	return nil
}

func (b *Broker) slot(ctx context.Context, name string, q *queue, handler pipeline.Handler) {
	for {
		env, err := q.take(ctx)
		if err != nil {
			return
		}
		env.deliveries++
		msg := pipeline.Message{
			ID:         env.id,
			Queue:      name,
			Body:       env.body,
			Attributes: env.attrs,
			Deliveries: env.deliveries,
		}
		herr := handler(ctx, msg)
		q.release()
		if herr == nil {
			continue
		}
		b.logger.Debug("message nacked",
			zap.String("queue", name),
			zap.String("message_id", env.id),
			zap.Int("deliveries", env.deliveries),
			zap.Error(herr),
		)
		if ctx.Err() != nil || b.cfg.RedeliveryDelay == 0 {
			q.push(env)
			continue
		}
		b.after(b.cfg.RedeliveryDelay, func() { q.push(env) })
	}
}

// DeadLetter records body against the queue's dead-letter destination.
func (b *Broker) DeadLetter(ctx context.Context, name string, body []byte, reason string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("dead-letter canceled: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: %v", pipeline.ErrBrokerUnavailable, ErrClosed)
	}
	b.dead[name] = append(b.dead[name], DeadLetter{
		Queue:  name,
		Body:   append([]byte(nil), body...),
		Reason: reason,
		At:     time.Now().UTC(),
	})
	return nil
}

// DeadLetters returns a copy of everything dead-lettered for the queue.
func (b *Broker) DeadLetters(name string) []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeadLetter, len(b.dead[name]))
	copy(out, b.dead[name])
	return out
}

// Depth reports ready and in-flight message counts for the queue.
func (b *Broker) Depth(name string) (ready int, inFlight int) {
	b.mu.Lock()
	q, ok := b.queues[name]
	b.mu.Unlock()
	if !ok {
		return 0, 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), q.inFlight
}

// Ping reports whether the broker accepts work.
func (b *Broker) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: %v", pipeline.ErrBrokerUnavailable, ErrClosed)
	}
	return nil
}

// Close stops pending timers and wakes blocked consumers. It is safe to call twice.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for t := range b.timers {
		t.Stop()
	}
	b.timers = nil
	queues := make([]*queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.mu.Unlock()

	for _, q := range queues {
		q.close()
	}
	return nil
}

func (q *queue) push(env envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, env)
	close(q.signal)
	q.signal = make(chan struct{})
}

func (q *queue) take(ctx context.Context) (envelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return envelope{}, fmt.Errorf("take canceled: %w", err)
		}
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return envelope{}, ErrClosed
		}
		if len(q.items) > 0 {
			env := q.items[0]
			q.items = q.items[1:]
			q.inFlight++
			q.mu.Unlock()
			return env, nil
		}
		wait := q.signal
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return envelope{}, fmt.Errorf("take canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

func (q *queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight > 0 {
		q.inFlight--
	}
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
