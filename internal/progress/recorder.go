package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

// Config controls buffering and batching for the Recorder.
//   - BufferSize: capacity of the intake channel (default 4096).
//   - MaxBatchEvents: flush once this many events queue (default 500).
//   - MaxBatchWait: flush a partial batch after this long (default 500ms).
//   - SinkTimeout: per-sink deadline while flushing (default 10s).
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 500
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Recorder buffers status events and flushes them to sinks from a single
// background goroutine. It is safe for concurrent use.
type Recorder struct {
	cfg    Config
	sinks  []Sink
	events chan pipeline.StatusEvent
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	dropped  atomic.Int64
	lastDrop atomic.Int64
	closed   atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewRecorder starts a Recorder that flushes into sinks.
func NewRecorder(cfg Config, sinks ...Sink) *Recorder {
	cfg = cfg.withDefaults()
	r := &Recorder{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		events: make(chan pipeline.StatusEvent, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: cfg.Logger.Named("progress"),
	}
	go r.run()
	return r
}

// Emit queues evt for the next flush. A full buffer drops the event and logs
// a rate-limited warning.
func (r *Recorder) Emit(evt pipeline.StatusEvent) {
	if r == nil || r.closed.Load() {
		return
	}
	select {
	case r.events <- evt:
	default:
		r.dropped.Add(1)
		now := time.Now().UnixNano()
		last := r.lastDrop.Load()
		if now-last >= dropLogInterval.Nanoseconds() && r.lastDrop.CompareAndSwap(last, now) {
			r.logger.Warn("status events dropped due to backpressure", zap.Int64("dropped", r.dropped.Swap(0)))
		}
	}
}

// Close flushes buffered events, closes sinks, and waits for the background
// goroutine. Repeated calls only wait.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.closeCtx = ctx
		close(r.stopCh)
	})
	select {
	case <-r.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress recorder close wait: %w", ctx.Err())
	}
}

func (r *Recorder) run() {
	defer close(r.doneCh)
	batch := make([]pipeline.StatusEvent, 0, r.cfg.MaxBatchEvents)
	ticker := time.NewTicker(r.cfg.MaxBatchWait)
	defer ticker.Stop()
	for {
		select {
		case evt := <-r.events:
			batch = append(batch, evt)
			if len(batch) >= r.cfg.MaxBatchEvents {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-r.stopCh:
			r.drain(batch)
			return
		}
	}
}

func (r *Recorder) drain(batch []pipeline.StatusEvent) {
	for {
		select {
		case evt := <-r.events:
			batch = append(batch, evt)
		default:
			r.flush(batch)
			r.closeSinks()
			return
		}
	}
}

func (r *Recorder) flush(batch []pipeline.StatusEvent) {
	if len(batch) == 0 {
		return
	}
	snapshot := append([]pipeline.StatusEvent(nil), batch...)
	for _, sink := range r.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SinkTimeout)
		if err := sink.Consume(ctx, snapshot); err != nil {
			r.logger.Warn("progress sink consume failed", zap.Error(err), zap.Int("batch", len(snapshot)))
		}
		cancel()
	}
}

func (r *Recorder) closeSinks() {
	ctx := r.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range r.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			r.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
