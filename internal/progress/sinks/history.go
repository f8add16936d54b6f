package sinks

import (
	"context"
	"fmt"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

// EventAppender persists status events. postgres.EventStore satisfies it.
type EventAppender interface {
	AppendEvents(ctx context.Context, events []pipeline.StatusEvent) error
}

// HistorySink writes each batch to durable event history in one call.
type HistorySink struct {
	store EventAppender
}

// NewHistorySink constructs a HistorySink for store.
func NewHistorySink(store EventAppender) *HistorySink {
	return &HistorySink{store: store}
}

// Consume forwards the batch to the store.
func (s *HistorySink) Consume(ctx context.Context, batch []pipeline.StatusEvent) error {
	if s == nil || s.store == nil || len(batch) == 0 {
		return nil
	}
	if err := s.store.AppendEvents(ctx, batch); err != nil {
		return fmt.Errorf("append status history: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *HistorySink) Close(context.Context) error {
	return nil
}
