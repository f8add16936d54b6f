package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

// DefaultEventsTable is the table used when none is configured.
const DefaultEventsTable = "status_events"

// EventStore appends status events to an audit table.
type EventStore struct {
	db    DB
	table string
}

// NewEventStore constructs an EventStore on an existing pool.
func NewEventStore(db DB, table string) (*EventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, DefaultEventsTable)
	if err != nil {
		return nil, err
	}
	return &EventStore{db: db, table: table}, nil
}

// AppendEvents writes a batch of events in a single statement.
func (s *EventStore) AppendEvents(ctx context.Context, events []pipeline.StatusEvent) error {
	if len(events) == 0 {
		return nil
	}
	insert := psql.Insert(s.table).Columns("request_id", "url", "status", "detail", "result", "occurred_at")
	for _, ev := range events {
		result, err := encodeResult(ev.Result)
		if err != nil {
			return err
		}
		insert = insert.Values(ev.RequestID, ev.URL, string(ev.Status), ev.Detail, result, ev.Timestamp)
	}
	query, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert status events: %w", err)
	}
	return nil
}

// ListEvents returns the recorded history of a request in order.
func (s *EventStore) ListEvents(ctx context.Context, requestID string) ([]pipeline.StatusEvent, error) {
	query, args, err := psql.Select("request_id", "url", "status", "detail", "result", "occurred_at").
		From(s.table).
		Where("request_id = ?", requestID).
		OrderBy("occurred_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list status events: %w", err)
	}
	defer rows.Close()

	var events []pipeline.StatusEvent
	for rows.Next() {
		var (
			ev     pipeline.StatusEvent
			status string
			raw    []byte
		)
		if err := rows.Scan(&ev.RequestID, &ev.URL, &status, &ev.Detail, &raw, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan status event: %w", err)
		}
		ev.Status = pipeline.Status(status)
		if len(raw) > 0 && string(raw) != "null" {
			var res pipeline.AnalysisResult
			if err := decodeJSON(raw, &res); err != nil {
				return nil, err
			}
			ev.Result = &res
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status events: %w", err)
	}
	return events, nil
}
