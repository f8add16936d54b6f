package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

// DefaultRequestsTable is the table used when none is configured.
const DefaultRequestsTable = "analysis_requests"

const uniqueViolation = "23505"

var requestColumns = []string{
	"id",
	"url",
	"normalized_url",
	"status",
	"detail",
	"result",
	"created_at",
	"updated_at",
	"processing_attempts",
	"evaluation_attempts",
}

var activeStatuses = []string{
	string(pipeline.StatusQueued),
	string(pipeline.StatusProcessing),
	string(pipeline.StatusEvaluating),
}

// RequestStore persists Request records in Postgres. Transitions are
// conditional updates, so concurrent writers cannot move a request out of a
// terminal status.
type RequestStore struct {
	db    DB
	table string
}

// NewRequestStore constructs a store on an existing pool.
func NewRequestStore(db DB, table string) (*RequestStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, DefaultRequestsTable)
	if err != nil {
		return nil, err
	}
	return &RequestStore{db: db, table: table}, nil
}

// Create inserts a new request.
func (s *RequestStore) Create(ctx context.Context, req pipeline.Request) error {
	if req.ID == "" {
		return fmt.Errorf("%w: request id is required", pipeline.ErrValidation)
	}
	if !req.Status.Initial() {
		return fmt.Errorf("%w: cannot create request in status %s", pipeline.ErrInvalidTransition, req.Status)
	}
	result, err := encodeResult(req.Result)
	if err != nil {
		return err
	}
	query, args, err := psql.Insert(s.table).
		Columns(requestColumns...).
		Values(
			req.ID,
			req.URL,
			req.NormalizedURL,
			string(req.Status),
			req.Detail,
			result,
			req.CreatedAt,
			req.UpdatedAt,
			req.ProcessingAttempts,
			req.EvaluationAttempts,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("request %s: %w", req.ID, pipeline.ErrAlreadyExists)
		}
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// Get loads a request by id.
func (s *RequestStore) Get(ctx context.Context, requestID string) (pipeline.Request, error) {
	query, args, err := psql.Select(requestColumns...).From(s.table).Where(sq.Eq{"id": requestID}).ToSql()
	if err != nil {
		return pipeline.Request{}, fmt.Errorf("build select: %w", err)
	}
	req, err := scanRequest(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Request{}, fmt.Errorf("request %s: %w", requestID, pipeline.ErrNotFound)
	}
	if err != nil {
		return pipeline.Request{}, fmt.Errorf("get request: %w", err)
	}
	return req, nil
}

// Transition moves the request to status to if its current status allows it.
func (s *RequestStore) Transition(
	ctx context.Context,
	requestID string,
	to pipeline.Status,
	update pipeline.RequestUpdate,
) (pipeline.Request, error) {
	from := pipeline.AllowedFrom(to)
	if len(from) == 0 {
		return pipeline.Request{}, fmt.Errorf("%w: %s is not reachable by transition", pipeline.ErrInvalidTransition, to)
	}
	if update.At.IsZero() {
		update.At = time.Now().UTC()
	}
	allowed := make([]string, len(from))
	for i, st := range from {
		allowed[i] = string(st)
	}

	builder := psql.Update(s.table).
		Set("status", string(to)).
		Set("detail", update.Detail).
		Set("updated_at", update.At).
		Set("processing_attempts", sq.Expr("GREATEST(processing_attempts, ?)", update.ProcessingAttempt)).
		Set("evaluation_attempts", sq.Expr("GREATEST(evaluation_attempts, ?)", update.EvaluationAttempt))
	if to.CarriesResult() && update.Result != nil {
		result, err := encodeResult(update.Result)
		if err != nil {
			return pipeline.Request{}, err
		}
		builder = builder.Set("result", result)
	}
	query, args, err := builder.
		Where(sq.Eq{"id": requestID, "status": allowed}).
		Suffix("RETURNING " + strings.Join(requestColumns, ", ")).
		ToSql()
	if err != nil {
		return pipeline.Request{}, fmt.Errorf("build update: %w", err)
	}

	req, err := scanRequest(s.db.QueryRow(ctx, query, args...))
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Request{}, fmt.Errorf("transition request: %w", err)
	}
	current, getErr := s.Get(ctx, requestID)
	if getErr != nil {
		return pipeline.Request{}, getErr
	}
	return current, fmt.Errorf("request %s: %w", requestID, pipeline.CheckTransition(current.Status, to))
}

// FindActive returns the newest non-terminal request for normalizedURL.
func (s *RequestStore) FindActive(ctx context.Context, normalizedURL string) (pipeline.Request, bool, error) {
	query, args, err := psql.Select(requestColumns...).
		From(s.table).
		Where(sq.Eq{"normalized_url": normalizedURL, "status": activeStatuses}).
		OrderBy("created_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return pipeline.Request{}, false, fmt.Errorf("build select: %w", err)
	}
	req, err := scanRequest(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Request{}, false, nil
	}
	if err != nil {
		return pipeline.Request{}, false, fmt.Errorf("find active request: %w", err)
	}
	return req, true, nil
}

// DB returns the connection the store runs on so other stores can share it.
func (s *RequestStore) DB() DB {
	return s.db
}

// Ping checks database connectivity.
func (s *RequestStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *RequestStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

func scanRequest(row pgx.Row) (pipeline.Request, error) {
	var (
		req    pipeline.Request
		status string
		raw    []byte
	)
	if err := row.Scan(
		&req.ID,
		&req.URL,
		&req.NormalizedURL,
		&status,
		&req.Detail,
		&raw,
		&req.CreatedAt,
		&req.UpdatedAt,
		&req.ProcessingAttempts,
		&req.EvaluationAttempts,
	); err != nil {
		return pipeline.Request{}, err
	}
	req.Status = pipeline.Status(status)
	if len(raw) > 0 && string(raw) != "null" {
		var res pipeline.AnalysisResult
		if err := decodeJSON(raw, &res); err != nil {
			return pipeline.Request{}, err
		}
		req.Result = &res
	}
	return req, nil
}

func encodeResult(res *pipeline.AnalysisResult) ([]byte, error) {
	if res == nil {
		return nil, nil
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return raw, nil
}

func decodeJSON(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}
