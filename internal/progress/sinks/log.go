package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

// LogSink writes each status event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs every event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []pipeline.StatusEvent) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("request_id", evt.RequestID),
			zap.String("url", evt.URL),
			zap.String("status", string(evt.Status)),
			zap.Time("at", evt.Timestamp),
		}
		if evt.Detail != "" {
			fields = append(fields, zap.String("detail", evt.Detail))
		}
		if evt.Result != nil {
			fields = append(fields, zap.Float64("overall_score", evt.Result.OverallScore))
		}
		s.logger.Info("status event", fields...)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
