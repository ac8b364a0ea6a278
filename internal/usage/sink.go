package usage

import (
	"context"
	"log/slog"
)

// Sink durably persists a batch of usage records. WriteBatch must be
// idempotent per batch: the Buffer retries a failed batch exactly once.
type Sink interface {
	WriteBatch(ctx context.Context, records []Record) error
}

// StdoutSink logs each record as a structured slog line: the
// zero-dependency fallback when no durable sink is configured.
type StdoutSink struct {
	log *slog.Logger
}

// NewStdoutSink builds a StdoutSink. A nil logger falls back to slog.Default().
func NewStdoutSink(log *slog.Logger) *StdoutSink {
	if log == nil {
		log = slog.Default()
	}
	return &StdoutSink{log: log}
}

func (s *StdoutSink) WriteBatch(ctx context.Context, records []Record) error {
	for _, r := range records {
		s.log.InfoContext(ctx, "usage_record",
			slog.String("scope_id", r.ScopeID),
			slog.String("connector_id", r.ConnectorID),
			slog.String("endpoint", r.EndpointName),
			slog.String("caller_type", string(r.CallerType)),
			slog.String("caller_id", r.CallerID),
			slog.String("method", r.Method),
			slog.String("path", r.Path),
			slog.Int("status", r.StatusCode),
			slog.Int64("latency_ms", r.LatencyMs),
			slog.Int64("upstream_latency_ms", r.UpstreamLatencyMs),
			slog.Int64("request_bytes", r.RequestBytes),
			slog.Int64("response_bytes", r.ResponseBytes),
			slog.Bool("cached", r.Cached),
			slog.String("error", r.Error),
			slog.String("region", r.Region),
			slog.Time("timestamp", r.Timestamp),
		)
	}
	return nil
}
