package usage

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

// ClickHouseSink batches usage records into a single INSERT per flush. The
// append-only usage log is exactly the kind of high-volume analytical write
// this driver is built for.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// NewClickHouseSink parses dsn and opens a connection. table defaults to
// "usage_records".
func NewClickHouseSink(dsn, table string) (*ClickHouseSink, error) {
	if table == "" {
		table = "usage_records"
	}
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("usage: invalid clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("usage: failed to open clickhouse connection: %w", err)
	}
	return &ClickHouseSink{conn: conn, table: table}, nil
}

func (s *ClickHouseSink) WriteBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf(
		`INSERT INTO %s (
			id, scope_id, connector_id, endpoint_name, api_key_id, caller_type,
			caller_id, method, path, status_code, latency_ms, upstream_latency_ms,
			request_bytes, response_bytes, cached, error, region, timestamp
		)`, s.table))
	if err != nil {
		return fmt.Errorf("usage: prepare batch: %w", err)
	}

	for _, r := range records {
		if err := batch.Append(
			uuid.New(),
			r.ScopeID,
			r.ConnectorID,
			r.EndpointName,
			r.APIKeyID,
			string(r.CallerType),
			r.CallerID,
			r.Method,
			r.Path,
			uint16(r.StatusCode),
			r.LatencyMs,
			r.UpstreamLatencyMs,
			r.RequestBytes,
			r.ResponseBytes,
			r.Cached,
			r.Error,
			r.Region,
			r.Timestamp,
		); err != nil {
			return fmt.Errorf("usage: append row: %w", err)
		}
	}

	return batch.Send()
}

// Close releases the underlying connection.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
