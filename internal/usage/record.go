// Package usage implements the gateway's non-blocking, batched usage-record
// writer: a bounded channel drained by a single background task that
// flushes to a pluggable UsageSink.
package usage

import "time"

// CallerType mirrors auth.CallerType without importing internal/auth, so
// this package's only dependency direction is inward from the executor.
type CallerType string

const (
	CallerUser   CallerType = "user"
	CallerAPIKey CallerType = "apiKey"
)

// Record is one append-only usage datum, enqueued by the executor after
// response emission.
type Record struct {
	ScopeID      string
	ConnectorID  string
	EndpointName string
	APIKeyID     string
	CallerType   CallerType
	CallerID     string

	Method string
	Path   string

	StatusCode        int
	LatencyMs         int64
	UpstreamLatencyMs int64
	RequestBytes      int64
	ResponseBytes     int64
	Cached            bool
	Error             string
	Region            string

	Timestamp time.Time
}
