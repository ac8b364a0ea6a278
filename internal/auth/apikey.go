package auth

import "context"

// APIKeyRecord is what an API-key lookup returns for a valid key.
type APIKeyRecord struct {
	ID               string
	ScopeID          string
	CallerID         string
	AllowedEndpoints []string
	AllowedIPs       []string
	MaxRequestSize   int64
}

// APIKeyLookup resolves an opaque API key to its record. A nil record with a
// nil error means the key is unknown or revoked.
type APIKeyLookup interface {
	Lookup(ctx context.Context, key string) (*APIKeyRecord, error)
}

func (r *APIKeyRecord) toPrincipal() *Principal {
	return &Principal{
		CallerType:       CallerTypeAPIKey,
		CallerID:         r.CallerID,
		ScopeID:          r.ScopeID,
		APIKeyID:         r.ID,
		AllowedEndpoints: r.AllowedEndpoints,
		AllowedIPs:       r.AllowedIPs,
		MaxRequestSize:   r.MaxRequestSize,
	}
}
