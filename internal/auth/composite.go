package auth

import (
	"context"
	"strings"
)

// APIKeyPrefix distinguishes an opaque API key from a JWT session token.
// Session tokens are themselves dot-separated JWTs and never start with
// this prefix.
const APIKeyPrefix = "gwk_"

// CompositeStore implements Store by dispatching on the credential's shape:
// a "gwk_"-prefixed credential is looked up as an API key, anything else is
// verified as a JWT session token.
type CompositeStore struct {
	JWT     *JWTVerifier
	APIKeys APIKeyLookup
}

// NewCompositeStore builds a Store from the two concrete credential forms.
// Either dependency may be nil to disable that credential form.
func NewCompositeStore(jwt *JWTVerifier, apiKeys APIKeyLookup) *CompositeStore {
	return &CompositeStore{JWT: jwt, APIKeys: apiKeys}
}

func (s *CompositeStore) Resolve(ctx context.Context, credential string) (*Principal, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, nil
	}

	if strings.HasPrefix(credential, APIKeyPrefix) {
		if s.APIKeys == nil {
			return nil, nil
		}
		rec, err := s.APIKeys.Lookup(ctx, credential)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, nil
		}
		return rec.toPrincipal(), nil
	}

	if s.JWT == nil {
		return nil, nil
	}
	p, err := s.JWT.ValidateAndResolve(ctx, credential)
	if err != nil {
		return nil, nil
	}
	return p, nil
}

// ParseBearerToken extracts the credential from an "Authorization: Bearer
// <token>" header value. Returns "" if the header is malformed or absent.
func ParseBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) <= len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}
