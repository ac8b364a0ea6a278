// Package secrets resolves a connector's secretRefs into plaintext values
// usable by the transformer.
package secrets

import "context"

// Store resolves one (scopeID, reference) pair to its plaintext value. A nil
// byte slice with a nil error means the reference does not exist; the
// resolver treats a missing alias as absent rather than failing the request.
type Store interface {
	Get(ctx context.Context, scopeID, reference string) ([]byte, error)
}

// Request bundles what Resolve needs to compose the secrets map for one
// upstream call.
type Request struct {
	ScopeID       string
	SecretRefs    map[string]string
	ConnectorSlug string

	// Public/OwnerUserID implement the "public connector → owner scope"
	// rule: when Public is true and OwnerUserID is non-empty, secrets are
	// looked up in the connector owner's personal scope instead of the
	// caller's own scope.
	Public      bool
	OwnerUserID string
}

// personalScope mirrors auth.PersonalScope without importing internal/auth,
// keeping this package's only dependency direction inward from the executor.
func personalScope(userID string) string {
	return "personal:" + userID
}

// Resolve composes the `secrets` map for req. Aliases whose reference cannot
// be resolved (lookup error or missing value) are simply omitted from the
// result — the transformer decides whether the missing alias makes the
// request unsendable; resolution never fails the whole request.
func Resolve(ctx context.Context, store Store, req Request) map[string]string {
	out := make(map[string]string, len(req.SecretRefs))
	if store == nil {
		return out
	}

	scope := req.ScopeID
	if req.Public && req.OwnerUserID != "" {
		scope = personalScope(req.OwnerUserID)
	}

	for alias, ref := range req.SecretRefs {
		val, err := store.Get(ctx, scope, ref)
		if err != nil || len(val) == 0 {
			continue
		}
		out[alias] = string(val)
	}

	return out
}
