package auth

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StaticAPIKeys is an in-memory APIKeyLookup seeded at startup. The managed
// version resolves keys against the control-plane database; the open-source
// build loads them from a YAML seed file.
type StaticAPIKeys struct {
	keys map[string]APIKeyRecord
}

// NewStaticAPIKeys builds a lookup over a fixed key → record map.
func NewStaticAPIKeys(keys map[string]APIKeyRecord) *StaticAPIKeys {
	m := make(map[string]APIKeyRecord, len(keys))
	for k, v := range keys {
		m[k] = v
	}
	return &StaticAPIKeys{keys: m}
}

// Lookup implements APIKeyLookup. Unknown keys return (nil, nil).
func (s *StaticAPIKeys) Lookup(_ context.Context, key string) (*APIKeyRecord, error) {
	rec, ok := s.keys[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Len returns the number of seeded keys.
func (s *StaticAPIKeys) Len() int { return len(s.keys) }

type fileAPIKey struct {
	Key              string   `yaml:"key"`
	ID               string   `yaml:"id"`
	ScopeID          string   `yaml:"scope_id"`
	CallerID         string   `yaml:"caller_id"`
	AllowedEndpoints []string `yaml:"allowed_endpoints"`
	AllowedIPs       []string `yaml:"allowed_ips"`
	MaxRequestSize   int64    `yaml:"max_request_size"`
}

type apiKeysFileRoot struct {
	APIKeys []fileAPIKey `yaml:"api_keys"`
}

// LoadAPIKeysYAML reads an API-key seed file. The key values themselves are
// the map keys and never leave this package.
func LoadAPIKeysYAML(path string) (*StaticAPIKeys, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: read %s: %w", path, err)
	}

	var root apiKeysFileRoot
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("auth: parse %s: %w", path, err)
	}

	keys := make(map[string]APIKeyRecord, len(root.APIKeys))
	for _, fk := range root.APIKeys {
		if fk.Key == "" || fk.ScopeID == "" {
			return nil, fmt.Errorf("auth: %s: every api key needs key and scope_id", path)
		}
		keys[fk.Key] = APIKeyRecord{
			ID:               fk.ID,
			ScopeID:          fk.ScopeID,
			CallerID:         fk.CallerID,
			AllowedEndpoints: fk.AllowedEndpoints,
			AllowedIPs:       fk.AllowedIPs,
			MaxRequestSize:   fk.MaxRequestSize,
		}
	}

	return NewStaticAPIKeys(keys), nil
}
