package secrets

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// MemoryStore is an in-process Store seeded at startup. The managed version
// backs this interface with an encrypted secret service; the open-source
// build loads plaintext values from a YAML seed file.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Put stores value under (scopeID, reference).
func (s *MemoryStore) Put(scopeID, reference, value string) {
	s.mu.Lock()
	s.values[scopeID+"\x00"+reference] = value
	s.mu.Unlock()
}

// Get implements Store. Unknown references return (nil, nil).
func (s *MemoryStore) Get(_ context.Context, scopeID, reference string) ([]byte, error) {
	s.mu.RLock()
	v, ok := s.values[scopeID+"\x00"+reference]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return []byte(v), nil
}

// Len returns the number of stored secrets.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

type fileSecret struct {
	ScopeID   string `yaml:"scope_id"`
	Reference string `yaml:"reference"`
	Value     string `yaml:"value"`
}

type secretsFileRoot struct {
	Secrets []fileSecret `yaml:"secrets"`
}

// LoadYAMLFile reads a secret seed file into store. Values are never logged
// here or anywhere downstream.
func LoadYAMLFile(store *MemoryStore, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("secrets: read %s: %w", path, err)
	}

	var root secretsFileRoot
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("secrets: parse %s: %w", path, err)
	}

	for _, fs := range root.Secrets {
		if fs.ScopeID == "" || fs.Reference == "" {
			return fmt.Errorf("secrets: %s: every secret needs scope_id and reference", path)
		}
		store.Put(fs.ScopeID, fs.Reference, fs.Value)
	}

	return nil
}
