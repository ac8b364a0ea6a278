package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// failingStore always errors, for asserting the never-fail contract.
type failingStore struct{}

func (failingStore) Get(context.Context, string, string) ([]byte, error) {
	return nil, errors.New("store down")
}

func TestResolve_CallerScope(t *testing.T) {
	store := NewMemoryStore()
	store.Put("team-a", "ref-1", "value-1")

	got := Resolve(context.Background(), store, Request{
		ScopeID:    "team-a",
		SecretRefs: map[string]string{"api_key": "ref-1"},
	})

	if got["api_key"] != "value-1" {
		t.Errorf("expected resolved secret, got %v", got)
	}
}

func TestResolve_PublicConnectorUsesOwnerScope(t *testing.T) {
	store := NewMemoryStore()
	store.Put("personal:user-7", "ref-1", "owner-value")
	store.Put("team-a", "ref-1", "caller-value")

	got := Resolve(context.Background(), store, Request{
		ScopeID:     "team-a",
		SecretRefs:  map[string]string{"api_key": "ref-1"},
		Public:      true,
		OwnerUserID: "user-7",
	})

	if got["api_key"] != "owner-value" {
		t.Errorf("public connector secrets must resolve in the owner's scope, got %v", got)
	}
}

func TestResolve_PrivateConnectorIgnoresOwnerRule(t *testing.T) {
	store := NewMemoryStore()
	store.Put("team-a", "ref-1", "caller-value")

	got := Resolve(context.Background(), store, Request{
		ScopeID:     "team-a",
		SecretRefs:  map[string]string{"api_key": "ref-1"},
		Public:      false,
		OwnerUserID: "user-7",
	})

	if got["api_key"] != "caller-value" {
		t.Errorf("private connector secrets resolve in the caller's scope, got %v", got)
	}
}

func TestResolve_MissingAliasOmitted(t *testing.T) {
	store := NewMemoryStore()
	store.Put("team-a", "ref-1", "value-1")

	got := Resolve(context.Background(), store, Request{
		ScopeID: "team-a",
		SecretRefs: map[string]string{
			"present": "ref-1",
			"absent":  "ref-nope",
		},
	})

	if len(got) != 1 || got["present"] != "value-1" {
		t.Errorf("missing references must be omitted, not fail: %v", got)
	}
}

func TestResolve_StoreErrorNeverFails(t *testing.T) {
	got := Resolve(context.Background(), failingStore{}, Request{
		ScopeID:    "team-a",
		SecretRefs: map[string]string{"api_key": "ref-1"},
	})
	if len(got) != 0 {
		t.Errorf("store errors must yield an empty map, got %v", got)
	}
}

func TestResolve_NilStore(t *testing.T) {
	got := Resolve(context.Background(), nil, Request{
		ScopeID:    "team-a",
		SecretRefs: map[string]string{"api_key": "ref-1"},
	})
	if got == nil || len(got) != 0 {
		t.Errorf("nil store must yield an empty, non-nil map, got %v", got)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	content := `secrets:
  - scope_id: team-a
    reference: ref-weather
    value: s3cr3t
  - scope_id: "personal:user-7"
    reference: ref-llm
    value: tok-1
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	store := NewMemoryStore()
	if err := LoadYAMLFile(store, path); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 2 {
		t.Fatalf("expected 2 secrets, got %d", store.Len())
	}

	v, err := store.Get(context.Background(), "personal:user-7", "ref-llm")
	if err != nil || string(v) != "tok-1" {
		t.Errorf("unexpected value %q (err %v)", v, err)
	}
}

func TestLoadYAMLFile_MissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	if err := os.WriteFile(path, []byte("secrets:\n  - reference: ref-1\n    value: x\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := LoadYAMLFile(NewMemoryStore(), path); err == nil {
		t.Error("expected an error for a secret without scope_id")
	}
}
