package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestStaticAPIKeys_Lookup(t *testing.T) {
	keys := NewStaticAPIKeys(map[string]APIKeyRecord{
		"gwk_a": {ID: "key-1", ScopeID: "team-a", CallerID: "svc-1"},
	})

	rec, err := keys.Lookup(context.Background(), "gwk_a")
	if err != nil || rec == nil || rec.ScopeID != "team-a" {
		t.Errorf("unexpected lookup result: %+v (err %v)", rec, err)
	}

	rec, err = keys.Lookup(context.Background(), "gwk_unknown")
	if err != nil || rec != nil {
		t.Errorf("unknown keys must return (nil, nil), got %+v (err %v)", rec, err)
	}
}

func TestLoadAPIKeysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	content := `api_keys:
  - key: gwk_full
    id: key-1
    scope_id: team-a
    caller_id: svc-1
    allowed_endpoints: [forecast]
    allowed_ips: ["10.0.0.0/8"]
    max_request_size: 1048576
  - key: gwk_min
    scope_id: "personal:user-7"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	keys, err := LoadAPIKeysYAML(path)
	if err != nil {
		t.Fatal(err)
	}
	if keys.Len() != 2 {
		t.Fatalf("expected 2 keys, got %d", keys.Len())
	}

	rec, _ := keys.Lookup(context.Background(), "gwk_full")
	if rec == nil || rec.MaxRequestSize != 1048576 || len(rec.AllowedEndpoints) != 1 || len(rec.AllowedIPs) != 1 {
		t.Errorf("unexpected record: %+v", rec)
	}

	rec, _ = keys.Lookup(context.Background(), "gwk_min")
	if rec == nil || rec.ScopeID != "personal:user-7" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestLoadAPIKeysYAML_MissingScope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	if err := os.WriteFile(path, []byte("api_keys:\n  - key: gwk_x\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadAPIKeysYAML(path); err == nil {
		t.Error("expected an error for a key without scope_id")
	}
}
