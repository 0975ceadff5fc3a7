package config

import (
	"path/filepath"
	"testing"
)

func TestBudgetForFallback(t *testing.T) {
	c := NewDefault()
	c.Budget["alice@example.com"] = BudgetPolicy{Limit: 10, Days: 7}
	c.Budget["@example.com"] = BudgetPolicy{Limit: 5, Days: 30}
	c.Budget["*"] = BudgetPolicy{Limit: 1, Days: 1}

	cases := []struct {
		email string
		want  BudgetPolicy
	}{
		{"alice@example.com", BudgetPolicy{Limit: 10, Days: 7}},
		{"bob@example.com", BudgetPolicy{Limit: 5, Days: 30}},
		{"bob@other.com", BudgetPolicy{Limit: 1, Days: 1}},
	}
	for _, tc := range cases {
		got := c.BudgetFor(tc.email)
		if got != tc.want {
			t.Errorf("BudgetFor(%q) = %+v, want %+v", tc.email, got, tc.want)
		}
	}
}

func TestBudgetForDefaultWhenNoWildcard(t *testing.T) {
	c := NewDefault()
	got := c.BudgetFor("nobody@nowhere.com")
	want := BudgetPolicy{Limit: 0, Days: 1}
	if got != want {
		t.Errorf("BudgetFor default = %+v, want %+v", got, want)
	}
}

func TestIsAdmin(t *testing.T) {
	c := NewDefault()
	c.AdminEmails = []string{"admin@example.com"}
	if !c.IsAdmin("Admin@Example.com") {
		t.Errorf("expected case-insensitive admin match")
	}
	if c.IsAdmin("user@example.com") {
		t.Errorf("expected non-admin to not match")
	}
}

func TestStoreUpdateSnapshotIsolated(t *testing.T) {
	cfg := NewDefault()
	store := NewStore("", cfg)
	snap := store.Snapshot()
	if err := store.Update(func(c *Config) error {
		c.Salt["alice@example.com"] = "v2"
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, ok := snap.Salt["alice@example.com"]; ok {
		t.Errorf("snapshot taken before Update must not observe the mutation")
	}
	after := store.Snapshot()
	if after.Salt["alice@example.com"] != "v2" {
		t.Errorf("expected mutation to be visible after Update")
	}
}

func TestLoadOrCreateGeneratesSetupPasswordOnFirstRun(t *testing.T) {
	t.Setenv("AIPIPE_SECRET", "test-secret")
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if cfg.AdminSetupPasswordHash == "" {
		t.Fatal("expected a generated admin setup password hash")
	}

	reloaded, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.AdminSetupPasswordHash != cfg.AdminSetupPasswordHash {
		t.Error("expected the same hash to persist across reloads, not regenerate")
	}
}

func TestVerifySetupPassword(t *testing.T) {
	t.Setenv("AIPIPE_SECRET", "test-secret")
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if cfg.VerifySetupPassword("definitely-wrong") {
		t.Error("wrong password must not verify")
	}
	if cfg.VerifySetupPassword("") {
		t.Error("empty password must not verify")
	}
}
