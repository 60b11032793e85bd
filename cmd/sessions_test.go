package cmd

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/orbiterhq/orbiter/internal/config"
	"github.com/orbiterhq/orbiter/internal/sessions"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Sessions.Storage = filepath.Join(t.TempDir(), "sessions")
	return cfg
}

func TestOpenStores_LoadsSeededSessionEntries(t *testing.T) {
	cfg := testConfig(t)
	stores, err := openStores(cfg)
	if err != nil {
		t.Fatalf("openStores: %v", err)
	}

	seeded := []*sessions.SessionEntry{
		{
			SessionKey:  "telegram:123",
			SessionID:   "sess-1",
			Channel:     "telegram",
			ChatType:    sessions.ChatDirect,
			DisplayName: "Ada",
			CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	}
	if err := stores.Sessions.SaveSessions(seeded); err != nil {
		t.Fatalf("SaveSessions: %v", err)
	}

	entries, err := stores.Sessions.LoadSessions()
	if err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	if len(entries) != 1 || entries[0].SessionKey != "telegram:123" {
		t.Fatalf("LoadSessions() = %+v, want the single seeded entry back", entries)
	}
}

func TestOpenStores_EmptyDirHasNoEntries(t *testing.T) {
	cfg := testConfig(t)
	stores, err := openStores(cfg)
	if err != nil {
		t.Fatalf("openStores: %v", err)
	}

	entries, err := stores.Sessions.LoadSessions()
	if err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("LoadSessions() on a fresh store = %+v, want empty", entries)
	}
}

func TestOpenStores_DefaultsToFileBackend(t *testing.T) {
	cfg := testConfig(t)
	if cfg.IsManagedMode() {
		t.Fatal("zero-value config should not be managed mode")
	}
	if _, err := openStores(cfg); err != nil {
		t.Fatalf("openStores: %v", err)
	}
}
