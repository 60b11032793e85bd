package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher_ReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"channels":{"telegram":{"allow_from":["111"]}}}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	stop := make(chan struct{})
	defer close(stop)
	reloaded := make(chan *Config, 1)
	go w.Watch(stop, func(cfg *Config) { reloaded <- cfg })

	time.Sleep(50 * time.Millisecond) // let the fsnotify goroutine start watching
	if err := os.WriteFile(path, []byte(`{"channels":{"telegram":{"allow_from":["222"]}}}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if got := []string(cfg.Channels.Telegram.AllowFrom); len(got) != 1 || got[0] != "222" {
			t.Fatalf("reloaded config allow_from = %v, want [222]", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}

func TestWatcher_SkipsMalformedReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"channels":{"telegram":{"allow_from":["111"]}}}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	stop := make(chan struct{})
	defer close(stop)
	reloaded := make(chan *Config, 1)
	go w.Watch(stop, func(cfg *Config) { reloaded <- cfg })

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{not valid json`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case cfg := <-reloaded:
		t.Fatalf("expected malformed reload to be skipped, got %+v", cfg)
	case <-time.After(500 * time.Millisecond):
		// No callback fired for the malformed write — correct behavior.
	}
}

func TestWatcher_IgnoresOtherFilesInDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	stop := make(chan struct{})
	defer close(stop)
	reloaded := make(chan *Config, 1)
	go w.Watch(stop, func(cfg *Config) { reloaded <- cfg })

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("noise"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case cfg := <-reloaded:
		t.Fatalf("expected unrelated file write not to trigger a reload, got %+v", cfg)
	case <-time.After(500 * time.Millisecond):
		// Correct: the watcher only reacts to the config file's own basename.
	}
}
