package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("web: {port: 1000}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	initial, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path, initial, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()
	w.SetDebounceDelay(20 * time.Millisecond)

	reloaded := make(chan *Config, 4)
	w.Subscribe(func(cfg *Config) { reloaded <- cfg })
	w.Start()

	if err := os.WriteFile(path, []byte("web: {port: 2000}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Web.Port != 2000 {
			t.Errorf("reloaded port = %d, want 2000", cfg.Web.Port)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	if w.Current().Web.Port != 2000 {
		t.Errorf("Current().Web.Port = %d", w.Current().Web.Port)
	}
}

func TestWatcher_IgnoresInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("web: {port: 1000}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	initial, _ := Load(path)

	w, err := NewWatcher(path, initial, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()
	w.SetDebounceDelay(20 * time.Millisecond)

	reloaded := make(chan *Config, 4)
	w.Subscribe(func(cfg *Config) { reloaded <- cfg })
	w.Start()

	if err := os.WriteFile(path, []byte("web: {port: -5}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		t.Fatalf("unexpected reload with port %d", cfg.Web.Port)
	case <-time.After(300 * time.Millisecond):
	}
	if w.Current().Web.Port != 1000 {
		t.Errorf("Current should keep last good config, got port %d", w.Current().Web.Port)
	}
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path, Default(), nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()
	w.SetDebounceDelay(20 * time.Millisecond)

	reloaded := make(chan *Config, 4)
	w.Subscribe(func(cfg *Config) { reloaded <- cfg })
	w.Start()

	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloaded:
		t.Fatal("sibling file change should not trigger a reload")
	case <-time.After(300 * time.Millisecond):
	}
}
