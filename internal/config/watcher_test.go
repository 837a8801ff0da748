package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "server:\n  log_level: info\n")

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Server.LogLevel; got != LogInfo {
		t.Errorf("log level = %s, want info", got)
	}
}

func TestWatcher_InitialLoadFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "server:\n  log_level: shouty\n")

	if _, err := NewWatcher(path, nil); err == nil {
		t.Fatal("invalid initial config accepted")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "server:\n  log_level: info\n")

	var mu sync.Mutex
	var gotOld, gotNew *Config
	onChange := func(old, new *Config) {
		mu.Lock()
		defer mu.Unlock()
		gotOld, gotNew = old, new
	}

	w, err := NewWatcher(path, onChange, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	// Backdate the mtime so the rewrite below always looks newer.
	past := time.Now().Add(-time.Minute)
	os.Chtimes(path, past, past)
	time.Sleep(30 * time.Millisecond)

	writeConfig(t, path, "server:\n  log_level: warn\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := gotNew != nil
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotNew == nil {
		t.Fatal("change never detected")
	}
	if gotOld.Server.LogLevel != LogInfo || gotNew.Server.LogLevel != LogWarn {
		t.Errorf("old = %s, new = %s", gotOld.Server.LogLevel, gotNew.Server.LogLevel)
	}
	if w.Current().Server.LogLevel != LogWarn {
		t.Errorf("Current = %s, want warn", w.Current().Server.LogLevel)
	}
}

func TestWatcher_KeepsOldConfigOnInvalidRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "server:\n  log_level: info\n")

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	past := time.Now().Add(-time.Minute)
	os.Chtimes(path, past, past)
	writeConfig(t, path, "server:\n  log_level: {broken\n")

	time.Sleep(100 * time.Millisecond)
	if got := w.Current().Server.LogLevel; got != LogInfo {
		t.Errorf("log level = %s, want info preserved", got)
	}
}
