package outbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestMonitor(t *testing.T, staleTimeout time.Duration) (*Monitor, string) {
	t.Helper()
	dir := t.TempDir()
	m := New(Config{
		AgentName:     "TestAgent",
		OutboxPath:    dir,
		StaleTimeout:  staleTimeout,
		CheckInterval: time.Second,
	})
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, dir
}

func TestDetectStaleFile(t *testing.T) {
	m, dir := newTestMonitor(t, time.Second)

	os.WriteFile(filepath.Join(dir, "test-msg"), []byte("TO: Bob\n\nHello"), 0o644)
	time.Sleep(100 * time.Millisecond)
	m.ProcessEvents()

	if stale := m.CheckStale(); len(stale) != 0 {
		t.Fatalf("expected no stale files yet, got %d", len(stale))
	}

	time.Sleep(2 * time.Second)

	stale := m.CheckStale()
	if len(stale) != 1 {
		t.Fatalf("expected 1 stale file, got %d", len(stale))
	}
	if stale[0].File != "test-msg" || stale[0].Agent != "TestAgent" {
		t.Errorf("unexpected stale event: %+v", stale[0])
	}
	if stale[0].AgeSeconds < 1 {
		t.Errorf("expected age >= 1s, got %d", stale[0].AgeSeconds)
	}

	if stale := m.CheckStale(); len(stale) != 0 {
		t.Error("expected stale event to be emitted only once")
	}
}

func TestFileProcessedRemovesTracking(t *testing.T) {
	m, dir := newTestMonitor(t, time.Second)

	os.WriteFile(filepath.Join(dir, "msg-001"), []byte("TO: Bob\n\nHi"), 0o644)
	time.Sleep(100 * time.Millisecond)
	m.ProcessEvents()

	m.FileProcessed("msg-001")

	time.Sleep(2 * time.Second)
	if stale := m.CheckStale(); len(stale) != 0 {
		t.Errorf("expected no stale events for processed file, got %d", len(stale))
	}
}

func TestDeletedFileNotTracked(t *testing.T) {
	m, dir := newTestMonitor(t, time.Second)

	path := filepath.Join(dir, "ephemeral")
	os.WriteFile(path, []byte("TO: Bob\n\nHi"), 0o644)
	time.Sleep(50 * time.Millisecond)
	os.Remove(path)

	time.Sleep(2 * time.Second)
	if stale := m.CheckStale(); len(stale) != 0 {
		t.Errorf("expected no stale events for deleted file, got %d", len(stale))
	}
}

func TestHiddenFilesIgnored(t *testing.T) {
	m, dir := newTestMonitor(t, time.Second)

	os.WriteFile(filepath.Join(dir, ".hidden"), []byte("should be ignored"), 0o644)
	os.WriteFile(filepath.Join(dir, "something.tmp"), []byte("also ignored"), 0o644)

	time.Sleep(2 * time.Second)
	if stale := m.CheckStale(); len(stale) != 0 {
		t.Errorf("expected hidden/.tmp files to be ignored, got %d stale events", len(stale))
	}
}
