package socket

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/harveyfullstack/relay-pty/internal/queue"
)

func TestSocketServerClient(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "test.sock")

	q := queue.New(10, time.Minute, time.Minute)
	srv := &Server{SocketPath: socketPath, Queue: q}

	go srv.Run()
	defer srv.Close()

	// Give the listener a moment to bind.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if srv.listener != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	client := &Client{SocketPath: socketPath}
	resp, err := client.Inject("test-123", "Alice", "Hello!", 0)
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	if resp.Type != "inject_result" {
		t.Fatalf("expected inject_result, got %+v", resp)
	}
}

func TestSocketStatusRequest(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "test.sock")

	q := queue.New(10, time.Minute, time.Minute)
	srv := &Server{
		SocketPath: socketPath,
		Queue:      q,
		Status: func() StatusInfo {
			return StatusInfo{AgentIdle: true, QueueLength: 3, LastOutputMS: 42}
		},
	}

	go srv.Run()
	defer srv.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if srv.listener != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	client := &Client{SocketPath: socketPath}
	resp, err := client.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if resp.Type != "status" || !resp.AgentIdle || resp.QueueLength != 3 {
		t.Errorf("unexpected status response: %+v", resp)
	}
}
