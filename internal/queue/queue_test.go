package queue

import (
	"testing"
	"time"

	"github.com/harveyfullstack/relay-pty/internal/relaypty"
)

func msgWithPriority(id string, priority int32) relaypty.QueuedMessage {
	m := relaypty.NewQueuedMessage(id, "dashboard", "body", priority)
	return m
}

func TestPriorityOrdering(t *testing.T) {
	q := New(10, time.Minute, time.Minute)

	a := msgWithPriority("a", 10)
	time.Sleep(time.Millisecond)
	b := msgWithPriority("b", 1)
	time.Sleep(time.Millisecond)
	c := msgWithPriority("c", 5)

	if !q.Enqueue(a) || !q.Enqueue(b) || !q.Enqueue(c) {
		t.Fatal("expected all three to enqueue")
	}

	order := []string{"b", "c", "a"}
	for _, want := range order {
		got, ok := q.Dequeue()
		if !ok {
			t.Fatalf("expected a message, queue empty")
		}
		if got.ID != want {
			t.Errorf("dequeue order: got %q, want %q", got.ID, want)
		}
	}
}

func TestDeduplication(t *testing.T) {
	q := New(10, time.Minute, time.Minute)

	first := relaypty.NewQueuedMessage("dup", "dashboard", "first", 1)
	second := relaypty.NewQueuedMessage("dup", "dashboard", "second", 1)

	if !q.Enqueue(first) {
		t.Fatal("expected first enqueue to succeed")
	}
	if q.Enqueue(second) {
		t.Fatal("expected duplicate id to be rejected")
	}
	if q.Len() != 1 {
		t.Fatalf("expected queue length 1, got %d", q.Len())
	}
}

func TestBackpressure(t *testing.T) {
	q := New(2, time.Minute, time.Minute)

	if !q.Enqueue(relaypty.NewQueuedMessage("a", "dashboard", "a", 1)) {
		t.Fatal("expected first enqueue to succeed")
	}
	if !q.Enqueue(relaypty.NewQueuedMessage("b", "dashboard", "b", 1)) {
		t.Fatal("expected second enqueue to succeed")
	}
	if q.Enqueue(relaypty.NewQueuedMessage("c", "dashboard", "c", 1)) {
		t.Fatal("expected third enqueue to be rejected under backpressure")
	}
	if q.Len() != 2 {
		t.Fatalf("expected queue length 2, got %d", q.Len())
	}
}

func TestBackpressureRecoveryAtHalfCapacity(t *testing.T) {
	q := New(4, time.Minute, time.Minute)
	sub := q.Subscribe()

	for _, id := range []string{"a", "b", "c", "d"} {
		q.Enqueue(relaypty.NewQueuedMessage(id, "dashboard", id, 1))
	}

	// Drain the four queued acks before looking for backpressure events.
	for i := 0; i < 4; i++ {
		<-sub
	}

	q.Dequeue()
	q.Dequeue() // queue now at max/2 == 2

	select {
	case resp := <-sub:
		if resp.Type != "backpressure" || !resp.Accept {
			t.Fatalf("expected recovery backpressure event, got %+v", resp)
		}
	default:
		t.Fatal("expected a backpressure recovery broadcast after dequeue")
	}
}

func TestWaitAndDequeueUnblocksOnEnqueue(t *testing.T) {
	q := New(10, time.Minute, time.Minute)
	done := make(chan relaypty.QueuedMessage, 1)

	go func() {
		done <- q.WaitAndDequeue()
	}()

	time.Sleep(10 * time.Millisecond)
	q.Enqueue(relaypty.NewQueuedMessage("x", "dashboard", "x", 1))

	select {
	case got := <-done:
		if got.ID != "x" {
			t.Errorf("got id %q, want x", got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitAndDequeue did not unblock")
	}
}

func TestSweepGatedByCleanupIntervalNotTTL(t *testing.T) {
	// seenTTL is short (entries are immediately eligible) but cleanupInterval
	// is long, so the sweep must not run on the second Enqueue call even
	// though "a" is past its TTL by then.
	q := New(10, time.Millisecond, time.Hour)
	q.Enqueue(relaypty.NewQueuedMessage("a", "dashboard", "a", 1))
	time.Sleep(5 * time.Millisecond)

	q.Enqueue(relaypty.NewQueuedMessage("b", "dashboard", "b", 1))

	q.mu.Lock()
	_, stillSeen := q.seen["a"]
	q.mu.Unlock()
	if !stillSeen {
		t.Fatal("expected sweep to be gated by cleanupInterval, not seenTTL")
	}
}

func TestSweepRunsAfterCleanupInterval(t *testing.T) {
	q := New(10, time.Millisecond, time.Millisecond)
	q.Enqueue(relaypty.NewQueuedMessage("a", "dashboard", "a", 1))
	time.Sleep(5 * time.Millisecond)

	// A second Enqueue call triggers the next sweep check.
	q.Enqueue(relaypty.NewQueuedMessage("b", "dashboard", "b", 1))

	q.mu.Lock()
	_, stillSeen := q.seen["a"]
	q.mu.Unlock()
	if stillSeen {
		t.Fatal("expected sweep to evict the TTL-expired entry once cleanupInterval elapsed")
	}
}

func TestReportResultDeliveredFreesID(t *testing.T) {
	q := New(10, time.Minute, time.Minute)
	q.Enqueue(relaypty.NewQueuedMessage("id1", "dashboard", "body", 1))
	q.Dequeue()

	q.ReportResult("id1", relaypty.StatusDelivered, nil)

	if !q.Enqueue(relaypty.NewQueuedMessage("id1", "dashboard", "again", 1)) {
		t.Fatal("expected id to be reusable after delivery")
	}
}
