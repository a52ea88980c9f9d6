// Package queue implements the priority-ordered, deduplicated injection
// queue: a min-heap keyed by (priority, queued_at), a TTL'd dedup set, and
// backpressure signaling once the queue reaches capacity.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/harveyfullstack/relay-pty/internal/relaypty"
)

// item wraps a QueuedMessage for heap ordering: lower priority value sorts
// first, ties broken by older QueuedAt.
type item struct {
	msg   relaypty.QueuedMessage
	index int
}

type priorityHeap []*item

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority < h[j].msg.Priority
	}
	return h[i].msg.QueuedAt.Before(h[j].msg.QueuedAt)
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *priorityHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Stats is a point-in-time snapshot of queue occupancy.
type Stats struct {
	QueueLength int
	MaxSize     int
	SeenCount   int
}

// Queue is the priority injection queue described in spec §4.C. The zero
// value is not usable; construct with New.
type Queue struct {
	mu              sync.Mutex
	heap            priorityHeap
	seen            map[string]time.Time
	maxSize         int
	seenTTL         time.Duration
	cleanupInterval time.Duration
	lastCleanup     time.Time

	waitCh chan struct{} // closed-and-replaced to broadcast "something changed"

	subMu sync.Mutex
	subs  []chan relaypty.InjectResponse
}

// New creates a Queue with the given capacity, dedup TTL, and sweep
// cadence. seenTTL is the age a dedup entry must reach before it's
// eligible for eviction; cleanupInterval is how often Enqueue bothers to
// run that sweep (spec §4.C / §3 line 47: these are distinct parameters —
// TTL defaults to 5 min, sweep cadence to 60s).
func New(maxSize int, seenTTL, cleanupInterval time.Duration) *Queue {
	q := &Queue{
		heap:            make(priorityHeap, 0),
		seen:            make(map[string]time.Time),
		maxSize:         maxSize,
		seenTTL:         seenTTL,
		cleanupInterval: cleanupInterval,
		lastCleanup:     time.Now(),
		waitCh:          make(chan struct{}),
	}
	heap.Init(&q.heap)
	return q
}

// Subscribe registers a new broadcast receiver. The returned channel is
// buffered (capacity 64, matching spec §4.C's default backlog) and the
// caller must keep draining it: once the buffer is full, further events for
// that subscriber are dropped without notice, so lag is neither reported to
// the subscriber nor logged.
func (q *Queue) Subscribe() <-chan relaypty.InjectResponse {
	ch := make(chan relaypty.InjectResponse, 64)
	q.subMu.Lock()
	q.subs = append(q.subs, ch)
	q.subMu.Unlock()
	return ch
}

func (q *Queue) broadcast(resp relaypty.InjectResponse) {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	for _, ch := range q.subs {
		select {
		case ch <- resp:
		default:
			// Subscriber lagging; drop silently rather than block the queue.
			// Callers that need guaranteed delivery must drain promptly.
		}
	}
}

func (q *Queue) wake() {
	close(q.waitCh)
	q.waitCh = make(chan struct{})
}

// Enqueue adds msg to the queue. Returns false if id is a duplicate within
// the dedup TTL window or the queue is at capacity; in the latter case a
// Backpressure{accept:false} event is broadcast.
func (q *Queue) Enqueue(msg relaypty.QueuedMessage) bool {
	q.mu.Lock()

	q.sweepLocked()

	if _, dup := q.seen[msg.ID]; dup {
		q.mu.Unlock()
		return false
	}

	if len(q.heap) >= q.maxSize {
		qlen := len(q.heap)
		q.mu.Unlock()
		q.broadcast(relaypty.NewBackpressure(qlen, false))
		return false
	}

	q.seen[msg.ID] = time.Now()
	heap.Push(&q.heap, &item{msg: msg})
	qlen := len(q.heap)
	q.wake()
	q.mu.Unlock()

	q.broadcast(relaypty.NewInjectResult(msg.ID, relaypty.StatusQueued, nil))

	if qlen == q.maxSize/2 {
		q.broadcast(relaypty.NewBackpressure(qlen, true))
	}

	return true
}

// sweepLocked removes dedup entries older than seenTTL, at most once per
// cleanupInterval. Caller must hold q.mu.
func (q *Queue) sweepLocked() {
	if time.Since(q.lastCleanup) < q.cleanupInterval {
		return
	}
	q.lastCleanup = time.Now()
	cutoff := time.Now().Add(-q.seenTTL)
	for id, seenAt := range q.seen {
		if seenAt.Before(cutoff) {
			delete(q.seen, id)
		}
	}
}

// Dequeue removes and returns the highest-priority message, or false if the
// queue is empty. A dequeue that leaves the queue at exactly maxSize/2
// broadcasts Backpressure{accept:true}.
func (q *Queue) Dequeue() (relaypty.QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return relaypty.QueuedMessage{}, false
	}
	it := heap.Pop(&q.heap).(*item)
	if len(q.heap) == q.maxSize/2 {
		q.broadcast(relaypty.NewBackpressure(len(q.heap), true))
	}
	return it.msg, true
}

// WaitAndDequeue blocks until a message is available and returns it; it has
// no cancellation and assumes a single waiter, like Dequeue it broadcasts
// Backpressure{accept:true} when it leaves the queue at maxSize/2. The wakeup channel
// is captured *before* re-checking emptiness on each loop iteration, which
// is what avoids the lost-wakeup race described in spec §9: an Enqueue that
// happens between the empty-check and the wait would otherwise close a
// channel nobody is listening on yet.
func (q *Queue) WaitAndDequeue() relaypty.QueuedMessage {
	for {
		q.mu.Lock()
		wait := q.waitCh
		if len(q.heap) > 0 {
			it := heap.Pop(&q.heap).(*item)
			if len(q.heap) == q.maxSize/2 {
				q.broadcast(relaypty.NewBackpressure(len(q.heap), true))
			}
			q.mu.Unlock()
			return it.msg
		}
		q.mu.Unlock()
		<-wait
	}
}

// Retry re-enqueues msg with an incremented retry count and a refreshed
// QueuedAt, then wakes any waiter.
func (q *Queue) Retry(msg relaypty.QueuedMessage) {
	msg.Retries++
	msg.QueuedAt = time.Now()
	q.mu.Lock()
	heap.Push(&q.heap, &item{msg: msg})
	q.wake()
	q.mu.Unlock()
}

// ReportResult broadcasts a status change for id. On Delivered, the id is
// evicted from the dedup map so it may be reused by a future message.
func (q *Queue) ReportResult(id string, status relaypty.InjectStatus, err error) {
	if status == relaypty.StatusDelivered {
		q.mu.Lock()
		delete(q.seen, id)
		q.mu.Unlock()
	}
	q.broadcast(relaypty.NewInjectResult(id, status, err))
}

// ForgetID evicts id from the dedup map without broadcasting, used by the
// control socket when a Delivered event asks the queue to free the id.
func (q *Queue) ForgetID(id string) {
	q.mu.Lock()
	delete(q.seen, id)
	q.mu.Unlock()
}

// Len returns the current number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Stats returns a point-in-time snapshot of queue occupancy.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{QueueLength: len(q.heap), MaxSize: q.maxSize, SeenCount: len(q.seen)}
}
