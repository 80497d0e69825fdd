package sentryz

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Queue errors.
var (
	ErrQueueFull = errors.New("delivery queue full")
	ErrHubClosed = errors.New("hub closed")
)

// DefaultQueueSize is the queue capacity used when Options.QueueSize is 0.
const DefaultQueueSize = 100

// queueItem is either a payload or a flush marker.
type queueItem struct {
	flushed chan struct{}
	payload Payload
}

// queue is the FIFO between producers and the worker.
// Push never blocks: a full queue drops the payload.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type queue struct {
	items        chan queueItem
	droppedCount atomic.Int64
	mu           sync.RWMutex // Guards items against send after close.
	closed       bool
}

func newQueue(size int) *queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &queue{items: make(chan queueItem, size)}
}

// push enqueues a payload without blocking.
func (q *queue) push(p Payload) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.droppedCount.Add(1)
		return ErrHubClosed
	}

	select {
	case q.items <- queueItem{payload: p}:
		return nil
	default:
		q.droppedCount.Add(1)
		return ErrQueueFull
	}
}

// pushFlush enqueues a flush marker, waiting for room until the deadline.
// The returned channel is closed once the worker reaches the marker.
func (q *queue) pushFlush(deadline <-chan time.Time) (<-chan struct{}, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrHubClosed
	}

	flushed := make(chan struct{})
	select {
	case q.items <- queueItem{flushed: flushed}:
		return flushed, nil
	case <-deadline:
		return nil, ErrQueueFull
	}
}

// close stops accepting payloads. The worker drains what is left.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.items)
}

// len returns the number of queued items.
func (q *queue) len() int {
	return len(q.items)
}

// dropped returns the number of payloads rejected since creation.
func (q *queue) dropped() int64 {
	return q.droppedCount.Load()
}
