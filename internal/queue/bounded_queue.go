// Package queue implements the fixed-capacity buffer that decouples
// producers from destination I/O.
//
// Producers never block here: the overflow policy prefers bounded
// staleness over bounded loss. A full queue drops its oldest
// non-critical item to make room, counts the drop, and keeps going; a
// critical item that cannot fit is routed to the sync fallback path by
// the caller instead of being dropped or queued behind a stall.
package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"layerlog/internal/metrics"
	"layerlog/pkg/types"

	"github.com/sirupsen/logrus"
)

// EnqueueResult tells the producer-facing API what happened to an
// item.
type EnqueueResult int

const (
	// Enqueued means the item is buffered (possibly after displacing
	// an older non-critical item).
	Enqueued EnqueueResult = iota

	// RouteFallback means the queue is saturated and the item is
	// critical: the caller must write it through the sync fallback
	// path instead.
	RouteFallback

	// DroppedIncoming means the queue is saturated entirely with
	// critical items and the incoming non-critical item was dropped.
	DroppedIncoming

	// Closed means the pipeline is draining and no longer accepts
	// items.
	Closed
)

// dropLogSampling: log the first drop, then one in every N.
const dropLogSampling = 100

// BoundedQueue is a multi-producer, multi-consumer FIFO with a fixed
// capacity set at construction. DequeueBatch is the only blocking
// operation it exposes.
type BoundedQueue struct {
	mu       sync.Mutex
	items    []types.QueueItem
	head     int
	capacity int
	closed   bool

	signal   chan struct{}
	closedCh chan struct{}

	dropped atomic.Int64
	logger  *logrus.Logger
}

// New creates a queue with the given fixed capacity.
func New(capacity int, logger *logrus.Logger) *BoundedQueue {
	if capacity <= 0 {
		capacity = 10000
	}
	return &BoundedQueue{
		items:    make([]types.QueueItem, 0, capacity),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
		logger:   logger,
	}
}

// Enqueue offers an item to the queue without ever blocking the
// caller. See EnqueueResult for the possible outcomes.
func (q *BoundedQueue) Enqueue(item types.QueueItem) EnqueueResult {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return Closed
	}

	if q.size() >= q.capacity {
		if item.Critical {
			q.mu.Unlock()
			return RouteFallback
		}
		displaced, ok := q.dropOldestNonCritical()
		if !ok {
			q.mu.Unlock()
			q.countDrop(item, "incoming")
			return DroppedIncoming
		}
		q.items = append(q.items, item)
		size := q.size()
		q.mu.Unlock()

		q.countDrop(displaced, "oldest")
		q.publishSize(size)
		q.wake()
		return Enqueued
	}

	q.items = append(q.items, item)
	size := q.size()
	q.mu.Unlock()

	q.publishSize(size)
	q.wake()
	return Enqueued
}

// DequeueBatch blocks until max items are collected or maxWait
// elapses, whichever happens first, and returns what it has (possibly
// nothing). This is the batcher's count-or-time window.
func (q *BoundedQueue) DequeueBatch(max int, maxWait time.Duration) []types.QueueItem {
	if max <= 0 {
		return nil
	}

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()

	var batch []types.QueueItem
	for {
		q.mu.Lock()
		for len(batch) < max && q.size() > 0 {
			batch = append(batch, q.popFront())
		}
		size := q.size()
		closed := q.closed
		q.mu.Unlock()

		q.publishSize(size)

		if len(batch) >= max || (closed && size == 0) {
			return batch
		}

		select {
		case <-q.signal:
		case <-q.closedCh:
			// One more pass to pick up anything racing the close.
		case <-deadline.C:
			return batch
		}
	}
}

// Close marks the queue as draining: further enqueues are rejected,
// buffered items remain dequeueable.
func (q *BoundedQueue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.closedCh)
	}
	q.mu.Unlock()
}

// IsClosed reports whether Close has been called.
func (q *BoundedQueue) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the current number of buffered items.
func (q *BoundedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size()
}

// Capacity returns the fixed capacity.
func (q *BoundedQueue) Capacity() int {
	return q.capacity
}

// Dropped returns the total number of items dropped on overflow.
func (q *BoundedQueue) Dropped() int64 {
	return q.dropped.Load()
}

// size and popFront assume q.mu is held.
func (q *BoundedQueue) size() int {
	return len(q.items) - q.head
}

func (q *BoundedQueue) popFront() types.QueueItem {
	item := q.items[q.head]
	q.items[q.head] = types.QueueItem{}
	q.head++
	if q.head > q.capacity/2 && q.head*2 >= len(q.items) {
		q.items = append(q.items[:0], q.items[q.head:]...)
		q.head = 0
	}
	return item
}

// dropOldestNonCritical removes and returns the oldest item not
// marked critical. Returns false when every buffered item is critical.
func (q *BoundedQueue) dropOldestNonCritical() (types.QueueItem, bool) {
	for i := q.head; i < len(q.items); i++ {
		if q.items[i].Critical {
			continue
		}
		displaced := q.items[i]
		copy(q.items[i:], q.items[i+1:])
		q.items = q.items[:len(q.items)-1]
		return displaced, true
	}
	return types.QueueItem{}, false
}

// countDrop records one overflow drop. victim names which item lost:
// "oldest" for a displaced buffered item, "incoming" when the new item
// itself was refused.
func (q *BoundedQueue) countDrop(item types.QueueItem, victim string) {
	n := q.dropped.Add(1)
	metrics.RecordDrop("overflow")
	if n == 1 || n%dropLogSampling == 0 {
		q.logger.WithFields(logrus.Fields{
			"dropped_total": n,
			"victim":        victim,
			"layer":         item.Record.Layer,
			"capacity":      q.capacity,
		}).Warn("Queue overflow, non-critical item dropped")
	}
}

func (q *BoundedQueue) publishSize(size int) {
	metrics.QueueSize.Set(float64(size))
	metrics.QueueUtilization.Set(float64(size) / float64(q.capacity))
}

func (q *BoundedQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
