package pipeline

import (
	"context"
	"sync"
)

// Tracker counts items that left the queue but whose dispatch cycle is
// still running. Flush waits on it to know the async path is quiet.
type Tracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

// NewTracker starts idle.
func NewTracker() *Tracker {
	idle := make(chan struct{})
	close(idle)
	return &Tracker{idle: idle}
}

// Begin adds n in-flight items.
func (t *Tracker) Begin(n int) {
	t.mu.Lock()
	if t.n == 0 {
		t.idle = make(chan struct{})
	}
	t.n += n
	t.mu.Unlock()
}

// End retires n in-flight items.
func (t *Tracker) End(n int) {
	t.mu.Lock()
	t.n -= n
	if t.n < 0 {
		t.n = 0
	}
	if t.n == 0 {
		close(t.idle)
	}
	t.mu.Unlock()
}

// InFlight returns the current count.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

// WaitIdle blocks until the count reaches zero or ctx expires. It
// returns false on deadline.
func (t *Tracker) WaitIdle(ctx context.Context) bool {
	for {
		t.mu.Lock()
		idle := t.idle
		n := t.n
		t.mu.Unlock()

		if n == 0 {
			return true
		}
		select {
		case <-idle:
			// Re-check: new work may have begun immediately after.
		case <-ctx.Done():
			return false
		}
	}
}
