// Package handlers contains the destination handler implementations:
// file, console, Kafka and HTTP push. All of them satisfy
// types.DestinationHandler; the dispatcher never sees a concrete type.
package handlers

import (
	"sync"
	"time"

	"layerlog/pkg/types"
)

// healthProbeInterval is how long a handler reports unhealthy before
// offering itself for another attempt.
const healthProbeInterval = 15 * time.Second

// healthTracker counts consecutive write failures. After the threshold
// the handler reports unhealthy until the probe interval elapses; any
// success clears the streak.
type healthTracker struct {
	mu          sync.Mutex
	threshold   int
	consecutive int
	downUntil   time.Time
}

func newHealthTracker(threshold int) *healthTracker {
	if threshold <= 0 {
		threshold = 5
	}
	return &healthTracker{threshold: threshold}
}

func (h *healthTracker) ok() {
	h.mu.Lock()
	h.consecutive = 0
	h.downUntil = time.Time{}
	h.mu.Unlock()
}

func (h *healthTracker) fail() {
	h.mu.Lock()
	h.consecutive++
	if h.consecutive >= h.threshold {
		h.downUntil = time.Now().Add(healthProbeInterval)
	}
	h.mu.Unlock()
}

func (h *healthTracker) healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.consecutive < h.threshold {
		return true
	}
	return !time.Now().Before(h.downUntil)
}

// failAll builds an outcome where every item of the batch failed for
// the same reason.
func failAll(handler string, batch *types.Batch, reason string) types.HandlerOutcome {
	out := types.HandlerOutcome{Handler: handler}
	for _, item := range batch.Items {
		out.Failed = append(out.Failed, types.ItemFailure{Seq: item.Record.Seq, Reason: reason})
	}
	return out
}
