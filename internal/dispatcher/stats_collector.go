package dispatcher

import (
	"sync"
	"sync/atomic"
	"time"

	"layerlog/pkg/types"
)

// StatsCollector aggregates pipeline counters. All increments are
// lock-free; only the per-handler maps take the mutex.
type StatsCollector struct {
	enqueued         atomic.Int64
	delivered        atomic.Int64
	dropped          atomic.Int64
	overloadRejected atomic.Int64
	fallbackWrites   atomic.Int64
	retries          atomic.Int64
	abandoned        atomic.Int64
	lastDispatch     atomic.Int64

	mu               sync.RWMutex
	handlerDelivered map[string]int64
	handlerHealth    map[string]bool
}

// NewStatsCollector creates an empty collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{
		handlerDelivered: make(map[string]int64),
		handlerHealth:    make(map[string]bool),
	}
}

// AddEnqueued counts records accepted into the queue.
func (s *StatsCollector) AddEnqueued(n int64) {
	s.enqueued.Add(n)
}

// AddDelivered counts items written by one handler.
func (s *StatsCollector) AddDelivered(handler string, n int64) {
	if n == 0 {
		return
	}
	s.delivered.Add(n)
	s.mu.Lock()
	s.handlerDelivered[handler] += n
	s.mu.Unlock()
}

// AddDropped counts items lost (overflow, overload, terminal).
func (s *StatsCollector) AddDropped(n int64) {
	s.dropped.Add(n)
}

// AddOverloadRejected counts non-critical records rejected while the
// host is over its resource thresholds.
func (s *StatsCollector) AddOverloadRejected(n int64) {
	s.overloadRejected.Add(n)
}

// AddFallbackWrite counts sync fallback path writes.
func (s *StatsCollector) AddFallbackWrite() {
	s.fallbackWrites.Add(1)
}

// AddRetry counts scheduled retry attempts.
func (s *StatsCollector) AddRetry() {
	s.retries.Add(1)
}

// AddAbandoned counts items journaled at the drain deadline.
func (s *StatsCollector) AddAbandoned(n int64) {
	s.abandoned.Add(n)
}

// SetHandlerHealth mirrors the dispatcher's gate decision.
func (s *StatsCollector) SetHandlerHealth(handler string, healthy bool) {
	s.mu.Lock()
	s.handlerHealth[handler] = healthy
	s.mu.Unlock()
}

// MarkDispatch records the time of the latest dispatch cycle.
func (s *StatsCollector) MarkDispatch() {
	s.lastDispatch.Store(time.Now().UnixNano())
}

// Snapshot returns a point-in-time copy. QueueSize, QueueCapacity and
// State belong to the pipeline and are filled in by the caller.
func (s *StatsCollector) Snapshot() types.PipelineStats {
	stats := types.PipelineStats{
		Enqueued:         s.enqueued.Load(),
		Delivered:        s.delivered.Load(),
		Dropped:          s.dropped.Load(),
		OverloadRejected: s.overloadRejected.Load(),
		FallbackWrites:   s.fallbackWrites.Load(),
		Retries:          s.retries.Load(),
		Abandoned:        s.abandoned.Load(),
		HandlerDelivered: make(map[string]int64),
		HandlerHealth:    make(map[string]bool),
	}
	if ns := s.lastDispatch.Load(); ns > 0 {
		stats.LastDispatch = time.Unix(0, ns)
	}

	s.mu.RLock()
	for k, v := range s.handlerDelivered {
		stats.HandlerDelivered[k] = v
	}
	for k, v := range s.handlerHealth {
		stats.HandlerHealth[k] = v
	}
	s.mu.RUnlock()

	return stats
}
