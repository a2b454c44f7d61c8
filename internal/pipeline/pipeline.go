// Package pipeline is the lifecycle manager: it owns the queue, the
// batch workers, the dispatcher and the side channel, and exposes the
// producer-facing Log API.
//
// Producers never see delivery errors. Log returns an error only for
// lifecycle misuse (pipeline not running); everything that happens to a
// record afterwards is observable through counters and the side
// channel, not through the call site.
package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"layerlog/internal/dispatcher"
	"layerlog/internal/metrics"
	"layerlog/internal/queue"
	"layerlog/pkg/sanitize"
	"layerlog/pkg/types"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNotRunning is returned by Log before Start and after Stop.
	ErrNotRunning = errors.New("pipeline is not running")

	// ErrPipelineClosing is returned by Log once the drain has begun;
	// the batcher is still consuming but new records are refused.
	ErrPipelineClosing = errors.New("pipeline is closing")

	// ErrAlreadyStarted is returned by Start on any state but Created.
	ErrAlreadyStarted = errors.New("pipeline already started")

	// ErrReentrantFlush is returned when Flush is called from a
	// pipeline-owned goroutine, which would deadlock waiting on itself.
	ErrReentrantFlush = errors.New("flush called from a pipeline-owned goroutine")
)

// Overloader reports whether the host is over its resource thresholds.
// When it is, non-critical records are rejected at the front door.
type Overloader interface {
	Overloaded() bool
}

// ownedKey marks contexts belonging to pipeline goroutines so Flush
// can refuse to wait on itself.
type ownedKey struct{}

func markOwned(ctx context.Context) context.Context {
	return context.WithValue(ctx, ownedKey{}, true)
}

func isOwned(ctx context.Context) bool {
	owned, _ := ctx.Value(ownedKey{}).(bool)
	return owned
}

// Pipeline wires the stages together and drives their lifecycle.
type Pipeline struct {
	config  types.Config
	logger  *logrus.Logger
	queue   *queue.BoundedQueue
	sani    *sanitize.Sanitizer
	disp    *dispatcher.Dispatcher
	batcher *dispatcher.Batcher
	fall    *dispatcher.FallbackWriter
	side    *Journal
	tracker *Tracker
	stats   *dispatcher.StatsCollector

	handlers []types.DestinationHandler
	monitor  Overloader

	seq   atomic.Uint64
	state atomic.Int32

	cancel context.CancelFunc
}

// New builds a stopped pipeline over the given handlers. monitor may
// be nil.
func New(config types.Config, handlers []types.DestinationHandler, monitor Overloader, logger *logrus.Logger) (*Pipeline, error) {
	sani, err := sanitize.FromConfig(config.Sanitize, logger)
	if err != nil {
		return nil, err
	}
	side, err := NewJournal(config.Pipeline.SideChannel, logger)
	if err != nil {
		return nil, err
	}

	stats := dispatcher.NewStatsCollector()
	q := queue.New(config.Pipeline.QueueCapacity, logger)
	fall := dispatcher.NewFallbackWriter(handlers, config.Pipeline.FallbackTimeout, side, stats, logger)
	disp := dispatcher.New(config.Pipeline, handlers, fall, side, stats, logger)
	tracker := NewTracker()
	batcher := dispatcher.NewBatcher(config.Pipeline, q, disp, tracker, logger)

	return &Pipeline{
		config:   config,
		logger:   logger,
		queue:    q,
		sani:     sani,
		disp:     disp,
		batcher:  batcher,
		fall:     fall,
		side:     side,
		tracker:  tracker,
		stats:    stats,
		handlers: handlers,
		monitor:  monitor,
	}, nil
}

// Start moves Created -> Running and launches the workers.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return ErrAlreadyStarted
	}

	ctx, p.cancel = context.WithCancel(markOwned(ctx))
	if err := p.side.Start(ctx); err != nil {
		p.state.Store(int32(StateStopped))
		return err
	}
	p.disp.Start(ctx)
	p.batcher.Start(ctx)

	p.logger.WithFields(logrus.Fields{
		"queue_capacity": p.queue.Capacity(),
		"workers":        p.config.Pipeline.Workers,
		"handlers":       len(p.handlers),
	}).Info("Pipeline started")
	return nil
}

// State returns the current lifecycle position.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Log submits one record. Non-critical records may be rejected under
// overload or displaced on queue overflow; critical records (ERROR and
// above) are delivered through the sync fallback path when the queue
// cannot take them. Either way the producer only sees lifecycle
// errors.
func (p *Pipeline) Log(ctx context.Context, layer string, level types.Level, message string, fields map[string]interface{}) error {
	switch p.State() {
	case StateRunning:
	case StateDraining:
		return ErrPipelineClosing
	default:
		return ErrNotRunning
	}

	record := types.Record{
		Seq:       p.seq.Add(1),
		Layer:     layer,
		Level:     level,
		Message:   message,
		Context:   fields,
		CreatedAt: time.Now(),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		record.TraceID = sc.TraceID().String()
	}
	record = p.sani.Sanitize(record)

	critical := level.Critical()
	if !critical && p.monitor != nil && p.monitor.Overloaded() {
		p.stats.AddOverloadRejected(1)
		p.stats.AddDropped(1)
		metrics.RecordDrop("overload")
		return nil
	}

	item := types.QueueItem{
		Record:     record,
		EnqueuedAt: time.Now(),
		Critical:   critical,
	}

	switch p.queue.Enqueue(item) {
	case queue.Enqueued:
		p.stats.AddEnqueued(1)
		metrics.RecordsEnqueuedTotal.WithLabelValues(layer).Inc()
		return nil
	case queue.RouteFallback:
		// Queue saturated with critical items: deliver inline rather
		// than drop or block.
		if err := p.fall.Write(ctx, item, dispatcher.TriggerCriticalBypass); err != nil {
			p.logger.WithError(err).WithField("seq", record.Seq).Error("Critical record lost on saturated queue")
		}
		return nil
	case queue.DroppedIncoming:
		p.stats.AddDropped(1)
		return nil
	default: // queue.Closed
		return ErrPipelineClosing
	}
}

// ReplayAbandoned re-submits abandonment events from a previous run's
// journal. The journal must not be this pipeline's own active side
// channel or the events would replay onto themselves.
func (p *Pipeline) ReplayAbandoned(ctx context.Context, journal *Journal) (int, error) {
	count := 0
	err := journal.Replay(func(e Event) error {
		if e.Kind != "abandoned" {
			return nil
		}
		rec := e.Item.Record
		if err := p.Log(ctx, rec.Layer, rec.Level, rec.Message, rec.Context); err != nil {
			return err
		}
		count++
		return nil
	})
	return count, err
}

// Flush blocks until every record accepted so far has left the async
// path: the queue is empty, no dispatch cycle is running and no retry
// is pending. It returns ctx.Err() on deadline.
func (p *Pipeline) Flush(ctx context.Context) error {
	if isOwned(ctx) {
		return ErrReentrantFlush
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if p.queue.Len() == 0 && p.tracker.InFlight() == 0 && p.disp.PendingRetries() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close drains and stops the pipeline: the queue stops accepting, the
// workers finish what is buffered within the drain deadline, leftovers
// are journaled as abandoned, and the handlers are closed. Close is
// idempotent; only the first call does the work.
func (p *Pipeline) Close(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		if p.state.CompareAndSwap(int32(StateCreated), int32(StateStopped)) {
			return nil
		}
		return nil
	}
	defer p.state.Store(int32(StateStopped))

	drainTimeout := p.config.Pipeline.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = 30 * time.Second
	}
	deadline, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()

	p.logger.WithField("drain_timeout", drainTimeout.String()).Info("Pipeline draining")
	p.queue.Close()

	drained := p.batcher.Wait(deadline)
	if !drained {
		p.logger.Warn("Drain deadline reached with work outstanding")
	}

	// Stop the workers and the retry scheduler. Pending retries are
	// journaled as abandoned by the scheduler itself.
	if p.cancel != nil {
		p.cancel()
		p.batcher.Wait(context.Background())
	}
	p.disp.Stop()

	// Whatever is still buffered did not make the deadline.
	abandoned := 0
	for {
		leftover := p.queue.DequeueBatch(1024, 0)
		if len(leftover) == 0 {
			break
		}
		for _, item := range leftover {
			p.side.Journal("abandoned", item, "drain deadline reached")
			metrics.AbandonedTotal.Inc()
			abandoned++
		}
	}
	if abandoned > 0 {
		p.stats.AddAbandoned(int64(abandoned))
		p.logger.WithField("count", abandoned).Warn("Abandoned queued records at shutdown")
	}

	p.side.Stop()
	for _, h := range p.handlers {
		if err := h.Close(); err != nil {
			p.logger.WithError(err).WithField("handler", h.Name()).Warn("Handler close failed")
		}
	}

	p.logger.WithFields(logrus.Fields{
		"drained":   drained,
		"abandoned": abandoned,
	}).Info("Pipeline stopped")
	return nil
}

// Stats returns a snapshot including queue and lifecycle fields.
func (p *Pipeline) Stats() types.PipelineStats {
	stats := p.stats.Snapshot()
	stats.QueueSize = p.queue.Len()
	stats.QueueCapacity = p.queue.Capacity()
	stats.State = p.State().String()
	return stats
}

// SideChannel exposes the journal for replay tooling.
func (p *Pipeline) SideChannel() *Journal {
	return p.side
}
