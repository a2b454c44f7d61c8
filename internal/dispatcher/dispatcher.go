// Package dispatcher fans batches out to the destination handlers and
// owns the failure policy around them.
//
// One dispatch cycle delivers a batch concurrently to every eligible
// handler under a shared deadline. Fail-soft handler failures are
// scheduled for bounded retries; a fail-fast handler failure escalates
// the failed items straight to the sync fallback path. A handler that
// keeps failing whole batches is gated: batches skip it until its probe
// window elapses and it reports healthy again.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"layerlog/internal/metrics"
	"layerlog/pkg/types"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// gateProbeInterval is how long a gated handler sits out before the
// dispatcher offers it another batch.
const gateProbeInterval = 30 * time.Second

// handlerGate tracks consecutive whole-batch failures for one handler.
type handlerGate struct {
	consecutive int
	gatedUntil  time.Time
}

// Dispatcher delivers batches to all registered handlers.
type Dispatcher struct {
	config   types.PipelineConfig
	logger   *logrus.Logger
	handlers []types.DestinationHandler
	fallback *FallbackWriter
	retries  *RetryManager
	stats    *StatsCollector
	tracer   trace.Tracer

	mu    sync.Mutex
	gates map[string]*handlerGate
}

// New creates a dispatcher over the given handlers. The retry manager
// it owns is started and stopped through Start and Stop.
func New(config types.PipelineConfig, handlers []types.DestinationHandler, fallback *FallbackWriter, side SideChannel, stats *StatsCollector, logger *logrus.Logger) *Dispatcher {
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = 30 * time.Second
	}
	if config.UnhealthyThreshold <= 0 {
		config.UnhealthyThreshold = 5
	}
	if side == nil {
		side = nopSideChannel{}
	}

	d := &Dispatcher{
		config:   config,
		logger:   logger,
		handlers: handlers,
		fallback: fallback,
		stats:    stats,
		tracer:   otel.Tracer("layerlog/dispatcher"),
		gates:    make(map[string]*handlerGate, len(handlers)),
	}
	for _, h := range handlers {
		d.gates[h.Name()] = &handlerGate{}
		stats.SetHandlerHealth(h.Name(), true)
		metrics.SetHandlerHealth(h.Name(), true)
	}
	d.retries = newRetryManager(config, d, fallback, side, stats, logger)
	return d
}

// Start launches the retry scheduler.
func (d *Dispatcher) Start(ctx context.Context) {
	d.retries.start(ctx)
}

// Stop halts the retry scheduler. Pending retries are journaled as
// abandoned.
func (d *Dispatcher) Stop() {
	d.retries.stop()
}

// PendingRetries returns the number of items awaiting redelivery.
func (d *Dispatcher) PendingRetries() int {
	return d.retries.pendingCount()
}

// Dispatch delivers one batch to every eligible handler concurrently
// and routes the failures. It blocks until all handlers returned or hit
// the per-dispatch timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, batch *types.Batch) {
	if batch == nil || len(batch.Items) == 0 {
		return
	}

	ctx, span := d.tracer.Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("batch.id", batch.ID),
			attribute.Int("batch.size", len(batch.Items)),
		))
	defer span.End()

	start := time.Now()
	targets := d.eligibleHandlers()
	if len(targets) == 0 {
		// Every handler is gated or unhealthy. The batch is parked with
		// the retry scheduler so delivery resumes when one recovers.
		d.logger.WithField("batch_id", batch.ID).Warn("No eligible handlers, parking batch for retry")
		for _, h := range d.handlers {
			for _, item := range batch.Items {
				d.retries.schedule(h.Name(), item)
			}
		}
		return
	}

	outcomes := make([]types.HandlerOutcome, len(targets))
	var wg sync.WaitGroup
	for i, h := range targets {
		wg.Add(1)
		go func(i int, h types.DestinationHandler) {
			defer wg.Done()
			hctx, cancel := context.WithTimeout(ctx, d.config.DispatchTimeout)
			defer cancel()

			t0 := time.Now()
			out := h.Write(hctx, batch)
			out.Handler = h.Name()
			if out.Duration == 0 {
				out.Duration = time.Since(t0)
			}
			outcomes[i] = out
			metrics.HandlerWriteDuration.WithLabelValues(h.Name()).Observe(out.Duration.Seconds())
		}(i, h)
	}
	wg.Wait()

	for i, out := range outcomes {
		d.settle(ctx, targets[i], batch, out)
	}

	d.stats.MarkDispatch()
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())
}

// settle applies one handler outcome: delivery accounting, health
// gating and failure routing.
func (d *Dispatcher) settle(ctx context.Context, h types.DestinationHandler, batch *types.Batch, out types.HandlerOutcome) {
	name := h.Name()
	if out.Succeeded > 0 {
		d.stats.AddDelivered(name, int64(out.Succeeded))
		metrics.RecordsDeliveredTotal.WithLabelValues(name).Add(float64(out.Succeeded))
	}

	d.updateGate(name, out.Succeeded == 0 && !out.Ok())

	if out.Ok() {
		return
	}

	failed := out.FailedSeqs()
	d.logger.WithFields(logrus.Fields{
		"handler":   name,
		"batch_id":  batch.ID,
		"failed":    len(failed),
		"succeeded": out.Succeeded,
		"fail_fast": h.FailFast(),
	}).Warn("Handler reported batch failures")

	for _, item := range batch.Items {
		if !failed[item.Record.Seq] {
			continue
		}
		if h.FailFast() {
			// Fail-fast handlers never wait on the retry schedule: the
			// failed remainder goes straight through the sync path.
			if err := d.fallback.Write(ctx, item, TriggerFailFast); err != nil {
				d.logger.WithError(err).WithField("seq", item.Record.Seq).Error("Fail-fast escalation lost an item")
			}
			continue
		}
		d.retries.schedule(name, item)
	}
}

// eligibleHandlers returns the handlers that should receive the next
// batch: self-reported healthy and not inside a gate window.
func (d *Dispatcher) eligibleHandlers() []types.DestinationHandler {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []types.DestinationHandler
	for _, h := range d.handlers {
		gate := d.gates[h.Name()]
		if now.Before(gate.gatedUntil) {
			continue
		}
		if !h.Healthy() {
			continue
		}
		out = append(out, h)
	}
	return out
}

// updateGate records a whole-batch failure (or clears the streak) and
// opens the gate once the threshold is crossed.
func (d *Dispatcher) updateGate(name string, wholeBatchFailed bool) {
	d.mu.Lock()
	gate := d.gates[name]
	if !wholeBatchFailed {
		gate.consecutive = 0
		gate.gatedUntil = time.Time{}
		d.mu.Unlock()
		d.stats.SetHandlerHealth(name, true)
		metrics.SetHandlerHealth(name, true)
		return
	}

	gate.consecutive++
	crossed := gate.consecutive >= d.config.UnhealthyThreshold
	if crossed {
		gate.gatedUntil = time.Now().Add(gateProbeInterval)
		gate.consecutive = 0
	}
	d.mu.Unlock()

	if crossed {
		d.stats.SetHandlerHealth(name, false)
		metrics.SetHandlerHealth(name, false)
		d.logger.WithFields(logrus.Fields{
			"handler": name,
			"probe":   gateProbeInterval.String(),
		}).Error("Handler gated after repeated batch failures")
	}
}

// redeliver attempts one item against one specific handler. Used only
// by the retry scheduler.
func (d *Dispatcher) redeliver(ctx context.Context, handlerName string, item types.QueueItem) error {
	var target types.DestinationHandler
	for _, h := range d.handlers {
		if h.Name() == handlerName {
			target = h
			break
		}
	}
	if target == nil {
		return fmt.Errorf("handler %q no longer registered", handlerName)
	}
	if !target.Healthy() {
		return fmt.Errorf("handler %q not healthy", handlerName)
	}

	hctx, cancel := context.WithTimeout(ctx, d.config.DispatchTimeout)
	defer cancel()

	batch := &types.Batch{ID: fmt.Sprintf("retry-%d", item.Record.Seq), Items: []types.QueueItem{item}}
	out := target.Write(hctx, batch)
	if !out.Ok() {
		reason := "write failed"
		if len(out.Failed) > 0 {
			reason = out.Failed[0].Reason
		}
		return fmt.Errorf("redeliver seq %d to %s: %s", item.Record.Seq, handlerName, reason)
	}

	d.stats.AddDelivered(handlerName, 1)
	metrics.RecordsDeliveredTotal.WithLabelValues(handlerName).Inc()
	d.updateGate(handlerName, false)
	return nil
}
