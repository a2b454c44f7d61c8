package dispatcher

import (
	"context"
	"fmt"
	"time"

	"layerlog/internal/metrics"
	"layerlog/pkg/types"

	"github.com/sirupsen/logrus"
)

// Fallback write triggers, used as metric labels.
const (
	TriggerCriticalBypass = "critical_bypass"
	TriggerFailFast       = "fail_fast"
	TriggerRetryExhausted = "retry_exhausted"
)

// SideChannel is the last-resort journal for items the delivery paths
// could not place anywhere. Journal must never block delivery and never
// fail loudly.
type SideChannel interface {
	Journal(kind string, item types.QueueItem, reason string)
}

// nopSideChannel is used when no journal is configured.
type nopSideChannel struct{}

func (nopSideChannel) Journal(string, types.QueueItem, string) {}

// FallbackWriter is the sync fallback path: a blocking, inline write of
// a single item straight to the destination handlers, bypassing the
// queue and the batcher entirely. It never hands an item back to any
// queue; when every handler refuses the item it goes to the side
// channel and is counted as a terminal drop.
type FallbackWriter struct {
	handlers []types.DestinationHandler
	timeout  time.Duration
	side     SideChannel
	stats    *StatsCollector
	logger   *logrus.Logger
}

// NewFallbackWriter creates a fallback writer over the given handlers.
func NewFallbackWriter(handlers []types.DestinationHandler, timeout time.Duration, side SideChannel, stats *StatsCollector, logger *logrus.Logger) *FallbackWriter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if side == nil {
		side = nopSideChannel{}
	}
	return &FallbackWriter{
		handlers: handlers,
		timeout:  timeout,
		side:     side,
		stats:    stats,
		logger:   logger,
	}
}

// Write delivers one item inline to every healthy handler. It returns
// nil when at least one handler accepted the item.
func (f *FallbackWriter) Write(ctx context.Context, item types.QueueItem, trigger string) error {
	metrics.FallbackWritesTotal.WithLabelValues(trigger).Inc()
	f.stats.AddFallbackWrite()

	var delivered int
	var lastErr error
	for _, h := range f.handlers {
		if !h.Healthy() {
			continue
		}

		wctx, cancel := context.WithTimeout(ctx, f.timeout)
		err := h.WriteDirect(wctx, item)
		cancel()

		if err != nil {
			lastErr = err
			f.logger.WithError(err).WithFields(logrus.Fields{
				"handler": h.Name(),
				"seq":     item.Record.Seq,
				"trigger": trigger,
			}).Warn("Fallback write failed on handler")
			continue
		}
		delivered++
		f.stats.AddDelivered(h.Name(), 1)
		metrics.RecordsDeliveredTotal.WithLabelValues(h.Name()).Inc()
	}

	if delivered == 0 {
		reason := "no healthy handler accepted the item"
		if lastErr != nil {
			reason = lastErr.Error()
		}
		f.side.Journal("terminal", item, reason)
		metrics.RecordDrop("terminal")
		f.stats.AddDropped(1)
		if lastErr != nil {
			return fmt.Errorf("fallback write for seq %d: %w", item.Record.Seq, lastErr)
		}
		return fmt.Errorf("fallback write for seq %d: no healthy handlers", item.Record.Seq)
	}
	return nil
}
