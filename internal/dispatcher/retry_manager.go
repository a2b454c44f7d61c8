package dispatcher

import (
	"context"
	"sync"
	"time"

	"layerlog/internal/metrics"
	"layerlog/pkg/types"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
)

// retryTick is the scheduler's wake-up interval. Due entries are
// redelivered on the next tick after their backoff elapses.
const retryTick = 100 * time.Millisecond

// retryEntry is one failed item waiting to be offered back to the
// handler that refused it.
type retryEntry struct {
	item    types.QueueItem
	handler string
	bo      *backoff.ExponentialBackOff
	nextAt  time.Time
}

// RetryManager redelivers failed items with exponential backoff. An
// item that exhausts the retry ceiling is escalated to the sync
// fallback path; if that fails too, the fallback writer journals it as
// a terminal drop. Retried items are never put back on the bounded
// queue, so a failing handler cannot displace fresh records.
type RetryManager struct {
	config     types.PipelineConfig
	dispatcher *Dispatcher
	fallback   *FallbackWriter
	side       SideChannel
	stats      *StatsCollector
	logger     *logrus.Logger

	mu      sync.Mutex
	pending []*retryEntry

	cancel context.CancelFunc
	done   chan struct{}
}

func newRetryManager(config types.PipelineConfig, d *Dispatcher, fallback *FallbackWriter, side SideChannel, stats *StatsCollector, logger *logrus.Logger) *RetryManager {
	if config.RetryCeiling <= 0 {
		config.RetryCeiling = 3
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = 500 * time.Millisecond
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = 30 * time.Second
	}
	return &RetryManager{
		config:     config,
		dispatcher: d,
		fallback:   fallback,
		side:       side,
		stats:      stats,
		logger:     logger,
	}
}

// schedule queues one item for redelivery to the named handler.
func (r *RetryManager) schedule(handler string, item types.QueueItem) {
	item.Attempts++
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.config.RetryBaseDelay
	bo.MaxInterval = r.config.RetryMaxDelay

	entry := &retryEntry{
		item:    item,
		handler: handler,
		bo:      bo,
		nextAt:  time.Now().Add(bo.NextBackOff()),
	}

	r.mu.Lock()
	r.pending = append(r.pending, entry)
	r.mu.Unlock()

	r.stats.AddRetry()
	metrics.RetriesTotal.Inc()
}

func (r *RetryManager) pendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// start launches the scheduler loop.
func (r *RetryManager) start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.run(ctx)
}

// stop halts the loop and journals whatever is still pending as
// abandoned.
func (r *RetryManager) stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done

	r.mu.Lock()
	leftover := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, entry := range leftover {
		r.side.Journal("abandoned", entry.item, "pending retry at shutdown")
		metrics.AbandonedTotal.Inc()
	}
	if len(leftover) > 0 {
		r.stats.AddAbandoned(int64(len(leftover)))
		r.logger.WithField("count", len(leftover)).Warn("Abandoned pending retries at shutdown")
	}
}

func (r *RetryManager) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(retryTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.flushDue(ctx)
		}
	}
}

// flushDue attempts every entry whose backoff has elapsed.
func (r *RetryManager) flushDue(ctx context.Context) {
	now := time.Now()

	r.mu.Lock()
	var due []*retryEntry
	remaining := r.pending[:0]
	for _, entry := range r.pending {
		if entry.nextAt.After(now) {
			remaining = append(remaining, entry)
			continue
		}
		due = append(due, entry)
	}
	r.pending = remaining
	r.mu.Unlock()

	for _, entry := range due {
		if ctx.Err() != nil {
			// Shutdown raced the tick; hand the entry back so stop()
			// journals it.
			r.mu.Lock()
			r.pending = append(r.pending, entry)
			r.mu.Unlock()
			continue
		}
		r.attempt(ctx, entry)
	}
}

func (r *RetryManager) attempt(ctx context.Context, entry *retryEntry) {
	err := r.dispatcher.redeliver(ctx, entry.handler, entry.item)
	if err == nil {
		return
	}

	if entry.item.Attempts >= r.config.RetryCeiling {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"handler":  entry.handler,
			"seq":      entry.item.Record.Seq,
			"attempts": entry.item.Attempts,
		}).Warn("Retry ceiling reached, escalating to sync fallback")

		if ferr := r.fallback.Write(ctx, entry.item, TriggerRetryExhausted); ferr != nil {
			// The fallback writer already journaled and counted the
			// terminal drop.
			r.logger.WithError(ferr).WithField("seq", entry.item.Record.Seq).Error("Item lost after retry ceiling and fallback failure")
		}
		return
	}

	entry.item.Attempts++
	entry.nextAt = time.Now().Add(entry.bo.NextBackOff())

	r.mu.Lock()
	r.pending = append(r.pending, entry)
	r.mu.Unlock()

	r.stats.AddRetry()
	metrics.RetriesTotal.Inc()
}
