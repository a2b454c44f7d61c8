package dispatcher

import (
	"context"
	"sync"
	"time"

	"layerlog/internal/queue"
	"layerlog/pkg/types"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Tracker counts items that have left the queue but whose dispatch
// cycle has not completed. The pipeline's flush operation waits on it.
type Tracker interface {
	Begin(n int)
	End(n int)
}

type nopTracker struct{}

func (nopTracker) Begin(int) {}
func (nopTracker) End(int)   {}

// Batcher drains the bounded queue in count-or-time windows and hands
// each window to the dispatcher as one batch. A batch closes when it
// reaches the configured size or when the oldest buffered item has
// waited the batch timeout, whichever comes first.
type Batcher struct {
	queue      *queue.BoundedQueue
	dispatcher *Dispatcher
	tracker    Tracker
	logger     *logrus.Logger

	workers      int
	batchSize    int
	batchTimeout time.Duration

	wg sync.WaitGroup
}

// NewBatcher creates a batcher over the queue and dispatcher.
func NewBatcher(config types.PipelineConfig, q *queue.BoundedQueue, d *Dispatcher, tracker Tracker, logger *logrus.Logger) *Batcher {
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = time.Second
	}
	if tracker == nil {
		tracker = nopTracker{}
	}
	return &Batcher{
		queue:        q,
		dispatcher:   d,
		tracker:      tracker,
		logger:       logger,
		workers:      config.Workers,
		batchSize:    config.BatchSize,
		batchTimeout: config.BatchTimeout,
	}
}

// Start launches the worker goroutines. Workers exit on their own once
// the queue is closed and drained, or immediately when ctx is
// cancelled.
func (b *Batcher) Start(ctx context.Context) {
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.worker(ctx, i)
	}
	b.logger.WithFields(logrus.Fields{
		"workers":       b.workers,
		"batch_size":    b.batchSize,
		"batch_timeout": b.batchTimeout.String(),
	}).Info("Batcher started")
}

// Wait blocks until all workers exited or ctx expires. It returns
// false on deadline.
func (b *Batcher) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *Batcher) worker(ctx context.Context, id int) {
	defer b.wg.Done()
	logger := b.logger.WithField("worker_id", id)
	logger.Debug("Batch worker started")

	for {
		items := b.queue.DequeueBatch(b.batchSize, b.batchTimeout)
		if len(items) == 0 {
			if ctx.Err() != nil || b.queue.IsClosed() {
				logger.Debug("Batch worker stopped")
				return
			}
			continue
		}

		batch := &types.Batch{ID: uuid.NewString(), Items: items}
		b.tracker.Begin(len(items))
		b.dispatcher.Dispatch(ctx, batch)
		b.tracker.End(len(items))

		if ctx.Err() != nil {
			logger.Debug("Batch worker stopped")
			return
		}
	}
}
