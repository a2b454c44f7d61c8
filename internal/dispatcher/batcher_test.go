package dispatcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"layerlog/internal/queue"
	"layerlog/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTracker struct {
	inFlight atomic.Int64
	total    atomic.Int64
}

func (c *countingTracker) Begin(n int) {
	c.inFlight.Add(int64(n))
	c.total.Add(int64(n))
}

func (c *countingTracker) End(n int) {
	c.inFlight.Add(int64(-n))
}

func TestBatcherDrainsQueueIntoBatches(t *testing.T) {
	logger := testLogger()
	q := queue.New(100, logger)
	h := newMockHandler("file")
	d, stats := newTestDispatcher(types.PipelineConfig{}, nil, h)

	tracker := &countingTracker{}
	b := NewBatcher(types.PipelineConfig{
		Workers:      1,
		BatchSize:    10,
		BatchTimeout: 20 * time.Millisecond,
	}, q, d, tracker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	for i := uint64(1); i <= 25; i++ {
		q.Enqueue(types.QueueItem{Record: types.Record{Seq: i, Layer: "api"}})
	}

	assert.Eventually(t, func() bool {
		return stats.Snapshot().Delivered == 25
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(25), tracker.total.Load())
	assert.Zero(t, tracker.inFlight.Load())

	// Full windows close at the batch size, the tail closes on timeout.
	require.GreaterOrEqual(t, h.batchCount(), 3)
	for _, batch := range h.batches {
		assert.LessOrEqual(t, len(batch.Items), 10)
		assert.NotEmpty(t, batch.ID)
	}
}

func TestBatcherWorkersExitAfterQueueCloses(t *testing.T) {
	logger := testLogger()
	q := queue.New(10, logger)
	h := newMockHandler("file")
	d, stats := newTestDispatcher(types.PipelineConfig{}, nil, h)

	b := NewBatcher(types.PipelineConfig{
		Workers:      2,
		BatchSize:    5,
		BatchTimeout: 10 * time.Millisecond,
	}, q, d, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	for i := uint64(1); i <= 4; i++ {
		q.Enqueue(types.QueueItem{Record: types.Record{Seq: i}})
	}
	q.Close()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	assert.True(t, b.Wait(waitCtx))

	// Everything buffered before the close was still delivered.
	assert.Equal(t, int64(4), stats.Snapshot().Delivered)
}

func TestBatcherWaitTimesOut(t *testing.T) {
	logger := testLogger()
	q := queue.New(10, logger)
	h := newMockHandler("file")
	d, _ := newTestDispatcher(types.PipelineConfig{}, nil, h)

	b := NewBatcher(types.PipelineConfig{
		Workers:      1,
		BatchSize:    5,
		BatchTimeout: 50 * time.Millisecond,
	}, q, d, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	// Queue stays open, so workers keep polling and Wait must expire.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer waitCancel()
	assert.False(t, b.Wait(waitCtx))

	cancel()
	q.Close()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	assert.True(t, b.Wait(drainCtx))
}
