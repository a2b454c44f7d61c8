package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"layerlog/pkg/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingHandler captures delivered records in arrival order.
type recordingHandler struct {
	mu      sync.Mutex
	name    string
	batched []types.Record
	direct  []types.Record
	slow    time.Duration
}

func (r *recordingHandler) Name() string   { return r.name }
func (r *recordingHandler) FailFast() bool { return false }
func (r *recordingHandler) Healthy() bool  { return true }
func (r *recordingHandler) Close() error   { return nil }

func (r *recordingHandler) Write(_ context.Context, batch *types.Batch) types.HandlerOutcome {
	if r.slow > 0 {
		time.Sleep(r.slow)
	}
	r.mu.Lock()
	for _, item := range batch.Items {
		r.batched = append(r.batched, item.Record)
	}
	r.mu.Unlock()
	return types.HandlerOutcome{Handler: r.name, Succeeded: len(batch.Items)}
}

func (r *recordingHandler) WriteDirect(_ context.Context, item types.QueueItem) error {
	r.mu.Lock()
	r.direct = append(r.direct, item.Record)
	r.mu.Unlock()
	return nil
}

func (r *recordingHandler) all() []types.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Record, 0, len(r.batched)+len(r.direct))
	out = append(out, r.batched...)
	out = append(out, r.direct...)
	return out
}

func testConfig(t *testing.T, queueCapacity int) types.Config {
	t.Helper()
	return types.Config{
		Pipeline: types.PipelineConfig{
			QueueCapacity: queueCapacity,
			Workers:       1,
			BatchSize:     10,
			BatchTimeout:  10 * time.Millisecond,
			DrainTimeout:  2 * time.Second,
			SideChannel: types.SideChannelConfig{
				Directory: t.TempDir(),
			},
		},
	}
}

func pipelineLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestLogDeliversInOrder(t *testing.T) {
	h := &recordingHandler{name: "sink"}
	p, err := New(testConfig(t, 100), []types.DestinationHandler{h}, nil, pipelineLogger())
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	ctx := context.Background()
	require.NoError(t, p.Info(ctx, "api", "m1", nil))
	require.NoError(t, p.Info(ctx, "api", "m2", nil))
	require.NoError(t, p.Info(ctx, "api", "m3", nil))

	flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, p.Flush(flushCtx))

	records := h.all()
	require.Len(t, records, 3)
	assert.Equal(t, "m1", records[0].Message)
	assert.Equal(t, "m2", records[1].Message)
	assert.Equal(t, "m3", records[2].Message)
	assert.Less(t, records[0].Seq, records[1].Seq)

	require.NoError(t, p.Close(ctx))
}

func TestLifecycleTransitions(t *testing.T) {
	h := &recordingHandler{name: "sink"}
	p, err := New(testConfig(t, 10), []types.DestinationHandler{h}, nil, pipelineLogger())
	require.NoError(t, err)

	assert.Equal(t, StateCreated, p.State())
	assert.ErrorIs(t, p.Log(context.Background(), "api", types.LevelInfo, "early", nil), ErrNotRunning)

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, StateRunning, p.State())
	assert.ErrorIs(t, p.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, StateStopped, p.State())
	assert.ErrorIs(t, p.Log(context.Background(), "api", types.LevelInfo, "late", nil), ErrNotRunning)

	// Close is idempotent.
	require.NoError(t, p.Close(context.Background()))
}

func TestCloseDrainsBufferedRecords(t *testing.T) {
	h := &recordingHandler{name: "sink"}
	config := testConfig(t, 100)
	config.Pipeline.BatchTimeout = 50 * time.Millisecond
	p, err := New(config, []types.DestinationHandler{h}, nil, pipelineLogger())
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	for i := 0; i < 30; i++ {
		require.NoError(t, p.Info(context.Background(), "api", fmt.Sprintf("m%d", i), nil))
	}
	require.NoError(t, p.Close(context.Background()))

	assert.Len(t, h.all(), 30)
	assert.Equal(t, int64(30), p.Stats().Delivered)
}

func TestCriticalSurvivesSaturatedQueue(t *testing.T) {
	h := &recordingHandler{name: "sink", slow: 30 * time.Millisecond}
	config := testConfig(t, 2)
	config.Pipeline.BatchSize = 1
	p, err := New(config, []types.DestinationHandler{h}, nil, pipelineLogger())
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	// Flood with critical records so the queue saturates while the
	// slow handler is busy; overflow must go through the sync path,
	// never to a drop.
	const total = 20
	for i := 0; i < total; i++ {
		require.NoError(t, p.Error(context.Background(), "api", fmt.Sprintf("c%d", i), nil))
	}
	require.NoError(t, p.Close(context.Background()))

	assert.Len(t, h.all(), total)
	assert.Zero(t, p.Stats().Dropped)
}

type stubMonitor struct{ overloaded bool }

func (s *stubMonitor) Overloaded() bool { return s.overloaded }

func TestOverloadRejectsNonCriticalOnly(t *testing.T) {
	h := &recordingHandler{name: "sink"}
	monitor := &stubMonitor{overloaded: true}
	p, err := New(testConfig(t, 100), []types.DestinationHandler{h}, monitor, pipelineLogger())
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Info(context.Background(), "api", "cheap", nil))
	require.NoError(t, p.Error(context.Background(), "api", "important", nil))
	require.NoError(t, p.Close(context.Background()))

	records := h.all()
	require.Len(t, records, 1)
	assert.Equal(t, "important", records[0].Message)
	assert.Equal(t, int64(1), p.Stats().OverloadRejected)
}

func TestFlushFromPipelineContextRefused(t *testing.T) {
	h := &recordingHandler{name: "sink"}
	p, err := New(testConfig(t, 10), []types.DestinationHandler{h}, nil, pipelineLogger())
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Close(context.Background())

	err = p.Flush(markOwned(context.Background()))
	assert.ErrorIs(t, err, ErrReentrantFlush)
}

func TestStatsSnapshot(t *testing.T) {
	h := &recordingHandler{name: "sink"}
	p, err := New(testConfig(t, 64), []types.DestinationHandler{h}, nil, pipelineLogger())
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Info(context.Background(), "api", "one", nil))
	flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Flush(flushCtx))

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Enqueued)
	assert.Equal(t, int64(1), stats.Delivered)
	assert.Equal(t, 64, stats.QueueCapacity)
	assert.Equal(t, "running", stats.State)

	require.NoError(t, p.Close(context.Background()))
}

func TestReplayAbandonedFromPreviousRun(t *testing.T) {
	// A journal left behind by a crashed run.
	oldDir := t.TempDir()
	old, err := NewJournal(types.SideChannelConfig{Directory: oldDir}, pipelineLogger())
	require.NoError(t, err)
	require.NoError(t, old.Start(context.Background()))
	old.Journal("abandoned", journalItem(1), "drain deadline reached")
	old.Journal("terminal", journalItem(2), "all handlers down")
	old.Journal("abandoned", journalItem(3), "drain deadline reached")
	old.Stop()

	h := &recordingHandler{name: "sink"}
	p, err := New(testConfig(t, 100), []types.DestinationHandler{h}, nil, pipelineLogger())
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	count, err := p.ReplayAbandoned(context.Background(), old)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, p.Close(context.Background()))
	assert.Len(t, h.all(), 2)
}

func TestSanitizationAppliedBeforeDelivery(t *testing.T) {
	h := &recordingHandler{name: "sink"}
	config := testConfig(t, 10)
	config.Sanitize = types.SanitizeConfig{Enabled: true, Builtin: true}
	p, err := New(config, []types.DestinationHandler{h}, nil, pipelineLogger())
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Info(context.Background(), "auth", "login password=hunter2 ok", nil))
	require.NoError(t, p.Close(context.Background()))

	records := h.all()
	require.Len(t, records, 1)
	assert.NotContains(t, records[0].Message, "hunter2")
}
