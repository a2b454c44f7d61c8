package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"layerlog/internal/metrics"
	"layerlog/pkg/types"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T, cfg types.SideChannelConfig) *Journal {
	t.Helper()
	if cfg.Directory == "" {
		cfg.Directory = t.TempDir()
	}
	j, err := NewJournal(cfg, pipelineLogger())
	require.NoError(t, err)
	require.NoError(t, j.Start(context.Background()))
	return j
}

func journalItem(seq uint64) types.QueueItem {
	return types.QueueItem{
		Record:   types.Record{Seq: seq, Layer: "api", Level: types.LevelError, Message: fmt.Sprintf("m%d", seq)},
		Critical: true,
	}
}

func TestJournalAndReplay(t *testing.T) {
	j := newTestJournal(t, types.SideChannelConfig{})

	j.Journal("terminal", journalItem(1), "all handlers down")
	j.Journal("abandoned", journalItem(2), "drain deadline reached")
	j.Stop()

	var events []Event
	require.NoError(t, j.Replay(func(e Event) error {
		events = append(events, e)
		return nil
	}))

	require.Len(t, events, 2)
	assert.Equal(t, "terminal", events[0].Kind)
	assert.Equal(t, uint64(1), events[0].Item.Record.Seq)
	assert.Equal(t, "abandoned", events[1].Kind)
	assert.Equal(t, "drain deadline reached", events[1].Reason)
}

func TestJournalSurvivesTornTrailingLine(t *testing.T) {
	dir := t.TempDir()
	j := newTestJournal(t, types.SideChannelConfig{Directory: dir})
	j.Journal("terminal", journalItem(1), "x")
	j.Stop()

	// Simulate a crash mid-append.
	path := filepath.Join(dir, "sidechannel.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"kind":"terminal","item":{"rec`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var events []Event
	require.NoError(t, j.Replay(func(e Event) error {
		events = append(events, e)
		return nil
	}))
	assert.Len(t, events, 1)
}

func TestJournalRotatesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(types.SideChannelConfig{Directory: dir, MaxSegments: 2}, pipelineLogger())
	require.NoError(t, err)
	// Force rotation on nearly every event.
	j.maxFileSize = 256
	require.NoError(t, j.Start(context.Background()))

	for i := uint64(1); i <= 40; i++ {
		j.Journal("terminal", journalItem(i), strings.Repeat("reason ", 10))
	}
	assert.Eventually(t, func() bool {
		segments, serr := j.segments()
		return serr == nil && len(segments) > 0
	}, 2*time.Second, 10*time.Millisecond)
	j.Stop()

	segments, err := j.segments()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(segments), 2)

	// Replay still sees archived and active events.
	count := 0
	require.NoError(t, j.Replay(func(Event) error {
		count++
		return nil
	}))
	assert.Positive(t, count)
}

func TestJournalNeverBlocksWhenFull(t *testing.T) {
	j, err := NewJournal(types.SideChannelConfig{Directory: t.TempDir(), QueueSize: 1}, pipelineLogger())
	require.NoError(t, err)
	// Not started: nothing drains the channel.

	done := make(chan struct{})
	go func() {
		for i := uint64(0); i < 100; i++ {
			j.Journal("terminal", journalItem(i), "x")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Journal blocked on a full buffer")
	}
}

func TestTrackerWaitIdle(t *testing.T) {
	tr := NewTracker()
	assert.Zero(t, tr.InFlight())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.True(t, tr.WaitIdle(ctx))

	tr.Begin(3)
	assert.Equal(t, 3, tr.InFlight())

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer waitCancel()
	assert.False(t, tr.WaitIdle(waitCtx))

	go func() {
		time.Sleep(20 * time.Millisecond)
		tr.End(3)
	}()
	idleCtx, idleCancel := context.WithTimeout(context.Background(), time.Second)
	defer idleCancel()
	assert.True(t, tr.WaitIdle(idleCtx))
}

func TestSetAsideMovesPriorRunFiles(t *testing.T) {
	dir := t.TempDir()
	j := newTestJournal(t, types.SideChannelConfig{Directory: dir})
	j.Journal("abandoned", journalItem(1), "drain deadline reached")
	j.Journal("terminal", journalItem(2), "all handlers down")
	j.Stop()

	prior, ok, err := SetAside(types.SideChannelConfig{Directory: dir}, pipelineLogger())
	require.NoError(t, err)
	require.True(t, ok)

	// The prior run's events replay from the recovery directory.
	var kinds []string
	require.NoError(t, prior.Replay(func(e Event) error {
		kinds = append(kinds, e.Kind)
		return nil
	}))
	assert.Equal(t, []string{"abandoned", "terminal"}, kinds)

	// The live directory is clean: a fresh journal starts empty and its
	// replay never sees the recovered events.
	fresh := newTestJournal(t, types.SideChannelConfig{Directory: dir})
	count := 0
	require.NoError(t, fresh.Replay(func(Event) error {
		count++
		return nil
	}))
	assert.Zero(t, count)
	fresh.Stop()

	// Nothing left to set aside on the next restart.
	_, ok, err = SetAside(types.SideChannelConfig{Directory: dir}, pipelineLogger())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetAsideEmptyDirectory(t *testing.T) {
	_, ok, err := SetAside(types.SideChannelConfig{Directory: t.TempDir()}, pipelineLogger())
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = SetAside(types.SideChannelConfig{Directory: filepath.Join(t.TempDir(), "absent")}, pipelineLogger())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJournalCountsEventLostAfterClose(t *testing.T) {
	j := newTestJournal(t, types.SideChannelConfig{})
	j.Stop()

	counter := metrics.SideChannelEventsTotal.WithLabelValues("journal_closed")
	before := testutil.ToFloat64(counter)
	j.append(Event{Kind: "terminal", Item: journalItem(9)})
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}
