package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelOrdering(t *testing.T) {
	assert.True(t, LevelDebug < LevelInfo)
	assert.True(t, LevelInfo < LevelWarning)
	assert.True(t, LevelWarning < LevelError)
	assert.True(t, LevelError < LevelCritical)
}

func TestLevelCritical(t *testing.T) {
	assert.False(t, LevelDebug.Critical())
	assert.False(t, LevelInfo.Critical())
	assert.False(t, LevelWarning.Critical())
	assert.True(t, LevelError.Critical())
	assert.True(t, LevelCritical.Critical())
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":    LevelDebug,
		"INFO":     LevelInfo,
		"Warn":     LevelWarning,
		"warning":  LevelWarning,
		"error":    LevelError,
		"CRITICAL": LevelCritical,
		" fatal ":  LevelCritical,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestRecordCloneIsIndependent(t *testing.T) {
	original := Record{
		Seq:       7,
		Layer:     "auth",
		Level:     LevelInfo,
		Message:   "login ok",
		Context:   map[string]interface{}{"user": "alice"},
		CreatedAt: time.Now(),
	}

	clone := original.Clone()
	clone.Context["user"] = "bob"
	clone.Message = "changed"

	assert.Equal(t, "alice", original.Context["user"])
	assert.Equal(t, "login ok", original.Message)
}

func TestHandlerOutcomeFailedSeqs(t *testing.T) {
	outcome := HandlerOutcome{
		Handler:   "file",
		Succeeded: 2,
		Failed: []ItemFailure{
			{Seq: 3, Reason: "disk full"},
			{Seq: 5, Reason: "disk full"},
		},
	}

	assert.False(t, outcome.Ok())
	failed := outcome.FailedSeqs()
	assert.True(t, failed[3])
	assert.True(t, failed[5])
	assert.False(t, failed[4])

	assert.Nil(t, HandlerOutcome{Succeeded: 1}.FailedSeqs())
	assert.True(t, HandlerOutcome{Succeeded: 1}.Ok())
}

func TestBatchSeqs(t *testing.T) {
	batch := &Batch{
		ID: "b1",
		Items: []QueueItem{
			{Record: Record{Seq: 1}},
			{Record: Record{Seq: 2}},
			{Record: Record{Seq: 3}},
		},
	}
	assert.Equal(t, []uint64{1, 2, 3}, batch.Seqs())
}
