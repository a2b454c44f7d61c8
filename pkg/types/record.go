package types

import (
	"fmt"
	"strings"
	"time"
)

// Level is the ordered severity of a Record.
// DEBUG < INFO < WARNING < ERROR < CRITICAL.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelCritical
)

var levelNames = map[Level]string{
	LevelDebug:    "DEBUG",
	LevelInfo:     "INFO",
	LevelWarning:  "WARNING",
	LevelError:    "ERROR",
	LevelCritical: "CRITICAL",
}

// String returns the canonical upper-case name of the level.
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// Critical reports whether records at this level demand guaranteed
// delivery through the sync fallback path when the async path is
// saturated.
func (l Level) Critical() bool {
	return l >= LevelError
}

// ParseLevel converts a level name (case-insensitive) to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARNING", "WARN":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "CRITICAL", "FATAL":
		return LevelCritical, nil
	}
	return LevelInfo, fmt.Errorf("unknown level %q", s)
}

// Record is one log event flowing through the delivery pipeline.
//
// A Record is never mutated after construction: stages that need to
// change fields (sanitization, in particular) produce a replacement via
// Clone. Context keys are unique; a later write for the same key wins.
// Seq is assigned once at enqueue time and is used for ordering and for
// deduplicating retries.
type Record struct {
	Seq       uint64                 `json:"seq"`
	Layer     string                 `json:"layer"`
	Level     Level                  `json:"level"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// Clone returns a deep copy of the record. The context map is copied so
// the clone can be modified without touching the original.
func (r Record) Clone() Record {
	out := r
	if r.Context != nil {
		out.Context = make(map[string]interface{}, len(r.Context))
		for k, v := range r.Context {
			out.Context[k] = v
		}
	}
	return out
}

// QueueItem wraps a Record with delivery metadata. It is owned by the
// bounded queue between enqueue and dequeue; ownership moves to the
// batcher on dequeue.
type QueueItem struct {
	Record     Record    `json:"record"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
	Critical   bool      `json:"critical"`
}

// Batch is an ordered group of queue items processed together by the
// dispatcher. A batch is owned by exactly one dispatch cycle; handlers
// only read it.
type Batch struct {
	ID    string      `json:"id"`
	Items []QueueItem `json:"items"`
}

// Seqs returns the sequence ids of all items, in batch order.
func (b *Batch) Seqs() []uint64 {
	seqs := make([]uint64, len(b.Items))
	for i, item := range b.Items {
		seqs[i] = item.Record.Seq
	}
	return seqs
}

// ItemFailure records why one item of a batch was not written by a
// handler.
type ItemFailure struct {
	Seq    uint64 `json:"seq"`
	Reason string `json:"reason"`
}

// HandlerOutcome is the per-handler result of one batch write. It is
// used for metrics and for the fallback decision, then discarded.
type HandlerOutcome struct {
	Handler   string        `json:"handler"`
	Succeeded int           `json:"succeeded"`
	Failed    []ItemFailure `json:"failed,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Ok reports whether every item of the batch was written.
func (o HandlerOutcome) Ok() bool {
	return len(o.Failed) == 0
}

// FailedSeqs returns the sequence ids of the failed items.
func (o HandlerOutcome) FailedSeqs() map[uint64]bool {
	if len(o.Failed) == 0 {
		return nil
	}
	seqs := make(map[uint64]bool, len(o.Failed))
	for _, f := range o.Failed {
		seqs[f.Seq] = true
	}
	return seqs
}

// BackupEntry identifies one persisted pre-write copy of a destination
// file. Entries survive process restart so the restore operation can
// replay them.
type BackupEntry struct {
	Path      string    `json:"path"`
	Version   uint64    `json:"version"`
	AttemptID string    `json:"attempt_id"`
	Codec     string    `json:"codec"`
	CreatedAt time.Time `json:"created_at"`
}
