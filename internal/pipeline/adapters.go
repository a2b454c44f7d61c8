package pipeline

import (
	"context"
	"time"

	"layerlog/pkg/types"
)

// Logger is the producer-facing surface shared by both adapters.
type Logger interface {
	Log(ctx context.Context, layer string, level types.Level, message string, fields map[string]interface{}) error
}

// AsyncLogger is the default adapter: Log returns as soon as the
// record is accepted by the queue (or routed to the sync path).
type AsyncLogger struct {
	p *Pipeline
}

// NewAsyncLogger wraps the pipeline in the non-blocking adapter.
func NewAsyncLogger(p *Pipeline) *AsyncLogger {
	return &AsyncLogger{p: p}
}

func (a *AsyncLogger) Log(ctx context.Context, layer string, level types.Level, message string, fields map[string]interface{}) error {
	return a.p.Log(ctx, layer, level, message, fields)
}

// SyncLogger is the blocking adapter: each Log waits until the async
// path is quiet again, bounded by the configured timeout. Intended for
// low-volume producers that need write-then-read their destination.
type SyncLogger struct {
	p       *Pipeline
	timeout time.Duration
}

// NewSyncLogger wraps the pipeline in the blocking adapter.
func NewSyncLogger(p *Pipeline, timeout time.Duration) *SyncLogger {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SyncLogger{p: p, timeout: timeout}
}

func (s *SyncLogger) Log(ctx context.Context, layer string, level types.Level, message string, fields map[string]interface{}) error {
	if err := s.p.Log(ctx, layer, level, message, fields); err != nil {
		return err
	}
	flushCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.p.Flush(flushCtx)
}

// Convenience level methods on the pipeline itself.

func (p *Pipeline) Debug(ctx context.Context, layer, message string, fields map[string]interface{}) error {
	return p.Log(ctx, layer, types.LevelDebug, message, fields)
}

func (p *Pipeline) Info(ctx context.Context, layer, message string, fields map[string]interface{}) error {
	return p.Log(ctx, layer, types.LevelInfo, message, fields)
}

func (p *Pipeline) Warning(ctx context.Context, layer, message string, fields map[string]interface{}) error {
	return p.Log(ctx, layer, types.LevelWarning, message, fields)
}

func (p *Pipeline) Error(ctx context.Context, layer, message string, fields map[string]interface{}) error {
	return p.Log(ctx, layer, types.LevelError, message, fields)
}

func (p *Pipeline) Critical(ctx context.Context, layer, message string, fields map[string]interface{}) error {
	return p.Log(ctx, layer, types.LevelCritical, message, fields)
}
