package handlers

import (
	"context"
	"io"
	"os"
	"sync"

	"layerlog/internal/render"
	delerrors "layerlog/pkg/errors"
	"layerlog/pkg/types"
)

// ConsoleHandler renders records to a writer, stdout by default. It is
// the cheapest destination and the usual sync-fallback target, so it
// never reports unhealthy.
type ConsoleHandler struct {
	renderer types.Renderer
	failFast bool

	mu  sync.Mutex
	out io.Writer
}

// NewConsoleHandler creates a console handler writing to stdout.
func NewConsoleHandler(cfg types.ConsoleHandlerConfig) (*ConsoleHandler, error) {
	renderer, err := render.NewRenderer(cfg.Format)
	if err != nil {
		return nil, err
	}
	return &ConsoleHandler{
		renderer: renderer,
		failFast: cfg.FailFast,
		out:      os.Stdout,
	}, nil
}

func (h *ConsoleHandler) Name() string   { return "console" }
func (h *ConsoleHandler) FailFast() bool { return h.failFast }
func (h *ConsoleHandler) Healthy() bool  { return true }
func (h *ConsoleHandler) Close() error   { return nil }

// SetOutput redirects the handler, used by tests.
func (h *ConsoleHandler) SetOutput(w io.Writer) {
	h.mu.Lock()
	h.out = w
	h.mu.Unlock()
}

func (h *ConsoleHandler) Write(ctx context.Context, batch *types.Batch) types.HandlerOutcome {
	out := types.HandlerOutcome{Handler: h.Name()}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, item := range batch.Items {
		if err := ctx.Err(); err != nil {
			out.Failed = append(out.Failed, types.ItemFailure{Seq: item.Record.Seq, Reason: err.Error()})
			continue
		}
		line, err := h.renderer.Render(item.Record)
		if err != nil {
			out.Failed = append(out.Failed, types.ItemFailure{Seq: item.Record.Seq, Reason: err.Error()})
			continue
		}
		if _, err := h.out.Write(line); err != nil {
			out.Failed = append(out.Failed, types.ItemFailure{Seq: item.Record.Seq, Reason: err.Error()})
			continue
		}
		out.Succeeded++
	}
	return out
}

func (h *ConsoleHandler) WriteDirect(ctx context.Context, item types.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := h.renderer.Render(item.Record)
	if err != nil {
		return delerrors.Permanent(h.Name(), "render", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.out.Write(line)
	return err
}
