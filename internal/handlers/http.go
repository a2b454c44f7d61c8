package handlers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"layerlog/internal/metrics"
	"layerlog/internal/render"
	delerrors "layerlog/pkg/errors"
	"layerlog/pkg/types"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
)

// HTTPHandler pushes records to a remote collector as one NDJSON
// document per batch, optionally gzip-compressed. A 4xx answer is a
// permanent failure (the payload will not get better on retry); 5xx
// and transport errors are transient.
type HTTPHandler struct {
	name     string
	url      string
	gzip     bool
	headers  map[string]string
	failFast bool
	client   *http.Client
	renderer types.Renderer
	logger   *logrus.Logger
	health   *healthTracker
}

// NewHTTPHandler creates the push handler.
func NewHTTPHandler(cfg types.HTTPHandlerConfig, unhealthyThreshold int, logger *logrus.Logger) (*HTTPHandler, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http handler: no url configured")
	}
	name := cfg.Name
	if name == "" {
		name = "http"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPHandler{
		name:     name,
		url:      cfg.URL,
		gzip:     cfg.Gzip,
		headers:  cfg.Headers,
		failFast: cfg.FailFast,
		client:   &http.Client{Timeout: timeout},
		renderer: render.JSONRenderer{},
		logger:   logger,
		health:   newHealthTracker(unhealthyThreshold),
	}, nil
}

func (h *HTTPHandler) Name() string   { return h.name }
func (h *HTTPHandler) FailFast() bool { return h.failFast }
func (h *HTTPHandler) Healthy() bool  { return h.health.healthy() }
func (h *HTTPHandler) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

// Write posts the whole batch in one request. Delivery is
// all-or-nothing per batch: the collector either accepted the document
// or it did not.
func (h *HTTPHandler) Write(ctx context.Context, batch *types.Batch) types.HandlerOutcome {
	out := types.HandlerOutcome{Handler: h.name}

	var body bytes.Buffer
	rendered := make([]uint64, 0, len(batch.Items))
	for _, item := range batch.Items {
		line, err := h.renderer.Render(item.Record)
		if err != nil {
			out.Failed = append(out.Failed, types.ItemFailure{Seq: item.Record.Seq, Reason: err.Error()})
			continue
		}
		body.Write(line)
		rendered = append(rendered, item.Record.Seq)
	}
	if len(rendered) == 0 {
		return out
	}

	if err := h.post(ctx, body.Bytes()); err != nil {
		h.health.fail()
		metrics.RecordError("http_handler", delerrors.ClassOf(err).String())
		for _, seq := range rendered {
			out.Failed = append(out.Failed, types.ItemFailure{Seq: seq, Reason: err.Error()})
		}
		return out
	}

	h.health.ok()
	out.Succeeded = len(rendered)
	return out
}

// WriteDirect posts a single record.
func (h *HTTPHandler) WriteDirect(ctx context.Context, item types.QueueItem) error {
	line, err := h.renderer.Render(item.Record)
	if err != nil {
		return delerrors.Permanent(h.name, "render", err)
	}
	if err := h.post(ctx, line); err != nil {
		h.health.fail()
		return err
	}
	h.health.ok()
	return nil
}

func (h *HTTPHandler) post(ctx context.Context, payload []byte) error {
	body := payload
	encoding := ""
	if h.gzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			zw.Close()
			return delerrors.Permanent(h.name, "compress", err)
		}
		if err := zw.Close(); err != nil {
			return delerrors.Permanent(h.name, "compress", err)
		}
		body = buf.Bytes()
		encoding = "gzip"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return delerrors.Permanent(h.name, "request", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return delerrors.Transient(h.name, "post", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return delerrors.Permanent(h.name, "post", fmt.Errorf("collector rejected batch: %s", resp.Status))
	default:
		return delerrors.Transient(h.name, "post", fmt.Errorf("collector unavailable: %s", resp.Status))
	}
}
