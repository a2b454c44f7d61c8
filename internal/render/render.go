// Package render serializes records into destination bytes. File and
// console handlers pick a renderer by configured format name.
package render

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"layerlog/pkg/types"
)

// NewRenderer returns the renderer for a format name. Supported
// formats are json, text and csv; empty means json.
func NewRenderer(format string) (types.Renderer, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return JSONRenderer{}, nil
	case "text":
		return TextRenderer{}, nil
	case "csv":
		return CSVRenderer{}, nil
	}
	return nil, fmt.Errorf("unknown render format %q", format)
}

// JSONRenderer emits one JSON object per line.
type JSONRenderer struct{}

type jsonRecord struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Layer     string                 `json:"layer"`
	Message   string                 `json:"message"`
	Seq       uint64                 `json:"seq"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

func (JSONRenderer) Format() string { return "json" }

func (JSONRenderer) Render(record types.Record) ([]byte, error) {
	out, err := json.Marshal(jsonRecord{
		Timestamp: record.CreatedAt.UTC().Format(time.RFC3339Nano),
		Level:     record.Level.String(),
		Layer:     record.Layer,
		Message:   record.Message,
		Seq:       record.Seq,
		TraceID:   record.TraceID,
		Context:   record.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("render json: %w", err)
	}
	return append(out, '\n'), nil
}

// TextRenderer emits a human-readable single line:
//
//	2026-01-02T15:04:05Z [INFO] api: message key=value
type TextRenderer struct{}

func (TextRenderer) Format() string { return "text" }

func (TextRenderer) Render(record types.Record) ([]byte, error) {
	var b strings.Builder
	b.WriteString(record.CreatedAt.UTC().Format(time.RFC3339))
	b.WriteString(" [")
	b.WriteString(record.Level.String())
	b.WriteString("] ")
	b.WriteString(record.Layer)
	b.WriteString(": ")
	b.WriteString(record.Message)

	// Context keys are sorted so the same record always renders the
	// same bytes.
	if len(record.Context) > 0 {
		keys := make([]string, 0, len(record.Context))
		for k := range record.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, record.Context[k])
		}
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

// CSVRenderer emits one RFC 4180 row per record:
// timestamp, level, layer, message, seq, trace_id, context-json.
type CSVRenderer struct{}

func (CSVRenderer) Format() string { return "csv" }

func (CSVRenderer) Render(record types.Record) ([]byte, error) {
	var contextJSON string
	if len(record.Context) > 0 {
		raw, err := json.Marshal(record.Context)
		if err != nil {
			return nil, fmt.Errorf("render csv context: %w", err)
		}
		contextJSON = string(raw)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	err := w.Write([]string{
		record.CreatedAt.UTC().Format(time.RFC3339Nano),
		record.Level.String(),
		record.Layer,
		record.Message,
		fmt.Sprintf("%d", record.Seq),
		record.TraceID,
		contextJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("render csv: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("render csv: %w", err)
	}
	return buf.Bytes(), nil
}
