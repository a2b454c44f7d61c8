package handlers

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"layerlog/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsoleHandlerWritesBatch(t *testing.T) {
	h, err := NewConsoleHandler(types.ConsoleHandlerConfig{Format: "text"})
	require.NoError(t, err)

	var buf bytes.Buffer
	h.SetOutput(&buf)

	out := h.Write(context.Background(), fileBatch(1, 2, 3))
	require.True(t, out.Ok())
	assert.Equal(t, 3, out.Succeeded)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[0], "[INFO] api: hello")
}

func TestConsoleHandlerWriteDirect(t *testing.T) {
	h, err := NewConsoleHandler(types.ConsoleHandlerConfig{Format: "json"})
	require.NoError(t, err)

	var buf bytes.Buffer
	h.SetOutput(&buf)

	require.NoError(t, h.WriteDirect(context.Background(), fileBatch(9).Items[0]))
	assert.Contains(t, buf.String(), `"seq":9`)
}

func TestConsoleHandlerIsAlwaysHealthy(t *testing.T) {
	h, err := NewConsoleHandler(types.ConsoleHandlerConfig{})
	require.NoError(t, err)
	assert.True(t, h.Healthy())
	assert.Equal(t, "console", h.Name())
}
