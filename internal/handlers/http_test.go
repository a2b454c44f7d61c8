package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	delerrors "layerlog/pkg/errors"
	"layerlog/pkg/types"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHTTPHandler(t *testing.T, url string, useGzip bool) *HTTPHandler {
	t.Helper()
	h, err := NewHTTPHandler(types.HTTPHandlerConfig{
		Name:    "collector",
		URL:     url,
		Gzip:    useGzip,
		Timeout: 2 * time.Second,
		Headers: map[string]string{"X-Api-Key": "k123"},
	}, 3, testLogger())
	require.NoError(t, err)
	return h
}

func TestHTTPHandlerPostsNDJSON(t *testing.T) {
	var gotBody string
	var gotContentType, gotAPIKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotContentType = r.Header.Get("Content-Type")
		gotAPIKey = r.Header.Get("X-Api-Key")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := newTestHTTPHandler(t, srv.URL, false)
	out := h.Write(context.Background(), fileBatch(1, 2))
	require.True(t, out.Ok())
	assert.Equal(t, 2, out.Succeeded)

	lines := strings.Split(strings.TrimSpace(gotBody), "\n")
	assert.Len(t, lines, 2)
	assert.Equal(t, "application/x-ndjson", gotContentType)
	assert.Equal(t, "k123", gotAPIKey)
}

func TestHTTPHandlerGzipsPayload(t *testing.T) {
	var decoded string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		zr, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		body, _ := io.ReadAll(zr)
		decoded = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newTestHTTPHandler(t, srv.URL, true)
	out := h.Write(context.Background(), fileBatch(5))
	require.True(t, out.Ok())
	assert.Contains(t, decoded, `"seq":5`)
}

func TestHTTPHandlerClassifiesRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	h := newTestHTTPHandler(t, srv.URL, false)
	err := h.WriteDirect(context.Background(), fileBatch(1).Items[0])
	require.Error(t, err)
	assert.True(t, delerrors.IsPermanent(err))
}

func TestHTTPHandlerClassifiesOutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := newTestHTTPHandler(t, srv.URL, false)
	err := h.WriteDirect(context.Background(), fileBatch(1).Items[0])
	require.Error(t, err)
	assert.True(t, delerrors.IsTransient(err))
}

func TestHTTPHandlerHealthDegradesAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := newTestHTTPHandler(t, srv.URL, false)
	require.True(t, h.Healthy())

	for i := 0; i < 3; i++ {
		_ = h.Write(context.Background(), fileBatch(uint64(i+1)))
	}
	assert.False(t, h.Healthy())
}
