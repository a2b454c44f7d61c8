package tracing

import (
	"context"
	"testing"

	"layerlog/pkg/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabledIsNoop(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	shutdown, err := Init(context.Background(), types.TracingConfig{Enabled: false}, logger)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitEnabledInstallsProvider(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	// The OTLP HTTP exporter connects lazily, so Init succeeds without
	// a collector listening.
	shutdown, err := Init(context.Background(), types.TracingConfig{
		Enabled:     true,
		Endpoint:    "http://127.0.0.1:0/v1/traces",
		ServiceName: "layerlog-test",
		SampleRatio: 1.0,
	}, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Shutdown with a canceled context still tears the provider down.
	_ = shutdown(ctx)
}
