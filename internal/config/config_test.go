package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"layerlog/pkg/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	config, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "layerlog", config.App.Name)
	assert.Equal(t, "info", config.App.LogLevel)
	assert.Equal(t, 10000, config.Pipeline.QueueCapacity)
	assert.Equal(t, 2, config.Pipeline.Workers)
	assert.Equal(t, 100, config.Pipeline.BatchSize)
	assert.Equal(t, time.Second, config.Pipeline.BatchTimeout)
	assert.Equal(t, 30*time.Second, config.Pipeline.DispatchTimeout)
	assert.Equal(t, 3, config.Pipeline.RetryCeiling)
	assert.Equal(t, 500*time.Millisecond, config.Pipeline.RetryBaseDelay)
	assert.Equal(t, 30*time.Second, config.Pipeline.DrainTimeout)
	assert.Equal(t, 5, config.Pipeline.UnhealthyThreshold)
	assert.Equal(t, "data/sidechannel", config.Pipeline.SideChannel.Directory)
	assert.Equal(t, 4096, config.Sanitize.CacheSize)
	assert.Equal(t, 3, config.Durable.BackupRetention)
	assert.Equal(t, 0.90, config.Monitor.MemoryThreshold)
	assert.Equal(t, 0.1, config.Tracing.SampleRatio)
	assert.Equal(t, config.App.Name, config.Tracing.ServiceName)
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfigFile(t, `
app:
  name: orders
  log_level: debug
pipeline:
  queue_capacity: 500
  workers: 4
  batch_timeout: 250ms
handlers:
  file:
    - path: /tmp/orders.log
      format: json
`)

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "orders", config.App.Name)
	assert.Equal(t, "debug", config.App.LogLevel)
	assert.Equal(t, 500, config.Pipeline.QueueCapacity)
	assert.Equal(t, 4, config.Pipeline.Workers)
	assert.Equal(t, 250*time.Millisecond, config.Pipeline.BatchTimeout)
	require.Len(t, config.Handlers.File, 1)
	assert.Equal(t, "/tmp/orders.log", config.Handlers.File[0].Path)

	// Unset knobs still default.
	assert.Equal(t, 100, config.Pipeline.BatchSize)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadMalformedYAMLFails(t *testing.T) {
	path := writeConfigFile(t, "app: [not: a: mapping")
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
app:
  name: from-file
pipeline:
  queue_capacity: 100
`)

	t.Setenv("LAYERLOG_APP_NAME", "from-env")
	t.Setenv("LAYERLOG_QUEUE_CAPACITY", "2500")
	t.Setenv("LAYERLOG_BATCH_TIMEOUT", "2s")
	t.Setenv("LAYERLOG_SANITIZE_ENABLED", "true")

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", config.App.Name)
	assert.Equal(t, 2500, config.Pipeline.QueueCapacity)
	assert.Equal(t, 2*time.Second, config.Pipeline.BatchTimeout)
	assert.True(t, config.Sanitize.Enabled)
}

func TestKafkaCredentialsFromEnvironment(t *testing.T) {
	path := writeConfigFile(t, `
handlers:
  kafka:
    brokers: [localhost:9092]
    topic: logs
`)

	t.Setenv("LAYERLOG_KAFKA_USERNAME", "svc-logs")
	t.Setenv("LAYERLOG_KAFKA_PASSWORD", "s3cret")

	config, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, config.Handlers.Kafka)
	assert.Equal(t, "svc-logs", config.Handlers.Kafka.Auth.Username)
	assert.Equal(t, "s3cret", config.Handlers.Kafka.Auth.Password)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*types.Config)
	}{
		{"negative queue capacity", func(c *types.Config) { c.Pipeline.QueueCapacity = -1 }},
		{"negative workers", func(c *types.Config) { c.Pipeline.Workers = -2 }},
		{"retry base above max", func(c *types.Config) {
			c.Pipeline.RetryBaseDelay = time.Minute
			c.Pipeline.RetryMaxDelay = time.Second
		}},
		{"unknown log level", func(c *types.Config) { c.App.LogLevel = "verbose" }},
		{"file handler without path", func(c *types.Config) {
			c.Handlers.File = []types.FileHandlerConfig{{Format: "json"}}
		}},
		{"kafka without brokers", func(c *types.Config) {
			c.Handlers.Kafka = &types.KafkaHandlerConfig{Topic: "logs"}
		}},
		{"kafka without topic", func(c *types.Config) {
			c.Handlers.Kafka = &types.KafkaHandlerConfig{Brokers: []string{"localhost:9092"}}
		}},
		{"http without url", func(c *types.Config) {
			c.Handlers.HTTP = &types.HTTPHandlerConfig{}
		}},
		{"memory threshold above one", func(c *types.Config) { c.Monitor.MemoryThreshold = 1.5 }},
		{"tracing enabled without endpoint", func(c *types.Config) { c.Tracing.Enabled = true }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			config := &types.Config{}
			ApplyDefaults(config)
			tc.mutate(config)
			assert.Error(t, Validate(config))
		})
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	config := &types.Config{}
	ApplyDefaults(config)
	assert.NoError(t, Validate(config))
}

func TestReloaderEmitsReplacementConfig(t *testing.T) {
	path := writeConfigFile(t, "app:\n  name: v1\n")

	configs := make(chan *types.Config, 4)
	r, err := NewReloader(path, func(c *types.Config) { configs <- c }, testLogger())
	require.NoError(t, err)
	r.Start(t.Context())
	defer r.Stop()

	require.NoError(t, os.WriteFile(path, []byte("app:\n  name: v2\n"), 0o644))

	select {
	case next := <-configs:
		assert.Equal(t, "v2", next.App.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never fired")
	}
}

func TestReloaderKeepsPreviousOnBadChange(t *testing.T) {
	path := writeConfigFile(t, "app:\n  name: good\n")

	configs := make(chan *types.Config, 4)
	r, err := NewReloader(path, func(c *types.Config) { configs <- c }, testLogger())
	require.NoError(t, err)
	r.Start(t.Context())
	defer r.Stop()

	require.NoError(t, os.WriteFile(path, []byte("app: [broken"), 0o644))

	select {
	case c := <-configs:
		t.Fatalf("invalid config was accepted: %+v", c.App)
	case <-time.After(2 * reloadDebounce):
	}
}
