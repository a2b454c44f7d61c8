// Package config loads the application configuration: YAML file first,
// then LAYERLOG_* environment overrides, then defaults for whatever is
// still zero. Validation runs last so every source has had its say.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"layerlog/pkg/types"

	"gopkg.in/yaml.v2"
)

// Load reads the configuration from configFile (optional) and the
// environment.
func Load(configFile string) (*types.Config, error) {
	config := &types.Config{}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", configFile, err)
		}
	}

	applyEnvironmentOverrides(config)
	ApplyDefaults(config)

	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyDefaults fills zero values with the documented defaults.
func ApplyDefaults(config *types.Config) {
	if config.App.Name == "" {
		config.App.Name = "layerlog"
	}
	if config.App.Environment == "" {
		config.App.Environment = "production"
	}
	if config.App.LogLevel == "" {
		config.App.LogLevel = "info"
	}
	if config.App.LogFormat == "" {
		config.App.LogFormat = "json"
	}

	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 8080
	}

	p := &config.Pipeline
	if p.QueueCapacity == 0 {
		p.QueueCapacity = 10000
	}
	if p.Workers == 0 {
		p.Workers = 2
	}
	if p.BatchSize == 0 {
		p.BatchSize = 100
	}
	if p.BatchTimeout == 0 {
		p.BatchTimeout = time.Second
	}
	if p.DispatchTimeout == 0 {
		p.DispatchTimeout = 30 * time.Second
	}
	if p.RetryCeiling == 0 {
		p.RetryCeiling = 3
	}
	if p.RetryBaseDelay == 0 {
		p.RetryBaseDelay = 500 * time.Millisecond
	}
	if p.RetryMaxDelay == 0 {
		p.RetryMaxDelay = 30 * time.Second
	}
	if p.FallbackTimeout == 0 {
		p.FallbackTimeout = 5 * time.Second
	}
	if p.DrainTimeout == 0 {
		p.DrainTimeout = 30 * time.Second
	}
	if p.UnhealthyThreshold == 0 {
		p.UnhealthyThreshold = 5
	}
	if p.SideChannel.Directory == "" {
		p.SideChannel.Directory = "data/sidechannel"
	}
	if p.SideChannel.MaxFileSize == 0 {
		p.SideChannel.MaxFileSize = 64
	}
	if p.SideChannel.MaxSegments == 0 {
		p.SideChannel.MaxSegments = 8
	}
	if p.SideChannel.QueueSize == 0 {
		p.SideChannel.QueueSize = 1024
	}

	if config.Sanitize.CacheSize == 0 {
		config.Sanitize.CacheSize = 4096
	}

	if config.Durable.BackupRetention == 0 {
		config.Durable.BackupRetention = 3
	}
	if config.Durable.BackupCodec == "" {
		config.Durable.BackupCodec = "none"
	}

	if config.Monitor.Interval == 0 {
		config.Monitor.Interval = 10 * time.Second
	}
	if config.Monitor.MemoryThreshold == 0 {
		config.Monitor.MemoryThreshold = 0.90
	}
	if config.Monitor.CPUThreshold == 0 {
		config.Monitor.CPUThreshold = 0.95
	}

	if config.Tracing.ServiceName == "" {
		config.Tracing.ServiceName = config.App.Name
	}
	if config.Tracing.SampleRatio == 0 {
		config.Tracing.SampleRatio = 0.1
	}
}

// Validate rejects configurations the pipeline cannot run with.
func Validate(config *types.Config) error {
	p := config.Pipeline
	if p.QueueCapacity < 0 {
		return fmt.Errorf("config: pipeline.queue_capacity must not be negative")
	}
	if p.Workers < 0 {
		return fmt.Errorf("config: pipeline.workers must not be negative")
	}
	if p.BatchSize < 0 {
		return fmt.Errorf("config: pipeline.batch_size must not be negative")
	}
	if p.RetryCeiling < 0 {
		return fmt.Errorf("config: pipeline.retry_ceiling must not be negative")
	}
	if p.RetryBaseDelay > p.RetryMaxDelay {
		return fmt.Errorf("config: pipeline.retry_base_delay exceeds retry_max_delay")
	}

	if config.App.LogLevel != "" {
		if _, err := parseLogrusLevel(config.App.LogLevel); err != nil {
			return fmt.Errorf("config: app.log_level: %w", err)
		}
	}

	for i, fc := range config.Handlers.File {
		if fc.Path == "" {
			return fmt.Errorf("config: handlers.file[%d]: path is required", i)
		}
	}
	if kc := config.Handlers.Kafka; kc != nil {
		if len(kc.Brokers) == 0 {
			return fmt.Errorf("config: handlers.kafka: brokers are required")
		}
		if kc.Topic == "" {
			return fmt.Errorf("config: handlers.kafka: topic is required")
		}
	}
	if hc := config.Handlers.HTTP; hc != nil && hc.URL == "" {
		return fmt.Errorf("config: handlers.http: url is required")
	}

	if config.Monitor.MemoryThreshold < 0 || config.Monitor.MemoryThreshold > 1 {
		return fmt.Errorf("config: monitor.memory_threshold must be within [0, 1]")
	}
	if config.Monitor.CPUThreshold < 0 || config.Monitor.CPUThreshold > 1 {
		return fmt.Errorf("config: monitor.cpu_threshold must be within [0, 1]")
	}
	if config.Tracing.Enabled && config.Tracing.Endpoint == "" {
		return fmt.Errorf("config: tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

func parseLogrusLevel(s string) (string, error) {
	switch strings.ToLower(s) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
		return strings.ToLower(s), nil
	}
	return "", fmt.Errorf("unknown level %q", s)
}

// applyEnvironmentOverrides maps LAYERLOG_* variables over the file
// values. Only the operationally interesting knobs are exposed.
func applyEnvironmentOverrides(config *types.Config) {
	config.App.Name = envString("LAYERLOG_APP_NAME", config.App.Name)
	config.App.Environment = envString("LAYERLOG_ENVIRONMENT", config.App.Environment)
	config.App.LogLevel = envString("LAYERLOG_LOG_LEVEL", config.App.LogLevel)
	config.App.LogFormat = envString("LAYERLOG_LOG_FORMAT", config.App.LogFormat)

	config.Server.Enabled = envBool("LAYERLOG_SERVER_ENABLED", config.Server.Enabled)
	config.Server.Host = envString("LAYERLOG_SERVER_HOST", config.Server.Host)
	config.Server.Port = envInt("LAYERLOG_SERVER_PORT", config.Server.Port)

	p := &config.Pipeline
	p.QueueCapacity = envInt("LAYERLOG_QUEUE_CAPACITY", p.QueueCapacity)
	p.Workers = envInt("LAYERLOG_WORKERS", p.Workers)
	p.BatchSize = envInt("LAYERLOG_BATCH_SIZE", p.BatchSize)
	p.BatchTimeout = envDuration("LAYERLOG_BATCH_TIMEOUT", p.BatchTimeout)
	p.DispatchTimeout = envDuration("LAYERLOG_DISPATCH_TIMEOUT", p.DispatchTimeout)
	p.RetryCeiling = envInt("LAYERLOG_RETRY_CEILING", p.RetryCeiling)
	p.DrainTimeout = envDuration("LAYERLOG_DRAIN_TIMEOUT", p.DrainTimeout)
	p.SideChannel.Directory = envString("LAYERLOG_SIDE_CHANNEL_DIR", p.SideChannel.Directory)

	config.Sanitize.Enabled = envBool("LAYERLOG_SANITIZE_ENABLED", config.Sanitize.Enabled)
	config.Monitor.Enabled = envBool("LAYERLOG_MONITOR_ENABLED", config.Monitor.Enabled)
	config.Tracing.Enabled = envBool("LAYERLOG_TRACING_ENABLED", config.Tracing.Enabled)
	config.Tracing.Endpoint = envString("LAYERLOG_TRACING_ENDPOINT", config.Tracing.Endpoint)

	if kc := config.Handlers.Kafka; kc != nil {
		kc.Auth.Username = envString("LAYERLOG_KAFKA_USERNAME", kc.Auth.Username)
		kc.Auth.Password = envString("LAYERLOG_KAFKA_PASSWORD", kc.Auth.Password)
	}
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
