package types

import "time"

// Config is the full application configuration. The pipeline treats
// everything below as immutable for the lifetime of one pipeline
// instance; the hot-reload watcher builds a replacement instance
// instead of mutating a running one.
type Config struct {
	App      AppConfig      `yaml:"app"`
	Server   ServerConfig   `yaml:"server"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Sanitize SanitizeConfig `yaml:"sanitize"`
	Durable  DurableConfig  `yaml:"durable"`
	Handlers HandlersConfig `yaml:"handlers"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

// PipelineConfig configures the bounded queue, batcher, dispatcher and
// lifecycle manager of one pipeline instance.
type PipelineConfig struct {
	QueueCapacity   int           `yaml:"queue_capacity"`
	Workers         int           `yaml:"workers"`
	BatchSize       int           `yaml:"batch_size"`
	BatchTimeout    time.Duration `yaml:"batch_timeout"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	RetryCeiling    int           `yaml:"retry_ceiling"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay   time.Duration `yaml:"retry_max_delay"`
	FallbackTimeout time.Duration `yaml:"fallback_timeout"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`

	// UnhealthyThreshold is the number of consecutive permanent errors
	// after which a handler is skipped until it reports healthy again.
	UnhealthyThreshold int `yaml:"unhealthy_threshold"`

	SideChannel SideChannelConfig `yaml:"side_channel"`
}

// SideChannelConfig configures the last-resort journal for abandoned,
// dropped and integrity events.
type SideChannelConfig struct {
	Directory   string `yaml:"directory"`
	MaxFileSize int64  `yaml:"max_file_size_mb"`
	MaxSegments int    `yaml:"max_segments"`
	QueueSize   int    `yaml:"queue_size"`
}

// SanitizeRuleConfig declares one pattern -> replacement rule. A rule
// with Field set targets a context key by name regardless of value
// type; otherwise Pattern is applied to the message and to string
// context values.
type SanitizeRuleConfig struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
	Field       string `yaml:"field,omitempty"`
}

// SanitizeConfig configures the sanitization stage.
type SanitizeConfig struct {
	Enabled    bool                 `yaml:"enabled"`
	Builtin    bool                 `yaml:"builtin_rules"`
	Rules      []SanitizeRuleConfig `yaml:"rules"`
	CacheSize  int                  `yaml:"cache_size"`
	RedactWith string               `yaml:"redact_with"`
}

// DurableConfig configures the durable write primitives shared by all
// file-backed handlers.
type DurableConfig struct {
	BackupRetention int    `yaml:"backup_retention"`
	BackupCodec     string `yaml:"backup_codec"` // none, gzip, snappy, lz4
}

// HandlersConfig is the catalog of configured destinations.
type HandlersConfig struct {
	File    []FileHandlerConfig   `yaml:"file"`
	Console *ConsoleHandlerConfig `yaml:"console,omitempty"`
	Kafka   *KafkaHandlerConfig   `yaml:"kafka,omitempty"`
	HTTP    *HTTPHandlerConfig    `yaml:"http,omitempty"`
}

// FileHandlerConfig configures one file destination.
type FileHandlerConfig struct {
	Name        string `yaml:"name"`
	Path        string `yaml:"path"`
	Format      string `yaml:"format"` // json, text, csv
	FailFast    bool   `yaml:"fail_fast"`
	MaxFileSize int64  `yaml:"max_file_size_mb"` // rotate above this, 0 = default
}

// ConsoleHandlerConfig configures the console destination.
type ConsoleHandlerConfig struct {
	Format   string `yaml:"format"`
	FailFast bool   `yaml:"fail_fast"`
}

// KafkaHandlerConfig configures the Kafka destination.
type KafkaHandlerConfig struct {
	Name            string        `yaml:"name"`
	Brokers         []string      `yaml:"brokers"`
	Topic           string        `yaml:"topic"`
	RequiredAcks    int           `yaml:"required_acks"`
	Compression     string        `yaml:"compression"` // none, gzip, snappy, lz4, zstd
	MaxMessageBytes int           `yaml:"max_message_bytes"`
	Timeout         time.Duration `yaml:"timeout"`
	FailFast        bool            `yaml:"fail_fast"`
	Auth            KafkaAuthConfig `yaml:"auth"`
}

// KafkaAuthConfig configures SASL authentication for Kafka.
type KafkaAuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Mechanism string `yaml:"mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// HTTPHandlerConfig configures the generic HTTP push destination.
type HTTPHandlerConfig struct {
	Name     string            `yaml:"name"`
	URL      string            `yaml:"url"`
	Timeout  time.Duration     `yaml:"timeout"`
	Gzip     bool              `yaml:"gzip"`
	Headers  map[string]string `yaml:"headers,omitempty"`
	FailFast bool              `yaml:"fail_fast"`
}

// MonitorConfig configures the resource monitor that feeds overload
// rejection of non-critical records.
type MonitorConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Interval        time.Duration `yaml:"interval"`
	MemoryThreshold float64       `yaml:"memory_threshold"` // fraction, 0..1
	CPUThreshold    float64       `yaml:"cpu_threshold"`    // fraction, 0..1
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}
