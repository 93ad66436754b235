package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/viper"

	"github.com/jittakal/kaftraffic/internal/config/dto"
	"github.com/jittakal/kaftraffic/internal/encoder"
	"github.com/jittakal/kaftraffic/pkg/traffic"
)

// Loader handles configuration loading and validation
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Not defaulted, so AutomaticEnv alone would not surface it on Unmarshal
	_ = v.BindEnv("kafka.bootstrap_servers")
	return &Loader{v: v}
}

// Load loads configuration from file and environment variables and checks
// the settings shared by every binary.
func (l *Loader) Load(path string) (*dto.ApplicationConfig, error) {
	l.setDefaults()

	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Only values containing ${...} are expanded
	for _, key := range l.v.AllKeys() {
		value := l.v.GetString(key)
		if strings.Contains(value, "${") {
			l.v.Set(key, os.ExpandEnv(value))
		}
	}

	var config dto.ApplicationConfig
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func (l *Loader) setDefaults() {
	// Application defaults
	l.v.SetDefault("application.name", "kaftraffic")
	l.v.SetDefault("application.version", "1.0.0")
	l.v.SetDefault("application.environment", "development")

	// Kafka defaults
	l.v.SetDefault("kafka.security_protocol", "PLAINTEXT")
	l.v.SetDefault("kafka.sasl_mechanism", "PLAIN")
	l.v.SetDefault("kafka.client", "sarama")
	l.v.SetDefault("kafka.topic", "traffic")
	l.v.SetDefault("kafka.consumer.auto_offset_reset", "earliest")
	l.v.SetDefault("kafka.consumer.max_poll_records", 500)
	l.v.SetDefault("kafka.consumer.poll_timeout_ms", 1000)
	l.v.SetDefault("kafka.consumer.max_poll_interval_ms", 300000)
	l.v.SetDefault("kafka.consumer.session_timeout_ms", 10000)
	l.v.SetDefault("kafka.consumer.heartbeat_interval_ms", 3000)
	l.v.SetDefault("kafka.consumer.keep_alive_interval_ms", 60000)
	l.v.SetDefault("kafka.producer.required_acks", -1)
	l.v.SetDefault("kafka.producer.compression", "snappy")
	l.v.SetDefault("kafka.producer.max_message_bytes", 1048576)
	l.v.SetDefault("kafka.producer.idempotent", true)
	l.v.SetDefault("kafka.producer.retry_max", 5)
	l.v.SetDefault("kafka.producer.retry_backoff_ms", 100)
	l.v.SetDefault("kafka.dlq.enabled", true)
	l.v.SetDefault("kafka.dlq.topic_suffix", "-dlq")

	// Capture defaults
	l.v.SetDefault("capture.buffer_size_bytes", 1048576)
	l.v.SetDefault("capture.unordered", false)
	l.v.SetDefault("capture.sink", "kafka")

	// Source defaults
	l.v.SetDefault("source.handoff_delay_ms", 30000)

	// Generator defaults
	l.v.SetDefault("generator.interval_ms", 1000)
	l.v.SetDefault("generator.connections_per_tick", 10)
	l.v.SetDefault("generator.requests_per_connection", 3)
	l.v.SetDefault("generator.max_body_bytes", 2048)
	l.v.SetDefault("generator.large_body_probability", 0.01)
	l.v.SetDefault("generator.large_body_bytes", 4194304)
	l.v.SetDefault("generator.drop_probability", 0.0)
	l.v.SetDefault("generator.exception_probability", 0.05)

	// Storage defaults
	l.v.SetDefault("storage.backend", "file")
	l.v.SetDefault("storage.format", "parquet")
	l.v.SetDefault("storage.schema_version", "1")
	l.v.SetDefault("storage.buffer_size_mb", 64)
	l.v.SetDefault("storage.file.base_path", "./data/archive")
	l.v.SetDefault("storage.s3.use_path_style", false)
	l.v.SetDefault("storage.s3.sse_enabled", true)
	l.v.SetDefault("storage.gcs.use_default_credential", true)

	// File rotation defaults
	l.v.SetDefault("file_rotation.max_file_size_mb", 128)
	l.v.SetDefault("file_rotation.max_records_per_file", 100000)
	l.v.SetDefault("file_rotation.max_duration_seconds", 300)
	l.v.SetDefault("file_rotation.strategy", "any")

	// Observability defaults
	l.v.SetDefault("observability.logging.level", "info")
	l.v.SetDefault("observability.logging.format", "json")
	l.v.SetDefault("observability.logging.output", "stdout")
	l.v.SetDefault("observability.metrics.enabled", true)
	l.v.SetDefault("observability.metrics.port", 9090)
	l.v.SetDefault("observability.metrics.path", "/metrics")
	l.v.SetDefault("observability.health.port", 8080)
	l.v.SetDefault("observability.health.liveness_path", "/health/live")
	l.v.SetDefault("observability.health.readiness_path", "/health/ready")

	// Shutdown defaults
	l.v.SetDefault("shutdown.grace_period_seconds", 30)
	l.v.SetDefault("shutdown.force_timeout_seconds", 60)
}

// Validate validates the settings shared by every binary
func (l *Loader) Validate(config *dto.ApplicationConfig) error {
	if err := config.Kafka.Validate(); err != nil {
		return err
	}

	switch config.Kafka.SecurityProtocol {
	case "PLAINTEXT", "SSL", "SASL_PLAINTEXT", "SASL_SSL":
	default:
		return fmt.Errorf("unsupported security protocol: %s", config.Kafka.SecurityProtocol)
	}

	// Port validation
	if config.Observability.Metrics.Port < 1 || config.Observability.Metrics.Port > 65535 {
		return fmt.Errorf("invalid metrics port: %d", config.Observability.Metrics.Port)
	}
	if config.Observability.Health.Port < 1 || config.Observability.Health.Port > 65535 {
		return fmt.Errorf("invalid health port: %d", config.Observability.Health.Port)
	}

	return nil
}

// ValidateArchiver checks the settings the archiver needs on top of the
// shared ones.
func ValidateArchiver(config *dto.ApplicationConfig) error {
	if config.Kafka.Consumer.GroupID == "" {
		return errors.New("kafka.consumer.group_id is required")
	}
	if config.Kafka.Consumer.KeepAliveIntervalMS >= config.Kafka.Consumer.MaxPollIntervalMS {
		return errors.New("kafka.consumer.keep_alive_interval_ms must be below max_poll_interval_ms")
	}

	// Storage validation
	var err error
	switch config.Storage.Backend {
	case "s3":
		err = config.Storage.S3.Validate()
	case "azure":
		err = config.Storage.Azure.Validate()
	case "gcs":
		err = config.Storage.GCS.Validate()
	case "file":
		err = config.Storage.File.Validate()
	default:
		return fmt.Errorf("unsupported storage backend: %s", config.Storage.Backend)
	}
	if err != nil {
		return fmt.Errorf("storage.%s: %w", config.Storage.Backend, err)
	}

	// Format and compression validation; an empty compression means the
	// format's default
	format := traffic.FileFormat(config.Storage.Format)
	if !slices.Contains(encoder.SupportedFormats(), format) {
		return fmt.Errorf("unsupported storage format: %s", config.Storage.Format)
	}
	if c := strings.ToLower(config.Storage.Compression); c != "" && !slices.Contains(encoder.SupportedCompressions(format), c) {
		return fmt.Errorf("unsupported %s compression: %s (supported: %s)",
			format, config.Storage.Compression, strings.Join(encoder.SupportedCompressions(format), ", "))
	}

	// File rotation validation
	if config.FileRotation.Strategy != "any" && config.FileRotation.Strategy != "all" {
		return fmt.Errorf("unsupported rotation strategy: %s", config.FileRotation.Strategy)
	}

	return nil
}

// ValidateGenerator checks the settings the traffic generator needs on top
// of the shared ones.
func ValidateGenerator(config *dto.ApplicationConfig) error {
	if err := config.Capture.Validate(); err != nil {
		return err
	}
	g := config.Generator
	for name, p := range map[string]float64{
		"large_body_probability": g.LargeBodyProbability,
		"drop_probability":       g.DropProbability,
		"exception_probability":  g.ExceptionProbability,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("generator.%s must be between 0 and 1, got %v", name, p)
		}
	}
	if g.ConnectionsPerTick < 1 || g.RequestsPerConnection < 1 {
		return errors.New("generator.connections_per_tick and requests_per_connection must be positive")
	}
	return nil
}
