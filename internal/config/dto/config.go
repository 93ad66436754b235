package dto

import (
	"fmt"
	"time"
)

// ApplicationConfig is the root configuration structure
type ApplicationConfig struct {
	Application   ApplicationInfo     `mapstructure:"application"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Capture       CaptureConfig       `mapstructure:"capture"`
	Source        SourceConfig        `mapstructure:"source"`
	Generator     GeneratorConfig     `mapstructure:"generator"`
	Storage       StorageConfig       `mapstructure:"storage"`
	FileRotation  FileRotationConfig  `mapstructure:"file_rotation"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Shutdown      ShutdownConfig      `mapstructure:"shutdown"`
}

// ApplicationInfo contains application metadata
type ApplicationInfo struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// KafkaConfig contains Kafka-related configuration
type KafkaConfig struct {
	BootstrapServers []string       `mapstructure:"bootstrap_servers"`
	SecurityProtocol string         `mapstructure:"security_protocol"`
	SASLMechanism    string         `mapstructure:"sasl_mechanism"`
	SASLUsername     string         `mapstructure:"sasl_username"`
	SASLPassword     string         `mapstructure:"sasl_password"`
	AWSRegion        string         `mapstructure:"aws_region"`
	TLS              TLSConfig      `mapstructure:"tls"`
	Client           string         `mapstructure:"client"`
	Topic            string         `mapstructure:"topic"`
	Consumer         ConsumerConfig `mapstructure:"consumer"`
	Producer         ProducerConfig `mapstructure:"producer"`
	DLQ              DLQConfig      `mapstructure:"dlq"`
}

// TLSConfig contains broker TLS settings
type TLSConfig struct {
	CACertFile         string `mapstructure:"ca_cert_file"`
	ClientCertFile     string `mapstructure:"client_cert_file"`
	ClientKeyFile      string `mapstructure:"client_key_file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// ConsumerConfig contains Kafka consumer configuration
type ConsumerConfig struct {
	GroupID             string `mapstructure:"group_id"`
	AutoOffsetReset     string `mapstructure:"auto_offset_reset"`
	MaxPollRecords      int    `mapstructure:"max_poll_records"`
	PollTimeoutMS       int    `mapstructure:"poll_timeout_ms"`
	MaxPollIntervalMS   int    `mapstructure:"max_poll_interval_ms"`
	SessionTimeoutMS    int    `mapstructure:"session_timeout_ms"`
	HeartbeatIntervalMS int    `mapstructure:"heartbeat_interval_ms"`
	KeepAliveIntervalMS int    `mapstructure:"keep_alive_interval_ms"`
}

// ProducerConfig contains Kafka producer configuration
type ProducerConfig struct {
	RequiredAcks    int    `mapstructure:"required_acks"`
	Compression     string `mapstructure:"compression"`
	MaxMessageBytes int    `mapstructure:"max_message_bytes"`
	Idempotent      bool   `mapstructure:"idempotent"`
	RetryMax        int    `mapstructure:"retry_max"`
	RetryBackoffMS  int    `mapstructure:"retry_backoff_ms"`
}

// DLQConfig contains dead letter queue configuration
type DLQConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	TopicSuffix string `mapstructure:"topic_suffix"`
}

// CaptureConfig contains capture-side serialization settings
type CaptureConfig struct {
	NodeID          string `mapstructure:"node_id"`
	BufferSizeBytes int    `mapstructure:"buffer_size_bytes"`
	Unordered       bool   `mapstructure:"unordered"`
	Sink            string `mapstructure:"sink"`
	FilePath        string `mapstructure:"file_path"`
}

// SourceConfig contains traffic source settings
type SourceConfig struct {
	HandoffDelayMS int `mapstructure:"handoff_delay_ms"`
}

// GeneratorConfig contains synthetic traffic settings
type GeneratorConfig struct {
	IntervalMS            int     `mapstructure:"interval_ms"`
	ConnectionsPerTick    int     `mapstructure:"connections_per_tick"`
	RequestsPerConnection int     `mapstructure:"requests_per_connection"`
	MaxBodyBytes          int     `mapstructure:"max_body_bytes"`
	LargeBodyProbability  float64 `mapstructure:"large_body_probability"`
	LargeBodyBytes        int     `mapstructure:"large_body_bytes"`
	DropProbability       float64 `mapstructure:"drop_probability"`
	ExceptionProbability  float64 `mapstructure:"exception_probability"`
}

// StorageConfig contains storage backend configuration
type StorageConfig struct {
	Backend       string      `mapstructure:"backend"`
	Format        string      `mapstructure:"format"`
	Compression   string      `mapstructure:"compression"`
	SchemaVersion string      `mapstructure:"schema_version"`
	BufferSizeMB  int         `mapstructure:"buffer_size_mb"`
	S3            S3Config    `mapstructure:"s3"`
	Azure         AzureConfig `mapstructure:"azure"`
	GCS           GCSConfig   `mapstructure:"gcs"`
	File          FileConfig  `mapstructure:"file"`
}

// S3Config contains AWS S3 configuration
type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	BasePath     string `mapstructure:"base_path"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
	SSEEnabled   bool   `mapstructure:"sse_enabled"`
	SSEKMSKeyID  string `mapstructure:"sse_kms_key_id"`
}

// AzureConfig contains Azure Blob Storage configuration
type AzureConfig struct {
	AccountName string `mapstructure:"account_name"`
	AccountKey  string `mapstructure:"account_key"`
	Container   string `mapstructure:"container"`
	BasePath    string `mapstructure:"base_path"`
	Endpoint    string `mapstructure:"endpoint"`
}

// GCSConfig contains Google Cloud Storage configuration
type GCSConfig struct {
	Bucket               string `mapstructure:"bucket"`
	ProjectID            string `mapstructure:"project_id"`
	BasePath             string `mapstructure:"base_path"`
	Endpoint             string `mapstructure:"endpoint"`
	CredentialsFile      string `mapstructure:"credentials_file"`
	CredentialsJSON      string `mapstructure:"credentials_json"`
	UseDefaultCredential bool   `mapstructure:"use_default_credential"`
}

// FileConfig contains local filesystem configuration
type FileConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// FileRotationConfig contains file rotation settings
type FileRotationConfig struct {
	MaxFileSizeMB      int64  `mapstructure:"max_file_size_mb"`
	MaxRecordsPerFile  int    `mapstructure:"max_records_per_file"`
	MaxDurationSeconds int    `mapstructure:"max_duration_seconds"`
	Strategy           string `mapstructure:"strategy"`
}

// ObservabilityConfig contains observability settings
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Health  HealthConfig  `mapstructure:"health"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// HealthConfig contains health check settings
type HealthConfig struct {
	Port          int    `mapstructure:"port"`
	LivenessPath  string `mapstructure:"liveness_path"`
	ReadinessPath string `mapstructure:"readiness_path"`
}

// ShutdownConfig contains shutdown settings
type ShutdownConfig struct {
	GracePeriodSeconds  int `mapstructure:"grace_period_seconds"`
	ForceTimeoutSeconds int `mapstructure:"force_timeout_seconds"`
}

// GracePeriod returns the grace period as a duration.
func (c ShutdownConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

// Milliseconds converts a millisecond setting to a duration.
func Milliseconds(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	if c.Application.Name == "" {
		return fmt.Errorf("application name is required")
	}
	if len(c.Kafka.BootstrapServers) == 0 {
		return fmt.Errorf("kafka bootstrap servers are required")
	}
	if c.Kafka.Topic == "" {
		return fmt.Errorf("kafka topic is required")
	}
	return nil
}

// Validate validates consumer-side configuration.
func (c *KafkaConfig) Validate() error {
	if len(c.BootstrapServers) == 0 {
		return fmt.Errorf("kafka bootstrap servers are required")
	}
	if c.Topic == "" {
		return fmt.Errorf("kafka topic is required")
	}
	switch c.Client {
	case "sarama", "franz":
	default:
		return fmt.Errorf("unsupported kafka client: %s", c.Client)
	}
	if c.DLQ.Enabled && c.DLQ.TopicSuffix == "" {
		return fmt.Errorf("kafka dlq topic suffix is required when the dlq is enabled")
	}
	return nil
}

// Validate validates capture configuration.
func (c *CaptureConfig) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("capture node id is required")
	}
	switch c.Sink {
	case "kafka":
	case "file":
		if c.FilePath == "" {
			return fmt.Errorf("capture file path is required for the file sink")
		}
	default:
		return fmt.Errorf("unsupported capture sink: %s", c.Sink)
	}
	return nil
}

// Validate validates S3 configuration.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("s3 bucket is required")
	}
	if c.Region == "" {
		return fmt.Errorf("s3 region is required")
	}
	return nil
}

// Validate validates Azure configuration.
func (c *AzureConfig) Validate() error {
	if c.AccountName == "" {
		return fmt.Errorf("azure account name is required")
	}
	if c.Container == "" {
		return fmt.Errorf("azure container is required")
	}
	return nil
}

// Validate validates GCS configuration.
func (c *GCSConfig) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("gcs bucket is required")
	}
	return nil
}

// Validate validates file configuration.
func (c *FileConfig) Validate() error {
	if c.BasePath == "" {
		return fmt.Errorf("file base path is required")
	}
	return nil
}
