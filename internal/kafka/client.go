package kafka

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jittakal/kaftraffic/pkg/traffic"
)

// Client backends.
const (
	BackendSarama = "sarama"
	BackendFranz  = "franz"
)

// Message is one raw record read from the log.
type Message struct {
	Partition traffic.TopicPartition
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Client is the group-consumer surface the tracking consumer drives. Poll,
// KeepAlive and Close are only called from the consumer's own sequence.
// CommitSync is also called from the rebalance listener, on the client's
// rebalance goroutine and concurrently with that sequence, so it must be
// safe for concurrent use. Sarama session commits and kgo
// CommitOffsetsSync both are.
type Client interface {
	// Poll returns up to the configured number of messages, waiting at most
	// timeout for the first one.
	Poll(ctx context.Context, timeout time.Duration) ([]Message, error)

	// KeepAlive keeps group membership alive without returning messages.
	KeepAlive(ctx context.Context) error

	// CommitSync commits next-offset-to-read positions and waits for the
	// broker's answer.
	CommitSync(ctx context.Context, offsets map[traffic.TopicPartition]int64) error

	// Cooperative reports whether revoked partitions are never handed back
	// within the same rebalance.
	Cooperative() bool

	Close() error
}

// RebalanceListener receives partition ownership changes. Calls arrive while
// the client is rebalancing and must not call back into the client.
type RebalanceListener interface {
	PartitionsRevoked(ctx context.Context, partitions []traffic.TopicPartition)
	PartitionsAssigned(ctx context.Context, partitions []traffic.TopicPartition)
	PartitionsLost(ctx context.Context, partitions []traffic.TopicPartition)
}

// ConsumerConfig contains Kafka consumer configuration.
type ConsumerConfig struct {
	Security          SecurityConfig
	Backend           string
	GroupID           string
	ClientID          string
	Topics            []string
	AutoOffsetReset   string
	MaxPollRecords    int
	PollTimeout       time.Duration
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	MaxPollInterval   time.Duration
	KeepAliveInterval time.Duration
}

// WithDefaults fills unset fields.
func (c ConsumerConfig) WithDefaults() ConsumerConfig {
	if c.Backend == "" {
		c.Backend = BackendSarama
	}
	if c.AutoOffsetReset == "" {
		c.AutoOffsetReset = "earliest"
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 3 * time.Second
	}
	if c.MaxPollInterval <= 0 {
		c.MaxPollInterval = 5 * time.Minute
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = c.MaxPollInterval / 2
	}
	if c.Security.SecurityProtocol == "" {
		c.Security.SecurityProtocol = ProtocolPlaintext
	}
	return c
}

// Validate checks the configuration.
func (c ConsumerConfig) Validate() error {
	if len(c.Security.BootstrapServers) == 0 {
		return fmt.Errorf("bootstrap servers are required")
	}
	if c.GroupID == "" {
		return fmt.Errorf("group id is required")
	}
	if len(c.Topics) == 0 {
		return fmt.Errorf("at least one topic is required")
	}
	switch c.Backend {
	case BackendSarama, BackendFranz:
	default:
		return fmt.Errorf("unsupported consumer backend: %s", c.Backend)
	}
	switch c.AutoOffsetReset {
	case "earliest", "latest":
	default:
		return fmt.Errorf("unsupported auto offset reset: %s", c.AutoOffsetReset)
	}
	if c.KeepAliveInterval >= c.MaxPollInterval {
		return fmt.Errorf("keep-alive interval %s must be shorter than max poll interval %s", c.KeepAliveInterval, c.MaxPollInterval)
	}
	return c.Security.validate()
}

// NewClient creates the configured backend wired to listener.
func NewClient(cfg ConsumerConfig, listener RebalanceListener, logger *zap.Logger) (Client, error) {
	switch cfg.Backend {
	case BackendFranz:
		return NewFranzClient(cfg, listener, logger)
	default:
		return NewSaramaClient(cfg, listener, logger)
	}
}
