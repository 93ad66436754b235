package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// ProducerConfig contains settings for the traffic producer.
type ProducerConfig struct {
	Security        SecurityConfig
	ClientID        string
	RequiredAcks    int
	CompressionType string
	MaxMessageBytes int
	Idempotent      bool
	RetryMax        int
	RetryBackoff    time.Duration
}

// Delivery describes where a produced message landed.
type Delivery struct {
	Topic     string
	Partition int32
	Offset    int64
}

// ProducerMetrics defines metrics operations for producing.
type ProducerMetrics interface {
	IncRecordsProduced(topic, status string)
	ObserveProduceLatency(topic string, seconds float64)
}

// Producer sends keyed records to Kafka and waits for acknowledgement.
type Producer struct {
	producer sarama.SyncProducer
	logger   *zap.Logger
	metrics  ProducerMetrics
}

// NewProducer creates a producer connected to the configured brokers.
func NewProducer(cfg ProducerConfig, logger *zap.Logger, metrics ProducerMetrics) (*Producer, error) {
	saramaConfig, err := newProducerSaramaConfig(cfg, logger)
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(cfg.Security.BootstrapServers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	logger.Info("Kafka producer created",
		zap.Strings("brokers", cfg.Security.BootstrapServers),
		zap.String("security_protocol", cfg.Security.SecurityProtocol),
		zap.String("compression", cfg.CompressionType),
	)
	return NewProducerFromSync(producer, logger, metrics), nil
}

// NewProducerFromSync wraps an existing sarama producer.
func NewProducerFromSync(producer sarama.SyncProducer, logger *zap.Logger, metrics ProducerMetrics) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{producer: producer, logger: logger, metrics: metrics}
}

func newProducerSaramaConfig(cfg ProducerConfig, logger *zap.Logger) (*sarama.Config, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V2_8_0_0
	if cfg.ClientID != "" {
		saramaConfig.ClientID = cfg.ClientID
	}
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.RequiredAcks(cfg.RequiredAcks)
	saramaConfig.Producer.Compression = parseCompressionType(cfg.CompressionType)
	saramaConfig.Producer.Idempotent = cfg.Idempotent
	if cfg.MaxMessageBytes > 0 {
		saramaConfig.Producer.MaxMessageBytes = cfg.MaxMessageBytes
	}
	if cfg.RetryMax > 0 {
		saramaConfig.Producer.Retry.Max = cfg.RetryMax
	}
	if cfg.RetryBackoff > 0 {
		saramaConfig.Producer.Retry.Backoff = cfg.RetryBackoff
	}

	// Idempotent producer requires a single in-flight request and acks from all replicas.
	if cfg.Idempotent {
		saramaConfig.Net.MaxOpenRequests = 1
		saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	}

	if err := configureSecurity(saramaConfig, cfg.Security, logger); err != nil {
		return nil, fmt.Errorf("failed to configure security: %w", err)
	}
	return saramaConfig, nil
}

// Publish sends value under key to topic. Records sharing a key keep their
// relative order.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return Delivery{}, err
	}

	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Timestamp: time.Now(),
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	start := time.Now()
	partition, offset, err := p.producer.SendMessage(msg)
	if p.metrics != nil {
		p.metrics.ObserveProduceLatency(topic, time.Since(start).Seconds())
	}
	if err != nil {
		if p.metrics != nil {
			p.metrics.IncRecordsProduced(topic, "failure")
		}
		return Delivery{}, fmt.Errorf("failed to send message to Kafka: %w", err)
	}
	if p.metrics != nil {
		p.metrics.IncRecordsProduced(topic, "success")
	}

	p.logger.Debug("record produced",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
		zap.Int("bytes", len(value)),
	)
	return Delivery{Topic: topic, Partition: partition, Offset: offset}, nil
}

// Close closes the Kafka producer.
func (p *Producer) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

// parseCompressionType parses compression type string.
func parseCompressionType(compressionType string) sarama.CompressionCodec {
	switch compressionType {
	case "gzip":
		return sarama.CompressionGZIP
	case "snappy":
		return sarama.CompressionSnappy
	case "lz4":
		return sarama.CompressionLZ4
	case "zstd":
		return sarama.CompressionZSTD
	default:
		return sarama.CompressionNone
	}
}
