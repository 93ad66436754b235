package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jittakal/kaftraffic/internal/errors"
	"github.com/jittakal/kaftraffic/pkg/traffic"
)

// DeadLetterEventType is the CloudEvents type of dead-lettered records.
const DeadLetterEventType = "io.kaftraffic.record.dead_lettered"

// DLQConfig contains DLQ configuration.
type DLQConfig struct {
	Enabled     bool
	TopicSuffix string
}

// Validate checks the DLQ configuration.
func (c DLQConfig) Validate() error {
	if c.Enabled && c.TopicSuffix == "" {
		return fmt.Errorf("topic suffix is required when DLQ is enabled")
	}
	return nil
}

// DeadLetter is a log record that could not be turned into a traffic record.
type DeadLetter struct {
	Partition traffic.TopicPartition
	Offset    int64
	Key       []byte
	Value     []byte
	Reason    string
}

// DeadLetterPayload is the data carried by a dead-letter CloudEvent.
type DeadLetterPayload struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       []byte    `json:"original_key,omitempty"`
	OriginalValue     []byte    `json:"original_value"`
	FailureReason     string    `json:"failure_reason"`
	FailureTimestamp  time.Time `json:"failure_timestamp"`
	ProcessorID       string    `json:"processor_id"`
}

// RecordPublisher sends a keyed record to a topic.
type RecordPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) (Delivery, error)
}

// DLQPublisher wraps undecodable records in CloudEvents and sends them to
// "<topic><suffix>".
type DLQPublisher struct {
	publisher   RecordPublisher
	config      DLQConfig
	logger      *zap.Logger
	processorID string
	mu          sync.RWMutex
	closed      bool
}

// NewDLQPublisher creates a DLQ publisher. A nil publisher or a disabled
// configuration yields a publisher that drops everything.
func NewDLQPublisher(publisher RecordPublisher, config DLQConfig, logger *zap.Logger, processorID string) (*DLQPublisher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !config.Enabled || publisher == nil {
		logger.Info("DLQ is disabled")
		config.Enabled = false
	}
	return &DLQPublisher{
		publisher:   publisher,
		config:      config,
		logger:      logger,
		processorID: processorID,
	}, nil
}

// Topic returns the dead-letter topic for source.
func (p *DLQPublisher) Topic(source string) string {
	return source + p.config.TopicSuffix
}

// Publish sends a dead letter. Nothing is sent when the DLQ is disabled.
func (p *DLQPublisher) Publish(ctx context.Context, letter DeadLetter) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return errors.ErrConsumerClosed
	}
	if !p.config.Enabled {
		p.logger.Debug("DLQ disabled, dropping record",
			zap.Stringer("partition", letter.Partition),
			zap.Int64("offset", letter.Offset),
			zap.String("reason", letter.Reason),
		)
		return nil
	}

	event, err := p.newEvent(letter)
	if err != nil {
		return err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter event: %w", err)
	}

	dlqTopic := p.Topic(letter.Partition.Topic)
	headers := map[string]string{
		"ce_specversion": event.SpecVersion(),
		"ce_type":        event.Type(),
		"ce_source":      event.Source(),
		"ce_id":          event.ID(),
		"failure_reason": letter.Reason,
		"original_topic": letter.Partition.Topic,
	}
	delivery, err := p.publisher.Publish(ctx, dlqTopic, string(letter.Key), body, headers)
	if err != nil {
		p.logger.Error("failed to publish to DLQ",
			zap.String("dlq_topic", dlqTopic),
			zap.Stringer("partition", letter.Partition),
			zap.Int64("offset", letter.Offset),
			zap.Error(err),
		)
		return fmt.Errorf("failed to send message to DLQ: %w", err)
	}

	p.logger.Info("published record to DLQ",
		zap.String("dlq_topic", dlqTopic),
		zap.Int32("dlq_partition", delivery.Partition),
		zap.Int64("dlq_offset", delivery.Offset),
		zap.String("event_id", event.ID()),
		zap.String("reason", letter.Reason),
	)
	return nil
}

func (p *DLQPublisher) newEvent(letter DeadLetter) (cloudevents.Event, error) {
	now := time.Now().UTC()
	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetSource(p.processorID)
	event.SetType(DeadLetterEventType)
	event.SetSubject(letter.Partition.String())
	event.SetTime(now)

	payload := DeadLetterPayload{
		OriginalTopic:     letter.Partition.Topic,
		OriginalPartition: letter.Partition.Partition,
		OriginalOffset:    letter.Offset,
		OriginalKey:       letter.Key,
		OriginalValue:     letter.Value,
		FailureReason:     letter.Reason,
		FailureTimestamp:  now,
		ProcessorID:       p.processorID,
	}
	if err := event.SetData(cloudevents.ApplicationJSON, payload); err != nil {
		return event, fmt.Errorf("failed to set dead-letter event data: %w", err)
	}
	return event, nil
}

// Close stops the publisher. The underlying producer is owned by the caller.
func (p *DLQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
