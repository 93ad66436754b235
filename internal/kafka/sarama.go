package kafka

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/jittakal/kaftraffic/internal/errors"
	"github.com/jittakal/kaftraffic/pkg/traffic"
)

// Ensure implementation satisfies interfaces at compile time.
var (
	_ Client                      = (*SaramaClient)(nil)
	_ sarama.ConsumerGroupHandler = (*saramaHandler)(nil)
)

// SaramaClient implements Client on a sarama consumer group. The group runs
// in its own goroutine and hands messages over through a channel.
type SaramaClient struct {
	group    sarama.ConsumerGroup
	topics   []string
	listener RebalanceListener
	logger   *zap.Logger
	maxPoll  int

	messages chan *sarama.ConsumerMessage
	errs     chan error

	mu      sync.Mutex
	session sarama.ConsumerGroupSession

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSaramaClient creates a sarama consumer group client and starts
// consuming the configured topics.
func NewSaramaClient(cfg ConsumerConfig, listener RebalanceListener, logger *zap.Logger) (*SaramaClient, error) {
	saramaConfig, err := newConsumerSaramaConfig(cfg, logger)
	if err != nil {
		return nil, err
	}

	group, err := sarama.NewConsumerGroup(cfg.Security.BootstrapServers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	logger.Info("kafka consumer created",
		zap.String("backend", BackendSarama),
		zap.String("group_id", cfg.GroupID),
		zap.Strings("bootstrap_servers", cfg.Security.BootstrapServers),
		zap.Strings("topics", cfg.Topics),
		zap.Duration("session_timeout", cfg.SessionTimeout),
	)
	return newSaramaClient(group, cfg, listener, logger), nil
}

func newSaramaClient(group sarama.ConsumerGroup, cfg ConsumerConfig, listener RebalanceListener, logger *zap.Logger) *SaramaClient {
	ctx, cancel := context.WithCancel(context.Background())
	c := &SaramaClient{
		group:    group,
		topics:   cfg.Topics,
		listener: listener,
		logger:   logger,
		maxPoll:  cfg.MaxPollRecords,
		messages: make(chan *sarama.ConsumerMessage, cfg.MaxPollRecords),
		errs:     make(chan error, 16),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go c.forwardErrors(ctx)
	go c.run(ctx)
	return c
}

func newConsumerSaramaConfig(cfg ConsumerConfig, logger *zap.Logger) (*sarama.Config, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V2_8_0_0
	if cfg.ClientID != "" {
		saramaConfig.ClientID = cfg.ClientID
	}
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	saramaConfig.Consumer.Offsets.Initial = offsetInitial(cfg.AutoOffsetReset)
	saramaConfig.Consumer.Offsets.AutoCommit.Enable = false
	saramaConfig.Consumer.Group.Session.Timeout = cfg.SessionTimeout
	saramaConfig.Consumer.Group.Heartbeat.Interval = cfg.HeartbeatInterval
	saramaConfig.Consumer.Group.Rebalance.Timeout = cfg.MaxPollInterval
	saramaConfig.Consumer.MaxProcessingTime = cfg.MaxPollInterval
	saramaConfig.Consumer.Return.Errors = true

	if err := configureSecurity(saramaConfig, cfg.Security, logger); err != nil {
		return nil, fmt.Errorf("failed to configure security: %w", err)
	}
	return saramaConfig, nil
}

// offsetInitial converts auto offset reset string to Sarama offset constant.
func offsetInitial(autoOffsetReset string) int64 {
	if autoOffsetReset == "latest" {
		return sarama.OffsetNewest
	}
	return sarama.OffsetOldest
}

func (c *SaramaClient) run(ctx context.Context) {
	defer close(c.done)
	handler := &saramaHandler{client: c}
	for {
		if err := c.group.Consume(ctx, c.topics, handler); err != nil {
			if stderrors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			c.logger.Warn("consumer group session ended with error", zap.Error(err))
			c.pushError(err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *SaramaClient) forwardErrors(ctx context.Context) {
	for {
		select {
		case err, ok := <-c.group.Errors():
			if !ok {
				return
			}
			c.pushError(err)
		case <-ctx.Done():
			return
		}
	}
}

func (c *SaramaClient) pushError(err error) {
	select {
	case c.errs <- err:
	default:
		c.logger.Warn("dropping consumer error, queue full", zap.Error(err))
	}
}

// Poll waits up to timeout for the first message, then drains whatever is
// already queued up to the configured maximum.
func (c *SaramaClient) Poll(ctx context.Context, timeout time.Duration) ([]Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var first *sarama.ConsumerMessage
	select {
	case first = <-c.messages:
	case err := <-c.errs:
		return nil, err
	case <-c.done:
		return nil, errors.ErrConsumerClosed
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	out := []Message{toMessage(first)}
	for len(out) < c.maxPoll {
		select {
		case msg := <-c.messages:
			out = append(out, toMessage(msg))
		default:
			return out, nil
		}
	}
	return out, nil
}

func toMessage(msg *sarama.ConsumerMessage) Message {
	return Message{
		Partition: traffic.TopicPartition{Topic: msg.Topic, Partition: msg.Partition},
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Timestamp: msg.Timestamp,
	}
}

// KeepAlive reports a stopped consume loop. Heartbeats run in the background.
func (c *SaramaClient) KeepAlive(context.Context) error {
	select {
	case <-c.done:
		return errors.ErrConsumerClosed
	default:
		return nil
	}
}

// CommitSync marks and commits offsets on the current session. Sarama does
// not report commit failures; they surface through the error channel.
func (c *SaramaClient) CommitSync(_ context.Context, offsets map[traffic.TopicPartition]int64) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session == nil {
		return errors.ErrNoSession
	}
	for tp, offset := range offsets {
		session.MarkOffset(tp.Topic, tp.Partition, offset, "")
	}
	session.Commit()
	return nil
}

// Cooperative reports false: sarama revokes every partition on each rebalance.
func (c *SaramaClient) Cooperative() bool {
	return false
}

// Close leaves the group and stops the consume loop.
func (c *SaramaClient) Close() error {
	c.cancel()
	err := c.group.Close()
	<-c.done
	if err != nil {
		c.logger.Error("error closing consumer group", zap.Error(err))
		return err
	}
	c.logger.Info("kafka consumer closed")
	return nil
}

type saramaHandler struct {
	client *SaramaClient
}

func claimsToPartitions(claims map[string][]int32) []traffic.TopicPartition {
	var out []traffic.TopicPartition
	for topic, partitions := range claims {
		for _, p := range partitions {
			out = append(out, traffic.TopicPartition{Topic: topic, Partition: p})
		}
	}
	sortPartitions(out)
	return out
}

func sortPartitions(partitions []traffic.TopicPartition) {
	sort.Slice(partitions, func(i, j int) bool {
		if partitions[i].Topic != partitions[j].Topic {
			return partitions[i].Topic < partitions[j].Topic
		}
		return partitions[i].Partition < partitions[j].Partition
	})
}

// Setup is run at the beginning of a new session, before ConsumeClaim.
func (h *saramaHandler) Setup(session sarama.ConsumerGroupSession) error {
	c := h.client
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	c.logger.Info("consumer group session setup",
		zap.String("member_id", session.MemberID()),
		zap.Int32("generation_id", session.GenerationID()),
	)
	if c.listener != nil {
		c.listener.PartitionsAssigned(session.Context(), claimsToPartitions(session.Claims()))
	}
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines
// have exited. Revocation runs while the session can still commit.
func (h *saramaHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	c := h.client
	if c.listener != nil {
		c.listener.PartitionsRevoked(context.Background(), claimsToPartitions(session.Claims()))
	}

	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()

	for {
		select {
		case <-c.messages:
		default:
			c.logger.Info("consumer group session cleanup", zap.String("member_id", session.MemberID()))
			return nil
		}
	}
}

// ConsumeClaim forwards messages of one partition to the poll channel.
func (h *saramaHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	c := h.client
	c.logger.Debug("started consuming partition",
		zap.String("topic", claim.Topic()),
		zap.Int32("partition", claim.Partition()),
		zap.Int64("initial_offset", claim.InitialOffset()),
	)

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case c.messages <- msg:
			case <-session.Context().Done():
				return nil
			}
		case <-session.Context().Done():
			return nil
		}
	}
}
