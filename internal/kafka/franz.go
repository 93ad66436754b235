package kafka

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kzap"
	"go.uber.org/zap"

	"github.com/jittakal/kaftraffic/internal/errors"
	"github.com/jittakal/kaftraffic/pkg/traffic"
)

// Ensure implementation satisfies interface at compile time.
var _ Client = (*FranzClient)(nil)

// FranzClient implements Client on a franz-go group consumer with the
// cooperative-sticky balancer. Rebalances are blocked while a polled batch
// is being handed out and allowed again on the next Poll or KeepAlive.
type FranzClient struct {
	client  *kgo.Client
	logger  *zap.Logger
	maxPoll int
}

// NewFranzClient creates a franz-go group consumer for the configured topics.
func NewFranzClient(cfg ConsumerConfig, listener RebalanceListener, logger *zap.Logger) (*FranzClient, error) {
	opts, err := franzOpts(cfg, listener, logger)
	if err != nil {
		return nil, err
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create franz-go client: %w", err)
	}

	logger.Info("kafka consumer created",
		zap.String("backend", BackendFranz),
		zap.String("group_id", cfg.GroupID),
		zap.Strings("bootstrap_servers", cfg.Security.BootstrapServers),
		zap.Strings("topics", cfg.Topics),
	)
	return &FranzClient{client: client, logger: logger, maxPoll: cfg.MaxPollRecords}, nil
}

func franzOpts(cfg ConsumerConfig, listener RebalanceListener, logger *zap.Logger) ([]kgo.Opt, error) {
	reset := kgo.NewOffset().AtStart()
	if cfg.AutoOffsetReset == "latest" {
		reset = kgo.NewOffset().AtEnd()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Security.BootstrapServers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(reset),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.Balancers(kgo.CooperativeStickyBalancer()),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.HeartbeatInterval),
		kgo.RebalanceTimeout(cfg.MaxPollInterval),
		kgo.WithLogger(kzap.New(logger)),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if listener != nil {
		opts = append(opts,
			kgo.OnPartitionsAssigned(func(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
				listener.PartitionsAssigned(ctx, claimsToPartitions(assigned))
			}),
			kgo.OnPartitionsRevoked(func(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
				listener.PartitionsRevoked(ctx, claimsToPartitions(revoked))
			}),
			kgo.OnPartitionsLost(func(ctx context.Context, _ *kgo.Client, lost map[string][]int32) {
				listener.PartitionsLost(ctx, claimsToPartitions(lost))
			}),
		)
	}

	securityOpts, err := franzSecurityOpts(cfg.Security)
	if err != nil {
		return nil, fmt.Errorf("failed to configure security: %w", err)
	}
	return append(opts, securityOpts...), nil
}

// Poll allows any pending rebalance, then polls for up to timeout.
func (c *FranzClient) Poll(ctx context.Context, timeout time.Duration) ([]Message, error) {
	c.client.AllowRebalance()

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	fetches := c.client.PollRecords(pollCtx, c.maxPoll)
	if fetches.IsClientClosed() {
		return nil, errors.ErrConsumerClosed
	}

	var errs []error
	fetches.EachError(func(topic string, partition int32, err error) {
		if ctx.Err() == nil && (stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled)) {
			return
		}
		errs = append(errs, fmt.Errorf("fetch %s-%d: %w", topic, partition, err))
	})
	if len(errs) > 0 {
		return nil, stderrors.Join(errs...)
	}

	out := make([]Message, 0, fetches.NumRecords())
	fetches.EachRecord(func(r *kgo.Record) {
		out = append(out, Message{
			Partition: traffic.TopicPartition{Topic: r.Topic, Partition: r.Partition},
			Offset:    r.Offset,
			Key:       r.Key,
			Value:     r.Value,
			Timestamp: r.Timestamp,
		})
	})
	return out, nil
}

// KeepAlive lets a blocked rebalance proceed. Heartbeats run in the background.
func (c *FranzClient) KeepAlive(context.Context) error {
	c.client.AllowRebalance()
	return nil
}

// CommitSync commits offsets and reports per-partition broker errors.
func (c *FranzClient) CommitSync(ctx context.Context, offsets map[traffic.TopicPartition]int64) error {
	uncommitted := make(map[string]map[int32]kgo.EpochOffset)
	for tp, offset := range offsets {
		if uncommitted[tp.Topic] == nil {
			uncommitted[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		uncommitted[tp.Topic][tp.Partition] = kgo.EpochOffset{Epoch: -1, Offset: offset}
	}

	var commitErr error
	c.client.CommitOffsetsSync(ctx, uncommitted, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		if err != nil {
			commitErr = err
			return
		}
		for _, topic := range resp.Topics {
			for _, p := range topic.Partitions {
				if perr := kerr.ErrorForCode(p.ErrorCode); perr != nil {
					commitErr = stderrors.Join(commitErr, fmt.Errorf("commit %s-%d: %w", topic.Topic, p.Partition, perr))
				}
			}
		}
	})
	return commitErr
}

// Cooperative reports true: the cooperative-sticky balancer only revokes
// partitions that move to another member.
func (c *FranzClient) Cooperative() bool {
	return true
}

// Close leaves the group and closes the client.
func (c *FranzClient) Close() error {
	c.client.Close()
	c.logger.Info("kafka consumer closed")
	return nil
}
