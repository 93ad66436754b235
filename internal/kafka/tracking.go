package kafka

import (
	"context"
	stderrors "errors"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jittakal/kaftraffic/internal/errors"
	"github.com/jittakal/kaftraffic/internal/offsets"
	"github.com/jittakal/kaftraffic/pkg/traffic"
)

// Ensure implementation satisfies interface at compile time.
var _ RebalanceListener = (*TrackingConsumer)(nil)

// ConsumerMetrics defines metrics operations for the tracking consumer.
type ConsumerMetrics interface {
	IncMessagesConsumed(topic string, partition int32)
	IncOffsetCommits(topic string, partition int32, status string)
	ObserveCommitLatency(topic string, seconds float64)
	IncRebalances(kind string)
	AddPartitionsLost(topic string, n int)
	IncGenerationResets()
	IncStaleCommits()
	SetOutstandingOffsets(topic string, partition int32, n int)
}

// LossHandler is told about partitions that were taken away and not given
// back within the same rebalance.
type LossHandler func(partitions []traffic.TopicPartition)

// PolledRecord is a raw message together with the key that commits it.
type PolledRecord struct {
	Key     *traffic.CommitOffsetKey
	Message Message
}

// TrackingConsumer turns a group client into a consumer whose commits
// follow out-of-order completion. Each partition has an offset tracker
// stamped with the generation it was created in. Commits whose key carries
// a different generation are dropped, which is how work abandoned by a
// reset or a rebalance avoids committing.
//
// Poll, Touch and Close must be called from one goroutine. Commit may be
// called from any goroutine.
type TrackingConsumer struct {
	client      Client
	pollTimeout time.Duration
	keepAlive   time.Duration
	logger      *zap.Logger
	metrics     ConsumerMetrics
	now         func() time.Time

	seq sync.Mutex

	mu             sync.Mutex
	generation     int64
	trackers       map[traffic.TopicPartition]*offsets.Tracker
	pending        map[traffic.TopicPartition]int64
	assigned       map[traffic.TopicPartition]struct{}
	pendingRevoked map[traffic.TopicPartition]struct{}
	lastTouch      time.Time
	onLost         LossHandler
	closed         bool
}

// Dialer creates the group client with the consumer as its rebalance
// listener.
type Dialer func(listener RebalanceListener) (Client, error)

// NewTrackingConsumer creates a tracking consumer over the client returned
// by dial.
func NewTrackingConsumer(cfg ConsumerConfig, dial Dialer, logger *zap.Logger, metrics ConsumerMetrics) (*TrackingConsumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &TrackingConsumer{
		pollTimeout:    cfg.PollTimeout,
		keepAlive:      cfg.KeepAliveInterval,
		logger:         logger,
		metrics:        metrics,
		now:            time.Now,
		trackers:       make(map[traffic.TopicPartition]*offsets.Tracker),
		pending:        make(map[traffic.TopicPartition]int64),
		assigned:       make(map[traffic.TopicPartition]struct{}),
		pendingRevoked: make(map[traffic.TopicPartition]struct{}),
	}
	c.lastTouch = c.now()

	client, err := dial(c)
	if err != nil {
		return nil, err
	}
	c.client = client
	return c, nil
}

// OnLost registers the handler for permanently lost partitions.
func (c *TrackingConsumer) OnLost(h LossHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLost = h
}

// Generation returns the current consumer generation.
func (c *TrackingConsumer) Generation() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Poll flushes staged commits, then returns the next batch of messages with
// their commit keys. Client failures are logged and reset the generation;
// they are never returned, except when the client is closed or ctx ends.
func (c *TrackingConsumer) Poll(ctx context.Context) ([]PolledRecord, error) {
	if c.isClosed() {
		return nil, errors.ErrConsumerClosed
	}
	c.seq.Lock()
	defer c.seq.Unlock()

	_ = c.flushCommits(ctx)

	msgs, err := c.client.Poll(ctx, c.pollTimeout)
	c.mu.Lock()
	c.lastTouch = c.now()
	c.mu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if stderrors.Is(err, errors.ErrConsumerClosed) {
			return nil, err
		}
		c.logger.Warn("poll failed, abandoning in-flight work", zap.Error(err))
		c.resetGeneration()
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PolledRecord, 0, len(msgs))
	for _, msg := range msgs {
		tp := msg.Partition
		if _, ok := c.assigned[tp]; !ok {
			c.logger.Debug("dropping message from unassigned partition",
				zap.Stringer("partition", tp),
				zap.Int64("offset", msg.Offset),
			)
			continue
		}
		tracker := c.trackers[tp]
		if tracker == nil {
			tracker = offsets.NewTracker(c.generation)
			c.trackers[tp] = tracker
		}
		tracker.Add(msg.Offset)
		out = append(out, PolledRecord{
			Key: &traffic.CommitOffsetKey{
				Generation:     tracker.Generation(),
				TopicPartition: tp,
				Offset:         msg.Offset,
			},
			Message: msg,
		})
		if c.metrics != nil {
			c.metrics.IncMessagesConsumed(tp.Topic, tp.Partition)
		}
	}
	c.reportOutstanding()
	return out, nil
}

// Commit completes the record identified by key. Keys from an older
// generation are dropped. When completion advances the partition's safe
// offset, the new offset is staged for the next flush.
func (c *TrackingConsumer) Commit(key *traffic.CommitOffsetKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tracker := c.trackers[key.TopicPartition]
	if tracker == nil || tracker.Generation() != key.Generation {
		c.logger.Debug("dropping stale commit", zap.Stringer("key", key))
		if c.metrics != nil {
			c.metrics.IncStaleCommits()
		}
		return nil
	}

	next, ok, err := tracker.MarkDone(key.Offset)
	if err != nil {
		return err
	}
	if ok {
		c.pending[key.TopicPartition] = next
	}
	if c.metrics != nil {
		c.metrics.SetOutstandingOffsets(key.Topic, key.Partition, tracker.Size())
	}
	return nil
}

// Owns reports whether key belongs to a partition the consumer still holds
// in the key's generation. Commits of keys it does not own are dropped.
func (c *TrackingConsumer) Owns(key *traffic.CommitOffsetKey) bool {
	if key == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	tracker := c.trackers[key.TopicPartition]
	return tracker != nil && tracker.Generation() == key.Generation
}

// Touch keeps group membership alive and flushes staged commits.
func (c *TrackingConsumer) Touch(ctx context.Context) error {
	if c.isClosed() {
		return errors.ErrConsumerClosed
	}
	c.seq.Lock()
	defer c.seq.Unlock()

	if err := c.client.KeepAlive(ctx); err != nil {
		if stderrors.Is(err, errors.ErrConsumerClosed) {
			return err
		}
		c.logger.Warn("keep-alive failed, abandoning in-flight work", zap.Error(err))
		c.resetGeneration()
	}
	c.mu.Lock()
	c.lastTouch = c.now()
	c.mu.Unlock()

	_ = c.flushCommits(ctx)
	return nil
}

// NextRequiredTouch returns the latest time by which Poll or Touch must be
// called to keep group membership.
func (c *TrackingConsumer) NextRequiredTouch() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTouch.Add(c.keepAlive)
}

// Close flushes staged commits and closes the client.
func (c *TrackingConsumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.seq.Lock()
	defer c.seq.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	commitErr := c.flushCommits(ctx)
	return stderrors.Join(commitErr, c.client.Close())
}

func (c *TrackingConsumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// flushCommits commits staged offsets synchronously. The lock is not held
// across the commit. Entries are cleared only if nothing newer was staged
// meanwhile. A failed commit resets the generation and is returned as one
// CommitError per partition.
func (c *TrackingConsumer) flushCommits(ctx context.Context) error {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return nil
	}
	snapshot := maps.Clone(c.pending)
	c.mu.Unlock()

	start := c.now()
	err := c.client.CommitSync(ctx, snapshot)
	elapsed := c.now().Sub(start).Seconds()

	status := "success"
	if err != nil {
		status = "failure"
	}
	if c.metrics != nil {
		for tp := range snapshot {
			c.metrics.IncOffsetCommits(tp.Topic, tp.Partition, status)
			c.metrics.ObserveCommitLatency(tp.Topic, elapsed)
		}
	}

	if err != nil {
		commitErr := commitErrors(snapshot, err)
		c.logger.Warn("offset commit failed, abandoning in-flight work",
			zap.Int("partitions", len(snapshot)),
			zap.Bool("retryable", errors.IsRetryable(commitErr)),
			zap.Error(commitErr),
		)
		c.resetGeneration()
		return commitErr
	}

	c.mu.Lock()
	for tp, offset := range snapshot {
		if c.pending[tp] == offset {
			delete(c.pending, tp)
		}
	}
	c.mu.Unlock()
	c.logger.Debug("offsets committed", zap.Int("partitions", len(snapshot)))
	return nil
}

func commitErrors(offsets map[traffic.TopicPartition]int64, err error) error {
	partitions := make([]traffic.TopicPartition, 0, len(offsets))
	for tp := range offsets {
		partitions = append(partitions, tp)
	}
	sortPartitions(partitions)

	errs := make([]error, 0, len(partitions))
	for _, tp := range partitions {
		errs = append(errs, &errors.CommitError{Partition: tp, Offset: offsets[tp], Err: err})
	}
	return stderrors.Join(errs...)
}

// resetGeneration abandons every tracker and staged commit.
func (c *TrackingConsumer) resetGeneration() {
	c.mu.Lock()
	c.generation++
	c.trackers = make(map[traffic.TopicPartition]*offsets.Tracker)
	c.pending = make(map[traffic.TopicPartition]int64)
	generation := c.generation
	c.mu.Unlock()

	c.logger.Info("consumer generation reset", zap.Int64("generation", generation))
	if c.metrics != nil {
		c.metrics.IncGenerationResets()
	}
}

// dropLocked forgets all state for partitions. c.mu must be held.
func (c *TrackingConsumer) dropLocked(partitions []traffic.TopicPartition) {
	for _, tp := range partitions {
		delete(c.trackers, tp)
		delete(c.pending, tp)
		delete(c.assigned, tp)
		if c.metrics != nil {
			c.metrics.SetOutstandingOffsets(tp.Topic, tp.Partition, 0)
		}
	}
}

func (c *TrackingConsumer) reportOutstanding() {
	if c.metrics == nil {
		return
	}
	for tp, tracker := range c.trackers {
		c.metrics.SetOutstandingOffsets(tp.Topic, tp.Partition, tracker.Size())
	}
}

// PartitionsRevoked flushes what can still be committed and forgets the
// revoked partitions. With a cooperative client they are lost right away;
// otherwise they are lost unless the following assignment returns them.
func (c *TrackingConsumer) PartitionsRevoked(ctx context.Context, partitions []traffic.TopicPartition) {
	if c.metrics != nil {
		c.metrics.IncRebalances("revoked")
	}
	c.logger.Info("partitions revoked", zap.Int("count", len(partitions)))

	_ = c.flushCommits(ctx)

	c.mu.Lock()
	c.dropLocked(partitions)
	cooperative := c.client != nil && c.client.Cooperative()
	if !cooperative {
		for _, tp := range partitions {
			c.pendingRevoked[tp] = struct{}{}
		}
	}
	c.mu.Unlock()

	if cooperative {
		c.fireLost(partitions)
	}
}

// PartitionsAssigned starts a new generation and reports any partition
// revoked earlier in this rebalance that did not come back.
func (c *TrackingConsumer) PartitionsAssigned(_ context.Context, partitions []traffic.TopicPartition) {
	if c.metrics != nil {
		c.metrics.IncRebalances("assigned")
	}

	c.mu.Lock()
	c.generation++
	for _, tp := range partitions {
		c.assigned[tp] = struct{}{}
		if c.trackers[tp] == nil {
			c.trackers[tp] = offsets.NewTracker(c.generation)
		}
		delete(c.pendingRevoked, tp)
	}
	var lost []traffic.TopicPartition
	for tp := range c.pendingRevoked {
		lost = append(lost, tp)
	}
	c.pendingRevoked = make(map[traffic.TopicPartition]struct{})
	sortPartitions(lost)
	generation := c.generation
	c.mu.Unlock()

	c.logger.Info("partitions assigned",
		zap.Int("count", len(partitions)),
		zap.Int64("generation", generation),
	)
	c.fireLost(lost)
}

// PartitionsLost forgets partitions without committing.
func (c *TrackingConsumer) PartitionsLost(_ context.Context, partitions []traffic.TopicPartition) {
	if c.metrics != nil {
		c.metrics.IncRebalances("lost")
	}
	c.mu.Lock()
	c.dropLocked(partitions)
	for _, tp := range partitions {
		delete(c.pendingRevoked, tp)
	}
	c.mu.Unlock()

	c.fireLost(partitions)
}

func (c *TrackingConsumer) fireLost(partitions []traffic.TopicPartition) {
	if len(partitions) == 0 {
		return
	}

	c.logger.Warn("partitions lost", zap.Int("count", len(partitions)))
	if c.metrics != nil {
		perTopic := make(map[string]int)
		for _, tp := range partitions {
			perTopic[tp.Topic]++
		}
		for topic, n := range perTopic {
			c.metrics.AddPartitionsLost(topic, n)
		}
	}

	c.mu.Lock()
	handler := c.onLost
	c.mu.Unlock()
	if handler != nil {
		handler(partitions)
	}
}
