// Package source turns the tracked log consumer into a stream of typed
// traffic records with commit keys.
package source

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jittakal/kaftraffic/internal/errors"
	"github.com/jittakal/kaftraffic/internal/kafka"
	"github.com/jittakal/kaftraffic/internal/wire"
	"github.com/jittakal/kaftraffic/pkg/traffic"
)

// Ensure implementation satisfies interface at compile time.
var _ traffic.Source = (*KafkaTrafficSource)(nil)

// Consumer is the part of kafka.TrackingConsumer the source drives.
type Consumer interface {
	Poll(ctx context.Context) ([]kafka.PolledRecord, error)
	Commit(key *traffic.CommitOffsetKey) error
	Owns(key *traffic.CommitOffsetKey) bool
	OnLost(h kafka.LossHandler)
	Touch(ctx context.Context) error
	NextRequiredTouch() time.Time
	Close() error
}

// DeadLetterPublisher receives records that cannot be replayed.
type DeadLetterPublisher interface {
	Publish(ctx context.Context, letter kafka.DeadLetter) error
}

// MetricsCollector defines metrics operations for the traffic source.
type MetricsCollector interface {
	AddSyntheticCloses(n int)
	SetActiveConnections(n int)
	IncHandoffConnections()
	IncInvalidRecords(reason string)
}

// Config contains traffic source settings.
type Config struct {
	// HandoffDelay is how long a connection that appears to have moved
	// from another consumer stays quiescent before replay may start.
	HandoffDelay time.Duration
}

type connKey struct {
	nodeID       string
	connectionID string
}

// KafkaTrafficSource decodes polled records, tracks the connections live on
// each partition and synthesizes final records for connections whose
// partition was lost.
type KafkaTrafficSource struct {
	consumer  Consumer
	validator traffic.Validator
	dlq       DeadLetterPublisher
	config    Config
	logger    *zap.Logger
	metrics   MetricsCollector
	now       func() time.Time

	mu sync.Mutex
	// active holds the last seen index per connection per partition.
	active      map[traffic.TopicPartition]map[connKey]int32
	closeQueue  []traffic.Item
	activeCount int
	lostHook    func([]traffic.TopicPartition)
}

// New creates a traffic source over consumer and registers for partition
// loss. validator and dlq may be nil.
func New(
	consumer Consumer,
	config Config,
	validator traffic.Validator,
	dlq DeadLetterPublisher,
	logger *zap.Logger,
	metrics MetricsCollector,
) *KafkaTrafficSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &KafkaTrafficSource{
		consumer:  consumer,
		validator: validator,
		dlq:       dlq,
		config:    config,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
		active:    make(map[traffic.TopicPartition]map[connKey]int32),
	}
	consumer.OnLost(s.partitionsLost)
	return s
}

// ReadNextChunk polls once and returns the decoded items. Close signals
// queued since the last call, including those caused by this poll's
// rebalance, come first.
func (s *KafkaTrafficSource) ReadNextChunk(ctx context.Context) ([]traffic.Item, error) {
	polled, err := s.consumer.Poll(ctx)

	s.mu.Lock()
	items := s.closeQueue
	s.closeQueue = nil
	s.mu.Unlock()

	if err != nil {
		return items, err
	}

	for _, p := range polled {
		item, ok := s.decode(ctx, p)
		if ok {
			items = append(items, item)
		}
	}
	s.reportActive()
	return items, nil
}

func (s *KafkaTrafficSource) decode(ctx context.Context, p kafka.PolledRecord) (traffic.Item, bool) {
	tp := p.Message.Partition
	record, err := wire.Unmarshal(p.Message.Value)
	if err != nil {
		s.reject(ctx, p, "decode_failed", &errors.DecodeError{
			Partition: tp,
			Offset:    p.Message.Offset,
			Err:       err,
		})
		return traffic.Item{}, false
	}
	if s.validator != nil {
		if err := s.validator.Validate(&record); err != nil {
			s.reject(ctx, p, "validation_failed", err)
			return traffic.Item{}, false
		}
	}

	item := traffic.Item{Record: record, Key: p.Key, Partition: tp}
	key := connKey{nodeID: record.NodeID, connectionID: record.ConnectionID}

	s.mu.Lock()
	// The partition may have been lost after the poll returned. Its close
	// signals are already queued and the record is redelivered to the new
	// owner, so it must not be tracked again here.
	if !s.consumer.Owns(p.Key) {
		s.mu.Unlock()
		s.logger.Debug("dropping record of a partition no longer owned",
			zap.Stringer("key", p.Key),
			zap.String("connection_id", record.ConnectionID),
		)
		return traffic.Item{}, false
	}
	conns, ok := s.active[tp]
	if !ok {
		conns = make(map[connKey]int32)
		s.active[tp] = conns
	}
	_, seen := conns[key]
	if !seen {
		s.activeCount++
	}
	conns[key] = record.Index
	s.mu.Unlock()

	if !seen && isHandoff(&record) {
		item.Handoff = true
		item.QuiescentUntil = s.now().Add(s.config.HandoffDelay)
		if s.metrics != nil {
			s.metrics.IncHandoffConnections()
		}
		s.logger.Debug("connection handed off from another consumer",
			zap.String("connection_id", record.ConnectionID),
			zap.String("node_id", record.NodeID),
			zap.Int32("index", record.Index),
		)
	}
	return item, true
}

// isHandoff reports whether the first record seen for a connection does not
// start with a read once lifecycle events are skipped. Such a connection
// was most likely already being replayed by the previous partition owner.
func isHandoff(r *traffic.Record) bool {
	if r.Final && len(r.Observations) == 0 {
		return false
	}
	for _, obs := range r.Observations {
		switch obs.Kind {
		case traffic.KindBind, traffic.KindConnect:
			continue
		case traffic.KindRead, traffic.KindReadSegment:
			return false
		default:
			return true
		}
	}
	return true
}

// reject dead-letters an unusable record and commits it so that it does not
// hold back the partition's commit watermark.
func (s *KafkaTrafficSource) reject(ctx context.Context, p kafka.PolledRecord, reason string, cause error) {
	s.logger.Warn("dropping unusable traffic record",
		zap.Stringer("partition", p.Message.Partition),
		zap.Int64("offset", p.Message.Offset),
		zap.String("reason", reason),
		zap.Error(cause),
	)
	if s.metrics != nil {
		s.metrics.IncInvalidRecords(reason)
	}

	if s.dlq != nil {
		letter := kafka.DeadLetter{
			Partition: p.Message.Partition,
			Offset:    p.Message.Offset,
			Key:       p.Message.Key,
			Value:     p.Message.Value,
			Reason:    fmt.Sprintf("%s: %v", reason, cause),
		}
		if err := s.dlq.Publish(ctx, letter); err != nil {
			s.logger.Error("failed to dead-letter record, committing anyway",
				zap.Stringer("partition", p.Message.Partition),
				zap.Int64("offset", p.Message.Offset),
				zap.Error(err),
			)
		}
	}

	if err := s.consumer.Commit(p.Key); err != nil {
		s.logger.Error("failed to commit rejected record",
			zap.Stringer("key", p.Key),
			zap.Error(err),
		)
	}
}

// partitionsLost queues a final record for every connection live on the
// lost partitions.
func (s *KafkaTrafficSource) partitionsLost(partitions []traffic.TopicPartition) {
	s.mu.Lock()
	var closes []traffic.Item
	for _, tp := range partitions {
		for key, last := range s.active[tp] {
			closes = append(closes, traffic.Item{
				Record: traffic.Record{
					ConnectionID: key.connectionID,
					NodeID:       key.nodeID,
					Index:        last + 1,
					Final:        true,
				},
				Partition: tp,
				Synthetic: true,
			})
		}
		s.activeCount -= len(s.active[tp])
		delete(s.active, tp)
	}
	sort.Slice(closes, func(i, j int) bool {
		a, b := closes[i].Record, closes[j].Record
		if a.NodeID != b.NodeID {
			return a.NodeID < b.NodeID
		}
		if a.ConnectionID != b.ConnectionID {
			return a.ConnectionID < b.ConnectionID
		}
		return closes[i].Partition.String() < closes[j].Partition.String()
	})
	s.closeQueue = append(s.closeQueue, closes...)
	hook := s.lostHook
	s.mu.Unlock()

	if hook != nil {
		hook(partitions)
	}
	if len(closes) == 0 {
		return
	}
	s.logger.Info("synthesized closes for lost partitions",
		zap.Int("partitions", len(partitions)),
		zap.Int("connections", len(closes)),
	)
	if s.metrics != nil {
		s.metrics.AddSyntheticCloses(len(closes))
	}
	s.reportActive()
}

func (s *KafkaTrafficSource) reportActive() {
	if s.metrics == nil {
		return
	}
	s.mu.Lock()
	n := s.activeCount
	s.mu.Unlock()
	s.metrics.SetActiveConnections(n)
}

// OnPartitionsLost registers h to be told about lost partitions after
// their close signals are queued. h may run on the client's rebalance
// goroutine.
func (s *KafkaTrafficSource) OnPartitionsLost(h func([]traffic.TopicPartition)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lostHook = h
}

// Commit marks the record behind key as processed. Synthetic items carry a
// nil key, which is ignored.
func (s *KafkaTrafficSource) Commit(key *traffic.CommitOffsetKey) error {
	if key == nil {
		return nil
	}
	return s.consumer.Commit(key)
}

// ConnectionDone stops tracking the connection on every partition.
func (s *KafkaTrafficSource) ConnectionDone(nodeID, connectionID string) {
	key := connKey{nodeID: nodeID, connectionID: connectionID}
	s.mu.Lock()
	for tp, conns := range s.active {
		if _, ok := conns[key]; ok {
			delete(conns, key)
			s.activeCount--
		}
		if len(conns) == 0 {
			delete(s.active, tp)
		}
	}
	s.mu.Unlock()
	s.reportActive()
}

// ActiveConnections returns the number of tracked connections.
func (s *KafkaTrafficSource) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCount
}

// Touch keeps the consumer's group membership alive.
func (s *KafkaTrafficSource) Touch(ctx context.Context) error {
	return s.consumer.Touch(ctx)
}

// NextRequiredTouch returns when Touch must be called next.
func (s *KafkaTrafficSource) NextRequiredTouch() time.Time {
	return s.consumer.NextRequiredTouch()
}

// Close closes the consumer, which releases the log client.
func (s *KafkaTrafficSource) Close() error {
	return s.consumer.Close()
}
