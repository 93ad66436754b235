// Package archive is a downstream consumer of captured traffic. It batches
// items per partition, writes each batch to storage and commits the batch
// only after the write succeeded.
package archive

import (
	"context"
	stderrors "errors"
	"time"

	"go.uber.org/zap"

	"github.com/jittakal/kaftraffic/internal/errors"
	"github.com/jittakal/kaftraffic/pkg/buffer"
	"github.com/jittakal/kaftraffic/pkg/storage"
	"github.com/jittakal/kaftraffic/pkg/traffic"
)

// BufferManager holds the per-partition buffers.
type BufferManager interface {
	buffer.Manager
	Partitions() []traffic.TopicPartition
}

// LossNotifier is implemented by sources that report lost partitions.
type LossNotifier interface {
	OnPartitionsLost(h func([]traffic.TopicPartition))
}

// MetricsCollector defines metrics operations for the archiver.
type MetricsCollector interface {
	SetBufferStats(topic string, partition int32, sizeBytes int64, count int)
}

// Config contains archiver settings.
type Config struct {
	Format traffic.FileFormat
	// SchemaVersion selects the versioned path segment; empty uses the
	// router default.
	SchemaVersion string
	// ErrorBackoff is the pause after a failed poll.
	ErrorBackoff time.Duration
	// ShutdownTimeout bounds the final flush.
	ShutdownTimeout time.Duration
}

// Archiver moves traffic from a Source to storage.
type Archiver struct {
	source  traffic.Source
	buffers BufferManager
	policy  storage.RotationPolicy
	router  storage.Router
	writer  storage.Writer
	config  Config
	logger  *zap.Logger
	metrics MetricsCollector
	now     func() time.Time
}

// New creates an archiver. When source implements LossNotifier, buffers of
// lost partitions are discarded: their keys can no longer commit and the
// new owner archives the same records again.
func New(
	source traffic.Source,
	buffers BufferManager,
	policy storage.RotationPolicy,
	router storage.Router,
	writer storage.Writer,
	config Config,
	logger *zap.Logger,
	metrics MetricsCollector,
) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ErrorBackoff <= 0 {
		config.ErrorBackoff = time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	a := &Archiver{
		source:  source,
		buffers: buffers,
		policy:  policy,
		router:  router,
		writer:  writer,
		config:  config,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
	if n, ok := source.(LossNotifier); ok {
		n.OnPartitionsLost(a.discard)
	}
	return a
}

// Run archives until ctx is cancelled or the source is closed. On exit
// every buffer is flushed and the resulting commits are pushed out.
func (a *Archiver) Run(ctx context.Context) error {
	a.logger.Info("archiver started", zap.String("format", string(a.config.Format)))

	for {
		if ctx.Err() != nil {
			return a.shutdown(ctx)
		}

		items, err := a.source.ReadNextChunk(ctx)
		// Items returned with an error are close signals and still count.
		a.process(ctx, items)

		if err != nil {
			if ctx.Err() != nil {
				return a.shutdown(ctx)
			}
			if stderrors.Is(err, errors.ErrConsumerClosed) {
				a.logger.Info("source closed, stopping archiver")
				return nil
			}
			a.logger.Warn("failed to read traffic", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(a.config.ErrorBackoff):
			}
			continue
		}

		a.rotateDue(ctx)
		a.keepAlive(ctx)
	}
}

// process buffers one chunk, flushing any partition whose buffer fills up.
func (a *Archiver) process(ctx context.Context, items []traffic.Item) {
	for _, item := range items {
		if item.Synthetic {
			// The partition is gone; the close only matters to replayers.
			a.logger.Debug("skipping synthetic close",
				zap.String("connection_id", item.Record.ConnectionID),
				zap.Stringer("partition", item.Partition),
			)
			continue
		}

		buf := a.buffers.GetOrCreate(item.Partition)
		if err := buf.Add(item); err != nil {
			if !stderrors.Is(err, errors.ErrBufferFull) {
				a.logger.Error("failed to buffer item", zap.Stringer("key", item.Key), zap.Error(err))
				continue
			}
			a.flush(ctx, item.Partition, buf)
			if err := buf.Add(item); err != nil {
				a.logger.Error("failed to buffer item after flush", zap.Stringer("key", item.Key), zap.Error(err))
				continue
			}
		}

		if a.policy.ShouldRotate(buf.Stats()) {
			a.flush(ctx, item.Partition, buf)
		}
	}
}

// rotateDue flushes buffers whose age alone makes them due.
func (a *Archiver) rotateDue(ctx context.Context) {
	for _, tp := range a.buffers.Partitions() {
		buf := a.buffers.GetOrCreate(tp)
		stats := buf.Stats()
		if a.metrics != nil {
			a.metrics.SetBufferStats(tp.Topic, tp.Partition, stats.SizeBytes, stats.RecordCount)
		}
		if a.policy.ShouldRotate(stats) {
			a.flush(ctx, tp, buf)
		}
	}
}

// flush writes the buffered items of tp and commits them on success. A
// failed batch is dropped uncommitted; its offsets hold the partition's
// commit position until a rebalance or restart redelivers them.
func (a *Archiver) flush(ctx context.Context, tp traffic.TopicPartition, buf buffer.Buffer) {
	items := buf.Drain()
	if len(items) == 0 {
		return
	}

	path := a.router.Route(tp, a.batchTime(items).Unix(), a.config.SchemaVersion)
	size, err := a.writer.Write(ctx, items, path, a.config.Format)
	if err != nil {
		a.logger.Error("failed to archive batch, offsets stay uncommitted",
			zap.Stringer("partition", tp),
			zap.Int("records", len(items)),
			zap.Bool("retryable", errors.IsRetryable(err)),
			zap.Error(err),
		)
		return
	}

	for i := range items {
		item := &items[i]
		if err := a.source.Commit(item.Key); err != nil {
			a.logger.Warn("failed to commit archived record", zap.Stringer("key", item.Key), zap.Error(err))
		}
		if item.Record.Final {
			a.source.ConnectionDone(item.Record.NodeID, item.Record.ConnectionID)
		}
	}

	a.logger.Info("archived batch",
		zap.Stringer("partition", tp),
		zap.Int("records", len(items)),
		zap.Int64("bytes", size),
		zap.String("path", path),
	)
}

// batchTime is the first observation time in items, or now when no item
// carries observations.
func (a *Archiver) batchTime(items []traffic.Item) time.Time {
	for i := range items {
		if ts := items[i].Record.FirstTimestamp(); !ts.IsZero() {
			return ts
		}
	}
	return a.now()
}

// keepAlive touches the source when the next touch is due.
func (a *Archiver) keepAlive(ctx context.Context) {
	if a.now().Before(a.source.NextRequiredTouch()) {
		return
	}
	if err := a.source.Touch(ctx); err != nil && ctx.Err() == nil {
		a.logger.Warn("failed to touch source", zap.Error(err))
	}
}

// discard drops the buffers of lost partitions.
func (a *Archiver) discard(partitions []traffic.TopicPartition) {
	for _, tp := range partitions {
		buf := a.buffers.GetOrCreate(tp)
		if n := buf.Stats().RecordCount; n > 0 {
			a.logger.Info("discarding buffer of lost partition",
				zap.Stringer("partition", tp),
				zap.Int("records", n),
			)
		}
		a.buffers.Remove(tp)
	}
}

// shutdown flushes every buffer and touches the source so the resulting
// commits are sent before the consumer closes.
func (a *Archiver) shutdown(ctx context.Context) error {
	a.logger.Info("archiver stopping, flushing buffers")

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.config.ShutdownTimeout)
	defer cancel()

	for _, tp := range a.buffers.Partitions() {
		a.flush(flushCtx, tp, a.buffers.GetOrCreate(tp))
	}
	if err := a.source.Touch(flushCtx); err != nil {
		a.logger.Warn("failed to push final commits", zap.Error(err))
	}

	a.logger.Info("archiver stopped")
	return nil
}
