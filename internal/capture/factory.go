package capture

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// FactoryConfig contains settings for serializers built by a Factory.
type FactoryConfig struct {
	NodeID         string
	BufferCapacity int
	Unordered      bool
}

// Factory builds one serializer per captured connection, all retiring into
// the same Retirer.
type Factory[T any] struct {
	config   FactoryConfig
	retirer  Retirer[T]
	ctx      context.Context
	logger   *zap.Logger
	metrics  MetricsCollector
	inflight sync.WaitGroup
}

// NewFactory creates a serializer factory. Retire calls use ctx, which
// should outlive the capture so that pending records are not cancelled.
func NewFactory[T any](
	ctx context.Context,
	config FactoryConfig,
	retirer Retirer[T],
	logger *zap.Logger,
	metrics MetricsCollector,
) *Factory[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory[T]{
		config:  config,
		retirer: retirer,
		ctx:     ctx,
		logger:  logger,
		metrics: metrics,
	}
}

// New returns a serializer for connectionID with its own lifecycle manager.
func (f *Factory[T]) New(connectionID string) *Serializer[T] {
	managerConfig := ManagerConfig{
		ConnectionID:   connectionID,
		BufferCapacity: f.config.BufferCapacity,
	}

	var manager Manager[T]
	if f.config.Unordered {
		m := NewUnorderedManager(f.ctx, managerConfig, f.retirer, f.logger, f.metrics)
		m.inflight = &f.inflight
		manager = m
	} else {
		m := NewOrderedManager(f.ctx, managerConfig, f.retirer, f.logger, f.metrics)
		m.inflight = &f.inflight
		manager = m
	}
	return NewSerializer(connectionID, f.config.NodeID, manager, f.logger, f.metrics)
}

// Flush waits until every buffer closed by any serializer of this factory
// has been retired.
func (f *Factory[T]) Flush(ctx context.Context) error {
	return waitGroupWait(ctx, &f.inflight)
}
