package capture

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Retired is one closed record handed to a Retirer.
type Retired struct {
	ConnectionID string
	Index        int32
	Data         []byte
}

// Retirer persists or transmits closed records.
type Retirer[T any] interface {
	Retire(ctx context.Context, record Retired) (T, error)
}

// RetirerFunc adapts a function to the Retirer interface.
type RetirerFunc[T any] func(ctx context.Context, record Retired) (T, error)

// Retire calls f.
func (f RetirerFunc[T]) Retire(ctx context.Context, record Retired) (T, error) {
	return f(ctx, record)
}

// Manager creates buffers for one connection and retires them once full.
type Manager[T any] interface {
	// CreateBuffer returns a fresh holder.
	CreateBuffer() *BufferHolder

	// BufferCapacity returns the capacity of fresh holders, zero or less
	// when they are unbounded.
	BufferCapacity() int

	// CloseBuffer takes ownership of h and retires it.
	CloseBuffer(h *BufferHolder, index int32) *Completion[T]
}

// MetricsCollector defines metrics operations for capture.
type MetricsCollector interface {
	ObserveBufferClosed(status string, bytes int, seconds float64)
	IncSegmentedObservations(direction string)
}

// ManagerConfig contains settings shared by the lifecycle managers.
type ManagerConfig struct {
	ConnectionID   string
	BufferCapacity int
}

type baseManager[T any] struct {
	config   ManagerConfig
	retirer  Retirer[T]
	ctx      context.Context
	logger   *zap.Logger
	metrics  MetricsCollector
	inflight *sync.WaitGroup
}

func (m *baseManager[T]) CreateBuffer() *BufferHolder {
	return NewBufferHolder(m.config.BufferCapacity)
}

func (m *baseManager[T]) BufferCapacity() int {
	return m.config.BufferCapacity
}

func (m *baseManager[T]) retire(data []byte, index int32, c *Completion[T]) {
	start := time.Now()
	value, err := m.retirer.Retire(m.ctx, Retired{
		ConnectionID: m.config.ConnectionID,
		Index:        index,
		Data:         data,
	})

	status := "success"
	if err != nil {
		status = "failure"
		m.logger.Warn("failed to retire capture buffer",
			zap.String("connection_id", m.config.ConnectionID),
			zap.Int32("index", index),
			zap.Int("bytes", len(data)),
			zap.Error(err),
		)
	}
	if m.metrics != nil {
		m.metrics.ObserveBufferClosed(status, len(data), time.Since(start).Seconds())
	}
	c.resolve(value, err)
}

// OrderedManager retires buffers so that each retire starts only after the
// previous one of the same manager has resolved. A failed retire resolves
// its own completion with the error and the chain continues.
type OrderedManager[T any] struct {
	baseManager[T]
	mu   sync.Mutex
	tail *Completion[T]
}

// NewOrderedManager creates an ordered manager. Retire calls use ctx.
func NewOrderedManager[T any](
	ctx context.Context,
	config ManagerConfig,
	retirer Retirer[T],
	logger *zap.Logger,
	metrics MetricsCollector,
) *OrderedManager[T] {
	return &OrderedManager[T]{
		baseManager: newBaseManager(ctx, config, retirer, logger, metrics),
	}
}

func newBaseManager[T any](
	ctx context.Context,
	config ManagerConfig,
	retirer Retirer[T],
	logger *zap.Logger,
	metrics MetricsCollector,
) baseManager[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return baseManager[T]{
		config:   config,
		retirer:  retirer,
		ctx:      ctx,
		logger:   logger,
		metrics:  metrics,
		inflight: &sync.WaitGroup{},
	}
}

// CloseBuffer hands h off and schedules its retire behind every earlier one.
func (m *OrderedManager[T]) CloseBuffer(h *BufferHolder, index int32) *Completion[T] {
	var zero T
	data, err := h.handOff()
	if err != nil {
		return Completed(zero, err)
	}

	c := newCompletion[T]()
	m.mu.Lock()
	prev := m.tail
	m.tail = c
	m.mu.Unlock()

	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		if prev != nil {
			<-prev.Done()
		}
		m.retire(data, index, c)
	}()
	return c
}

// Flush waits until every buffer closed so far has been retired.
func (m *OrderedManager[T]) Flush(ctx context.Context) error {
	m.mu.Lock()
	tail := m.tail
	m.mu.Unlock()
	if tail == nil {
		return nil
	}
	select {
	case <-tail.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UnorderedManager retires every buffer as soon as it is closed.
type UnorderedManager[T any] struct {
	baseManager[T]
}

// NewUnorderedManager creates an unordered manager. Retire calls use ctx.
func NewUnorderedManager[T any](
	ctx context.Context,
	config ManagerConfig,
	retirer Retirer[T],
	logger *zap.Logger,
	metrics MetricsCollector,
) *UnorderedManager[T] {
	return &UnorderedManager[T]{
		baseManager: newBaseManager(ctx, config, retirer, logger, metrics),
	}
}

// CloseBuffer hands h off and retires it concurrently with earlier buffers.
func (m *UnorderedManager[T]) CloseBuffer(h *BufferHolder, index int32) *Completion[T] {
	var zero T
	data, err := h.handOff()
	if err != nil {
		return Completed(zero, err)
	}

	c := newCompletion[T]()
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		m.retire(data, index, c)
	}()
	return c
}

// Flush waits until every buffer closed so far has been retired.
func (m *UnorderedManager[T]) Flush(ctx context.Context) error {
	return waitGroupWait(ctx, m.inflight)
}

func waitGroupWait(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var (
	_ Manager[struct{}] = (*OrderedManager[struct{}])(nil)
	_ Manager[struct{}] = (*UnorderedManager[struct{}])(nil)
)
