// Package buffer implements per-partition buffering of traffic items for
// batch archiving.
package buffer

import (
	"fmt"
	"sync"
	"time"

	"github.com/jittakal/kaftraffic/internal/errors"
	"github.com/jittakal/kaftraffic/pkg/buffer"
	"github.com/jittakal/kaftraffic/pkg/traffic"
)

// Ensure implementation satisfies interface at compile time.
var (
	_ buffer.Buffer  = (*PartitionBuffer)(nil)
	_ buffer.Manager = (*Manager)(nil)
)

// PartitionBuffer buffers items for a single log partition.
// It enforces size and item count limits and tracks first and last write
// times for file rotation decisions.
type PartitionBuffer struct {
	partition      traffic.TopicPartition
	items          []traffic.Item
	maxSizeBytes   int64
	maxRecords     int
	currentSize    int64
	firstWriteTime time.Time
	lastWriteTime  time.Time
	now            func() time.Time
	mu             sync.RWMutex
}

// New creates a new partition buffer.
func New(partition traffic.TopicPartition, maxSizeBytes int64, maxRecords int) *PartitionBuffer {
	return &PartitionBuffer{
		partition:    partition,
		items:        make([]traffic.Item, 0, maxRecords),
		maxSizeBytes: maxSizeBytes,
		maxRecords:   maxRecords,
		now:          time.Now,
	}
}

// Partition returns the partition this buffer holds items for.
func (b *PartitionBuffer) Partition() traffic.TopicPartition {
	return b.partition
}

// Add adds an item to the buffer.
func (b *PartitionBuffer) Add(item traffic.Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := int64(EstimateSize(&item))

	if b.maxRecords > 0 && len(b.items) >= b.maxRecords {
		return fmt.Errorf("%w: max records (%d) reached", errors.ErrBufferFull, b.maxRecords)
	}

	// An empty buffer accepts one oversized item so that it can still be
	// archived alone.
	if b.maxSizeBytes > 0 && len(b.items) > 0 && b.currentSize+size > b.maxSizeBytes {
		return fmt.Errorf("%w: max size (%d bytes) would be exceeded", errors.ErrBufferFull, b.maxSizeBytes)
	}

	b.items = append(b.items, item)
	b.currentSize += size

	now := b.now()
	if b.firstWriteTime.IsZero() {
		b.firstWriteTime = now
	}
	b.lastWriteTime = now

	return nil
}

// Drain removes and returns all items from the buffer.
// The returned slice is owned by the caller.
func (b *PartitionBuffer) Drain() []traffic.Item {
	b.mu.Lock()
	defer b.mu.Unlock()

	items := b.items
	b.reset()
	return items
}

// Stats returns current buffer statistics.
func (b *PartitionBuffer) Stats() traffic.FileStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return traffic.FileStats{
		RecordCount:    len(b.items),
		SizeBytes:      b.currentSize,
		FirstWriteTime: b.firstWriteTime,
		LastWriteTime:  b.lastWriteTime,
	}
}

// IsEmpty returns true if the buffer is empty.
func (b *PartitionBuffer) IsEmpty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items) == 0
}

// Reset clears the buffer and resets all statistics.
func (b *PartitionBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
}

func (b *PartitionBuffer) reset() {
	b.items = make([]traffic.Item, 0, b.maxRecords)
	b.currentSize = 0
	b.firstWriteTime = time.Time{}
	b.lastWriteTime = time.Time{}
}

// EstimateSize estimates the archived size of an item in bytes.
func EstimateSize(item *traffic.Item) int {
	r := &item.Record
	size := len(r.ConnectionID) + len(r.NodeID) + len(item.Partition.Topic)
	for i := range r.Observations {
		obs := &r.Observations[i]
		// Timestamp and kind.
		size += 16
		size += len(obs.Data) + len(obs.Message)
	}
	return size
}

// Manager manages buffers for multiple log partitions.
// It creates partition buffers on demand and uses double-checked locking
// for concurrent access.
type Manager struct {
	buffers      map[traffic.TopicPartition]*PartitionBuffer
	maxSizeBytes int64
	maxRecords   int
	mu           sync.RWMutex
}

// NewManager creates a new buffer manager.
func NewManager(maxSizeBytes int64, maxRecords int) *Manager {
	return &Manager{
		buffers:      make(map[traffic.TopicPartition]*PartitionBuffer),
		maxSizeBytes: maxSizeBytes,
		maxRecords:   maxRecords,
	}
}

// GetOrCreate returns a buffer for the partition, creating if needed.
func (m *Manager) GetOrCreate(partition traffic.TopicPartition) buffer.Buffer {
	m.mu.RLock()
	buf, exists := m.buffers[partition]
	m.mu.RUnlock()

	if exists {
		return buf
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if buf, exists := m.buffers[partition]; exists {
		return buf
	}

	buf = New(partition, m.maxSizeBytes, m.maxRecords)
	m.buffers[partition] = buf
	return buf
}

// Remove discards the buffer of a partition.
func (m *Manager) Remove(partition traffic.TopicPartition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buffers, partition)
}

// Partitions returns the partitions that currently have a buffer.
func (m *Manager) Partitions() []traffic.TopicPartition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]traffic.TopicPartition, 0, len(m.buffers))
	for tp := range m.buffers {
		out = append(out, tp)
	}
	return out
}
