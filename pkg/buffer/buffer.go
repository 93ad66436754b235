// Package buffer defines interfaces for buffering traffic items before they
// are archived.
//
// Buffers batch items per partition so that storage receives a few large
// files rather than one object per record.
package buffer

import (
	"github.com/jittakal/kaftraffic/pkg/traffic"
)

// Buffer manages buffering of traffic items before storage.
// All implementations must be thread-safe.
type Buffer interface {
	// Add adds an item to the buffer.
	// Returns an error if the buffer is full or capacity would be exceeded.
	Add(item traffic.Item) error

	// Drain removes and returns all items from the buffer.
	// The buffer is reset after draining.
	Drain() []traffic.Item

	// Stats returns current buffer statistics without modifying the buffer.
	Stats() traffic.FileStats

	// IsEmpty returns true if the buffer contains no items.
	IsEmpty() bool

	// Reset clears the buffer and resets all statistics.
	Reset()
}

// Manager creates and manages buffers for partitions.
type Manager interface {
	// GetOrCreate returns a buffer for the given partition,
	// creating one if it doesn't exist.
	GetOrCreate(partition traffic.TopicPartition) Buffer

	// Remove discards the buffer of a partition that is no longer owned.
	Remove(partition traffic.TopicPartition)
}
