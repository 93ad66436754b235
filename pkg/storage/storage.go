// Package storage defines interfaces for archive storage operations.
//
// This package provides abstractions for writing archived traffic to
// various storage backends (S3, GCS, Azure Blob, local filesystem).
package storage

import (
	"context"

	"github.com/jittakal/kaftraffic/pkg/traffic"
)

// Writer writes traffic items to storage.
type Writer interface {
	// Write writes items to storage at the specified path.
	// Returns the number of bytes written.
	Write(ctx context.Context, items []traffic.Item, path string, format traffic.FileFormat) (int64, error)

	// Close closes the writer and releases resources.
	Close() error
}

// Router determines storage paths based on the partitioning strategy.
type Router interface {
	// Route returns the storage path for a partition at a given time.
	// timestamp is Unix seconds of the first observation in the batch.
	// schemaVersion selects the path version; empty uses the default.
	Route(partition traffic.TopicPartition, timestamp int64, schemaVersion string) string
}

// RotationPolicy determines when to rotate (flush) buffered items to storage.
type RotationPolicy interface {
	// ShouldRotate returns true if the buffer should be flushed based on stats.
	ShouldRotate(stats traffic.FileStats) bool
}
