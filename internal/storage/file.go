// Package storage implements archive writers for the local filesystem and
// cloud object stores.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jittakal/kaftraffic/pkg/storage"
	"github.com/jittakal/kaftraffic/pkg/traffic"
)

// Ensure implementation satisfies interface at compile time.
var _ storage.Writer = (*FileWriter)(nil)

// FileConfig contains local filesystem configuration.
type FileConfig struct {
	BasePath string
}

// FileWriter implements storage.Writer for local filesystem storage.
// Routed paths are resolved below BasePath; a "file://" prefix is ignored.
type FileWriter struct {
	basePath string
	batches  *batchEncoder
	logger   *zap.Logger
}

// NewFileWriter creates a new filesystem storage writer.
func NewFileWriter(
	config FileConfig,
	format traffic.FileFormat,
	compression string,
	logger *zap.Logger,
	metrics MetricsCollector,
) (*FileWriter, error) {
	if config.BasePath == "" {
		return nil, fmt.Errorf("base path is required")
	}
	if err := os.MkdirAll(config.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}

	batches, err := newBatchEncoder("file", format, compression, logger, metrics)
	if err != nil {
		return nil, err
	}

	batches.logger.Info("filesystem writer created",
		zap.String("base_path", config.BasePath),
		zap.String("format", string(format)),
		zap.String("compression", compression),
	)

	return &FileWriter{
		basePath: config.BasePath,
		batches:  batches,
		logger:   batches.logger,
	}, nil
}

// Write encodes items into a new file under path and returns its size.
func (w *FileWriter) Write(
	ctx context.Context,
	items []traffic.Item,
	path string,
	format traffic.FileFormat,
) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	started := time.Now()

	dir := filepath.Join(w.basePath, strings.TrimPrefix(path, "file://"))
	staged, err := w.batches.encodeInto(dir, items)
	if err != nil {
		return 0, err
	}

	w.batches.written(items, staged.path, staged.stats, started)
	return staged.stats.SizeBytes, nil
}

// Close closes the writer. Later writes fail with ErrWriterClosed.
func (w *FileWriter) Close() error {
	w.batches.close()
	w.logger.Info("closing filesystem writer")
	return nil
}
