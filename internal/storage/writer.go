package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jittakal/kaftraffic/internal/encoder"
	kerrors "github.com/jittakal/kaftraffic/internal/errors"
	"github.com/jittakal/kaftraffic/pkg/traffic"
)

// MetricsCollector defines metrics operations for storage.
type MetricsCollector interface {
	IncFilesWritten(topic string, partition int32, format string, status string)
	ObserveFileSize(topic string, partition int32, format string, size float64)
	ObserveStorageWriteDuration(topic string, partition int32, duration float64)
	IncStorageErrors(backend string, operation string)
}

// stagedFile is an encoded batch on local disk.
type stagedFile struct {
	path    string
	name    string
	stats   *traffic.FileStats
	cleanup func()
}

// batchEncoder encodes item batches into named files for one backend.
// File names are traffic_YYYYMMDD_HHMMSS_NNN<ext>; NNN counts files
// produced within the same second.
type batchEncoder struct {
	backend string
	format  traffic.FileFormat
	factory *encoder.Factory
	metrics MetricsCollector
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	closed    bool
	lastStamp string
	sequence  int
}

func newBatchEncoder(
	backend string,
	format traffic.FileFormat,
	compression string,
	logger *zap.Logger,
	metrics MetricsCollector,
) (*batchEncoder, error) {
	factory := encoder.NewFactory(format, compression)
	if _, err := factory.CreateEncoder(); err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &batchEncoder{
		backend: backend,
		format:  format,
		factory: factory,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// fileName returns the next file name for the given extension.
func (b *batchEncoder) fileName(ext string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	stamp := b.now().UTC().Format("20060102_150405")
	if stamp == b.lastStamp {
		b.sequence++
	} else {
		b.sequence = 1
		b.lastStamp = stamp
	}
	return fmt.Sprintf("traffic_%s_%03d%s", stamp, b.sequence, ext)
}

// encodeInto encodes items into dir under a fresh file name.
func (b *batchEncoder) encodeInto(dir string, items []traffic.Item) (*stagedFile, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("no records to write")
	}
	if b.isClosed() {
		return nil, kerrors.ErrWriterClosed
	}

	enc, err := b.factory.CreateEncoder()
	if err != nil {
		return nil, b.fail("encoder_create", dir, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, b.fail("mkdir", dir, err)
	}

	name := b.fileName(enc.FileExtension())
	fullPath := filepath.Join(dir, name)
	stats, err := enc.Encode(fullPath, items)
	if err != nil {
		return nil, b.fail("encode", fullPath, err)
	}
	return &stagedFile{path: fullPath, name: name, stats: stats, cleanup: func() {}}, nil
}

// stage encodes items into a private temporary directory for upload.
func (b *batchEncoder) stage(items []traffic.Item) (*stagedFile, error) {
	dir, err := os.MkdirTemp("", "kaftraffic-"+b.backend+"-")
	if err != nil {
		return nil, b.fail("create", "", err)
	}
	staged, err := b.encodeInto(dir, items)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	staged.cleanup = func() { os.RemoveAll(dir) }
	return staged, nil
}

// fail records a storage error for operation and wraps err.
func (b *batchEncoder) fail(operation, path string, err error) error {
	if b.metrics != nil {
		b.metrics.IncStorageErrors(b.backend, operation)
	}
	return &kerrors.StorageError{Operation: operation, Path: path, Err: err}
}

// written records a successful write of items.
func (b *batchEncoder) written(items []traffic.Item, location string, stats *traffic.FileStats, started time.Time) {
	duration := time.Since(started)

	b.logger.Info("wrote traffic archive",
		zap.String("backend", b.backend),
		zap.String("location", location),
		zap.Int("record_count", stats.RecordCount),
		zap.Int64("file_size", stats.SizeBytes),
		zap.String("format", string(b.format)),
		zap.Int64("total_duration_ms", duration.Milliseconds()),
	)

	if b.metrics == nil || len(items) == 0 {
		return
	}
	tp := items[0].Partition
	b.metrics.IncFilesWritten(tp.Topic, tp.Partition, string(b.format), "success")
	b.metrics.ObserveFileSize(tp.Topic, tp.Partition, string(b.format), float64(stats.SizeBytes))
	b.metrics.ObserveStorageWriteDuration(tp.Topic, tp.Partition, duration.Seconds())
}

func (b *batchEncoder) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *batchEncoder) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// objectKey strips "scheme://bucket/" from a routed path and appends name.
// Paths without the scheme are used as they are.
func objectKey(path, scheme, name string) string {
	key := path
	if rest, ok := strings.CutPrefix(path, scheme+"://"); ok {
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) == 2 {
			key = parts[1]
		} else {
			key = ""
		}
	}
	if key != "" && !strings.HasSuffix(key, "/") {
		key += "/"
	}
	return strings.TrimPrefix(key+name, "/")
}

// contentType returns the MIME type of an archive format.
func contentType(format traffic.FileFormat) string {
	if format == traffic.FormatAvro {
		return "application/avro"
	}
	return "application/octet-stream"
}
