package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	pkgstorage "github.com/jittakal/kaftraffic/pkg/storage"
	"github.com/jittakal/kaftraffic/pkg/traffic"
)

// Ensure implementation satisfies interface at compile time.
var _ pkgstorage.Writer = (*GCSWriter)(nil)

// GCSConfig contains Google Cloud Storage configuration.
type GCSConfig struct {
	Bucket               string
	ProjectID            string
	CredentialsFile      string
	CredentialsJSON      string
	Endpoint             string
	UseDefaultCredential bool
}

// gcsBucket opens object writers in one bucket.
type gcsBucket interface {
	NewWriter(ctx context.Context, object, contentType string) io.WriteCloser
	Close() error
}

type gcsClientBucket struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

func (b *gcsClientBucket) NewWriter(ctx context.Context, object, contentType string) io.WriteCloser {
	w := b.bucket.Object(object).NewWriter(ctx)
	w.ContentType = contentType
	return w
}

func (b *gcsClientBucket) Close() error {
	return b.client.Close()
}

// GCSWriter implements storage.Writer for Google Cloud Storage.
type GCSWriter struct {
	bucket     gcsBucket
	bucketName string
	batches    *batchEncoder
	logger     *zap.Logger
}

// NewGCSWriter creates a new Google Cloud Storage writer. Credentials come
// from CredentialsJSON, then CredentialsFile, then application defaults.
func NewGCSWriter(
	cfg GCSConfig,
	format traffic.FileFormat,
	compression string,
	logger *zap.Logger,
	metrics MetricsCollector,
) (*GCSWriter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var clientOpts []option.ClientOption
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(cfg.Endpoint))
	}
	switch {
	case cfg.UseDefaultCredential:
		logger.Info("using default GCP credentials")
	case cfg.CredentialsJSON != "":
		clientOpts = append(clientOpts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
		logger.Info("using GCP credentials from JSON string")
	case cfg.CredentialsFile != "":
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
		logger.Info("using GCP credentials from file", zap.String("file", cfg.CredentialsFile))
	default:
		logger.Info("no explicit credentials provided, using default GCP credentials")
	}

	client, err := storage.NewClient(context.Background(), clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	bucket := &gcsClientBucket{client: client, bucket: client.Bucket(cfg.Bucket)}
	w, err := newGCSWriter(cfg, bucket, format, compression, logger, metrics)
	if err != nil {
		client.Close()
		return nil, err
	}
	return w, nil
}

func newGCSWriter(
	cfg GCSConfig,
	bucket gcsBucket,
	format traffic.FileFormat,
	compression string,
	logger *zap.Logger,
	metrics MetricsCollector,
) (*GCSWriter, error) {
	batches, err := newBatchEncoder("gcs", format, compression, logger, metrics)
	if err != nil {
		return nil, err
	}

	batches.logger.Info("GCS writer created",
		zap.String("bucket", cfg.Bucket),
		zap.String("project_id", cfg.ProjectID),
		zap.String("format", string(format)),
		zap.String("compression", compression),
	)

	return &GCSWriter{
		bucket:     bucket,
		bucketName: cfg.Bucket,
		batches:    batches,
		logger:     batches.logger,
	}, nil
}

// Write encodes items and uploads them below path, which is either a
// gs://bucket/prefix/ URI or a bare object prefix.
func (w *GCSWriter) Write(
	ctx context.Context,
	items []traffic.Item,
	path string,
	format traffic.FileFormat,
) (int64, error) {
	started := time.Now()

	staged, err := w.batches.stage(items)
	if err != nil {
		return 0, err
	}
	defer staged.cleanup()

	object := objectKey(path, "gs", staged.name)

	file, err := os.Open(staged.path)
	if err != nil {
		return 0, w.batches.fail("file_open", staged.path, err)
	}
	defer file.Close()

	gcsWriter := w.bucket.NewWriter(ctx, object, contentType(format))
	if _, err := io.Copy(gcsWriter, file); err != nil {
		gcsWriter.Close()
		return 0, w.batches.fail("upload", object, err)
	}
	// The object is committed on Close.
	if err := gcsWriter.Close(); err != nil {
		return 0, w.batches.fail("upload", object, err)
	}

	w.batches.written(items, fmt.Sprintf("gs://%s/%s", w.bucketName, object), staged.stats, started)
	return staged.stats.SizeBytes, nil
}

// Close closes the GCS writer and its client.
func (w *GCSWriter) Close() error {
	w.batches.close()
	w.logger.Info("closing GCS writer")
	if w.bucket != nil {
		return w.bucket.Close()
	}
	return nil
}
