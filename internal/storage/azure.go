package storage

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"go.uber.org/zap"

	"github.com/jittakal/kaftraffic/pkg/storage"
	"github.com/jittakal/kaftraffic/pkg/traffic"
)

// Ensure implementation satisfies interface at compile time.
var _ storage.Writer = (*AzureWriter)(nil)

// AzureConfig contains Azure Blob Storage configuration.
type AzureConfig struct {
	AccountName   string
	AccountKey    string
	ContainerName string
	Endpoint      string
}

// blobUploader is the part of azblob.Client used by AzureWriter.
type blobUploader interface {
	UploadFile(ctx context.Context, containerName, blobName string, file *os.File, o *azblob.UploadFileOptions) (azblob.UploadFileResponse, error)
}

// AzureWriter implements storage.Writer for Azure Blob Storage.
type AzureWriter struct {
	client        blobUploader
	containerName string
	batches       *batchEncoder
	logger        *zap.Logger
}

// connectionString builds an account-key connection string. A custom
// Endpoint replaces the public cloud suffix, e.g. for Azurite.
func (cfg AzureConfig) connectionString() string {
	if cfg.Endpoint != "" {
		return fmt.Sprintf("DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;BlobEndpoint=%s",
			cfg.AccountName, cfg.AccountKey, cfg.Endpoint)
	}
	return fmt.Sprintf("DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;EndpointSuffix=core.windows.net",
		cfg.AccountName, cfg.AccountKey)
}

// NewAzureWriter creates a new Azure Blob storage writer.
func NewAzureWriter(
	cfg AzureConfig,
	format traffic.FileFormat,
	compression string,
	logger *zap.Logger,
	metrics MetricsCollector,
) (*AzureWriter, error) {
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("azure container name is required")
	}

	client, err := azblob.NewClientFromConnectionString(cfg.connectionString(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}

	return newAzureWriter(cfg, client, format, compression, logger, metrics)
}

func newAzureWriter(
	cfg AzureConfig,
	client blobUploader,
	format traffic.FileFormat,
	compression string,
	logger *zap.Logger,
	metrics MetricsCollector,
) (*AzureWriter, error) {
	batches, err := newBatchEncoder("azure", format, compression, logger, metrics)
	if err != nil {
		return nil, err
	}

	batches.logger.Info("Azure writer created",
		zap.String("container", cfg.ContainerName),
		zap.String("account", cfg.AccountName),
		zap.String("format", string(format)),
		zap.String("compression", compression),
	)

	return &AzureWriter{
		client:        client,
		containerName: cfg.ContainerName,
		batches:       batches,
		logger:        batches.logger,
	}, nil
}

// Write encodes items and uploads them below path, which is either a
// wasbs://container/prefix/ URI or a bare blob prefix.
func (w *AzureWriter) Write(ctx context.Context, items []traffic.Item, path string, format traffic.FileFormat) (int64, error) {
	started := time.Now()

	staged, err := w.batches.stage(items)
	if err != nil {
		return 0, err
	}
	defer staged.cleanup()

	blobPath := objectKey(path, "wasbs", staged.name)

	file, err := os.Open(staged.path)
	if err != nil {
		return 0, w.batches.fail("file_open", staged.path, err)
	}
	defer file.Close()

	if _, err := w.client.UploadFile(ctx, w.containerName, blobPath, file, nil); err != nil {
		return 0, w.batches.fail("upload", blobPath, err)
	}

	w.batches.written(items, fmt.Sprintf("wasbs://%s/%s", w.containerName, blobPath), staged.stats, started)
	return staged.stats.SizeBytes, nil
}

// Close closes the Azure writer.
func (w *AzureWriter) Close() error {
	w.batches.close()
	w.logger.Info("Azure writer closed")
	return nil
}
