package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jittakal/kaftraffic/internal/archive"
	"github.com/jittakal/kaftraffic/internal/buffer"
	"github.com/jittakal/kaftraffic/internal/config"
	"github.com/jittakal/kaftraffic/internal/config/dto"
	"github.com/jittakal/kaftraffic/internal/encoder"
	"github.com/jittakal/kaftraffic/internal/kafka"
	"github.com/jittakal/kaftraffic/internal/observability"
	"github.com/jittakal/kaftraffic/internal/server"
	"github.com/jittakal/kaftraffic/internal/source"
	"github.com/jittakal/kaftraffic/internal/storage"
	"github.com/jittakal/kaftraffic/internal/validator"
	pkgstorage "github.com/jittakal/kaftraffic/pkg/storage"
	"github.com/jittakal/kaftraffic/pkg/traffic"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("application error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	// Priority: CLI flag > CONFIG_PATH env var > default path
	var cfgPath string
	if *configPath != "" {
		cfgPath = *configPath
	} else if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		cfgPath = envPath
	} else {
		cfgPath = "config/archiver.yaml"
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := config.ValidateArchiver(cfg); err != nil {
		return fmt.Errorf("invalid archiver configuration: %w", err)
	}

	logger, err := observability.NewLogger(observability.LoggingConfig{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
		Output: cfg.Observability.Logging.Output,
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting traffic archiver",
		zap.String("version", cfg.Application.Version),
		zap.String("environment", cfg.Application.Environment),
		zap.String("topic", cfg.Kafka.Topic),
	)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	health := server.NewComponentHealth("kafka", "storage", "archiver")

	// Cleanup runs in reverse registration order
	var cleanupFuncs []func() error
	addCleanup := func(name string, fn func() error) {
		cleanupFuncs = append(cleanupFuncs, func() error {
			if err := fn(); err != nil {
				logger.Warn("cleanup failed", zap.String("component", name), zap.Error(err))
				return err
			}
			return nil
		})
		logger.Debug("registered cleanup", zap.String("component", name))
	}
	defer func() {
		for i := len(cleanupFuncs) - 1; i >= 0; i-- {
			_ = cleanupFuncs[i]()
		}
	}()

	httpServer := server.NewServer(server.Config{
		HealthPort:    cfg.Observability.Health.Port,
		MetricsPort:   cfg.Observability.Metrics.Port,
		LivenessPath:  cfg.Observability.Health.LivenessPath,
		ReadinessPath: cfg.Observability.Health.ReadinessPath,
		MetricsPath:   cfg.Observability.Metrics.Path,
	}, health, registry, logger)
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	addCleanup("http-server", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(ctx)
	})

	// Storage
	format := traffic.FormatParquet
	if cfg.Storage.Format == "avro" {
		format = traffic.FormatAvro
	}
	writer, err := newWriter(cfg, format, logger, metrics)
	if err != nil {
		return err
	}
	addCleanup("storage-writer", writer.Close)
	health.SetUp("storage")

	router := storage.NewRouter(
		storageProtocol(cfg.Storage.Backend),
		storageBucket(cfg),
		storageBasePath(cfg),
		"v1",
	)
	policy := storage.NewPolicy(storage.PolicyConfig{
		MaxFileSizeMB:      cfg.FileRotation.MaxFileSizeMB,
		MaxRecordsPerFile:  cfg.FileRotation.MaxRecordsPerFile,
		MaxDurationSeconds: cfg.FileRotation.MaxDurationSeconds,
		Strategy:           cfg.FileRotation.Strategy,
	})

	// Dead letters go out through a producer of their own
	var dlq source.DeadLetterPublisher
	if cfg.Kafka.DLQ.Enabled {
		producer, err := kafka.NewProducer(config.KafkaProducer(cfg), logger, metrics)
		if err != nil {
			return fmt.Errorf("failed to create DLQ producer: %w", err)
		}
		addCleanup("dlq-producer", producer.Close)

		publisher, err := kafka.NewDLQPublisher(producer, kafka.DLQConfig{
			Enabled:     true,
			TopicSuffix: cfg.Kafka.DLQ.TopicSuffix,
		}, logger, cfg.Application.Name)
		if err != nil {
			return fmt.Errorf("failed to create DLQ publisher: %w", err)
		}
		addCleanup("dlq-publisher", publisher.Close)
		dlq = publisher
	}

	// Tracked consumer and traffic source
	consumerConfig := config.KafkaConsumer(cfg)
	if err := consumerConfig.Validate(); err != nil {
		return fmt.Errorf("invalid consumer configuration: %w", err)
	}
	consumer, err := kafka.NewTrackingConsumer(consumerConfig, func(listener kafka.RebalanceListener) (kafka.Client, error) {
		return kafka.NewClient(consumerConfig, listener, logger)
	}, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	trafficSource := source.New(
		consumer,
		source.Config{HandoffDelay: dto.Milliseconds(cfg.Source.HandoffDelayMS)},
		validator.NewRecordValidator(),
		dlq,
		logger,
		metrics,
	)
	addCleanup("traffic-source", trafficSource.Close)
	health.SetUp("kafka")

	bufferSizeBytes := int64(cfg.Storage.BufferSizeMB) * 1024 * 1024
	archiver := archive.New(
		trafficSource,
		buffer.NewManager(bufferSizeBytes, cfg.FileRotation.MaxRecordsPerFile),
		policy,
		router,
		writer,
		archive.Config{
			Format:          format,
			SchemaVersion:   cfg.Storage.SchemaVersion,
			ShutdownTimeout: cfg.Shutdown.GracePeriod(),
		},
		logger,
		metrics,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- archiver.Run(ctx)
	}()
	health.SetUp("archiver")
	logger.Info("application started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received termination signal", zap.String("signal", sig.String()))
		health.SetDown("archiver", false)
		cancel()
		if err := <-runErr; err != nil {
			logger.Error("archiver stopped with error", zap.Error(err))
			return err
		}
	case err := <-runErr:
		health.SetDown("archiver", true)
		if err != nil {
			logger.Error("archiver failed", zap.Error(err))
			return err
		}
		logger.Info("archiver stopped")
	}

	logger.Info("application stopped successfully")
	return nil
}

// newWriter creates the storage writer for the configured backend.
func newWriter(
	cfg *dto.ApplicationConfig,
	format traffic.FileFormat,
	logger *zap.Logger,
	metrics storage.MetricsCollector,
) (pkgstorage.Writer, error) {
	compression := strings.ToLower(cfg.Storage.Compression)
	if compression == "" {
		compression = encoder.DefaultCompression(format)
	}

	switch cfg.Storage.Backend {
	case "file":
		w, err := storage.NewFileWriter(storage.FileConfig{
			BasePath: cfg.Storage.File.BasePath,
		}, format, compression, logger, metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to create filesystem writer: %w", err)
		}
		return w, nil
	case "s3":
		w, err := storage.NewS3Writer(storage.S3Config{
			Bucket:       cfg.Storage.S3.Bucket,
			Region:       cfg.Storage.S3.Region,
			Endpoint:     cfg.Storage.S3.Endpoint,
			UsePathStyle: cfg.Storage.S3.UsePathStyle,
			SSEEnabled:   cfg.Storage.S3.SSEEnabled,
			SSEKMSKeyID:  cfg.Storage.S3.SSEKMSKeyID,
		}, format, compression, logger, metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 writer: %w", err)
		}
		return w, nil
	case "azure":
		accountKey := cfg.Storage.Azure.AccountKey
		if accountKey == "" {
			accountKey = os.Getenv("AZURE_STORAGE_ACCOUNT_KEY")
		}
		w, err := storage.NewAzureWriter(storage.AzureConfig{
			AccountName:   cfg.Storage.Azure.AccountName,
			AccountKey:    accountKey,
			ContainerName: cfg.Storage.Azure.Container,
			Endpoint:      cfg.Storage.Azure.Endpoint,
		}, format, compression, logger, metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure Blob writer: %w", err)
		}
		return w, nil
	case "gcs":
		credentialsJSON := cfg.Storage.GCS.CredentialsJSON
		if credentialsJSON == "" {
			credentialsJSON = os.Getenv("GCP_CREDENTIALS_JSON")
		}
		w, err := storage.NewGCSWriter(storage.GCSConfig{
			Bucket:               cfg.Storage.GCS.Bucket,
			ProjectID:            cfg.Storage.GCS.ProjectID,
			Endpoint:             cfg.Storage.GCS.Endpoint,
			CredentialsFile:      cfg.Storage.GCS.CredentialsFile,
			CredentialsJSON:      credentialsJSON,
			UseDefaultCredential: cfg.Storage.GCS.UseDefaultCredential,
		}, format, compression, logger, metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCS writer: %w", err)
		}
		return w, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s (supported: file, s3, azure, gcs)", cfg.Storage.Backend)
	}
}

func storageProtocol(backend string) string {
	switch backend {
	case "s3":
		return "s3"
	case "azure":
		return "wasbs"
	case "gcs":
		return "gs"
	default:
		return "file"
	}
}

func storageBucket(cfg *dto.ApplicationConfig) string {
	switch cfg.Storage.Backend {
	case "s3":
		return cfg.Storage.S3.Bucket
	case "azure":
		return cfg.Storage.Azure.Container
	case "gcs":
		return cfg.Storage.GCS.Bucket
	default:
		// The file writer resolves paths below its own base path.
		return ""
	}
}

func storageBasePath(cfg *dto.ApplicationConfig) string {
	switch cfg.Storage.Backend {
	case "s3":
		return cfg.Storage.S3.BasePath
	case "gcs":
		return cfg.Storage.GCS.BasePath
	case "azure":
		return cfg.Storage.Azure.BasePath
	default:
		return ""
	}
}
