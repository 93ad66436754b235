package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jittakal/kaftraffic/internal/capture"
	"github.com/jittakal/kaftraffic/internal/config"
	"github.com/jittakal/kaftraffic/internal/config/dto"
	"github.com/jittakal/kaftraffic/internal/generator"
	"github.com/jittakal/kaftraffic/internal/kafka"
	"github.com/jittakal/kaftraffic/internal/observability"
	"github.com/jittakal/kaftraffic/internal/server"
)

var (
	// Version information (set during build)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"

	configFile  = flag.String("config", "", "Path to configuration file")
	forwardFile = flag.String("forward", "", "Publish the records of a capture file to Kafka instead of generating traffic")
)

func main() {
	flag.Parse()

	cfgPath := *configFile
	if cfgPath == "" {
		cfgPath = getEnv("CONFIG_PATH", "config/generator.yaml")
	}

	cfg, err := config.NewLoader().Load(cfgPath)
	if err == nil {
		err = config.ValidateGenerator(cfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(observability.LoggingConfig{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
		Output: cfg.Observability.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting kaftrafficgen",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("buildTime", buildTime),
		zap.String("configFile", cfgPath),
		zap.String("sink", cfg.Capture.Sink),
		zap.String("nodeId", cfg.Capture.NodeID),
	)

	if *forwardFile != "" {
		if err := forward(cfg, *forwardFile, logger); err != nil {
			logger.Fatal("Forwarding capture file failed", zap.Error(err))
		}
		logger.Info("Shutdown complete")
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Generator failed", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func run(cfg *dto.ApplicationConfig, logger *zap.Logger) error {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	health := server.NewComponentHealth("sink", "generator")

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
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	factoryConfig := capture.FactoryConfig{
		NodeID:         cfg.Capture.NodeID,
		BufferCapacity: cfg.Capture.BufferSizeBytes,
		Unordered:      cfg.Capture.Unordered,
	}
	genConfig := generator.Config{
		Interval:              dto.Milliseconds(cfg.Generator.IntervalMS),
		ConnectionsPerTick:    cfg.Generator.ConnectionsPerTick,
		RequestsPerConnection: cfg.Generator.RequestsPerConnection,
		MaxBodyBytes:          cfg.Generator.MaxBodyBytes,
		LargeBodyProbability:  cfg.Generator.LargeBodyProbability,
		LargeBodyBytes:        cfg.Generator.LargeBodyBytes,
		DropProbability:       cfg.Generator.DropProbability,
		ExceptionProbability:  cfg.Generator.ExceptionProbability,
	}

	switch cfg.Capture.Sink {
	case "file":
		retirer, err := capture.NewFileRetirer(cfg.Capture.FilePath)
		if err != nil {
			return fmt.Errorf("failed to open capture file: %w", err)
		}
		defer retirer.Close()
		logger.Info("Writing captured traffic to file", zap.String("path", cfg.Capture.FilePath))
		return generate[int64](ctx, retirer, factoryConfig, genConfig, health, logger, metrics)
	default:
		producer, err := kafka.NewProducer(config.KafkaProducer(cfg), logger, metrics)
		if err != nil {
			return fmt.Errorf("failed to create Kafka producer: %w", err)
		}
		defer producer.Close()
		logger.Info("Publishing captured traffic", zap.String("topic", cfg.Kafka.Topic))
		return generate[kafka.Delivery](ctx, capture.NewKafkaRetirer(producer, cfg.Kafka.Topic), factoryConfig, genConfig, health, logger, metrics)
	}
}

// forward publishes every record of a capture file written by the file sink
// to the configured topic, keyed by connection.
func forward(cfg *dto.ApplicationConfig, path string, logger *zap.Logger) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open capture file: %w", err)
	}
	defer file.Close()

	producer, err := kafka.NewProducer(config.KafkaProducer(cfg), logger, nil)
	if err != nil {
		return fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	defer producer.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	n, err := capture.Forward[kafka.Delivery](ctx, file, capture.NewKafkaRetirer(producer, cfg.Kafka.Topic))
	logger.Info("Forwarded capture file",
		zap.String("path", path),
		zap.String("topic", cfg.Kafka.Topic),
		zap.Int("records", n),
		zap.Duration("elapsed", time.Since(start)),
	)
	return err
}

// generate runs the generator over a serializer factory retiring into
// retirer until ctx is cancelled.
func generate[T any](
	ctx context.Context,
	retirer capture.Retirer[T],
	factoryConfig capture.FactoryConfig,
	genConfig generator.Config,
	health *server.ComponentHealth,
	logger *zap.Logger,
	metrics *observability.Metrics,
) error {
	// Retires must outlive the signal so the final flush can complete.
	factory := capture.NewFactory(context.Background(), factoryConfig, retirer, logger, metrics)
	health.SetUp("sink")

	gen := generator.New(genConfig, factory, logger, metrics)
	health.SetUp("generator")

	err := gen.Run(ctx)
	health.SetDown("generator", false)
	return err
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
