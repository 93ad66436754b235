package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Capture metrics
	BuffersClosed         *prometheus.CounterVec
	BufferBytes           prometheus.Histogram
	RetireDuration        prometheus.Histogram
	SegmentedObservations *prometheus.CounterVec

	// Producer metrics
	RecordsProduced *prometheus.CounterVec
	ProduceLatency  *prometheus.HistogramVec

	// Generator metrics
	ConnectionsGenerated prometheus.Counter
	RequestsGenerated    prometheus.Counter

	// Consumer metrics
	MessagesConsumed   *prometheus.CounterVec
	OffsetCommits      *prometheus.CounterVec
	CommitLatency      *prometheus.HistogramVec
	Rebalances         *prometheus.CounterVec
	PartitionsLost     *prometheus.CounterVec
	GenerationResets   prometheus.Counter
	StaleCommits       prometheus.Counter
	OutstandingOffsets *prometheus.GaugeVec

	// Source metrics
	SyntheticCloses    prometheus.Counter
	ActiveConnections  prometheus.Gauge
	HandoffConnections prometheus.Counter
	InvalidRecords     *prometheus.CounterVec

	// Archive metrics
	BufferSize           *prometheus.GaugeVec
	BufferRecordCount    *prometheus.GaugeVec
	FilesWritten         *prometheus.CounterVec
	StorageWriteDuration *prometheus.HistogramVec
	FileSize             *prometheus.HistogramVec
	StorageErrors        *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		// Capture metrics
		BuffersClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_buffers_closed_total",
				Help: "Total number of capture buffers handed off for retirement",
			},
			[]string{"status"},
		),
		BufferBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "capture_buffer_bytes",
				Help:    "Size of closed capture buffers",
				Buckets: prometheus.ExponentialBuckets(64, 4, 10),
			},
		),
		RetireDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "capture_retire_duration_seconds",
				Help:    "Duration of capture buffer retirement",
				Buckets: prometheus.DefBuckets,
			},
		),
		SegmentedObservations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_segmented_observations_total",
				Help: "Total number of payloads split into segments",
			},
			[]string{"direction"},
		),

		// Producer metrics
		RecordsProduced: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_records_produced_total",
				Help: "Total number of traffic records produced to Kafka",
			},
			[]string{"topic", "status"},
		),
		ProduceLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kafka_produce_latency_seconds",
				Help:    "Latency of synchronous produce calls",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"topic"},
		),

		// Generator metrics
		ConnectionsGenerated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "generator_connections_total",
				Help: "Total number of synthetic connections generated",
			},
		),
		RequestsGenerated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "generator_requests_total",
				Help: "Total number of synthetic requests generated",
			},
		),

		// Consumer metrics
		MessagesConsumed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_messages_consumed_total",
				Help: "Total number of messages consumed from Kafka",
			},
			[]string{"topic", "partition"},
		),
		OffsetCommits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_offset_commit_total",
				Help: "Total number of offset commits",
			},
			[]string{"topic", "partition", "status"},
		),
		CommitLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kafka_commit_latency_seconds",
				Help:    "Latency of offset commit operations",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"topic"},
		),
		Rebalances: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_rebalance_total",
				Help: "Total number of rebalance callbacks by kind",
			},
			[]string{"kind"},
		),
		PartitionsLost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_partitions_lost_total",
				Help: "Total number of partitions revoked without being reassigned",
			},
			[]string{"topic"},
		),
		GenerationResets: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kafka_generation_resets_total",
				Help: "Total number of consumer generation resets after poll or commit failures",
			},
		),
		StaleCommits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kafka_stale_commits_total",
				Help: "Total number of commit keys dropped for a stale generation",
			},
		),
		OutstandingOffsets: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kafka_outstanding_offsets",
				Help: "Number of consumed offsets not yet marked done",
			},
			[]string{"topic", "partition"},
		),

		// Source metrics
		SyntheticCloses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "source_synthetic_closes_total",
				Help: "Total number of synthetic close records emitted after partition loss",
			},
		),
		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "source_active_connections",
				Help: "Number of connections currently tracked by the traffic source",
			},
		),
		HandoffConnections: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "source_handoff_connections_total",
				Help: "Total number of connections first seen without a leading read",
			},
		),
		InvalidRecords: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "source_invalid_records_total",
				Help: "Total number of log records that could not be decoded or validated",
			},
			[]string{"reason"},
		),

		// Archive metrics
		BufferSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "buffer_size_bytes",
				Help: "Current archive buffer size in bytes",
			},
			[]string{"topic", "partition"},
		),
		BufferRecordCount: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "buffer_record_count",
				Help: "Current number of records in archive buffer",
			},
			[]string{"topic", "partition"},
		),
		FilesWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "files_written_total",
				Help: "Total number of files written to storage",
			},
			[]string{"topic", "partition", "format", "status"},
		),
		StorageWriteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storage_write_duration_seconds",
				Help:    "Duration of complete storage write operations including encoding",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic", "partition"},
		),
		FileSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "file_size_bytes",
				Help:    "Size of files written to storage",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to 256MB
			},
			[]string{"topic", "partition", "format"},
		),
		StorageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_errors_total",
				Help: "Total number of storage errors",
			},
			[]string{"backend", "error_type"},
		),
	}
}

func partitionLabel(partition int32) string {
	return fmt.Sprintf("%d", partition)
}

// ObserveBufferClosed records one capture buffer retirement.
func (m *Metrics) ObserveBufferClosed(status string, bytes int, seconds float64) {
	m.BuffersClosed.WithLabelValues(status).Inc()
	m.BufferBytes.Observe(float64(bytes))
	m.RetireDuration.Observe(seconds)
}

// IncSegmentedObservations increments the segmented payload counter.
func (m *Metrics) IncSegmentedObservations(direction string) {
	m.SegmentedObservations.WithLabelValues(direction).Inc()
}

// IncRecordsProduced increments records produced counter.
func (m *Metrics) IncRecordsProduced(topic string, status string) {
	m.RecordsProduced.WithLabelValues(topic, status).Inc()
}

// ObserveProduceLatency observes produce latency.
func (m *Metrics) ObserveProduceLatency(topic string, seconds float64) {
	m.ProduceLatency.WithLabelValues(topic).Observe(seconds)
}

// IncConnectionsGenerated increments generated connections counter.
func (m *Metrics) IncConnectionsGenerated() {
	m.ConnectionsGenerated.Inc()
}

// IncRequestsGenerated increments generated requests counter.
func (m *Metrics) IncRequestsGenerated() {
	m.RequestsGenerated.Inc()
}

// IncMessagesConsumed increments messages consumed counter.
func (m *Metrics) IncMessagesConsumed(topic string, partition int32) {
	m.MessagesConsumed.WithLabelValues(topic, partitionLabel(partition)).Inc()
}

// IncOffsetCommits increments offset commits counter.
func (m *Metrics) IncOffsetCommits(topic string, partition int32, status string) {
	m.OffsetCommits.WithLabelValues(topic, partitionLabel(partition), status).Inc()
}

// ObserveCommitLatency observes commit latency.
func (m *Metrics) ObserveCommitLatency(topic string, seconds float64) {
	m.CommitLatency.WithLabelValues(topic).Observe(seconds)
}

// IncRebalances increments rebalances counter.
func (m *Metrics) IncRebalances(kind string) {
	m.Rebalances.WithLabelValues(kind).Inc()
}

// AddPartitionsLost adds n lost partitions for topic.
func (m *Metrics) AddPartitionsLost(topic string, n int) {
	m.PartitionsLost.WithLabelValues(topic).Add(float64(n))
}

// IncGenerationResets increments generation resets counter.
func (m *Metrics) IncGenerationResets() {
	m.GenerationResets.Inc()
}

// IncStaleCommits increments stale commits counter.
func (m *Metrics) IncStaleCommits() {
	m.StaleCommits.Inc()
}

// SetOutstandingOffsets sets the outstanding offsets gauge.
func (m *Metrics) SetOutstandingOffsets(topic string, partition int32, n int) {
	m.OutstandingOffsets.WithLabelValues(topic, partitionLabel(partition)).Set(float64(n))
}

// AddSyntheticCloses adds n synthetic close records.
func (m *Metrics) AddSyntheticCloses(n int) {
	m.SyntheticCloses.Add(float64(n))
}

// SetActiveConnections sets the active connections gauge.
func (m *Metrics) SetActiveConnections(n int) {
	m.ActiveConnections.Set(float64(n))
}

// IncHandoffConnections increments handoff connections counter.
func (m *Metrics) IncHandoffConnections() {
	m.HandoffConnections.Inc()
}

// IncInvalidRecords increments invalid records counter.
func (m *Metrics) IncInvalidRecords(reason string) {
	m.InvalidRecords.WithLabelValues(reason).Inc()
}

// SetBufferStats sets archive buffer gauges.
func (m *Metrics) SetBufferStats(topic string, partition int32, sizeBytes int64, count int) {
	m.BufferSize.WithLabelValues(topic, partitionLabel(partition)).Set(float64(sizeBytes))
	m.BufferRecordCount.WithLabelValues(topic, partitionLabel(partition)).Set(float64(count))
}

// IncFilesWritten increments files written counter.
func (m *Metrics) IncFilesWritten(topic string, partition int32, format string, status string) {
	m.FilesWritten.WithLabelValues(topic, partitionLabel(partition), format, status).Inc()
}

// ObserveFileSize observes file size.
func (m *Metrics) ObserveFileSize(topic string, partition int32, format string, size float64) {
	m.FileSize.WithLabelValues(topic, partitionLabel(partition), format).Observe(size)
}

// ObserveStorageWriteDuration observes storage write duration.
func (m *Metrics) ObserveStorageWriteDuration(topic string, partition int32, duration float64) {
	m.StorageWriteDuration.WithLabelValues(topic, partitionLabel(partition)).Observe(duration)
}

// IncStorageErrors increments storage errors counter.
func (m *Metrics) IncStorageErrors(backend string, operation string) {
	m.StorageErrors.WithLabelValues(backend, operation).Inc()
}
