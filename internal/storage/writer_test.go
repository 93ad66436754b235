package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/jittakal/kaftraffic/pkg/traffic"
)

// mockMetricsCollector implements MetricsCollector for testing
type mockMetricsCollector struct {
	mu                 sync.Mutex
	filesWritten       int
	fileSizes          []float64
	storageDurations   []float64
	storageErrors      int
	lastFileStatus     string
	lastTopic          string
	lastPartition      int32
	lastFormat         string
	lastErrorBackend   string
	lastErrorOperation string
}

func (m *mockMetricsCollector) IncFilesWritten(topic string, partition int32, format string, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filesWritten++
	m.lastTopic = topic
	m.lastPartition = partition
	m.lastFormat = format
	m.lastFileStatus = status
}

func (m *mockMetricsCollector) ObserveFileSize(topic string, partition int32, format string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fileSizes = append(m.fileSizes, size)
}

func (m *mockMetricsCollector) ObserveStorageWriteDuration(topic string, partition int32, duration float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storageDurations = append(m.storageDurations, duration)
}

func (m *mockMetricsCollector) IncStorageErrors(backend string, operation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storageErrors++
	m.lastErrorBackend = backend
	m.lastErrorOperation = operation
}

func testItems(n int) []traffic.Item {
	tp := traffic.TopicPartition{Topic: "traffic", Partition: 2}
	items := make([]traffic.Item, n)
	for i := range items {
		items[i] = traffic.Item{
			Record: traffic.Record{
				ConnectionID: "conn-1",
				NodeID:       "node-1",
				Index:        int32(i + 1),
				Observations: []traffic.Observation{
					{Timestamp: time.Unix(1700000000, 0), Kind: traffic.KindWrite, Data: []byte("HTTP/1.1 200 OK\r\n\r\n")},
				},
			},
			Key:       &traffic.CommitOffsetKey{Generation: 1, TopicPartition: tp, Offset: int64(i)},
			Partition: tp,
		}
	}
	return items
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		scheme string
		want   string
	}{
		{"full uri", "s3://bucket/archive/traffic/v1/dt=2025-01-01/hr=00/pid=0/", "s3", "archive/traffic/v1/dt=2025-01-01/hr=00/pid=0/f.parquet"},
		{"bucket only", "gs://bucket", "gs", "f.parquet"},
		{"bare prefix", "prefix/dir/", "s3", "prefix/dir/f.parquet"},
		{"bare prefix without slash", "prefix/dir", "wasbs", "prefix/dir/f.parquet"},
		{"leading slash", "/prefix/", "s3", "prefix/f.parquet"},
		{"empty", "", "s3", "f.parquet"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := objectKey(tt.path, tt.scheme, "f.parquet"); got != tt.want {
				t.Errorf("objectKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBatchEncoder_FileNameSequence(t *testing.T) {
	b, err := newBatchEncoder("file", traffic.FormatParquet, "snappy", nil, nil)
	if err != nil {
		t.Fatalf("newBatchEncoder() error = %v", err)
	}
	clock := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	b.now = func() time.Time { return clock }

	names := []string{b.fileName(".parquet"), b.fileName(".parquet")}
	clock = clock.Add(time.Second)
	names = append(names, b.fileName(".parquet"))

	want := []string{
		"traffic_20250304_050607_001.parquet",
		"traffic_20250304_050607_002.parquet",
		"traffic_20250304_050608_001.parquet",
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("fileName() #%d = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestNewBatchEncoder_UnsupportedFormat(t *testing.T) {
	if _, err := newBatchEncoder("file", traffic.FileFormat("csv"), "", nil, nil); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestContentType(t *testing.T) {
	if got := contentType(traffic.FormatAvro); got != "application/avro" {
		t.Errorf("contentType(avro) = %s", got)
	}
	if got := contentType(traffic.FormatParquet); got != "application/octet-stream" {
		t.Errorf("contentType(parquet) = %s", got)
	}
}
