package buffer

import (
	"errors"
	"sync"
	"testing"
	"time"

	kerrors "github.com/jittakal/kaftraffic/internal/errors"
	"github.com/jittakal/kaftraffic/pkg/traffic"
)

var testPartition = traffic.TopicPartition{Topic: "traffic", Partition: 0}

func testItem(offset int64, payload string) traffic.Item {
	return traffic.Item{
		Record: traffic.Record{
			ConnectionID: "conn-1",
			NodeID:       "node-1",
			Index:        1,
			Observations: []traffic.Observation{
				{Timestamp: time.Unix(100, 0), Kind: traffic.KindRead, Data: []byte(payload)},
			},
		},
		Key:       &traffic.CommitOffsetKey{TopicPartition: testPartition, Offset: offset},
		Partition: testPartition,
	}
}

func TestNew(t *testing.T) {
	maxSize := int64(1024 * 1024)
	maxRecords := 1000

	buf := New(testPartition, maxSize, maxRecords)

	if buf == nil {
		t.Fatal("expected non-nil buffer")
	}
	if buf.Partition() != testPartition {
		t.Errorf("Partition() = %v, want %v", buf.Partition(), testPartition)
	}
	if buf.maxSizeBytes != maxSize {
		t.Errorf("maxSizeBytes = %d, want %d", buf.maxSizeBytes, maxSize)
	}
	if buf.maxRecords != maxRecords {
		t.Errorf("maxRecords = %d, want %d", buf.maxRecords, maxRecords)
	}
}

func TestPartitionBuffer_Add(t *testing.T) {
	buf := New(testPartition, 1024*1024, 100)

	if err := buf.Add(testItem(100, "GET / HTTP/1.1")); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	stats := buf.Stats()
	if stats.RecordCount != 1 {
		t.Errorf("RecordCount = %d, want 1", stats.RecordCount)
	}
	if stats.SizeBytes == 0 {
		t.Error("expected non-zero size")
	}
}

func TestPartitionBuffer_AddMaxRecords(t *testing.T) {
	maxRecords := 2
	buf := New(testPartition, 1024*1024, maxRecords)

	for i := 0; i < maxRecords; i++ {
		if err := buf.Add(testItem(int64(i), "x")); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	err := buf.Add(testItem(100, "x"))
	if !errors.Is(err, kerrors.ErrBufferFull) {
		t.Errorf("Add() error = %v, want ErrBufferFull", err)
	}
}

func TestPartitionBuffer_SizeLimit(t *testing.T) {
	first := testItem(0, "0123456789")
	limit := int64(EstimateSize(&first)) + 5
	buf := New(testPartition, limit, 100)

	if err := buf.Add(first); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := buf.Add(testItem(1, "0123456789")); !errors.Is(err, kerrors.ErrBufferFull) {
		t.Errorf("Add() over size error = %v, want ErrBufferFull", err)
	}

	// An empty buffer takes one oversized item.
	buf.Reset()
	if err := buf.Add(testItem(2, string(make([]byte, 2*limit)))); err != nil {
		t.Errorf("Add() of oversized item into empty buffer error = %v", err)
	}
}

func TestPartitionBuffer_Drain(t *testing.T) {
	buf := New(testPartition, 1024*1024, 100)

	recordCount := 5
	for i := 0; i < recordCount; i++ {
		if err := buf.Add(testItem(int64(i), "data")); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	items := buf.Drain()
	if len(items) != recordCount {
		t.Fatalf("Drain() returned %d items, want %d", len(items), recordCount)
	}
	for i, item := range items {
		if item.Key.Offset != int64(i) {
			t.Errorf("item %d offset = %d", i, item.Key.Offset)
		}
	}
	if !buf.IsEmpty() {
		t.Error("buffer not empty after Drain()")
	}
	if stats := buf.Stats(); stats.SizeBytes != 0 || !stats.FirstWriteTime.IsZero() {
		t.Errorf("Stats() after Drain() = %+v", stats)
	}
}

func TestPartitionBuffer_IsEmpty(t *testing.T) {
	buf := New(testPartition, 1024, 10)

	if !buf.IsEmpty() {
		t.Error("new buffer should be empty")
	}
	_ = buf.Add(testItem(0, "x"))
	if buf.IsEmpty() {
		t.Error("buffer with an item should not be empty")
	}
}

func TestPartitionBuffer_ConcurrentAdd(t *testing.T) {
	buf := New(testPartition, 0, 1000)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = buf.Add(testItem(int64(g*50+i), "x"))
			}
		}(g)
	}
	wg.Wait()

	if got := buf.Stats().RecordCount; got != 500 {
		t.Errorf("RecordCount = %d, want 500", got)
	}
}

func TestPartitionBuffer_FirstLastWriteTime(t *testing.T) {
	buf := New(testPartition, 0, 10)
	clock := time.Unix(1000, 0)
	buf.now = func() time.Time { return clock }

	_ = buf.Add(testItem(0, "a"))
	clock = clock.Add(time.Minute)
	_ = buf.Add(testItem(1, "b"))

	stats := buf.Stats()
	if !stats.FirstWriteTime.Equal(time.Unix(1000, 0)) {
		t.Errorf("FirstWriteTime = %v", stats.FirstWriteTime)
	}
	if !stats.LastWriteTime.Equal(time.Unix(1060, 0)) {
		t.Errorf("LastWriteTime = %v", stats.LastWriteTime)
	}
}

func TestEstimateSize(t *testing.T) {
	tests := []struct {
		name string
		item traffic.Item
		want int
	}{
		{
			name: "synthetic close",
			item: traffic.Item{
				Record:    traffic.Record{ConnectionID: "abc", NodeID: "n", Index: 2, Final: true},
				Partition: testPartition,
			},
			want: 3 + 1 + len("traffic"),
		},
		{
			name: "read and exception",
			item: traffic.Item{
				Record: traffic.Record{
					ConnectionID: "abc",
					Observations: []traffic.Observation{
						{Kind: traffic.KindRead, Data: []byte("12345")},
						{Kind: traffic.KindConnectionException, Message: "reset"},
					},
				},
			},
			want: 3 + 2*16 + 5 + 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateSize(&tt.item); got != tt.want {
				t.Errorf("EstimateSize() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestManager(t *testing.T) {
	m := NewManager(1024, 10)
	other := traffic.TopicPartition{Topic: "traffic", Partition: 1}

	b0 := m.GetOrCreate(testPartition)
	if b0 != m.GetOrCreate(testPartition) {
		t.Error("GetOrCreate() returned a different buffer for the same partition")
	}
	if b0 == m.GetOrCreate(other) {
		t.Error("GetOrCreate() shared a buffer between partitions")
	}
	if got := len(m.Partitions()); got != 2 {
		t.Errorf("Partitions() has %d entries, want 2", got)
	}

	_ = b0.Add(testItem(0, "x"))
	m.Remove(testPartition)
	if !m.GetOrCreate(testPartition).IsEmpty() {
		t.Error("buffer recreated after Remove() is not empty")
	}
}

func BenchmarkPartitionBuffer_Add(b *testing.B) {
	buf := New(testPartition, 0, b.N)
	item := testItem(0, "GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = buf.Add(item)
	}
}

func BenchmarkManager_GetOrCreate_Parallel(b *testing.B) {
	m := NewManager(1024*1024, 1000)
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			m.GetOrCreate(traffic.TopicPartition{Topic: "traffic", Partition: int32(i % 8)})
			i++
		}
	})
}
