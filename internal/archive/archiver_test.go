package archive

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jittakal/kaftraffic/internal/buffer"
	"github.com/jittakal/kaftraffic/internal/errors"
	"github.com/jittakal/kaftraffic/internal/storage"
	"github.com/jittakal/kaftraffic/pkg/traffic"
)

var (
	tp0 = traffic.TopicPartition{Topic: "traffic", Partition: 0}
	tp1 = traffic.TopicPartition{Topic: "traffic", Partition: 1}
)

type chunk struct {
	lost  []traffic.TopicPartition
	items []traffic.Item
	err   error
}

// fakeSource serves one chunk per read and cancels the run once drained.
type fakeSource struct {
	mu      sync.Mutex
	chunks  []chunk
	cancel  context.CancelFunc
	hook    func([]traffic.TopicPartition)
	commits []traffic.CommitOffsetKey
	done    []string
	touches int
}

func (s *fakeSource) ReadNextChunk(ctx context.Context) ([]traffic.Item, error) {
	s.mu.Lock()
	if len(s.chunks) == 0 {
		s.mu.Unlock()
		s.cancel()
		return nil, ctx.Err()
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	s.mu.Unlock()

	if len(c.lost) > 0 && s.hook != nil {
		s.hook(c.lost)
	}
	return c.items, c.err
}

func (s *fakeSource) Commit(key *traffic.CommitOffsetKey) error {
	if key == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits = append(s.commits, *key)
	return nil
}

func (s *fakeSource) ConnectionDone(nodeID, connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = append(s.done, nodeID+"/"+connectionID)
}

func (s *fakeSource) Touch(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touches++
	return nil
}

func (s *fakeSource) NextRequiredTouch() time.Time { return time.Now().Add(time.Hour) }

func (s *fakeSource) Close() error { return nil }

func (s *fakeSource) OnPartitionsLost(h func([]traffic.TopicPartition)) { s.hook = h }

type batch struct {
	path  string
	items []traffic.Item
}

type fakeWriter struct {
	batches []batch
	err     error
}

func (w *fakeWriter) Write(_ context.Context, items []traffic.Item, path string, _ traffic.FileFormat) (int64, error) {
	if w.err != nil {
		return 0, w.err
	}
	w.batches = append(w.batches, batch{path: path, items: append([]traffic.Item(nil), items...)})
	return int64(len(items)) * 100, nil
}

func (w *fakeWriter) Close() error { return nil }

func item(tp traffic.TopicPartition, offset int64, conn string, final bool) traffic.Item {
	return traffic.Item{
		Record: traffic.Record{
			ConnectionID: conn,
			NodeID:       "node-1",
			Index:        1,
			Final:        final,
			Observations: []traffic.Observation{
				{Timestamp: time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC), Kind: traffic.KindRead, Data: []byte("GET /")},
			},
		},
		Key:       &traffic.CommitOffsetKey{Generation: 1, TopicPartition: tp, Offset: offset},
		Partition: tp,
	}
}

func run(t *testing.T, src *fakeSource, writer *fakeWriter, policy storage.PolicyConfig, maxRecords int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src.cancel = cancel

	a := New(src,
		buffer.NewManager(0, maxRecords),
		storage.NewPolicy(policy),
		storage.NewRouter("s3", "archive", "captures", "v1"),
		writer,
		Config{Format: traffic.FormatParquet, ErrorBackoff: time.Millisecond},
		nil, nil,
	)
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func offsets(keys []traffic.CommitOffsetKey) []int64 {
	out := make([]int64, len(keys))
	for i, k := range keys {
		out[i] = k.Offset
	}
	return out
}

func equalInts(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestArchiver_CommitsAfterWrite(t *testing.T) {
	src := &fakeSource{chunks: []chunk{{items: []traffic.Item{
		item(tp0, 10, "conn-a", false),
		item(tp0, 11, "conn-b", false),
		item(tp0, 12, "conn-a", true),
	}}}}
	writer := &fakeWriter{}

	run(t, src, writer, storage.PolicyConfig{MaxRecordsPerFile: 2}, 0)

	if len(writer.batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(writer.batches))
	}
	if len(writer.batches[0].items) != 2 || len(writer.batches[1].items) != 1 {
		t.Errorf("batch sizes = %d, %d", len(writer.batches[0].items), len(writer.batches[1].items))
	}
	wantPath := "s3://archive/captures/traffic/v1/dt=2024-05-06/hr=07/pid=0/"
	if writer.batches[0].path != wantPath {
		t.Errorf("path = %s, want %s", writer.batches[0].path, wantPath)
	}
	if got := offsets(src.commits); !equalInts(got, []int64{10, 11, 12}) {
		t.Errorf("committed offsets = %v", got)
	}
	if len(src.done) != 1 || src.done[0] != "node-1/conn-a" {
		t.Errorf("ConnectionDone calls = %v", src.done)
	}
	if src.touches == 0 {
		t.Error("final commits were not pushed with Touch")
	}
}

func TestArchiver_FailedWriteIsNotCommitted(t *testing.T) {
	src := &fakeSource{chunks: []chunk{{items: []traffic.Item{
		item(tp0, 1, "conn-a", true),
	}}}}
	writer := &fakeWriter{err: stderrors.New("bucket unavailable")}

	run(t, src, writer, storage.PolicyConfig{MaxRecordsPerFile: 1}, 0)

	if len(src.commits) != 0 || len(src.done) != 0 {
		t.Errorf("commits = %v, done = %v; want none", src.commits, src.done)
	}
}

func TestArchiver_FullBufferFlushesFirst(t *testing.T) {
	src := &fakeSource{chunks: []chunk{{items: []traffic.Item{
		item(tp0, 1, "c", false),
		item(tp0, 2, "c", false),
		item(tp0, 3, "c", false),
	}}}}
	writer := &fakeWriter{}

	run(t, src, writer, storage.PolicyConfig{}, 2)

	if len(writer.batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(writer.batches))
	}
	if n := len(writer.batches[0].items); n != 2 {
		t.Errorf("first batch has %d items, want 2", n)
	}
	if got := offsets(src.commits); !equalInts(got, []int64{1, 2, 3}) {
		t.Errorf("committed offsets = %v", got)
	}
}

func TestArchiver_LostPartitionDiscardsBuffer(t *testing.T) {
	src := &fakeSource{chunks: []chunk{
		{items: []traffic.Item{item(tp0, 5, "a", false), item(tp1, 7, "b", false)}},
		{
			lost: []traffic.TopicPartition{tp0},
			items: []traffic.Item{{
				Record:    traffic.Record{ConnectionID: "a", NodeID: "node-1", Index: 2, Final: true},
				Partition: tp0,
				Synthetic: true,
			}},
		},
	}}
	writer := &fakeWriter{}

	run(t, src, writer, storage.PolicyConfig{}, 0)

	if len(writer.batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(writer.batches))
	}
	b := writer.batches[0]
	if len(b.items) != 1 || b.items[0].Partition != tp1 {
		t.Errorf("archived %+v, want only the tp1 record", b.items)
	}
	if !strings.HasSuffix(b.path, "pid=1/") {
		t.Errorf("path = %s", b.path)
	}
	if got := offsets(src.commits); !equalInts(got, []int64{7}) {
		t.Errorf("committed offsets = %v", got)
	}
	if len(src.done) != 0 {
		t.Errorf("synthetic close should not reach ConnectionDone: %v", src.done)
	}
}

func TestArchiver_RetriesAfterReadError(t *testing.T) {
	src := &fakeSource{chunks: []chunk{
		{err: stderrors.New("broker unreachable")},
		{items: []traffic.Item{item(tp1, 3, "x", true)}},
	}}
	writer := &fakeWriter{}

	run(t, src, writer, storage.PolicyConfig{MaxRecordsPerFile: 1}, 0)

	if got := offsets(src.commits); !equalInts(got, []int64{3}) {
		t.Errorf("committed offsets = %v", got)
	}
}

func TestArchiver_StopsWhenSourceClosed(t *testing.T) {
	src := &fakeSource{chunks: []chunk{{err: errors.ErrConsumerClosed}}}
	writer := &fakeWriter{}

	run(t, src, writer, storage.PolicyConfig{}, 0)

	if len(writer.batches) != 0 {
		t.Errorf("batches = %d, want 0", len(writer.batches))
	}
}

type switchPolicy struct{ rotate bool }

func (p *switchPolicy) ShouldRotate(stats traffic.FileStats) bool {
	return p.rotate && stats.RecordCount > 0
}

type fakeBufferMetrics struct{ counts map[traffic.TopicPartition]int }

func (m *fakeBufferMetrics) SetBufferStats(topic string, partition int32, _ int64, count int) {
	m.counts[traffic.TopicPartition{Topic: topic, Partition: partition}] = count
}

func TestArchiver_RotateDue(t *testing.T) {
	src := &fakeSource{}
	writer := &fakeWriter{}
	policy := &switchPolicy{}
	metrics := &fakeBufferMetrics{counts: map[traffic.TopicPartition]int{}}
	a := New(src, buffer.NewManager(0, 0), policy,
		storage.NewRouter("file", "", "", "v1"), writer,
		Config{Format: traffic.FormatAvro}, nil, metrics)

	ctx := context.Background()
	a.process(ctx, []traffic.Item{item(tp0, 1, "c", false), item(tp1, 2, "d", false)})
	a.rotateDue(ctx)
	if len(writer.batches) != 0 {
		t.Fatalf("batches = %d before the policy fires, want 0", len(writer.batches))
	}
	if metrics.counts[tp0] != 1 || metrics.counts[tp1] != 1 {
		t.Errorf("buffer metrics = %v", metrics.counts)
	}

	policy.rotate = true
	a.rotateDue(ctx)
	if len(writer.batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(writer.batches))
	}
	if got := offsets(src.commits); len(got) != 2 {
		t.Errorf("committed offsets = %v", got)
	}
}
