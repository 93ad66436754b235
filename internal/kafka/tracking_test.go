package kafka

import (
	"context"
	stderrors "errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jittakal/kaftraffic/internal/errors"
	"github.com/jittakal/kaftraffic/pkg/traffic"
)

// fakeClient is a scripted Client. Each Poll call pops the next batch; a
// batch may run rebalance callbacks before returning.
type fakeClient struct {
	mu          sync.Mutex
	listener    RebalanceListener
	batches     []fakeBatch
	commits     []map[traffic.TopicPartition]int64
	commitErr   error
	keepAlives  int
	keepErr     error
	cooperative bool
	closed      bool
}

type fakeBatch struct {
	before func(l RebalanceListener)
	msgs   []Message
	err    error
}

func (f *fakeClient) Poll(_ context.Context, _ time.Duration) ([]Message, error) {
	f.mu.Lock()
	if len(f.batches) == 0 {
		f.mu.Unlock()
		return nil, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	l := f.listener
	f.mu.Unlock()

	if b.before != nil {
		b.before(l)
	}
	return b.msgs, b.err
}

func (f *fakeClient) KeepAlive(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepAlives++
	return f.keepErr
}

func (f *fakeClient) CommitSync(_ context.Context, offsets map[traffic.TopicPartition]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	copied := make(map[traffic.TopicPartition]int64, len(offsets))
	for k, v := range offsets {
		copied[k] = v
	}
	f.commits = append(f.commits, copied)
	return nil
}

func (f *fakeClient) Cooperative() bool { return f.cooperative }

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) commitCalls() []map[traffic.TopicPartition]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits
}

var (
	tp0 = traffic.TopicPartition{Topic: "traffic", Partition: 0}
	tp1 = traffic.TopicPartition{Topic: "traffic", Partition: 1}
)

func msgs(tp traffic.TopicPartition, offsets ...int64) []Message {
	out := make([]Message, 0, len(offsets))
	for _, o := range offsets {
		out = append(out, Message{Partition: tp, Offset: o, Value: []byte{byte(o)}})
	}
	return out
}

func assign(tps ...traffic.TopicPartition) func(RebalanceListener) {
	return func(l RebalanceListener) { l.PartitionsAssigned(context.Background(), tps) }
}

func newTestConsumer(t *testing.T, fake *fakeClient) *TrackingConsumer {
	t.Helper()
	cfg := ConsumerConfig{PollTimeout: time.Millisecond, KeepAliveInterval: time.Minute}
	c, err := NewTrackingConsumer(cfg, func(l RebalanceListener) (Client, error) {
		fake.listener = l
		return fake, nil
	}, nil, nil)
	if err != nil {
		t.Fatalf("NewTrackingConsumer() error = %v", err)
	}
	return c
}

func TestTrackingConsumer_CommitFollowsOutOfOrderCompletion(t *testing.T) {
	fake := &fakeClient{batches: []fakeBatch{
		{before: assign(tp0), msgs: msgs(tp0, 5, 6, 7)},
		{},
		{},
	}}
	c := newTestConsumer(t, fake)
	ctx := context.Background()

	recs, err := c.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("Poll() returned %d records, want 3", len(recs))
	}

	if err := c.Commit(recs[1].Key); err != nil {
		t.Fatalf("Commit(6) error = %v", err)
	}
	if _, err := c.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if calls := fake.commitCalls(); len(calls) != 0 {
		t.Fatalf("commits after completing 6 only = %v, want none", calls)
	}

	if err := c.Commit(recs[0].Key); err != nil {
		t.Fatalf("Commit(5) error = %v", err)
	}
	if _, err := c.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	calls := fake.commitCalls()
	want := []map[traffic.TopicPartition]int64{{tp0: 7}}
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("commits = %v, want %v", calls, want)
	}
}

func TestTrackingConsumer_StaleGenerationCommitIsDropped(t *testing.T) {
	fake := &fakeClient{batches: []fakeBatch{
		{before: assign(tp0), msgs: msgs(tp0, 1)},
		{before: func(l RebalanceListener) {
			l.PartitionsRevoked(context.Background(), []traffic.TopicPartition{tp0})
			l.PartitionsAssigned(context.Background(), []traffic.TopicPartition{tp0})
		}},
		{},
	}}
	c := newTestConsumer(t, fake)
	ctx := context.Background()

	recs, _ := c.Poll(ctx)
	if len(recs) != 1 {
		t.Fatalf("Poll() returned %d records, want 1", len(recs))
	}
	if _, err := c.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	if err := c.Commit(recs[0].Key); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	if pending != 0 {
		t.Errorf("pending commits = %d after stale commit, want 0", pending)
	}
	if _, err := c.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if calls := fake.commitCalls(); len(calls) != 0 {
		t.Errorf("commits = %v, want none", calls)
	}
}

func TestTrackingConsumer_PollFailureResetsGeneration(t *testing.T) {
	fake := &fakeClient{batches: []fakeBatch{
		{before: assign(tp0), msgs: msgs(tp0, 10)},
		{err: stderrors.New("broker unavailable")},
		{msgs: msgs(tp0, 11)},
	}}
	c := newTestConsumer(t, fake)
	ctx := context.Background()

	first, _ := c.Poll(ctx)
	before := c.Generation()

	recs, err := c.Poll(ctx)
	if err != nil || recs != nil {
		t.Fatalf("failed Poll() = %v, %v; want nil, nil", recs, err)
	}
	if c.Generation() != before+1 {
		t.Errorf("Generation() = %d, want %d", c.Generation(), before+1)
	}

	if err := c.Commit(first[0].Key); err != nil {
		t.Fatalf("Commit() of abandoned key error = %v", err)
	}

	second, _ := c.Poll(ctx)
	if len(second) != 1 {
		t.Fatalf("Poll() returned %d records, want 1", len(second))
	}
	if second[0].Key.Generation != before+1 {
		t.Errorf("new key generation = %d, want %d", second[0].Key.Generation, before+1)
	}
}

func TestTrackingConsumer_CommitFailureResetsGeneration(t *testing.T) {
	fake := &fakeClient{batches: []fakeBatch{
		{before: assign(tp0), msgs: msgs(tp0, 1)},
		{},
	}}
	c := newTestConsumer(t, fake)
	ctx := context.Background()

	recs, _ := c.Poll(ctx)
	if err := c.Commit(recs[0].Key); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	before := c.Generation()
	fake.commitErr = stderrors.New("not coordinator")

	if _, err := c.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if c.Generation() != before+1 {
		t.Errorf("Generation() = %d, want %d", c.Generation(), before+1)
	}
}

func TestTrackingConsumer_CloseReportsCommitFailure(t *testing.T) {
	fake := &fakeClient{batches: []fakeBatch{{before: assign(tp0, tp1), msgs: append(msgs(tp0, 4), msgs(tp1, 9)...)}}}
	c := newTestConsumer(t, fake)

	recs, _ := c.Poll(context.Background())
	for _, r := range recs {
		if err := c.Commit(r.Key); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
	}
	cause := stderrors.New("coordinator moved")
	fake.commitErr = cause

	err := c.Close()
	if !stderrors.Is(err, cause) {
		t.Fatalf("Close() error = %v, want wrapped %v", err, cause)
	}
	var commitErr *errors.CommitError
	if !stderrors.As(err, &commitErr) || commitErr.Partition != tp0 || commitErr.Offset != 5 {
		t.Errorf("Close() error = %v, want CommitError for %s at 5", err, tp0)
	}
	if !errors.IsRetryable(err) {
		t.Error("IsRetryable() = false for a failed commit")
	}
	if !fake.closed {
		t.Error("client not closed after failed commit")
	}
}

func TestTrackingConsumer_RevokeConcurrentWithPoll(t *testing.T) {
	fake := &fakeClient{batches: []fakeBatch{{before: assign(tp0), msgs: msgs(tp0, 1, 2, 3)}}}
	c := newTestConsumer(t, fake)
	ctx := context.Background()

	recs, err := c.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	for _, r := range recs {
		if err := c.Commit(r.Key); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
	}

	// Rebalance callbacks arrive on the client's own goroutine.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.PartitionsRevoked(ctx, []traffic.TopicPartition{tp0})
		c.PartitionsAssigned(ctx, []traffic.TopicPartition{tp0})
	}()
	for i := 0; i < 20; i++ {
		if _, err := c.Poll(ctx); err != nil {
			t.Fatalf("Poll() error = %v", err)
		}
		if err := c.Touch(ctx); err != nil {
			t.Fatalf("Touch() error = %v", err)
		}
	}
	wg.Wait()

	calls := fake.commitCalls()
	if len(calls) == 0 {
		t.Fatal("staged offset was never committed")
	}
	for _, call := range calls {
		if !reflect.DeepEqual(call, map[traffic.TopicPartition]int64{tp0: 4}) {
			t.Errorf("commit = %v, want only %s at 4", call, tp0)
		}
	}
}

func TestTrackingConsumer_UnknownOffset(t *testing.T) {
	fake := &fakeClient{batches: []fakeBatch{{before: assign(tp0), msgs: msgs(tp0, 1)}}}
	c := newTestConsumer(t, fake)

	recs, _ := c.Poll(context.Background())
	bogus := *recs[0].Key
	bogus.Offset = 99
	if err := c.Commit(&bogus); !stderrors.Is(err, errors.ErrUnknownOffset) {
		t.Errorf("Commit() error = %v, want ErrUnknownOffset", err)
	}
}

func TestTrackingConsumer_LostPartitions(t *testing.T) {
	tests := []struct {
		name        string
		cooperative bool
		rebalance   func(l RebalanceListener)
		want        [][]traffic.TopicPartition
	}{
		{
			name: "eager revoke not reassigned",
			rebalance: func(l RebalanceListener) {
				l.PartitionsRevoked(context.Background(), []traffic.TopicPartition{tp0, tp1})
				l.PartitionsAssigned(context.Background(), []traffic.TopicPartition{tp1})
			},
			want: [][]traffic.TopicPartition{{tp0}},
		},
		{
			name: "eager revoke fully reassigned",
			rebalance: func(l RebalanceListener) {
				l.PartitionsRevoked(context.Background(), []traffic.TopicPartition{tp0, tp1})
				l.PartitionsAssigned(context.Background(), []traffic.TopicPartition{tp0, tp1})
			},
			want: nil,
		},
		{
			name:        "cooperative revoke",
			cooperative: true,
			rebalance: func(l RebalanceListener) {
				l.PartitionsRevoked(context.Background(), []traffic.TopicPartition{tp1})
			},
			want: [][]traffic.TopicPartition{{tp1}},
		},
		{
			name: "lost without revoke",
			rebalance: func(l RebalanceListener) {
				l.PartitionsLost(context.Background(), []traffic.TopicPartition{tp0})
			},
			want: [][]traffic.TopicPartition{{tp0}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeClient{
				cooperative: tt.cooperative,
				batches: []fakeBatch{
					{before: assign(tp0, tp1)},
					{before: tt.rebalance},
				},
			}
			c := newTestConsumer(t, fake)
			var got [][]traffic.TopicPartition
			c.OnLost(func(tps []traffic.TopicPartition) { got = append(got, tps) })

			for i := 0; i < 2; i++ {
				if _, err := c.Poll(context.Background()); err != nil {
					t.Fatalf("Poll() error = %v", err)
				}
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("lost = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTrackingConsumer_RevokeFlushesPendingCommits(t *testing.T) {
	fake := &fakeClient{batches: []fakeBatch{
		{before: assign(tp0), msgs: msgs(tp0, 3)},
	}}
	c := newTestConsumer(t, fake)

	recs, _ := c.Poll(context.Background())
	if err := c.Commit(recs[0].Key); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	c.PartitionsRevoked(context.Background(), []traffic.TopicPartition{tp0})

	calls := fake.commitCalls()
	want := []map[traffic.TopicPartition]int64{{tp0: 4}}
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("commits = %v, want %v", calls, want)
	}
	if err := c.Commit(recs[0].Key); err != nil {
		t.Errorf("Commit() after revoke error = %v, want stale drop", err)
	}
}

func TestTrackingConsumer_DropsUnassignedPartitions(t *testing.T) {
	fake := &fakeClient{batches: []fakeBatch{
		{before: assign(tp0), msgs: append(msgs(tp0, 1), msgs(tp1, 1)...)},
	}}
	c := newTestConsumer(t, fake)

	recs, _ := c.Poll(context.Background())
	if len(recs) != 1 || recs[0].Key.TopicPartition != tp0 {
		t.Errorf("Poll() = %v, want only %s", recs, tp0)
	}
}

func TestTrackingConsumer_Touch(t *testing.T) {
	fake := &fakeClient{}
	c := newTestConsumer(t, fake)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if err := c.Touch(context.Background()); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if fake.keepAlives != 1 {
		t.Errorf("keep-alives = %d, want 1", fake.keepAlives)
	}
	if got, want := c.NextRequiredTouch(), now.Add(time.Minute); !got.Equal(want) {
		t.Errorf("NextRequiredTouch() = %v, want %v", got, want)
	}

	fake.keepErr = stderrors.New("coordinator moved")
	before := c.Generation()
	if err := c.Touch(context.Background()); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if c.Generation() != before+1 {
		t.Errorf("Generation() = %d after failed keep-alive, want %d", c.Generation(), before+1)
	}
}

func TestTrackingConsumer_Close(t *testing.T) {
	fake := &fakeClient{batches: []fakeBatch{{before: assign(tp0), msgs: msgs(tp0, 8)}}}
	c := newTestConsumer(t, fake)

	recs, _ := c.Poll(context.Background())
	if err := c.Commit(recs[0].Key); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !fake.closed {
		t.Error("client not closed")
	}
	calls := fake.commitCalls()
	if len(calls) != 1 || calls[0][tp0] != 9 {
		t.Errorf("commits on close = %v, want offset 9", calls)
	}
	if _, err := c.Poll(context.Background()); !stderrors.Is(err, errors.ErrConsumerClosed) {
		t.Errorf("Poll() after Close error = %v, want ErrConsumerClosed", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
