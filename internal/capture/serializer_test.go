package capture

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sort"
	"testing"
	"time"

	kerrors "github.com/jittakal/kaftraffic/internal/errors"
	"github.com/jittakal/kaftraffic/internal/wire"
	"github.com/jittakal/kaftraffic/pkg/traffic"
)

func newTestSerializer(t *testing.T, connID, nodeID string, capacity int) (*Serializer[int32], *Factory[int32], *recordingRetirer) {
	t.Helper()
	retirer := &recordingRetirer{}
	f := NewFactory[int32](context.Background(), FactoryConfig{NodeID: nodeID, BufferCapacity: capacity}, retirer, nil, nil)
	return f.New(connID), f, retirer
}

// decodeAll flushes f and decodes every retired record in index order.
func decodeAll(t *testing.T, f *Factory[int32], r *recordingRetirer) ([]traffic.Record, []Retired) {
	t.Helper()
	if err := f.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	retired := r.retired()
	sort.Slice(retired, func(i, j int) bool { return retired[i].Index < retired[j].Index })

	records := make([]traffic.Record, 0, len(retired))
	for _, rec := range retired {
		decoded, err := wire.Unmarshal(rec.Data)
		if err != nil {
			t.Fatalf("Unmarshal(record %d) error = %v", rec.Index, err)
		}
		if decoded.Index != rec.Index {
			t.Fatalf("record %d carries index %d", rec.Index, decoded.Index)
		}
		records = append(records, decoded)
	}
	return records, retired
}

func checkIndices(t *testing.T, records []traffic.Record) {
	t.Helper()
	for i, rec := range records {
		if rec.Index != int32(i+1) {
			t.Errorf("record %d has index %d, want %d", i, rec.Index, i+1)
		}
		if last := i == len(records)-1; rec.Final != last {
			t.Errorf("record %d Final = %v, want %v", i, rec.Final, last)
		}
	}
}

func TestSerializer_TwoWritesRotate(t *testing.T) {
	s, f, r := newTestSerializer(t, "c", "", 64)
	ts := time.Unix(100, 0)
	payload := bytes.Repeat([]byte{'w'}, 40)

	for i := 0; i < 2; i++ {
		if err := s.RecordWrite(ts, payload); err != nil {
			t.Fatalf("RecordWrite() #%d error = %v", i, err)
		}
	}
	if _, err := s.Rotate(true); err != nil {
		t.Fatalf("Rotate(true) error = %v", err)
	}

	records, retired := decodeAll(t, f, r)
	if len(records) != 2 {
		t.Fatalf("emitted %d records, want 2", len(records))
	}
	checkIndices(t, records)
	for i, rec := range records {
		if len(retired[i].Data) > 64 {
			t.Errorf("record %d is %d bytes, capacity 64", i, len(retired[i].Data))
		}
		if rec.ConnectionID != "c" {
			t.Errorf("record %d ConnectionID = %q, want c", i, rec.ConnectionID)
		}
		if len(rec.Observations) != 1 || rec.Observations[0].Kind != traffic.KindWrite {
			t.Errorf("record %d observations = %+v, want one write", i, rec.Observations)
			continue
		}
		if !bytes.Equal(rec.Observations[0].Data, payload) {
			t.Errorf("record %d payload mismatch", i)
		}
	}
}

func TestSerializer_SegmentsOversizedWrite(t *testing.T) {
	s, f, r := newTestSerializer(t, "c", "", 1000)
	ts := time.Unix(100, 0)
	payload := make([]byte, 10000)
	rand.New(rand.NewSource(1)).Read(payload)

	if err := s.RecordWrite(ts, payload); err != nil {
		t.Fatalf("RecordWrite() error = %v", err)
	}
	if _, err := s.Rotate(true); err != nil {
		t.Fatalf("Rotate(true) error = %v", err)
	}

	records, retired := decodeAll(t, f, r)
	if len(records) < 10 {
		t.Fatalf("emitted %d records, want at least 10", len(records))
	}
	checkIndices(t, records)

	var (
		joined      []byte
		endSegments int
	)
	for i, rec := range records {
		if len(retired[i].Data) > 1000 {
			t.Errorf("record %d is %d bytes, capacity 1000", i, len(retired[i].Data))
		}
		for _, obs := range rec.Observations {
			switch obs.Kind {
			case traffic.KindWriteSegment:
				if endSegments > 0 {
					t.Error("segment after end of segments")
				}
				joined = append(joined, obs.Data...)
			case traffic.KindEndOfSegments:
				endSegments++
			default:
				t.Errorf("unexpected observation %s", obs.Kind)
			}
		}
	}
	if endSegments != 1 {
		t.Errorf("end of segments observed %d times, want 1", endSegments)
	}
	if !bytes.Equal(joined, payload) {
		t.Errorf("reassembled %d bytes, want the original %d", len(joined), len(payload))
	}
}

// Arbitrary sequences never overflow a record and reassemble exactly.
func TestSerializer_RandomTrafficRespectsCapacity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		capacity := 100 + rng.Intn(400)
		s, f, r := newTestSerializer(t, "conn-1", "node-a", capacity)

		type sent struct {
			kind traffic.ObservationKind
			data []byte
		}
		var want []sent
		ts := time.Unix(1700000000, 0)

		for step := 0; step < 30; step++ {
			ts = ts.Add(time.Duration(rng.Intn(1e9)))
			switch rng.Intn(4) {
			case 0, 1:
				data := make([]byte, rng.Intn(3*capacity))
				rng.Read(data)
				if err := s.RecordRead(ts, data); err != nil {
					t.Fatalf("round %d: RecordRead() error = %v", round, err)
				}
				want = append(want, sent{traffic.KindRead, data})
			case 2:
				data := make([]byte, rng.Intn(3*capacity))
				rng.Read(data)
				if err := s.RecordWrite(ts, data); err != nil {
					t.Fatalf("round %d: RecordWrite() error = %v", round, err)
				}
				want = append(want, sent{traffic.KindWrite, data})
			case 3:
				_ = s.RecordEndOfFirstLine(int32(rng.Intn(100)))
				_ = s.RecordEndOfHeaders(int32(rng.Intn(1000)))
				if err := s.RecordEndOfMessage(ts); err != nil {
					t.Fatalf("round %d: RecordEndOfMessage() error = %v", round, err)
				}
			}
		}
		if err := s.RecordClose(ts); err != nil {
			t.Fatalf("round %d: RecordClose() error = %v", round, err)
		}
		if _, err := s.Rotate(true); err != nil {
			t.Fatalf("round %d: Rotate(true) error = %v", round, err)
		}

		records, retired := decodeAll(t, f, r)
		checkIndices(t, records)

		var (
			got     []sent
			partial *sent
		)
		for i, rec := range records {
			if len(retired[i].Data) > capacity {
				t.Fatalf("round %d: record %d is %d bytes, capacity %d", round, i, len(retired[i].Data), capacity)
			}
			if rec.ConnectionID != "conn-1" || rec.NodeID != "node-a" {
				t.Fatalf("round %d: record %d header = %q/%q", round, i, rec.ConnectionID, rec.NodeID)
			}
			for _, obs := range rec.Observations {
				switch obs.Kind {
				case traffic.KindRead, traffic.KindWrite:
					got = append(got, sent{obs.Kind, obs.Data})
				case traffic.KindReadSegment, traffic.KindWriteSegment:
					if partial == nil {
						kind := traffic.KindRead
						if obs.Kind == traffic.KindWriteSegment {
							kind = traffic.KindWrite
						}
						partial = &sent{kind: kind}
					}
					partial.data = append(partial.data, obs.Data...)
				case traffic.KindEndOfSegments:
					got = append(got, *partial)
					partial = nil
				}
			}
		}

		if len(got) != len(want) {
			t.Fatalf("round %d: decoded %d payloads, want %d", round, len(got), len(want))
		}
		for i := range want {
			if got[i].kind != want[i].kind || !bytes.Equal(got[i].data, want[i].data) {
				t.Fatalf("round %d: payload %d mismatch (%s, %d bytes) vs (%s, %d bytes)",
					round, i, got[i].kind, len(got[i].data), want[i].kind, len(want[i].data))
			}
		}
	}
}

func TestSerializer_CarriesRequestStateAcrossRecords(t *testing.T) {
	s, f, r := newTestSerializer(t, "c", "n", 0)
	ts := time.Unix(5, 0)

	_ = s.RecordRead(ts, []byte("GET / HTTP/1.1\r\n\r\n"))
	if _, err := s.Rotate(false); err != nil {
		t.Fatal(err)
	}
	_ = s.RecordEndOfFirstLine(16)
	_ = s.RecordEndOfHeaders(18)
	if err := s.RecordEndOfMessage(ts); err != nil {
		t.Fatalf("RecordEndOfMessage() error = %v", err)
	}
	_ = s.RecordWrite(ts, []byte("HTTP/1.1 200 OK\r\n\r\n"))
	if _, err := s.Rotate(false); err != nil {
		t.Fatal(err)
	}
	_ = s.RecordClose(ts)
	if _, err := s.Rotate(true); err != nil {
		t.Fatal(err)
	}

	records, _ := decodeAll(t, f, r)
	if len(records) != 3 {
		t.Fatalf("emitted %d records, want 3", len(records))
	}
	if records[0].LastObservationWasUnterminatedRead || records[0].PriorRequestsReceived != 0 {
		t.Errorf("record 1 header = %+v", records[0])
	}
	if !records[1].LastObservationWasUnterminatedRead {
		t.Error("record 2 does not carry the unterminated read")
	}
	if records[2].PriorRequestsReceived != 1 || records[2].LastObservationWasUnterminatedRead {
		t.Errorf("record 3 prior=%d unterminated=%v, want 1 false",
			records[2].PriorRequestsReceived, records[2].LastObservationWasUnterminatedRead)
	}
	eom := records[1].Observations[0]
	if eom.Kind != traffic.KindEndOfMessage || eom.FirstLineLen != 16 || eom.HeadersLen != 18 {
		t.Errorf("end of message = %+v", eom)
	}
}

func TestSerializer_UsageErrors(t *testing.T) {
	s, _, _ := newTestSerializer(t, "c", "", 0)
	ts := time.Unix(1, 0)

	if err := s.RecordEndOfMessage(ts); !errors.Is(err, kerrors.ErrMissingIndicators) {
		t.Errorf("RecordEndOfMessage() without indicators error = %v", err)
	}
	_ = s.RecordEndOfFirstLine(3)
	if err := s.RecordEndOfMessage(ts); !errors.Is(err, kerrors.ErrMissingIndicators) {
		t.Errorf("RecordEndOfMessage() with one indicator error = %v", err)
	}

	if _, err := s.Rotate(true); err != nil {
		t.Fatalf("Rotate(true) error = %v", err)
	}
	if !s.Closed() {
		t.Fatal("Closed() = false after final rotation")
	}

	calls := map[string]func() error{
		"read":       func() error { return s.RecordRead(ts, []byte("x")) },
		"write":      func() error { return s.RecordWrite(ts, []byte("x")) },
		"close":      func() error { return s.RecordClose(ts) },
		"disconnect": func() error { return s.RecordDisconnect(ts) },
		"deregister": func() error { return s.RecordDeregister(ts) },
		"exception":  func() error { return s.RecordException(ts, "reset") },
		"first line": func() error { return s.RecordEndOfFirstLine(1) },
		"headers":    func() error { return s.RecordEndOfHeaders(1) },
		"rotate": func() error {
			_, err := s.Rotate(false)
			return err
		},
	}
	for name, call := range calls {
		if err := call(); !errors.Is(err, kerrors.ErrStreamAlreadyClosed) {
			t.Errorf("%s after close error = %v, want ErrStreamAlreadyClosed", name, err)
		}
	}
}

func TestSerializer_RotateWithoutBuffer(t *testing.T) {
	s, f, r := newTestSerializer(t, "idle", "", 128)

	c, err := s.Rotate(false)
	if err != nil {
		t.Fatalf("Rotate(false) error = %v", err)
	}
	if !c.Resolved() {
		t.Error("Rotate(false) without an open record is not resolved")
	}

	if _, err := s.Rotate(true); err != nil {
		t.Fatalf("Rotate(true) error = %v", err)
	}
	records, _ := decodeAll(t, f, r)
	if len(records) != 1 || !records[0].Final || records[0].Index != 1 || len(records[0].Observations) != 0 {
		t.Errorf("records = %+v, want one empty final record with index 1", records)
	}
}

func TestSerializer_CapacityTooSmall(t *testing.T) {
	s, _, _ := newTestSerializer(t, "a-rather-long-connection-identifier", "", 24)
	if err := s.RecordClose(time.Unix(1, 0)); !errors.Is(err, kerrors.ErrCapacityTooSmall) {
		t.Errorf("RecordClose() error = %v, want ErrCapacityTooSmall", err)
	}
}

func TestSerializer_SegmentMetrics(t *testing.T) {
	retirer := &recordingRetirer{}
	metrics := &fakeCaptureMetrics{}
	f := NewFactory[int32](context.Background(), FactoryConfig{BufferCapacity: 200}, retirer, nil, metrics)
	s := f.New("m")

	if err := s.RecordRead(time.Unix(9, 0), make([]byte, 1000)); err != nil {
		t.Fatalf("RecordRead() error = %v", err)
	}
	if _, err := s.Rotate(true); err != nil {
		t.Fatal(err)
	}
	if err := f.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if metrics.segments["read"] != 1 {
		t.Errorf("segmented reads = %d, want 1", metrics.segments["read"])
	}
	if metrics.statuses["success"] != len(retirer.retired()) {
		t.Errorf("closed buffers = %v, retired %d", metrics.statuses, len(retirer.retired()))
	}
}

func TestFactory_UnorderedSerializers(t *testing.T) {
	retirer := &recordingRetirer{}
	f := NewFactory[int32](context.Background(), FactoryConfig{BufferCapacity: 256, Unordered: true}, retirer, nil, nil)

	for _, id := range []string{"a", "b", "c"} {
		s := f.New(id)
		if s.ConnectionID() != id {
			t.Fatalf("ConnectionID() = %q, want %q", s.ConnectionID(), id)
		}
		_ = s.RecordConnect(time.Unix(1, 0))
		if _, err := s.Rotate(true); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got := len(retirer.retired()); got != 3 {
		t.Errorf("retired %d records, want 3", got)
	}
}
