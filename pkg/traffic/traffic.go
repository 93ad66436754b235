package traffic

import (
	"context"
	"fmt"
	"time"
)

// ObservationKind identifies the variant carried by an Observation.
type ObservationKind int

const (
	KindUnknown ObservationKind = iota
	KindBind
	KindConnect
	KindDisconnect
	KindClose
	KindDeregister
	KindRead
	KindWrite
	KindReadSegment
	KindWriteSegment
	KindEndOfSegments
	KindEndOfMessage
	KindConnectionException
	KindRequestDropped
)

var kindNames = map[ObservationKind]string{
	KindUnknown:             "unknown",
	KindBind:                "bind",
	KindConnect:             "connect",
	KindDisconnect:          "disconnect",
	KindClose:               "close",
	KindDeregister:          "deregister",
	KindRead:                "read",
	KindWrite:               "write",
	KindReadSegment:         "read_segment",
	KindWriteSegment:        "write_segment",
	KindEndOfSegments:       "end_of_segments",
	KindEndOfMessage:        "end_of_message",
	KindConnectionException: "connection_exception",
	KindRequestDropped:      "request_dropped",
}

// String returns the snake_case name of the kind.
func (k ObservationKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// IsSegment reports whether the kind is a partial read or write.
func (k ObservationKind) IsSegment() bool {
	return k == KindReadSegment || k == KindWriteSegment
}

// CarriesData reports whether observations of this kind carry payload bytes.
func (k ObservationKind) CarriesData() bool {
	switch k {
	case KindRead, KindWrite, KindReadSegment, KindWriteSegment:
		return true
	default:
		return false
	}
}

// Observation is one timestamped event on a connection.
//
// Data is set for the read/write kinds, FirstLineLen and HeadersLen for
// KindEndOfMessage and Message for KindConnectionException.
type Observation struct {
	Timestamp    time.Time
	Kind         ObservationKind
	Data         []byte
	FirstLineLen int32
	HeadersLen   int32
	Message      string
}

// Record is one size-bounded chunk of a connection's traffic.
//
// Index is the chunk number of the connection, starting at 1. Final marks
// the last chunk; a non-final chunk carries Index as its continuation number.
type Record struct {
	ConnectionID                       string
	NodeID                             string
	PriorRequestsReceived              int32
	LastObservationWasUnterminatedRead bool
	Observations                       []Observation
	Index                              int32
	Final                              bool
}

// TopicPartition identifies one partition of a log topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// String returns "topic-partition".
func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// CommitOffsetKey identifies one consumed log record for a later commit.
// It stays valid only while the consumer generation that issued it is live.
type CommitOffsetKey struct {
	Generation int64
	TopicPartition
	Offset int64
}

// String returns "topic-partition@offset#generation".
func (k CommitOffsetKey) String() string {
	return fmt.Sprintf("%s@%d#%d", k.TopicPartition, k.Offset, k.Generation)
}

// Item is one record yielded by a Source.
//
// Synthetic items are close signals generated after a partition was lost.
// They carry no Key and must not be committed.
type Item struct {
	Record         Record
	Key            *CommitOffsetKey
	Partition      TopicPartition
	Synthetic      bool
	Handoff        bool
	QuiescentUntil time.Time
}

// Source yields captured traffic with commit keys for replay.
type Source interface {
	// ReadNextChunk returns the next batch of items. Synthetic close
	// signals queued since the previous call come first.
	ReadNextChunk(ctx context.Context) ([]Item, error)

	// Commit marks the record behind key as processed. A nil key is a no-op.
	Commit(key *CommitOffsetKey) error

	// ConnectionDone stops tracking a connection after its final record.
	ConnectionDone(nodeID, connectionID string)

	// Touch keeps the underlying group membership alive while idle.
	Touch(ctx context.Context) error

	// NextRequiredTouch returns the deadline for the next Touch.
	NextRequiredTouch() time.Time

	Close() error
}

// Validator checks decoded records before they are yielded.
type Validator interface {
	Validate(record *Record) error
}

// FileStats contains statistics about buffered items.
type FileStats struct {
	RecordCount    int
	SizeBytes      int64
	FirstWriteTime time.Time
	LastWriteTime  time.Time
}

// FileFormat represents the archive file format.
type FileFormat string

const (
	FormatParquet FileFormat = "parquet"
	FormatAvro    FileFormat = "avro"
)

// ObservationCount returns the number of observations in the record.
func (r *Record) ObservationCount() int {
	return len(r.Observations)
}

// FirstTimestamp returns the timestamp of the first observation, or the zero
// time when the record has none.
func (r *Record) FirstTimestamp() time.Time {
	if len(r.Observations) == 0 {
		return time.Time{}
	}
	return r.Observations[0].Timestamp
}

// PayloadSize returns the number of data bytes carried by the record.
func (r *Record) PayloadSize() int {
	n := 0
	for i := range r.Observations {
		n += len(r.Observations[i].Data)
	}
	return n
}
