package wire

import (
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// TimestampSize returns the encoded size of a Timestamp message body.
// Zero seconds or zero nanos are omitted from the encoding.
func TimestampSize(t time.Time) int {
	secs, nanos := t.Unix(), int32(t.Nanosecond())
	n := 0
	if secs != 0 {
		n += protowire.SizeTag(timestampSecondsField) + protowire.SizeVarint(uint64(secs))
	}
	if nanos != 0 {
		n += protowire.SizeTag(timestampNanosField) + protowire.SizeVarint(uint64(int64(nanos)))
	}
	return n
}

// TimestampFieldSize returns the size of the observation timestamp field,
// tag and length prefix included.
func TimestampFieldSize(t time.Time) int {
	return protowire.SizeTag(observationTimestampField) + protowire.SizeBytes(TimestampSize(t))
}

// BytesFieldSize returns the exact size of a length-delimited field carrying
// n bytes.
func BytesFieldSize(field protowire.Number, n int) int {
	return protowire.SizeTag(field) + protowire.SizeBytes(n)
}

// Int32FieldSize returns the exact size of an int32 varint field.
func Int32FieldSize(field protowire.Number, v int32) int {
	return protowire.SizeTag(field) + protowire.SizeVarint(uint64(int64(v)))
}

// ObservationAndClosingIndexSize returns the bytes needed to append an
// observation whose body is contentSize bytes long, plus the closing index
// field for index.
func ObservationAndClosingIndexSize(contentSize int, index int32) int {
	return BytesFieldSize(streamObservationField, contentSize) + Int32FieldSize(streamFinalIndexField, index)
}

// MaxSegmentedObservationSize returns an upper bound for an observation
// carrying n data bytes in dataField of a capture message stored under
// observationField. The closing index is sized for the largest int32 so the
// bound holds for every chunk index.
func MaxSegmentedObservationSize(t time.Time, observationField, dataField protowire.Number, n int) int {
	dataSize := BytesFieldSize(dataField, n)
	captureSize := protowire.SizeTag(observationField) + protowire.SizeBytes(dataSize)
	return ObservationAndClosingIndexSize(TimestampFieldSize(t)+captureSize, math.MaxInt32)
}

// HeaderSize returns the size of the fields written at the start of every
// record of a connection.
func HeaderSize(connectionID, nodeID string, priorRequests int32, unterminatedRead bool) int {
	n := BytesFieldSize(streamConnectionIDField, len(connectionID))
	if nodeID != "" {
		n += BytesFieldSize(streamNodeIDField, len(nodeID))
	}
	if priorRequests > 0 {
		n += Int32FieldSize(streamPriorRequestsField, priorRequests)
	}
	if unterminatedRead {
		n += protowire.SizeTag(streamUnterminatedReadField) + protowire.SizeVarint(1)
	}
	return n
}
