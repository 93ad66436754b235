// Package wire encodes traffic records in the protobuf wire format and
// computes exact and worst-case encoded sizes for them.
//
// A record is a TrafficStream message:
//
//	1 connectionId                       string
//	2 nodeId                             string
//	3 subStream                          repeated TrafficObservation
//	4 number                             int32 (continuation index)
//	5 numberOfThisLastChunk              int32 (final index)
//	6 priorRequestsReceived              int32
//	7 lastObservationWasUnterminatedRead bool
//
// Each TrafficObservation holds a Timestamp in field 1 and exactly one
// capture message in fields 2-14.
package wire

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/jittakal/kaftraffic/pkg/traffic"
)

const (
	streamConnectionIDField     protowire.Number = 1
	streamNodeIDField           protowire.Number = 2
	streamObservationField      protowire.Number = 3
	streamContinuationField     protowire.Number = 4
	streamFinalIndexField       protowire.Number = 5
	streamPriorRequestsField    protowire.Number = 6
	streamUnterminatedReadField protowire.Number = 7

	observationTimestampField protowire.Number = 1

	timestampSecondsField protowire.Number = 1
	timestampNanosField   protowire.Number = 2
)

// Capture message fields of TrafficObservation.
const (
	ReadField                protowire.Number = 2
	ReadSegmentField         protowire.Number = 3
	WriteField               protowire.Number = 4
	WriteSegmentField        protowire.Number = 5
	BindField                protowire.Number = 6
	ConnectField             protowire.Number = 7
	DisconnectField          protowire.Number = 8
	CloseField               protowire.Number = 9
	SegmentEndField          protowire.Number = 10
	EndOfMessageField        protowire.Number = 11
	ConnectionExceptionField protowire.Number = 12
	RequestDroppedField      protowire.Number = 13
	DeregisterField          protowire.Number = 14
)

// DataField is the bytes field of Read, Write and their segment variants.
const DataField protowire.Number = 1

const (
	firstLineLenField protowire.Number = 1
	headersLenField   protowire.Number = 2
	exceptionMsgField protowire.Number = 1
)

var kindFields = map[traffic.ObservationKind]protowire.Number{
	traffic.KindRead:                ReadField,
	traffic.KindReadSegment:         ReadSegmentField,
	traffic.KindWrite:               WriteField,
	traffic.KindWriteSegment:        WriteSegmentField,
	traffic.KindBind:                BindField,
	traffic.KindConnect:             ConnectField,
	traffic.KindDisconnect:          DisconnectField,
	traffic.KindClose:               CloseField,
	traffic.KindEndOfSegments:       SegmentEndField,
	traffic.KindEndOfMessage:        EndOfMessageField,
	traffic.KindConnectionException: ConnectionExceptionField,
	traffic.KindRequestDropped:      RequestDroppedField,
	traffic.KindDeregister:          DeregisterField,
}

var fieldKinds = func() map[protowire.Number]traffic.ObservationKind {
	m := make(map[protowire.Number]traffic.ObservationKind, len(kindFields))
	for k, f := range kindFields {
		m[f] = k
	}
	return m
}()

// FieldForKind returns the TrafficObservation field that carries kind.
func FieldForKind(kind traffic.ObservationKind) (protowire.Number, bool) {
	f, ok := kindFields[kind]
	return f, ok
}

func captureBodySize(obs *traffic.Observation) int {
	switch obs.Kind {
	case traffic.KindRead, traffic.KindWrite, traffic.KindReadSegment, traffic.KindWriteSegment:
		return BytesFieldSize(DataField, len(obs.Data))
	case traffic.KindEndOfMessage:
		return Int32FieldSize(firstLineLenField, obs.FirstLineLen) + Int32FieldSize(headersLenField, obs.HeadersLen)
	case traffic.KindConnectionException:
		if obs.Message == "" {
			return 0
		}
		return BytesFieldSize(exceptionMsgField, len(obs.Message))
	default:
		return 0
	}
}

// ObservationSize returns the size of the TrafficObservation message body.
func ObservationSize(obs *traffic.Observation) int {
	field := kindFields[obs.Kind]
	return TimestampFieldSize(obs.Timestamp) + protowire.SizeTag(field) + protowire.SizeBytes(captureBodySize(obs))
}

// ObservationEntrySize returns the size of obs as one subStream entry.
func ObservationEntrySize(obs *traffic.Observation) int {
	return BytesFieldSize(streamObservationField, ObservationSize(obs))
}

// IndexSize returns the size of the closing index field.
func IndexSize(index int32, final bool) int {
	if final {
		return Int32FieldSize(streamFinalIndexField, index)
	}
	return Int32FieldSize(streamContinuationField, index)
}

// AppendHeader appends the per-record connection fields.
func AppendHeader(b []byte, connectionID, nodeID string, priorRequests int32, unterminatedRead bool) []byte {
	b = protowire.AppendTag(b, streamConnectionIDField, protowire.BytesType)
	b = protowire.AppendString(b, connectionID)
	if nodeID != "" {
		b = protowire.AppendTag(b, streamNodeIDField, protowire.BytesType)
		b = protowire.AppendString(b, nodeID)
	}
	if priorRequests > 0 {
		b = protowire.AppendTag(b, streamPriorRequestsField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(priorRequests)))
	}
	if unterminatedRead {
		b = protowire.AppendTag(b, streamUnterminatedReadField, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

// AppendObservation appends obs as one subStream entry.
func AppendObservation(b []byte, obs *traffic.Observation) ([]byte, error) {
	field, ok := kindFields[obs.Kind]
	if !ok {
		return b, fmt.Errorf("unsupported observation kind %s", obs.Kind)
	}

	b = protowire.AppendTag(b, streamObservationField, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(ObservationSize(obs)))

	b = protowire.AppendTag(b, observationTimestampField, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(TimestampSize(obs.Timestamp)))
	b = appendTimestamp(b, obs.Timestamp)

	b = protowire.AppendTag(b, field, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(captureBodySize(obs)))
	switch obs.Kind {
	case traffic.KindRead, traffic.KindWrite, traffic.KindReadSegment, traffic.KindWriteSegment:
		b = protowire.AppendTag(b, DataField, protowire.BytesType)
		b = protowire.AppendBytes(b, obs.Data)
	case traffic.KindEndOfMessage:
		b = protowire.AppendTag(b, firstLineLenField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(obs.FirstLineLen)))
		b = protowire.AppendTag(b, headersLenField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(obs.HeadersLen)))
	case traffic.KindConnectionException:
		if obs.Message != "" {
			b = protowire.AppendTag(b, exceptionMsgField, protowire.BytesType)
			b = protowire.AppendString(b, obs.Message)
		}
	}
	return b, nil
}

// AppendIndex appends the closing index of a record.
func AppendIndex(b []byte, index int32, final bool) []byte {
	field := streamContinuationField
	if final {
		field = streamFinalIndexField
	}
	b = protowire.AppendTag(b, field, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(index)))
}

func appendTimestamp(b []byte, t time.Time) []byte {
	secs, nanos := t.Unix(), int32(t.Nanosecond())
	if secs != 0 {
		b = protowire.AppendTag(b, timestampSecondsField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(secs))
	}
	if nanos != 0 {
		b = protowire.AppendTag(b, timestampNanosField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(nanos)))
	}
	return b
}

// Marshal encodes a complete record.
func Marshal(rec *traffic.Record) ([]byte, error) {
	b := AppendHeader(nil, rec.ConnectionID, rec.NodeID, rec.PriorRequestsReceived, rec.LastObservationWasUnterminatedRead)
	var err error
	for i := range rec.Observations {
		if b, err = AppendObservation(b, &rec.Observations[i]); err != nil {
			return nil, fmt.Errorf("observation %d: %w", i, err)
		}
	}
	return AppendIndex(b, rec.Index, rec.Final), nil
}

// Unmarshal decodes a record. Unknown fields are skipped.
func Unmarshal(b []byte) (traffic.Record, error) {
	var rec traffic.Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return rec, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == streamConnectionIDField && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return rec, fmt.Errorf("connection id: %w", protowire.ParseError(m))
			}
			rec.ConnectionID, n = v, m
		case num == streamNodeIDField && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return rec, fmt.Errorf("node id: %w", protowire.ParseError(m))
			}
			rec.NodeID, n = v, m
		case num == streamObservationField && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return rec, fmt.Errorf("observation: %w", protowire.ParseError(m))
			}
			obs, err := unmarshalObservation(v)
			if err != nil {
				return rec, fmt.Errorf("observation %d: %w", len(rec.Observations), err)
			}
			rec.Observations = append(rec.Observations, obs)
			n = m
		case (num == streamContinuationField || num == streamFinalIndexField) && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return rec, fmt.Errorf("index: %w", protowire.ParseError(m))
			}
			rec.Index, rec.Final, n = int32(v), num == streamFinalIndexField, m
		case num == streamPriorRequestsField && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return rec, fmt.Errorf("prior requests: %w", protowire.ParseError(m))
			}
			rec.PriorRequestsReceived, n = int32(v), m
		case num == streamUnterminatedReadField && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return rec, fmt.Errorf("unterminated read: %w", protowire.ParseError(m))
			}
			rec.LastObservationWasUnterminatedRead, n = protowire.DecodeBool(v), m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return rec, protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return rec, nil
}

func unmarshalObservation(b []byte) (traffic.Observation, error) {
	var obs traffic.Observation
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return obs, protowire.ParseError(n)
		}
		b = b[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return obs, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}

		v, m := protowire.ConsumeBytes(b)
		if m < 0 {
			return obs, protowire.ParseError(m)
		}
		b = b[m:]

		if num == observationTimestampField {
			ts, err := unmarshalTimestamp(v)
			if err != nil {
				return obs, fmt.Errorf("timestamp: %w", err)
			}
			obs.Timestamp = ts
			continue
		}
		kind, ok := fieldKinds[num]
		if !ok {
			continue
		}
		obs.Kind = kind
		if err := unmarshalCapture(&obs, v); err != nil {
			return obs, fmt.Errorf("%s: %w", kind, err)
		}
	}
	if obs.Kind == traffic.KindUnknown {
		return obs, fmt.Errorf("observation carries no capture message")
	}
	return obs, nil
}

func unmarshalCapture(obs *traffic.Observation, b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case obs.Kind.CarriesData() && num == DataField && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			obs.Data = append([]byte(nil), v...)
			n = m
		case obs.Kind == traffic.KindEndOfMessage && typ == protowire.VarintType &&
			(num == firstLineLenField || num == headersLenField):
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if num == firstLineLenField {
				obs.FirstLineLen = int32(v)
			} else {
				obs.HeadersLen = int32(v)
			}
			n = m
		case obs.Kind == traffic.KindConnectionException && num == exceptionMsgField && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			obs.Message = v
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return nil
}

func unmarshalTimestamp(b []byte) (time.Time, error) {
	var secs int64
	var nanos int32
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return time.Time{}, protowire.ParseError(n)
		}
		b = b[n:]
		if typ == protowire.VarintType && (num == timestampSecondsField || num == timestampNanosField) {
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return time.Time{}, protowire.ParseError(m)
			}
			if num == timestampSecondsField {
				secs = int64(v)
			} else {
				nanos = int32(v)
			}
			b = b[m:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return time.Time{}, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return time.Unix(secs, int64(nanos)).UTC(), nil
}
