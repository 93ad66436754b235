package capture

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jittakal/kaftraffic/internal/errors"
	"github.com/jittakal/kaftraffic/internal/wire"
	"github.com/jittakal/kaftraffic/pkg/traffic"
)

// Serializer packs the observations of one connection into a succession of
// bounded records. It is not safe for concurrent use.
type Serializer[T any] struct {
	connectionID string
	nodeID       string
	manager      Manager[T]
	logger       *zap.Logger
	metrics      MetricsCollector

	current          *BufferHolder
	flushCount       int32
	priorRequests    int32
	unterminatedRead bool
	firstLineLen     *int32
	headersLen       *int32
	closed           bool
}

// NewSerializer creates a serializer for one connection.
func NewSerializer[T any](
	connectionID, nodeID string,
	manager Manager[T],
	logger *zap.Logger,
	metrics MetricsCollector,
) *Serializer[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Serializer[T]{
		connectionID: connectionID,
		nodeID:       nodeID,
		manager:      manager,
		logger:       logger.With(zap.String("connection_id", connectionID)),
		metrics:      metrics,
	}
}

// ConnectionID returns the connection this serializer writes for.
func (s *Serializer[T]) ConnectionID() string {
	return s.connectionID
}

// Closed reports whether the final record has been emitted.
func (s *Serializer[T]) Closed() bool {
	return s.closed
}

func (s *Serializer[T]) headerSize() int {
	return wire.HeaderSize(s.connectionID, s.nodeID, s.priorRequests, s.unterminatedRead)
}

// freshSpace returns the room for observations in a new buffer, or false
// when buffers are unbounded.
func (s *Serializer[T]) freshSpace() (int, bool) {
	capacity := s.manager.BufferCapacity()
	if capacity <= 0 {
		return 0, false
	}
	return capacity - s.headerSize(), true
}

func (s *Serializer[T]) buffer() (*BufferHolder, error) {
	if s.current != nil {
		return s.current, nil
	}
	h := s.manager.CreateBuffer()
	size := s.headerSize()
	if !h.fits(size) {
		return nil, fmt.Errorf("%w: header needs %d bytes, capacity %d", errors.ErrCapacityTooSmall, size, h.Capacity())
	}
	err := h.write(size, func(b []byte) []byte {
		return wire.AppendHeader(b, s.connectionID, s.nodeID, s.priorRequests, s.unterminatedRead)
	})
	if err != nil {
		return nil, s.accountingFailure(err)
	}
	s.current = h
	return h, nil
}

func (s *Serializer[T]) accountingFailure(err error) error {
	s.logger.Error("capture buffer space accounting diverged from encoding",
		zap.Int32("next_index", s.flushCount+1),
		zap.Error(err),
	)
	return err
}

// entrySize returns the encoded size of obs together with the closing index
// of the current record.
func (s *Serializer[T]) entrySize(obs *traffic.Observation) int {
	return wire.ObservationEntrySize(obs) + wire.IndexSize(s.flushCount+1, true)
}

func (s *Serializer[T]) appendObservation(h *BufferHolder, obs *traffic.Observation) error {
	size := wire.ObservationEntrySize(obs)
	var encodeErr error
	err := h.write(size, func(b []byte) []byte {
		out, err := wire.AppendObservation(b, obs)
		encodeErr = err
		return out
	})
	if encodeErr != nil {
		return encodeErr
	}
	if err != nil {
		return s.accountingFailure(err)
	}
	return nil
}

// writeObservation writes one non-data observation, rotating first when
// the current buffer cannot hold it.
func (s *Serializer[T]) writeObservation(obs traffic.Observation) error {
	if s.closed {
		return errors.ErrStreamAlreadyClosed
	}
	h, err := s.buffer()
	if err != nil {
		return err
	}
	need := s.entrySize(&obs)
	if !h.fits(need) {
		if fresh, _ := s.freshSpace(); need > fresh {
			return fmt.Errorf("%w: %s needs %d bytes, fresh space %d", errors.ErrCapacityTooSmall, obs.Kind, need, fresh)
		}
		if _, err := s.Rotate(false); err != nil {
			return err
		}
		if h, err = s.buffer(); err != nil {
			return err
		}
	}
	return s.appendObservation(h, &obs)
}

// writeData writes a read or write payload, splitting it into segments
// when it cannot fit a fresh buffer.
func (s *Serializer[T]) writeData(ts time.Time, kind, segmentKind traffic.ObservationKind, data []byte) error {
	if s.closed {
		return errors.ErrStreamAlreadyClosed
	}
	field, _ := wire.FieldForKind(kind)
	worst := wire.MaxSegmentedObservationSize(ts, field, wire.DataField, len(data))

	h, err := s.buffer()
	if err != nil {
		return err
	}
	if h.fits(worst) {
		return s.appendObservation(h, &traffic.Observation{Timestamp: ts, Kind: kind, Data: data})
	}

	fresh, _ := s.freshSpace()
	if worst <= fresh {
		if _, err := s.Rotate(false); err != nil {
			return err
		}
		if h, err = s.buffer(); err != nil {
			return err
		}
		return s.appendObservation(h, &traffic.Observation{Timestamp: ts, Kind: kind, Data: data})
	}

	return s.writeSegments(ts, kind, segmentKind, worst-len(data), data)
}

func (s *Serializer[T]) writeSegments(ts time.Time, kind, segmentKind traffic.ObservationKind, overhead int, data []byte) error {
	if fresh, _ := s.freshSpace(); fresh < overhead+1 {
		return fmt.Errorf("%w: segment overhead %d, fresh space %d", errors.ErrCapacityTooSmall, overhead, fresh)
	}

	h, err := s.buffer()
	if err != nil {
		return err
	}
	if !h.fits(overhead + 1) {
		if _, err := s.Rotate(false); err != nil {
			return err
		}
		if h, err = s.buffer(); err != nil {
			return err
		}
	}

	if s.metrics != nil {
		s.metrics.IncSegmentedObservations(kind.String())
	}
	s.logger.Debug("segmenting oversized payload",
		zap.String("kind", kind.String()),
		zap.Int("bytes", len(data)),
	)

	for off := 0; off < len(data); {
		space, _ := h.SpaceLeft()
		chunk := min(space-overhead, len(data)-off)
		seg := traffic.Observation{Timestamp: ts, Kind: segmentKind, Data: data[off : off+chunk]}
		if err := s.appendObservation(h, &seg); err != nil {
			return err
		}
		off += chunk
		if off < len(data) {
			if _, err := s.Rotate(false); err != nil {
				return err
			}
			if h, err = s.buffer(); err != nil {
				return err
			}
		}
	}
	return s.writeObservation(traffic.Observation{Timestamp: ts, Kind: traffic.KindEndOfSegments})
}

// RecordRead records bytes read from the client.
func (s *Serializer[T]) RecordRead(ts time.Time, data []byte) error {
	if err := s.writeData(ts, traffic.KindRead, traffic.KindReadSegment, data); err != nil {
		return err
	}
	s.unterminatedRead = true
	return nil
}

// RecordWrite records bytes written back to the client.
func (s *Serializer[T]) RecordWrite(ts time.Time, data []byte) error {
	return s.writeData(ts, traffic.KindWrite, traffic.KindWriteSegment, data)
}

// RecordBind records the proxy binding its listening socket.
func (s *Serializer[T]) RecordBind(ts time.Time) error {
	return s.writeObservation(traffic.Observation{Timestamp: ts, Kind: traffic.KindBind})
}

// RecordConnect records the client connecting.
func (s *Serializer[T]) RecordConnect(ts time.Time) error {
	return s.writeObservation(traffic.Observation{Timestamp: ts, Kind: traffic.KindConnect})
}

// RecordDisconnect records the client disconnecting.
func (s *Serializer[T]) RecordDisconnect(ts time.Time) error {
	return s.writeObservation(traffic.Observation{Timestamp: ts, Kind: traffic.KindDisconnect})
}

// RecordClose records the connection being closed.
func (s *Serializer[T]) RecordClose(ts time.Time) error {
	return s.writeObservation(traffic.Observation{Timestamp: ts, Kind: traffic.KindClose})
}

// RecordDeregister records the channel being deregistered.
func (s *Serializer[T]) RecordDeregister(ts time.Time) error {
	return s.writeObservation(traffic.Observation{Timestamp: ts, Kind: traffic.KindDeregister})
}

// RecordException records an error raised on the connection.
func (s *Serializer[T]) RecordException(ts time.Time, message string) error {
	return s.writeObservation(traffic.Observation{Timestamp: ts, Kind: traffic.KindConnectionException, Message: message})
}

// RecordRequestDropped records that the current request was deliberately
// not captured.
func (s *Serializer[T]) RecordRequestDropped(ts time.Time) error {
	return s.writeObservation(traffic.Observation{Timestamp: ts, Kind: traffic.KindRequestDropped})
}

// RecordEndOfFirstLine stores the request line length for the next
// end-of-message observation.
func (s *Serializer[T]) RecordEndOfFirstLine(n int32) error {
	if s.closed {
		return errors.ErrStreamAlreadyClosed
	}
	s.firstLineLen = &n
	return nil
}

// RecordEndOfHeaders stores the headers length for the next end-of-message
// observation.
func (s *Serializer[T]) RecordEndOfHeaders(n int32) error {
	if s.closed {
		return errors.ErrStreamAlreadyClosed
	}
	s.headersLen = &n
	return nil
}

// RecordEndOfMessage closes the current request. Both indicator lengths
// must have been recorded.
func (s *Serializer[T]) RecordEndOfMessage(ts time.Time) error {
	if s.closed {
		return errors.ErrStreamAlreadyClosed
	}
	if s.firstLineLen == nil || s.headersLen == nil {
		return errors.ErrMissingIndicators
	}
	obs := traffic.Observation{
		Timestamp:    ts,
		Kind:         traffic.KindEndOfMessage,
		FirstLineLen: *s.firstLineLen,
		HeadersLen:   *s.headersLen,
	}
	if err := s.writeObservation(obs); err != nil {
		return err
	}
	s.unterminatedRead = false
	s.priorRequests++
	s.firstLineLen, s.headersLen = nil, nil
	return nil
}

// Rotate closes the current record with the next index and hands it to the
// manager. A non-final rotation without an open record resolves
// immediately. A final rotation always emits a record and closes the
// stream.
func (s *Serializer[T]) Rotate(final bool) (*Completion[T], error) {
	var zero T
	if s.closed {
		return nil, errors.ErrStreamAlreadyClosed
	}
	if s.current == nil {
		if !final {
			return Completed(zero, nil), nil
		}
		if _, err := s.buffer(); err != nil {
			return nil, err
		}
	}

	h := s.current
	index := s.flushCount + 1
	err := h.write(wire.IndexSize(index, final), func(b []byte) []byte {
		return wire.AppendIndex(b, index, final)
	})
	if err != nil {
		return nil, s.accountingFailure(err)
	}

	s.flushCount = index
	s.current = nil
	if final {
		s.closed = true
	}
	return s.manager.CloseBuffer(h, index), nil
}
