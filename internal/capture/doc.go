// Package capture turns the observations of live connections into
// size-bounded traffic records and hands them to a sink.
//
// A Serializer owns the open record of one connection. Reads and writes that
// cannot fit a fresh record are split into segments followed by an
// end-of-segments marker, so no emitted record exceeds the configured
// capacity:
//
//	factory := capture.NewFactory(ctx, capture.FactoryConfig{
//	    NodeID:         "proxy-1",
//	    BufferCapacity: 1024 * 1024,
//	}, capture.NewKafkaRetirer(producer, "traffic"), logger, metrics)
//
//	s := factory.New(connectionID)
//	_ = s.RecordConnect(time.Now())
//	_ = s.RecordRead(time.Now(), request)
//	completion, err := s.Rotate(true)
//
// # Retirement order
//
// Closed records go to a Manager. The ordered manager retires the records of
// a connection strictly in close order, chaining each retirement behind the
// previous one; a failed retirement is logged and does not block later ones.
// The unordered manager retires immediately.
//
// # Sinks
//
// KafkaRetirer publishes each record keyed by connection id. FileRetirer
// appends varint length-delimited records that ReadDelimited reads back.
package capture
