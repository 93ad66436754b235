// Package traffic defines the captured-traffic record model and the public
// contracts shared by the capture and replay sides.
//
// # Records
//
// A Record is one size-bounded chunk of a single connection's traffic:
//
//	rec := traffic.Record{
//	    ConnectionID: "c-1",
//	    NodeID:       "proxy-a",
//	    Observations: []traffic.Observation{
//	        {Timestamp: ts, Kind: traffic.KindRead, Data: []byte("GET / HTTP/1.1\r\n")},
//	    },
//	    Index: 1,
//	}
//
// Records of a connection are numbered from 1 and only the last one is Final.
// Payloads larger than a record are split into KindReadSegment or
// KindWriteSegment observations followed by one KindEndOfSegments.
//
// # Replay
//
// A Source yields Items. Each non-synthetic item carries a CommitOffsetKey
// that must be handed back through Source.Commit once the item has been
// fully processed:
//
//	items, err := src.ReadNextChunk(ctx)
//	for _, it := range items {
//	    process(it)
//	    _ = src.Commit(it.Key)
//	}
//
// Synthetic items are close signals for connections whose partition was
// reassigned away. They have a nil Key.
package traffic
