// Package encoder implements file format encoders.
package encoder

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/linkedin/goavro/v2"

	"github.com/jittakal/kaftraffic/internal/wire"
	"github.com/jittakal/kaftraffic/pkg/encoder"
	"github.com/jittakal/kaftraffic/pkg/traffic"
)

// Ensure implementation satisfies interface at compile time.
var _ encoder.Encoder = (*AvroEncoder)(nil)

// AvroEncoder implements encoder.Encoder for Apache Avro binary format.
// It produces OCF (Object Container File) output with optional gzip
// compression of the whole file.
type AvroEncoder struct {
	codec       *goavro.Codec
	compression string
	now         func() time.Time
}

// NewAvroEncoder creates a new Avro encoder with specified compression.
func NewAvroEncoder(compression string) (*AvroEncoder, error) {
	codec, err := goavro.NewCodec(avroSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to create avro codec: %w", err)
	}

	return &AvroEncoder{
		codec:       codec,
		compression: compression,
		now:         time.Now,
	}, nil
}

// avroSchema returns the Avro schema for archived traffic records.
func avroSchema() string {
	return `{
		"type": "record",
		"name": "TrafficRecord",
		"namespace": "io.kaftraffic.archive",
		"fields": [
			{"name": "node_id", "type": "string"},
			{"name": "connection_id", "type": "string"},
			{"name": "record_index", "type": "int"},
			{"name": "final", "type": "boolean"},
			{"name": "synthetic", "type": "boolean"},
			{"name": "handoff", "type": "boolean"},
			{"name": "prior_requests", "type": "int"},
			{"name": "unterminated_read", "type": "boolean"},
			{"name": "observation_count", "type": "int"},
			{"name": "payload_bytes", "type": "long"},
			{"name": "record", "type": "bytes"},
			{"name": "first_timestamp", "type": ["null", "string"], "default": null},
			{"name": "kafka_topic", "type": "string"},
			{"name": "kafka_partition", "type": "int"},
			{"name": "kafka_offset", "type": "long"},
			{"name": "archived_at", "type": "string"}
		]
	}`
}

func (e *AvroEncoder) gzipped() bool {
	return e.compression == "gzip" || e.compression == "GZIP"
}

// Encode writes items to an Avro file.
func (e *AvroEncoder) Encode(filePath string, items []traffic.Item) (*traffic.FileStats, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("no records to encode")
	}

	archivedAt := e.now().UTC()
	data, err := e.encode(items, archivedAt)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	return &traffic.FileStats{
		RecordCount:    len(items),
		SizeBytes:      int64(len(data)),
		FirstWriteTime: archivedAt,
		LastWriteTime:  e.now().UTC(),
	}, nil
}

// EncodeToBytes encodes items to an in-memory Avro file.
func (e *AvroEncoder) EncodeToBytes(items []traffic.Item) ([]byte, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("no records to encode")
	}
	return e.encode(items, e.now().UTC())
}

func (e *AvroEncoder) encode(items []traffic.Item, archivedAt time.Time) ([]byte, error) {
	var buf bytes.Buffer
	var writer io.Writer = &buf

	var gzipWriter *gzip.Writer
	if e.gzipped() {
		gzipWriter = gzip.NewWriter(&buf)
		writer = gzipWriter
	}

	ocfWriter, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:     writer,
		Codec: e.codec,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create OCF writer: %w", err)
	}

	for i := range items {
		avroMap, err := toAvroMap(&items[i], archivedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to convert record %d: %w", i, err)
		}
		if err := ocfWriter.Append([]interface{}{avroMap}); err != nil {
			return nil, fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}

	if gzipWriter != nil {
		if err := gzipWriter.Close(); err != nil {
			return nil, fmt.Errorf("failed to close gzip writer: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// toAvroMap converts an item to its Avro map representation.
func toAvroMap(item *traffic.Item, archivedAt time.Time) (map[string]interface{}, error) {
	r := &item.Record
	encoded, err := wire.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}

	avroMap := map[string]interface{}{
		"node_id":           r.NodeID,
		"connection_id":     r.ConnectionID,
		"record_index":      r.Index,
		"final":             r.Final,
		"synthetic":         item.Synthetic,
		"handoff":           item.Handoff,
		"prior_requests":    r.PriorRequestsReceived,
		"unterminated_read": r.LastObservationWasUnterminatedRead,
		"observation_count": int32(r.ObservationCount()),
		"payload_bytes":     int64(r.PayloadSize()),
		"record":            encoded,
		"kafka_topic":       item.Partition.Topic,
		"kafka_partition":   item.Partition.Partition,
		"kafka_offset":      itemOffset(item),
		"archived_at":       archivedAt.Format(time.RFC3339Nano),
	}

	if ts := r.FirstTimestamp(); !ts.IsZero() {
		avroMap["first_timestamp"] = goavro.Union("string", ts.UTC().Format(time.RFC3339Nano))
	} else {
		avroMap["first_timestamp"] = nil
	}

	return avroMap, nil
}

// Format returns the file format.
func (e *AvroEncoder) Format() traffic.FileFormat {
	return traffic.FormatAvro
}

// FileExtension returns the file extension.
func (e *AvroEncoder) FileExtension() string {
	if e.gzipped() {
		return ".avro.gz"
	}
	return ".avro"
}
