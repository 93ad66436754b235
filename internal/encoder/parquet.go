// Package encoder implements file format encoders.
package encoder

import (
	"fmt"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/jittakal/kaftraffic/internal/wire"
	"github.com/jittakal/kaftraffic/pkg/encoder"
	"github.com/jittakal/kaftraffic/pkg/traffic"
)

// Ensure implementation satisfies interface at compile time.
var _ encoder.Encoder = (*ParquetEncoder)(nil)

// TrafficRecordParquet is the Parquet schema for one archived traffic record.
// The full record is kept in wire form in Record; the other columns are
// projections for querying. Timestamps use TIMESTAMP_MICROS for Athena.
type TrafficRecordParquet struct {
	NodeID           string `parquet:"node_id,dict"`
	ConnectionID     string `parquet:"connection_id,dict"`
	RecordIndex      int32  `parquet:"record_index"`
	Final            bool   `parquet:"final"`
	Synthetic        bool   `parquet:"synthetic"`
	Handoff          bool   `parquet:"handoff"`
	PriorRequests    int32  `parquet:"prior_requests"`
	UnterminatedRead bool   `parquet:"unterminated_read"`
	ObservationCount int32  `parquet:"observation_count"`
	PayloadBytes     int64  `parquet:"payload_bytes"`
	Record           []byte `parquet:"record"`

	FirstTimestamp *time.Time `parquet:"first_timestamp,timestamp(microsecond),optional"`

	// Log position; offset is -1 for synthetic records.
	KafkaTopic     string `parquet:"kafka_topic,dict"`
	KafkaPartition int32  `parquet:"kafka_partition"`
	KafkaOffset    int64  `parquet:"kafka_offset"`

	ArchivedAt time.Time `parquet:"archived_at,timestamp(microsecond)"`
}

// ParquetEncoder implements encoder.Encoder for Apache Parquet columnar format.
// Supports SNAPPY (default), GZIP, LZ4 and ZSTD compression.
type ParquetEncoder struct {
	compressionName string
	now             func() time.Time
}

// NewParquetEncoder creates a new Parquet encoder with specified compression.
func NewParquetEncoder(compression string) *ParquetEncoder {
	return &ParquetEncoder{
		compressionName: compression,
		now:             time.Now,
	}
}

// compressionCodec converts string compression name to parquet WriterOption.
func compressionCodec(compression string) parquet.WriterOption {
	switch compression {
	case "snappy", "SNAPPY":
		return parquet.Compression(&parquet.Snappy)
	case "gzip", "GZIP":
		return parquet.Compression(&parquet.Gzip)
	case "lz4", "LZ4":
		return parquet.Compression(&parquet.Lz4Raw)
	case "zstd", "ZSTD":
		return parquet.Compression(&parquet.Zstd)
	case "uncompressed", "UNCOMPRESSED", "none", "NONE":
		return parquet.Compression(&parquet.Uncompressed)
	default:
		return parquet.Compression(&parquet.Snappy)
	}
}

// Encode writes items to a Parquet file.
func (e *ParquetEncoder) Encode(filePath string, items []traffic.Item) (*traffic.FileStats, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("no records to encode")
	}

	archivedAt := e.now().UTC()
	rows := make([]TrafficRecordParquet, len(items))
	for i := range items {
		row, err := toParquetRow(&items[i], archivedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to convert record %d: %w", i, err)
		}
		rows[i] = row
	}

	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	schema := parquet.SchemaOf(new(TrafficRecordParquet))
	writer := parquet.NewGenericWriter[TrafficRecordParquet](
		file,
		schema,
		compressionCodec(e.compressionName),
		parquet.CreatedBy("kaftraffic-archiver", "1.0", "0"),
	)

	if _, err := writer.Write(rows); err != nil {
		writer.Close()
		file.Close()
		return nil, fmt.Errorf("failed to write records: %w", err)
	}

	if err := writer.Close(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}

	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}

	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	return &traffic.FileStats{
		RecordCount:    len(items),
		SizeBytes:      fileInfo.Size(),
		FirstWriteTime: archivedAt,
		LastWriteTime:  e.now().UTC(),
	}, nil
}

// toParquetRow converts an item to its Parquet row.
func toParquetRow(item *traffic.Item, archivedAt time.Time) (TrafficRecordParquet, error) {
	r := &item.Record
	encoded, err := wire.Marshal(r)
	if err != nil {
		return TrafficRecordParquet{}, fmt.Errorf("failed to encode record: %w", err)
	}

	row := TrafficRecordParquet{
		NodeID:           r.NodeID,
		ConnectionID:     r.ConnectionID,
		RecordIndex:      r.Index,
		Final:            r.Final,
		Synthetic:        item.Synthetic,
		Handoff:          item.Handoff,
		PriorRequests:    r.PriorRequestsReceived,
		UnterminatedRead: r.LastObservationWasUnterminatedRead,
		ObservationCount: int32(r.ObservationCount()),
		PayloadBytes:     int64(r.PayloadSize()),
		Record:           encoded,
		KafkaTopic:       item.Partition.Topic,
		KafkaPartition:   item.Partition.Partition,
		KafkaOffset:      itemOffset(item),
		ArchivedAt:       archivedAt,
	}
	if ts := r.FirstTimestamp(); !ts.IsZero() {
		ts = ts.UTC()
		row.FirstTimestamp = &ts
	}
	return row, nil
}

// itemOffset returns the log offset of item, or -1 when it has none.
func itemOffset(item *traffic.Item) int64 {
	if item.Key == nil {
		return -1
	}
	return item.Key.Offset
}

// Format returns the file format.
func (e *ParquetEncoder) Format() traffic.FileFormat {
	return traffic.FormatParquet
}

// FileExtension returns the file extension.
func (e *ParquetEncoder) FileExtension() string {
	return ".parquet"
}
