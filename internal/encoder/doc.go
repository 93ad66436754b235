// Package encoder writes archived traffic items to analytics file formats.
//
// # Supported Formats
//
//   - Parquet: columnar, queryable from Athena and BigQuery
//   - Avro: row-based OCF with the schema embedded
//
// Each archived row carries the full record in wire form in the record
// column, next to projections (node, connection, index, payload size, first
// observation time, log position) that can be queried without decoding it.
// Synthetic close records have a kafka_offset of -1 and no first_timestamp.
//
// # Encoder Factory
//
//	factory := encoder.NewFactory(traffic.FormatParquet, "snappy")
//	enc, err := factory.CreateEncoder()
//	if err != nil {
//	    return err
//	}
//	stats, err := enc.Encode(filePath, items)
//
// # Compression Options
//
//	Parquet: "snappy" (default), "gzip", "lz4", "zstd", "uncompressed"
//	Avro:    "gzip" (default, whole file), "uncompressed"
//
// # Thread Safety
//
// Encoders hold no mutable state and may be shared between goroutines.
package encoder
