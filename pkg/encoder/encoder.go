// Package encoder defines interfaces for encoding traffic items to archive
// file formats.
package encoder

import "github.com/jittakal/kaftraffic/pkg/traffic"

// Encoder encodes items to a specific file format.
type Encoder interface {
	// Encode writes items to a file and returns file statistics.
	Encode(filePath string, items []traffic.Item) (*traffic.FileStats, error)

	// Format returns the file format this encoder produces.
	Format() traffic.FileFormat

	// FileExtension returns the file extension (e.g., ".parquet", ".avro").
	FileExtension() string
}
