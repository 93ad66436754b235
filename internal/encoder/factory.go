// Package encoder implements encoder factory for creating file format encoders.
package encoder

import (
	"fmt"

	"github.com/jittakal/kaftraffic/pkg/encoder"
	"github.com/jittakal/kaftraffic/pkg/traffic"
)

// Factory creates encoders based on format and configuration.
type Factory struct {
	format      traffic.FileFormat
	compression string
}

// NewFactory creates a new encoder factory.
func NewFactory(format traffic.FileFormat, compression string) *Factory {
	return &Factory{
		format:      format,
		compression: compression,
	}
}

// CreateEncoder creates an encoder based on the configured format.
func (f *Factory) CreateEncoder() (encoder.Encoder, error) {
	switch f.format {
	case traffic.FormatParquet:
		return NewParquetEncoder(f.compression), nil
	case traffic.FormatAvro:
		return NewAvroEncoder(f.compression)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", f.format)
	}
}

// SupportedFormats returns a list of supported file formats.
func SupportedFormats() []traffic.FileFormat {
	return []traffic.FileFormat{
		traffic.FormatParquet,
		traffic.FormatAvro,
	}
}

// SupportedCompressions returns supported compression codecs for a given format.
func SupportedCompressions(format traffic.FileFormat) []string {
	switch format {
	case traffic.FormatParquet:
		return []string{"uncompressed", "snappy", "gzip", "lz4", "zstd"}
	case traffic.FormatAvro:
		return []string{"uncompressed", "gzip"}
	default:
		return []string{}
	}
}

// DefaultCompression returns the default compression for a format.
func DefaultCompression(format traffic.FileFormat) string {
	switch format {
	case traffic.FormatParquet:
		return "snappy"
	case traffic.FormatAvro:
		return "gzip"
	default:
		return "uncompressed"
	}
}
