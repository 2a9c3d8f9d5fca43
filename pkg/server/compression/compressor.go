package compression

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/datadog/zstd"
)

// NewCompressor returns an io.WriteCloser that compresses its input.
// The compression type needs to be specified upfront.
// Only cheap compression is supported, as this is assembled on the fly while serving a blob.
// It's the callers responsibility to close the writer when done.
func NewCompressor(w io.Writer, compressionType string) (io.WriteCloser, error) {
	switch compressionType {
	case "br":
		b := brotli.NewWriterLevel(w, brotli.BestSpeed)

		return b, nil
	case "gzip":
		return gzip.NewWriterLevel(w, gzip.BestSpeed)
	case "zstd":
		z := zstd.NewWriterLevel(w, zstd.BestSpeed)

		return z, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrUnsupported, compressionType)
}
