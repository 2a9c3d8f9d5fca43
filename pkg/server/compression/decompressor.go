package compression

import (
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/datadog/zstd"
	"github.com/pierrec/lz4"
	"github.com/ulikunitz/xz"
)

// ErrUnsupported is returned for compression types or content encodings we can't handle.
var ErrUnsupported = errors.New("unsupported compression")

// contentEncodingToType maps from a Content-Encoding header value to the compression type.
var contentEncodingToType = map[string]string{
	"":         "none",
	"identity": "none",
	"br":       "br",
	"bzip2":    "bzip2",
	"gzip":     "gzip",
	"x-gzip":   "gzip",
	"lz4":      "lz4",
	"xz":       "xz",
	"zstd":     "zstd",
}

// ContentEncodingToType returns the compression type for a Content-Encoding header value.
// Stacked encodings ("gzip, br") are not supported.
func ContentEncodingToType(contentEncoding string) (string, error) {
	if compressionType, ok := contentEncodingToType[strings.ToLower(strings.TrimSpace(contentEncoding))]; ok {
		return compressionType, nil
	}

	return "", fmt.Errorf("%w: content encoding %v", ErrUnsupported, contentEncoding)
}

// NewDecompressor decompresses contents from an io.Reader
// The compression type needs to be specified upfront.
// It's the callers responsibility to close the reader when done.
func NewDecompressor(r io.Reader, compressionType string) (io.ReadCloser, error) {
	switch compressionType {
	case "none":
		return io.NopCloser(r), nil
	case "br":
		return io.NopCloser(brotli.NewReader(r)), nil
	case "bzip2":
		return io.NopCloser(bzip2.NewReader(r)), nil
	case "gzip":
		gzipReader, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}

		return gzipReader, nil
	case "lz4":
		return io.NopCloser(lz4.NewReader(r)), nil
	case "xz":
		xzReader, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}

		return io.NopCloser(xzReader), nil
	case "zstd":
		return zstd.NewReader(r), nil
	}

	return nil, fmt.Errorf("%w: %v", ErrUnsupported, compressionType)
}
