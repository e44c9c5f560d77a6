package requestutil

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-logr/logr"
	"github.com/klauspost/compress/zstd"
	"github.com/mholt/archives"
)

var ContentTypesGzip = []string{
	"application/gzip",
	"application/x-gzip",
}

var ContentTypesZstd = []string{
	"application/zstd",
	"application/x-zstd",
}

var ContentTypesBzip2 = []string{
	"application/x-bzip2",
	"application/x-bzip",
}

// Compression is the encoding of a response body.
type Compression int

const (
	None Compression = iota
	Gzip
	Zstd
	Bzip2
)

func (c Compression) String() string {
	switch c {
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	case Bzip2:
		return "bzip2"
	default:
		return "none"
	}
}

// Detect works out how a response body is compressed from its
// Content-Encoding, its Content-Type and finally the url it was
// requested from.
func Detect(contentType, contentEncoding, url string) Compression {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "gzip", "x-gzip":
		return Gzip
	case "zstd":
		return Zstd
	case "bzip2":
		return Bzip2
	}
	switch {
	case isGzipped(contentType):
		return Gzip
	case mimetype.EqualsAny(contentType, ContentTypesZstd...):
		return Zstd
	case mimetype.EqualsAny(contentType, ContentTypesBzip2...):
		return Bzip2
	}
	path, _, _ := strings.Cut(url, "?")
	switch {
	case strings.HasSuffix(path, ".zst"):
		return Zstd
	case strings.HasSuffix(path, ".gz"):
		return Gzip
	case strings.HasSuffix(path, ".bz2"):
		return Bzip2
	}
	return None
}

// NewReader wraps r so that reading from it returns the
// decompressed stream.
func NewReader(ctx context.Context, r io.Reader, c Compression) (io.ReadCloser, error) {
	log := logr.FromContextOrDiscard(ctx)
	switch c {
	case Gzip:
		log.V(8).Info("decompressing gzip response")
		dec, err := archives.Gz{}.OpenReader(r)
		if err != nil {
			return nil, fmt.Errorf("decompressing: %w", err)
		}
		return dec, nil
	case Bzip2:
		log.V(8).Info("decompressing bzip2 response")
		dec, err := archives.Bz2{}.OpenReader(r)
		if err != nil {
			return nil, fmt.Errorf("decompressing: %w", err)
		}
		return dec, nil
	case Zstd:
		log.V(8).Info("decompressing zstd response")
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("decompressing: %w", err)
		}
		return dec.IOReadCloser(), nil
	default:
		return io.NopCloser(r), nil
	}
}

func isGzipped(s string) bool {
	return mimetype.EqualsAny(s, ContentTypesGzip...)
}
