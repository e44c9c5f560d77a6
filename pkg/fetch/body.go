package fetch

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
)

// netReader marks errors of the raw response body as network
// errors and reports progress.
type netReader struct {
	r          io.Reader
	downloaded int64
	progress   func(n int64)
}

func (n *netReader) Read(p []byte) (int, error) {
	c, err := n.r.Read(p)
	if c > 0 {
		n.downloaded += int64(c)
		if n.progress != nil {
			n.progress(n.downloaded)
		}
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return c, fmt.Errorf("%w: reading response: %w", ErrNetwork, err)
	}
	return c, err
}

// documentReader checks the decompressed document as it is read.
// At the end of the stream it verifies that the document looks
// like a JSON object and, if known, that it has the expected hash.
type documentReader struct {
	r      io.Reader
	hash   hash.Hash
	want   string
	first  byte
	last   byte
	length int64
}

func newDocumentReader(r io.Reader, want string) *documentReader {
	h, _ := blake2b.New256(nil)
	return &documentReader{r: r, hash: h, want: want}
}

func (d *documentReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		d.hash.Write(p[:n])
		d.length += int64(n)
		chunk := bytes.TrimSpace(p[:n])
		if len(chunk) > 0 {
			if d.first == 0 {
				d.first = chunk[0]
			}
			d.last = chunk[len(chunk)-1]
		}
	}
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, io.EOF) {
		if errors.Is(err, ErrNetwork) {
			return n, err
		}
		return n, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if d.first != '{' || d.last != '}' {
		return n, fmt.Errorf("%w: document is not a JSON object", ErrMalformed)
	}
	if d.want != "" {
		if sum := hex.EncodeToString(d.hash.Sum(nil)); sum != d.want {
			return n, fmt.Errorf("%w: document hash %s does not match advertised %s", ErrMalformed, sum, d.want)
		}
	}
	return n, io.EOF
}
