package repodata

import (
	"bytes"
	"encoding/hex"
	stdjson "encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the length of a hex encoded content hash.
const HashSize = blake2b.Size256 * 2

// Hash returns the hex encoded BLAKE2b-256 digest of b.
func Hash(b []byte) string {
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Canonical re-encodes a JSON document with sorted keys and
// two-space indentation. Number literals are kept verbatim.
// Two documents with the same content produce the same bytes.
func Canonical(b []byte) ([]byte, error) {
	dec := stdjson.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return CanonicalValue(v)
}

// CanonicalValue encodes v the way Canonical does.
func CanonicalValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := stdjson.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
