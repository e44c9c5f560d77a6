package jlap

import (
	"bytes"
	"encoding/hex"
	stdjson "encoding/json"
	"fmt"
	"slices"
)

// ZeroIV is the initialisation value used when none is given.
const ZeroIV = "0000000000000000000000000000000000000000000000000000000000000000"

// Writer builds a patch log.
type Writer struct {
	url     string
	iv      string
	latest  string
	entries []Entry
}

// NewWriter starts an empty log for the document named url whose
// current content hash is latest.
func NewWriter(url, iv, latest string) *Writer {
	if iv == "" {
		iv = ZeroIV
	}
	return &Writer{url: url, iv: iv, latest: latest}
}

// Append adds a patch that turns the latest document into a
// document hashing to "to".
func (w *Writer) Append(to string, patch []byte) error {
	var buf bytes.Buffer
	if err := stdjson.Compact(&buf, patch); err != nil {
		return fmt.Errorf("compacting patch: %w", err)
	}
	seq := uint64(1)
	if n := len(w.entries); n > 0 {
		seq = w.entries[n-1].Seq + 1
	}
	w.entries = append(w.entries, Entry{
		Seq:   seq,
		From:  w.latest,
		To:    to,
		Patch: buf.Bytes(),
	})
	w.latest = to
	return nil
}

// Latest returns the hash of the newest document.
func (w *Writer) Latest() string {
	return w.latest
}

// Entries returns the entries appended so far.
func (w *Writer) Entries() []Entry {
	return w.entries
}

// Truncate drops every entry with a sequence number lower than seq,
// as a server does when trimming old history.
func (w *Writer) Truncate(seq uint64) {
	w.entries = slices.DeleteFunc(w.entries, func(e Entry) bool {
		return e.Seq < seq
	})
}

// Drop removes the entries with the given sequence numbers.
func (w *Writer) Drop(seqs ...uint64) {
	w.entries = slices.DeleteFunc(w.entries, func(e Entry) bool {
		return slices.Contains(seqs, e.Seq)
	})
}

// Bytes encodes the log including its footer and checksum.
func (w *Writer) Bytes() ([]byte, error) {
	state, err := decodeHex(w.iv)
	if err != nil {
		return nil, fmt.Errorf("initialisation value: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(w.iv)
	buf.WriteByte('\n')

	write := func(v any) error {
		line, err := json.Marshal(v)
		if err != nil {
			return err
		}
		state = chain(state, line)
		buf.Write(line)
		buf.WriteByte('\n')
		return nil
	}
	for _, e := range w.entries {
		if err := write(e); err != nil {
			return nil, fmt.Errorf("encoding entry %d: %w", e.Seq, err)
		}
	}
	footer := Footer{URL: w.url, Latest: w.latest}
	if n := len(w.entries); n > 0 {
		footer.Seq = w.entries[n-1].Seq
	}
	if err := write(footer); err != nil {
		return nil, fmt.Errorf("encoding footer: %w", err)
	}
	buf.WriteString(hex.EncodeToString(state))
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
