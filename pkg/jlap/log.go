// Package jlap reads and writes patch logs for repodata.json
// documents and applies them to a cached copy.
//
// A log is a sequence of newline separated lines:
//
//	<initialisation value, 64 hex chars>
//	{"seq":1,"from":"<hash>","to":"<hash>","patch":[...]}
//	...
//	{"url":"repodata.json","seq":n,"latest":"<hash>"}
//	<checksum, 64 hex chars>
//
// Each line is chained into a keyed BLAKE2b-256 running checksum
// starting at the initialisation value. The last line holds the
// checksum after the footer.
package jlap

import (
	"bytes"
	"encoding/hex"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/crypto/blake2b"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Entry is a single patch in the log.
type Entry struct {
	Seq   uint64              `json:"seq"`
	From  string              `json:"from"`
	To    string              `json:"to"`
	Patch jsoniter.RawMessage `json:"patch"`
}

// Footer names the latest document the log leads to.
type Footer struct {
	URL    string `json:"url"`
	Seq    uint64 `json:"seq"`
	Latest string `json:"latest"`
}

// Log is a parsed, checksum-verified patch log.
type Log struct {
	IV       string
	Entries  []Entry
	Footer   Footer
	Checksum string
}

// Parse reads a patch log and verifies its running checksum.
func Parse(b []byte) (*Log, error) {
	lines := bytes.Split(bytes.TrimSuffix(b, []byte("\n")), []byte("\n"))
	if len(lines) < 3 {
		return nil, fmt.Errorf("%w: expected at least 3 lines, got %d", ErrMalformedLog, len(lines))
	}
	iv := string(lines[0])
	state, err := decodeHex(iv)
	if err != nil {
		return nil, fmt.Errorf("%w: initialisation value: %w", ErrMalformedLog, err)
	}

	log := &Log{IV: iv}
	body := lines[1 : len(lines)-1]
	for i, line := range body {
		state = chain(state, line)
		if i == len(body)-1 {
			if err := json.Unmarshal(line, &log.Footer); err != nil {
				return nil, fmt.Errorf("%w: footer: %w", ErrMalformedLog, err)
			}
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", ErrMalformedLog, i+2, err)
		}
		if n := len(log.Entries); n > 0 && e.Seq <= log.Entries[n-1].Seq {
			return nil, fmt.Errorf("%w: sequence %d follows %d", ErrMalformedLog, e.Seq, log.Entries[n-1].Seq)
		}
		log.Entries = append(log.Entries, e)
	}
	log.Checksum = string(lines[len(lines)-1])
	if want := hex.EncodeToString(state); log.Checksum != want {
		return nil, fmt.Errorf("%w: checksum %s does not match %s", ErrMalformedLog, log.Checksum, want)
	}
	if log.Footer.Latest == "" {
		return nil, fmt.Errorf("%w: footer has no latest hash", ErrMalformedLog)
	}
	return log, nil
}

// Last returns the sequence number of the newest entry.
func (l *Log) Last() uint64 {
	if len(l.Entries) == 0 {
		return l.Footer.Seq
	}
	return l.Entries[len(l.Entries)-1].Seq
}

func chain(state, line []byte) []byte {
	h, _ := blake2b.New256(state)
	h.Write(line)
	return h.Sum(nil)
}

func decodeHex(s string) ([]byte, error) {
	if len(s) != blake2b.Size256*2 {
		return nil, fmt.Errorf("expected %d hex characters, got %d", blake2b.Size256*2, len(s))
	}
	return hex.DecodeString(s)
}
