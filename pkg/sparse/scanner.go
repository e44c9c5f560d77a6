package sparse

import (
	"fmt"
)

// span is a region of the document, stored as an offset and a
// length so that it stays valid regardless of how the document
// buffer is held.
type span struct {
	off int
	len int
}

func (s span) end() int {
	return s.off + s.len
}

// scanner walks a JSON document without decoding it.
type scanner struct {
	data []byte
	pos  int
}

func (s *scanner) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: offset %d: %s", ErrMalformed, s.pos, fmt.Sprintf(format, args...))
}

func (s *scanner) ws() {
	for s.pos < len(s.data) {
		switch s.data[s.pos] {
		case ' ', '\t', '\n', '\r':
			s.pos++
		default:
			return
		}
	}
}

// peek returns the next non-whitespace byte without consuming it.
func (s *scanner) peek() (byte, bool) {
	s.ws()
	if s.pos >= len(s.data) {
		return 0, false
	}
	return s.data[s.pos], true
}

func (s *scanner) expect(c byte) error {
	if b, ok := s.peek(); !ok || b != c {
		return s.errorf("expected %q", c)
	}
	s.pos++
	return nil
}

// str consumes a string and returns the span of its content
// without the quotes, and whether it contains escape sequences.
func (s *scanner) str() (span, bool, error) {
	if err := s.expect('"'); err != nil {
		return span{}, false, err
	}
	start := s.pos
	escaped := false
	for i := start; i < len(s.data); i++ {
		switch s.data[i] {
		case '\\':
			escaped = true
			i++
		case '"':
			s.pos = i + 1
			return span{off: start, len: i - start}, escaped, nil
		}
	}
	return span{}, false, s.errorf("unterminated string")
}

// skip consumes any value and returns its span.
func (s *scanner) skip() (span, error) {
	c, ok := s.peek()
	if !ok {
		return span{}, s.errorf("unexpected end of document")
	}
	start := s.pos
	switch c {
	case '"':
		if _, _, err := s.str(); err != nil {
			return span{}, err
		}
	case '{', '[':
		depth := 0
	loop:
		for s.pos < len(s.data) {
			switch s.data[s.pos] {
			case '"':
				if _, _, err := s.str(); err != nil {
					return span{}, err
				}
				continue
			case '{', '[':
				depth++
			case '}', ']':
				depth--
				if depth == 0 {
					s.pos++
					break loop
				}
			}
			s.pos++
		}
		if depth != 0 {
			return span{}, s.errorf("unterminated value")
		}
	case ',', ':', '}', ']':
		return span{}, s.errorf("unexpected %q", c)
	default:
		// numbers and literals
		for s.pos < len(s.data) {
			switch s.data[s.pos] {
			case ',', '}', ']', ' ', '\t', '\n', '\r':
				return span{off: start, len: s.pos - start}, nil
			}
			s.pos++
		}
	}
	return span{off: start, len: s.pos - start}, nil
}

// object consumes an object, calling fn for every member once its
// key and colon have been read. fn must consume the value.
func (s *scanner) object(fn func(key span, escaped bool) error) error {
	if err := s.expect('{'); err != nil {
		return err
	}
	if c, ok := s.peek(); ok && c == '}' {
		s.pos++
		return nil
	}
	for {
		key, escaped, err := s.str()
		if err != nil {
			return err
		}
		if err := s.expect(':'); err != nil {
			return err
		}
		if err := fn(key, escaped); err != nil {
			return err
		}
		c, ok := s.peek()
		if !ok {
			return s.errorf("unterminated object")
		}
		s.pos++
		switch c {
		case ',':
		case '}':
			return nil
		default:
			return s.errorf("expected ',' or '}', got %q", c)
		}
	}
}

// text returns the decoded content of a string span.
func (s *scanner) text(sp span, escaped bool) (string, error) {
	if !escaped {
		return string(s.data[sp.off:sp.end()]), nil
	}
	var out string
	if err := json.Unmarshal(s.data[sp.off-1:sp.end()+1], &out); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return out, nil
}
