package sparse

import (
	"github.com/djcass44/repodata-gateway/pkg/repodata"
)

// entry locates the records of one package inside the document.
type entry struct {
	// key is the filename of a single record, unset for
	// variant arrays.
	key     span
	escaped bool
	value   span
	array   bool
	conda   bool
}

// index maps package names to the spans of their records. It is
// built once per document and never modified afterwards.
type index struct {
	names   []string
	entries map[string][]entry
	info    *span
}

func (idx *index) add(name string, e entry) {
	if _, ok := idx.entries[name]; !ok {
		idx.names = append(idx.names, name)
	}
	idx.entries[name] = append(idx.entries[name], e)
}

// buildIndex makes a single pass over data, recording the members
// of both package maps and the info section.
func buildIndex(data []byte) (*index, error) {
	idx := &index{entries: map[string][]entry{}}
	s := &scanner{data: data}

	err := s.object(func(key span, escaped bool) error {
		k, err := s.text(key, escaped)
		if err != nil {
			return err
		}
		switch k {
		case repodata.KeyPackages, repodata.KeyPackagesConda:
			return idx.scanPackages(s, k == repodata.KeyPackagesConda)
		case repodata.KeyInfo:
			sp, err := s.skip()
			if err != nil {
				return err
			}
			idx.info = &sp
			return nil
		default:
			_, err := s.skip()
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	if _, ok := s.peek(); ok {
		return nil, s.errorf("unexpected data after document")
	}
	return idx, nil
}

func (idx *index) scanPackages(s *scanner, conda bool) error {
	if c, ok := s.peek(); ok && c == 'n' {
		// null
		_, err := s.skip()
		return err
	}
	return s.object(func(key span, escaped bool) error {
		c, _ := s.peek()
		value, err := s.skip()
		if err != nil {
			return err
		}
		k, err := s.text(key, escaped)
		if err != nil {
			return err
		}
		switch c {
		case '{':
			name, ok := repodata.PackageFromFilename(k)
			if !ok {
				// only pay for decoding the name when the filename doesn't carry it
				name = json.Get(s.data[value.off:value.end()], "name").ToString()
			}
			if name == "" {
				return s.errorf("cannot determine the package of %q", k)
			}
			idx.add(name, entry{key: key, escaped: escaped, value: value, conda: conda})
		case '[':
			idx.add(k, entry{value: value, array: true, conda: conda})
		default:
			return s.errorf("unexpected value for %q", k)
		}
		return nil
	})
}
