package fetch

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/djcass44/repodata-gateway/pkg/repodata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReader struct {
	err error
}

func (f failingReader) Read([]byte) (int, error) {
	return 0, f.err
}

func TestDocumentReader(t *testing.T) {
	doc := `{"packages": {}}`
	var cases = []struct {
		name string
		body string
		want string
		err  error
	}{
		{"valid", doc, "", nil},
		{"whitespace", "\n  " + doc + "\n", "", nil},
		{"advertised hash", doc, repodata.Hash([]byte(doc)), nil},
		{"wrong hash", doc, repodata.Hash([]byte("{}")), ErrMalformed},
		{"truncated", doc[:8], "", ErrMalformed},
		{"array", "[]", "", ErrMalformed},
		{"empty", "", "", ErrMalformed},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			r := newDocumentReader(strings.NewReader(tt.body), tt.want)
			b, err := io.ReadAll(r)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.EqualValues(t, tt.body, string(b))
			assert.EqualValues(t, len(tt.body), r.length)
		})
	}
}

func TestNetReader(t *testing.T) {
	var seen []int64
	r := &netReader{
		r: io.MultiReader(strings.NewReader("abc"), failingReader{err: io.ErrUnexpectedEOF}),
		progress: func(n int64) {
			seen = append(seen, n)
		},
	}
	_, err := io.ReadAll(r)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.EqualValues(t, []int64{3}, seen)

	// network errors pass through the document reader unchanged
	_, err = io.ReadAll(newDocumentReader(r, ""))
	assert.True(t, errors.Is(err, ErrNetwork))
	assert.False(t, errors.Is(err, ErrMalformed))
}

func TestStatusErr(t *testing.T) {
	var cases = []struct {
		code int
		err  error
	}{
		{401, ErrAuth},
		{403, ErrAuth},
		{404, ErrNotFound},
		{410, ErrNotFound},
		{408, ErrNetwork},
		{429, ErrNetwork},
		{500, ErrNetwork},
		{503, ErrNetwork},
	}
	for _, tt := range cases {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			err := statusErr("https://example.org", tt.code)
			assert.ErrorIs(t, err, tt.err)

			var serr *StatusError
			require.True(t, errors.As(err, &serr))
			assert.EqualValues(t, tt.code, serr.StatusCode)
		})
	}
	t.Run("other", func(t *testing.T) {
		err := statusErr("https://example.org", 418)
		assert.False(t, errors.Is(err, ErrNetwork))
		assert.False(t, errors.Is(err, ErrAuth))
	})
}
