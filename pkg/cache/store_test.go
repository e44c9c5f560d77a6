package cache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/djcass44/repodata-gateway/pkg/channel"
	"github.com/djcass44/repodata-gateway/pkg/repodata"
	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testIdentity = channel.Identity{BaseURL: "https://conda.anaconda.org/conda-forge/", Subdir: "linux-64"}

func newStore(t *testing.T, opts ...Option) *Store {
	s, err := NewStore(t.TempDir(), opts...)
	require.NoError(t, err)
	return s
}

func TestStore_ReadMissing(t *testing.T) {
	ctx := logr.NewContext(context.TODO(), testr.NewWithOptions(t, testr.Options{Verbosity: 10}))
	s := newStore(t)

	_, err := s.Read(ctx, testIdentity)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Write(t *testing.T) {
	ctx := logr.NewContext(context.TODO(), testr.NewWithOptions(t, testr.Options{Verbosity: 10}))
	s := newStore(t)

	doc := []byte(`{"packages":{}}`)
	entry, err := s.Write(ctx, testIdentity, strings.NewReader(string(doc)), Metadata{
		URL:    testIdentity.URL("repodata.json"),
		ETag:   `"abc"`,
		MaxAge: time.Minute,
	})
	require.NoError(t, err)
	assert.EqualValues(t, len(doc), entry.Size)
	assert.EqualValues(t, repodata.Hash(doc), entry.Hash)
	assert.EqualValues(t, testIdentity, entry.Identity)

	got, err := s.Read(ctx, testIdentity)
	require.NoError(t, err)
	assert.EqualValues(t, `"abc"`, got.ETag)
	assert.EqualValues(t, time.Minute, got.MaxAge)

	b, err := os.ReadFile(got.Path)
	require.NoError(t, err)
	assert.EqualValues(t, doc, b)
}

func TestStore_Generations(t *testing.T) {
	ctx := logr.NewContext(context.TODO(), testr.NewWithOptions(t, testr.Options{Verbosity: 10}))
	s := newStore(t)

	first, err := s.WriteBytes(ctx, testIdentity, []byte("1"), Metadata{})
	require.NoError(t, err)
	second, err := s.WriteBytes(ctx, testIdentity, []byte("22"), Metadata{})
	require.NoError(t, err)

	// a reader holding the first generation can still read it
	assert.EqualValues(t, first.Blob, second.Previous)
	assert.FileExists(t, first.Path)

	third, err := s.WriteBytes(ctx, testIdentity, []byte("333"), Metadata{})
	require.NoError(t, err)
	assert.NoFileExists(t, first.Path)
	assert.FileExists(t, second.Path)
	assert.FileExists(t, third.Path)

	matches, err := filepath.Glob(filepath.Join(s.Dir(testIdentity), "repodata.*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestStore_Corrupt(t *testing.T) {
	ctx := logr.NewContext(context.TODO(), testr.NewWithOptions(t, testr.Options{Verbosity: 10}))

	t.Run("truncated document", func(t *testing.T) {
		s := newStore(t)
		entry, err := s.WriteBytes(ctx, testIdentity, []byte(`{"packages":{}}`), Metadata{})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(entry.Path, []byte(`{"pack`), 0o644))

		_, err = s.Read(ctx, testIdentity)
		assert.ErrorIs(t, err, ErrCorrupt)
	})
	t.Run("missing document", func(t *testing.T) {
		s := newStore(t)
		entry, err := s.WriteBytes(ctx, testIdentity, []byte(`{}`), Metadata{})
		require.NoError(t, err)
		require.NoError(t, os.Remove(entry.Path))

		_, err = s.Read(ctx, testIdentity)
		assert.ErrorIs(t, err, ErrCorrupt)
	})
	t.Run("unreadable metadata", func(t *testing.T) {
		s := newStore(t)
		_, err := s.WriteBytes(ctx, testIdentity, []byte(`{}`), Metadata{})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(s.Dir(testIdentity), stateFile), []byte("not json"), 0o644))

		_, err = s.Read(ctx, testIdentity)
		assert.ErrorIs(t, err, ErrCorrupt)
	})
	t.Run("modified document is detected when verifying", func(t *testing.T) {
		s := newStore(t, WithVerify(true))
		entry, err := s.WriteBytes(ctx, testIdentity, []byte(`{"a":1}`), Metadata{})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(entry.Path, []byte(`{"a":2}`), 0o644))

		_, err = s.Read(ctx, testIdentity)
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}

func TestStore_Touch(t *testing.T) {
	ctx := logr.NewContext(context.TODO(), testr.NewWithOptions(t, testr.Options{Verbosity: 10}))
	s := newStore(t)

	_, err := s.Touch(ctx, testIdentity, func(m *Metadata) {})
	assert.ErrorIs(t, err, ErrNotFound)

	entry, err := s.WriteBytes(ctx, testIdentity, []byte(`{}`), Metadata{ETag: "a"})
	require.NoError(t, err)

	now := time.Now().UTC()
	touched, err := s.Touch(ctx, testIdentity, func(m *Metadata) {
		m.FetchedAt = now
		m.Patch.Available = &Availability{Value: true, CheckedAt: now}
		// fields owned by the store cannot be changed
		m.Size = 1000
		m.Blob = "other.json"
	})
	require.NoError(t, err)
	assert.EqualValues(t, entry.Path, touched.Path)
	assert.EqualValues(t, entry.Size, touched.Size)
	assert.True(t, touched.Patch.Available.Value)

	got, err := s.Read(ctx, testIdentity)
	require.NoError(t, err)
	assert.EqualValues(t, "a", got.ETag)
	assert.True(t, got.FetchedAt.Equal(now))
}

func TestStore_RemoveList(t *testing.T) {
	ctx := logr.NewContext(context.TODO(), testr.NewWithOptions(t, testr.Options{Verbosity: 10}))
	s := newStore(t)

	noarch := channel.Identity{BaseURL: testIdentity.BaseURL, Subdir: "noarch"}
	_, err := s.WriteBytes(ctx, testIdentity, []byte(`{}`), Metadata{})
	require.NoError(t, err)
	_, err = s.WriteBytes(ctx, noarch, []byte(`{}`), Metadata{})
	require.NoError(t, err)

	entries, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, s.Remove(ctx, testIdentity))
	require.NoError(t, s.Remove(ctx, testIdentity))

	entries, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.EqualValues(t, noarch, entries[0].Identity)
}

func TestStore_ConcurrentWrites(t *testing.T) {
	ctx := logr.NewContext(context.TODO(), testr.NewWithOptions(t, testr.Options{Verbosity: 1}))
	s := newStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.WriteBytes(ctx, testIdentity, []byte(`{"packages":{}}`), Metadata{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	_, err := s.Read(ctx, testIdentity)
	assert.NoError(t, err)
}

func TestHashString(t *testing.T) {
	assert.Len(t, HashString(testIdentity.Key()), 12)
	assert.EqualValues(t, HashString("a"), HashString("a"))
	assert.NotEqualValues(t, HashString("a"), HashString("b"))
}
