package cache

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/djcass44/repodata-gateway/pkg/channel"
	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/crypto/blake2b"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const stateFile = "state.json"

// Store is an on-disk cache of repodata documents with one
// directory per identity. Writes are atomic, a reader sees either
// the previous or the new generation.
type Store struct {
	root   string
	verify bool

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type Option func(s *Store)

// WithVerify makes Read hash the document and compare it
// against the recorded hash.
func WithVerify(v bool) Option {
	return func(s *Store) {
		s.verify = v
	}
}

// NewStore creates a Store rooted at root.
func NewStore(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("cache directory required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving cache directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	s := &Store{
		root:  abs,
		locks: map[string]*entryLock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the absolute cache directory.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory that holds the entry of id.
func (s *Store) Dir(id channel.Identity) string {
	return filepath.Join(s.root, HashString(id.Key())+"-"+id.Subdir)
}

// Read returns the committed entry for id.
func (s *Store) Read(ctx context.Context, id channel.Identity) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := s.Dir(id)
	meta, err := readState(dir)
	if err != nil {
		return nil, err
	}
	entry, err := s.entry(dir, meta)
	if err != nil {
		return nil, err
	}
	if s.verify {
		sum, err := hashFile(entry.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		if sum != meta.Hash {
			return nil, fmt.Errorf("%w: document hash %s does not match %s", ErrCorrupt, sum, meta.Hash)
		}
	}
	return entry, nil
}

// Write stores the document read from body and commits meta
// alongside it. The size and hash of meta are computed from body.
func (s *Store) Write(ctx context.Context, id channel.Identity, body io.Reader, meta Metadata) (*Entry, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("identity", id.Key())

	unlock := s.lockEntry(id)
	defer unlock()

	dir := s.Dir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating entry directory: %w", err)
	}

	blob := "repodata." + uuid.NewString() + ".json"
	size, sum, err := writeBlob(ctx, filepath.Join(dir, blob), body)
	if err != nil {
		_ = os.Remove(filepath.Join(dir, blob))
		return nil, err
	}

	// the previous generation survives until the next write
	if old, err := readState(dir); err == nil {
		meta.Previous = old.Blob
	} else {
		meta.Previous = ""
	}
	meta.Identity = id
	meta.Blob = blob
	meta.Size = size
	meta.Hash = sum

	if err := commitState(dir, &meta); err != nil {
		_ = os.Remove(filepath.Join(dir, blob))
		return nil, err
	}
	log.V(3).Info("committed cache entry", "blob", blob, "size", humanize.Bytes(uint64(size)), "blake2b", sum)

	s.sweep(ctx, dir, blob, meta.Previous)

	return s.entry(dir, &meta)
}

// WriteBytes is Write for a document that is already in memory.
func (s *Store) WriteBytes(ctx context.Context, id channel.Identity, b []byte, meta Metadata) (*Entry, error) {
	return s.Write(ctx, id, bytes.NewReader(b), meta)
}

// Touch atomically updates the metadata of an existing entry
// without touching the document.
func (s *Store) Touch(ctx context.Context, id channel.Identity, fn func(m *Metadata)) (*Entry, error) {
	unlock := s.lockEntry(id)
	defer unlock()

	dir := s.Dir(id)
	meta, err := readState(dir)
	if err != nil {
		return nil, err
	}
	blob, size, sum, prev := meta.Blob, meta.Size, meta.Hash, meta.Previous
	fn(meta)
	meta.Identity = id
	meta.Blob, meta.Size, meta.Hash, meta.Previous = blob, size, sum, prev

	if err := commitState(dir, meta); err != nil {
		return nil, err
	}
	logr.FromContextOrDiscard(ctx).V(4).Info("updated cache metadata", "identity", id.Key())
	return s.entry(dir, meta)
}

// Remove deletes the entry of id. Removing a missing
// entry is not an error.
func (s *Store) Remove(ctx context.Context, id channel.Identity) error {
	unlock := s.lockEntry(id)
	defer unlock()

	logr.FromContextOrDiscard(ctx).V(2).Info("removing cache entry", "identity", id.Key())
	if err := os.RemoveAll(s.Dir(id)); err != nil {
		return fmt.Errorf("removing cache entry: %w", err)
	}
	return nil
}

// List returns every readable entry in the store. Corrupt
// entries are skipped.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	log := logr.FromContextOrDiscard(ctx)

	items, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading cache directory: %w", err)
	}
	var out []Entry
	for _, item := range items {
		if !item.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, item.Name())
		meta, err := readState(dir)
		if err != nil {
			log.V(2).Info("skipping unreadable cache entry", "dir", dir, "error", err.Error())
			continue
		}
		entry, err := s.entry(dir, meta)
		if err != nil {
			log.V(2).Info("skipping corrupt cache entry", "dir", dir, "error", err.Error())
			continue
		}
		out = append(out, *entry)
	}
	return out, nil
}

func (s *Store) entry(dir string, meta *Metadata) (*Entry, error) {
	if meta.Blob == "" || filepath.Base(meta.Blob) != meta.Blob {
		return nil, fmt.Errorf("%w: invalid blob name %q", ErrCorrupt, meta.Blob)
	}
	path := filepath.Join(dir, meta.Blob)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if info.Size() != meta.Size {
		return nil, fmt.Errorf("%w: document size %d does not match %d", ErrCorrupt, info.Size(), meta.Size)
	}
	return &Entry{Metadata: *meta, Path: path}, nil
}

// sweep removes documents that are neither the current nor the
// previous generation, including leftovers of interrupted writes.
func (s *Store) sweep(ctx context.Context, dir string, keep ...string) {
	matches, err := filepath.Glob(filepath.Join(dir, "repodata.*.json"))
	if err != nil {
		return
	}
	for _, m := range matches {
		name := filepath.Base(m)
		if slices.Contains(keep, name) {
			continue
		}
		logr.FromContextOrDiscard(ctx).V(4).Info("removing orphaned document", "blob", name)
		_ = os.Remove(m)
	}
}

func (s *Store) lockEntry(id channel.Identity) func() {
	key := id.Key()
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func readState(dir string) (*Metadata, error) {
	b, err := os.ReadFile(filepath.Join(dir, stateFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	var meta Metadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("%w: decoding metadata: %w", ErrCorrupt, err)
	}
	return &meta, nil
}

// commitState stages the metadata next to the final file and
// renames it into place.
func commitState(dir string, meta *Metadata) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	f, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("staging metadata: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("writing metadata: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("flushing metadata: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("closing metadata: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, stateFile)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("committing metadata: %w", err)
	}
	syncDir(dir)
	return nil
}

func writeBlob(ctx context.Context, path string, body io.Reader) (int64, string, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, "", fmt.Errorf("creating document: %w", err)
	}
	h, _ := blake2b.New256(nil)
	n, err := copyWithContext(ctx, io.MultiWriter(f, h), body)
	if err != nil {
		_ = f.Close()
		return 0, "", fmt.Errorf("writing document: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return 0, "", fmt.Errorf("flushing document: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, "", fmt.Errorf("closing document: %w", err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h, _ := blake2b.New256(nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
