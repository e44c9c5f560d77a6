// Package sparse provides lazy access to the records of a
// repodata.json document. Only the structure of the document is
// scanned up front, records are decoded the first time their
// package is asked for.
package sparse

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/djcass44/repodata-gateway/internal/mmap"
	"github.com/djcass44/repodata-gateway/pkg/channel"
	"github.com/djcass44/repodata-gateway/pkg/repodata"
	"github.com/go-logr/logr"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultMmapThreshold is the file size from which documents
// are memory-mapped instead of read.
const DefaultMmapThreshold = 4 << 20

// Options configure how a RepoData is created.
type Options struct {
	// MmapThreshold is the smallest file that Open maps into
	// memory. Zero uses DefaultMmapThreshold, below zero
	// disables mapping.
	MmapThreshold int64
}

// RepoData gives access to the records of one repodata.json
// document. It is safe for concurrent use.
type RepoData struct {
	id      channel.Identity
	region  *mmap.Region
	index   *index
	cleanup runtime.Cleanup

	// mu guards the region against Close while records are decoded
	mu      sync.RWMutex
	closed  bool
	onClose []func()

	cells sync.Map

	infoOnce sync.Once
	info     *repodata.Info
	infoErr  error
}

// cell caches the records of a single package.
type cell struct {
	once    sync.Once
	records []repodata.Record
	err     error
}

type variant struct {
	repodata.PackageRecord
	FileName string `json:"fn"`
}

// New indexes a document that is already in memory. data
// must not be modified afterwards.
func New(id channel.Identity, data []byte) (*RepoData, error) {
	return newRepoData(id, mmap.FromBytes(data))
}

// Open indexes the document at path.
func Open(ctx context.Context, id channel.Identity, path string, opts Options) (*RepoData, error) {
	threshold := opts.MmapThreshold
	if threshold == 0 {
		threshold = DefaultMmapThreshold
	}
	region, err := mmap.Open(ctx, path, threshold)
	if err != nil {
		return nil, fmt.Errorf("opening repodata: %w", err)
	}
	rd, err := newRepoData(id, region)
	if err != nil {
		_ = region.Close()
		return nil, err
	}
	logr.FromContextOrDiscard(ctx).V(3).Info("indexed repodata", "identity", id.Key(), "packages", len(rd.index.names), "mapped", region.Mapped())
	return rd, nil
}

func newRepoData(id channel.Identity, region *mmap.Region) (*RepoData, error) {
	idx, err := buildIndex(region.Bytes())
	if err != nil {
		return nil, err
	}
	rd := &RepoData{
		id:     id,
		region: region,
		index:  idx,
	}
	if region.Mapped() {
		// release the mapping if the caller never closes rd
		rd.cleanup = runtime.AddCleanup(rd, func(r *mmap.Region) {
			_ = r.Close()
		}, region)
	}
	return rd, nil
}

// Identity returns the identity the document belongs to.
func (rd *RepoData) Identity() channel.Identity {
	return rd.id
}

// Subdir returns the platform subdirectory of the document.
func (rd *RepoData) Subdir() string {
	if rd.id.Subdir != "" {
		return rd.id.Subdir
	}
	if info, err := rd.Info(); err == nil && info != nil {
		return info.Subdir
	}
	return ""
}

// Info returns the info section of the document, or nil if there is none.
func (rd *RepoData) Info() (*repodata.Info, error) {
	rd.infoOnce.Do(func() {
		if rd.index.info == nil {
			return
		}
		rd.mu.RLock()
		defer rd.mu.RUnlock()
		if rd.closed {
			rd.infoErr = ErrClosed
			return
		}
		var info repodata.Info
		data := rd.region.Bytes()
		if err := json.Unmarshal(data[rd.index.info.off:rd.index.info.end()], &info); err != nil {
			rd.infoErr = fmt.Errorf("%w: info: %w", ErrMalformed, err)
			return
		}
		rd.info = &info
	})
	return rd.info, rd.infoErr
}

// PackageNames returns the name of every package in the document
// in the order they first appear.
func (rd *RepoData) PackageNames() []string {
	out := make([]string, len(rd.index.names))
	copy(out, rd.index.names)
	return out
}

// Len returns the number of packages in the document.
func (rd *RepoData) Len() int {
	return len(rd.index.names)
}

// Has returns whether the document contains a package.
func (rd *RepoData) Has(name string) bool {
	_, ok := rd.index.entries[name]
	return ok
}

// Records returns every record of the package. Unknown packages
// have no records. The result must not be modified.
func (rd *RepoData) Records(name string) ([]repodata.Record, error) {
	entries, ok := rd.index.entries[name]
	if !ok {
		return []repodata.Record{}, nil
	}
	v, _ := rd.cells.LoadOrStore(name, &cell{})
	c := v.(*cell)
	c.once.Do(func() {
		c.records, c.err = rd.decode(name, entries)
	})
	return c.records, c.err
}

// Prefetch decodes the records of the given packages concurrently
// so that later calls to Records return immediately.
func (rd *RepoData) Prefetch(ctx context.Context, names ...string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, name := range names {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := rd.Records(name)
			return err
		})
	}
	return g.Wait()
}

// All returns every record of the document grouped by package.
func (rd *RepoData) All(ctx context.Context) (map[string][]repodata.Record, error) {
	if err := rd.Prefetch(ctx, rd.index.names...); err != nil {
		return nil, err
	}
	out := make(map[string][]repodata.Record, len(rd.index.names))
	for _, name := range rd.index.names {
		records, err := rd.Records(name)
		if err != nil {
			return nil, err
		}
		out[name] = records
	}
	return out, nil
}

// LoadAll returns every record of the document in document order.
func (rd *RepoData) LoadAll(ctx context.Context) ([]repodata.Record, error) {
	all, err := rd.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []repodata.Record
	for _, name := range rd.index.names {
		out = append(out, all[name]...)
	}
	return out, nil
}

// Close releases the document. Records that were already
// returned remain valid.
func (rd *RepoData) Close() error {
	rd.mu.Lock()
	if rd.closed {
		rd.mu.Unlock()
		return nil
	}
	rd.closed = true
	if rd.region.Mapped() {
		rd.cleanup.Stop()
	}
	err := rd.region.Close()
	hooks := rd.onClose
	rd.onClose = nil
	rd.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return err
}

// OnClose registers fn to run once rd is closed. fn runs
// immediately if rd is already closed. It is not called when rd
// is garbage collected without being closed.
func (rd *RepoData) OnClose(fn func()) {
	rd.mu.Lock()
	if rd.closed {
		rd.mu.Unlock()
		fn()
		return
	}
	rd.onClose = append(rd.onClose, fn)
	rd.mu.Unlock()
}

func (rd *RepoData) source() repodata.Source {
	info, _ := rd.Info()
	return repodata.Source{
		Channel:   rd.id.BaseURL,
		SubdirURL: rd.id.SubdirURL(),
		Subdir:    rd.Subdir(),
		Info:      info,
	}
}

func (rd *RepoData) decode(name string, entries []entry) ([]repodata.Record, error) {
	src := rd.source()

	rd.mu.RLock()
	defer rd.mu.RUnlock()
	if rd.closed {
		return nil, ErrClosed
	}
	s := &scanner{data: rd.region.Bytes()}

	out := make([]repodata.Record, 0, len(entries))
	for _, e := range entries {
		raw := s.data[e.value.off:e.value.end()]
		if e.array {
			var variants []variant
			if err := json.Unmarshal(raw, &variants); err != nil {
				return nil, fmt.Errorf("%w: package %s: %w", ErrMalformed, name, err)
			}
			for _, v := range variants {
				rec := v.PackageRecord
				if rec.Name == "" {
					rec.Name = name
				}
				filename := v.FileName
				if filename == "" {
					filename = syntheticFilename(rec, e.conda)
				}
				out = append(out, src.NewRecord(filename, rec))
			}
			continue
		}
		filename, err := s.text(e.key, e.escaped)
		if err != nil {
			return nil, err
		}
		var rec repodata.PackageRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, filename, err)
		}
		if rec.Name == "" {
			rec.Name = name
		}
		out = append(out, src.NewRecord(filename, rec))
	}
	return out, nil
}

func syntheticFilename(rec repodata.PackageRecord, conda bool) string {
	ext := repodata.ExtTarBz2
	if conda {
		ext = repodata.ExtConda
	}
	return rec.Name + "-" + rec.Version + "-" + rec.Build + ext
}
