// Package fetch keeps the cached repodata.json of a subdir up to
// date, choosing between serving the cache, revalidating it,
// patching it and downloading it again.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/djcass44/repodata-gateway/internal/flight"
	"github.com/djcass44/repodata-gateway/pkg/cache"
	"github.com/djcass44/repodata-gateway/pkg/channel"
	"github.com/djcass44/repodata-gateway/pkg/jlap"
	"github.com/djcass44/repodata-gateway/pkg/requestutil"
	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
)

// File names inside a subdir.
const (
	FileRepoData    = "repodata.json"
	FileRepoDataZst = "repodata.json.zst"
	FilePatchLog    = "repodata.jlap"
)

// HeaderContentHash carries the BLAKE2b-256 hash of the
// decompressed document.
const HeaderContentHash = "X-Content-Blake2b"

// Result is a cache entry that is current enough to be used.
type Result struct {
	Entry  *cache.Entry
	Source Tier
}

// Flights is the registry used to share fetches of the same
// identity between concurrent callers.
type Flights = flight.Registry[*Result]

// NewFlights creates an empty registry.
func NewFlights() *Flights {
	return flight.NewRegistry[*Result]()
}

// Coordinator fetches repodata into a cache.Store.
type Coordinator struct {
	store   *cache.Store
	flights *Flights
	engine  *jlap.Engine
	opts    Options
}

// NewCoordinator creates a Coordinator. Coordinators sharing
// flights never fetch the same identity at the same time.
func NewCoordinator(store *cache.Store, flights *Flights, opts Options) *Coordinator {
	if flights == nil {
		flights = NewFlights()
	}
	opts = opts.withDefaults()
	return &Coordinator{
		store:   store,
		flights: flights,
		engine:  &jlap.Engine{CostRatio: opts.PatchCostRatio},
		opts:    opts,
	}
}

// Store returns the cache the Coordinator writes to.
func (c *Coordinator) Store() *cache.Store {
	return c.store
}

// Fetch returns an up to date cache entry for id. Concurrent
// calls for the same identity share a single fetch, and a
// caller cancelling ctx does not cancel it for the others.
func (c *Coordinator) Fetch(ctx context.Context, id channel.Identity) (*Result, error) {
	res, shared, err := c.flights.Do(ctx, id.Key(), func(ctx context.Context) (*Result, error) {
		return c.run(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logr.FromContextOrDiscard(ctx).V(4).Info("shared in-flight fetch", "identity", id.Key())
	}
	return res, nil
}

func (c *Coordinator) run(ctx context.Context, id channel.Identity) (*Result, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("channel", id.BaseURL, "subdir", id.Subdir)
	ctx = logr.NewContext(ctx, log)

	st, err := c.initial(ctx, id)
	if err != nil {
		return nil, err
	}
	for {
		log.V(4).Info("fetch state", "state", st.name())
		switch s := st.(type) {
		case stateDone:
			log.V(2).Info("repodata ready", "source", s.result.Source, "size", humanize.Bytes(uint64(s.result.Entry.Size)))
			return s.result, nil
		case stateFresh:
			st = stateDone{result: &Result{Entry: s.entry, Source: TierCache}}
		case stateNoCache:
			st = stateFullFetch{}
		case statePatch:
			st, err = c.patch(ctx, id, s)
		case stateRevalidate:
			st, err = c.revalidate(ctx, id, s)
		case stateFullFetch:
			st, err = c.full(ctx, id, s)
		default:
			return nil, fmt.Errorf("unknown fetch state %T", st)
		}
		if err != nil {
			return nil, err
		}
	}
}

// initial inspects the cache and picks the first state.
func (c *Coordinator) initial(ctx context.Context, id channel.Identity) (state, error) {
	log := logr.FromContextOrDiscard(ctx)

	entry, err := c.store.Read(ctx, id)
	switch {
	case errors.Is(err, cache.ErrNotFound):
		return stateNoCache{}, nil
	case errors.Is(err, cache.ErrCorrupt):
		log.Info("ignoring corrupt cache entry", "error", err.Error())
		return stateNoCache{}, nil
	case err != nil:
		return nil, &Error{Identity: id, Tier: TierCache, Err: fmt.Errorf("%w: %w", ErrIO, err)}
	}

	now := c.opts.Now()
	switch {
	case entry.Fresh(now):
		return stateFresh{entry: entry}, nil
	case !c.opts.DisablePatches && entry.Patch.Available != nil && entry.Patch.Available.Value:
		return statePatch{entry: entry}, nil
	default:
		return stateRevalidate{entry: entry}, nil
	}
}

// patch brings the cached document up to date with the patch log.
func (c *Coordinator) patch(ctx context.Context, id channel.Identity, s statePatch) (state, error) {
	log := logr.FromContextOrDiscard(ctx)

	src := &logSource{c: c, url: id.URL(FilePatchLog), etag: s.entry.Patch.ETag}
	res, err := c.engine.Sync(ctx, src, jlap.State{
		Seq:  s.entry.Patch.Seq,
		Hash: s.entry.Hash,
		Size: s.entry.Size,
	}, func() ([]byte, error) {
		return os.ReadFile(s.entry.Path)
	})
	switch {
	case errors.Is(err, ErrNotFound):
		log.V(1).Info("patch log is no longer available")
		now := c.opts.Now()
		entry, err := c.store.Touch(ctx, id, func(m *cache.Metadata) {
			m.Patch = cache.PatchState{Available: &cache.Availability{Value: false, CheckedAt: now}}
		})
		if err != nil {
			return nil, &Error{Identity: id, Tier: TierPatch, Err: fmt.Errorf("%w: %w", ErrIO, err)}
		}
		return stateRevalidate{entry: entry}, nil
	case errors.Is(err, ErrAuth):
		return nil, &Error{Identity: id, Tier: TierPatch, Err: err}
	case err != nil:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.V(1).Info("unable to patch, downloading the full document", "error", err.Error())
		return stateFullFetch{previous: s.entry}, nil
	}

	now := c.opts.Now()
	if res.UpToDate {
		entry, err := c.store.Touch(ctx, id, func(m *cache.Metadata) {
			m.FetchedAt = now
			m.MaxAge = maxAge(src.header, c.opts.DefaultMaxAge)
			m.CacheControl = src.header.Get("Cache-Control")
			m.Patch.Seq = res.Seq
			if src.etag != "" {
				m.Patch.ETag = src.etag
			}
		})
		if err != nil {
			return nil, &Error{Identity: id, Tier: TierNotModified, Err: fmt.Errorf("%w: %w", ErrIO, err)}
		}
		return stateDone{result: &Result{Entry: entry, Source: TierNotModified}}, nil
	}

	meta := s.entry.Metadata
	meta.URL = id.URL(FileRepoData)
	// validators of the old document do not describe the patched one
	meta.ETag = ""
	meta.LastModified = ""
	meta.FetchedAt = now
	meta.MaxAge = maxAge(src.header, c.opts.DefaultMaxAge)
	meta.CacheControl = src.header.Get("Cache-Control")
	meta.Patch.Seq = res.Seq
	meta.Patch.ETag = src.etag
	entry, err := c.store.WriteBytes(ctx, id, res.Document, meta)
	if err != nil {
		return nil, &Error{Identity: id, Tier: TierPatch, Err: fmt.Errorf("%w: %w", ErrIO, err)}
	}
	log.V(1).Info("patched repodata", "seq", res.Seq, "patch", humanize.Bytes(uint64(res.Bytes)))
	return stateDone{result: &Result{Entry: entry, Source: TierPatch}}, nil
}

// revalidate asks the server whether the cached document is current.
func (c *Coordinator) revalidate(ctx context.Context, id channel.Identity, s stateRevalidate) (state, error) {
	url := s.entry.URL
	if url == "" {
		url = id.URL(FileRepoData)
	}
	var next state
	err := c.retry(ctx, func(ctx context.Context) error {
		resp, cancel, err := c.send(ctx, request{
			method: http.MethodGet,
			url:    url,
			headers: map[string]string{
				"If-None-Match":     s.entry.ETag,
				"If-Modified-Since": s.entry.LastModified,
			},
			accept: []int{http.StatusNotModified},
		})
		if err != nil {
			return err
		}
		defer cancel()
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotModified {
			now := c.opts.Now()
			entry, err := c.store.Touch(ctx, id, func(m *cache.Metadata) {
				m.FetchedAt = now
				m.MaxAge = maxAge(resp.Header, c.opts.DefaultMaxAge)
				m.CacheControl = resp.Header.Get("Cache-Control")
			})
			if err != nil {
				return fmt.Errorf("%w: %w", ErrIO, err)
			}
			next = stateDone{result: &Result{Entry: entry, Source: TierNotModified}}
			return nil
		}
		entry, err := c.persist(ctx, id, resp, url, s.entry, nil)
		if err != nil {
			return err
		}
		next = stateDone{result: &Result{Entry: entry, Source: TierFull}}
		return nil
	})
	if errors.Is(err, ErrNotFound) && url != id.URL(FileRepoData) {
		// the compressed variant has gone away
		previous := *s.entry
		previous.Zst = &cache.Availability{Value: false, CheckedAt: c.opts.Now()}
		return stateFullFetch{previous: &previous}, nil
	}
	if err != nil {
		return nil, &Error{Identity: id, Tier: TierNotModified, Err: err}
	}
	if done, ok := next.(stateDone); ok && done.result.Source == TierFull {
		done.result.Entry = c.probePatches(ctx, id, done.result.Entry)
	}
	return next, nil
}

// full downloads the whole document.
func (c *Coordinator) full(ctx context.Context, id channel.Identity, s stateFullFetch) (state, error) {
	log := logr.FromContextOrDiscard(ctx)

	url := id.URL(FileRepoData)
	zst := c.zstAvailability(ctx, id, s.previous)
	if zst != nil && zst.Value {
		url = id.URL(FileRepoDataZst)
	}
	log.V(1).Info("downloading repodata", "url", url)

	var entry *cache.Entry
	err := c.retry(ctx, func(ctx context.Context) error {
		resp, cancel, err := c.send(ctx, request{method: http.MethodGet, url: url})
		if err != nil {
			return err
		}
		defer cancel()
		defer resp.Body.Close()

		entry, err = c.persist(ctx, id, resp, url, s.previous, zst)
		return err
	})
	if err != nil {
		return nil, &Error{Identity: id, Tier: TierFull, Err: err}
	}
	entry = c.probePatches(ctx, id, entry)
	return stateDone{result: &Result{Entry: entry, Source: TierFull}}, nil
}

// persist streams a response body into the cache. zst overrides
// the availability of the compressed variant known from previous.
func (c *Coordinator) persist(ctx context.Context, id channel.Identity, resp *http.Response, url string, previous *cache.Entry, zst *cache.Availability) (*cache.Entry, error) {
	total := resp.ContentLength
	body := &netReader{r: resp.Body}
	if c.opts.Progress != nil {
		body.progress = func(n int64) {
			c.opts.Progress(id, n, total)
		}
	}
	compression := requestutil.Detect(resp.Header.Get("Content-Type"), resp.Header.Get("Content-Encoding"), url)
	dec, err := requestutil.NewReader(ctx, body, compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	defer dec.Close()
	doc := newDocumentReader(dec, resp.Header.Get(HeaderContentHash))

	meta := cache.Metadata{
		URL:          url,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		CacheControl: resp.Header.Get("Cache-Control"),
		MaxAge:       maxAge(resp.Header, c.opts.DefaultMaxAge),
		FetchedAt:    c.opts.Now(),
		Patch:        cache.PatchState{URL: id.URL(FilePatchLog)},
	}
	if previous != nil {
		meta.Zst = previous.Zst
		meta.Patch.Available = previous.Patch.Available
	}
	if zst != nil {
		meta.Zst = zst
	}

	entry, err := c.store.Write(ctx, id, doc, meta)
	if err != nil {
		if errors.Is(err, ErrNetwork) || errors.Is(err, ErrMalformed) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	if c.opts.Progress != nil && total != body.downloaded {
		// the length was not announced, report completion
		c.opts.Progress(id, body.downloaded, body.downloaded)
	}
	logr.FromContextOrDiscard(ctx).V(2).Info("stored repodata", "compression", compression.String(), "downloaded", humanize.Bytes(uint64(body.downloaded)), "size", humanize.Bytes(uint64(doc.length)))
	return entry, nil
}

// zstAvailability returns whether the server offers the compressed
// variant, probing it when the last check is too old. It returns nil
// when that cannot be determined.
func (c *Coordinator) zstAvailability(ctx context.Context, id channel.Identity, previous *cache.Entry) *cache.Availability {
	if c.opts.DisableZst {
		return nil
	}
	now := c.opts.Now()
	if previous != nil && previous.Zst.Known(now, c.opts.VariantCheckInterval) {
		return previous.Zst
	}
	ok, err := c.probe(ctx, id.URL(FileRepoDataZst))
	if err != nil {
		logr.FromContextOrDiscard(ctx).V(1).Info("unable to check for compressed repodata", "error", err.Error())
		return nil
	}
	return &cache.Availability{Value: ok, CheckedAt: now}
}

// probePatches records whether the server publishes a patch log.
// Failures are logged and leave the entry unchanged.
func (c *Coordinator) probePatches(ctx context.Context, id channel.Identity, entry *cache.Entry) *cache.Entry {
	log := logr.FromContextOrDiscard(ctx)
	now := c.opts.Now()

	if c.opts.DisablePatches || entry.Patch.Available.Known(now, c.opts.VariantCheckInterval) {
		return entry
	}
	ok, err := c.probe(ctx, id.URL(FilePatchLog))
	if err != nil {
		log.V(1).Info("unable to check for patch log", "error", err.Error())
		return entry
	}
	updated, err := c.store.Touch(ctx, id, func(m *cache.Metadata) {
		m.Patch.Available = &cache.Availability{Value: ok, CheckedAt: now}
	})
	if err != nil {
		log.V(1).Info("unable to record patch log availability", "error", err.Error())
		return entry
	}
	log.V(3).Info("checked for patch log", "available", ok)
	return updated
}

// logSource fetches the patch log, conditional on the
// ETag of the last fetch.
type logSource struct {
	c      *Coordinator
	url    string
	etag   string
	header http.Header
}

func (l *logSource) FetchLog(ctx context.Context) (*jlap.Log, error) {
	var out *jlap.Log
	err := l.c.retry(ctx, func(ctx context.Context) error {
		resp, cancel, err := l.c.send(ctx, request{
			method:  http.MethodGet,
			url:     l.url,
			headers: map[string]string{"If-None-Match": l.etag},
			accept:  []int{http.StatusNotModified},
		})
		if err != nil {
			return err
		}
		defer cancel()
		defer resp.Body.Close()

		l.header = resp.Header
		if resp.StatusCode == http.StatusNotModified {
			out = nil
			return nil
		}
		b, err := io.ReadAll(&netReader{r: resp.Body})
		if err != nil {
			return err
		}
		log, err := jlap.Parse(b)
		if err != nil {
			return err
		}
		l.etag = resp.Header.Get("ETag")
		out = log
		return nil
	})
	if l.header == nil {
		l.header = http.Header{}
	}
	return out, err
}
