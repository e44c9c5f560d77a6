// Package gateway answers queries for the package records of
// conda channels, keeping a local cache of their repodata
// up to date.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"sync"
	"weak"

	"github.com/djcass44/repodata-gateway/pkg/cache"
	"github.com/djcass44/repodata-gateway/pkg/channel"
	"github.com/djcass44/repodata-gateway/pkg/fetch"
	"github.com/djcass44/repodata-gateway/pkg/sparse"
	"github.com/go-logr/logr"
	"go.uber.org/multierr"
)

// ErrClosed is returned by queries on a closed Gateway.
var ErrClosed = errors.New("gateway is closed")

// Gateway is safe for concurrent use.
type Gateway struct {
	cfg         Config
	coordinator *fetch.Coordinator

	mu     sync.Mutex
	open   map[weak.Pointer[sparse.RepoData]]struct{}
	closed bool
}

// New creates a Gateway that caches into cfg.CacheDir.
func New(cfg Config) (*Gateway, error) {
	cfg = cfg.withDefaults()
	store, err := cache.NewStore(cfg.CacheDir, cache.WithVerify(cfg.VerifyOnRead))
	if err != nil {
		return nil, err
	}
	return &Gateway{
		cfg:         cfg,
		coordinator: fetch.NewCoordinator(store, fetch.NewFlights(), cfg.fetchOptions()),
		open:        map[weak.Pointer[sparse.RepoData]]struct{}{},
	}, nil
}

// Store returns the cache used by the Gateway.
func (g *Gateway) Store() *cache.Store {
	return g.coordinator.Store()
}

// Channel parses a channel string using the configured alias.
func (g *Gateway) Channel(s string) (*channel.Channel, error) {
	return channel.Parse(s, channel.Config{Alias: g.cfg.ChannelAlias})
}

// Query returns the repodata of one subdir of a channel. names
// are decoded ahead of time, any other package can still be
// looked up on the result.
func (g *Gateway) Query(ctx context.Context, ch *channel.Channel, platform channel.Platform, names ...string) (*sparse.RepoData, error) {
	rd, _, err := g.query(ctx, ch.Identity(platform.String()), names)
	return rd, err
}

func (g *Gateway) query(ctx context.Context, id channel.Identity, names []string) (*sparse.RepoData, fetch.Tier, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("channel", id.BaseURL, "subdir", id.Subdir)

	if g.isClosed() {
		return nil, "", ErrClosed
	}
	// a concurrent write may sweep the document between the fetch
	// and the open, and a cached document may turn out to be
	// unreadable. Either way we fetch once more.
	for retried := false; ; retried = true {
		res, err := g.coordinator.Fetch(ctx, id)
		if err != nil {
			return nil, "", err
		}
		rd, err := sparse.Open(ctx, id, res.Entry.Path, sparse.Options{MmapThreshold: g.cfg.MmapThreshold})
		switch {
		case errors.Is(err, fs.ErrNotExist) && !retried:
			log.V(2).Info("cached document disappeared, fetching again")
			continue
		case errors.Is(err, sparse.ErrMalformed):
			// don't let the next query trip over the same document
			if rerr := g.Store().Remove(ctx, id); rerr != nil {
				log.Error(rerr, "failed to remove malformed document")
			}
			if !retried && (res.Source == fetch.TierCache || res.Source == fetch.TierNotModified) {
				log.Info("cached document is malformed, fetching again", "error", err.Error())
				continue
			}
			return nil, "", &fetch.Error{Identity: id, Tier: res.Source, Err: fmt.Errorf("%w: %w", fetch.ErrMalformed, err)}
		case err != nil:
			return nil, "", &fetch.Error{Identity: id, Tier: res.Source, Err: fmt.Errorf("%w: %w", fetch.ErrIO, err)}
		}
		if len(names) > 0 {
			if err := rd.Prefetch(ctx, names...); err != nil {
				_ = rd.Close()
				return nil, "", err
			}
		}
		if !g.track(rd) {
			_ = rd.Close()
			return nil, "", ErrClosed
		}
		log.V(3).Info("queried repodata", "source", res.Source, "packages", rd.Len())
		return rd, res.Source, nil
	}
}

// track remembers rd until it is closed or collected so that
// Close can release it.
func (g *Gateway) track(rd *sparse.RepoData) bool {
	wp := weak.Make(rd)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false
	}
	g.open[wp] = struct{}{}
	g.mu.Unlock()

	rd.OnClose(func() {
		g.untrack(wp)
	})
	runtime.AddCleanup(rd, g.untrack, wp)
	return true
}

func (g *Gateway) untrack(wp weak.Pointer[sparse.RepoData]) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.open, wp)
}

// tracked returns the number of handles Close would release.
func (g *Gateway) tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.open)
}

func (g *Gateway) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Close releases every RepoData returned by the Gateway that
// is still open.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	handles := make([]*sparse.RepoData, 0, len(g.open))
	for wp := range g.open {
		if rd := wp.Value(); rd != nil {
			handles = append(handles, rd)
		}
	}
	clear(g.open)
	g.mu.Unlock()

	var err error
	for _, rd := range handles {
		err = multierr.Append(err, rd.Close())
	}
	return err
}
