package gateway

import (
	"context"
	"errors"

	"github.com/djcass44/repodata-gateway/pkg/channel"
	"github.com/djcass44/repodata-gateway/pkg/fetch"
	"github.com/djcass44/repodata-gateway/pkg/repodata"
	"github.com/djcass44/repodata-gateway/pkg/sparse"
	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Subdir is one platform of a channel.
type Subdir struct {
	Channel  *channel.Channel
	Platform channel.Platform
}

// Identity returns the cache identity of the subdir.
func (s Subdir) Identity() channel.Identity {
	return s.Channel.Identity(s.Platform.String())
}

func (s Subdir) String() string {
	return s.Identity().Key()
}

// Result is the outcome of querying one Subdir.
type Result struct {
	Subdir   Subdir
	RepoData *sparse.RepoData
	Source   fetch.Tier
	Err      error
}

// QueryOptions change how QueryAll behaves.
type QueryOptions struct {
	// Names are decoded ahead of time.
	Names []string
	// AllOrNothing cancels every other query as soon as one
	// fails.
	AllOrNothing bool
	// AllowMissing treats platform subdirs that the channel
	// does not have as empty. noarch must always exist.
	AllowMissing bool
}

var emptyDocument = []byte(`{"packages":{},"packages.conda":{}}`)

// QueryAll queries the subdirs concurrently. The results are in
// the same order as subdirs. Unless opts.AllOrNothing is set, a
// failing subdir does not affect the others: its error is stored
// in its Result and every error is also returned combined.
func (g *Gateway) QueryAll(ctx context.Context, subdirs []Subdir, opts QueryOptions) ([]Result, error) {
	log := logr.FromContextOrDiscard(ctx)

	results := make([]Result, len(subdirs))
	var eg *errgroup.Group
	gctx := ctx
	if opts.AllOrNothing {
		eg, gctx = errgroup.WithContext(ctx)
	} else {
		eg = &errgroup.Group{}
	}
	eg.SetLimit(g.cfg.Concurrency)

	for i, sd := range subdirs {
		results[i].Subdir = sd
		eg.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i].Err = err
				return err
			}
			rd, source, err := g.query(gctx, sd.Identity(), opts.Names)
			if err != nil && opts.AllowMissing && sd.Platform != channel.NoArch && errors.Is(err, fetch.ErrNotFound) {
				log.V(1).Info("subdir does not exist, treating it as empty", "subdir", sd.String())
				rd, err = sparse.New(sd.Identity(), emptyDocument)
				if err == nil && !g.track(rd) {
					err = ErrClosed
				}
			}
			results[i].RepoData = rd
			results[i].Source = source
			results[i].Err = err
			if opts.AllOrNothing {
				return err
			}
			return nil
		})
	}
	werr := eg.Wait()

	if opts.AllOrNothing {
		if werr == nil {
			return results, nil
		}
		for i := range results {
			if results[i].RepoData != nil {
				_ = results[i].RepoData.Close()
				results[i].RepoData = nil
			}
		}
		return nil, werr
	}

	var err error
	for _, res := range results {
		err = multierr.Append(err, res.Err)
	}
	return results, err
}

// QueryChannels queries every platform of every channel. Channels
// use their own platforms when platforms is empty.
func (g *Gateway) QueryChannels(ctx context.Context, channels []*channel.Channel, platforms []channel.Platform, opts QueryOptions) ([]Result, error) {
	return g.QueryAll(ctx, Expand(channels, platforms), opts)
}

// Expand returns the subdirs of channels, skipping duplicates.
func Expand(channels []*channel.Channel, platforms []channel.Platform) []Subdir {
	var out []Subdir
	seen := map[string]struct{}{}
	for _, ch := range channels {
		plats := platforms
		if len(plats) == 0 {
			plats = ch.PlatformsOrDefault()
		}
		for _, p := range plats {
			sd := Subdir{Channel: ch, Platform: p}
			if _, ok := seen[sd.String()]; ok {
				continue
			}
			seen[sd.String()] = struct{}{}
			out = append(out, sd)
		}
	}
	return out
}

// Records collects records from successful results. Without names
// every record is returned. With recursive set, the dependencies
// of names are followed across all results.
func Records(ctx context.Context, results []Result, recursive bool, names ...string) ([]repodata.Record, error) {
	var sets []*sparse.RepoData
	for _, res := range results {
		if res.Err == nil && res.RepoData != nil {
			sets = append(sets, res.RepoData)
		}
	}

	var out []repodata.Record
	switch {
	case len(names) == 0:
		for _, rd := range sets {
			records, err := rd.LoadAll(ctx)
			if err != nil {
				return nil, err
			}
			out = append(out, records...)
		}
	case recursive:
		all, err := sparse.LoadRecursive(ctx, sets, names...)
		if err != nil {
			return nil, err
		}
		for _, records := range all {
			out = append(out, records...)
		}
	default:
		for _, rd := range sets {
			for _, name := range names {
				records, err := rd.Records(name)
				if err != nil {
					return nil, err
				}
				out = append(out, records...)
			}
		}
	}
	return out, nil
}
