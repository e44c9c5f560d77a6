package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/djcass44/repodata-gateway/internal/reposerver"
	"github.com/djcass44/repodata-gateway/pkg/channel"
	"github.com/djcass44/repodata-gateway/pkg/fetch"
	"github.com/djcass44/repodata-gateway/pkg/repodata"
	"github.com/djcass44/repodata-gateway/pkg/sparse"
	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newContext(t *testing.T) context.Context {
	return logr.NewContext(context.TODO(), testr.NewWithOptions(t, testr.Options{Verbosity: 10}))
}

func newGateway(t *testing.T) *Gateway {
	g, err := New(Config{
		CacheDir:       t.TempDir(),
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = g.Close()
	})
	return g
}

func variants(name string, n int, ext string) map[string]repodata.PackageRecord {
	out := map[string]repodata.PackageRecord{}
	for i := 0; i < n; i++ {
		version := fmt.Sprintf("1.%d", i)
		out[fmt.Sprintf("%s-%s-0%s", name, version, ext)] = repodata.PackageRecord{
			Name:    name,
			Version: version,
			Build:   "0",
		}
	}
	return out
}

func merge(maps ...map[string]repodata.PackageRecord) map[string]repodata.PackageRecord {
	out := map[string]repodata.PackageRecord{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func newChannel(t *testing.T, srv *reposerver.Server) *channel.Channel {
	ch, err := channel.Parse(srv.Channel(), channel.Config{})
	require.NoError(t, err)
	return ch
}

func TestGateway_Query(t *testing.T) {
	ctx := newContext(t)

	srv := reposerver.New(t)
	doc := reposerver.Document("linux-64",
		merge(variants("b", 1, repodata.ExtTarBz2), variants("c", 2, repodata.ExtTarBz2)),
		merge(variants("a", 2, repodata.ExtConda), variants("c", 2, repodata.ExtConda)),
	)
	require.NoError(t, srv.Publish("linux-64", doc))

	g := newGateway(t)
	rd, err := g.Query(ctx, newChannel(t, srv), channel.Linux64, "a", "b")
	require.NoError(t, err)

	var cases = []struct {
		name  string
		count int
	}{
		{"a", 2},
		{"b", 1},
		{"c", 4},
		{"d", 0},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			records, err := rd.Records(tt.name)
			require.NoError(t, err)
			assert.Len(t, records, tt.count)
			for _, rec := range records {
				assert.EqualValues(t, tt.name, rec.Name)
				assert.EqualValues(t, srv.Channel()+"linux-64/"+rec.FileName, rec.URL)
			}
		})
	}
}

func TestGateway_Idempotent(t *testing.T) {
	ctx := newContext(t)

	srv := reposerver.New(t)
	require.NoError(t, srv.Publish("linux-64", reposerver.Generation("linux-64", 5)))
	ch := newChannel(t, srv)
	g := newGateway(t)

	rd, err := g.Query(ctx, ch, channel.Linux64)
	require.NoError(t, err)
	want, err := rd.LoadAll(ctx)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		srv.ResetHits()
		rd, err := g.Query(ctx, ch, channel.Linux64)
		require.NoError(t, err)
		got, err := rd.LoadAll(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, want, got)

		assert.EqualValues(t, 1, srv.Hits(http.MethodGet, reposerver.Path("linux-64", fetch.FileRepoData)))
		assert.Zero(t, srv.Hits(http.MethodHead, reposerver.Path("linux-64", fetch.FileRepoDataZst)))
		assert.Zero(t, srv.Hits(http.MethodHead, reposerver.Path("linux-64", fetch.FilePatchLog)))
	}
}

func TestGateway_SingleFlight(t *testing.T) {
	ctx := newContext(t)

	srv := reposerver.New(t)
	require.NoError(t, srv.Publish("linux-64", reposerver.Generation("linux-64", 20)))
	srv.Fault(http.MethodGet, reposerver.Path("linux-64", fetch.FileRepoData), reposerver.Fault{Delay: 200 * time.Millisecond})
	ch := newChannel(t, srv)
	g := newGateway(t)

	var wg sync.WaitGroup
	counts := make([]int, 10)
	for i := range counts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rd, err := g.Query(ctx, ch, channel.Linux64, "pkg3")
			if !assert.NoError(t, err) {
				return
			}
			records, err := rd.Records("pkg3")
			assert.NoError(t, err)
			counts[i] = len(records)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, srv.Hits(http.MethodGet, reposerver.Path("linux-64", fetch.FileRepoData)))
	for _, c := range counts {
		assert.EqualValues(t, 1, c)
	}
}

func TestGateway_QueryAll(t *testing.T) {
	ctx := newContext(t)

	srv := reposerver.New(t)
	require.NoError(t, srv.Publish("linux-64", reposerver.Generation("linux-64", 3)))
	require.NoError(t, srv.Publish("noarch", reposerver.Generation("noarch", 2)))
	ch := newChannel(t, srv)

	subdirs := []Subdir{
		{Channel: ch, Platform: channel.Linux64},
		{Channel: ch, Platform: channel.Osx64},
		{Channel: ch, Platform: channel.NoArch},
	}

	t.Run("partial failure", func(t *testing.T) {
		g := newGateway(t)
		results, err := g.QueryAll(ctx, subdirs, QueryOptions{})
		assert.ErrorIs(t, err, fetch.ErrNotFound)
		require.Len(t, results, 3)

		for i, res := range results {
			assert.EqualValues(t, subdirs[i], res.Subdir)
		}
		require.NoError(t, results[0].Err)
		assert.EqualValues(t, 3, results[0].RepoData.Len())
		assert.ErrorIs(t, results[1].Err, fetch.ErrNotFound)
		assert.Nil(t, results[1].RepoData)
		require.NoError(t, results[2].Err)
		assert.EqualValues(t, "noarch", results[2].RepoData.Subdir())
	})
	t.Run("allow missing", func(t *testing.T) {
		g := newGateway(t)
		results, err := g.QueryAll(ctx, subdirs, QueryOptions{AllowMissing: true})
		require.NoError(t, err)
		require.NotNil(t, results[1].RepoData)
		assert.Zero(t, results[1].RepoData.Len())
	})
	t.Run("all or nothing", func(t *testing.T) {
		g := newGateway(t)
		results, err := g.QueryAll(ctx, subdirs, QueryOptions{AllOrNothing: true})
		assert.ErrorIs(t, err, fetch.ErrNotFound)
		assert.Nil(t, results)
	})
	t.Run("missing noarch", func(t *testing.T) {
		g := newGateway(t)
		other := reposerver.New(t)
		require.NoError(t, other.Publish("linux-64", reposerver.Generation("linux-64", 1)))
		_, err := g.QueryAll(ctx, []Subdir{{Channel: newChannel(t, other), Platform: channel.NoArch}}, QueryOptions{AllowMissing: true})
		assert.ErrorIs(t, err, fetch.ErrNotFound)
	})
}

func TestGateway_QueryChannels(t *testing.T) {
	ctx := newContext(t)

	srv := reposerver.New(t)
	require.NoError(t, srv.Publish("linux-64", reposerver.Generation("linux-64", 4)))
	require.NoError(t, srv.Publish("noarch", reposerver.Generation("noarch", 2)))
	ch := newChannel(t, srv)

	g := newGateway(t)
	results, err := g.QueryChannels(ctx, []*channel.Channel{ch}, []channel.Platform{channel.Linux64, channel.NoArch}, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)

	records, err := Records(ctx, results, false)
	require.NoError(t, err)
	assert.Len(t, records, 6)

	records, err = Records(ctx, results, false, "pkg1")
	require.NoError(t, err)
	assert.Len(t, records, 2)

	records, err = Records(ctx, results, true, "pkg3")
	require.NoError(t, err)
	// pkg3 to pkg0 in linux-64 and pkg1, pkg0 in noarch
	assert.Len(t, records, 6)
}

func TestGateway_MalformedCache(t *testing.T) {
	ctx := newContext(t)

	srv := reposerver.New(t)
	srv.SetMaxAge(3600)
	require.NoError(t, srv.Publish("linux-64", reposerver.Generation("linux-64", 2)))
	ch := newChannel(t, srv)
	g := newGateway(t)

	_, err := g.Query(ctx, ch, channel.Linux64)
	require.NoError(t, err)

	// replace the document with garbage of the same size
	entry, err := g.Store().Read(ctx, ch.Identity("linux-64"))
	require.NoError(t, err)
	garbage := make([]byte, entry.Size)
	for i := range garbage {
		garbage[i] = 'x'
	}
	require.NoError(t, os.WriteFile(entry.Path, garbage, 0o644))

	// the cached document is discarded and downloaded again
	rd, err := g.Query(ctx, ch, channel.Linux64)
	require.NoError(t, err)
	assert.EqualValues(t, 2, rd.Len())
	assert.EqualValues(t, 2, srv.Hits(http.MethodGet, reposerver.Path("linux-64", fetch.FileRepoData)))

	// and served from the cache afterwards
	_, err = g.Query(ctx, ch, channel.Linux64)
	require.NoError(t, err)
	assert.EqualValues(t, 2, srv.Hits(http.MethodGet, reposerver.Path("linux-64", fetch.FileRepoData)))
}

func TestGateway_ReleasesHandles(t *testing.T) {
	ctx := newContext(t)

	srv := reposerver.New(t)
	srv.SetMaxAge(3600)
	require.NoError(t, srv.Publish("linux-64", reposerver.Generation("linux-64", 3)))
	ch := newChannel(t, srv)
	g := newGateway(t)

	t.Run("closed", func(t *testing.T) {
		for range 100 {
			rd, err := g.Query(ctx, ch, channel.Linux64, "pkg0")
			require.NoError(t, err)
			require.NoError(t, rd.Close())
		}
		assert.Zero(t, g.tracked())
	})
	t.Run("dropped", func(t *testing.T) {
		for range 100 {
			_, err := g.Query(ctx, ch, channel.Linux64, "pkg0")
			require.NoError(t, err)
		}
		assert.Eventually(t, func() bool {
			runtime.GC()
			return g.tracked() == 0
		}, 5*time.Second, 10*time.Millisecond)
	})
	t.Run("open", func(t *testing.T) {
		rd, err := g.Query(ctx, ch, channel.Linux64)
		require.NoError(t, err)
		assert.EqualValues(t, 1, g.tracked())

		require.NoError(t, g.Close())
		assert.Zero(t, g.tracked())
		_, err = rd.Records("pkg1")
		assert.ErrorIs(t, err, sparse.ErrClosed)
	})
}

func TestGateway_Close(t *testing.T) {
	ctx := newContext(t)

	srv := reposerver.New(t)
	require.NoError(t, srv.Publish("linux-64", reposerver.Generation("linux-64", 3)))
	ch := newChannel(t, srv)
	g := newGateway(t)

	rd, err := g.Query(ctx, ch, channel.Linux64, "pkg0")
	require.NoError(t, err)
	require.NoError(t, g.Close())

	// records decoded before closing are still available
	records, err := rd.Records("pkg0")
	require.NoError(t, err)
	assert.Len(t, records, 1)
	_, err = rd.Records("pkg1")
	assert.ErrorIs(t, err, sparse.ErrClosed)

	_, err = g.Query(ctx, ch, channel.Linux64)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, g.Close())
}

func TestExpand(t *testing.T) {
	a, err := channel.Parse("conda-forge", channel.Config{})
	require.NoError(t, err)
	b, err := channel.Parse("https://example.org/bioconda/linux-64", channel.Config{})
	require.NoError(t, err)

	subdirs := Expand([]*channel.Channel{a, b, a}, nil)
	var keys []string
	for _, sd := range subdirs {
		keys = append(keys, sd.String())
	}
	want := []string{}
	for _, p := range channel.DefaultPlatforms() {
		want = append(want, "https://conda.anaconda.org/conda-forge/"+p.String())
	}
	want = append(want, "https://example.org/bioconda/linux-64")
	assert.EqualValues(t, want, keys)

	subdirs = Expand([]*channel.Channel{a}, []channel.Platform{channel.OsxArm64})
	require.Len(t, subdirs, 1)
	assert.EqualValues(t, "https://conda.anaconda.org/conda-forge/osx-arm64", subdirs[0].String())
}
