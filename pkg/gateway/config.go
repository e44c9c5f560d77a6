package gateway

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/djcass44/repodata-gateway/pkg/fetch"
	"github.com/djcass44/repodata-gateway/pkg/sparse"
)

// Config configures a Gateway. Zero values are replaced with
// the defaults of DefaultConfig.
type Config struct {
	// CacheDir is where documents are cached. Defaults to
	// a directory in the user cache dir.
	CacheDir string `mapstructure:"cache-dir"`
	// ChannelAlias is the url bare channel names resolve against.
	ChannelAlias string `mapstructure:"channel-alias"`

	MaxAttempts    int           `mapstructure:"max-attempts"`
	InitialBackoff time.Duration `mapstructure:"initial-backoff"`
	MaxBackoff     time.Duration `mapstructure:"max-backoff"`
	RequestTimeout time.Duration `mapstructure:"request-timeout"`

	// Concurrency bounds how many subdirs are queried at once.
	Concurrency   int   `mapstructure:"concurrency"`
	MmapThreshold int64 `mapstructure:"mmap-threshold"`

	PatchCostRatio       float64       `mapstructure:"patch-cost-ratio"`
	DisablePatches       bool          `mapstructure:"disable-patches"`
	DisableZst           bool          `mapstructure:"disable-zst"`
	VariantCheckInterval time.Duration `mapstructure:"variant-check-interval"`
	// DefaultMaxAge is how long a document is fresh when the
	// server does not say. Zero revalidates on every query.
	DefaultMaxAge time.Duration `mapstructure:"default-max-age"`
	// VerifyOnRead hashes cached documents every time
	// they are read.
	VerifyOnRead bool `mapstructure:"verify-on-read"`

	Client    *http.Client        `mapstructure:"-"`
	Auth      fetch.Authenticator `mapstructure:"-"`
	Progress  fetch.ProgressFunc  `mapstructure:"-"`
	UserAgent string              `mapstructure:"user-agent"`
}

const DefaultConcurrency = 8

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	return Config{
		CacheDir:             DefaultCacheDir(),
		MaxAttempts:          fetch.DefaultMaxAttempts,
		InitialBackoff:       fetch.DefaultInitialBackoff,
		MaxBackoff:           fetch.DefaultMaxBackoff,
		RequestTimeout:       fetch.DefaultRequestTimeout,
		Concurrency:          DefaultConcurrency,
		MmapThreshold:        sparse.DefaultMmapThreshold,
		PatchCostRatio:       fetch.DefaultPatchCostRatio,
		VariantCheckInterval: fetch.DefaultVariantCheckInterval,
		UserAgent:            fetch.DefaultUserAgent,
	}
}

// DefaultCacheDir returns the cache directory used when
// none is configured.
func DefaultCacheDir() string {
	d, err := os.UserCacheDir()
	if err != nil {
		d = os.TempDir()
	}
	return filepath.Join(d, "repodata-gateway")
}

func (c Config) withDefaults() Config {
	if c.CacheDir == "" {
		c.CacheDir = DefaultCacheDir()
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MmapThreshold == 0 {
		c.MmapThreshold = sparse.DefaultMmapThreshold
	}
	return c
}

func (c Config) fetchOptions() fetch.Options {
	return fetch.Options{
		Client:               c.Client,
		Auth:                 c.Auth,
		MaxAttempts:          c.MaxAttempts,
		InitialBackoff:       c.InitialBackoff,
		MaxBackoff:           c.MaxBackoff,
		RequestTimeout:       c.RequestTimeout,
		PatchCostRatio:       c.PatchCostRatio,
		DisablePatches:       c.DisablePatches,
		DisableZst:           c.DisableZst,
		VariantCheckInterval: c.VariantCheckInterval,
		DefaultMaxAge:        c.DefaultMaxAge,
		Progress:             c.Progress,
		UserAgent:            c.UserAgent,
	}
}
