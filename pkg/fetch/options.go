package fetch

import (
	"net/http"
	"time"

	"github.com/djcass44/repodata-gateway/pkg/channel"
	"github.com/hashicorp/go-cleanhttp"
)

// ProgressFunc is called while a document is downloaded. total
// is -1 when the server does not announce a length. Once the body
// has been stored it is called with downloaded equal to total.
type ProgressFunc func(id channel.Identity, downloaded, total int64)

// Options configure a Coordinator. Zero values are replaced
// with defaults.
type Options struct {
	Client *http.Client
	Auth   Authenticator

	// MaxAttempts is the number of times a request is
	// tried before giving up.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RequestTimeout bounds a single request including
	// reading its body.
	RequestTimeout time.Duration

	// PatchCostRatio is the largest patch chain, relative to the
	// size of the cached document, that is applied instead of
	// downloading the document again.
	PatchCostRatio float64
	DisablePatches bool
	DisableZst     bool
	// VariantCheckInterval is how long the availability of
	// repodata.json.zst and repodata.jlap is remembered.
	VariantCheckInterval time.Duration
	// DefaultMaxAge is used when the server does not send one.
	DefaultMaxAge time.Duration

	Progress  ProgressFunc
	UserAgent string

	// Now returns the current time.
	Now func() time.Time
}

const (
	DefaultMaxAttempts          = 5
	DefaultInitialBackoff       = 250 * time.Millisecond
	DefaultMaxBackoff           = 10 * time.Second
	DefaultRequestTimeout       = 5 * time.Minute
	DefaultPatchCostRatio       = 0.5
	DefaultVariantCheckInterval = 14 * 24 * time.Hour
	DefaultUserAgent            = "repodata-gateway"
)

func (o Options) withDefaults() Options {
	if o.Client == nil {
		o.Client = NewClient()
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.PatchCostRatio <= 0 {
		o.PatchCostRatio = DefaultPatchCostRatio
	}
	if o.VariantCheckInterval <= 0 {
		o.VariantCheckInterval = DefaultVariantCheckInterval
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// NewClient returns a pooled http client that can also
// read file:// urls.
func NewClient() *http.Client {
	client := cleanhttp.DefaultPooledClient()
	if t, ok := client.Transport.(*http.Transport); ok {
		t.RegisterProtocol("file", http.NewFileTransport(http.Dir("/")))
	}
	return client
}
