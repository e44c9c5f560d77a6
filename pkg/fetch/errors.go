package fetch

import (
	"errors"
	"fmt"

	"github.com/djcass44/repodata-gateway/pkg/channel"
)

var (
	// ErrNetwork is a failure to talk to the server: timeouts,
	// connection errors and server errors.
	ErrNetwork = errors.New("network error")
	// ErrAuth is returned when the server rejects our credentials.
	ErrAuth = errors.New("authentication failed")
	// ErrNotFound is returned when the server has no repodata for
	// the subdir.
	ErrNotFound = errors.New("repodata not found")
	// ErrMalformed is returned when the server sends a document
	// that is not valid repodata.
	ErrMalformed = errors.New("malformed repodata")
	// ErrIO is a failure to read or write the local cache.
	ErrIO = errors.New("cache i/o error")
)

// Tier names the way a result was obtained.
type Tier string

const (
	TierCache       Tier = "cache"
	TierNotModified Tier = "not-modified"
	TierPatch       Tier = "patch"
	TierFull        Tier = "full"
)

// Error annotates a failure with the identity and the tier
// that was being attempted.
type Error struct {
	Identity channel.Identity
	Tier     Tier
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetching %s (%s): %s", e.Identity, e.Tier, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusError is an unexpected http response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected response from %s: %d", e.URL, e.StatusCode)
}
