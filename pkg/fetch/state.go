package fetch

import "github.com/djcass44/repodata-gateway/pkg/cache"

// state is a step of the fetch state machine.
type state interface {
	name() string
}

// stateNoCache: there is no usable cache entry.
type stateNoCache struct{}

// stateFresh: the cache entry has not expired.
type stateFresh struct {
	entry *cache.Entry
}

// stateRevalidate: the entry has expired and is checked
// with a conditional request.
type stateRevalidate struct {
	entry *cache.Entry
}

// statePatch: the entry has expired and the server
// publishes a patch log.
type statePatch struct {
	entry *cache.Entry
}

// stateFullFetch: the document is downloaded again. previous
// is the entry being replaced, if any.
type stateFullFetch struct {
	previous *cache.Entry
}

type stateDone struct {
	result *Result
}

func (stateNoCache) name() string    { return "no-cache" }
func (stateFresh) name() string      { return "fresh" }
func (stateRevalidate) name() string { return "revalidate" }
func (statePatch) name() string      { return "patch" }
func (stateFullFetch) name() string  { return "full-fetch" }
func (stateDone) name() string       { return "done" }
