package cache

import "errors"

var (
	// ErrNotFound is returned when there is no entry for an identity.
	ErrNotFound = errors.New("cache entry not found")
	// ErrCorrupt is returned when an entry exists but cannot be
	// trusted. Callers should treat it as a cache miss.
	ErrCorrupt = errors.New("cache entry corrupt")
)
