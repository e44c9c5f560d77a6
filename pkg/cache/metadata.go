package cache

import (
	"time"

	"github.com/djcass44/repodata-gateway/pkg/channel"
)

// Availability records whether an optional remote file (the
// compressed variant or the patch log) exists and when that was
// last checked.
type Availability struct {
	Value     bool      `json:"value"`
	CheckedAt time.Time `json:"checked_at"`
}

// Known returns whether the availability was checked
// no longer than ttl ago.
func (a *Availability) Known(now time.Time, ttl time.Duration) bool {
	return a != nil && now.Sub(a.CheckedAt) < ttl
}

// PatchState tracks the patch log that was last
// applied to the cached document.
type PatchState struct {
	URL  string `json:"url,omitempty"`
	ETag string `json:"etag,omitempty"`
	// Seq is the highest applied entry, zero if unknown.
	Seq       uint64        `json:"seq,omitempty"`
	Available *Availability `json:"available,omitempty"`
}

// Metadata is the sidecar persisted next to each cached document.
type Metadata struct {
	Identity     channel.Identity `json:"identity"`
	URL          string           `json:"url"`
	ETag         string           `json:"etag,omitempty"`
	LastModified string           `json:"last_modified,omitempty"`
	CacheControl string           `json:"cache_control,omitempty"`
	MaxAge       time.Duration    `json:"max_age,omitempty"`
	FetchedAt    time.Time        `json:"fetched_at"`

	// fields below are owned by the Store
	Size     int64  `json:"size"`
	Hash     string `json:"blake2b"`
	Blob     string `json:"blob"`
	Previous string `json:"previous,omitempty"`

	Patch PatchState    `json:"patch"`
	Zst   *Availability `json:"zst,omitempty"`
}

// Fresh returns whether the document may be served without
// contacting the server.
func (m *Metadata) Fresh(now time.Time) bool {
	if m.MaxAge <= 0 {
		return false
	}
	return now.Sub(m.FetchedAt) < m.MaxAge
}

// Entry is a committed cache entry.
type Entry struct {
	Metadata
	// Path is the absolute path of the document.
	Path string
}
