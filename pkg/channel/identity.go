package channel

import (
	"strings"
)

// Identity identifies one remote repodata index: a channel
// base url and a platform subdirectory. It is comparable and
// used as the cache and in-flight request key.
type Identity struct {
	BaseURL string `json:"base_url"`
	Subdir  string `json:"subdir"`
}

// Key returns a stable string form of the identity.
func (id Identity) Key() string {
	return strings.TrimSuffix(id.BaseURL, "/") + "/" + id.Subdir
}

// SubdirURL returns the url of the subdirectory, ending with a '/'.
func (id Identity) SubdirURL() string {
	return id.Key() + "/"
}

// URL resolves a file inside the subdirectory.
func (id Identity) URL(file string) string {
	return id.SubdirURL() + strings.TrimPrefix(file, "/")
}

func (id Identity) String() string {
	return id.Key()
}
