package sparse

import "errors"

var (
	// ErrMalformed is returned when a document is not a valid
	// repodata.json document.
	ErrMalformed = errors.New("malformed repodata")
	// ErrClosed is returned when a RepoData is used after Close.
	ErrClosed = errors.New("repodata is closed")
)
