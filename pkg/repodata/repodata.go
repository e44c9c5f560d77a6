package repodata

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Keys of the two package maps in a repodata.json document.
const (
	KeyPackages      = "packages"
	KeyPackagesConda = "packages.conda"
	KeyInfo          = "info"
)

// Info is the "info" section of a repodata.json document.
type Info struct {
	Subdir string `json:"subdir,omitempty"`
	// BaseURL is set by repodata_version 2 documents and
	// overrides where package files are downloaded from.
	BaseURL string `json:"base_url,omitempty"`
}

// RepoData is a fully decoded repodata.json document.
type RepoData struct {
	Info            *Info                    `json:"info,omitempty"`
	Packages        map[string]PackageRecord `json:"packages"`
	Conda           map[string]PackageRecord `json:"packages.conda"`
	Removed         []string                 `json:"removed,omitempty"`
	RepoDataVersion int                      `json:"repodata_version,omitempty"`
}

// Parse decodes a complete repodata.json document.
func Parse(b []byte) (*RepoData, error) {
	var rd RepoData
	if err := json.Unmarshal(b, &rd); err != nil {
		return nil, fmt.Errorf("decoding repodata: %w", err)
	}
	return &rd, nil
}

// Source describes where a set of records came from.
type Source struct {
	// Channel is the base url of the channel, ending with '/'.
	Channel string
	// SubdirURL is the url of the platform directory, ending with '/'.
	SubdirURL string
	Subdir    string
	Info      *Info
}

// NewRecord attaches the download location to rec.
func (s Source) NewRecord(filename string, rec PackageRecord) Record {
	if rec.Subdir == "" {
		rec.Subdir = s.Subdir
	}
	return Record{
		PackageRecord: rec,
		FileName:      filename,
		URL:           s.fileURL(filename),
		Channel:       s.Channel,
	}
}

func (s Source) fileURL(filename string) string {
	base := s.SubdirURL
	if s.Info != nil && s.Info.BaseURL != "" {
		base = s.Info.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		// a relative base_url is resolved against the subdir
		if ref, err := url.Parse(base); err == nil && !ref.IsAbs() {
			if sub, err := url.Parse(s.SubdirURL); err == nil {
				base = sub.ResolveReference(ref).String()
			}
		}
	}
	return base + filename
}

// Records returns every record of the document grouped by package
// name. Records within a name are ordered by filename.
func (rd *RepoData) Records(src Source) map[string][]Record {
	if src.Info == nil {
		src.Info = rd.Info
	}
	out := map[string][]Record{}
	for _, m := range []map[string]PackageRecord{rd.Packages, rd.Conda} {
		filenames := make([]string, 0, len(m))
		for fn := range m {
			filenames = append(filenames, fn)
		}
		sort.Strings(filenames)
		for _, fn := range filenames {
			rec := m[fn]
			name := rec.Name
			if name == "" {
				name, _ = PackageFromFilename(fn)
			}
			out[name] = append(out[name], src.NewRecord(fn, rec))
		}
	}
	return out
}
