package repodata

import (
	"bytes"
	"fmt"
	"strings"
)

// NoArchType describes whether a package is noarch and if so
// which kind. Older repodata stores a boolean.
type NoArchType string

const (
	NoArchNone    NoArchType = ""
	NoArchGeneric NoArchType = "generic"
	NoArchPython  NoArchType = "python"
)

func (n *NoArchType) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch string(b) {
	case "null", "false":
		*n = NoArchNone
		return nil
	case "true":
		*n = NoArchGeneric
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("unexpected noarch value %s: %w", b, err)
	}
	switch NoArchType(s) {
	case NoArchNone, NoArchGeneric, NoArchPython:
		*n = NoArchType(s)
		return nil
	}
	return fmt.Errorf("unknown noarch type: %q", s)
}

// StringList decodes either a JSON list or a single
// comma or whitespace separated string.
type StringList []string

func (l *StringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*l = strings.FieldsFunc(s, func(r rune) bool {
			return r == ',' || r == ' '
		})
		return nil
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	*l = out
	return nil
}

// PackageRecord is a single package entry of a repodata.json file.
type PackageRecord struct {
	Name                   string     `json:"name"`
	Version                string     `json:"version"`
	Build                  string     `json:"build"`
	BuildNumber            uint64     `json:"build_number"`
	Depends                []string   `json:"depends,omitempty"`
	Constrains             []string   `json:"constrains,omitempty"`
	Subdir                 string     `json:"subdir,omitempty"`
	Arch                   string     `json:"arch,omitempty"`
	Platform               string     `json:"platform,omitempty"`
	MD5                    string     `json:"md5,omitempty"`
	SHA256                 string     `json:"sha256,omitempty"`
	Size                   uint64     `json:"size,omitempty"`
	License                string     `json:"license,omitempty"`
	LicenseFamily          string     `json:"license_family,omitempty"`
	NoArch                 NoArchType `json:"noarch,omitempty"`
	Timestamp              int64      `json:"timestamp,omitempty"`
	TrackFeatures          StringList `json:"track_features,omitempty"`
	Features               string     `json:"features,omitempty"`
	LegacyBz2MD5           string     `json:"legacy_bz2_md5,omitempty"`
	LegacyBz2Size          uint64     `json:"legacy_bz2_size,omitempty"`
	PythonSitePackagesPath string     `json:"python_site_packages_path,omitempty"`
}

// Record is a PackageRecord together with where it can be downloaded from.
type Record struct {
	PackageRecord
	FileName string `json:"fn"`
	URL      string `json:"url"`
	Channel  string `json:"channel"`
}

func (r *Record) String() string {
	return fmt.Sprintf("%s-%s-%s", r.Name, r.Version, r.Build)
}
