package channel

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/drone/envsubst"
)

// DefaultAlias is prefixed to channel names that are not
// urls or paths (e.g. "conda-forge").
const DefaultAlias = "https://conda.anaconda.org"

// Config influences how channel strings are interpreted.
type Config struct {
	// Alias is the url that bare channel names are
	// resolved against.
	Alias string
}

// Channel is a conda channel. The platform part of a url is
// never part of the channel itself.
type Channel struct {
	// Platforms that were explicitly requested, or nil.
	Platforms []Platform `json:"platforms,omitempty"`
	Scheme    string     `json:"scheme"`
	// Location is the host (and optional port) or root path.
	Location string `json:"location"`
	Name     string `json:"name"`
}

var (
	regexpPath   = regexp.MustCompile(`^(\./|\.\.|~|/|[a-zA-Z]:[/\\]|\\\\|//)`)
	regexpScheme = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9]{0,10})://`)
)

// Parse parses a human-readable channel string. Environment
// variables (${VAR}) are expanded before parsing.
func Parse(s string, cfg Config) (*Channel, error) {
	expanded, err := envsubst.EvalEnv(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("expanding channel: %w", err)
	}
	if expanded == "" {
		return nil, errors.New("channel is empty")
	}
	platforms, rest, err := parsePlatforms(expanded)
	if err != nil {
		return nil, err
	}

	switch {
	case regexpScheme.MatchString(rest):
		uri, err := url.Parse(rest)
		if err != nil {
			return nil, fmt.Errorf("parsing channel url: %w", err)
		}
		return FromURL(uri, platforms), nil
	case regexpPath.MatchString(rest):
		path, err := expandHome(rest)
		if err != nil {
			return nil, err
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolving channel path: %w", err)
		}
		return FromURL(&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}, platforms), nil
	default:
		return FromName(rest, platforms, cfg)
	}
}

// FromURL builds a Channel from a url. A trailing platform
// segment is moved into the channel's platforms and a trailing
// package filename is dropped.
func FromURL(uri *url.URL, platforms []Platform) *Channel {
	segments := splitPath(uri.Path)
	if n := len(segments); n > 0 && isArchive(segments[n-1]) {
		segments = segments[:n-1]
	}
	if n := len(segments); n > 0 {
		if p, err := ParsePlatform(segments[n-1]); err == nil {
			if !slices.Contains(platforms, p) {
				platforms = append(platforms, p)
			}
			segments = segments[:n-1]
		}
	}

	if uri.Host == "" {
		// file urls have no host, the first segments
		// make up the location
		location := "/"
		name := ""
		switch len(segments) {
		case 0:
		case 1:
			name = segments[0]
		default:
			location = "/" + strings.Join(segments[:len(segments)-1], "/")
			name = segments[len(segments)-1]
		}
		return &Channel{
			Platforms: platforms,
			Scheme:    orDefault(uri.Scheme, "file"),
			Location:  location,
			Name:      name,
		}
	}
	return &Channel{
		Platforms: platforms,
		Scheme:    uri.Scheme,
		Location:  uri.Host,
		Name:      strings.Join(segments, "/"),
	}
}

// FromName builds a Channel by joining name to the configured alias.
func FromName(name string, platforms []Platform, cfg Config) (*Channel, error) {
	alias, err := url.Parse(orDefault(cfg.Alias, DefaultAlias))
	if err != nil {
		return nil, fmt.Errorf("parsing channel alias: %w", err)
	}
	location := strings.TrimSuffix(alias.Host+"/"+strings.Trim(alias.Path, "/"), "/")
	return &Channel{
		Platforms: platforms,
		Scheme:    alias.Scheme,
		Location:  location,
		Name:      strings.Trim(name, "/"),
	}, nil
}

// BaseURL returns the url of the channel without a platform.
// It always ends with a '/'.
func (c *Channel) BaseURL() string {
	location := strings.TrimSuffix(c.Location, "/")
	if c.Scheme == "file" && !strings.HasPrefix(location, "/") {
		location = "/" + location
	}
	u := c.Scheme + "://" + location
	if c.Name != "" {
		u += "/" + c.Name
	}
	return u + "/"
}

// PlatformURL returns the url of a single platform subdirectory.
func (c *Channel) PlatformURL(p Platform) string {
	return c.BaseURL() + string(p) + "/"
}

// PlatformsOrDefault returns the explicit platforms of the channel,
// or the default platforms of this system.
func (c *Channel) PlatformsOrDefault() []Platform {
	if len(c.Platforms) > 0 {
		return c.Platforms
	}
	return DefaultPlatforms()
}

// CanonicalName is the base url without the trailing slash.
func (c *Channel) CanonicalName() string {
	return strings.TrimSuffix(c.BaseURL(), "/")
}

// Identity returns the index identity of one subdirectory of the channel.
func (c *Channel) Identity(subdir string) Identity {
	return Identity{BaseURL: c.BaseURL(), Subdir: subdir}
}

func (c *Channel) String() string {
	return c.CanonicalName()
}

// parsePlatforms extracts a trailing "[a,b]" platform list.
func parsePlatforms(s string) ([]Platform, string, error) {
	if !strings.HasSuffix(s, "]") {
		return nil, s, nil
	}
	start := strings.LastIndex(s, "[")
	if start < 0 {
		return nil, s, nil
	}
	var platforms []Platform
	for _, part := range strings.Split(s[start+1:len(s)-1], ",") {
		p, err := ParsePlatform(strings.TrimSpace(part))
		if err != nil {
			return nil, "", fmt.Errorf("parsing channel platforms: %w", err)
		}
		platforms = append(platforms, p)
	}
	return platforms, s[:start], nil
}

func splitPath(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isArchive(s string) bool {
	return strings.HasSuffix(s, ".conda") || strings.HasSuffix(s, ".tar.bz2")
}

func orDefault(s, d string) string {
	if s == "" {
		return d
	}
	return s
}
