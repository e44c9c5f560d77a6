package fetch

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxAge returns how long a response may be served from the cache.
func maxAge(h http.Header, fallback time.Duration) time.Duration {
	cc := h.Get("Cache-Control")
	if cc == "" {
		return fallback
	}
	age := fallback
	for _, directive := range strings.Split(cc, ",") {
		k, v, _ := strings.Cut(strings.TrimSpace(directive), "=")
		switch strings.ToLower(k) {
		case "no-cache", "no-store":
			return 0
		case "max-age":
			seconds, err := strconv.ParseInt(strings.Trim(v, `"`), 10, 64)
			if err == nil && seconds >= 0 {
				age = time.Duration(seconds) * time.Second
			}
		}
	}
	return age
}
