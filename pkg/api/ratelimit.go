package api

import (
	"net/http"
	"strconv"
	"strings"
)

const (
	headerLimit     = "X-Rate-Limit-Limit"
	headerRemaining = "X-Rate-Limit-Remaining"
	headerReset     = "X-Rate-Limit-Reset"
	headerBucket    = "X-Rate-Limit-Bucket"
	headerGlobal    = "X-Rate-Limit-Global"
)

// RateLimitInfo is the per-response snapshot of the server's rate-limit
// headers. It is informational; the client does not act on it.
type RateLimitInfo struct {
	Limit       int
	Remaining   int
	ResetMillis int64
	Bucket      string
	Global      bool
}

// ParseRateLimit reads the X-Rate-Limit-* headers. Missing or malformed
// values leave the field at its zero value, except Remaining which is -1
// when the header is absent.
func ParseRateLimit(h http.Header) RateLimitInfo {
	info := RateLimitInfo{Remaining: -1}

	if v := h.Get(headerLimit); v != "" {
		info.Limit, _ = strconv.Atoi(strings.TrimSpace(v))
	}
	if v := h.Get(headerRemaining); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			info.Remaining = n
		}
	}
	if v := h.Get(headerReset); v != "" {
		// seconds until the bucket refills, possibly fractional
		if secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && secs >= 0 {
			info.ResetMillis = int64(secs * 1000)
		}
	}
	info.Bucket = h.Get(headerBucket)

	if v, ok := h[http.CanonicalHeaderKey(headerGlobal)]; ok {
		// the header's presence marks a global limit; some deployments also send a value
		info.Global = len(v) == 0 || v[0] == "" || !strings.EqualFold(v[0], "false")
	}
	return info
}
