package util

import (
	"net"
	"net/http"
	"strings"
)

// TenantKey derives the per-client identity used for rate, concurrency and
// quota accounting: the first X-Forwarded-For hop, else the peer address,
// else "unknown".
func TenantKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if r.RemoteAddr != "" {
		if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return ip
		}
		return r.RemoteAddr
	}
	return "unknown"
}
