package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"restaurant-sync/internal/common/httpx"
)

const unknownIdentity = "unknown"

// ClientIdentity picks the best network-layer address available.
func ClientIdentity(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return rip
	}
	if r.RemoteAddr != "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err == nil && host != "" {
			return host
		}
		return r.RemoteAddr
	}
	return unknownIdentity
}

// Middleware guards next with the class budget. Allowed responses carry the
// remaining quota; rejected ones get 429 with Retry-After.
func (l *Limiter) Middleware(class string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, err := l.Allow(r.Context(), class, ClientIdentity(r))
		if err != nil {
			l.log.Error("rate_limit_misconfigured", err, map[string]any{"class": class})
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))

		if !d.Allowed {
			secs := int(math.Ceil(d.RetryAfter.Seconds()))
			h.Set("Retry-After", strconv.Itoa(max(secs, 1)))
			httpx.WriteProblem(w, http.StatusTooManyRequests, "rate_limited",
				"too many requests, retry in "+strconv.Itoa(max(secs, 1))+"s")
			return
		}
		next.ServeHTTP(w, r)
	})
}
