package middleware

import (
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/perpops/internal/domain"
)

// RatePolicy sets per-client request budgets over Window. Mutations draw from
// their own bucket; a zero MutationLimit reuses Limit.
type RatePolicy struct {
	Limit         int
	MutationLimit int
	Window        time.Duration

	// TrustProxy makes X-Forwarded-For and X-Real-IP name the client.
	TrustProxy bool
}

// RateLimit returns middleware that applies a RatePolicy through the shared
// domain.RateLimiter. A nil limiter or a non-positive Limit disables it. When
// the limiter itself fails the request is let through and the failure logged.
func RateLimit(limiter domain.RateLimiter, policy RatePolicy, logger *slog.Logger) func(http.Handler) http.Handler {
	retryAfter := strconv.FormatInt(int64((policy.Window+time.Second-1)/time.Second), 10)
	return func(next http.Handler) http.Handler {
		if limiter == nil || policy.Limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			class, limit := "read", policy.Limit
			if isMutation(r.Method) {
				class = "write"
				if policy.MutationLimit > 0 {
					limit = policy.MutationLimit
				}
			}
			key := "perpops:ratelimit:" + class + ":" + clientIP(r, policy.TrustProxy)

			allowed, err := limiter.Allow(r.Context(), key, limit, policy.Window)
			if err != nil {
				logger.WarnContext(r.Context(), "rate limiter unavailable",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			if !allowed {
				w.Header().Set("Retry-After", retryAfter)
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isMutation(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// clientIP names the caller's bucket. Forwarding headers count only with
// trustProxy and only when they hold a parseable address.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
		if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return addr.Unmap().String()
		}
		if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
			return addr.Unmap().String()
		}
	}
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr().Unmap().String()
	}
	return r.RemoteAddr
}
