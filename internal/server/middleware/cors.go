package middleware

import (
	"net/http"
	"strings"

	"github.com/alanyoungcy/perpops/internal/crypto"
)

var allowHeaders = strings.Join([]string{
	"Content-Type", "Authorization", "X-API-Key",
	crypto.HeaderTimestamp, crypto.HeaderSignature,
	crypto.HeaderWalletTimestamp, crypto.HeaderWalletSignature,
}, ", ")

const (
	allowMethods  = "GET, POST, DELETE, OPTIONS"
	exposeHeaders = "Retry-After, X-RateLimit-Limit"
)

// CORS returns middleware that sets CORS headers for allowed origins. An entry
// is "*", an exact origin, or a subdomain wildcard such as
// "https://*.perp.exchange". No entries allows every origin. Preflights are
// answered here and never reach auth.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "Origin")
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

			if origin := r.Header.Get("Origin"); origin != "" && originAllowed(allowedOrigins, origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Expose-Headers", exposeHeaders)
				if preflight {
					h.Set("Access-Control-Allow-Methods", allowMethods)
					h.Set("Access-Control-Allow-Headers", allowHeaders)
					h.Set("Access-Control-Max-Age", "600")
				}
			}
			if preflight {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
		scheme, suffix, wildcard := strings.Cut(o, "://*.")
		if !wildcard {
			continue
		}
		gotScheme, host, ok := strings.Cut(origin, "://")
		if ok && strings.EqualFold(scheme, gotScheme) &&
			strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(suffix)) {
			return true
		}
	}
	return false
}
