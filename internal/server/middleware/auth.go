package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// publicRule exempts requests from the API key. A path ending in "/" matches
// as a prefix; an empty method matches any.
type publicRule struct {
	method string
	path   string
}

func parsePublic(entries []string) []publicRule {
	rules := make([]publicRule, 0, len(entries))
	for _, e := range entries {
		method, path, ok := strings.Cut(e, " ")
		if !ok {
			method, path = "", e
		}
		rules = append(rules, publicRule{method: method, path: path})
	}
	return rules
}

func (p publicRule) matches(r *http.Request) bool {
	if p.method != "" && p.method != r.Method {
		return false
	}
	if strings.HasSuffix(p.path, "/") {
		return strings.HasPrefix(r.URL.Path, p.path)
	}
	return r.URL.Path == p.path
}

// Auth returns middleware that requires one of keys as a Bearer token or in
// the X-API-Key header. Several keys may be live at once during rotation.
// Public entries are "/path", "/prefix/" or "METHOD /path". With no keys
// every request passes.
func Auth(keys []string, public ...string) func(http.Handler) http.Handler {
	rules := parsePublic(public)
	secrets := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			secrets = append(secrets, []byte(k))
		}
	}
	return func(next http.Handler) http.Handler {
		if len(secrets) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, rule := range rules {
				if rule.matches(r) {
					next.ServeHTTP(w, r)
					return
				}
			}

			token := extractToken(r)
			if token == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="perpops"`)
				writeUnauthorized(w, "missing authentication token")
				return
			}
			// Every key is compared so the match position does not leak.
			match := 0
			for _, s := range secrets {
				match |= subtle.ConstantTimeCompare([]byte(token), s)
			}
			if match != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="perpops", error="invalid_token"`)
				writeUnauthorized(w, "invalid authentication token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractToken reads "Authorization: Bearer <token>" or X-API-Key.
func extractToken(r *http.Request) string {
	if scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeJSONError(w, http.StatusUnauthorized, msg)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
