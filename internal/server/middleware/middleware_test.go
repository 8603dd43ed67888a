package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

// countingLimiter allows up to limit calls per key and records the limits
// it was asked to apply.
type countingLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	limits map[string]int
	err    error
}

func newCountingLimiter() *countingLimiter {
	return &countingLimiter{counts: map[string]int{}, limits: map[string]int{}}
}

func (l *countingLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	l.counts[key]++
	l.limits[key] = limit
	return l.counts[key] <= limit, nil
}

func serve(h http.Handler, method, target string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestRateLimitKeepsMutationsInTheirOwnBucket(t *testing.T) {
	lim := newCountingLimiter()
	h := RateLimit(lim, RatePolicy{Limit: 2, MutationLimit: 1, Window: 1500 * time.Millisecond}, discard())(okHandler)

	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/api/markets").Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/api/markets").Code)
	rec := serve(h, http.MethodGet, "/api/markets")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())

	assert.Equal(t, http.StatusOK, serve(h, http.MethodPost, "/api/rewards/notify").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, http.MethodDelete, "/api/markets/ETHUSDC/positions/x").Code)

	assert.Equal(t, 2, lim.limits["perpops:ratelimit:read:192.0.2.1"])
	assert.Equal(t, 1, lim.limits["perpops:ratelimit:write:192.0.2.1"])
}

func TestRateLimitTrustsForwardingHeadersOnlyWhenAsked(t *testing.T) {
	tests := []struct {
		name    string
		trust   bool
		headers []string
		wantKey string
	}{
		{"direct", false, []string{"X-Forwarded-For", "203.0.113.9"}, "perpops:ratelimit:read:192.0.2.1"},
		{"forwarded", true, []string{"X-Forwarded-For", "203.0.113.9, 10.0.0.1"}, "perpops:ratelimit:read:203.0.113.9"},
		{"real ip", true, []string{"X-Real-IP", "2001:db8::1"}, "perpops:ratelimit:read:2001:db8::1"},
		{"garbage header", true, []string{"X-Forwarded-For", "not-an-ip"}, "perpops:ratelimit:read:192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lim := newCountingLimiter()
			h := RateLimit(lim, RatePolicy{Limit: 5, Window: time.Second, TrustProxy: tt.trust}, discard())(okHandler)
			serve(h, http.MethodGet, "/api/markets", tt.headers...)
			assert.Contains(t, lim.counts, tt.wantKey)
		})
	}
}

func TestRateLimitLetsRequestsThroughWhenLimiterFails(t *testing.T) {
	lim := newCountingLimiter()
	lim.err = errors.New("redis: connection refused")
	var logs bytes.Buffer
	h := RateLimit(lim, RatePolicy{Limit: 1, Window: time.Second}, slog.New(slog.NewTextHandler(&logs, nil)))(okHandler)

	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/api/markets").Code)
	assert.Contains(t, logs.String(), "rate limiter unavailable")
	assert.Contains(t, logs.String(), "connection refused")

	assert.Equal(t, http.StatusOK, serve(RateLimit(nil, RatePolicy{Limit: 1}, discard())(okHandler), http.MethodGet, "/").Code)
}

func TestAuthAcceptsEveryConfiguredKey(t *testing.T) {
	h := Auth([]string{"old", " new ", ""}, "/api/health", "GET /api/config/")(okHandler)

	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/api/markets", "Authorization", "Bearer old").Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/api/markets", "X-API-Key", "new").Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/api/health").Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/api/config/staging").Code)

	rec := serve(h, http.MethodPost, "/api/config/staging")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Bearer realm="perpops"`, rec.Header().Get("WWW-Authenticate"))
	assert.JSONEq(t, `{"error":"missing authentication token"}`, rec.Body.String())

	rec = serve(h, http.MethodGet, "/api/markets", "Authorization", "Bearer stale")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)

	assert.Equal(t, http.StatusOK, serve(Auth(nil)(okHandler), http.MethodGet, "/api/markets").Code)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://ops.example.com", "https://*.perp.exchange"})(okHandler)

	rec := serve(h, http.MethodOptions, "/api/rewards/notify",
		"Origin", "https://app.perp.exchange", "Access-Control-Request-Method", "POST")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.perp.exchange", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Perpops-Wallet-Signature")
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))

	rec = serve(h, http.MethodGet, "/api/markets", "Origin", "https://ops.example.com")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "Retry-After")

	for _, origin := range []string{"https://perp.exchange.evil.io", "http://app.perp.exchange", "https://evilperp.exchange"} {
		rec = serve(h, http.MethodGet, "/api/markets", "Origin", origin)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"), origin)
	}

	rec = serve(CORS(nil)(okHandler), http.MethodGet, "/", "Origin", "https://anywhere.test")
	assert.Equal(t, "https://anywhere.test", rec.Header().Get("Access-Control-Allow-Origin"))
}
