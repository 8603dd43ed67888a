package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/perpops/internal/crypto"
)

// Wallet returns middleware that recovers the wallet which signed a mutating
// request (method, path with query, body) and records it with
// crypto.WithCaller. Requests without a valid wallet signature pass through
// with no caller; handlers that act on behalf of an account reject them.
func Wallet(verifier *crypto.WalletVerifier, logger *slog.Logger, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sig := r.Header.Get(crypto.HeaderWalletSignature)
			if sig == "" || !isMutation(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSignedBody))
			if err != nil {
				writeUnauthorized(w, "unreadable request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			caller, err := verifier.Recover(r.Method, r.URL.RequestURI(), body,
				r.Header.Get(crypto.HeaderWalletTimestamp), sig, now())
			if err != nil {
				logger.DebugContext(r.Context(), "wallet signature rejected",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(crypto.WithCaller(r.Context(), caller)))
		})
	}
}
