package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/alanyoungcy/perpops/internal/crypto"
)

const maxSignedBody = 1 << 20

// Signature returns middleware that requires an HMAC signature on every
// request that is not GET, HEAD or OPTIONS. A nil signer disables it.
func Signature(signer *crypto.RequestSigner, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		if signer == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isMutation(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSignedBody))
			if err != nil {
				writeUnauthorized(w, "unreadable request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			err = signer.Verify(r.Method, r.URL.Path, body,
				r.Header.Get(crypto.HeaderTimestamp), r.Header.Get(crypto.HeaderSignature), now())
			if err != nil {
				msg := "invalid request signature"
				if !errors.Is(err, crypto.ErrBadSignature) {
					msg = "signature check failed"
				}
				writeUnauthorized(w, msg)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
