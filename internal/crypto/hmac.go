package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Request signature headers.
const (
	HeaderTimestamp = "X-Perpops-Timestamp"
	HeaderSignature = "X-Perpops-Signature"
)

// ErrBadSignature is returned when a request signature does not verify.
var ErrBadSignature = errors.New("crypto: bad request signature")

// RequestSigner signs mutating API requests with a shared secret:
// hex(HMAC-SHA256(secret, timestamp + method + path + body)).
type RequestSigner struct {
	secret  []byte
	maxSkew time.Duration
}

// NewRequestSigner returns a signer that accepts timestamps within maxSkew
// of the verifier's clock.
func NewRequestSigner(secret string, maxSkew time.Duration) *RequestSigner {
	return &RequestSigner{secret: []byte(secret), maxSkew: maxSkew}
}

// Headers returns the two signature headers for a request sent at ts.
func (s *RequestSigner) Headers(method, path string, body []byte, ts time.Time) map[string]string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return map[string]string{
		HeaderTimestamp: unix,
		HeaderSignature: s.sign(unix, method, path, body),
	}
}

// Verify checks a request's timestamp and signature headers against now.
func (s *RequestSigner) Verify(method, path string, body []byte, timestamp, signature string, now time.Time) error {
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: timestamp %q", ErrBadSignature, timestamp)
	}
	skew := now.Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if s.maxSkew > 0 && skew > s.maxSkew {
		return fmt.Errorf("%w: timestamp skew %s", ErrBadSignature, skew)
	}
	want := s.sign(timestamp, method, path, body)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

func (s *RequestSigner) sign(timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(timestamp + method + path))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
