package crypto

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Wallet signature headers. The signature is an EIP-191 personal_sign over
// WalletMessage, so any Ethereum wallet can produce it.
const (
	HeaderWalletTimestamp = "X-Perpops-Wallet-Timestamp"
	HeaderWalletSignature = "X-Perpops-Wallet-Signature"
)

// ErrBadWalletSignature is returned when no signer can be recovered from a
// request.
var ErrBadWalletSignature = errors.New("crypto: bad wallet signature")

// WalletMessage is the text a caller signs for a request sent at unix
// seconds ts.
func WalletMessage(method, path string, body []byte, ts int64) []byte {
	return fmt.Appendf(nil, "perpops request\n%s %s\n%d\n%s",
		method, path, ts, ethcrypto.Keccak256Hash(body).Hex())
}

// SignWalletRequest returns the wallet signature headers for a request sent
// at ts by key.
func SignWalletRequest(key *ecdsa.PrivateKey, method, path string, body []byte, ts time.Time) (map[string]string, error) {
	msg := WalletMessage(method, path, body, ts.Unix())
	sig, err := ethcrypto.Sign(accounts.TextHash(msg), key)
	if err != nil {
		return nil, fmt.Errorf("crypto: sign request: %w", err)
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	return map[string]string{
		HeaderWalletTimestamp: strconv.FormatInt(ts.Unix(), 10),
		HeaderWalletSignature: hexutil.Encode(sig),
	}, nil
}

// WalletVerifier recovers the address that signed a request.
type WalletVerifier struct {
	maxSkew time.Duration
}

// NewWalletVerifier accepts timestamps within maxSkew of the verifier's
// clock; zero disables the check.
func NewWalletVerifier(maxSkew time.Duration) *WalletVerifier {
	return &WalletVerifier{maxSkew: maxSkew}
}

// Recover returns the signer of a request from its timestamp and signature
// headers.
func (v *WalletVerifier) Recover(method, path string, body []byte, timestamp, signature string, now time.Time) (common.Address, error) {
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: timestamp %q", ErrBadWalletSignature, timestamp)
	}
	skew := now.Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if v.maxSkew > 0 && skew > v.maxSkew {
		return common.Address{}, fmt.Errorf("%w: timestamp skew %s", ErrBadWalletSignature, skew)
	}

	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: malformed signature", ErrBadWalletSignature)
	}
	if sig[ethcrypto.RecoveryIDOffset] >= 27 {
		sig[ethcrypto.RecoveryIDOffset] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(WalletMessage(method, path, body, unix)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadWalletSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

type callerKey struct{}

// WithCaller records the verified signer of the request in ctx.
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the verified signer recorded by WithCaller.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	caller, ok := ctx.Value(callerKey{}).(common.Address)
	return caller, ok
}
