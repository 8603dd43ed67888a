package crypto

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Hardhat's first default account.
const (
	hardhatKey  = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	hardhatAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestEncryptedKeyFile(t *testing.T) {
	data, err := EncryptKey(hardhatKey, "hunter2")
	require.NoError(t, err)

	keyHex, err := DecryptKey(data, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, hardhatKey[2:], keyHex)

	_, err = DecryptKey(data, "wrong")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "deployer.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	pk, err := LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "hunter2"})
	require.NoError(t, err)

	s, err := NewSigner(pk, big.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(hardhatAddr), s.Address())
}

func TestLoadKeyRejectsBadInput(t *testing.T) {
	_, err := LoadKey(KeyConfig{})
	assert.Error(t, err)
	_, err = LoadKey(KeyConfig{RawPrivateKey: "0x1234"})
	assert.Error(t, err)
	_, err = EncryptKey(hardhatKey, "")
	assert.Error(t, err)
}

func TestSignTxRecoversSender(t *testing.T) {
	pk, err := LoadKey(KeyConfig{RawPrivateKey: hardhatKey})
	require.NoError(t, err)
	s, err := NewSigner(pk, big.NewInt(100))
	require.NoError(t, err)

	to := common.HexToAddress("0x0000000000000000000000000000000000000001")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(100),
		Nonce:     7,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(0),
	})
	signed, err := s.SignTx(tx)
	require.NoError(t, err)

	from, err := s.Sender(signed)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), from)
}

func TestRequestSigner(t *testing.T) {
	s := NewRequestSigner("secret", time.Minute)
	now := time.Unix(1_600_000_000, 0)
	body := []byte(`{"amount":"1"}`)

	h := s.Headers("POST", "/api/rewards/notify", body, now)
	require.NoError(t, s.Verify("POST", "/api/rewards/notify", body, h[HeaderTimestamp], h[HeaderSignature], now.Add(30*time.Second)))

	assert.ErrorIs(t, s.Verify("POST", "/api/rewards/notify", []byte(`{"amount":"2"}`), h[HeaderTimestamp], h[HeaderSignature], now), ErrBadSignature)
	assert.ErrorIs(t, s.Verify("POST", "/api/rewards/notify", body, h[HeaderTimestamp], h[HeaderSignature], now.Add(2*time.Minute)), ErrBadSignature)
	assert.ErrorIs(t, s.Verify("POST", "/api/rewards/notify", body, "nope", h[HeaderSignature], now), ErrBadSignature)
}

func TestWalletSignatureRecoversSigner(t *testing.T) {
	key, err := ethcrypto.HexToECDSA(hardhatKey[2:])
	require.NoError(t, err)
	v := NewWalletVerifier(time.Minute)
	now := time.Unix(1_600_000_000, 0)
	body := []byte(`{"caller":"0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266","amount":"1"}`)

	h, err := SignWalletRequest(key, "POST", "/api/rewards/notify", body, now)
	require.NoError(t, err)

	got, err := v.Recover("POST", "/api/rewards/notify", body, h[HeaderWalletTimestamp], h[HeaderWalletSignature], now.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(hardhatAddr), got)

	// A signature over another body recovers some other address.
	other, err := v.Recover("POST", "/api/rewards/notify", []byte(`{"amount":"2"}`), h[HeaderWalletTimestamp], h[HeaderWalletSignature], now)
	if err == nil {
		assert.NotEqual(t, common.HexToAddress(hardhatAddr), other)
	}

	_, err = v.Recover("POST", "/api/rewards/notify", body, h[HeaderWalletTimestamp], h[HeaderWalletSignature], now.Add(time.Hour))
	assert.ErrorIs(t, err, ErrBadWalletSignature)
	_, err = v.Recover("POST", "/api/rewards/notify", body, h[HeaderWalletTimestamp], "0x1234", now)
	assert.ErrorIs(t, err, ErrBadWalletSignature)
	_, err = v.Recover("POST", "/api/rewards/notify", body, "", h[HeaderWalletSignature], now)
	assert.ErrorIs(t, err, ErrBadWalletSignature)
}
