// Package chain talks to the EVM chains the protocol is deployed on: it reads
// contract state, sends EIP-1559 transactions signed with the deployer key and
// deploys upgradable contracts from Hardhat artifacts.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/perpops/internal/crypto"
)

// implementationSlot is the EIP-1967 implementation storage slot,
// keccak256("eip1967.proxy.implementation") - 1.
var implementationSlot = common.HexToHash("0x360894a13ba1a3210667c828492db98dca3e2076cc3735a920a3ca505d382bbc")

var (
	// ErrReadOnly is returned by Transact on a client without a signer.
	ErrReadOnly = errors.New("chain: client has no signer")
	// ErrReverted is returned when a mined transaction failed.
	ErrReverted = errors.New("chain: transaction reverted")
)

// Backend is the part of ethclient.Client the wrapper uses.
type Backend interface {
	ethereum.ContractCaller
	ethereum.GasEstimator
	ethereum.GasPricer1559
	ethereum.TransactionReader
	ethereum.TransactionSender
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Config tunes transaction submission.
type Config struct {
	// Confirmations is how many blocks a receipt must be buried under,
	// counting its own block.
	Confirmations uint64
	PollInterval  time.Duration
	// GasMultiplier pads the node's gas estimate.
	GasMultiplier float64
	TxTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Confirmations == 0 {
		c.Confirmations = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.GasMultiplier < 1 {
		c.GasMultiplier = 1.2
	}
	return c
}

// Client wraps a Backend with a signer. A nil signer makes it read-only.
type Client struct {
	backend Backend
	signer  *crypto.Signer
	cfg     Config
	logger  *slog.Logger
	closer  func()

	nonceMu sync.Mutex
}

// NewClient wraps backend.
func NewClient(backend Backend, signer *crypto.Signer, cfg Config, logger *slog.Logger) *Client {
	return &Client{
		backend: backend,
		signer:  signer,
		cfg:     cfg.withDefaults(),
		logger:  logger.With(slog.String("component", "chain")),
		closer:  func() {},
	}
}

// Dial connects to rpcURL and checks that the node serves the signer's chain.
func Dial(ctx context.Context, rpcURL string, signer *crypto.Signer, cfg Config, logger *slog.Logger) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial: %w", err)
	}
	chainID, err := ec.ChainID(ctx)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("chain: chain id: %w", err)
	}
	if signer != nil && chainID.Cmp(signer.ChainID()) != 0 {
		ec.Close()
		return nil, fmt.Errorf("chain: node serves chain %s, signer is bound to %s", chainID, signer.ChainID())
	}
	c := NewClient(ec, signer, cfg, logger)
	c.closer = ec.Close
	c.logger.Info("connected", slog.String("chain_id", chainID.String()))
	return c, nil
}

// Close releases the RPC connection.
func (c *Client) Close() { c.closer() }

// Confirmations returns the configured confirmation depth.
func (c *Client) Confirmations() uint64 { return c.cfg.Confirmations }

// From returns the signer's address, or the zero address when read-only.
func (c *Client) From() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.Address()
}

// Call runs a read-only method against the latest block.
func (c *Client) Call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.From(), To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s on %s: %w", method, to, err)
	}
	res, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	return res, nil
}

// TransactMethod sends a state-changing method call and waits for it.
func (c *Client) TransactMethod(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) (*types.Receipt, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	receipt, err := c.Transact(ctx, &to, data, nil)
	if err != nil {
		return receipt, fmt.Errorf("chain: %s on %s: %w", method, to, err)
	}
	return receipt, nil
}

// Deploy creates a contract from bytecode plus packed constructor args.
func (c *Client) Deploy(ctx context.Context, contract abi.ABI, bytecode []byte, args ...any) (common.Address, error) {
	input, err := contract.Pack("", args...)
	if err != nil {
		return common.Address{}, fmt.Errorf("chain: pack constructor: %w", err)
	}
	data := make([]byte, 0, len(bytecode)+len(input))
	data = append(append(data, bytecode...), input...)

	receipt, err := c.Transact(ctx, nil, data, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("chain: deploy: %w", err)
	}
	return receipt.ContractAddress, nil
}

// Transact signs and sends an EIP-1559 transaction, then waits until it is
// mined and buried under the configured confirmations. A nil to deploys.
func (c *Client) Transact(ctx context.Context, to *common.Address, data []byte, value *big.Int) (*types.Receipt, error) {
	if c.signer == nil {
		return nil, ErrReadOnly
	}
	if value == nil {
		value = new(big.Int)
	}

	c.nonceMu.Lock()
	tx, err := c.buildTx(ctx, to, data, value)
	if err == nil {
		tx, err = c.signer.SignTx(tx)
	}
	if err == nil {
		err = c.backend.SendTransaction(ctx, tx)
	}
	c.nonceMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("chain: send: %w", err)
	}

	c.logger.InfoContext(ctx, "transaction sent",
		slog.String("hash", tx.Hash().Hex()),
		slog.Uint64("nonce", tx.Nonce()),
		slog.Uint64("gas", tx.Gas()),
	)
	return c.waitMined(ctx, tx.Hash())
}

func (c *Client) buildTx(ctx context.Context, to *common.Address, data []byte, value *big.Int) (*types.Transaction, error) {
	from := c.signer.Address()
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:      from,
		To:        to,
		GasFeeCap: feeCap,
		GasTipCap: tip,
		Value:     value,
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas = uint64(float64(gas) * c.cfg.GasMultiplier)

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.signer.ChainID(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        to,
		Value:     value,
		Data:      data,
	}), nil
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if c.cfg.TxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.TxTimeout)
		defer cancel()
	}
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	// Receipt errors such as "transaction indexing is in progress" are
	// retried; only the deadline ends the wait.
	var receipt *types.Receipt
	for receipt == nil {
		r, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			receipt = r
			continue
		case !errors.Is(err, ethereum.NotFound):
			c.logger.DebugContext(ctx, "receipt retrieval failed",
				slog.String("tx", hash.Hex()),
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("chain: wait for %s: %w", hash, ctx.Err())
		case <-ticker.C:
		}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("chain: tx %s: %w", hash, ErrReverted)
	}

	target := receipt.BlockNumber.Uint64() + c.cfg.Confirmations - 1
	for {
		n, err := c.backend.BlockNumber(ctx)
		if err == nil && n >= target {
			return receipt, nil
		}
		if err != nil {
			c.logger.DebugContext(ctx, "block number failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return receipt, fmt.Errorf("chain: confirmations for %s: %w", hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Now returns the latest block timestamp; Client is a domain.Clock.
func (c *Client) Now(ctx context.Context) (time.Time, error) {
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("chain: head: %w", err)
	}
	return time.Unix(int64(head.Time), 0).UTC(), nil
}

// Implementation reads the EIP-1967 implementation slot of proxy.
func (c *Client) Implementation(ctx context.Context, proxy common.Address) (common.Address, error) {
	raw, err := c.backend.StorageAt(ctx, proxy, implementationSlot, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("chain: implementation of %s: %w", proxy, err)
	}
	return common.BytesToAddress(raw), nil
}

// BalanceAt returns the native balance of account in wei.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	b, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: balance of %s: %w", account, err)
	}
	return b, nil
}
