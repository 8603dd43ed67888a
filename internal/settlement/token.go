package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/domain"
)

// Transfer is one token movement inside an atomic batch.
type Transfer struct {
	From   common.Address
	To     common.Address
	Amount decimal.Decimal
}

// Token is an in-process ERC-20 style ledger. Balances are held in the
// token's native units, so 18-decimal amounts are truncated on the way in.
type Token struct {
	symbol   string
	decimals uint8

	mu       sync.Mutex
	balances map[common.Address]*uint256.Int
	supply   *uint256.Int
}

// NewToken returns an empty ledger.
func NewToken(symbol string, decimals uint8) *Token {
	return &Token{
		symbol:   symbol,
		decimals: decimals,
		balances: make(map[common.Address]*uint256.Int),
		supply:   new(uint256.Int),
	}
}

// Symbol returns the ticker.
func (t *Token) Symbol() string { return t.symbol }

// Decimals returns the number of native decimals.
func (t *Token) Decimals() uint8 { return t.decimals }

// Mint credits to with amount.
func (t *Token) Mint(to common.Address, amount decimal.Decimal) {
	units := amount.NativeUnits(t.decimals)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, overflow := t.supply.AddOverflow(t.supply, units); overflow {
		panic(decimal.ErrOverflow)
	}
	t.credit(to, units)
}

// BalanceOf returns the balance of a as an 18-decimal value.
func (t *Token) BalanceOf(a common.Address) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.toDecimal(t.balances[a])
}

// UnitsOf returns the balance of a in native units.
func (t *Token) UnitsOf(a common.Address) *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.balances[a]; ok {
		return b.Clone()
	}
	return new(uint256.Int)
}

// TotalSupply returns everything minted so far.
func (t *Token) TotalSupply(context.Context) (decimal.Decimal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.toDecimal(t.supply), nil
}

// Transfer moves amount from one account to another.
func (t *Token) Transfer(from, to common.Address, amount decimal.Decimal) error {
	return t.Apply(Transfer{From: from, To: to, Amount: amount})
}

// Apply performs every transfer or none of them. A transfer that would take
// an account below zero fails the batch with ErrInsufficientPoolBalance.
func (t *Token) Apply(transfers ...Transfer) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending := make(map[common.Address]*uint256.Int)
	balance := func(a common.Address) *uint256.Int {
		if b, ok := pending[a]; ok {
			return b
		}
		b := new(uint256.Int)
		if cur, ok := t.balances[a]; ok {
			b.Set(cur)
		}
		pending[a] = b
		return b
	}
	for _, tr := range transfers {
		units := tr.Amount.NativeUnits(t.decimals)
		if units.IsZero() {
			continue
		}
		src := balance(tr.From)
		if src.Lt(units) {
			return domain.ErrInsufficientPoolBalance
		}
		src.Sub(src, units)
		dst := balance(tr.To)
		dst.Add(dst, units)
	}
	for a, b := range pending {
		t.balances[a] = b
	}
	return nil
}

// Payer returns a TokenTransferer that pays out of from.
func (t *Token) Payer(from common.Address) domain.TokenTransferer {
	return payer{token: t, from: from}
}

type payer struct {
	token *Token
	from  common.Address
}

func (p payer) Transfer(_ context.Context, to common.Address, amount decimal.Decimal) error {
	if err := p.token.Transfer(p.from, to, amount); err != nil {
		return fmt.Errorf("settlement: %s transfer: %w", p.token.symbol, err)
	}
	return nil
}

func (t *Token) credit(a common.Address, units *uint256.Int) {
	b, ok := t.balances[a]
	if !ok {
		b = new(uint256.Int)
		t.balances[a] = b
	}
	b.Add(b, units)
}

func (t *Token) toDecimal(units *uint256.Int) decimal.Decimal {
	if units == nil {
		return decimal.Zero()
	}
	return decimal.FromNativeUnits(units, t.decimals)
}
