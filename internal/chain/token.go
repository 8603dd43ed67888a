package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/domain"
)

// ERC20 reads and transfers a token, converting between its native units
// and 18-decimal values. It serves as the staking token balance source and
// as the fee token payer of a reward pool.
type ERC20 struct {
	c        *Client
	addr     common.Address
	decimals uint8
}

// NewERC20 binds addr and reads its decimals.
func NewERC20(ctx context.Context, c *Client, addr common.Address) (*ERC20, error) {
	out, err := c.Call(ctx, addr, erc20ABI, "decimals")
	if err != nil {
		return nil, err
	}
	d, ok := out[0].(uint8)
	if !ok {
		return nil, fmt.Errorf("chain: decimals of %s is %T", addr, out[0])
	}
	return &ERC20{c: c, addr: addr, decimals: d}, nil
}

// NewERC20WithDecimals binds addr without a round trip.
func NewERC20WithDecimals(c *Client, addr common.Address, decimals uint8) *ERC20 {
	return &ERC20{c: c, addr: addr, decimals: decimals}
}

// Address returns the token address.
func (t *ERC20) Address() common.Address { return t.addr }

// Decimals returns the native decimals.
func (t *ERC20) Decimals() uint8 { return t.decimals }

// BalanceOf returns the balance of holder.
func (t *ERC20) BalanceOf(ctx context.Context, holder common.Address) (decimal.Decimal, error) {
	return t.readUnits(ctx, "balanceOf", holder)
}

// TotalSupply returns the token supply.
func (t *ERC20) TotalSupply(ctx context.Context) (decimal.Decimal, error) {
	return t.readUnits(ctx, "totalSupply")
}

// Transfer sends amount, truncated to native units, from the signer.
func (t *ERC20) Transfer(ctx context.Context, to common.Address, amount decimal.Decimal) error {
	units := amount.ToUnits(t.decimals)
	if _, err := t.c.TransactMethod(ctx, t.addr, erc20ABI, "transfer", to, units); err != nil {
		return fmt.Errorf("chain: transfer %s to %s: %w", amount.Format(), to, err)
	}
	return nil
}

func (t *ERC20) readUnits(ctx context.Context, method string, args ...any) (decimal.Decimal, error) {
	out, err := t.c.Call(ctx, t.addr, erc20ABI, method, args...)
	if err != nil {
		return decimal.Zero(), err
	}
	units, err := bigOut(out, 0)
	if err != nil {
		return decimal.Zero(), err
	}
	return decimal.FromUnits(units, t.decimals)
}

var (
	_ domain.StakeBalances   = (*ERC20)(nil)
	_ domain.TokenTransferer = (*ERC20)(nil)
)
