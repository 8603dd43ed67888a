package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpops/internal/decimal"
)

// Clock reports the current time. On chain this is the latest block timestamp.
type Clock interface {
	Now(ctx context.Context) (time.Time, error)
}

// StakeBalances reads staked balances of the reward pool's staking token.
type StakeBalances interface {
	BalanceOf(ctx context.Context, staker common.Address) (decimal.Decimal, error)
	TotalSupply(ctx context.Context) (decimal.Decimal, error)
}

// TokenTransferer pays out a token. Implementations must either move the
// full amount or fail without side effects.
type TokenTransferer interface {
	Transfer(ctx context.Context, to common.Address, amount decimal.Decimal) error
}

// PriceSource returns the latest index price for a feed key.
type PriceSource interface {
	Price(ctx context.Context, key string) (decimal.Decimal, error)
}

// SystemClock is a Clock backed by the wall clock.
type SystemClock struct{}

func (SystemClock) Now(context.Context) (time.Time, error) { return time.Now().UTC(), nil }
