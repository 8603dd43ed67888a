package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/deployconfig"
)

// PositionRef names one position on chain.
type PositionRef struct {
	Amm    common.Address
	Trader common.Address
}

// ClearingHouse wraps the keeper and read calls of the clearing house.
type ClearingHouse struct {
	c    *Client
	addr common.Address
}

// NewClearingHouse binds addr.
func NewClearingHouse(c *Client, addr common.Address) *ClearingHouse {
	return &ClearingHouse{c: c, addr: addr}
}

// Address returns the clearing house address.
func (h *ClearingHouse) Address() common.Address { return h.addr }

// PayFunding settles funding of amm.
func (h *ClearingHouse) PayFunding(ctx context.Context, amm common.Address) error {
	_, err := h.c.TransactMethod(ctx, h.addr, clearingHouseABI, "payFunding", amm)
	return err
}

// Liquidate liquidates trader on amm.
func (h *ClearingHouse) Liquidate(ctx context.Context, amm, trader common.Address) error {
	_, err := h.c.TransactMethod(ctx, h.addr, clearingHouseABI, "liquidate", amm, trader)
	return err
}

// Undercollateralized lists positions below the maintenance margin.
func (h *ClearingHouse) Undercollateralized(ctx context.Context) ([]PositionRef, error) {
	out, err := h.c.Call(ctx, h.addr, clearingHouseABI, "retrieveUndercollateralizedPositions")
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	pairs, err := addressPairs(out[0], "Amm", "Trader")
	if err != nil {
		return nil, err
	}
	refs := make([]PositionRef, len(pairs))
	for i, p := range pairs {
		refs[i] = PositionRef{Amm: p[0], Trader: p[1]}
	}
	return refs, nil
}

// OpenInterestNotional returns the open interest recorded for amm.
func (h *ClearingHouse) OpenInterestNotional(ctx context.Context, amm common.Address) (decimal.Decimal, error) {
	out, err := h.c.Call(ctx, h.addr, clearingHouseABI, "openInterestNotionalMap", amm)
	if err != nil {
		return decimal.Zero(), err
	}
	raw, err := bigOut(out, 0)
	if err != nil {
		return decimal.Zero(), err
	}
	return decimal.FromBig(raw)
}

// InsuranceFundContract reads the market list of the insurance fund.
type InsuranceFundContract struct {
	c    *Client
	addr common.Address
}

// NewInsuranceFund binds addr.
func NewInsuranceFund(c *Client, addr common.Address) *InsuranceFundContract {
	return &InsuranceFundContract{c: c, addr: addr}
}

// AllAmms returns every market registered with the fund.
func (f *InsuranceFundContract) AllAmms(ctx context.Context) ([]common.Address, error) {
	out, err := f.c.Call(ctx, f.addr, insuranceFundABI, "getAllAmms")
	if err != nil {
		return nil, err
	}
	amms, ok := out[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("chain: getAllAmms returned %T", out[0])
	}
	return amms, nil
}

// AmmStatus is what the health check reports per market.
type AmmStatus struct {
	Address                 common.Address
	PriceFeedKey            deployconfig.PriceFeedKey
	OpenInterestNotionalCap decimal.Decimal
	MaxHoldingBaseAsset     decimal.Decimal
	QuoteAssetReserve       decimal.Decimal
	BaseAssetReserve        decimal.Decimal
	PriceFeed               common.Address
}

// AmmContract reads one market.
type AmmContract struct {
	c    *Client
	addr common.Address
}

// NewAmm binds addr.
func NewAmm(c *Client, addr common.Address) *AmmContract {
	return &AmmContract{c: c, addr: addr}
}

// NextFundingTime returns when funding may next be paid.
func (a *AmmContract) NextFundingTime(ctx context.Context) (time.Time, error) {
	out, err := a.c.Call(ctx, a.addr, ammABI, "nextFundingTime")
	if err != nil {
		return time.Time{}, err
	}
	raw, err := bigOut(out, 0)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(raw.Int64(), 0).UTC(), nil
}

// Open reports whether the market still trades.
func (a *AmmContract) Open(ctx context.Context) (bool, error) {
	out, err := a.c.Call(ctx, a.addr, ammABI, "open")
	if err != nil {
		return false, err
	}
	open, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("chain: open returned %T", out[0])
	}
	return open, nil
}

// Status reads caps, reserves and the price feed of the market.
func (a *AmmContract) Status(ctx context.Context) (AmmStatus, error) {
	st := AmmStatus{Address: a.addr}

	out, err := a.c.Call(ctx, a.addr, ammABI, "priceFeedKey")
	if err != nil {
		return st, err
	}
	key, ok := out[0].([32]byte)
	if !ok {
		return st, fmt.Errorf("chain: priceFeedKey returned %T", out[0])
	}
	st.PriceFeedKey = deployconfig.PriceFeedKeyFromBytes32(key)

	if st.OpenInterestNotionalCap, err = a.decimalCall(ctx, "getOpenInterestNotionalCap", 0); err != nil {
		return st, err
	}
	if st.MaxHoldingBaseAsset, err = a.decimalCall(ctx, "getMaxHoldingBaseAsset", 0); err != nil {
		return st, err
	}
	if st.QuoteAssetReserve, err = a.decimalCall(ctx, "getReserve", 0); err != nil {
		return st, err
	}
	if st.BaseAssetReserve, err = a.decimalCall(ctx, "getReserve", 1); err != nil {
		return st, err
	}

	out, err = a.c.Call(ctx, a.addr, ammABI, "priceFeed")
	if err != nil {
		return st, err
	}
	if st.PriceFeed, ok = out[0].(common.Address); !ok {
		return st, fmt.Errorf("chain: priceFeed returned %T", out[0])
	}
	return st, nil
}

func (a *AmmContract) decimalCall(ctx context.Context, method string, idx int) (decimal.Decimal, error) {
	out, err := a.c.Call(ctx, a.addr, ammABI, method)
	if err != nil {
		return decimal.Zero(), err
	}
	raw, err := bigOut(out, idx)
	if err != nil {
		return decimal.Zero(), err
	}
	return decimal.FromBig(raw)
}

// Markets lists markets through the insurance fund and reads each one.
type Markets struct {
	c    *Client
	fund *InsuranceFundContract
}

// NewMarkets reads the market list of the insurance fund at fund.
func NewMarkets(c *Client, fund common.Address) *Markets {
	return &Markets{c: c, fund: NewInsuranceFund(c, fund)}
}

func (m *Markets) AllAmms(ctx context.Context) ([]common.Address, error) {
	return m.fund.AllAmms(ctx)
}

func (m *Markets) NextFundingTime(ctx context.Context, amm common.Address) (time.Time, error) {
	return NewAmm(m.c, amm).NextFundingTime(ctx)
}

func (m *Markets) Open(ctx context.Context, amm common.Address) (bool, error) {
	return NewAmm(m.c, amm).Open(ctx)
}

func (m *Markets) Status(ctx context.Context, amm common.Address) (AmmStatus, error) {
	return NewAmm(m.c, amm).Status(ctx)
}
