package settlement

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/domain"
)

// Direction says which way an asset moves relative to the market's pool.
type Direction int

const (
	AddToAmm Direction = iota
	RemoveFromAmm
)

func (d Direction) String() string {
	if d == AddToAmm {
		return "add_to_amm"
	}
	return "remove_from_amm"
}

// Side is the trader's direction when opening a position.
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "BUY"
	}
	return "SELL"
}

// ParseSide accepts BUY/LONG and SELL/SHORT in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(s) {
	case "BUY", "LONG":
		return Buy, nil
	case "SELL", "SHORT":
		return Sell, nil
	}
	return Buy, fmt.Errorf("settlement: side %q: %w", s, domain.ErrInvalidAmount)
}

// MarketConfig describes one constant-product market.
type MarketConfig struct {
	Name                    domain.AmmInstanceName
	PriceFeedKey            string
	QuoteAssetReserve       decimal.Decimal
	BaseAssetReserve        decimal.Decimal
	TradeLimitRatio         decimal.Decimal
	FundingPeriod           time.Duration
	SpreadRatio             decimal.Decimal
	TollRatio               decimal.Decimal
	MaxHoldingBaseAsset     decimal.Decimal
	OpenInterestNotionalCap decimal.Decimal
}

// Market is a virtual constant-product AMM. It is not safe for concurrent use
// on its own; the ClearingHouse that owns it serialises every access.
type Market struct {
	cfg MarketConfig

	quoteReserve decimal.Decimal
	baseReserve  decimal.Decimal

	// Reserves at the latest liquidity change. Liquidity never changes after
	// creation, so this is the initial pool.
	snapshotQuote decimal.Decimal
	snapshotBase  decimal.Decimal

	totalPositionSize    decimal.Signed
	openInterestNotional decimal.Decimal

	open            bool
	settlementPrice decimal.Decimal

	cumulativePremiumFractions []decimal.Signed
	nextFundingTime            int64
}

// NewMarket validates cfg and returns an open market.
func NewMarket(cfg MarketConfig) (*Market, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("settlement: market name is required")
	}
	if cfg.QuoteAssetReserve.IsZero() || cfg.BaseAssetReserve.IsZero() {
		return nil, fmt.Errorf("settlement: market %s: reserves must be non-zero: %w", cfg.Name, domain.ErrInvalidAmount)
	}
	if cfg.TradeLimitRatio.IsZero() {
		cfg.TradeLimitRatio = decimal.One()
	}
	return &Market{
		cfg:           cfg,
		quoteReserve:  cfg.QuoteAssetReserve,
		baseReserve:   cfg.BaseAssetReserve,
		snapshotQuote: cfg.QuoteAssetReserve,
		snapshotBase:  cfg.BaseAssetReserve,
		open:          true,
	}, nil
}

// Name returns the market name.
func (m *Market) Name() domain.AmmInstanceName { return m.cfg.Name }

// Config returns the market's configuration.
func (m *Market) Config() MarketConfig { return m.cfg }

// IsOpen reports whether the market still trades.
func (m *Market) IsOpen() bool { return m.open }

// SettlementPrice is zero until Shutdown and may stay zero afterwards.
func (m *Market) SettlementPrice() decimal.Decimal { return m.settlementPrice }

// SpotPrice is quote reserve over base reserve.
func (m *Market) SpotPrice() decimal.Decimal { return m.quoteReserve.DivD(m.baseReserve) }

// InputPrice returns how much base asset a quote amount buys (AddToAmm) or
// costs (RemoveFromAmm).
func (m *Market) InputPrice(dir Direction, quote decimal.Decimal) (decimal.Decimal, error) {
	return inputPrice(dir, quote, m.quoteReserve, m.baseReserve)
}

// OutputPrice returns the quote received for adding base to the pool, or paid
// for removing it.
func (m *Market) OutputPrice(dir Direction, base decimal.Decimal) (decimal.Decimal, error) {
	return outputPrice(dir, base, m.quoteReserve, m.baseReserve)
}

func inputPrice(dir Direction, quote, quoteReserve, baseReserve decimal.Decimal) (decimal.Decimal, error) {
	if quote.IsZero() {
		return decimal.Zero(), nil
	}
	invariant := quoteReserve.MulD(baseReserve)
	var quoteAfter decimal.Decimal
	if dir == AddToAmm {
		quoteAfter = quoteReserve.Add(quote)
	} else {
		if !quote.LT(quoteReserve) {
			return decimal.Zero(), fmt.Errorf("settlement: quote %s drains the pool: %w", quote.Format(), domain.ErrOverTradeLimit)
		}
		quoteAfter = quoteReserve.Sub(quote)
	}
	baseAfter := invariant.DivD(quoteAfter)
	bought := absDiff(baseAfter, baseReserve)
	// Round against the trader when the invariant does not divide evenly.
	if !invariant.ModD(quoteAfter).IsZero() {
		if dir == AddToAmm {
			bought = bought.Sub(decimal.FromRaw(1))
		} else {
			bought = bought.Add(decimal.FromRaw(1))
		}
	}
	return bought, nil
}

func outputPrice(dir Direction, base, quoteReserve, baseReserve decimal.Decimal) (decimal.Decimal, error) {
	if base.IsZero() {
		return decimal.Zero(), nil
	}
	invariant := quoteReserve.MulD(baseReserve)
	var baseAfter decimal.Decimal
	if dir == AddToAmm {
		baseAfter = baseReserve.Add(base)
	} else {
		if !base.LT(baseReserve) {
			return decimal.Zero(), fmt.Errorf("settlement: base %s drains the pool: %w", base.Format(), domain.ErrOverTradeLimit)
		}
		baseAfter = baseReserve.Sub(base)
	}
	quoteAfter := invariant.DivD(baseAfter)
	sold := absDiff(quoteAfter, quoteReserve)
	if !invariant.ModD(baseAfter).IsZero() {
		if dir == AddToAmm {
			sold = sold.Sub(decimal.FromRaw(1))
		} else {
			sold = sold.Add(decimal.FromRaw(1))
		}
	}
	return sold, nil
}

// checkTradeLimit rejects a quote amount that is not strictly below the
// configured share of the quote reserve.
func (m *Market) checkTradeLimit(quote decimal.Decimal) error {
	limit := m.quoteReserve.MulD(m.cfg.TradeLimitRatio)
	if !quote.LT(limit) {
		return fmt.Errorf("settlement: %s quote %s over limit %s: %w", m.cfg.Name, quote.Format(), limit.Format(), domain.ErrOverTradeLimit)
	}
	return nil
}

// swapInput moves quote into or out of the pool and returns the base amount
// on the other side. Position size is tracked from the trader's side: a trader
// adding quote goes long.
func (m *Market) swapInput(dir Direction, quote decimal.Decimal) (decimal.Decimal, error) {
	base, err := m.InputPrice(dir, quote)
	if err != nil {
		return decimal.Zero(), err
	}
	if dir == AddToAmm {
		m.quoteReserve = m.quoteReserve.Add(quote)
		m.baseReserve = m.baseReserve.Sub(base)
		m.totalPositionSize = m.totalPositionSize.AddD(base)
	} else {
		m.quoteReserve = m.quoteReserve.Sub(quote)
		m.baseReserve = m.baseReserve.Add(base)
		m.totalPositionSize = m.totalPositionSize.SubD(base)
	}
	return base, nil
}

// swapOutput moves base into or out of the pool and returns the quote amount
// on the other side. A trader adding base is closing a long.
func (m *Market) swapOutput(dir Direction, base decimal.Decimal) (decimal.Decimal, error) {
	quote, err := m.OutputPrice(dir, base)
	if err != nil {
		return decimal.Zero(), err
	}
	if dir == AddToAmm {
		m.baseReserve = m.baseReserve.Add(base)
		m.quoteReserve = m.quoteReserve.Sub(quote)
		m.totalPositionSize = m.totalPositionSize.SubD(base)
	} else {
		m.baseReserve = m.baseReserve.Sub(base)
		m.quoteReserve = m.quoteReserve.Add(quote)
		m.totalPositionSize = m.totalPositionSize.AddD(base)
	}
	return quote, nil
}

// shutdown closes the market for good and fixes the settlement price from
// how far the quote reserve has drifted from the liquidity snapshot.
func (m *Market) shutdown() decimal.Decimal {
	m.open = false
	m.settlementPrice = m.calcSettlementPrice()
	return m.settlementPrice
}

// dustPositionSize is the total position size below which reserves are
// considered degenerate and every trader just gets their margin back.
var dustPositionSize = decimal.FromRaw(100)

func (m *Market) calcSettlementPrice() decimal.Decimal {
	size := m.totalPositionSize.Abs()
	if !size.GT(dustPositionSize) {
		return decimal.Zero()
	}
	k := m.snapshotBase.MulD(m.snapshotQuote)
	initQuote := k.DivD(m.snapshotBase)
	notional := absDiff(initQuote, m.quoteReserve)
	return notional.DivD(size)
}

func (m *Market) latestPremiumFraction() decimal.Signed {
	if n := len(m.cumulativePremiumFractions); n > 0 {
		return m.cumulativePremiumFractions[n-1]
	}
	return decimal.Signed{}
}

// MarketSnapshot is a point-in-time view of a market.
type MarketSnapshot struct {
	Name                  domain.AmmInstanceName `json:"name"`
	PriceFeedKey          string                 `json:"priceFeedKey"`
	Open                  bool                   `json:"open"`
	QuoteAssetReserve     decimal.Decimal        `json:"quoteAssetReserve"`
	BaseAssetReserve      decimal.Decimal        `json:"baseAssetReserve"`
	SpotPrice             decimal.Decimal        `json:"spotPrice"`
	SettlementPrice       decimal.Decimal        `json:"settlementPrice"`
	TotalPositionSize     decimal.Signed         `json:"totalPositionSize"`
	OpenInterestNotional  decimal.Decimal        `json:"openInterestNotional"`
	LatestPremiumFraction decimal.Signed         `json:"latestCumulativePremiumFraction"`
	NextFundingTime       int64                  `json:"nextFundingTime"`
}

func (m *Market) snapshot() MarketSnapshot {
	return MarketSnapshot{
		Name:                  m.cfg.Name,
		PriceFeedKey:          m.cfg.PriceFeedKey,
		Open:                  m.open,
		QuoteAssetReserve:     m.quoteReserve,
		BaseAssetReserve:      m.baseReserve,
		SpotPrice:             m.SpotPrice(),
		SettlementPrice:       m.settlementPrice,
		TotalPositionSize:     m.totalPositionSize,
		OpenInterestNotional:  m.openInterestNotional,
		LatestPremiumFraction: m.latestPremiumFraction(),
		NextFundingTime:       m.nextFundingTime,
	}
}

func absDiff(a, b decimal.Decimal) decimal.Decimal {
	if a.LT(b) {
		return b.Sub(a)
	}
	return a.Sub(b)
}
