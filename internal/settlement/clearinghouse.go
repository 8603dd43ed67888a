// Package settlement mirrors the protocol's trading and shutdown accounting:
// virtual constant-product markets, a clearing house holding trader margin,
// and the insurance fund that shuts every market down once token inflation
// crosses its threshold.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/domain"
)

// Config holds the clearing house's accounts and risk ratios.
type Config struct {
	// Address is the vault holding every trader's margin.
	Address                common.Address
	InsuranceFund          common.Address
	TollPool               common.Address
	InitMarginRatio        decimal.Decimal
	MaintenanceMarginRatio decimal.Decimal
	LiquidationFeeRatio    decimal.Decimal
}

// Deps are the clearing house's collaborators.
type Deps struct {
	Quote  *Token
	Clock  domain.Clock
	Prices domain.PriceSource
	Events domain.EventPublisher
}

// Position is one trader's exposure in one market.
type Position struct {
	Market                               domain.AmmInstanceName `json:"market"`
	Trader                               common.Address         `json:"trader"`
	Size                                 decimal.Signed         `json:"size"`
	Margin                               decimal.Decimal        `json:"margin"`
	OpenNotional                         decimal.Decimal        `json:"openNotional"`
	LastUpdatedCumulativePremiumFraction decimal.Signed         `json:"lastUpdatedCumulativePremiumFraction"`
}

// ClearingHouse opens, closes, liquidates and settles positions. Every method
// runs under one lock, so operations across all markets are totally ordered.
type ClearingHouse struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu        sync.Mutex
	markets   map[domain.AmmInstanceName]*Market
	positions map[domain.AmmInstanceName]map[common.Address]*Position
}

// NewClearingHouse returns a clearing house with no markets.
func NewClearingHouse(cfg Config, deps Deps, logger *slog.Logger) (*ClearingHouse, error) {
	if deps.Quote == nil || deps.Clock == nil {
		return nil, errors.New("settlement: quote token and clock are required")
	}
	if cfg.Address == (common.Address{}) || cfg.InsuranceFund == (common.Address{}) {
		return nil, errors.New("settlement: clearing house and insurance fund addresses are required")
	}
	if cfg.InitMarginRatio.IsZero() || cfg.MaintenanceMarginRatio.IsZero() {
		return nil, errors.New("settlement: margin ratios must be non-zero")
	}
	if deps.Events == nil {
		deps.Events = domain.NopPublisher{}
	}
	return &ClearingHouse{
		cfg:       cfg,
		deps:      deps,
		logger:    logger.With(slog.String("component", "clearinghouse")),
		markets:   make(map[domain.AmmInstanceName]*Market),
		positions: make(map[domain.AmmInstanceName]map[common.Address]*Position),
	}, nil
}

// Config returns the clearing house configuration.
func (ch *ClearingHouse) Config() Config { return ch.cfg }

// AddMarket registers m.
func (ch *ClearingHouse) AddMarket(m *Market) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, ok := ch.markets[m.Name()]; ok {
		return fmt.Errorf("settlement: market %s: %w", m.Name(), domain.ErrAlreadyExists)
	}
	ch.markets[m.Name()] = m
	ch.positions[m.Name()] = make(map[common.Address]*Position)
	return nil
}

// Markets returns a snapshot of every market sorted by name.
func (ch *ClearingHouse) Markets() []MarketSnapshot {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]MarketSnapshot, 0, len(ch.markets))
	for _, m := range ch.markets {
		out = append(out, m.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Market returns a snapshot of one market.
func (ch *ClearingHouse) Market(name domain.AmmInstanceName) (MarketSnapshot, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	m, err := ch.market(name)
	if err != nil {
		return MarketSnapshot{}, err
	}
	return m.snapshot(), nil
}

// Position returns trader's position in market; a trader without one gets a
// zero position.
func (ch *ClearingHouse) Position(name domain.AmmInstanceName, trader common.Address) (Position, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, err := ch.market(name); err != nil {
		return Position{}, err
	}
	return ch.position(name, trader), nil
}

// Positions lists the open positions of a market sorted by trader.
func (ch *ClearingHouse) Positions(name domain.AmmInstanceName) ([]Position, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, err := ch.market(name); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(ch.positions[name]))
	for _, p := range ch.positions[name] {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Trader.Hex() < out[j].Trader.Hex() })
	return out, nil
}

// MarginRatio is (margin - funding owed + unrealized pnl) / position notional.
func (ch *ClearingHouse) MarginRatio(name domain.AmmInstanceName, trader common.Address) (decimal.Signed, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	m, err := ch.market(name)
	if err != nil {
		return decimal.Signed{}, err
	}
	pos := ch.position(name, trader)
	if pos.Size.IsZero() {
		return decimal.Signed{}, domain.ErrNothingToSettle
	}
	return ch.marginRatio(m, pos)
}

// OpenPosition opens or increases a position with margin*leverage of
// notional. baseLimit, when non-zero, bounds the base amount received (long)
// or given (short).
func (ch *ClearingHouse) OpenPosition(ctx context.Context, name domain.AmmInstanceName, trader common.Address, side Side, margin, leverage, baseLimit decimal.Decimal) (Position, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	m, err := ch.openMarket(name)
	if err != nil {
		return Position{}, err
	}
	if margin.IsZero() || leverage.IsZero() {
		return Position{}, domain.ErrInvalidAmount
	}
	notional := margin.MulD(leverage)
	if notional.IsZero() || margin.DivD(notional).LT(ch.cfg.InitMarginRatio) {
		return Position{}, domain.ErrMarginRatio
	}

	pos := ch.position(name, trader)
	if !pos.Size.IsZero() && (pos.Size.IsNegative() != (side == Sell)) {
		return Position{}, domain.ErrReversePosition
	}
	if err := m.checkTradeLimit(notional); err != nil {
		return Position{}, err
	}

	dir := AddToAmm
	if side == Sell {
		dir = RemoveFromAmm
	}
	base, err := m.InputPrice(dir, notional)
	if err != nil {
		return Position{}, err
	}
	if !baseLimit.IsZero() {
		if (side == Buy && base.LT(baseLimit)) || (side == Sell && base.GT(baseLimit)) {
			return Position{}, domain.ErrSlippage
		}
	}
	exchanged := decimal.SignedFrom(base)
	if side == Sell {
		exchanged = exchanged.Neg()
	}
	newSize := pos.Size.Add(exchanged)
	if maxHolding := m.cfg.MaxHoldingBaseAsset; !maxHolding.IsZero() && newSize.Abs().GT(maxHolding) {
		return Position{}, fmt.Errorf("settlement: hit position size upper bound: %w", domain.ErrOverTradeLimit)
	}
	if oiCap := m.cfg.OpenInterestNotionalCap; !oiCap.IsZero() && m.openInterestNotional.Add(notional).GT(oiCap) {
		return Position{}, fmt.Errorf("settlement: over open interest notional cap: %w", domain.ErrOverTradeLimit)
	}

	remain, badDebt, funding := remainMargin(m, pos, decimal.SignedFrom(margin))
	if !badDebt.IsZero() {
		return Position{}, domain.ErrMarginRatio
	}
	spread, toll := fees(m, notional)
	transfers := []Transfer{{From: trader, To: ch.cfg.Address, Amount: margin}}
	transfers = append(transfers, ch.feeTransfers(trader, spread, toll)...)
	if err := ch.deps.Quote.Apply(transfers...); err != nil {
		return Position{}, err
	}

	if _, err := m.swapInput(dir, notional); err != nil {
		return Position{}, err
	}
	m.openInterestNotional = m.openInterestNotional.Add(notional)
	pos.Size = newSize
	pos.Margin = remain
	pos.OpenNotional = pos.OpenNotional.Add(notional)
	pos.LastUpdatedCumulativePremiumFraction = m.latestPremiumFraction()
	ch.positions[name][trader] = &pos

	ch.logger.InfoContext(ctx, "position opened",
		slog.String("market", string(name)),
		slog.String("trader", trader.Hex()),
		slog.String("side", side.String()),
		slog.String("notional", notional.Format()),
		slog.String("size", pos.Size.Format()),
	)
	ch.publish(ctx, domain.EventPositionChanged, map[string]any{
		"market":                string(name),
		"trader":                trader.Hex(),
		"margin":                pos.Margin.String(),
		"positionNotional":      notional.String(),
		"exchangedPositionSize": exchanged.String(),
		"fee":                   spread.Add(toll).String(),
		"positionSizeAfter":     pos.Size.String(),
		"fundingPayment":        funding.String(),
		"spotPrice":             m.SpotPrice().String(),
	})
	return pos, nil
}

// ClosePosition closes trader's whole position. quoteLimit, when non-zero,
// bounds the quote received (long) or paid (short).
func (ch *ClearingHouse) ClosePosition(ctx context.Context, name domain.AmmInstanceName, trader common.Address, quoteLimit decimal.Decimal) (decimal.Decimal, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	m, err := ch.openMarket(name)
	if err != nil {
		return decimal.Zero(), err
	}
	pos := ch.position(name, trader)
	if pos.Size.IsZero() {
		return decimal.Zero(), domain.ErrNothingToSettle
	}
	dir, quote, pnl, err := closeQuote(m, pos)
	if err != nil {
		return decimal.Zero(), err
	}
	if !quoteLimit.IsZero() {
		long := !pos.Size.IsNegative()
		if (long && quote.LT(quoteLimit)) || (!long && quote.GT(quoteLimit)) {
			return decimal.Zero(), domain.ErrSlippage
		}
	}

	remain, badDebt, funding := remainMargin(m, pos, pnl)
	spread, toll := fees(m, quote)
	var transfers []Transfer
	if !badDebt.IsZero() {
		transfers = append(transfers, Transfer{From: ch.cfg.InsuranceFund, To: ch.cfg.Address, Amount: badDebt})
	}
	transfers = append(transfers, Transfer{From: ch.cfg.Address, To: trader, Amount: remain})
	transfers = append(transfers, ch.feeTransfers(trader, spread, toll)...)
	if err := ch.deps.Quote.Apply(transfers...); err != nil {
		return decimal.Zero(), err
	}

	if _, err := m.swapOutput(dir, pos.Size.Abs()); err != nil {
		return decimal.Zero(), err
	}
	ch.clear(m, pos)

	ch.logger.InfoContext(ctx, "position closed",
		slog.String("market", string(name)),
		slog.String("trader", trader.Hex()),
		slog.String("realized_pnl", pnl.Format()),
		slog.String("returned", remain.Format()),
	)
	ch.publish(ctx, domain.EventPositionChanged, map[string]any{
		"market":                string(name),
		"trader":                trader.Hex(),
		"margin":                "0",
		"positionNotional":      quote.String(),
		"exchangedPositionSize": pos.Size.Neg().String(),
		"fee":                   spread.Add(toll).String(),
		"positionSizeAfter":     "0",
		"realizedPnl":           pnl.String(),
		"badDebt":               badDebt.String(),
		"fundingPayment":        funding.String(),
		"spotPrice":             m.SpotPrice().String(),
	})
	return remain, nil
}

// AddMargin moves amount from trader into their position.
func (ch *ClearingHouse) AddMargin(ctx context.Context, name domain.AmmInstanceName, trader common.Address, amount decimal.Decimal) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if _, err := ch.openMarket(name); err != nil {
		return err
	}
	if amount.IsZero() {
		return domain.ErrInvalidAmount
	}
	pos := ch.position(name, trader)
	if pos.Size.IsZero() {
		return domain.ErrNothingToSettle
	}
	if err := ch.deps.Quote.Transfer(trader, ch.cfg.Address, amount); err != nil {
		return err
	}
	pos.Margin = pos.Margin.Add(amount)
	ch.positions[name][trader] = &pos
	ch.publishMargin(ctx, name, trader, decimal.SignedFrom(amount))
	return nil
}

// RemoveMargin returns amount of margin to trader as long as the position
// stays above the initial margin ratio.
func (ch *ClearingHouse) RemoveMargin(ctx context.Context, name domain.AmmInstanceName, trader common.Address, amount decimal.Decimal) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	m, err := ch.openMarket(name)
	if err != nil {
		return err
	}
	if amount.IsZero() {
		return domain.ErrInvalidAmount
	}
	pos := ch.position(name, trader)
	if pos.Size.IsZero() {
		return domain.ErrNothingToSettle
	}
	remain, badDebt, _ := remainMargin(m, pos, decimal.SignedFrom(amount).Neg())
	if !badDebt.IsZero() {
		return domain.ErrMarginRatio
	}
	next := pos
	next.Margin = remain
	next.LastUpdatedCumulativePremiumFraction = m.latestPremiumFraction()
	ratio, err := ch.marginRatio(m, next)
	if err != nil {
		return err
	}
	if ratio.Cmp(decimal.SignedFrom(ch.cfg.InitMarginRatio)) < 0 {
		return domain.ErrMarginRatio
	}
	if err := ch.deps.Quote.Transfer(ch.cfg.Address, trader, amount); err != nil {
		return err
	}
	ch.positions[name][trader] = &next
	ch.publishMargin(ctx, name, trader, decimal.SignedFrom(amount).Neg())
	return nil
}

// PayFunding records the market's premium fraction for the elapsed funding
// period and settles the net payment with the insurance fund. Traders pay or
// receive their share the next time their position changes.
func (ch *ClearingHouse) PayFunding(ctx context.Context, name domain.AmmInstanceName) (decimal.Signed, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	m, err := ch.openMarket(name)
	if err != nil {
		return decimal.Signed{}, err
	}
	now, err := ch.deps.Clock.Now(ctx)
	if err != nil {
		return decimal.Signed{}, fmt.Errorf("settlement: current time: %w", err)
	}
	if now.Unix() < m.nextFundingTime {
		return decimal.Signed{}, domain.ErrFundingTooEarly
	}
	if ch.deps.Prices == nil {
		return decimal.Signed{}, fmt.Errorf("settlement: no price source for %s: %w", name, domain.ErrUnknownPriceFeed)
	}
	index, err := ch.deps.Prices.Price(ctx, m.cfg.PriceFeedKey)
	if err != nil {
		return decimal.Signed{}, fmt.Errorf("settlement: index price %s: %w", m.cfg.PriceFeedKey, err)
	}

	period := m.cfg.FundingPeriod
	if period <= 0 {
		period = time.Hour
	}
	premium := decimal.SignedFrom(m.SpotPrice()).SubD(index)
	fraction := premium.MulScalar(int64(period / time.Second)).DivScalar(int64(24 * time.Hour / time.Second))

	// Positive means longs owe shorts more than shorts owe longs; the
	// insurance fund takes the imbalance.
	imbalance := fraction.MulD(m.totalPositionSize)
	switch imbalance.Sign() {
	case 1:
		err = ch.deps.Quote.Transfer(ch.cfg.Address, ch.cfg.InsuranceFund, imbalance.Abs())
	case -1:
		err = ch.deps.Quote.Transfer(ch.cfg.InsuranceFund, ch.cfg.Address, imbalance.Abs())
	}
	if err != nil {
		return decimal.Signed{}, err
	}

	m.cumulativePremiumFractions = append(m.cumulativePremiumFractions, m.latestPremiumFraction().Add(fraction))
	m.nextFundingTime = now.Add(period).Unix()

	ch.logger.InfoContext(ctx, "funding paid",
		slog.String("market", string(name)),
		slog.String("premium_fraction", fraction.Format()),
		slog.String("index_price", index.Format()),
	)
	ch.publish(ctx, domain.EventFundingPaid, map[string]any{
		"market":          string(name),
		"premiumFraction": fraction.String(),
		"underlyingPrice": index.String(),
		"spotPrice":       m.SpotPrice().String(),
		"nextFundingTime": m.nextFundingTime,
	})
	return fraction, nil
}

// LiquidateWithSlippage closes an under-collateralised position. Half the
// liquidation penalty goes to liquidator; whatever margin is left goes to the
// insurance fund, which also covers any shortfall.
func (ch *ClearingHouse) LiquidateWithSlippage(ctx context.Context, name domain.AmmInstanceName, trader, liquidator common.Address, quoteLimit decimal.Decimal) (decimal.Decimal, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	m, err := ch.openMarket(name)
	if err != nil {
		return decimal.Zero(), err
	}
	pos := ch.position(name, trader)
	if pos.Size.IsZero() {
		return decimal.Zero(), domain.ErrNothingToSettle
	}
	ratio, err := ch.marginRatio(m, pos)
	if err != nil {
		return decimal.Zero(), err
	}
	if ratio.Cmp(decimal.SignedFrom(ch.cfg.MaintenanceMarginRatio)) >= 0 {
		return decimal.Zero(), domain.ErrMarginRatio
	}
	dir, quote, pnl, err := closeQuote(m, pos)
	if err != nil {
		return decimal.Zero(), err
	}
	if !quoteLimit.IsZero() {
		long := !pos.Size.IsNegative()
		if (long && quote.LT(quoteLimit)) || (!long && quote.GT(quoteLimit)) {
			return decimal.Zero(), domain.ErrSlippage
		}
	}

	penalty := quote.MulD(ch.cfg.LiquidationFeeRatio)
	toLiquidator := penalty.DivScalar(2)
	funding := fundingPayment(m, pos)
	leftover := decimal.SignedFrom(pos.Margin).Add(pnl).Sub(funding).SubD(toLiquidator)

	var transfers []Transfer
	toInsurance, badDebt := decimal.Zero(), decimal.Zero()
	if leftover.IsNegative() {
		badDebt = leftover.Abs()
		transfers = append(transfers, Transfer{From: ch.cfg.InsuranceFund, To: ch.cfg.Address, Amount: badDebt})
	} else {
		toInsurance = leftover.Decimal()
		transfers = append(transfers, Transfer{From: ch.cfg.Address, To: ch.cfg.InsuranceFund, Amount: toInsurance})
	}
	transfers = append(transfers, Transfer{From: ch.cfg.Address, To: liquidator, Amount: toLiquidator})
	if err := ch.deps.Quote.Apply(transfers...); err != nil {
		return decimal.Zero(), err
	}

	if _, err := m.swapOutput(dir, pos.Size.Abs()); err != nil {
		return decimal.Zero(), err
	}
	ch.clear(m, pos)

	ch.logger.WarnContext(ctx, "position liquidated",
		slog.String("market", string(name)),
		slog.String("trader", trader.Hex()),
		slog.String("liquidator", liquidator.Hex()),
		slog.String("margin_ratio", ratio.Format()),
		slog.String("bad_debt", badDebt.Format()),
	)
	ch.publish(ctx, domain.EventPositionLiquidated, map[string]any{
		"market":             string(name),
		"trader":             trader.Hex(),
		"liquidator":         liquidator.Hex(),
		"positionNotional":   quote.String(),
		"positionSize":       pos.Size.String(),
		"liquidationFee":     penalty.String(),
		"feeToLiquidator":    toLiquidator.String(),
		"feeToInsuranceFund": toInsurance.String(),
		"badDebt":            badDebt.String(),
	})
	return toLiquidator, nil
}

// SettlePosition pays out trader's position in a shut-down market at the
// settlement price. The transfer either moves the full payout or fails, in
// which case the position is left untouched. It returns the amount moved.
func (ch *ClearingHouse) SettlePosition(ctx context.Context, name domain.AmmInstanceName, trader common.Address) (decimal.Decimal, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	m, err := ch.market(name)
	if err != nil {
		return decimal.Zero(), err
	}
	if m.open {
		return decimal.Zero(), domain.ErrMarketStillOpen
	}
	pos := ch.position(name, trader)
	if pos.Size.IsZero() {
		return decimal.Zero(), domain.ErrNothingToSettle
	}

	payout := settlementValue(pos, m.settlementPrice)
	// Only what the token can represent is moved.
	dec := ch.deps.Quote.Decimals()
	moved := decimal.FromNativeUnits(payout.NativeUnits(dec), dec)
	if !moved.IsZero() {
		if err := ch.deps.Quote.Transfer(ch.cfg.Address, trader, moved); err != nil {
			ch.logger.WarnContext(ctx, "settlement transfer failed",
				slog.String("market", string(name)),
				slog.String("trader", trader.Hex()),
				slog.String("value", payout.Format()),
				slog.String("error", err.Error()),
			)
			return decimal.Zero(), err
		}
	}
	ch.clear(m, pos)

	ch.logger.InfoContext(ctx, "position settled",
		slog.String("market", string(name)),
		slog.String("trader", trader.Hex()),
		slog.String("value", moved.Format()),
	)
	// settledValue is the full 18-decimal payout; valueTransferred is what the
	// quote token could carry.
	ch.publish(ctx, domain.EventPositionSettled, map[string]any{
		"market":           string(name),
		"trader":           trader.Hex(),
		"settledValue":     payout.String(),
		"valueTransferred": moved.String(),
	})
	return moved, nil
}

// ShutdownMarket closes one market and fixes its settlement price.
func (ch *ClearingHouse) ShutdownMarket(ctx context.Context, name domain.AmmInstanceName) (decimal.Decimal, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	m, err := ch.openMarket(name)
	if err != nil {
		return decimal.Zero(), err
	}
	return ch.shutdown(ctx, m), nil
}

// shutdownAll closes every open market and returns their names.
func (ch *ClearingHouse) shutdownAll(ctx context.Context) []domain.AmmInstanceName {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	var closed []domain.AmmInstanceName
	for name, m := range ch.markets {
		if !m.open {
			continue
		}
		ch.shutdown(ctx, m)
		closed = append(closed, name)
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i] < closed[j] })
	return closed
}

func (ch *ClearingHouse) shutdown(ctx context.Context, m *Market) decimal.Decimal {
	price := m.shutdown()
	ch.logger.WarnContext(ctx, "market shut down",
		slog.String("market", string(m.Name())),
		slog.String("settlement_price", price.String()),
	)
	ch.publish(ctx, domain.EventShutdown, map[string]any{
		"market":          string(m.Name()),
		"settlementPrice": price.String(),
	})
	return price
}

func (ch *ClearingHouse) market(name domain.AmmInstanceName) (*Market, error) {
	m, ok := ch.markets[name]
	if !ok {
		return nil, fmt.Errorf("settlement: market %s: %w", name, domain.ErrUnknownMarket)
	}
	return m, nil
}

// openMarket returns the bare ErrMarketClosed for a shut-down market so every
// trading entry point reports the same error.
func (ch *ClearingHouse) openMarket(name domain.AmmInstanceName) (*Market, error) {
	m, err := ch.market(name)
	if err != nil {
		return nil, err
	}
	if !m.open {
		return nil, domain.ErrMarketClosed
	}
	return m, nil
}

func (ch *ClearingHouse) position(name domain.AmmInstanceName, trader common.Address) Position {
	if p, ok := ch.positions[name][trader]; ok {
		return *p
	}
	return Position{Market: name, Trader: trader}
}

func (ch *ClearingHouse) clear(m *Market, pos Position) {
	if m.openInterestNotional.LT(pos.OpenNotional) {
		m.openInterestNotional = decimal.Zero()
	} else {
		m.openInterestNotional = m.openInterestNotional.Sub(pos.OpenNotional)
	}
	delete(ch.positions[m.Name()], pos.Trader)
}

func (ch *ClearingHouse) marginRatio(m *Market, pos Position) (decimal.Signed, error) {
	_, notional, pnl, err := closeQuote(m, pos)
	if err != nil {
		return decimal.Signed{}, err
	}
	if notional.IsZero() {
		return decimal.Signed{}, domain.ErrNothingToSettle
	}
	value := decimal.SignedFrom(pos.Margin).Sub(fundingPayment(m, pos)).Add(pnl)
	return value.DivD(decimal.SignedFrom(notional)), nil
}

func (ch *ClearingHouse) feeTransfers(trader common.Address, spread, toll decimal.Decimal) []Transfer {
	var out []Transfer
	if !spread.IsZero() {
		out = append(out, Transfer{From: trader, To: ch.cfg.InsuranceFund, Amount: spread})
	}
	if !toll.IsZero() {
		out = append(out, Transfer{From: trader, To: ch.cfg.TollPool, Amount: toll})
	}
	return out
}

func (ch *ClearingHouse) publishMargin(ctx context.Context, name domain.AmmInstanceName, trader common.Address, delta decimal.Signed) {
	ch.publish(ctx, domain.EventMarginChanged, map[string]any{
		"market": string(name),
		"trader": trader.Hex(),
		"amount": delta.String(),
	})
}

func (ch *ClearingHouse) publish(ctx context.Context, typ domain.EventType, payload map[string]any) {
	ev := domain.Event{Type: typ, Source: "clearinghouse", Payload: payload, Timestamp: time.Now().UTC()}
	if err := ch.deps.Events.PublishEvent(ctx, domain.ChannelSettlement, ev); err != nil {
		ch.logger.WarnContext(ctx, "failed to publish event",
			slog.String("event", string(typ)),
			slog.String("error", err.Error()),
		)
	}
}

// closeQuote prices closing pos without touching the market: the direction
// base moves, the quote exchanged, and the realised pnl.
func closeQuote(m *Market, pos Position) (Direction, decimal.Decimal, decimal.Signed, error) {
	if pos.Size.IsZero() {
		return AddToAmm, decimal.Zero(), decimal.Signed{}, nil
	}
	long := !pos.Size.IsNegative()
	dir := RemoveFromAmm
	if long {
		dir = AddToAmm
	}
	quote, err := m.OutputPrice(dir, pos.Size.Abs())
	if err != nil {
		return dir, decimal.Zero(), decimal.Signed{}, err
	}
	pnl := decimal.SignedFrom(quote).SubD(pos.OpenNotional)
	if !long {
		pnl = pnl.Neg()
	}
	return dir, quote, pnl, nil
}

// fundingPayment is what pos owes (positive) or is owed (negative) since it
// last changed.
func fundingPayment(m *Market, pos Position) decimal.Signed {
	return m.latestPremiumFraction().Sub(pos.LastUpdatedCumulativePremiumFraction).MulD(pos.Size)
}

// remainMargin applies delta and outstanding funding to pos.Margin. A
// negative result is reported as bad debt with zero margin remaining.
func remainMargin(m *Market, pos Position, delta decimal.Signed) (remain, badDebt decimal.Decimal, funding decimal.Signed) {
	funding = fundingPayment(m, pos)
	v := decimal.SignedFrom(pos.Margin).Add(delta).Sub(funding)
	if v.IsNegative() {
		return decimal.Zero(), v.Abs(), funding
	}
	return v.Decimal(), decimal.Zero(), funding
}

func fees(m *Market, notional decimal.Decimal) (spread, toll decimal.Decimal) {
	return notional.MulD(m.cfg.SpreadRatio), notional.MulD(m.cfg.TollRatio)
}

// settlementValue is margin when price is zero, otherwise
// max(0, size*(price - openNotional/|size|) + margin).
func settlementValue(pos Position, price decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return pos.Margin
	}
	entry := pos.OpenNotional.DivD(pos.Size.Abs())
	v := pos.Size.MulD(decimal.SignedFrom(price).SubD(entry)).AddD(pos.Margin)
	if v.IsNegative() {
		return decimal.Zero()
	}
	return v.Decimal()
}
