// Package relay runs the keeper jobs that keep markets alive: pushing index
// prices to the layer 2 price feed, paying funding and liquidating
// undercollateralized positions.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpops/internal/chain"
	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/domain"
)

// Task is one periodic keeper job. Run must be safe to repeat.
type Task interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context) error
}

// PriceWriter pushes prices on chain.
type PriceWriter interface {
	SetLatestData(ctx context.Context, key string, price decimal.Decimal, at time.Time) error
}

// ClearingHouse is the keeper surface of the clearing house.
type ClearingHouse interface {
	PayFunding(ctx context.Context, amm common.Address) error
	Liquidate(ctx context.Context, amm, trader common.Address) error
	Undercollateralized(ctx context.Context) ([]chain.PositionRef, error)
}

// Markets lists markets and their funding schedule.
type Markets interface {
	AllAmms(ctx context.Context) ([]common.Address, error)
	Open(ctx context.Context, amm common.Address) (bool, error)
	NextFundingTime(ctx context.Context, amm common.Address) (time.Time, error)
}

// PriceFeedTask copies source prices to the layer 2 feed. A key whose price
// matches the last pushed value is skipped.
type PriceFeedTask struct {
	keys     []string
	source   domain.PriceSource
	feed     PriceWriter
	cache    domain.PriceCache
	clock    domain.Clock
	interval time.Duration
	logger   *slog.Logger
}

// NewPriceFeedTask pushes keys every interval.
func NewPriceFeedTask(keys []string, source domain.PriceSource, feed PriceWriter, cache domain.PriceCache, clock domain.Clock, interval time.Duration, logger *slog.Logger) *PriceFeedTask {
	return &PriceFeedTask{
		keys:     keys,
		source:   source,
		feed:     feed,
		cache:    cache,
		clock:    clock,
		interval: interval,
		logger:   logger.With(slog.String("component", "relay.pricefeed")),
	}
}

func (t *PriceFeedTask) Name() string            { return "pricefeed" }
func (t *PriceFeedTask) Interval() time.Duration { return t.interval }

func (t *PriceFeedTask) Run(ctx context.Context) error {
	var errs []error
	for _, key := range t.keys {
		if err := t.push(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (t *PriceFeedTask) push(ctx context.Context, key string) error {
	price, err := t.source.Price(ctx, key)
	if err != nil {
		return fmt.Errorf("relay: read price: %w", err)
	}
	last, _, err := t.cache.GetPrice(ctx, key)
	switch {
	case err == nil && last.Equal(price):
		t.logger.DebugContext(ctx, "price unchanged", slog.String("key", key))
		return nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		t.logger.WarnContext(ctx, "price cache unavailable", slog.String("key", key), slog.String("error", err.Error()))
	}

	now, err := t.clock.Now(ctx)
	if err != nil {
		return fmt.Errorf("relay: clock: %w", err)
	}
	if err := t.feed.SetLatestData(ctx, key, price, now); err != nil {
		return fmt.Errorf("relay: push price: %w", err)
	}
	if err := t.cache.SetPrice(ctx, key, price, now); err != nil {
		t.logger.WarnContext(ctx, "failed to cache price", slog.String("key", key), slog.String("error", err.Error()))
	}
	t.logger.InfoContext(ctx, "price pushed", slog.String("key", key), slog.String("price", price.Format()))
	return nil
}

// FundingTask pays funding on every open market whose funding time has come.
type FundingTask struct {
	ch       ClearingHouse
	markets  Markets
	clock    domain.Clock
	interval time.Duration
	logger   *slog.Logger
}

// NewFundingTask checks the markets every interval.
func NewFundingTask(ch ClearingHouse, markets Markets, clock domain.Clock, interval time.Duration, logger *slog.Logger) *FundingTask {
	return &FundingTask{
		ch:       ch,
		markets:  markets,
		clock:    clock,
		interval: interval,
		logger:   logger.With(slog.String("component", "relay.funding")),
	}
}

func (t *FundingTask) Name() string            { return "funding" }
func (t *FundingTask) Interval() time.Duration { return t.interval }

func (t *FundingTask) Run(ctx context.Context) error {
	amms, err := t.markets.AllAmms(ctx)
	if err != nil {
		return fmt.Errorf("relay: list amms: %w", err)
	}
	now, err := t.clock.Now(ctx)
	if err != nil {
		return fmt.Errorf("relay: clock: %w", err)
	}
	var errs []error
	for _, amm := range amms {
		if err := t.payIfDue(ctx, amm, now); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", amm.Hex(), err))
		}
	}
	return errors.Join(errs...)
}

func (t *FundingTask) payIfDue(ctx context.Context, amm common.Address, now time.Time) error {
	open, err := t.markets.Open(ctx, amm)
	if err != nil {
		return err
	}
	if !open {
		return nil
	}
	next, err := t.markets.NextFundingTime(ctx, amm)
	if err != nil {
		return err
	}
	if now.Before(next) {
		return nil
	}
	if err := t.ch.PayFunding(ctx, amm); err != nil {
		return err
	}
	t.logger.InfoContext(ctx, "funding paid", slog.String("amm", amm.Hex()))
	return nil
}

// LiquidationTask liquidates every position the clearing house reports as
// undercollateralized.
type LiquidationTask struct {
	ch       ClearingHouse
	interval time.Duration
	logger   *slog.Logger
}

// NewLiquidationTask scans every interval.
func NewLiquidationTask(ch ClearingHouse, interval time.Duration, logger *slog.Logger) *LiquidationTask {
	return &LiquidationTask{
		ch:       ch,
		interval: interval,
		logger:   logger.With(slog.String("component", "relay.liquidation")),
	}
}

func (t *LiquidationTask) Name() string            { return "liquidation" }
func (t *LiquidationTask) Interval() time.Duration { return t.interval }

func (t *LiquidationTask) Run(ctx context.Context) error {
	refs, err := t.ch.Undercollateralized(ctx)
	if err != nil {
		return fmt.Errorf("relay: retrieve undercollateralized positions: %w", err)
	}
	var errs []error
	liquidated := 0
	for _, ref := range refs {
		if err := t.ch.Liquidate(ctx, ref.Amm, ref.Trader); err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", ref.Amm.Hex(), ref.Trader.Hex(), err))
			continue
		}
		liquidated++
	}
	if len(refs) > 0 {
		t.logger.InfoContext(ctx, "liquidation pass",
			slog.Int("found", len(refs)),
			slog.Int("liquidated", liquidated),
		)
	}
	return errors.Join(errs...)
}

var (
	_ ClearingHouse = (*chain.ClearingHouse)(nil)
	_ Markets       = (*chain.Markets)(nil)
	_ PriceWriter   = (*chain.L2PriceFeed)(nil)
)
