package settlement

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/domain"
)

var (
	vault     = common.HexToAddress("0xc1ea")
	insurance = common.HexToAddress("0x1f")
	tollPool  = common.HexToAddress("0x7011")
	alice     = common.HexToAddress("0xa11ce")
	bob       = common.HexToAddress("0xb0b")
	carol     = common.HexToAddress("0xca201")
	chad      = common.HexToAddress("0xc4ad")
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now(context.Context) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now, nil
}

func (c *manualClock) forward(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type staticPrices map[string]decimal.Decimal

func (s staticPrices) Price(_ context.Context, key string) (decimal.Decimal, error) {
	p, ok := s[key]
	if !ok {
		return decimal.Zero(), domain.ErrNotFound
	}
	return p, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingPublisher) PublishEvent(_ context.Context, _ string, ev domain.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recordingPublisher) last() domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type house struct {
	ch     *ClearingHouse
	usdc   *Token
	clock  *manualClock
	prices staticPrices
	events *recordingPublisher
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHouse(t *testing.T) *house {
	t.Helper()
	h := &house{
		usdc:   NewToken("USDC", 6),
		clock:  &manualClock{now: time.Unix(1_600_000_000, 0)},
		prices: staticPrices{},
		events: &recordingPublisher{},
	}
	ch, err := NewClearingHouse(Config{
		Address:                vault,
		InsuranceFund:          insurance,
		TollPool:               tollPool,
		InitMarginRatio:        decimal.MustParse("0.1"),
		MaintenanceMarginRatio: decimal.MustParse("0.0625"),
		LiquidationFeeRatio:    decimal.MustParse("0.0125"),
	}, Deps{Quote: h.usdc, Clock: h.clock, Prices: h.prices, Events: h.events}, discard())
	require.NoError(t, err)
	h.ch = ch
	h.addMarket(t, domain.ETHUSDC, nil)
	return h
}

func (h *house) addMarket(t *testing.T, name domain.AmmInstanceName, tweak func(*MarketConfig)) {
	t.Helper()
	cfg := MarketConfig{
		Name:              name,
		PriceFeedKey:      "ETH",
		QuoteAssetReserve: decimal.New(10_000),
		BaseAssetReserve:  decimal.New(100),
		TradeLimitRatio:   decimal.One(),
		FundingPeriod:     24 * time.Hour,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	m, err := NewMarket(cfg)
	require.NoError(t, err)
	require.NoError(t, h.ch.AddMarket(m))
}

func (h *house) fund(who common.Address, amount uint64) {
	h.usdc.Mint(who, decimal.New(amount))
}

func (h *house) open(t *testing.T, who common.Address, side Side, margin, leverage uint64) Position {
	t.Helper()
	pos, err := h.ch.OpenPosition(context.Background(), domain.ETHUSDC, who, side, decimal.New(margin), decimal.New(leverage), decimal.Zero())
	require.NoError(t, err)
	return pos
}
