package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/domain"
)

var governance = common.HexToAddress("0x9e4f")

type fundFixture struct {
	*house
	perp    *Token
	monitor *InflationMonitor
	fund    *InsuranceFund
}

func newFundFixture(t *testing.T) *fundFixture {
	t.Helper()
	h := newHouse(t)
	h.addMarket(t, domain.BTCUSDC, func(c *MarketConfig) {
		c.SpreadRatio = decimal.MustParse("0.05")
		c.TollRatio = decimal.MustParse("0.05")
	})
	perp := NewToken("PERP", 18)
	perp.Mint(governance, decimal.New(1000))
	monitor := NewInflationMonitor(perp, h.clock, DefaultShutdownThreshold)
	fund, err := NewInsuranceFund(h.ch, perp, monitor, h.events, discard())
	require.NoError(t, err)
	return &fundFixture{house: h, perp: perp, monitor: monitor, fund: fund}
}

// mintShare mints supply/div for loss.
func (f *fundFixture) mintShare(t *testing.T, div uint64) {
	t.Helper()
	supply, err := f.perp.TotalSupply(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.fund.MintForLoss(context.Background(), supply.DivScalar(div)))
}

func (f *fundFixture) assertShutdown(t *testing.T) {
	t.Helper()
	closed, err := f.fund.ShutdownAllMarkets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.AmmInstanceName{domain.BTCUSDC, domain.ETHUSDC}, closed)
	assert.Equal(t, domain.EventShutdownAllAmms, f.events.last().Type)
	for _, m := range f.fund.Markets() {
		assert.False(t, m.Open, m.Name)
	}
}

func (f *fundFixture) assertStillTrading(t *testing.T) {
	t.Helper()
	_, err := f.fund.ShutdownAllMarkets(context.Background())
	assert.ErrorIs(t, err, domain.ErrMintThresholdNotReached)
	f.assertCanTrade(t)
}

func (f *fundFixture) assertCanTrade(t *testing.T) {
	t.Helper()
	f.usdc.Mint(alice, decimal.New(100))
	_, err := f.ch.OpenPosition(context.Background(), domain.ETHUSDC, alice, Buy, decimal.New(100), decimal.One(), decimal.Zero())
	require.NoError(t, err)
	assert.Equal(t, domain.EventPositionChanged, f.events.last().Type)
}

func TestShutdownWhenWeeklyMintOverThreshold(t *testing.T) {
	f := newFundFixture(t)
	f.mintShare(t, 8)
	f.clock.forward(7 * 24 * time.Hour)
	f.assertShutdown(t)
}

func TestShutdownImmediatelyAfterLargeMint(t *testing.T) {
	f := newFundFixture(t)
	f.mintShare(t, 8)
	f.assertShutdown(t)
}

func TestShutdownOnCumulativeWeeklyMints(t *testing.T) {
	f := newFundFixture(t)
	supply, err := f.perp.TotalSupply(context.Background())
	require.NoError(t, err)
	amount := supply.DivScalar(8).DivScalar(3)
	ctx := context.Background()

	require.NoError(t, f.fund.MintForLoss(ctx, amount))
	f.clock.forward(2 * 24 * time.Hour)
	require.NoError(t, f.fund.MintForLoss(ctx, amount))
	f.clock.forward(2 * 24 * time.Hour)
	require.NoError(t, f.fund.MintForLoss(ctx, amount))
	f.clock.forward(3 * 24 * time.Hour)

	f.assertShutdown(t)
}

func TestBelowThresholdStillTrades(t *testing.T) {
	f := newFundFixture(t)
	f.mintShare(t, 9)
	f.assertStillTrading(t)
}

func TestOldMintsFallOutOfWindow(t *testing.T) {
	f := newFundFixture(t)
	f.mintShare(t, 8)
	f.clock.forward(3 * 24 * time.Hour)
	f.mintShare(t, 20)
	f.clock.forward(3 * 24 * time.Hour)
	f.mintShare(t, 8)
	f.clock.forward(2 * 24 * time.Hour)
	f.assertCanTrade(t)
}

func TestMintOverAWeekAgoDoesNotCount(t *testing.T) {
	f := newFundFixture(t)
	f.mintShare(t, 8)
	f.clock.forward(7*24*time.Hour + time.Second)
	f.assertStillTrading(t)
}

func TestLowerThreshold(t *testing.T) {
	f := newFundFixture(t)
	f.monitor.SetThreshold(decimal.MustParse("0.05"))

	f.mintShare(t, 20)
	f.assertStillTrading(t)

	f.clock.forward(7*24*time.Hour + time.Second)
	f.mintShare(t, 9)
	f.assertShutdown(t)
}

func TestRegularMintsDoNotCount(t *testing.T) {
	f := newFundFixture(t)
	f.perp.Mint(governance, decimal.New(10))
	f.clock.forward(2 * 24 * time.Hour)
	f.mintShare(t, 9)
	f.assertStillTrading(t)
}

func TestZeroThresholdDisablesShutdown(t *testing.T) {
	f := newFundFixture(t)
	f.monitor.SetThreshold(decimal.Zero())
	f.mintShare(t, 2)
	_, err := f.fund.ShutdownAllMarkets(context.Background())
	assert.ErrorIs(t, err, domain.ErrMintThresholdNotReached)
}
