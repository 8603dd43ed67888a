package settlement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/domain"
)

func newTestMarket(t *testing.T) *Market {
	t.Helper()
	m, err := NewMarket(MarketConfig{
		Name:              domain.ETHUSDC,
		QuoteAssetReserve: decimal.New(10_000),
		BaseAssetReserve:  decimal.New(100),
	})
	require.NoError(t, err)
	return m
}

func TestInputPriceRoundsAgainstTrader(t *testing.T) {
	m := newTestMarket(t)

	long, err := m.InputPrice(AddToAmm, decimal.New(200))
	require.NoError(t, err)
	assert.Equal(t, "1960784313725490196", long.String())

	exact, err := m.InputPrice(AddToAmm, decimal.New(10_000))
	require.NoError(t, err)
	assert.Equal(t, "50000000000000000000", exact.String())

	short, err := m.InputPrice(RemoveFromAmm, decimal.New(200))
	require.NoError(t, err)
	assert.True(t, short.GT(long))
}

func TestOutputPriceRejectsDrainingThePool(t *testing.T) {
	m := newTestMarket(t)
	_, err := m.OutputPrice(RemoveFromAmm, decimal.New(100))
	assert.ErrorIs(t, err, domain.ErrOverTradeLimit)
	_, err = m.InputPrice(RemoveFromAmm, decimal.New(10_000))
	assert.ErrorIs(t, err, domain.ErrOverTradeLimit)
}

func TestSwapRoundTripKeepsPoolWhole(t *testing.T) {
	m := newTestMarket(t)
	base, err := m.swapInput(AddToAmm, decimal.New(200))
	require.NoError(t, err)
	assert.Equal(t, base.String(), m.totalPositionSize.String())

	quote, err := m.swapOutput(AddToAmm, base)
	require.NoError(t, err)
	assert.Equal(t, "199999999999999999992", quote.String())
	assert.True(t, m.totalPositionSize.IsZero())
}

func TestShutdownWithDustPositionsPricesAtZero(t *testing.T) {
	m := newTestMarket(t)
	assert.True(t, m.shutdown().IsZero())
	assert.False(t, m.IsOpen())
}

func TestParseSide(t *testing.T) {
	s, err := ParseSide("short")
	require.NoError(t, err)
	assert.Equal(t, Sell, s)
	s, err = ParseSide("Buy")
	require.NoError(t, err)
	assert.Equal(t, Buy, s)
	_, err = ParseSide("hold")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestTokenApplyIsAllOrNothing(t *testing.T) {
	usdc := NewToken("USDC", 6)
	usdc.Mint(alice, decimal.New(10))

	err := usdc.Apply(
		Transfer{From: alice, To: bob, Amount: decimal.New(6)},
		Transfer{From: alice, To: carol, Amount: decimal.New(6)},
	)
	assert.ErrorIs(t, err, domain.ErrInsufficientPoolBalance)
	assert.Equal(t, "10000000", usdc.UnitsOf(alice).String())
	assert.Equal(t, "0", usdc.UnitsOf(bob).String())

	require.NoError(t, usdc.Transfer(alice, bob, decimal.MustParse("1.2345678")))
	assert.Equal(t, "1234567", usdc.UnitsOf(bob).String())
	assert.Equal(t, "1.234567", usdc.BalanceOf(bob).Format())
}
