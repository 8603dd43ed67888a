package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/alanyoungcy/perpops/internal/chain"
	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/domain"
	"github.com/alanyoungcy/perpops/internal/metrics"
	"github.com/alanyoungcy/perpops/internal/store/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fixedClock struct{ t time.Time }

func (c fixedClock) Now(context.Context) (time.Time, error) { return c.t, nil }

type prices map[string]decimal.Decimal

func (p prices) Price(_ context.Context, key string) (decimal.Decimal, error) {
	v, ok := p[key]
	if !ok {
		return decimal.Zero(), domain.ErrNotFound
	}
	return v, nil
}

type pushed struct {
	key   string
	price decimal.Decimal
}

type feedLog struct {
	mu     sync.Mutex
	pushes []pushed
}

func (f *feedLog) SetLatestData(_ context.Context, key string, price decimal.Decimal, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, pushed{key: key, price: price})
	return nil
}

type fakeClearingHouse struct {
	mu         sync.Mutex
	funded     []common.Address
	liquidated []chain.PositionRef
	under      []chain.PositionRef
	failTrader common.Address
}

func (f *fakeClearingHouse) PayFunding(_ context.Context, amm common.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funded = append(f.funded, amm)
	return nil
}

func (f *fakeClearingHouse) Liquidate(_ context.Context, amm, trader common.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if trader == f.failTrader {
		return errors.New("margin ratio not meet criteria")
	}
	f.liquidated = append(f.liquidated, chain.PositionRef{Amm: amm, Trader: trader})
	return nil
}

func (f *fakeClearingHouse) Undercollateralized(context.Context) ([]chain.PositionRef, error) {
	return f.under, nil
}

type market struct {
	open bool
	next time.Time
}

type fakeMarkets map[common.Address]market

func (m fakeMarkets) AllAmms(context.Context) ([]common.Address, error) {
	out := make([]common.Address, 0, len(m))
	for a := range m {
		out = append(out, a)
	}
	return out, nil
}

func (m fakeMarkets) Open(_ context.Context, amm common.Address) (bool, error) {
	return m[amm].open, nil
}

func (m fakeMarkets) NextFundingTime(_ context.Context, amm common.Address) (time.Time, error) {
	return m[amm].next, nil
}

func TestPriceFeedTaskSkipsUnchangedPrices(t *testing.T) {
	ctx := context.Background()
	src := prices{"ETH": decimal.New(1800), "BTC": decimal.New(30000)}
	feed := &feedLog{}
	cache := memory.NewPriceCache()
	task := NewPriceFeedTask([]string{"ETH", "BTC"}, src, feed, cache, fixedClock{time.Unix(1_700_000_000, 0)}, time.Minute, discard())

	require.NoError(t, task.Run(ctx))
	require.Len(t, feed.pushes, 2)

	require.NoError(t, task.Run(ctx))
	assert.Len(t, feed.pushes, 2)

	src["ETH"] = decimal.New(1801)
	require.NoError(t, task.Run(ctx))
	require.Len(t, feed.pushes, 3)
	assert.Equal(t, "ETH", feed.pushes[2].key)
	assert.True(t, feed.pushes[2].price.Equal(decimal.New(1801)))

	cached, _, err := cache.GetPrice(ctx, "ETH")
	require.NoError(t, err)
	assert.True(t, cached.Equal(decimal.New(1801)))
}

func TestPriceFeedTaskReportsMissingSource(t *testing.T) {
	feed := &feedLog{}
	task := NewPriceFeedTask([]string{"ETH", "LINK"}, prices{"ETH": decimal.New(1)}, feed,
		memory.NewPriceCache(), fixedClock{time.Unix(1, 0)}, time.Minute, discard())

	err := task.Run(context.Background())
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, err.Error(), "LINK")
	assert.Len(t, feed.pushes, 1)
}

func TestFundingTaskPaysDueOpenMarkets(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	due := common.HexToAddress("0x01")
	early := common.HexToAddress("0x02")
	closed := common.HexToAddress("0x03")
	ch := &fakeClearingHouse{}
	markets := fakeMarkets{
		due:    {open: true, next: now},
		early:  {open: true, next: now.Add(time.Minute)},
		closed: {open: false, next: now.Add(-time.Hour)},
	}
	task := NewFundingTask(ch, markets, fixedClock{now}, time.Minute, discard())

	require.NoError(t, task.Run(context.Background()))
	assert.Equal(t, []common.Address{due}, ch.funded)
}

func TestLiquidationTaskContinuesPastFailures(t *testing.T) {
	amm := common.HexToAddress("0xa0")
	bad := common.HexToAddress("0xb0")
	good := common.HexToAddress("0xb1")
	ch := &fakeClearingHouse{
		under:      []chain.PositionRef{{Amm: amm, Trader: bad}, {Amm: amm, Trader: good}},
		failTrader: bad,
	}
	task := NewLiquidationTask(ch, time.Minute, discard())

	err := task.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), bad.Hex())
	assert.Equal(t, []chain.PositionRef{{Amm: amm, Trader: good}}, ch.liquidated)
}

type countingTask struct {
	name     string
	interval time.Duration
	runs     atomic.Int64
	err      error
}

func (c *countingTask) Name() string            { return c.name }
func (c *countingTask) Interval() time.Duration { return c.interval }
func (c *countingTask) Run(context.Context) error {
	c.runs.Add(1)
	return c.err
}

func TestRunnerTicksUntilCancelled(t *testing.T) {
	fast := &countingTask{name: "fast", interval: 5 * time.Millisecond}
	failing := &countingTask{name: "failing", interval: 5 * time.Millisecond, err: errors.New("rpc down")}
	r := NewRunner([]Task{fast, failing}, memory.NewLockManager(), metrics.New(), discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return fast.runs.Load() >= 3 && failing.runs.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunnerSkipsTaskHeldElsewhere(t *testing.T) {
	ctx := context.Background()
	locks := memory.NewLockManager()
	unlock, err := locks.Acquire(ctx, "relay:funding", time.Minute)
	require.NoError(t, err)
	defer unlock()

	funding := &countingTask{name: "funding", interval: time.Minute}
	other := &countingTask{name: "liquidation", interval: time.Minute}
	r := NewRunner([]Task{funding, other}, locks, nil, discard())

	require.NoError(t, r.RunOnce(ctx))
	assert.Equal(t, int64(0), funding.runs.Load())
	assert.Equal(t, int64(1), other.runs.Load())
}

func TestRunOnceJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	r := NewRunner([]Task{
		&countingTask{name: "a", interval: time.Minute, err: boom},
		&countingTask{name: "b", interval: time.Minute},
	}, memory.NewLockManager(), nil, discard())

	assert.ErrorIs(t, r.RunOnce(context.Background()), boom)
}
