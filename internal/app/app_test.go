package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpops/internal/config"
	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/deployconfig"
	"github.com/alanyoungcy/perpops/internal/domain"
	"github.com/alanyoungcy/perpops/internal/notify"
	"github.com/alanyoungcy/perpops/internal/settings"
	"github.com/alanyoungcy/perpops/internal/settlement"
	"github.com/alanyoungcy/perpops/internal/store/memory"
)

const anvilKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	chAddr   = common.HexToAddress("0xc1ea")
	fundAddr = common.HexToAddress("0x1f")
	tollAddr = common.HexToAddress("0x7011")
	trader   = common.HexToAddress("0xa11ce")
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig(t *testing.T) *config.Config {
	cfg := config.Defaults()
	cfg.Paths.Settings = t.TempDir()
	return &cfg
}

func TestWireFallsBackToMemory(t *testing.T) {
	cfg := testConfig(t)

	deps, cleanup, err := Wire(context.Background(), cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	assert.IsType(t, &memory.EventBus{}, deps.Events)
	assert.IsType(t, &memory.LockManager{}, deps.Locks)
	assert.IsType(t, &memory.CheckpointStore{}, deps.Checkpoints)
	assert.Nil(t, deps.Limiter)
	assert.Nil(t, deps.BlobWriter)
	assert.Empty(t, deps.Probes)
	assert.Nil(t, deps.Key)
	assert.Equal(t, domain.StageTest, deps.Settings.Stage())
	assert.Equal(t, domain.StageTest, deps.DeployConfig.Stage)
	assert.False(t, deps.Notifier.Enabled())
}

func TestWireLoadsWalletKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Wallet.PrivateKey = "0x" + anvilKey

	deps, cleanup, err := Wire(context.Background(), cfg, discard())
	require.NoError(t, err)
	defer cleanup()
	require.NotNil(t, deps.Key)

	cfg.Wallet.PrivateKey = "not-a-key"
	_, _, err = Wire(context.Background(), cfg, discard())
	require.Error(t, err)
}

type staticPrices map[string]decimal.Decimal

func (s staticPrices) Price(_ context.Context, key string) (decimal.Decimal, error) {
	p, ok := s[key]
	if !ok {
		return decimal.Zero(), domain.ErrNotFound
	}
	return p, nil
}

func settlementFixture(t *testing.T) (*config.Config, *deployconfig.DeployConfig, *settings.Dao) {
	cfg := testConfig(t)
	cfg.Settlement.Enabled = true
	cfg.Settlement.ClearingHouse = chAddr.Hex()
	cfg.Settlement.InsuranceFund = fundAddr.Hex()
	cfg.Settlement.TollPool = tollAddr.Hex()
	cfg.Settlement.SeedBalances = map[string]string{trader.Hex(): "1000"}

	dc, err := deployconfig.Load(domain.StageTest, "")
	require.NoError(t, err)
	dao, err := settings.Load(domain.StageTest, cfg.Paths.Settings)
	require.NoError(t, err)
	return cfg, dc, dao
}

func TestBuildSettlementOpensPricedMarkets(t *testing.T) {
	cfg, dc, dao := settlementFixture(t)
	prices := staticPrices{
		"ETH": decimal.MustParse("2000"),
		"BTC": decimal.MustParse("40000"),
	}

	engine, err := buildSettlement(context.Background(), cfg, dc, dao, prices, domain.NopPublisher{}, discard())
	require.NoError(t, err)

	markets := engine.clearingHouse.Markets()
	require.Len(t, markets, 2)
	assert.Equal(t, domain.BTCUSDC, markets[0].Name)
	assert.Equal(t, domain.ETHUSDC, markets[1].Name)
	assert.True(t, markets[1].Open)
	assert.True(t, markets[1].SpotPrice.Equal(decimal.MustParse("2000")), markets[1].SpotPrice.Format())

	assert.True(t, engine.quote.BalanceOf(trader).Equal(decimal.MustParse("1000")))
	assert.True(t, engine.perp.BalanceOf(fundAddr).Equal(decimal.MustParse("150000000")))
	assert.Equal(t, fundAddr, engine.fund.Address())
}

func TestBuildSettlementTradesAgainstSeededBalance(t *testing.T) {
	cfg, dc, dao := settlementFixture(t)
	prices := staticPrices{"ETH": decimal.MustParse("2000")}

	engine, err := buildSettlement(context.Background(), cfg, dc, dao, prices, domain.NopPublisher{}, discard())
	require.NoError(t, err)

	_, err = engine.clearingHouse.OpenPosition(context.Background(), domain.ETHUSDC, trader, settlement.Buy,
		decimal.MustParse("100"), decimal.MustParse("2"), decimal.Zero())
	require.NoError(t, err)
	assert.True(t, engine.quote.BalanceOf(trader).LT(decimal.MustParse("1000")))

	_, err = engine.fund.ShutdownAllMarkets(context.Background())
	assert.ErrorIs(t, err, domain.ErrMintThresholdNotReached)
}

func TestBuildSettlementNeedsAccounts(t *testing.T) {
	cfg, dc, dao := settlementFixture(t)
	cfg.Settlement.ClearingHouse = ""

	_, err := buildSettlement(context.Background(), cfg, dc, dao, staticPrices{}, nil, discard())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFeedKeysAreSorted(t *testing.T) {
	dc, err := deployconfig.Load(domain.StageTest, "")
	require.NoError(t, err)

	keys := feedKeys(dc)
	require.NotEmpty(t, keys)
	assert.IsNonDecreasing(t, keys)
}

type memSender struct {
	mu     sync.Mutex
	titles []string
}

func (m *memSender) Send(_ context.Context, title, _ string) error {
	m.mu.Lock()
	m.titles = append(m.titles, title)
	m.mu.Unlock()
	return nil
}

func (m *memSender) Name() string { return "mem" }

type failingTask struct{ err error }

func (f failingTask) Name() string            { return "pricefeed" }
func (f failingTask) Interval() time.Duration { return time.Minute }
func (f failingTask) Run(context.Context) error {
	return f.err
}

func TestNotifyingTaskReportsFailures(t *testing.T) {
	sender := &memSender{}
	n := notify.NewNotifier([]notify.Sender{sender}, []string{notify.EventRelayFailed}, discard())

	boom := errors.New("rpc down")
	task := &notifyingTask{Task: failingTask{err: boom}, notifier: n, stage: "staging", logger: discard()}
	assert.ErrorIs(t, task.Run(context.Background()), boom)
	assert.Equal(t, "pricefeed", task.Name())

	ok := &notifyingTask{Task: failingTask{}, notifier: n, stage: "staging", logger: discard()}
	require.NoError(t, ok.Run(context.Background()))

	require.Len(t, sender.titles, 1)
	assert.Equal(t, "Relay task pricefeed failed on staging", sender.titles[0])
}

type brokenSender struct{}

func (brokenSender) Send(context.Context, string, string) error { return errors.New("webhook 500") }
func (brokenSender) Name() string                                { return "broken" }

func TestNotifyingTaskLogsUndeliveredNotification(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	n := notify.NewNotifier([]notify.Sender{brokenSender{}}, []string{notify.EventRelayFailed}, discard())

	boom := errors.New("rpc down")
	task := &notifyingTask{Task: failingTask{err: boom}, notifier: n, stage: "staging", logger: logger}
	assert.ErrorIs(t, task.Run(context.Background()), boom)

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "relay failure notification failed")
	assert.Contains(t, out, "webhook 500")
}
