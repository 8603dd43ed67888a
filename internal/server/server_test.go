package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpops/internal/crypto"
	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/deployconfig"
	"github.com/alanyoungcy/perpops/internal/domain"
	"github.com/alanyoungcy/perpops/internal/migration"
	"github.com/alanyoungcy/perpops/internal/server/handler"
	"github.com/alanyoungcy/perpops/internal/settlement"
	"github.com/alanyoungcy/perpops/internal/store/memory"
)

// Hardhat's second and third default accounts.
var (
	dispatcherKey = mustKey("59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d")
	aliceKey      = mustKey("5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a")
	dispatcher    = ethcrypto.PubkeyToAddress(dispatcherKey.PublicKey)
	alice         = ethcrypto.PubkeyToAddress(aliceKey.PublicKey)
)

func mustKey(hex string) *ecdsa.PrivateKey {
	key, err := ethcrypto.HexToECDSA(hex)
	if err != nil {
		panic(err)
	}
	return key
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakePool struct {
	mu     sync.Mutex
	state  domain.RewardPoolState
	earned map[common.Address]decimal.Decimal
	synced []common.Address
}

func newFakePool() *fakePool {
	st := domain.NewRewardPoolState("fees")
	return &fakePool{state: st, earned: map[common.Address]decimal.Decimal{}}
}

func (p *fakePool) State(context.Context) (domain.RewardPoolState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Clone(), nil
}

func (p *fakePool) LastTimeRewardApplicable(context.Context) (int64, error) { return 1_000, nil }

func (p *fakePool) RewardPerToken(context.Context) (decimal.Decimal, error) {
	return decimal.MustParse("0.5"), nil
}

func (p *fakePool) Earned(_ context.Context, staker common.Address) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.earned[staker], nil
}

func (p *fakePool) NotifyRewardAmount(_ context.Context, caller common.Address, amount decimal.Decimal) error {
	if caller != dispatcher {
		return domain.ErrUnauthorized
	}
	if amount.IsZero() {
		return domain.ErrZeroAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.RewardRate = amount.DivScalar(100)
	p.state.PeriodFinish = 1_100
	return nil
}

func (p *fakePool) NotifyStakeChanged(_ context.Context, staker common.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.synced = append(p.synced, staker)
	return nil
}

func (p *fakePool) WithdrawReward(_ context.Context, staker common.Address) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	amt := p.earned[staker]
	if amt.IsZero() {
		return decimal.Zero(), domain.ErrNoReward
	}
	delete(p.earned, staker)
	return amt, nil
}

type fakeClearingHouse struct {
	markets   map[domain.AmmInstanceName]settlement.MarketSnapshot
	positions map[common.Address]settlement.Position
	opened    []settlement.Side
}

func newFakeClearingHouse() *fakeClearingHouse {
	return &fakeClearingHouse{
		markets: map[domain.AmmInstanceName]settlement.MarketSnapshot{
			"ETHUSDC": {Name: "ETHUSDC", PriceFeedKey: "ETH", Open: true, SpotPrice: decimal.New(100)},
			"BTCUSDC": {Name: "BTCUSDC", PriceFeedKey: "BTC", Open: false, SettlementPrice: decimal.New(99)},
		},
		positions: map[common.Address]settlement.Position{},
	}
}

func (f *fakeClearingHouse) Markets() []settlement.MarketSnapshot {
	return []settlement.MarketSnapshot{f.markets["BTCUSDC"], f.markets["ETHUSDC"]}
}

func (f *fakeClearingHouse) Market(name domain.AmmInstanceName) (settlement.MarketSnapshot, error) {
	m, ok := f.markets[name]
	if !ok {
		return settlement.MarketSnapshot{}, domain.ErrUnknownMarket
	}
	return m, nil
}

func (f *fakeClearingHouse) Position(name domain.AmmInstanceName, trader common.Address) (settlement.Position, error) {
	if _, err := f.Market(name); err != nil {
		return settlement.Position{}, err
	}
	return f.positions[trader], nil
}

func (f *fakeClearingHouse) Positions(name domain.AmmInstanceName) ([]settlement.Position, error) {
	if _, err := f.Market(name); err != nil {
		return nil, err
	}
	out := make([]settlement.Position, 0, len(f.positions))
	for _, p := range f.positions {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeClearingHouse) MarginRatio(domain.AmmInstanceName, common.Address) (decimal.Signed, error) {
	return decimal.SignedFrom(decimal.MustParse("0.1")), nil
}

func (f *fakeClearingHouse) OpenPosition(_ context.Context, name domain.AmmInstanceName, trader common.Address, side settlement.Side, margin, leverage, _ decimal.Decimal) (settlement.Position, error) {
	m, err := f.Market(name)
	if err != nil {
		return settlement.Position{}, err
	}
	if !m.Open {
		return settlement.Position{}, domain.ErrMarketClosed
	}
	f.opened = append(f.opened, side)
	pos := settlement.Position{
		Market:       name,
		Trader:       trader,
		Size:         decimal.SignedFrom(decimal.New(1)),
		Margin:       margin,
		OpenNotional: margin.MulD(leverage),
	}
	f.positions[trader] = pos
	return pos, nil
}

func (f *fakeClearingHouse) ClosePosition(_ context.Context, _ domain.AmmInstanceName, trader common.Address, _ decimal.Decimal) (decimal.Decimal, error) {
	pos, ok := f.positions[trader]
	if !ok {
		return decimal.Zero(), domain.ErrNothingToSettle
	}
	delete(f.positions, trader)
	return pos.Margin, nil
}

func (f *fakeClearingHouse) SettlePosition(_ context.Context, name domain.AmmInstanceName, _ common.Address) (decimal.Decimal, error) {
	if f.markets[name].Open {
		return decimal.Zero(), domain.ErrMarketStillOpen
	}
	return decimal.MustParse("97.959183"), nil
}

func (f *fakeClearingHouse) ShutdownMarket(_ context.Context, name domain.AmmInstanceName) (decimal.Decimal, error) {
	m, err := f.Market(name)
	if err != nil {
		return decimal.Zero(), err
	}
	if !m.Open {
		return decimal.Zero(), domain.ErrMarketClosed
	}
	m.Open = false
	m.SettlementPrice = decimal.New(99)
	f.markets[name] = m
	return m.SettlementPrice, nil
}

type fakeFund struct{ over bool }

func (f fakeFund) ShutdownAllMarkets(context.Context) ([]domain.AmmInstanceName, error) {
	if !f.over {
		return nil, domain.ErrMintThresholdNotReached
	}
	return []domain.AmmInstanceName{"ETHUSDC"}, nil
}

type routeRecorder struct {
	mu     sync.Mutex
	routes []string
}

func (r *routeRecorder) HTTPRequest(method, route string, code int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, method+" "+route)
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }

type fixture struct {
	srv    *Server
	pool   *fakePool
	ch     *fakeClearingHouse
	checks *memory.CheckpointStore
	events *memory.EventBus
	rec    *routeRecorder
}

func newFixture(t *testing.T, cfg Config, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		pool:   newFakePool(),
		ch:     newFakeClearingHouse(),
		checks: memory.NewCheckpointStore(),
		events: memory.NewEventBus(),
		rec:    &routeRecorder{},
	}
	if opts.Recorder == nil {
		opts.Recorder = f.rec
	}
	log := discard()
	f.srv = NewServer(cfg, Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Pinger{
			"postgres": func(context.Context) error { return nil },
		}, log),
		Rewards:    handler.NewRewardHandler(f.pool, log),
		Markets:    handler.NewMarketHandler(f.ch, fakeFund{}, log),
		Migrations: handler.NewMigrationHandler(domain.StageStaging, migration.All(), f.checks, memory.NewAuditStore(), log),
		Events:     handler.NewEventHandler(f.events, log),
		Config: handler.NewConfigHandler(func(stage domain.Stage) (*deployconfig.DeployConfig, error) {
			return deployconfig.Load(stage, "")
		}, log),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "# metrics\n")
		}),
	}, opts, log)
	return f
}

func (f *fixture) do(t *testing.T, method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, rd)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

// doAs sends a request signed by key's wallet.
func (f *fixture) doAs(t *testing.T, key *ecdsa.PrivateKey, method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		require.NoError(t, err)
	}
	hdr, err := crypto.SignWalletRequest(key, method, target, data, time.Now())
	require.NoError(t, err)
	headers = append(headers,
		crypto.HeaderWalletTimestamp, hdr[crypto.HeaderWalletTimestamp],
		crypto.HeaderWalletSignature, hdr[crypto.HeaderWalletSignature])
	return f.do(t, method, target, body, headers...)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRewardNotifyOnlyDispatcher(t *testing.T) {
	f := newFixture(t, Config{}, Options{})

	rec := f.doAs(t, aliceKey, http.MethodPost, "/api/rewards/notify", map[string]string{"caller": alice.Hex(), "amount": "5000"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, domain.ErrUnauthorized.Error(), decode(t, rec)["error"])

	rec = f.doAs(t, dispatcherKey, http.MethodPost, "/api/rewards/notify", map[string]string{"caller": dispatcher.Hex(), "amount": "5000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "fees", body["poolId"])
	assert.Equal(t, decimal.New(50).String(), body["rewardRate"])
	assert.Equal(t, float64(1_100), body["periodFinish"])
}

func TestRewardNotifyRejectsBadInput(t *testing.T) {
	f := newFixture(t, Config{}, Options{})

	rec := f.do(t, http.MethodPost, "/api/rewards/notify", map[string]string{"caller": "nope", "amount": "1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.doAs(t, dispatcherKey, http.MethodPost, "/api/rewards/notify", map[string]string{"caller": dispatcher.Hex(), "amount": "0"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, domain.ErrZeroAmount.Error(), decode(t, rec)["error"])

	rec = f.do(t, http.MethodPost, "/api/rewards/notify", map[string]any{"caller": dispatcher.Hex(), "amount": "1", "extra": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRewardStakerFlow(t *testing.T) {
	f := newFixture(t, Config{}, Options{})
	f.pool.earned[alice] = decimal.MustParse("2159.99999999923968")

	rec := f.do(t, http.MethodPost, "/api/rewards/stakers/"+alice.Hex()+"/checkpoint", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []common.Address{alice}, f.pool.synced)

	rec = f.do(t, http.MethodGet, "/api/rewards/stakers/"+alice.Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2159999999999239680000", decode(t, rec)["earned"])

	rec = f.do(t, http.MethodPost, "/api/rewards/stakers/"+alice.Hex()+"/withdraw", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.doAs(t, aliceKey, http.MethodPost, "/api/rewards/stakers/"+alice.Hex()+"/withdraw", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2159999999999239680000", decode(t, rec)["amount"])

	rec = f.doAs(t, aliceKey, http.MethodPost, "/api/rewards/stakers/"+alice.Hex()+"/withdraw", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, domain.ErrNoReward.Error(), decode(t, rec)["error"])

	rec = f.do(t, http.MethodGet, "/api/rewards/stakers/0x123", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMarketsListAndPaginate(t *testing.T) {
	f := newFixture(t, Config{}, Options{})

	rec := f.do(t, http.MethodGet, "/api/markets?limit=1&offset=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["total"])
	markets := body["markets"].([]any)
	require.Len(t, markets, 1)
	assert.Equal(t, "ETHUSDC", markets[0].(map[string]any)["name"])

	rec = f.do(t, http.MethodGet, "/api/markets?offset=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["markets"])

	rec = f.do(t, http.MethodGet, "/api/markets/DOGEUSDC", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPositionLifecycle(t *testing.T) {
	f := newFixture(t, Config{}, Options{})
	open := map[string]string{"trader": alice.Hex(), "side": "short", "margin": "600", "leverage": "2"}

	rec := f.doAs(t, aliceKey, http.MethodPost, "/api/markets/ETHUSDC/positions", open)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, []settlement.Side{settlement.Sell}, f.ch.opened)
	assert.Equal(t, decimal.New(1200).String(), decode(t, rec)["openNotional"])

	rec = f.do(t, http.MethodGet, "/api/markets/ETHUSDC/positions/"+alice.Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, decimal.MustParse("0.1").String(), decode(t, rec)["marginRatio"])

	rec = f.do(t, http.MethodGet, "/api/markets/ETHUSDC/positions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["positions"], 1)

	rec = f.doAs(t, aliceKey, http.MethodDelete, "/api/markets/ETHUSDC/positions/"+alice.Hex()+"?quoteLimit=1.5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, decimal.New(600).String(), decode(t, rec)["paid"])

	open["side"] = "sideways"
	rec = f.doAs(t, aliceKey, http.MethodPost, "/api/markets/ETHUSDC/positions", open)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	open["side"] = "long"
	rec = f.doAs(t, aliceKey, http.MethodPost, "/api/markets/BTCUSDC/positions", open)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, domain.ErrMarketClosed.Error(), decode(t, rec)["error"])
}

func TestShutdownAndSettle(t *testing.T) {
	f := newFixture(t, Config{}, Options{})

	rec := f.doAs(t, aliceKey, http.MethodPost, "/api/markets/ETHUSDC/positions/"+alice.Hex()+"/settle", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, domain.ErrMarketStillOpen.Error(), decode(t, rec)["error"])

	rec = f.do(t, http.MethodPost, "/api/markets/ETHUSDC/shutdown", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, decimal.New(99).String(), decode(t, rec)["settlementPrice"])

	rec = f.do(t, http.MethodPost, "/api/markets/ETHUSDC/positions/"+alice.Hex()+"/settle", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.doAs(t, aliceKey, http.MethodPost, "/api/markets/ETHUSDC/positions/"+alice.Hex()+"/settle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, decimal.MustParse("97.959183").String(), decode(t, rec)["valueTransferred"])

	rec = f.do(t, http.MethodPost, "/api/insurance-fund/shutdown", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["shutdown"])
	assert.Empty(t, body["markets"])
	assert.Equal(t, domain.ErrMintThresholdNotReached.Error(), body["reason"])
}

func TestShutdownAllOverThreshold(t *testing.T) {
	h := handler.NewMarketHandler(newFakeClearingHouse(), fakeFund{over: true}, discard())
	rec := httptest.NewRecorder()
	h.ShutdownAll(rec, httptest.NewRequest(http.MethodPost, "/api/insurance-fund/shutdown", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["shutdown"])
	assert.Equal(t, []any{"ETHUSDC"}, body["markets"])
}

func TestMigrationsListIncludesCheckpoints(t *testing.T) {
	f := newFixture(t, Config{}, Options{})
	defs := migration.All()
	require.NotEmpty(t, defs)
	require.NoError(t, f.checks.Save(context.Background(), domain.MigrationCheckpoint{
		Stage:       domain.StageStaging,
		MigrationID: defs[0].ID,
		StepsDone:   2,
		TotalSteps:  5,
		Status:      domain.CheckpointFailed,
	}))

	rec := f.do(t, http.MethodGet, "/api/migrations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "staging", body["stage"])
	list := body["migrations"].([]any)
	require.Len(t, list, len(defs))
	first := list[0].(map[string]any)
	assert.Equal(t, defs[0].ID, first["id"])
	assert.Equal(t, "failed", first["checkpoint"].(map[string]any)["status"])
	assert.Nil(t, list[len(list)-1].(map[string]any)["checkpoint"])

	rec = f.do(t, http.MethodGet, "/api/migrations/audit", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConfigByStage(t *testing.T) {
	f := newFixture(t, Config{}, Options{})

	rec := f.do(t, http.MethodGet, "/api/config/staging", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "staging", body["stage"])
	assert.NotEmpty(t, body["amms"])

	rec = f.do(t, http.MethodGet, "/api/config/mainnet", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthSkipsPublicPaths(t *testing.T) {
	f := newFixture(t, Config{APIKey: "secret"}, Options{})

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/health", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/markets", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/markets", nil, "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/markets", nil, "Authorization", "Bearer secret").Code)
}

func TestSignatureRequiredForMutations(t *testing.T) {
	signer := crypto.NewRequestSigner("hmac-secret", time.Minute)
	f := newFixture(t, Config{}, Options{Signer: signer})
	body := map[string]string{"caller": dispatcher.Hex(), "amount": "10"}

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/rewards", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/api/rewards/notify", body).Code)

	data, err := json.Marshal(body)
	require.NoError(t, err)
	hdr := signer.Headers(http.MethodPost, "/api/rewards/notify", data, time.Now())
	rec := f.doAs(t, dispatcherKey, http.MethodPost, "/api/rewards/notify", body,
		crypto.HeaderTimestamp, hdr[crypto.HeaderTimestamp],
		crypto.HeaderSignature, hdr[crypto.HeaderSignature])
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stale := signer.Headers(http.MethodPost, "/api/rewards/notify", data, time.Now().Add(-time.Hour))
	rec = f.doAs(t, dispatcherKey, http.MethodPost, "/api/rewards/notify", body,
		crypto.HeaderTimestamp, stale[crypto.HeaderTimestamp],
		crypto.HeaderSignature, stale[crypto.HeaderSignature])
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimitAndMetrics(t *testing.T) {
	f := newFixture(t, Config{RateLimit: 1, RateWindow: time.Second}, Options{Limiter: denyAll{}})

	rec := f.do(t, http.MethodGet, "/api/markets", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	f = newFixture(t, Config{}, Options{})
	f.do(t, http.MethodGet, "/api/markets/ETHUSDC", nil)
	f.do(t, http.MethodGet, "/nowhere", nil)
	assert.Equal(t, []string{"GET GET /api/markets/{market}", "GET unmatched"}, f.rec.routes)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Config{}, Options{})
	rec := f.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"postgres":"ok"`))
}

func TestEventsReplayHistory(t *testing.T) {
	f := newFixture(t, Config{}, Options{})
	ctx := context.Background()
	for _, typ := range []domain.EventType{domain.EventPositionChanged, domain.EventFundingPaid} {
		require.NoError(t, f.events.PublishEvent(ctx, domain.ChannelSettlement, domain.Event{Type: typ}))
	}

	rec := f.do(t, http.MethodGet, "/api/events?channel=settlement&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, domain.ChannelSettlement, body["channel"])
	events := body["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, "PositionChanged", events[0].(map[string]any)["event"].(map[string]any)["type"])

	rec = f.do(t, http.MethodGet, "/api/events?channel=settlement&after="+body["next"].(string), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events = decode(t, rec)["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, "FundingPaid", events[0].(map[string]any)["event"].(map[string]any)["type"])

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/events?channel=orders", nil).Code)
	assert.Equal(t, http.StatusInternalServerError, f.do(t, http.MethodGet, "/api/events?channel=rewards&after=x", nil).Code)
}

func TestMutationsNeedTheAccountsWalletSignature(t *testing.T) {
	f := newFixture(t, Config{}, Options{})
	notify := map[string]string{"caller": dispatcher.Hex(), "amount": "5000"}

	// Claiming the dispatcher in the body is not enough.
	rec := f.do(t, http.MethodPost, "/api/rewards/notify", notify)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, domain.ErrUnauthorized.Error(), decode(t, rec)["error"])

	rec = f.doAs(t, aliceKey, http.MethodPost, "/api/rewards/notify", notify)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// A signature over a different body does not carry over.
	data, err := json.Marshal(map[string]string{"caller": dispatcher.Hex(), "amount": "1"})
	require.NoError(t, err)
	hdr, err := crypto.SignWalletRequest(dispatcherKey, http.MethodPost, "/api/rewards/notify", data, time.Now())
	require.NoError(t, err)
	rec = f.do(t, http.MethodPost, "/api/rewards/notify", notify,
		crypto.HeaderWalletTimestamp, hdr[crypto.HeaderWalletTimestamp],
		crypto.HeaderWalletSignature, hdr[crypto.HeaderWalletSignature])
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Neither does a stale one.
	stale, err := crypto.SignWalletRequest(dispatcherKey, http.MethodPost, "/api/rewards/notify", data, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	rec = f.do(t, http.MethodPost, "/api/rewards/notify", map[string]string{"caller": dispatcher.Hex(), "amount": "1"},
		crypto.HeaderWalletTimestamp, stale[crypto.HeaderWalletTimestamp],
		crypto.HeaderWalletSignature, stale[crypto.HeaderWalletSignature])
	assert.Equal(t, http.StatusForbidden, rec.Code)

	open := map[string]string{"trader": alice.Hex(), "side": "long", "margin": "600", "leverage": "2"}
	rec = f.doAs(t, dispatcherKey, http.MethodPost, "/api/markets/ETHUSDC/positions", open)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, f.ch.opened)

	rec = f.doAs(t, dispatcherKey, http.MethodDelete, "/api/markets/ETHUSDC/positions/"+alice.Hex(), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.doAs(t, dispatcherKey, http.MethodPost, "/api/rewards/notify", notify)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}
