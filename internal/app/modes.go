package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/perpops/internal/chain"
	"github.com/alanyoungcy/perpops/internal/crypto"
	"github.com/alanyoungcy/perpops/internal/deployconfig"
	"github.com/alanyoungcy/perpops/internal/domain"
	"github.com/alanyoungcy/perpops/internal/healthcheck"
	"github.com/alanyoungcy/perpops/internal/migration"
	"github.com/alanyoungcy/perpops/internal/notify"
	"github.com/alanyoungcy/perpops/internal/relay"
	"github.com/alanyoungcy/perpops/internal/rewardpool"
	"github.com/alanyoungcy/perpops/internal/server"
	"github.com/alanyoungcy/perpops/internal/server/handler"
	"github.com/alanyoungcy/perpops/internal/server/ws"
)

// requestSkew is how far a signed request's timestamp may drift.
const requestSkew = 5 * time.Minute

// MigrateMode runs the selected migrations against both layers, writes the
// stage metadata and optionally publishes it to object storage.
func (a *App) MigrateMode(ctx context.Context, deps *Dependencies) error {
	defs, err := migration.Select(migration.All(), a.cfg.Migrate.Only)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	l1, err := a.dialLayer(ctx, deps, domain.Layer1, true)
	if err != nil {
		return err
	}
	l2, err := a.dialLayer(ctx, deps, domain.Layer2, true)
	if err != nil {
		return err
	}

	registry, err := deployconfig.DefaultRegistry()
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	artifacts := chain.NewArtifactStore(a.cfg.Paths.Artifacts)

	mc := &migration.Context{
		Stage:         a.cfg.StageValue(),
		Confirmations: deps.DeployConfig.Confirmations,
		DeployConfig:  deps.DeployConfig,
		Settings:      deps.Settings,
		Factories: map[domain.Layer]migration.ContractFactory{
			domain.Layer1: chain.NewFactory(l1, artifacts, registry, deps.Settings, domain.Layer1, a.logger),
			domain.Layer2: chain.NewFactory(l2, artifacts, registry, deps.Settings, domain.Layer2, a.logger),
		},
		PriceFeeds: chain.NewChainlinkSource(l1, deps.DeployConfig.ChainlinkMap),
	}

	pipeline := migration.NewPipeline(deps.Checkpoints, deps.Locks, a.logger,
		migration.WithAudit(deps.Audit),
		migration.WithEvents(deps.Events),
		migration.WithMetrics(deps.Metrics),
		migration.WithLockTTL(a.cfg.Migrate.LockTTL.Duration),
	)
	if err := pipeline.Run(ctx, mc, defs); err != nil {
		if nerr := deps.Notifier.Notify(ctx, notify.EventMigrationFailed, "Migration failed on "+a.cfg.Stage, err.Error()); nerr != nil {
			a.logger.WarnContext(ctx, "migration failure notification failed", slog.String("error", nerr.Error()))
		}
		return fmt.Errorf("app: migrate: %w", err)
	}

	if err := deps.Settings.WriteMetadata(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if a.cfg.Migrate.PublishMetadata && deps.BlobWriter != nil {
		if err := deps.Settings.PublishMetadata(ctx, deps.BlobWriter); err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.logger.InfoContext(ctx, "metadata published")
	}
	return nil
}

// RelayMode pushes Chainlink prices to the layer 2 feed, pays funding and
// liquidates underwater positions until the context is cancelled.
func (a *App) RelayMode(ctx context.Context, deps *Dependencies) error {
	l1, err := a.dialLayer(ctx, deps, domain.Layer1, false)
	if err != nil {
		return err
	}
	l2, err := a.dialLayer(ctx, deps, domain.Layer2, true)
	if err != nil {
		return err
	}

	feedAddr, err := deps.Settings.ContractAddress(domain.Layer2, domain.ContractIDOf(domain.L2PriceFeed))
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	chAddr, err := deps.Settings.ContractAddress(domain.Layer2, domain.ContractIDOf(domain.ClearingHouse))
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	fundAddr, err := deps.Settings.ContractAddress(domain.Layer2, domain.ContractIDOf(domain.InsuranceFund))
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	keys := a.cfg.Relay.PriceFeedKeys
	if len(keys) == 0 {
		keys = feedKeys(deps.DeployConfig)
	}
	clearingHouse := chain.NewClearingHouse(l2, chAddr)
	logger := a.logger.With(slog.String("mode", "relay"))

	tasks := []relay.Task{
		relay.NewPriceFeedTask(keys, chain.NewChainlinkSource(l1, deps.DeployConfig.ChainlinkMap),
			chain.NewL2PriceFeed(l2, feedAddr), deps.Prices, l2, a.cfg.Relay.PriceFeedInterval.Duration, logger),
		relay.NewFundingTask(clearingHouse, chain.NewMarkets(l2, fundAddr), l2, a.cfg.Relay.FundingInterval.Duration, logger),
	}
	if a.cfg.Relay.Liquidation {
		tasks = append(tasks, relay.NewLiquidationTask(clearingHouse, a.cfg.Relay.LiquidationInterval.Duration, logger))
	}
	for i, t := range tasks {
		tasks[i] = &notifyingTask{Task: t, notifier: deps.Notifier, stage: a.cfg.Stage, logger: a.logger}
	}

	err = relay.NewRunner(tasks, deps.Locks, deps.Metrics, a.logger).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// StatusMode checks balances and market state against the published
// metadata and prints the report.
func (a *App) StatusMode(ctx context.Context, deps *Dependencies) error {
	l2, err := a.dialLayer(ctx, deps, domain.Layer2, false)
	if err != nil {
		return err
	}

	var source healthcheck.MetadataSource
	switch {
	case a.cfg.Healthcheck.MetadataURL != "":
		source = healthcheck.NewHTTPMetadata(a.cfg.Healthcheck.MetadataURL)
	case deps.BlobReader != nil:
		source = healthcheck.NewBlobMetadata(deps.BlobReader, a.cfg.StageValue())
	default:
		source = healthcheck.NewFileMetadata(a.cfg.Paths.Settings, a.cfg.StageValue())
	}

	report, err := healthcheck.NewChecker(source, healthcheck.NewChainReader(l2), deps.Notifier, a.logger).Check(ctx)
	if err != nil {
		return fmt.Errorf("app: status: %w", err)
	}
	return report.Write(os.Stdout)
}

// ServeMode exposes the reward pool, the settlement engine, migration
// progress and deploy config over HTTP, streams engine events to WebSocket
// clients and forwards them to the notification channels.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	stage := a.cfg.StageValue()

	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(deps.Probes, a.logger),
		Migrations: handler.NewMigrationHandler(stage, migration.All(), deps.Checkpoints, deps.Audit, a.logger),
		Events:     handler.NewEventHandler(deps.Events, a.logger),
		Config: handler.NewConfigHandler(func(s domain.Stage) (*deployconfig.DeployConfig, error) {
			return deployconfig.Load(s, a.cfg.Paths.DeployConfig)
		}, a.logger),
		Metrics: deps.Metrics.Handler(),
	}

	needsL1 := a.cfg.Rewards.StakingToken != "" || a.cfg.Settlement.Enabled
	var l1 *chain.Client
	if needsL1 {
		var err error
		if l1, err = a.dialLayer(ctx, deps, domain.Layer1, true); err != nil {
			return err
		}
	}

	if a.cfg.Rewards.StakingToken != "" {
		pool, err := a.buildRewardPool(ctx, deps, l1)
		if err != nil {
			return err
		}
		handlers.Rewards = handler.NewRewardHandler(pool, a.logger)
	}

	if a.cfg.Settlement.Enabled {
		prices := chain.NewChainlinkSource(l1, deps.DeployConfig.ChainlinkMap)
		engine, err := buildSettlement(ctx, a.cfg, deps.DeployConfig, deps.Settings, prices, deps.Events, a.logger)
		if err != nil {
			return err
		}
		handlers.Markets = handler.NewMarketHandler(engine.clearingHouse, engine.fund, a.logger)
	}

	hub := ws.NewHub(deps.Events, deps.Metrics, a.logger, ws.Config{Stage: stage})
	g.Go(func() error {
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if deps.Notifier.Enabled() {
		for _, channel := range ws.DefaultChannels {
			events, err := deps.Events.Subscribe(ctx, channel)
			if err != nil {
				return fmt.Errorf("app: subscribe %s: %w", channel, err)
			}
			g.Go(func() error {
				deps.Notifier.Forward(ctx, events)
				return nil
			})
		}
	}

	var signer *crypto.RequestSigner
	if a.cfg.Server.SigningSecret != "" {
		signer = crypto.NewRequestSigner(a.cfg.Server.SigningSecret, requestSkew)
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,

		MutationRateLimit: a.cfg.Server.MutationRateLimit,
		TrustProxyHeaders: a.cfg.Server.TrustProxyHeaders,
	}, handlers, server.Options{
		Hub:      hub,
		Limiter:  deps.Limiter,
		Signer:   signer,
		Recorder: deps.Metrics,
		Wallet:   crypto.NewWalletVerifier(requestSkew),
	}, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	return g.Wait()
}

func (a *App) buildRewardPool(ctx context.Context, deps *Dependencies, l1 *chain.Client) (*rewardpool.Pool, error) {
	stakes, err := chain.NewERC20(ctx, l1, common.HexToAddress(a.cfg.Rewards.StakingToken))
	if err != nil {
		return nil, fmt.Errorf("app: staking token: %w", err)
	}
	payout, err := chain.NewERC20(ctx, l1, common.HexToAddress(a.cfg.Rewards.RewardToken))
	if err != nil {
		return nil, fmt.Errorf("app: reward token: %w", err)
	}
	pool, err := rewardpool.New(rewardpool.Config{
		PoolID:     a.cfg.Rewards.PoolID,
		Dispatcher: common.HexToAddress(a.cfg.Rewards.Dispatcher),
		Duration:   a.cfg.Rewards.Duration.Duration,
	}, rewardpool.Deps{
		Clock:  l1,
		Stakes: stakes,
		Token:  payout,
		Store:  deps.RewardState,
		Events: deps.Events,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return pool, nil
}

// feedKeys returns every Chainlink key of the stage in sorted order.
func feedKeys(dc *deployconfig.DeployConfig) []string {
	keys := make([]string, 0, len(dc.ChainlinkMap))
	for k := range dc.ChainlinkMap {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return keys
}

// notifyingTask reports every failed run of a relay task.
type notifyingTask struct {
	relay.Task
	notifier *notify.Notifier
	stage    string
	logger   *slog.Logger
}

func (t *notifyingTask) Run(ctx context.Context) error {
	err := t.Task.Run(ctx)
	if err != nil && ctx.Err() == nil {
		title := fmt.Sprintf("Relay task %s failed on %s", t.Name(), t.stage)
		if nerr := t.notifier.Notify(ctx, notify.EventRelayFailed, title, err.Error()); nerr != nil {
			t.logger.WarnContext(ctx, "relay failure notification failed",
				slog.String("task", t.Name()),
				slog.String("error", nerr.Error()),
			)
		}
	}
	return err
}
