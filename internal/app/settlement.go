package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpops/internal/config"
	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/deployconfig"
	"github.com/alanyoungcy/perpops/internal/domain"
	"github.com/alanyoungcy/perpops/internal/settings"
	"github.com/alanyoungcy/perpops/internal/settlement"
)

// Token decimals of the settlement ledgers.
const (
	quoteDecimals = 6
	perpDecimals  = 18
)

type settlementEngine struct {
	clearingHouse *settlement.ClearingHouse
	fund          *settlement.InsuranceFund
	quote         *settlement.Token
	perp          *settlement.Token
}

// buildSettlement creates the in-process settlement engine with one market
// per configured AMM. Quote reserves are sized at the current index price so
// every market opens at the feed price; a market whose price cannot be read
// is left out.
func buildSettlement(
	ctx context.Context,
	cfg *config.Config,
	dc *deployconfig.DeployConfig,
	dao *settings.Dao,
	prices domain.PriceSource,
	events domain.EventPublisher,
	logger *slog.Logger,
) (*settlementEngine, error) {
	logger = logger.With(slog.String("component", "settlement"))

	chAddr, err := accountAddress(cfg.Settlement.ClearingHouse, dao, domain.ClearingHouse)
	if err != nil {
		return nil, err
	}
	fundAddr, err := accountAddress(cfg.Settlement.InsuranceFund, dao, domain.InsuranceFund)
	if err != nil {
		return nil, err
	}
	tollAddr, err := accountAddress(cfg.Settlement.TollPool, dao, domain.TollPool)
	if err != nil {
		return nil, err
	}
	threshold, err := decimal.Parse(cfg.Settlement.ShutdownThreshold)
	if err != nil {
		return nil, fmt.Errorf("app: shutdown threshold: %w", err)
	}
	supply, err := decimal.Parse(cfg.Settlement.PerpSupply)
	if err != nil {
		return nil, fmt.Errorf("app: perp supply: %w", err)
	}

	clock := domain.SystemClock{}
	quote := settlement.NewToken("USDC", quoteDecimals)
	perp := settlement.NewToken("PERP", perpDecimals)
	if !supply.IsZero() {
		perp.Mint(fundAddr, supply)
	}

	ch, err := settlement.NewClearingHouse(settlement.Config{
		Address:                chAddr,
		InsuranceFund:          fundAddr,
		TollPool:               tollAddr,
		InitMarginRatio:        dc.InitMarginRequirement,
		MaintenanceMarginRatio: dc.MaintenanceMarginRequirement,
		LiquidationFeeRatio:    dc.LiquidationFeeRatio,
	}, settlement.Deps{
		Quote:  quote,
		Clock:  clock,
		Prices: prices,
		Events: events,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	for _, name := range dc.AmmNames() {
		amm := dc.LegacyAmmConfigMap[name]
		key := string(amm.DeployArgs.PriceFeedKey)
		price, err := prices.Price(ctx, key)
		if err != nil {
			logger.WarnContext(ctx, "market left out, no index price",
				slog.String("market", string(name)),
				slog.String("price_feed_key", key),
				slog.String("error", err.Error()),
			)
			continue
		}
		market, err := settlement.NewMarket(settlement.MarketConfig{
			Name:                    name,
			PriceFeedKey:            key,
			QuoteAssetReserve:       amm.DeployArgs.BaseAssetReserve.MulD(price),
			BaseAssetReserve:        amm.DeployArgs.BaseAssetReserve,
			TradeLimitRatio:         amm.DeployArgs.TradeLimitRatio,
			FundingPeriod:           amm.DeployArgs.FundingPeriod,
			SpreadRatio:             amm.DeployArgs.SpreadRatio,
			TollRatio:               amm.DeployArgs.TollRatio,
			MaxHoldingBaseAsset:     amm.Properties.MaxHoldingBaseAsset,
			OpenInterestNotionalCap: amm.Properties.OpenInterestNotionalCap,
		})
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		if err := ch.AddMarket(market); err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
	}

	for addr, amount := range cfg.Settlement.SeedBalances {
		d, err := decimal.Parse(amount)
		if err != nil {
			return nil, fmt.Errorf("app: seed balance of %s: %w", addr, err)
		}
		quote.Mint(common.HexToAddress(addr), d)
	}

	monitor := settlement.NewInflationMonitor(perp, clock, threshold)
	fund, err := settlement.NewInsuranceFund(ch, perp, monitor, events, logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	logger.InfoContext(ctx, "settlement engine ready", slog.Int("markets", len(ch.Markets())))
	return &settlementEngine{clearingHouse: ch, fund: fund, quote: quote, perp: perp}, nil
}

// accountAddress returns the configured hex address, falling back to the
// deployed layer 2 contract of the same role.
func accountAddress(configured string, dao *settings.Dao, name domain.ContractName) (common.Address, error) {
	if configured != "" {
		return common.HexToAddress(configured), nil
	}
	addr, err := dao.ContractAddress(domain.Layer2, domain.ContractIDOf(name))
	if err != nil {
		return common.Address{}, fmt.Errorf("app: %s account: %w", name, err)
	}
	return addr, nil
}
