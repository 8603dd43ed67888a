package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpops/internal/deployconfig"
	"github.com/alanyoungcy/perpops/internal/domain"
)

// AmmContractWrapper deploys a market, sizing the quote reserve from the
// current index price so the market opens at that price.
type AmmContractWrapper struct {
	Contract
	prices domain.PriceSource
	logger *slog.Logger
}

// NewAmmContractWrapper wraps the handle of one market.
func NewAmmContractWrapper(c Contract, prices domain.PriceSource, logger *slog.Logger) *AmmContractWrapper {
	return &AmmContractWrapper{
		Contract: c,
		prices:   prices,
		logger:   logger.With(slog.String("component", "amm"), slog.String("amm", c.ID().Name)),
	}
}

// DeployAmm deploys the market behind a proxy. The configured quote reserve
// is ignored: it is baseReserve * price / 1e18 at deployment time.
func (w *AmmContractWrapper) DeployAmm(ctx context.Context, args deployconfig.AmmDeployArgs, priceFeed, quoteAsset common.Address) (common.Address, error) {
	price, err := w.prices.Price(ctx, string(args.PriceFeedKey))
	if err != nil {
		return common.Address{}, fmt.Errorf("chain: price of %s: %w", args.PriceFeedKey, err)
	}
	if price.IsZero() {
		return common.Address{}, fmt.Errorf("chain: price of %s is zero", args.PriceFeedKey)
	}
	quoteReserve := args.BaseAssetReserve.MulD(price)

	w.logger.InfoContext(ctx, "deploying amm",
		slog.String("price", price.Format()),
		slog.String("quote_reserve", quoteReserve.Format()),
		slog.String("base_reserve", args.BaseAssetReserve.Format()),
	)
	return w.DeployUpgradable(ctx,
		quoteReserve.Big(),
		args.BaseAssetReserve.Big(),
		args.TradeLimitRatio.Big(),
		big.NewInt(int64(args.FundingPeriod.Seconds())),
		priceFeed,
		args.PriceFeedKey.Bytes32(),
		quoteAsset,
		args.Fluctuation.Big(),
		args.TollRatio.Big(),
		args.SpreadRatio.Big(),
	)
}
