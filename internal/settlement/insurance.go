package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/domain"
)

// InsuranceFund backs the clearing house. It mints the governance token to
// cover losses and, once too much has been minted in a week, shuts down
// every market.
type InsuranceFund struct {
	address common.Address
	ch      *ClearingHouse
	perp    *Token
	monitor *InflationMonitor
	events  domain.EventPublisher
	logger  *slog.Logger
}

// NewInsuranceFund wires the fund to the markets it owns and the token it
// mints.
func NewInsuranceFund(ch *ClearingHouse, perp *Token, monitor *InflationMonitor, events domain.EventPublisher, logger *slog.Logger) (*InsuranceFund, error) {
	if ch == nil || perp == nil || monitor == nil {
		return nil, errors.New("settlement: clearing house, token and monitor are required")
	}
	if events == nil {
		events = domain.NopPublisher{}
	}
	return &InsuranceFund{
		address: ch.cfg.InsuranceFund,
		ch:      ch,
		perp:    perp,
		monitor: monitor,
		events:  events,
		logger:  logger.With(slog.String("component", "insurancefund")),
	}, nil
}

// Address returns the fund's account on the quote token.
func (f *InsuranceFund) Address() common.Address { return f.address }

// Markets lists every market the fund owns.
func (f *InsuranceFund) Markets() []MarketSnapshot { return f.ch.Markets() }

// MintForLoss mints amount of the governance token to the fund and records it
// against the inflation threshold.
func (f *InsuranceFund) MintForLoss(ctx context.Context, amount decimal.Decimal) error {
	if amount.IsZero() {
		return domain.ErrInvalidAmount
	}
	if err := f.monitor.RecordMint(ctx, amount); err != nil {
		return err
	}
	f.perp.Mint(f.address, amount)
	f.logger.InfoContext(ctx, "minted for loss",
		slog.String("token", f.perp.Symbol()),
		slog.String("amount", amount.Format()),
	)
	return nil
}

// ShutdownAllMarkets closes every open market when the inflation monitor is
// over its threshold, and fails with ErrMintThresholdNotReached otherwise.
func (f *InsuranceFund) ShutdownAllMarkets(ctx context.Context) ([]domain.AmmInstanceName, error) {
	over, err := f.monitor.IsOverMintThreshold(ctx)
	if err != nil {
		return nil, fmt.Errorf("settlement: check mint threshold: %w", err)
	}
	if !over {
		return nil, domain.ErrMintThresholdNotReached
	}
	closed := f.ch.shutdownAll(ctx)

	names := make([]string, len(closed))
	for i, n := range closed {
		names[i] = string(n)
	}
	f.logger.WarnContext(ctx, "all markets shut down", slog.Any("markets", names))
	ev := domain.Event{
		Type:      domain.EventShutdownAllAmms,
		Source:    "insurancefund",
		Payload:   map[string]any{"markets": names},
		Timestamp: time.Now().UTC(),
	}
	if err := f.events.PublishEvent(ctx, domain.ChannelSettlement, ev); err != nil {
		f.logger.WarnContext(ctx, "failed to publish event",
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
	return closed, nil
}
