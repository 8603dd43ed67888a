// Package healthcheck inspects a live deployment from its published
// metadata: USDC balances of the protocol accounts and the state of every
// market registered with the insurance fund.
package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpops/internal/chain"
	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/domain"
	"github.com/alanyoungcy/perpops/internal/notify"
)

// USDCDecimals is the native precision of the quote token.
const USDCDecimals = 6

// Price feed kinds reported per market.
const (
	FeedL2        = "L2PriceFeed"
	FeedChainlink = "ChainlinkPriceFeed"
)

// Reader is the chain surface the check needs, bound to addresses taken
// from the metadata.
type Reader interface {
	BalanceOf(ctx context.Context, token, holder common.Address) (decimal.Decimal, error)
	AllAmms(ctx context.Context, insuranceFund common.Address) ([]common.Address, error)
	AmmStatus(ctx context.Context, amm common.Address) (chain.AmmStatus, error)
	OpenInterestNotional(ctx context.Context, clearingHouse, amm common.Address) (decimal.Decimal, error)
}

// AccountBalance is the USDC balance of one protocol account.
type AccountBalance struct {
	Label   string          `json:"label"`
	Address common.Address  `json:"address"`
	Balance decimal.Decimal `json:"balance"`
}

// MarketReport is the state of one market.
type MarketReport struct {
	chain.AmmStatus
	OpenInterestNotional decimal.Decimal `json:"openInterestNotional"`
	PriceFeedKind        string          `json:"priceFeedKind"`
}

// Report is the result of one check.
type Report struct {
	Balances []AccountBalance `json:"balances"`
	Markets  []MarketReport   `json:"markets"`
}

type account struct {
	label string
	addr  common.Address
}

// Checker runs the health check.
type Checker struct {
	metadata MetadataSource
	reader   Reader
	notifier *notify.Notifier
	logger   *slog.Logger
}

// NewChecker checks the deployment described by metadata. notifier may be
// nil.
func NewChecker(metadata MetadataSource, reader Reader, notifier *notify.Notifier, logger *slog.Logger) *Checker {
	return &Checker{
		metadata: metadata,
		reader:   reader,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "healthcheck")),
	}
}

// Check builds a report. Any failure, including a market whose price feed is
// neither the L2 feed nor the Chainlink feed, is returned and sent to the
// notifier.
func (c *Checker) Check(ctx context.Context) (Report, error) {
	report, err := c.check(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "health check failed", slog.String("error", err.Error()))
		if nerr := c.notifier.Notify(ctx, notify.EventHealthcheckFailed, "Health check failed", err.Error()); nerr != nil {
			c.logger.WarnContext(ctx, "failed to notify", slog.String("error", nerr.Error()))
		}
		return report, err
	}
	c.logger.InfoContext(ctx, "health check passed", slog.Int("markets", len(report.Markets)))
	return report, nil
}

func (c *Checker) check(ctx context.Context) (Report, error) {
	var report Report
	md, err := c.metadata.Fetch(ctx)
	if err != nil {
		return report, err
	}
	addr := func(name string) (common.Address, error) {
		return md.ContractAddress(domain.Layer2, name)
	}
	fund, err := addr(string(domain.InsuranceFund))
	if err != nil {
		return report, err
	}
	ch, err := addr(string(domain.ClearingHouse))
	if err != nil {
		return report, err
	}
	l2Feed, err := addr(string(domain.L2PriceFeed))
	if err != nil {
		return report, err
	}
	// Older deployments have no Chainlink feed on layer 2.
	chainlinkFeed, err := addr(string(domain.ChainlinkPriceFeed))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return report, err
	}

	ext := md.Layers[domain.Layer2].ExternalContracts
	usdc, err := ext.Lookup("usdc")
	if err != nil {
		return report, err
	}
	accounts := []account{{"InsuranceFund", fund}, {"ClearingHouse", ch}}
	if arb, err := ext.Lookup("arbitrageur"); err == nil {
		accounts = append(accounts, account{"Arbitrageur", arb})
	}
	for _, a := range accounts {
		bal, err := c.reader.BalanceOf(ctx, usdc, a.addr)
		if err != nil {
			return report, fmt.Errorf("healthcheck: %s balance: %w", a.label, err)
		}
		report.Balances = append(report.Balances, AccountBalance{Label: a.label, Address: a.addr, Balance: bal})
	}

	amms, err := c.reader.AllAmms(ctx, fund)
	if err != nil {
		return report, fmt.Errorf("healthcheck: list amms: %w", err)
	}
	for _, amm := range amms {
		st, err := c.reader.AmmStatus(ctx, amm)
		if err != nil {
			return report, fmt.Errorf("healthcheck: amm %s: %w", amm.Hex(), err)
		}
		oi, err := c.reader.OpenInterestNotional(ctx, ch, amm)
		if err != nil {
			return report, fmt.Errorf("healthcheck: open interest of %s: %w", amm.Hex(), err)
		}
		mr := MarketReport{AmmStatus: st, OpenInterestNotional: oi}
		switch {
		case st.PriceFeed == l2Feed:
			mr.PriceFeedKind = FeedL2
		case chainlinkFeed != (common.Address{}) && st.PriceFeed == chainlinkFeed:
			mr.PriceFeedKind = FeedChainlink
		default:
			report.Markets = append(report.Markets, mr)
			return report, fmt.Errorf("healthcheck: market %s (%s) uses price feed %s, check it immediately: %w",
				st.PriceFeedKey, amm.Hex(), st.PriceFeed.Hex(), domain.ErrUnknownPriceFeed)
		}
		report.Markets = append(report.Markets, mr)
	}
	return report, nil
}

// Write prints the report as markdown.
func (r Report) Write(w io.Writer) error {
	var b strings.Builder
	for _, a := range r.Balances {
		fmt.Fprintf(&b, "=========\n# %s\n## Address: %s\n## Balance: %s USDC\n", a.Label, a.Address.Hex(), a.Balance.Format())
	}
	b.WriteString("=========\n# Amm\n")
	for _, m := range r.Markets {
		key := string(m.PriceFeedKey)
		fmt.Fprintf(&b, "--------\n## Market: %s\n", key)
		fmt.Fprintf(&b, "### Proxy Address: %s\n", m.Address.Hex())
		fmt.Fprintf(&b, "### OpenInterestNotionalCap: %s USDC\n", m.OpenInterestNotionalCap.Format())
		fmt.Fprintf(&b, "### OpenInterestNotional: %s USDC\n", m.OpenInterestNotional.Format())
		fmt.Fprintf(&b, "### MaxHoldingBaseAsset: %s %s\n", m.MaxHoldingBaseAsset.Format(), key)
		fmt.Fprintf(&b, "### QuoteAssetReserve: %s USDC\n", m.QuoteAssetReserve.Format())
		fmt.Fprintf(&b, "### BaseAssetReserve: %s %s\n", m.BaseAssetReserve.Format(), key)
		fmt.Fprintf(&b, "### PriceFeed: %s\n", m.PriceFeedKind)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// ChainReader implements Reader over a chain client.
type ChainReader struct {
	c *chain.Client
}

// NewChainReader reads through c.
func NewChainReader(c *chain.Client) *ChainReader { return &ChainReader{c: c} }

func (r *ChainReader) BalanceOf(ctx context.Context, token, holder common.Address) (decimal.Decimal, error) {
	return chain.NewERC20WithDecimals(r.c, token, USDCDecimals).BalanceOf(ctx, holder)
}

func (r *ChainReader) AllAmms(ctx context.Context, insuranceFund common.Address) ([]common.Address, error) {
	return chain.NewInsuranceFund(r.c, insuranceFund).AllAmms(ctx)
}

func (r *ChainReader) AmmStatus(ctx context.Context, amm common.Address) (chain.AmmStatus, error) {
	return chain.NewAmm(r.c, amm).Status(ctx)
}

func (r *ChainReader) OpenInterestNotional(ctx context.Context, clearingHouse, amm common.Address) (decimal.Decimal, error) {
	return chain.NewClearingHouse(r.c, clearingHouse).OpenInterestNotional(ctx, amm)
}

var _ Reader = (*ChainReader)(nil)
