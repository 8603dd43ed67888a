package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/domain"
)

// MintWindow is how far back minted amounts count toward the threshold.
const MintWindow = 7 * 24 * time.Hour

// DefaultShutdownThreshold is 10% of the token supply minted in one window.
var DefaultShutdownThreshold = decimal.MustParse("0.1")

// Supply reads the total supply of the token the insurance fund mints.
type Supply interface {
	TotalSupply(ctx context.Context) (decimal.Decimal, error)
}

type mintRecord struct {
	at     time.Time
	amount decimal.Decimal
}

// InflationMonitor tracks tokens minted to cover insurance fund shortfalls.
type InflationMonitor struct {
	supply    Supply
	clock     domain.Clock
	threshold decimal.Decimal

	mu    sync.Mutex
	mints []mintRecord
}

// NewInflationMonitor returns a monitor. A zero threshold disables it.
func NewInflationMonitor(supply Supply, clock domain.Clock, threshold decimal.Decimal) *InflationMonitor {
	return &InflationMonitor{supply: supply, clock: clock, threshold: threshold}
}

// Threshold returns the configured shutdown threshold.
func (m *InflationMonitor) Threshold() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threshold
}

// SetThreshold changes the shutdown threshold.
func (m *InflationMonitor) SetThreshold(threshold decimal.Decimal) {
	m.mu.Lock()
	m.threshold = threshold
	m.mu.Unlock()
}

// RecordMint appends a mint at the current time.
func (m *InflationMonitor) RecordMint(ctx context.Context, amount decimal.Decimal) error {
	if amount.IsZero() {
		return domain.ErrInvalidAmount
	}
	now, err := m.clock.Now(ctx)
	if err != nil {
		return fmt.Errorf("settlement: record mint: %w", err)
	}
	m.mu.Lock()
	m.mints = append(m.mints, mintRecord{at: now, amount: amount})
	m.mu.Unlock()
	return nil
}

// MintedInWindow sums the mints of the last MintWindow.
func (m *InflationMonitor) MintedInWindow(ctx context.Context) (decimal.Decimal, error) {
	now, err := m.clock.Now(ctx)
	if err != nil {
		return decimal.Zero(), fmt.Errorf("settlement: minted in window: %w", err)
	}
	from := now.Add(-MintWindow)

	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero()
	for i := len(m.mints) - 1; i >= 0; i-- {
		if m.mints[i].at.Before(from) {
			break
		}
		total = total.Add(m.mints[i].amount)
	}
	return total, nil
}

// IsOverMintThreshold reports whether minted-in-window / total supply has
// reached the threshold.
func (m *InflationMonitor) IsOverMintThreshold(ctx context.Context) (bool, error) {
	threshold := m.Threshold()
	if threshold.IsZero() {
		return false, nil
	}
	supply, err := m.supply.TotalSupply(ctx)
	if err != nil {
		return false, fmt.Errorf("settlement: total supply: %w", err)
	}
	if supply.IsZero() {
		return false, nil
	}
	minted, err := m.MintedInWindow(ctx)
	if err != nil {
		return false, err
	}
	return !minted.DivD(supply).LT(threshold), nil
}
