// Package migration deploys and configures contracts through an ordered list
// of numbered migrations. Each migration is a list of steps; progress is
// checkpointed after every step so a failed run resumes where it stopped.
package migration

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpops/internal/chain"
	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/deployconfig"
	"github.com/alanyoungcy/perpops/internal/domain"
	"github.com/alanyoungcy/perpops/internal/settings"
)

// ContractFactory creates contract handles on one layer.
type ContractFactory interface {
	CreateByID(id domain.ContractID) (chain.Contract, error)
}

// Context is what every step of a migration sees. Layer is set by the
// pipeline to the layer of the migration being run.
type Context struct {
	Stage         domain.Stage
	Layer         domain.Layer
	Confirmations uint64
	DeployConfig  *deployconfig.DeployConfig
	Settings      *settings.Dao
	// Factories holds one factory per layer the operator can reach.
	Factories map[domain.Layer]ContractFactory
	// PriceFeeds reads the index price markets are deployed at.
	PriceFeeds domain.PriceSource
	Logger     *slog.Logger
}

// Factory returns the factory of the current layer.
func (mc *Context) Factory() (ContractFactory, error) {
	f, ok := mc.Factories[mc.Layer]
	if !ok || f == nil {
		return nil, fmt.Errorf("migration: no contract factory for %s", mc.Layer)
	}
	return f, nil
}

// Contract resolves id on the current layer.
func (mc *Context) Contract(id domain.ContractID) (chain.Contract, error) {
	f, err := mc.Factory()
	if err != nil {
		return nil, err
	}
	return f.CreateByID(id)
}

// External returns a named external address of the current layer.
func (mc *Context) External(name string) (common.Address, error) {
	contracts, err := mc.Settings.ExternalContracts(mc.Layer)
	if err != nil {
		return common.Address{}, err
	}
	return contracts.Lookup(name)
}

// Deployed reports whether id is already in the settings registry.
func (mc *Context) Deployed(id domain.ContractID) bool {
	_, err := mc.Settings.Contract(mc.Layer, id)
	return err == nil
}

func (mc *Context) forLayer(layer domain.Layer) *Context {
	c := *mc
	c.Layer = layer
	if c.Logger != nil {
		c.Logger = c.Logger.With(slog.String("layer", string(layer)))
	}
	return &c
}

// Step is one unit of work. Done, when set, is asked first and lets a step
// that already took effect on chain be recorded without running it again.
type Step struct {
	Name string
	Done func(ctx context.Context, mc *Context) (bool, error)
	Run  func(ctx context.Context, mc *Context) error
}

// Definition is one numbered migration.
type Definition struct {
	ID    string
	Layer domain.Layer
	Steps func(mc *Context) ([]Step, error)
}

// All returns the shipped migrations in the order they must run.
func All() []Definition {
	return []Definition{
		PerpRewardVesting(),
		Amms(),
	}
}

// Select returns the definitions whose IDs are in ids, keeping the order of
// defs. An empty ids selects everything.
func Select(defs []Definition, ids []string) ([]Definition, error) {
	if len(ids) == 0 {
		return defs, nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []Definition
	for _, d := range defs {
		if want[d.ID] {
			out = append(out, d)
			delete(want, d.ID)
		}
	}
	for id := range want {
		return nil, fmt.Errorf("migration: %q: %w", id, domain.ErrNotFound)
	}
	return out, nil
}

// decimalArg packs an 18-decimal value as a Decimal.decimal tuple.
func decimalArg(d decimal.Decimal) struct{ D *big.Int } {
	return struct{ D *big.Int }{D: d.Big()}
}
