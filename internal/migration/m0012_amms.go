package migration

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/perpops/internal/chain"
	"github.com/alanyoungcy/perpops/internal/domain"
)

// Amms deploys every configured market on layer 2, caps it, wires it to the
// clearing house and insurance fund, and opens it.
func Amms() Definition {
	return Definition{
		ID:    "0012-layer2-deploy_Amms",
		Layer: domain.Layer2,
		Steps: ammSteps,
	}
}

func ammSteps(mc *Context) ([]Step, error) {
	if mc.DeployConfig == nil {
		return nil, fmt.Errorf("migration: deploy config is required")
	}
	var steps []Step
	for _, name := range mc.DeployConfig.AmmNames() {
		cfg := mc.DeployConfig.LegacyAmmConfigMap[name]
		id := domain.AmmID(name)

		steps = append(steps,
			Step{
				Name: "deploy " + id.Name,
				Done: func(_ context.Context, mc *Context) (bool, error) {
					return mc.Deployed(id), nil
				},
				Run: func(ctx context.Context, mc *Context) error {
					c, err := mc.Contract(id)
					if err != nil {
						return err
					}
					feed, err := mc.Settings.ContractAddress(mc.Layer, domain.ContractIDOf(domain.L2PriceFeed))
					if err != nil {
						return err
					}
					usdc, err := mc.External("usdc")
					if err != nil {
						return err
					}
					if mc.PriceFeeds == nil {
						return fmt.Errorf("migration: no price source for %s", id.Name)
					}
					_, err = chain.NewAmmContractWrapper(c, mc.PriceFeeds, mc.Logger).DeployAmm(ctx, cfg.DeployArgs, feed, usdc)
					return err
				},
			},
			Step{
				Name: "set " + id.Name + " caps",
				Run: func(ctx context.Context, mc *Context) error {
					c, err := mc.Contract(id)
					if err != nil {
						return err
					}
					return c.Transact(ctx, "setCap",
						decimalArg(cfg.Properties.MaxHoldingBaseAsset),
						decimalArg(cfg.Properties.OpenInterestNotionalCap),
					)
				},
			},
			Step{
				Name: "set " + id.Name + " counter party",
				Run: func(ctx context.Context, mc *Context) error {
					c, err := mc.Contract(id)
					if err != nil {
						return err
					}
					ch, err := mc.Settings.ContractAddress(mc.Layer, domain.ContractIDOf(domain.ClearingHouse))
					if err != nil {
						return err
					}
					return c.Transact(ctx, "setCounterParty", ch)
				},
			},
			Step{
				Name: "add " + id.Name + " to insurance fund",
				Run: func(ctx context.Context, mc *Context) error {
					amm, err := mc.Settings.ContractAddress(mc.Layer, id)
					if err != nil {
						return err
					}
					fund, err := mc.Contract(domain.ContractIDOf(domain.InsuranceFund))
					if err != nil {
						return err
					}
					return fund.Transact(ctx, "addAmm", amm)
				},
			},
			Step{
				Name: "open " + id.Name,
				Run: func(ctx context.Context, mc *Context) error {
					c, err := mc.Contract(id)
					if err != nil {
						return err
					}
					return c.Transact(ctx, "setOpen", true)
				},
			},
		)
	}
	return steps, nil
}
