package migration

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/alanyoungcy/perpops/internal/domain"
)

// PerpRewardVesting deploys the two PERP reward vesting pools on layer 1 and
// hands them to reward governance. Governance still has to claim ownership.
func PerpRewardVesting() Definition {
	return Definition{
		ID:    "0011-layer1-deploy_PerpRewardVesting",
		Layer: domain.Layer1,
		Steps: perpRewardVestingSteps,
	}
}

func perpRewardVestingSteps(mc *Context) ([]Step, error) {
	if mc.DeployConfig == nil {
		return nil, fmt.Errorf("migration: deploy config is required")
	}
	noVesting := domain.InstanceID(domain.PerpRewardNoVesting)
	vesting := domain.InstanceID(domain.PerpRewardTwentySixWeeksVesting)
	period := big.NewInt(int64(mc.DeployConfig.DefaultPerpRewardVestingPeriod.Seconds()))

	return []Step{
		deployRewardStep(noVesting, new(big.Int)),
		transferOwnerStep(noVesting),
		deployRewardStep(vesting, period),
		transferOwnerStep(vesting),
		{
			Name: "initialize PerpRewardTwentySixWeeksVesting implementation",
			Run: func(ctx context.Context, mc *Context) error {
				c, err := mc.Contract(vesting)
				if err != nil {
					return err
				}
				perp, err := mc.External("perp")
				if err != nil {
					return err
				}
				impl, err := c.Implementation(ctx)
				if err != nil {
					return err
				}
				mc.Logger.InfoContext(ctx, "initializing implementation", slog.String("implementation", impl.Hex()))
				return c.At(impl).Transact(ctx, "initialize", perp, period)
			},
		},
	}, nil
}

func deployRewardStep(id domain.ContractID, vestingPeriod *big.Int) Step {
	return Step{
		Name: "deploy " + id.Name,
		Done: func(_ context.Context, mc *Context) (bool, error) {
			return mc.Deployed(id), nil
		},
		Run: func(ctx context.Context, mc *Context) error {
			perp, err := mc.External("perp")
			if err != nil {
				return err
			}
			c, err := mc.Contract(id)
			if err != nil {
				return err
			}
			mc.Logger.InfoContext(ctx, "deploying reward vesting",
				slog.String("id", id.Name),
				slog.String("vesting_period", vestingPeriod.String()),
			)
			_, err = c.DeployUpgradable(ctx, perp, vestingPeriod)
			return err
		},
	}
}

func transferOwnerStep(id domain.ContractID) Step {
	return Step{
		Name: "transfer " + id.Name + " owner to governance",
		Run: func(ctx context.Context, mc *Context) error {
			gov, err := mc.External("rewardGovernance")
			if err != nil {
				return err
			}
			c, err := mc.Contract(id)
			if err != nil {
				return err
			}
			mc.Logger.InfoContext(ctx, "transferring owner, governance must claim it",
				slog.String("id", id.Name),
				slog.String("governance", gov.Hex()),
			)
			return c.Transact(ctx, "setOwner", gov)
		},
	}
}
