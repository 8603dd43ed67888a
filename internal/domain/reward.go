package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpops/internal/decimal"
)

// RewardPoolState is the persisted state of one fee reward pool.
type RewardPoolState struct {
	PoolID                 string                             `json:"poolId"`
	RewardRate             decimal.Decimal                    `json:"rewardRate"`
	PeriodFinish           int64                              `json:"periodFinish"`
	LastUpdateTime         int64                              `json:"lastUpdateTime"`
	RewardPerTokenStored   decimal.Decimal                    `json:"rewardPerTokenStored"`
	Rewards                map[common.Address]decimal.Decimal `json:"rewards"`
	UserRewardPerTokenPaid map[common.Address]decimal.Decimal `json:"userRewardPerTokenPaid"`
	UpdatedAt              time.Time                          `json:"updatedAt"`
}

// NewRewardPoolState returns an empty state for poolID.
func NewRewardPoolState(poolID string) RewardPoolState {
	return RewardPoolState{
		PoolID:                 poolID,
		Rewards:                make(map[common.Address]decimal.Decimal),
		UserRewardPerTokenPaid: make(map[common.Address]decimal.Decimal),
	}
}

// Clone returns a deep copy so callers can mutate it without touching the
// original.
func (s RewardPoolState) Clone() RewardPoolState {
	out := s
	out.Rewards = make(map[common.Address]decimal.Decimal, len(s.Rewards))
	for k, v := range s.Rewards {
		out.Rewards[k] = v
	}
	out.UserRewardPerTokenPaid = make(map[common.Address]decimal.Decimal, len(s.UserRewardPerTokenPaid))
	for k, v := range s.UserRewardPerTokenPaid {
		out.UserRewardPerTokenPaid[k] = v
	}
	return out
}
