package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/domain"
)

// RewardStateStore implements domain.RewardStateStore using PostgreSQL.
// Accumulators are NUMERIC(78,0) holding the raw 18-decimal integers; per
// staker values live in one JSONB column.
type RewardStateStore struct {
	pool *pgxpool.Pool
}

// NewRewardStateStore creates a new RewardStateStore backed by the given connection pool.
func NewRewardStateStore(pool *pgxpool.Pool) *RewardStateStore {
	return &RewardStateStore{pool: pool}
}

type stakerRow struct {
	Reward decimal.Decimal `json:"reward"`
	Paid   decimal.Decimal `json:"paid"`
}

// Load reads the state of poolID, or domain.ErrNotFound.
func (s *RewardStateStore) Load(ctx context.Context, poolID string) (domain.RewardPoolState, error) {
	const query = `
		SELECT reward_rate::text, period_finish, last_update_time, reward_per_token_stored::text, stakers, updated_at
		FROM reward_pool_state WHERE pool_id = $1`

	var rate, stored string
	var stakersJSON []byte
	st := domain.NewRewardPoolState(poolID)
	err := s.pool.QueryRow(ctx, query, poolID).Scan(
		&rate, &st.PeriodFinish, &st.LastUpdateTime, &stored, &stakersJSON, &st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RewardPoolState{}, domain.ErrNotFound
		}
		return domain.RewardPoolState{}, fmt.Errorf("postgres: load reward state %s: %w", poolID, err)
	}
	if st.RewardRate, err = decimal.ParseRaw(rate); err != nil {
		return domain.RewardPoolState{}, fmt.Errorf("postgres: reward rate of %s: %w", poolID, err)
	}
	if st.RewardPerTokenStored, err = decimal.ParseRaw(stored); err != nil {
		return domain.RewardPoolState{}, fmt.Errorf("postgres: reward per token of %s: %w", poolID, err)
	}

	var stakers map[common.Address]stakerRow
	if err := json.Unmarshal(stakersJSON, &stakers); err != nil {
		return domain.RewardPoolState{}, fmt.Errorf("postgres: unmarshal stakers of %s: %w", poolID, err)
	}
	for addr, row := range stakers {
		st.Rewards[addr] = row.Reward
		st.UserRewardPerTokenPaid[addr] = row.Paid
	}
	return st, nil
}

// Save upserts the whole state in one statement.
func (s *RewardStateStore) Save(ctx context.Context, st domain.RewardPoolState) error {
	stakers := make(map[common.Address]stakerRow, len(st.UserRewardPerTokenPaid))
	for addr, paid := range st.UserRewardPerTokenPaid {
		stakers[addr] = stakerRow{Reward: st.Rewards[addr], Paid: paid}
	}
	for addr, reward := range st.Rewards {
		if _, ok := stakers[addr]; !ok {
			stakers[addr] = stakerRow{Reward: reward}
		}
	}
	stakersJSON, err := json.Marshal(stakers)
	if err != nil {
		return fmt.Errorf("postgres: marshal stakers of %s: %w", st.PoolID, err)
	}

	const query = `
		INSERT INTO reward_pool_state (pool_id, reward_rate, period_finish, last_update_time, reward_per_token_stored, stakers, updated_at)
		VALUES ($1, $2::numeric, $3, $4, $5::numeric, $6, NOW())
		ON CONFLICT (pool_id) DO UPDATE SET
			reward_rate             = EXCLUDED.reward_rate,
			period_finish           = EXCLUDED.period_finish,
			last_update_time        = EXCLUDED.last_update_time,
			reward_per_token_stored = EXCLUDED.reward_per_token_stored,
			stakers                 = EXCLUDED.stakers,
			updated_at              = NOW()`
	_, err = s.pool.Exec(ctx, query, st.PoolID, st.RewardRate.String(), st.PeriodFinish,
		st.LastUpdateTime, st.RewardPerTokenStored.String(), stakersJSON)
	if err != nil {
		return fmt.Errorf("postgres: save reward state %s: %w", st.PoolID, err)
	}
	return nil
}
