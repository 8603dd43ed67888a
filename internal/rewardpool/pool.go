// Package rewardpool keeps the books of a fee reward pool: a reward rate
// streamed over a fixed duration and shared between stakers in proportion to
// their staked balance. Stakers accrue through a reward-per-token accumulator,
// so no operation iterates over all stakers.
package rewardpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/domain"
)

// Config identifies a pool and its emission schedule.
type Config struct {
	PoolID     string
	Dispatcher common.Address
	Duration   time.Duration
}

// Deps are the capabilities the pool needs from its environment.
type Deps struct {
	Clock  domain.Clock
	Stakes domain.StakeBalances
	Token  domain.TokenTransferer
	Store  domain.RewardStateStore
	Events domain.EventPublisher
}

// Pool is the reward accrual engine. All methods are safe for concurrent use;
// mutations are applied one at a time.
type Pool struct {
	cfg      Config
	duration uint64
	deps     Deps
	logger   *slog.Logger

	mu    sync.Mutex
	state *domain.RewardPoolState
}

// New validates cfg and returns a pool. State is loaded lazily from the store.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Pool, error) {
	if cfg.PoolID == "" {
		return nil, errors.New("rewardpool: pool id is required")
	}
	if cfg.Dispatcher == (common.Address{}) {
		return nil, errors.New("rewardpool: dispatcher address is required")
	}
	if cfg.Duration < time.Second {
		return nil, fmt.Errorf("rewardpool: duration %s is shorter than one second", cfg.Duration)
	}
	if deps.Clock == nil || deps.Stakes == nil || deps.Token == nil || deps.Store == nil {
		return nil, errors.New("rewardpool: clock, stakes, token and store are required")
	}
	if deps.Events == nil {
		deps.Events = domain.NopPublisher{}
	}
	return &Pool{
		cfg:      cfg,
		duration: uint64(cfg.Duration / time.Second),
		deps:     deps,
		logger:   logger.With(slog.String("component", "rewardpool"), slog.String("pool", cfg.PoolID)),
	}, nil
}

// Config returns the pool configuration.
func (p *Pool) Config() Config { return p.cfg }

// State returns a copy of the current state.
func (p *Pool) State(ctx context.Context) (domain.RewardPoolState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load(ctx)
}

// LastTimeRewardApplicable returns min(now, periodFinish) in unix seconds.
func (p *Pool) LastTimeRewardApplicable(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, err := p.load(ctx)
	if err != nil {
		return 0, err
	}
	now, err := p.now(ctx)
	if err != nil {
		return 0, err
	}
	return lastTimeRewardApplicable(st, now), nil
}

// RewardPerToken returns the accumulator value as of now without persisting
// it.
func (p *Pool) RewardPerToken(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, err := p.load(ctx)
	if err != nil {
		return decimal.Zero(), err
	}
	now, err := p.now(ctx)
	if err != nil {
		return decimal.Zero(), err
	}
	return p.rewardPerToken(ctx, st, now)
}

// Earned returns what staker could withdraw right now.
func (p *Pool) Earned(ctx context.Context, staker common.Address) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, err := p.load(ctx)
	if err != nil {
		return decimal.Zero(), err
	}
	now, err := p.now(ctx)
	if err != nil {
		return decimal.Zero(), err
	}
	rpt, err := p.rewardPerToken(ctx, st, now)
	if err != nil {
		return decimal.Zero(), err
	}
	return p.earned(ctx, st, staker, rpt)
}

// NotifyRewardAmount tops up the pool. Only the dispatcher may call it. Any
// reward still streaming from the current period is rolled into the new rate.
func (p *Pool) NotifyRewardAmount(ctx context.Context, caller common.Address, amount decimal.Decimal) error {
	if caller != p.cfg.Dispatcher {
		return domain.ErrUnauthorized
	}
	if amount.IsZero() {
		return domain.ErrZeroAmount
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	st, err := p.load(ctx)
	if err != nil {
		return err
	}
	now, err := p.now(ctx)
	if err != nil {
		return err
	}
	if err := p.checkpoint(ctx, &st, now); err != nil {
		return err
	}

	if now >= st.PeriodFinish {
		st.RewardRate = amount.DivScalar(p.duration)
	} else {
		remaining := uint64(st.PeriodFinish - now)
		leftover := st.RewardRate.MulScalar(remaining)
		st.RewardRate = amount.Add(leftover).DivScalar(p.duration)
	}
	st.LastUpdateTime = now
	st.PeriodFinish = now + int64(p.duration)

	if err := p.commit(ctx, st); err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "reward notified",
		slog.String("amount", amount.String()),
		slog.String("reward_rate", st.RewardRate.String()),
		slog.Int64("period_finish", st.PeriodFinish),
	)
	p.publish(ctx, domain.EventRewardTransferred, map[string]any{
		"amount": amount.String(),
	})
	return nil
}

// NotifyStakeChanged checkpoints staker before their balance changes take
// effect for future accrual.
func (p *Pool) NotifyStakeChanged(ctx context.Context, staker common.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, err := p.load(ctx)
	if err != nil {
		return err
	}
	now, err := p.now(ctx)
	if err != nil {
		return err
	}
	if err := p.checkpoint(ctx, &st, now); err != nil {
		return err
	}
	if err := p.checkpointStaker(ctx, &st, staker); err != nil {
		return err
	}
	return p.commit(ctx, st)
}

// WithdrawReward pays staker everything owed and resets their balance to
// zero. It returns the amount transferred.
func (p *Pool) WithdrawReward(ctx context.Context, staker common.Address) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	before, err := p.load(ctx)
	if err != nil {
		return decimal.Zero(), err
	}
	now, err := p.now(ctx)
	if err != nil {
		return decimal.Zero(), err
	}

	st := before.Clone()
	if err := p.checkpoint(ctx, &st, now); err != nil {
		return decimal.Zero(), err
	}
	if err := p.checkpointStaker(ctx, &st, staker); err != nil {
		return decimal.Zero(), err
	}
	owed := st.Rewards[staker]
	if owed.IsZero() {
		return decimal.Zero(), domain.ErrNoReward
	}
	st.Rewards[staker] = decimal.Zero()

	// Persist first so a crash after the transfer cannot pay twice.
	if err := p.commit(ctx, st); err != nil {
		return decimal.Zero(), err
	}
	if err := p.deps.Token.Transfer(ctx, staker, owed); err != nil {
		if rbErr := p.commit(ctx, before); rbErr != nil {
			p.logger.ErrorContext(ctx, "failed to restore state after transfer error",
				slog.String("staker", staker.Hex()),
				slog.String("error", rbErr.Error()),
			)
		}
		return decimal.Zero(), fmt.Errorf("rewardpool: transfer reward to %s: %w", staker.Hex(), err)
	}

	p.logger.InfoContext(ctx, "reward withdrawn",
		slog.String("staker", staker.Hex()),
		slog.String("amount", owed.String()),
	)
	p.publish(ctx, domain.EventRewardWithdrawn, map[string]any{
		"staker": staker.Hex(),
		"amount": owed.String(),
	})
	return owed, nil
}

// checkpoint advances the global accumulator to now.
func (p *Pool) checkpoint(ctx context.Context, st *domain.RewardPoolState, now int64) error {
	rpt, err := p.rewardPerToken(ctx, *st, now)
	if err != nil {
		return err
	}
	st.RewardPerTokenStored = rpt
	st.LastUpdateTime = lastTimeRewardApplicable(*st, now)
	return nil
}

// checkpointStaker moves staker's accrual since their last checkpoint into
// rewards. checkpoint must have run first.
func (p *Pool) checkpointStaker(ctx context.Context, st *domain.RewardPoolState, staker common.Address) error {
	earned, err := p.earned(ctx, *st, staker, st.RewardPerTokenStored)
	if err != nil {
		return err
	}
	st.Rewards[staker] = earned
	st.UserRewardPerTokenPaid[staker] = st.RewardPerTokenStored
	return nil
}

func (p *Pool) rewardPerToken(ctx context.Context, st domain.RewardPoolState, now int64) (decimal.Decimal, error) {
	supply, err := p.deps.Stakes.TotalSupply(ctx)
	if err != nil {
		return decimal.Zero(), fmt.Errorf("rewardpool: total supply: %w", err)
	}
	applicable := lastTimeRewardApplicable(st, now)
	if supply.IsZero() || applicable <= st.LastUpdateTime {
		return st.RewardPerTokenStored, nil
	}
	elapsed := uint64(applicable - st.LastUpdateTime)
	return st.RewardPerTokenStored.Add(st.RewardRate.DivD(supply).MulScalar(elapsed)), nil
}

func (p *Pool) earned(ctx context.Context, st domain.RewardPoolState, staker common.Address, rpt decimal.Decimal) (decimal.Decimal, error) {
	balance, err := p.deps.Stakes.BalanceOf(ctx, staker)
	if err != nil {
		return decimal.Zero(), fmt.Errorf("rewardpool: balance of %s: %w", staker.Hex(), err)
	}
	paid := st.UserRewardPerTokenPaid[staker]
	return st.Rewards[staker].Add(balance.MulD(rpt.Sub(paid))), nil
}

func lastTimeRewardApplicable(st domain.RewardPoolState, now int64) int64 {
	if now < st.PeriodFinish {
		return now
	}
	return st.PeriodFinish
}

func (p *Pool) now(ctx context.Context) (int64, error) {
	t, err := p.deps.Clock.Now(ctx)
	if err != nil {
		return 0, fmt.Errorf("rewardpool: current time: %w", err)
	}
	return t.Unix(), nil
}

// load returns a private copy of the state, reading the store on first use.
func (p *Pool) load(ctx context.Context) (domain.RewardPoolState, error) {
	if p.state != nil {
		return p.state.Clone(), nil
	}
	st, err := p.deps.Store.Load(ctx, p.cfg.PoolID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		st = domain.NewRewardPoolState(p.cfg.PoolID)
	case err != nil:
		return domain.RewardPoolState{}, fmt.Errorf("rewardpool: load state: %w", err)
	}
	if st.Rewards == nil || st.UserRewardPerTokenPaid == nil {
		st = st.Clone()
	}
	p.state = &st
	return st.Clone(), nil
}

func (p *Pool) commit(ctx context.Context, st domain.RewardPoolState) error {
	st.PoolID = p.cfg.PoolID
	st.UpdatedAt = time.Now().UTC()
	if err := p.deps.Store.Save(ctx, st); err != nil {
		return fmt.Errorf("rewardpool: save state: %w", err)
	}
	p.state = &st
	return nil
}

func (p *Pool) publish(ctx context.Context, typ domain.EventType, payload map[string]any) {
	payload["pool"] = p.cfg.PoolID
	ev := domain.Event{Type: typ, Source: "rewardpool", Payload: payload, Timestamp: time.Now().UTC()}
	if err := p.deps.Events.PublishEvent(ctx, domain.ChannelRewards, ev); err != nil {
		p.logger.WarnContext(ctx, "failed to publish event",
			slog.String("event", string(typ)),
			slog.String("error", err.Error()),
		)
	}
}
