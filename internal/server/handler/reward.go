package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/domain"
)

// RewardPool is what the reward handler needs from the reward engine. It is
// declared locally so the handler package does not depend on the engine.
type RewardPool interface {
	State(ctx context.Context) (domain.RewardPoolState, error)
	LastTimeRewardApplicable(ctx context.Context) (int64, error)
	RewardPerToken(ctx context.Context) (decimal.Decimal, error)
	Earned(ctx context.Context, staker common.Address) (decimal.Decimal, error)
	NotifyRewardAmount(ctx context.Context, caller common.Address, amount decimal.Decimal) error
	NotifyStakeChanged(ctx context.Context, staker common.Address) error
	WithdrawReward(ctx context.Context, staker common.Address) (decimal.Decimal, error)
}

// RewardHandler serves the fee reward pool endpoints.
type RewardHandler struct {
	pool   RewardPool
	logger *slog.Logger
}

// NewRewardHandler creates a RewardHandler over pool.
func NewRewardHandler(pool RewardPool, logger *slog.Logger) *RewardHandler {
	return &RewardHandler{pool: pool, logger: logHandler(logger, "rewards")}
}

type notifyRewardRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type rewardPoolResponse struct {
	PoolID                   string          `json:"poolId"`
	RewardRate               decimal.Decimal `json:"rewardRate"`
	PeriodFinish             int64           `json:"periodFinish"`
	LastUpdateTime           int64           `json:"lastUpdateTime"`
	LastTimeRewardApplicable int64           `json:"lastTimeRewardApplicable"`
	RewardPerTokenStored     decimal.Decimal `json:"rewardPerTokenStored"`
	RewardPerToken           decimal.Decimal `json:"rewardPerToken"`
}

type stakerResponse struct {
	Staker             string          `json:"staker"`
	Earned             decimal.Decimal `json:"earned"`
	Rewards            decimal.Decimal `json:"rewards"`
	RewardPerTokenPaid decimal.Decimal `json:"userRewardPerTokenPaid"`
}

// Notify starts or extends a reward period. Only the dispatcher may call it,
// and caller must be the wallet that signed the request.
// POST /api/rewards/notify {"caller":"0x…","amount":"5000"}
func (h *RewardHandler) Notify(w http.ResponseWriter, r *http.Request) {
	var req notifyRewardRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := parseAddress(req.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := requireCaller(r, caller); err != nil {
		writeDomainError(w, h.logger, r, "notify reward", err)
		return
	}
	amount, err := parseAmount(req.Amount, "amount", false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.pool.NotifyRewardAmount(r.Context(), caller, amount); err != nil {
		writeDomainError(w, h.logger, r, "notify reward", err)
		return
	}
	h.writeState(w, r, http.StatusOK)
}

// Checkpoint settles a staker's accrual before their stake changes.
// POST /api/rewards/stakers/{staker}/checkpoint
func (h *RewardHandler) Checkpoint(w http.ResponseWriter, r *http.Request) {
	staker, err := addressParam(r, "staker")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.pool.NotifyStakeChanged(r.Context(), staker); err != nil {
		writeDomainError(w, h.logger, r, "checkpoint staker", err)
		return
	}
	h.writeStaker(w, r, staker)
}

// Withdraw pays out everything the staker has earned. The staker must sign
// the request.
// POST /api/rewards/stakers/{staker}/withdraw
func (h *RewardHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	staker, err := addressParam(r, "staker")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := requireCaller(r, staker); err != nil {
		writeDomainError(w, h.logger, r, "withdraw reward", err)
		return
	}
	amount, err := h.pool.WithdrawReward(r.Context(), staker)
	if err != nil {
		writeDomainError(w, h.logger, r, "withdraw reward", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"staker": staker.Hex(),
		"amount": amount,
	})
}

// GetPool returns the pool state and the live accumulator.
// GET /api/rewards
func (h *RewardHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	h.writeState(w, r, http.StatusOK)
}

// GetStaker returns what a staker has earned so far.
// GET /api/rewards/stakers/{staker}
func (h *RewardHandler) GetStaker(w http.ResponseWriter, r *http.Request) {
	staker, err := addressParam(r, "staker")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeStaker(w, r, staker)
}

func (h *RewardHandler) writeState(w http.ResponseWriter, r *http.Request, status int) {
	ctx := r.Context()
	st, err := h.pool.State(ctx)
	if err != nil {
		writeDomainError(w, h.logger, r, "load reward pool", err)
		return
	}
	last, err := h.pool.LastTimeRewardApplicable(ctx)
	if err != nil {
		writeDomainError(w, h.logger, r, "load reward pool", err)
		return
	}
	rpt, err := h.pool.RewardPerToken(ctx)
	if err != nil {
		writeDomainError(w, h.logger, r, "load reward pool", err)
		return
	}
	writeJSON(w, status, rewardPoolResponse{
		PoolID:                   st.PoolID,
		RewardRate:               st.RewardRate,
		PeriodFinish:             st.PeriodFinish,
		LastUpdateTime:           st.LastUpdateTime,
		LastTimeRewardApplicable: last,
		RewardPerTokenStored:     st.RewardPerTokenStored,
		RewardPerToken:           rpt,
	})
}

func (h *RewardHandler) writeStaker(w http.ResponseWriter, r *http.Request, staker common.Address) {
	ctx := r.Context()
	earned, err := h.pool.Earned(ctx, staker)
	if err != nil {
		writeDomainError(w, h.logger, r, "load staker", err)
		return
	}
	st, err := h.pool.State(ctx)
	if err != nil {
		writeDomainError(w, h.logger, r, "load staker", err)
		return
	}
	writeJSON(w, http.StatusOK, stakerResponse{
		Staker:             staker.Hex(),
		Earned:             earned,
		Rewards:            st.Rewards[staker],
		RewardPerTokenPaid: st.UserRewardPerTokenPaid[staker],
	})
}
