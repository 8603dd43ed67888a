package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")
	ErrContextDone   = errors.New("context cancelled")

	// Reward pool.
	ErrUnauthorized = errors.New("only feeTokenPoolDispatcher")
	ErrZeroAmount   = errors.New("invalid input")
	ErrNoReward     = errors.New("reward is 0")

	// Markets and settlement.
	ErrMarketClosed            = errors.New("amm was closed")
	ErrMarketStillOpen         = errors.New("amm is open")
	ErrNothingToSettle         = errors.New("positionSize is 0")
	ErrInsufficientPoolBalance = errors.New("DecimalERC20: transfer failed")
	ErrUnknownMarket           = errors.New("amm not found")
	ErrReversePosition         = errors.New("reverse position not supported, close first")
	ErrSlippage                = errors.New("slippage limit exceeded")
	ErrOverTradeLimit          = errors.New("over trading limit")
	ErrMarginRatio             = errors.New("margin ratio not meet criteria")
	ErrFundingTooEarly         = errors.New("settle funding too early")
	ErrMintThresholdNotReached = errors.New("loss threshold is not reached")
	ErrInvalidAmount           = errors.New("invalid amount")

	// Deployment.
	ErrUnsupportedStage = errors.New("not supported stage")
	ErrStepFailed       = errors.New("migration step failed")
	ErrUnknownPriceFeed = errors.New("unknown price feed type")
)
