package domain

import "errors"

var (
	ErrNotFound    = errors.New("not found")
	ErrRateLimited = errors.New("rate limited")
	ErrLockHeld    = errors.New("lock already held")

	// Admission.
	ErrValidation          = errors.New("validation error")
	ErrDuplicateWager      = errors.New("duplicate wager")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrCycleNotOpen        = errors.New("cycle is not open")
	ErrWagerWindowClosed   = errors.New("wager window closed")
	ErrPendingWager        = errors.New("participant has a pending wager")

	// Aggregation.
	ErrScoringGap = errors.New("signal has no score")

	// Settlement.
	ErrSettlementRetryable = errors.New("settlement attempt failed")
	ErrSettlementAbandoned = errors.New("settlement abandoned")
	ErrSettlementNotReady  = errors.New("settlement before commit finished")
	ErrCommitInFlight      = errors.New("commit already in flight")
	ErrWagerSettled        = errors.New("wager already settled")
	ErrLedgerDisabled      = errors.New("external ledger not configured")

	ErrPersistence = errors.New("persistence error")
)
