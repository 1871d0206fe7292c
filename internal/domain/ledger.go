package domain

import "context"

// ExternalLedger is the on-chain settlement collaborator. Any error is
// treated as retryable by the caller.
type ExternalLedger interface {
	// CloseRound commits a cycle's action and rate and returns a reference
	// to the committing transaction.
	CloseRound(ctx context.Context, action Action, rateBps int) (string, error)
	// AdjustSupply applies the mint or burn for a committed cycle.
	AdjustSupply(ctx context.Context, action Action, rateBps int) error
}

// BalanceSource reads a participant's authoritative on-ledger balance in
// whole token units.
type BalanceSource interface {
	BalanceOf(ctx context.Context, participant string) (int64, error)
}
