package chain

import (
	"context"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
)

// Disabled stands in when no chain is configured. Every call fails with
// ErrLedgerDisabled so commits abandon at once and reconciliation is refused.
type Disabled struct{}

var (
	_ domain.ExternalLedger = Disabled{}
	_ domain.BalanceSource  = Disabled{}
)

func (Disabled) CloseRound(context.Context, domain.Action, int) (string, error) {
	return "", domain.ErrLedgerDisabled
}

func (Disabled) AdjustSupply(context.Context, domain.Action, int) error {
	return domain.ErrLedgerDisabled
}

func (Disabled) BalanceOf(context.Context, string) (int64, error) {
	return 0, domain.ErrLedgerDisabled
}
