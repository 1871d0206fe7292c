package domain

import "time"

// BalanceRecord is a participant's off-ledger account. Spendable never goes
// negative. PendingWagers maps cycle id to the id of the participant's
// unresolved wager on that cycle.
type BalanceRecord struct {
	Participant   string           `json:"participant"`
	Spendable     int64            `json:"spendable"`
	PendingWagers map[int64]string `json:"pending_wagers,omitempty"`

	TotalWagered  int64 `json:"total_wagered"`
	TotalWon      int64 `json:"total_won"`
	TotalLost     int64 `json:"total_lost"`
	TotalRefunded int64 `json:"total_refunded"`
	Wins          int   `json:"wins"`
	Losses        int   `json:"losses"`

	LastReconciledAt *time.Time `json:"last_reconciled_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// HasPending reports whether any wager is still unresolved.
func (b BalanceRecord) HasPending() bool {
	return len(b.PendingWagers) > 0
}

// Clone returns a copy that shares no maps with b.
func (b BalanceRecord) Clone() BalanceRecord {
	out := b
	if b.PendingWagers != nil {
		out.PendingWagers = make(map[int64]string, len(b.PendingWagers))
		for k, v := range b.PendingWagers {
			out.PendingWagers[k] = v
		}
	}
	if b.LastReconciledAt != nil {
		t := *b.LastReconciledAt
		out.LastReconciledAt = &t
	}
	return out
}
