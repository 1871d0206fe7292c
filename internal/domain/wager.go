package domain

import "time"

// WagerResult is the state of a wager. Pending is the only non-terminal state.
type WagerResult string

const (
	WagerPending  WagerResult = "pending"
	WagerWon      WagerResult = "won"
	WagerLost     WagerResult = "lost"
	WagerRefunded WagerResult = "refunded"
)

// Terminal reports whether the result can no longer change.
func (r WagerResult) Terminal() bool {
	return r == WagerWon || r == WagerLost || r == WagerRefunded
}

// Wager is a participant's stake on one cycle's outcome. Amounts are whole
// token units.
type Wager struct {
	ID          string      `json:"id"`
	Participant string      `json:"participant"`
	CycleID     int64       `json:"cycle_id"`
	Outcome     Action      `json:"outcome"`
	Amount      int64       `json:"amount"`
	Result      WagerResult `json:"result"`
	Payout      int64       `json:"payout"`
	PlacedAt    time.Time   `json:"placed_at"`
	SettledAt   *time.Time  `json:"settled_at,omitempty"`
}

// Terminal reports whether the wager has been resolved.
func (w Wager) Terminal() bool {
	return w.Result.Terminal()
}
