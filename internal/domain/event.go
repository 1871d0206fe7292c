package domain

import "time"

// Bus channels carrying JSON Event payloads.
const (
	ChannelCycles   = "oracle:cycles"
	ChannelWagers   = "oracle:wagers"
	ChannelBalances = "oracle:balances"
)

// Event types.
const (
	EventCycleOpened       = "cycle.opened"
	EventCycleClosed       = "cycle.closed"
	EventCycleCommitted    = "cycle.committed"
	EventCycleSettled      = "cycle.settled"
	EventWagerPlaced       = "wager.placed"
	EventBalanceReconciled = "balance.reconciled"
)

// Event is the envelope published on the bus and relayed to WebSocket clients.
type Event struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}
