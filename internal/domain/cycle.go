package domain

import "time"

// CycleStatus is the lifecycle state of a cycle: Open -> Closing -> Settled.
type CycleStatus string

const (
	CycleOpen    CycleStatus = "open"
	CycleClosing CycleStatus = "closing"
	CycleSettled CycleStatus = "settled"
)

// CommitStatus tracks the external-ledger commit of a closed cycle.
type CommitStatus string

const (
	CommitPending   CommitStatus = "pending"
	CommitCommitted CommitStatus = "committed"
	CommitAbandoned CommitStatus = "abandoned"
)

// Terminal reports whether no further commit attempts will be made.
func (s CommitStatus) Terminal() bool {
	return s == CommitCommitted || s == CommitAbandoned
}

// SettlementPath records which pari-mutuel path resolved a cycle.
type SettlementPath string

const (
	PathRefund SettlementPath = "refund"
	PathPayout SettlementPath = "payout"
)

// Pools holds the summed stakes per outcome.
type Pools struct {
	Mint    int64 `json:"mint"`
	Burn    int64 `json:"burn"`
	Neutral int64 `json:"neutral"`
}

// Get returns the pool for a.
func (p Pools) Get(a Action) int64 {
	switch a {
	case ActionMint:
		return p.Mint
	case ActionBurn:
		return p.Burn
	case ActionNeutral:
		return p.Neutral
	}
	return 0
}

// Add increases the pool for a by amount.
func (p *Pools) Add(a Action, amount int64) {
	switch a {
	case ActionMint:
		p.Mint += amount
	case ActionBurn:
		p.Burn += amount
	case ActionNeutral:
		p.Neutral += amount
	}
}

// Total is the sum of all pools.
func (p Pools) Total() int64 {
	return p.Mint + p.Burn + p.Neutral
}

// SettlementSummary is written once when a cycle's wagers are resolved.
type SettlementSummary struct {
	Path  SettlementPath `json:"path"`
	Pools Pools          `json:"pools"`

	// SyntheticPools is the simulated liquidity included in Pools. Zero
	// unless synthetic liquidity is enabled.
	SyntheticPools Pools `json:"synthetic_pools"`

	TotalPool     int64 `json:"total_pool"`
	PrizePool     int64 `json:"prize_pool"`
	WinningPool   int64 `json:"winning_pool"`
	HouseTake     int64 `json:"house_take"`
	WagerCount    int   `json:"wager_count"`
	WinnersCount  int   `json:"winners_count"`
	TotalPaid     int64 `json:"total_paid"`
	TotalRefunded int64 `json:"total_refunded"`
}

// Cycle is one aggregation window and, once closed, its settlement decision.
// Fields below Signals are write-once after the cycle leaves Open.
type Cycle struct {
	ID        int64       `json:"id"`
	StartTime time.Time   `json:"start_time"`
	EndTime   *time.Time  `json:"end_time,omitempty"`
	Status    CycleStatus `json:"status"`
	Signals   []Signal    `json:"signals"`

	Score   float64 `json:"score"`
	Action  Action  `json:"action"`
	RateBps int     `json:"rate_bps"`

	CommitStatus   CommitStatus `json:"commit_status"`
	ExternalRef    string       `json:"external_ref,omitempty"`
	CommitAttempts int          `json:"commit_attempts"`
	CommitError    string       `json:"commit_error,omitempty"`
	SupplyError    string       `json:"supply_error,omitempty"`

	Settlement SettlementSummary `json:"settlement"`
	SettledAt  *time.Time        `json:"settled_at,omitempty"`
}

// HasSignals reports whether any signal was admitted, scored or not. It
// selects the pari-mutuel path.
func (c Cycle) HasSignals() bool {
	return len(c.Signals) > 0
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c Cycle) Clone() Cycle {
	out := c
	if c.Signals != nil {
		out.Signals = make([]Signal, len(c.Signals))
		copy(out.Signals, c.Signals)
	}
	if c.EndTime != nil {
		t := *c.EndTime
		out.EndTime = &t
	}
	if c.SettledAt != nil {
		t := *c.SettledAt
		out.SettledAt = &t
	}
	return out
}

// CycleView is the on-demand projection of the Open cycle.
type CycleView struct {
	ID               int64         `json:"id"`
	StartTime        time.Time     `json:"start_time"`
	Elapsed          time.Duration `json:"elapsed"`
	Remaining        time.Duration `json:"remaining"`
	SignalCount      int           `json:"signal_count"`
	ProjectedScore   float64       `json:"projected_score"`
	ProjectedAction  Action        `json:"projected_action"`
	ProjectedRateBps int           `json:"projected_rate_bps"`
	Pools            Pools         `json:"pools"`
	ParticipantCount int           `json:"participant_count"`
	WageringOpen     bool          `json:"wagering_open"`
}

// SettlementAttempt is one call to the external ledger for a cycle. It lives
// only while the cycle is Closing.
type SettlementAttempt struct {
	CycleID       int64
	AttemptNumber int
	Success       bool
	Err           error
}

// CommitResult is the terminal outcome of the settlement orchestrator.
type CommitResult struct {
	Status      CommitStatus
	ExternalRef string
	Attempts    []SettlementAttempt
	Err         error
	SupplyErr   error
}
