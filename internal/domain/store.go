package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time

	// EventPrefix restricts audit listings to events starting with it.
	EventPrefix string
}

// CycleStore persists closed and settled cycles.
type CycleStore interface {
	Upsert(ctx context.Context, cycle Cycle) error
	GetByID(ctx context.Context, id int64) (Cycle, error)
	LatestID(ctx context.Context) (int64, error)
	ListRecent(ctx context.Context, limit int) ([]Cycle, error)
	ListByCommitStatus(ctx context.Context, status CommitStatus, opts ListOpts) ([]Cycle, error)
	ListSettledBefore(ctx context.Context, before time.Time) ([]Cycle, error)
}

// WagerStore persists wagers. Wagers are never deleted.
type WagerStore interface {
	Upsert(ctx context.Context, wager Wager) error
	ListByCycle(ctx context.Context, cycleID int64) ([]Wager, error)
	ListByParticipant(ctx context.Context, participant string, opts ListOpts) ([]Wager, error)
	ListPending(ctx context.Context) ([]Wager, error)
	ListSettledBefore(ctx context.Context, before time.Time) ([]Wager, error)
}

// BalanceStore persists balance records. Pending wager references are rebuilt
// from WagerStore on load.
type BalanceStore interface {
	Upsert(ctx context.Context, rec BalanceRecord) error
	Get(ctx context.Context, participant string) (BalanceRecord, error)
	List(ctx context.Context) ([]BalanceRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
