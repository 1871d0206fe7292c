// Package ledger is the off-ledger balance book. It admits wagers with an
// atomic check-and-debit, resolves them exactly once, and reconciles
// spendable balances against the external ledger when nothing is pending.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
)

// persistTimeout bounds each write-through to the stores.
const persistTimeout = 5 * time.Second

// Config holds admission limits.
type Config struct {
	// StartingBalance is credited to participants seen for the first time.
	StartingBalance int64
	MinWager        int64
	// MaxWager caps a single stake; zero means no cap.
	MaxWager int64
	// HistoryLimit bounds the per-participant recent wager list.
	HistoryLimit int
}

// account serialises every mutation of one participant.
type account struct {
	mu      sync.Mutex
	rec     domain.BalanceRecord
	history []domain.Wager // newest first
}

// Ledger holds balances in memory. Stores are optional and written through on
// every mutation; a failed write is logged and the in-memory state stays
// authoritative.
type Ledger struct {
	cfg Config

	mu       sync.Mutex // guards accounts map membership only
	accounts map[string]*account

	wmu     sync.RWMutex // guards pending wager indexes
	pending map[string]domain.Wager
	byCycle map[int64]map[string]struct{}

	balances domain.BalanceStore
	wagers   domain.WagerStore
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Ledger. balances and wagers may be nil.
func New(cfg Config, balances domain.BalanceStore, wagers domain.WagerStore, logger *slog.Logger) *Ledger {
	if cfg.MinWager <= 0 {
		cfg.MinWager = 1
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	return &Ledger{
		cfg:      cfg,
		accounts: make(map[string]*account),
		pending:  make(map[string]domain.Wager),
		byCycle:  make(map[int64]map[string]struct{}),
		balances: balances,
		wagers:   wagers,
		logger:   logger.With(slog.String("component", "ledger")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// NormalizeParticipant canonicalises a participant id. Wallet addresses are
// case-insensitive so they are lower-cased.
func NormalizeParticipant(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

func (l *Ledger) account(participant string) *account {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[participant]
	if !ok {
		acct = &account{rec: domain.BalanceRecord{
			Participant:   participant,
			Spendable:     l.cfg.StartingBalance,
			PendingWagers: make(map[int64]string),
			UpdatedAt:     l.now(),
		}}
		l.accounts[participant] = acct
	}
	return acct
}

func (l *Ledger) lookup(participant string) (*account, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[participant]
	return acct, ok
}

// Admit validates and debits a wager in one step under the participant's lock.
// At most one concurrent call per (participant, cycle) succeeds.
func (l *Ledger) Admit(ctx context.Context, participant string, cycleID int64, outcome domain.Action, amount int64) (domain.Wager, error) {
	w, flush, err := l.Reserve(participant, cycleID, outcome, amount)
	if err != nil {
		return domain.Wager{}, err
	}
	flush(ctx)
	return w, nil
}

// Reserve applies Admit's checks and debit in memory and returns a flush
// that writes the wager and the account's current balance to the stores.
// Callers holding locks of their own release them before calling flush.
func (l *Ledger) Reserve(participant string, cycleID int64, outcome domain.Action, amount int64) (domain.Wager, func(context.Context), error) {
	participant = NormalizeParticipant(participant)
	if err := l.validate(participant, cycleID, outcome, amount); err != nil {
		return domain.Wager{}, nil, err
	}

	acct := l.account(participant)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if _, dup := acct.rec.PendingWagers[cycleID]; dup {
		return domain.Wager{}, nil, fmt.Errorf("%w: %s already has a wager on cycle %d", domain.ErrDuplicateWager, participant, cycleID)
	}
	if acct.rec.Spendable < amount {
		return domain.Wager{}, nil, fmt.Errorf("%w: spendable %d < %d", domain.ErrInsufficientBalance, acct.rec.Spendable, amount)
	}

	now := l.now()
	w := domain.Wager{
		ID:          uuid.New().String(),
		Participant: participant,
		CycleID:     cycleID,
		Outcome:     outcome,
		Amount:      amount,
		Result:      domain.WagerPending,
		PlacedAt:    now,
	}

	acct.rec.Spendable -= amount
	acct.rec.TotalWagered += amount
	acct.rec.PendingWagers[cycleID] = w.ID
	acct.rec.UpdatedAt = now
	l.index(w)

	// The wager store never moves a resolved wager back to pending, so a
	// flush that loses the race with Resolve is harmless.
	flush := func(ctx context.Context) {
		acct.mu.Lock()
		defer acct.mu.Unlock()
		l.persist(ctx, acct.rec, &w)
	}
	return w, flush, nil
}

func (l *Ledger) validate(participant string, cycleID int64, outcome domain.Action, amount int64) error {
	var errs []string
	if participant == "" {
		errs = append(errs, "participant is required")
	}
	if cycleID <= 0 {
		errs = append(errs, "cycle id must be positive")
	}
	if !outcome.Valid() {
		errs = append(errs, "outcome must be MINT, BURN or NEUTRAL")
	}
	if amount < l.cfg.MinWager {
		errs = append(errs, fmt.Sprintf("amount must be at least %d", l.cfg.MinWager))
	}
	if l.cfg.MaxWager > 0 && amount > l.cfg.MaxWager {
		errs = append(errs, fmt.Sprintf("amount must not exceed %d", l.cfg.MaxWager))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(errs, "; "))
	}
	return nil
}

// Resolve moves a pending wager to a terminal result and applies the credit:
// payout on Won, the original stake on Refunded, nothing on Lost. Resolving a
// wager that is no longer pending returns ErrWagerSettled and changes nothing.
func (l *Ledger) Resolve(ctx context.Context, wagerID string, result domain.WagerResult, payout int64) (domain.Wager, error) {
	if !result.Terminal() {
		return domain.Wager{}, fmt.Errorf("%w: result %q is not terminal", domain.ErrValidation, result)
	}
	if payout < 0 {
		return domain.Wager{}, fmt.Errorf("%w: negative payout", domain.ErrValidation)
	}

	l.wmu.RLock()
	w, ok := l.pending[wagerID]
	l.wmu.RUnlock()
	if !ok {
		return domain.Wager{}, fmt.Errorf("%w: %s", domain.ErrWagerSettled, wagerID)
	}

	acct := l.account(w.Participant)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	// Re-check under the participant lock; a concurrent Resolve may have won.
	if acct.rec.PendingWagers[w.CycleID] != wagerID {
		return domain.Wager{}, fmt.Errorf("%w: %s", domain.ErrWagerSettled, wagerID)
	}

	now := l.now()
	w.Result = result
	w.SettledAt = &now

	switch result {
	case domain.WagerWon:
		w.Payout = payout
		acct.rec.Spendable += payout
		acct.rec.TotalWon += payout
		acct.rec.Wins++
	case domain.WagerLost:
		w.Payout = 0
		acct.rec.TotalLost += w.Amount
		acct.rec.Losses++
	case domain.WagerRefunded:
		w.Payout = w.Amount
		acct.rec.Spendable += w.Amount
		acct.rec.TotalRefunded += w.Amount
	}

	delete(acct.rec.PendingWagers, w.CycleID)
	acct.rec.UpdatedAt = now
	acct.history = append([]domain.Wager{w}, acct.history...)
	if len(acct.history) > l.cfg.HistoryLimit {
		acct.history = acct.history[:l.cfg.HistoryLimit]
	}
	l.unindex(w)

	l.persist(ctx, acct.rec, &w)
	return w, nil
}

// Reconcile overwrites a participant's spendable balance with the external
// ledger's value. It is rejected while any wager is pending.
func (l *Ledger) Reconcile(ctx context.Context, participant string, externalBalance int64) (domain.BalanceRecord, error) {
	participant = NormalizeParticipant(participant)
	if participant == "" {
		return domain.BalanceRecord{}, fmt.Errorf("%w: participant is required", domain.ErrValidation)
	}
	if externalBalance < 0 {
		return domain.BalanceRecord{}, fmt.Errorf("%w: external balance %d is negative", domain.ErrValidation, externalBalance)
	}

	acct := l.account(participant)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if acct.rec.HasPending() {
		return acct.rec.Clone(), fmt.Errorf("%w: %d unresolved", domain.ErrPendingWager, len(acct.rec.PendingWagers))
	}

	now := l.now()
	acct.rec.Spendable = externalBalance
	acct.rec.LastReconciledAt = &now
	acct.rec.UpdatedAt = now

	l.persist(ctx, acct.rec, nil)
	return acct.rec.Clone(), nil
}

// Balance returns a snapshot of a participant's record.
func (l *Ledger) Balance(participant string) (domain.BalanceRecord, bool) {
	acct, ok := l.lookup(NormalizeParticipant(participant))
	if !ok {
		return domain.BalanceRecord{}, false
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.rec.Clone(), true
}

// History returns up to limit recent wagers for a participant, pending ones
// first, then resolved ones newest first.
func (l *Ledger) History(participant string, limit int) []domain.Wager {
	participant = NormalizeParticipant(participant)
	acct, ok := l.lookup(participant)
	if !ok {
		return nil
	}
	acct.mu.Lock()
	ids := make([]string, 0, len(acct.rec.PendingWagers))
	for _, id := range acct.rec.PendingWagers {
		ids = append(ids, id)
	}
	resolved := append([]domain.Wager(nil), acct.history...)
	acct.mu.Unlock()

	out := make([]domain.Wager, 0, len(ids)+len(resolved))
	l.wmu.RLock()
	for _, id := range ids {
		if w, ok := l.pending[id]; ok {
			out = append(out, w)
		}
	}
	l.wmu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CycleID > out[j].CycleID })

	out = append(out, resolved...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Leaderboard returns the top records by spendable balance.
func (l *Ledger) Leaderboard(limit int) []domain.BalanceRecord {
	l.mu.Lock()
	accts := make([]*account, 0, len(l.accounts))
	for _, a := range l.accounts {
		accts = append(accts, a)
	}
	l.mu.Unlock()

	out := make([]domain.BalanceRecord, 0, len(accts))
	for _, a := range accts {
		a.mu.Lock()
		out = append(out, a.rec.Clone())
		a.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Spendable != out[j].Spendable {
			return out[i].Spendable > out[j].Spendable
		}
		return out[i].Participant < out[j].Participant
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// WagersForCycle returns the pending wagers placed on a cycle, oldest first.
func (l *Ledger) WagersForCycle(cycleID int64) []domain.Wager {
	l.wmu.RLock()
	defer l.wmu.RUnlock()

	ids := l.byCycle[cycleID]
	out := make([]domain.Wager, 0, len(ids))
	for id := range ids {
		out = append(out, l.pending[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PlacedAt.Equal(out[j].PlacedAt) {
			return out[i].PlacedAt.Before(out[j].PlacedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CyclePools sums the pending stakes on a cycle and counts participants.
func (l *Ledger) CyclePools(cycleID int64) (domain.Pools, int) {
	var pools domain.Pools
	wagers := l.WagersForCycle(cycleID)
	for _, w := range wagers {
		pools.Add(w.Outcome, w.Amount)
	}
	return pools, len(wagers)
}

// TotalSpendable sums every participant's spendable balance.
func (l *Ledger) TotalSpendable() int64 {
	var total int64
	for _, rec := range l.Leaderboard(0) {
		total += rec.Spendable
	}
	return total
}

// Restore loads balances and pending wagers from the stores. It must run
// before any admission.
func (l *Ledger) Restore(ctx context.Context) error {
	if l.balances == nil {
		return nil
	}
	recs, err := l.balances.List(ctx)
	if err != nil {
		return fmt.Errorf("ledger: restore balances: %w", err)
	}
	var pending []domain.Wager
	if l.wagers != nil {
		pending, err = l.wagers.ListPending(ctx)
		if err != nil {
			return fmt.Errorf("ledger: restore pending wagers: %w", err)
		}
	}

	l.mu.Lock()
	for _, rec := range recs {
		rec.Participant = NormalizeParticipant(rec.Participant)
		rec.PendingWagers = make(map[int64]string)
		l.accounts[rec.Participant] = &account{rec: rec}
	}
	l.mu.Unlock()

	for _, w := range pending {
		w.Participant = NormalizeParticipant(w.Participant)
		acct := l.account(w.Participant)
		acct.mu.Lock()
		acct.rec.PendingWagers[w.CycleID] = w.ID
		acct.mu.Unlock()
		l.index(w)
	}

	l.logger.InfoContext(ctx, "ledger restored",
		slog.Int("accounts", len(recs)),
		slog.Int("pending_wagers", len(pending)),
	)
	return nil
}

// RefundStale refunds every pending wager on a cycle older than beforeCycle.
// Those cycles can no longer be settled after a restart.
func (l *Ledger) RefundStale(ctx context.Context, beforeCycle int64) ([]domain.Wager, error) {
	l.wmu.RLock()
	var stale []string
	for cycleID, ids := range l.byCycle {
		if cycleID >= beforeCycle {
			continue
		}
		for id := range ids {
			stale = append(stale, id)
		}
	}
	l.wmu.RUnlock()

	var (
		refunded []domain.Wager
		errs     []error
	)
	for _, id := range stale {
		w, err := l.Resolve(ctx, id, domain.WagerRefunded, 0)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		refunded = append(refunded, w)
	}
	return refunded, errors.Join(errs...)
}

func (l *Ledger) index(w domain.Wager) {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	l.pending[w.ID] = w
	ids, ok := l.byCycle[w.CycleID]
	if !ok {
		ids = make(map[string]struct{})
		l.byCycle[w.CycleID] = ids
	}
	ids[w.ID] = struct{}{}
}

func (l *Ledger) unindex(w domain.Wager) {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	delete(l.pending, w.ID)
	if ids, ok := l.byCycle[w.CycleID]; ok {
		delete(ids, w.ID)
		if len(ids) == 0 {
			delete(l.byCycle, w.CycleID)
		}
	}
}

// persist writes through to the stores. Called with the participant lock held
// so writes for one participant land in mutation order.
func (l *Ledger) persist(ctx context.Context, rec domain.BalanceRecord, w *domain.Wager) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if w != nil && l.wagers != nil {
		if err := l.wagers.Upsert(ctx, *w); err != nil {
			l.logger.WarnContext(ctx, "persist wager failed",
				slog.String("wager_id", w.ID),
				slog.String("error", fmt.Errorf("%w: %w", domain.ErrPersistence, err).Error()),
			)
		}
	}
	if l.balances != nil {
		if err := l.balances.Upsert(ctx, rec); err != nil {
			l.logger.WarnContext(ctx, "persist balance failed",
				slog.String("participant", rec.Participant),
				slog.String("error", fmt.Errorf("%w: %w", domain.ErrPersistence, err).Error()),
			)
		}
	}
}
