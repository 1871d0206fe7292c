// Package scheduler owns the cycle lifecycle. It keeps exactly one cycle
// Open, rotates to the next cycle the moment the window expires, and hands
// the closed cycle to scoring, commit and settlement in the background.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
	"github.com/romankoyan-pixel/scandal-oracle/internal/metrics"
	"github.com/romankoyan-pixel/scandal-oracle/internal/parimutuel"
	"github.com/romankoyan-pixel/scandal-oracle/internal/scoring"
)

const persistTimeout = 5 * time.Second

// Committer commits a closed cycle to the external ledger.
type Committer interface {
	Commit(ctx context.Context, cycle domain.Cycle) (domain.CommitResult, error)
}

// Settler resolves a cycle's wagers once its commit is terminal.
type Settler interface {
	Settle(ctx context.Context, cycle domain.Cycle, wagers []domain.Wager) (parimutuel.Result, error)
}

// Book is the part of the balance ledger the scheduler drives.
type Book interface {
	Reserve(participant string, cycleID int64, outcome domain.Action, amount int64) (domain.Wager, func(context.Context), error)
	WagersForCycle(cycleID int64) []domain.Wager
	CyclePools(cycleID int64) (domain.Pools, int)
	RefundStale(ctx context.Context, beforeCycle int64) ([]domain.Wager, error)
}

// Observer is told about lifecycle transitions. Calls are made outside any
// scheduler lock and must not block for long.
type Observer interface {
	CycleOpened(ctx context.Context, c domain.Cycle)
	CycleClosed(ctx context.Context, c domain.Cycle)
	CycleCommitted(ctx context.Context, c domain.Cycle, res domain.CommitResult)
	CycleSettled(ctx context.Context, c domain.Cycle)
	StaleRefunded(ctx context.Context, wagers []domain.Wager)
}

// RoundSource reports the external ledger's current round number.
type RoundSource interface {
	CurrentRoundID(ctx context.Context) (int64, error)
}

// Config controls cycle timing.
type Config struct {
	Duration    time.Duration
	Tick        time.Duration
	HistorySize int
	// WagerCutoff closes wagering this long after a cycle starts. Zero keeps
	// wagering open for the whole cycle.
	WagerCutoff time.Duration
	// CommitWait bounds how long a cycle whose commit is owned elsewhere
	// waits for that commit's outcome in the cycle store before it is
	// settled as abandoned. Defaults to two minutes.
	CommitWait time.Duration
}

// Deps are the scheduler's collaborators. Cycles, Rounds, Observer and
// Metrics may be nil.
type Deps struct {
	Engine     *scoring.Engine
	Classifier *scoring.Classifier
	Book       Book
	Committer  Committer
	Settler    Settler
	Cycles     domain.CycleStore
	Rounds     RoundSource
	Observer   Observer
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Scheduler runs the cycle state machine.
type Scheduler struct {
	cfg   Config
	deps  Deps
	state *State

	logger *slog.Logger
	now    func() time.Time

	startOnce sync.Once
	wg        sync.WaitGroup
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New validates the configuration and creates a Scheduler. The first cycle
// is not opened until Start.
func New(cfg Config, deps Deps, opts ...Option) (*Scheduler, error) {
	var errs []error
	if cfg.Duration <= 0 {
		errs = append(errs, errors.New("cycle duration must be positive"))
	}
	if cfg.WagerCutoff < 0 || (cfg.WagerCutoff > 0 && cfg.WagerCutoff >= cfg.Duration) {
		errs = append(errs, errors.New("wager cutoff must be shorter than the cycle"))
	}
	if deps.Engine == nil || deps.Classifier == nil || deps.Book == nil || deps.Committer == nil || deps.Settler == nil {
		errs = append(errs, errors.New("engine, classifier, book, committer and settler are required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.CommitWait <= 0 {
		cfg.CommitWait = 2 * time.Minute
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}

	s := &Scheduler{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With(slog.String("component", "scheduler")),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start resumes numbering after the last persisted cycle, or at the external
// ledger's round if that is ahead. It preloads recent history, refunds wagers
// stranded on cycles that can no longer settle and opens the first cycle. It
// must be called once before anything else.
func (s *Scheduler) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() { err = s.start(ctx) })
	return err
}

func (s *Scheduler) start(ctx context.Context) error {
	var (
		lastID int64
		recent []domain.Cycle
	)
	if s.deps.Cycles != nil {
		id, err := s.deps.Cycles.LatestID(ctx)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("scheduler: latest cycle id: %w", err)
		}
		lastID = id

		recent, err = s.deps.Cycles.ListRecent(ctx, s.cfg.HistorySize)
		if err != nil {
			return fmt.Errorf("scheduler: preload history: %w", err)
		}
	}

	firstID := lastID + 1
	if s.deps.Rounds != nil {
		round, err := s.deps.Rounds.CurrentRoundID(ctx)
		switch {
		case err != nil:
			s.logger.WarnContext(ctx, "external round id unavailable", slog.String("error", err.Error()))
		case round > firstID:
			s.logger.InfoContext(ctx, "advancing cycle id to external round",
				slog.Int64("from", firstID),
				slog.Int64("to", round),
			)
			firstID = round
		}
	}

	state := newState(firstID, s.now(), s.cfg.HistorySize)
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Status == domain.CycleSettled {
			state.pushHistory(recent[i])
		}
	}
	s.state = state
	first := state.current.snapshot()

	refunded, err := s.deps.Book.RefundStale(ctx, first.ID)
	if err != nil {
		s.logger.WarnContext(ctx, "stale wager refund incomplete", slog.String("error", err.Error()))
	}
	if len(refunded) > 0 {
		s.logger.InfoContext(ctx, "refunded stale wagers",
			slog.Int("count", len(refunded)),
			slog.Int64("before_cycle", first.ID),
		)
		s.deps.Observer.StaleRefunded(ctx, refunded)
	}

	s.logger.InfoContext(ctx, "scheduler started",
		slog.Int64("cycle_id", first.ID),
		slog.Duration("cycle_duration", s.cfg.Duration),
		slog.Int("history", len(state.history)),
	)
	s.deps.Observer.CycleOpened(ctx, first)
	return nil
}

// Run closes the Open cycle whenever its window expires, until ctx is
// cancelled. It then waits for in-flight settlements before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.state == nil {
		return errors.New("scheduler: Run before Start")
	}
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping, waiting for settlements",
				slog.Int("closing", s.state.closingCount()))
			s.wg.Wait()
			return nil
		case <-ticker.C:
			cur := s.state.currentCycle()
			if s.now().Sub(cur.StartTime) >= s.cfg.Duration {
				s.CloseWindow(ctx)
			}
		}
	}
}

// AdmitSignal appends a signal to the Open cycle and returns its id.
func (s *Scheduler) AdmitSignal(sig domain.Signal) int64 {
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	if sig.AdmittedAt.IsZero() {
		sig.AdmittedAt = s.now()
	}

	s.state.mu.RLock()
	cur := s.state.current
	cur.mu.Lock()
	cur.cycle.Signals = append(cur.cycle.Signals, sig)
	id := cur.cycle.ID
	cur.mu.Unlock()
	s.state.mu.RUnlock()

	if _, ok := sig.Scored(); !ok {
		s.logger.Warn("signal admitted without score",
			slog.Int64("cycle_id", id),
			slog.String("signal_id", sig.ID),
			slog.String("error", domain.ErrScoringGap.Error()),
		)
	}
	s.deps.Metrics.SignalAdmitted()
	return id
}

// PlaceWager admits a wager on the Open cycle. The cycle cannot close
// between the open-cycle check and the stake being debited; the write to the
// stores happens after the cycle lock is released.
func (s *Scheduler) PlaceWager(ctx context.Context, participant string, cycleID int64, outcome domain.Action, amount int64) (domain.Wager, error) {
	w, flush, err := s.reserve(participant, cycleID, outcome, amount)
	if err != nil {
		return domain.Wager{}, err
	}
	flush(ctx)
	return w, nil
}

func (s *Scheduler) reserve(participant string, cycleID int64, outcome domain.Action, amount int64) (domain.Wager, func(context.Context), error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	cur := s.state.current.snapshot()
	if cycleID != cur.ID {
		return domain.Wager{}, nil, fmt.Errorf("%w: cycle %d (open cycle is %d)", domain.ErrCycleNotOpen, cycleID, cur.ID)
	}
	if s.cfg.WagerCutoff > 0 && s.now().Sub(cur.StartTime) >= s.cfg.WagerCutoff {
		return domain.Wager{}, nil, fmt.Errorf("%w: cycle %d", domain.ErrWagerWindowClosed, cycleID)
	}
	return s.deps.Book.Reserve(participant, cycleID, outcome, amount)
}

// Current projects the Open cycle's outcome from the signals seen so far.
func (s *Scheduler) Current() domain.CycleView {
	cur := s.state.currentCycle()
	now := s.now()

	elapsed := now.Sub(cur.StartTime)
	remaining := s.cfg.Duration - elapsed
	if remaining < 0 {
		remaining = 0
	}
	score := s.deps.Engine.Reduce(cur.Signals)
	class := s.deps.Classifier.Classify(score)
	pools, participants := s.deps.Book.CyclePools(cur.ID)

	open := true
	if s.cfg.WagerCutoff > 0 && elapsed >= s.cfg.WagerCutoff {
		open = false
	}

	return domain.CycleView{
		ID:               cur.ID,
		StartTime:        cur.StartTime,
		Elapsed:          elapsed,
		Remaining:        remaining,
		SignalCount:      len(cur.Signals),
		ProjectedScore:   score,
		ProjectedAction:  class.Action,
		ProjectedRateBps: class.RateBps,
		Pools:            pools,
		ParticipantCount: participants,
		WageringOpen:     open,
	}
}

// CloseWindow closes the Open cycle, opens the next one and starts the
// closed cycle's settlement in the background. It returns the closed cycle
// with its score and classification fixed.
func (s *Scheduler) CloseWindow(ctx context.Context) (domain.Cycle, bool) {
	closed, opened, ok := s.state.rotate(s.now())
	if !ok {
		return domain.Cycle{}, false
	}

	closed.Score = s.deps.Engine.Reduce(closed.Signals)
	class := s.deps.Classifier.Classify(closed.Score)
	closed.Action = class.Action
	closed.RateBps = class.RateBps
	closed.CommitStatus = domain.CommitPending
	s.state.updateClosing(closed)

	if gaps := scoring.Unscored(closed.Signals); gaps > 0 {
		s.logger.WarnContext(ctx, "signals excluded from aggregation",
			slog.Int64("cycle_id", closed.ID),
			slog.Int("unscored", gaps),
			slog.String("error", domain.ErrScoringGap.Error()),
		)
	}
	s.logger.InfoContext(ctx, "cycle closed",
		slog.Int64("cycle_id", closed.ID),
		slog.Int("signals", len(closed.Signals)),
		slog.Float64("score", closed.Score),
		slog.String("action", closed.Action.String()),
		slog.Int("rate_bps", closed.RateBps),
		slog.Int64("next_cycle_id", opened.ID),
	)
	s.deps.Metrics.CycleClosed(closed.Score)
	s.deps.Observer.CycleOpened(ctx, opened)
	s.deps.Observer.CycleClosed(ctx, closed)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.settle(ctx, closed)
	}()
	return closed, true
}

// settle runs commit then pari-mutuel settlement for one closed cycle.
// Commit honours ctx; bookkeeping after it does not, so a shutdown still
// leaves the cycle settled.
func (s *Scheduler) settle(ctx context.Context, c domain.Cycle) {
	closedAt := s.now()
	bg := context.WithoutCancel(ctx)
	s.persist(bg, c)

	res, err := s.deps.Committer.Commit(ctx, c)
	if err != nil {
		s.logger.WarnContext(ctx, "commit not started, waiting for its owner",
			slog.Int64("cycle_id", c.ID),
			slog.String("error", err.Error()),
		)
		res = s.awaitCommit(ctx, c.ID, err)
	}

	c.CommitStatus = res.Status
	c.ExternalRef = res.ExternalRef
	c.CommitAttempts = len(res.Attempts)
	if res.Err != nil {
		c.CommitError = res.Err.Error()
	}
	if res.SupplyErr != nil {
		c.SupplyError = res.SupplyErr.Error()
	}
	s.state.updateClosing(c)
	s.persist(bg, c)
	s.deps.Observer.CycleCommitted(bg, c, res)

	result, err := s.deps.Settler.Settle(bg, c, s.deps.Book.WagersForCycle(c.ID))
	if err != nil {
		s.logger.ErrorContext(bg, "settlement incomplete",
			slog.Int64("cycle_id", c.ID),
			slog.String("error", err.Error()),
		)
	}
	for _, w := range result.Wagers {
		s.deps.Metrics.WagerResolved(w.Result)
	}

	settledAt := s.now()
	c.Settlement = result.Summary
	c.Status = domain.CycleSettled
	c.SettledAt = &settledAt
	s.persist(bg, c)
	s.state.finish(c)

	s.deps.Metrics.CycleSettled(c, settledAt.Sub(closedAt).Seconds())
	s.deps.Observer.CycleSettled(bg, c)
}

// awaitCommit polls the cycle store for the outcome of a commit owned by
// another caller. If none is recorded within CommitWait the cycle is treated
// as abandoned so its wagers still resolve.
func (s *Scheduler) awaitCommit(ctx context.Context, id int64, cause error) domain.CommitResult {
	abandoned := domain.CommitResult{
		Status: domain.CommitAbandoned,
		Err:    fmt.Errorf("%w: cycle %d: %w", domain.ErrSettlementAbandoned, id, cause),
	}
	if s.deps.Cycles == nil {
		return abandoned
	}

	deadline := time.NewTimer(s.cfg.CommitWait)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		stored, err := s.deps.Cycles.GetByID(context.WithoutCancel(ctx), id)
		if err == nil && stored.CommitStatus.Terminal() {
			s.logger.InfoContext(ctx, "adopted commit outcome",
				slog.Int64("cycle_id", id),
				slog.String("commit_status", string(stored.CommitStatus)),
				slog.String("tx", stored.ExternalRef),
			)
			res := domain.CommitResult{Status: stored.CommitStatus, ExternalRef: stored.ExternalRef}
			if stored.CommitError != "" {
				res.Err = errors.New(stored.CommitError)
			}
			return res
		}

		select {
		case <-ctx.Done():
			return abandoned
		case <-deadline.C:
			return abandoned
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) persist(ctx context.Context, c domain.Cycle) {
	if s.deps.Cycles == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := s.deps.Cycles.Upsert(ctx, c); err != nil {
		s.logger.WarnContext(ctx, "persist cycle failed",
			slog.Int64("cycle_id", c.ID),
			slog.String("status", string(c.Status)),
			slog.String("error", fmt.Errorf("%w: %w", domain.ErrPersistence, err).Error()),
		)
	}
}

// Cycle returns a cycle by id from memory, falling back to the store.
func (s *Scheduler) Cycle(ctx context.Context, id int64) (domain.Cycle, error) {
	if c, ok := s.state.lookup(id); ok {
		return c, nil
	}
	if s.deps.Cycles == nil {
		return domain.Cycle{}, fmt.Errorf("scheduler: cycle %d: %w", id, domain.ErrNotFound)
	}
	c, err := s.deps.Cycles.GetByID(ctx, id)
	if err != nil {
		return domain.Cycle{}, fmt.Errorf("scheduler: cycle %d: %w", id, err)
	}
	return c, nil
}

// Recent returns up to limit settled cycles, newest first.
func (s *Scheduler) Recent(ctx context.Context, limit int) ([]domain.Cycle, error) {
	out := s.state.recent(limit)
	if len(out) >= limit || s.deps.Cycles == nil {
		return out, nil
	}
	stored, err := s.deps.Cycles.ListRecent(ctx, limit)
	if err != nil {
		return out, fmt.Errorf("scheduler: recent cycles: %w", err)
	}
	settled := stored[:0]
	for _, c := range stored {
		if c.Status == domain.CycleSettled {
			settled = append(settled, c)
		}
	}
	if len(settled) > len(out) {
		return settled, nil
	}
	return out, nil
}

// Wait blocks until every background settlement has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

type nopObserver struct{}

func (nopObserver) CycleOpened(context.Context, domain.Cycle) {}
func (nopObserver) CycleClosed(context.Context, domain.Cycle) {}
func (nopObserver) CycleCommitted(context.Context, domain.Cycle, domain.CommitResult) {}
func (nopObserver) CycleSettled(context.Context, domain.Cycle) {}
func (nopObserver) StaleRefunded(context.Context, []domain.Wager) {}
