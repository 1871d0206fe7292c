// Package service exposes the oracle's operations to the transport layer.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
	"github.com/romankoyan-pixel/scandal-oracle/internal/ledger"
	"github.com/romankoyan-pixel/scandal-oracle/internal/metrics"
)

// CycleEngine is the scheduler surface the service drives.
type CycleEngine interface {
	AdmitSignal(sig domain.Signal) int64
	PlaceWager(ctx context.Context, participant string, cycleID int64, outcome domain.Action, amount int64) (domain.Wager, error)
	Current() domain.CycleView
	Cycle(ctx context.Context, id int64) (domain.Cycle, error)
	Recent(ctx context.Context, limit int) ([]domain.Cycle, error)
}

// Book is the balance ledger surface the service reads and reconciles.
type Book interface {
	Balance(participant string) (domain.BalanceRecord, bool)
	History(participant string, limit int) []domain.Wager
	Leaderboard(limit int) []domain.BalanceRecord
	Reconcile(ctx context.Context, participant string, externalBalance int64) (domain.BalanceRecord, error)
}

// Config tunes per-participant admission limits.
type Config struct {
	WagerRateLimit  int
	WagerRateWindow time.Duration
	HistoryLimit    int
}

// Deps are the service collaborators. Engine, Book and Relay are required.
type Deps struct {
	Engine   CycleEngine
	Book     Book
	Relay    *EventRelay
	Balances domain.BalanceSource
	Wagers   domain.WagerStore
	Audit    domain.AuditStore
	Seen     domain.SeenSet
	Limiter  domain.RateLimiter
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// WagerRequest is a participant's request to back an outcome.
type WagerRequest struct {
	Participant string        `json:"participant"`
	CycleID     int64         `json:"cycle_id"`
	Outcome     domain.Action `json:"outcome"`
	Amount      int64         `json:"amount"`
}

// OracleService implements the exposed oracle operations.
type OracleService struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// NewOracleService creates an OracleService.
func NewOracleService(cfg Config, deps Deps) *OracleService {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.WagerRateWindow <= 0 {
		cfg.WagerRateWindow = time.Minute
	}
	return &OracleService{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With(slog.String("component", "oracle_service")),
	}
}

// PlaceWager admits a wager on the Open cycle.
func (s *OracleService) PlaceWager(ctx context.Context, req WagerRequest) (domain.Wager, error) {
	participant := ledger.NormalizeParticipant(req.Participant)

	if s.deps.Limiter != nil && s.cfg.WagerRateLimit > 0 && participant != "" {
		ok, err := s.deps.Limiter.Allow(ctx, "wager:"+participant, s.cfg.WagerRateLimit, s.cfg.WagerRateWindow)
		switch {
		case err != nil:
			s.logger.WarnContext(ctx, "wager rate limit check failed",
				slog.String("participant", participant),
				slog.String("error", err.Error()),
			)
		case !ok:
			s.deps.Metrics.WagerRejected()
			return domain.Wager{}, fmt.Errorf("service: place wager: %w", domain.ErrRateLimited)
		}
	}

	w, err := s.deps.Engine.PlaceWager(ctx, participant, req.CycleID, req.Outcome, req.Amount)
	if err != nil {
		s.deps.Metrics.WagerRejected()
		s.logger.DebugContext(ctx, "wager rejected",
			slog.String("participant", participant),
			slog.Int64("cycle_id", req.CycleID),
			slog.Int64("amount", req.Amount),
			slog.String("error", err.Error()),
		)
		return domain.Wager{}, fmt.Errorf("service: place wager: %w", err)
	}

	s.deps.Metrics.WagerPlaced()
	s.logger.InfoContext(ctx, "wager placed",
		slog.String("wager_id", w.ID),
		slog.String("participant", w.Participant),
		slog.Int64("cycle_id", w.CycleID),
		slog.String("outcome", w.Outcome.String()),
		slog.Int64("amount", w.Amount),
	)
	s.deps.Relay.Publish(ctx, domain.ChannelWagers, domain.EventWagerPlaced, w)
	return w, nil
}

// CurrentCycleStatus projects the Open cycle.
func (s *OracleService) CurrentCycleStatus() domain.CycleView {
	return s.deps.Engine.Current()
}

// SettlementHistory returns one cycle by id.
func (s *OracleService) SettlementHistory(ctx context.Context, cycleID int64) (domain.Cycle, error) {
	return s.deps.Engine.Cycle(ctx, cycleID)
}

// RecentCycles returns up to limit settled cycles, newest first.
func (s *OracleService) RecentCycles(ctx context.Context, limit int) ([]domain.Cycle, error) {
	return s.deps.Engine.Recent(ctx, limit)
}

// Balance returns a participant's balance record.
func (s *OracleService) Balance(participant string) (domain.BalanceRecord, error) {
	rec, ok := s.deps.Book.Balance(participant)
	if !ok {
		return domain.BalanceRecord{}, fmt.Errorf("service: balance %s: %w", participant, domain.ErrNotFound)
	}
	return rec, nil
}

// WagerHistory returns a participant's recent wagers. Participants not held
// in memory fall back to the store.
func (s *OracleService) WagerHistory(ctx context.Context, participant string, limit int) ([]domain.Wager, error) {
	if limit <= 0 || limit > s.cfg.HistoryLimit {
		limit = s.cfg.HistoryLimit
	}
	if out := s.deps.Book.History(participant, limit); len(out) > 0 || s.deps.Wagers == nil {
		return out, nil
	}
	out, err := s.deps.Wagers.ListByParticipant(ctx, ledger.NormalizeParticipant(participant), domain.ListOpts{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("service: wager history: %w", err)
	}
	return out, nil
}

// Leaderboard returns the top balances.
func (s *OracleService) Leaderboard(limit int) []domain.BalanceRecord {
	return s.deps.Book.Leaderboard(limit)
}

// ReconcileBalance replaces a participant's spendable balance with the
// external ledger's value. It fails with domain.ErrPendingWager while any
// wager is unresolved.
func (s *OracleService) ReconcileBalance(ctx context.Context, participant string) (domain.BalanceRecord, error) {
	if s.deps.Balances == nil {
		return domain.BalanceRecord{}, fmt.Errorf("service: reconcile: %w", domain.ErrLedgerDisabled)
	}
	participant = ledger.NormalizeParticipant(participant)

	ext, err := s.deps.Balances.BalanceOf(ctx, participant)
	if err != nil {
		return domain.BalanceRecord{}, fmt.Errorf("service: reconcile %s: %w", participant, err)
	}

	before, _ := s.deps.Book.Balance(participant)
	rec, err := s.deps.Book.Reconcile(ctx, participant, ext)
	if err != nil {
		return rec, fmt.Errorf("service: reconcile %s: %w", participant, err)
	}

	s.logger.InfoContext(ctx, "balance reconciled",
		slog.String("participant", participant),
		slog.Int64("previous", before.Spendable),
		slog.Int64("external", ext),
	)
	s.deps.Relay.Audit(ctx, "balance.reconcile", map[string]any{
		"participant": participant,
		"previous":    before.Spendable,
		"external":    ext,
	})
	s.deps.Relay.Publish(ctx, domain.ChannelBalances, domain.EventBalanceReconciled, rec)
	return rec, nil
}

// AdmitSignal validates a scored signal and appends it to the Open cycle.
// It reports false for an id that was already admitted.
func (s *OracleService) AdmitSignal(ctx context.Context, sig domain.Signal) (int64, bool, error) {
	if score, ok := sig.Scored(); ok && (score < 0 || score > 100) {
		s.deps.Metrics.SignalDropped("invalid")
		return 0, false, fmt.Errorf("service: admit signal: %w: score %v outside 0..100", domain.ErrValidation, score)
	}
	sig.Category = strings.ToLower(strings.TrimSpace(sig.Category))

	if sig.ID != "" && s.deps.Seen != nil {
		fresh, err := s.deps.Seen.MarkSeen(ctx, sig.ID)
		switch {
		case err != nil:
			s.logger.WarnContext(ctx, "seen-set check failed",
				slog.String("signal_id", sig.ID),
				slog.String("error", err.Error()),
			)
		case !fresh:
			s.deps.Metrics.SignalDropped("duplicate")
			return 0, false, nil
		}
	}

	return s.deps.Engine.AdmitSignal(sig), true, nil
}

// AuditTrail lists recent audit entries whose event starts with prefix.
func (s *OracleService) AuditTrail(ctx context.Context, prefix string, limit int) ([]domain.AuditEntry, error) {
	if s.deps.Audit == nil {
		return nil, nil
	}
	out, err := s.deps.Audit.List(ctx, domain.ListOpts{Limit: limit, EventPrefix: prefix})
	if err != nil {
		return nil, fmt.Errorf("service: audit trail: %w", err)
	}
	return out, nil
}
