// Package parimutuel resolves a closed cycle's wagers against its classified
// action. Cycles without signals refund every stake; all others pay winners
// pro rata out of the pool minus the house edge.
package parimutuel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
)

// bpsDenominator is 100% in basis points.
const bpsDenominator = 10_000

// Applier transitions a pending wager and credits the participant. The
// ledger satisfies it.
type Applier interface {
	Resolve(ctx context.Context, wagerID string, result domain.WagerResult, payout int64) (domain.Wager, error)
}

// SyntheticConfig controls simulated liquidity. Synthetic stakes enlarge the
// pools used for payout math but are never credited to anyone.
type SyntheticConfig struct {
	Enabled bool
	MinBots int
	MaxBots int
	Stake   int64
}

// Config holds the settlement economics.
type Config struct {
	HouseEdgeBps int
	Synthetic    SyntheticConfig
}

// Result is what Settle produced for one cycle.
type Result struct {
	Summary domain.SettlementSummary
	Wagers  []domain.Wager
}

// Engine settles cycles.
type Engine struct {
	cfg     Config
	applier Applier
	logger  *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option customises an Engine.
type Option func(*Engine)

// WithRand sets the source used to draw synthetic stakes.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) { e.rng = r }
}

// New creates an Engine. It fails if the house edge is outside [0, 10000) or
// the synthetic bot range is inconsistent.
func New(cfg Config, applier Applier, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if cfg.HouseEdgeBps < 0 || cfg.HouseEdgeBps >= bpsDenominator {
		return nil, fmt.Errorf("parimutuel: house edge %d bps out of range", cfg.HouseEdgeBps)
	}
	if cfg.Synthetic.Enabled {
		s := cfg.Synthetic
		if s.MinBots < 0 || s.MaxBots < s.MinBots || s.Stake <= 0 {
			return nil, fmt.Errorf("parimutuel: invalid synthetic config min=%d max=%d stake=%d", s.MinBots, s.MaxBots, s.Stake)
		}
	}
	if applier == nil {
		return nil, errors.New("parimutuel: applier is required")
	}

	e := &Engine{
		cfg:     cfg,
		applier: applier,
		logger:  logger.With(slog.String("component", "parimutuel")),
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Settle resolves every wager of the cycle exactly once. The cycle's commit
// must already be terminal, and every wager must be pending and belong to the
// cycle; otherwise nothing is applied. Failures resolving individual wagers
// do not stop the others and are returned joined.
func (e *Engine) Settle(ctx context.Context, cycle domain.Cycle, wagers []domain.Wager) (Result, error) {
	if !cycle.CommitStatus.Terminal() {
		return Result{}, fmt.Errorf("%w: cycle %d commit is %q", domain.ErrSettlementNotReady, cycle.ID, cycle.CommitStatus)
	}
	for _, w := range wagers {
		if w.CycleID != cycle.ID {
			return Result{}, fmt.Errorf("%w: wager %s belongs to cycle %d, not %d", domain.ErrValidation, w.ID, w.CycleID, cycle.ID)
		}
		if w.Terminal() {
			return Result{}, fmt.Errorf("%w: wager %s is already %s", domain.ErrWagerSettled, w.ID, w.Result)
		}
	}

	if !cycle.HasSignals() {
		return e.refund(ctx, cycle, wagers)
	}
	return e.payout(ctx, cycle, wagers)
}

func (e *Engine) refund(ctx context.Context, cycle domain.Cycle, wagers []domain.Wager) (Result, error) {
	res := Result{Summary: domain.SettlementSummary{Path: domain.PathRefund}}
	var errs []error

	for _, w := range wagers {
		res.Summary.Pools.Add(w.Outcome, w.Amount)
		settled, err := e.applier.Resolve(ctx, w.ID, domain.WagerRefunded, w.Amount)
		if err != nil {
			errs = append(errs, fmt.Errorf("parimutuel: refund wager %s: %w", w.ID, err))
			continue
		}
		res.Wagers = append(res.Wagers, settled)
		res.Summary.TotalRefunded += settled.Payout
	}

	res.Summary.TotalPool = res.Summary.Pools.Total()
	res.Summary.PrizePool = res.Summary.TotalPool
	res.Summary.WagerCount = len(wagers)

	e.logger.InfoContext(ctx, "cycle refunded",
		slog.Int64("cycle_id", cycle.ID),
		slog.Int("wagers", len(wagers)),
		slog.Int64("refunded", res.Summary.TotalRefunded),
	)
	return res, errors.Join(errs...)
}

func (e *Engine) payout(ctx context.Context, cycle domain.Cycle, wagers []domain.Wager) (Result, error) {
	var staked domain.Pools
	for _, w := range wagers {
		staked.Add(w.Outcome, w.Amount)
	}
	synthetic := e.syntheticPools()

	pools := staked
	for _, a := range domain.Actions {
		pools.Add(a, synthetic.Get(a))
	}

	totalPool := pools.Total()
	winningPool := pools.Get(cycle.Action)
	prizePool := mulDiv(totalPool, int64(bpsDenominator-e.cfg.HouseEdgeBps), bpsDenominator)

	sum := domain.SettlementSummary{
		Path:           domain.PathPayout,
		Pools:          pools,
		SyntheticPools: synthetic,
		TotalPool:      totalPool,
		PrizePool:      prizePool,
		WinningPool:    winningPool,
		WagerCount:     len(wagers),
	}

	res := Result{}
	var errs []error
	for _, w := range wagers {
		result, amount := domain.WagerLost, int64(0)
		if w.Outcome == cycle.Action && winningPool > 0 {
			result = domain.WagerWon
			amount = Payout(totalPool, winningPool, w.Amount, e.cfg.HouseEdgeBps)
		}

		settled, err := e.applier.Resolve(ctx, w.ID, result, amount)
		if err != nil {
			errs = append(errs, fmt.Errorf("parimutuel: resolve wager %s: %w", w.ID, err))
			continue
		}
		res.Wagers = append(res.Wagers, settled)
		if settled.Result == domain.WagerWon {
			sum.WinnersCount++
			sum.TotalPaid += settled.Payout
		}
	}
	// Only real stakes fund the house; synthetic liquidity can make this
	// negative.
	sum.HouseTake = staked.Total() - sum.TotalPaid
	res.Summary = sum

	e.logger.InfoContext(ctx, "cycle settled",
		slog.Int64("cycle_id", cycle.ID),
		slog.String("action", cycle.Action.String()),
		slog.Int64("total_pool", totalPool),
		slog.Int64("winning_pool", winningPool),
		slog.Int("winners", sum.WinnersCount),
		slog.Int64("paid", sum.TotalPaid),
	)
	return res, errors.Join(errs...)
}

// Payout is floor(totalPool * (1 - edge) * amount / winningPool), computed
// without intermediate rounding or overflow. It returns 0 when winningPool
// is not positive.
func Payout(totalPool, winningPool, amount int64, houseEdgeBps int) int64 {
	if winningPool <= 0 || amount <= 0 {
		return 0
	}
	num := new(big.Int).Mul(big.NewInt(totalPool), big.NewInt(int64(bpsDenominator-houseEdgeBps)))
	num.Mul(num, big.NewInt(amount))
	den := new(big.Int).Mul(big.NewInt(bpsDenominator), big.NewInt(winningPool))
	return num.Quo(num, den).Int64()
}

func mulDiv(a, b, c int64) int64 {
	n := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	return n.Quo(n, big.NewInt(c)).Int64()
}

func (e *Engine) syntheticPools() domain.Pools {
	var p domain.Pools
	s := e.cfg.Synthetic
	if !s.Enabled || s.MaxBots == 0 {
		return p
	}

	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	bots := s.MinBots + e.rng.IntN(s.MaxBots-s.MinBots+1)
	for i := 0; i < bots; i++ {
		p.Add(domain.Actions[e.rng.IntN(len(domain.Actions))], s.Stake)
	}
	return p
}
