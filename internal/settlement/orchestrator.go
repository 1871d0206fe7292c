// Package settlement commits a closed cycle's action and rate to the external
// ledger with a bounded retry budget.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
	"github.com/romankoyan-pixel/scandal-oracle/internal/metrics"
)

const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Config controls the retry budget and per-call bounds.
type Config struct {
	MaxRetries  int
	RetryDelay  time.Duration
	Backoff     string
	MaxDelay    time.Duration
	CallTimeout time.Duration

	// AdjustSupply enables the follow-up mint/burn after a successful commit.
	AdjustSupply bool

	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		RetryDelay:      10 * time.Second,
		Backoff:         BackoffFixed,
		MaxDelay:        2 * time.Minute,
		CallTimeout:     90 * time.Second,
		AdjustSupply:    true,
		BreakerFailures: 5,
		BreakerCooldown: 60 * time.Second,
	}
}

// Orchestrator drives one cycle at a time from Pending to Committed or
// Abandoned. Distinct cycles may commit concurrently.
type Orchestrator struct {
	cfg     Config
	ledger  domain.ExternalLedger
	breaker *gobreaker.CircuitBreaker
	locks   domain.LockManager
	metrics *metrics.Metrics
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inFlight map[int64]struct{}
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLocks adds a distributed lock so only one instance commits a cycle.
func WithLocks(locks domain.LockManager) Option {
	return func(o *Orchestrator) { o.locks = locks }
}

// WithSleep replaces the retry delay.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// New creates an Orchestrator. m may be nil.
func New(cfg Config, ledger domain.ExternalLedger, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Orchestrator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	logger = logger.With(slog.String("component", "settlement"))

	o := &Orchestrator{
		cfg:      cfg,
		ledger:   ledger,
		metrics:  m,
		logger:   logger,
		sleep:    sleepCtx,
		inFlight: make(map[int64]struct{}),
	}
	o.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "external-ledger",
		Interval: 60 * time.Second,
		Timeout:  cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Commit sends the cycle's fixed action and rate to the external ledger,
// retrying up to MaxRetries. The returned result is always terminal. A second
// Commit for a cycle already in flight fails with ErrCommitInFlight.
func (o *Orchestrator) Commit(ctx context.Context, cycle domain.Cycle) (domain.CommitResult, error) {
	if !o.begin(cycle.ID) {
		return domain.CommitResult{}, fmt.Errorf("%w: cycle %d", domain.ErrCommitInFlight, cycle.ID)
	}
	defer o.end(cycle.ID)

	if o.locks != nil {
		ttl := time.Duration(o.cfg.MaxRetries) * (o.cfg.CallTimeout + o.cfg.MaxDelay)
		unlock, err := o.locks.Acquire(ctx, "oracle:settle:"+strconv.FormatInt(cycle.ID, 10), ttl)
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.CommitResult{}, fmt.Errorf("%w: cycle %d locked elsewhere", domain.ErrCommitInFlight, cycle.ID)
		}
		if err != nil {
			// Redis being down must not stall settlement.
			o.logger.WarnContext(ctx, "settlement lock unavailable",
				slog.Int64("cycle_id", cycle.ID),
				slog.String("error", err.Error()),
			)
		} else {
			defer unlock()
		}
	}

	res := domain.CommitResult{Status: domain.CommitPending}
	var lastErr error

	for attempt := 1; attempt <= o.cfg.MaxRetries; attempt++ {
		ref, err := o.closeRound(ctx, cycle)
		res.Attempts = append(res.Attempts, domain.SettlementAttempt{
			CycleID:       cycle.ID,
			AttemptNumber: attempt,
			Success:       err == nil,
			Err:           err,
		})
		o.metrics.SettlementAttempt(err == nil)

		if err == nil {
			res.Status = domain.CommitCommitted
			res.ExternalRef = ref
			o.logger.InfoContext(ctx, "cycle committed",
				slog.Int64("cycle_id", cycle.ID),
				slog.String("action", cycle.Action.String()),
				slog.Int("rate_bps", cycle.RateBps),
				slog.String("tx", ref),
				slog.Int("attempt", attempt),
			)
			break
		}
		lastErr = err

		if errors.Is(err, domain.ErrLedgerDisabled) || ctx.Err() != nil {
			break
		}
		if attempt == o.cfg.MaxRetries {
			break
		}

		delay := o.delay(attempt)
		o.logger.WarnContext(ctx, "commit attempt failed, retrying",
			slog.Int64("cycle_id", cycle.ID),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", o.cfg.MaxRetries),
			slog.Duration("delay", delay),
			slog.String("error", fmt.Errorf("%w: %w", domain.ErrSettlementRetryable, err).Error()),
		)
		if err := o.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	if res.Status != domain.CommitCommitted {
		res.Status = domain.CommitAbandoned
		res.Err = fmt.Errorf("%w: cycle %d after %d attempts: %w",
			domain.ErrSettlementAbandoned, cycle.ID, len(res.Attempts), lastErr)
		o.logger.ErrorContext(ctx, "commit abandoned",
			slog.Int64("cycle_id", cycle.ID),
			slog.Int("attempts", len(res.Attempts)),
			slog.String("error", res.Err.Error()),
		)
	} else if o.cfg.AdjustSupply && cycle.Action != domain.ActionNeutral && cycle.RateBps > 0 {
		if err := o.adjustSupply(ctx, cycle); err != nil {
			res.SupplyErr = err
			o.logger.ErrorContext(ctx, "supply adjustment failed",
				slog.Int64("cycle_id", cycle.ID),
				slog.String("action", cycle.Action.String()),
				slog.Int("rate_bps", cycle.RateBps),
				slog.String("error", err.Error()),
			)
		}
	}

	o.metrics.CommitFinished(res.Status)
	return res, nil
}

// InFlight reports whether a commit for the cycle is running.
func (o *Orchestrator) InFlight(cycleID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inFlight[cycleID]
	return ok
}

func (o *Orchestrator) begin(cycleID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.inFlight[cycleID]; ok {
		return false
	}
	o.inFlight[cycleID] = struct{}{}
	return true
}

func (o *Orchestrator) end(cycleID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, cycleID)
}

func (o *Orchestrator) closeRound(ctx context.Context, cycle domain.Cycle) (string, error) {
	out, err := o.guard(ctx, func(ctx context.Context) (any, error) {
		return o.ledger.CloseRound(ctx, cycle.Action, cycle.RateBps)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (o *Orchestrator) adjustSupply(ctx context.Context, cycle domain.Cycle) error {
	_, err := o.guard(ctx, func(ctx context.Context) (any, error) {
		return nil, o.ledger.AdjustSupply(ctx, cycle.Action, cycle.RateBps)
	})
	return err
}

// guard runs fn behind the circuit breaker with a hard per-call deadline. A
// call that overruns the deadline is reported as failed even if fn ignores
// its context.
func (o *Orchestrator) guard(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	return o.breaker.Execute(func() (interface{}, error) {
		callCtx := ctx
		if o.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, o.cfg.CallTimeout)
			defer cancel()
		}

		type result struct {
			v   any
			err error
		}
		done := make(chan result, 1)
		go func() {
			v, err := fn(callCtx)
			done <- result{v, err}
		}()

		select {
		case r := <-done:
			return r.v, r.err
		case <-callCtx.Done():
			return nil, fmt.Errorf("settlement: external call: %w", callCtx.Err())
		}
	})
}

func (o *Orchestrator) delay(attempt int) time.Duration {
	d := o.cfg.RetryDelay
	if o.cfg.Backoff == BackoffExponential {
		for i := 1; i < attempt; i++ {
			d *= 2
			if o.cfg.MaxDelay > 0 && d >= o.cfg.MaxDelay {
				break
			}
		}
	}
	if o.cfg.MaxDelay > 0 && d > o.cfg.MaxDelay {
		d = o.cfg.MaxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
