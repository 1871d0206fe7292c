package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/romankoyan-pixel/scandal-oracle/internal/feed"
	"github.com/romankoyan-pixel/scandal-oracle/internal/ledger"
	"github.com/romankoyan-pixel/scandal-oracle/internal/parimutuel"
	"github.com/romankoyan-pixel/scandal-oracle/internal/pipeline"
	"github.com/romankoyan-pixel/scandal-oracle/internal/scheduler"
	"github.com/romankoyan-pixel/scandal-oracle/internal/scoring"
	"github.com/romankoyan-pixel/scandal-oracle/internal/server"
	"github.com/romankoyan-pixel/scandal-oracle/internal/server/handler"
	"github.com/romankoyan-pixel/scandal-oracle/internal/server/ws"
	"github.com/romankoyan-pixel/scandal-oracle/internal/service"
	"github.com/romankoyan-pixel/scandal-oracle/internal/settlement"
)

// shutdownTimeout bounds the HTTP server's graceful shutdown.
const shutdownTimeout = 5 * time.Second

// oracle is the assembled cycle engine and the service facade over it.
type oracle struct {
	scheduler *scheduler.Scheduler
	service   *service.OracleService
}

// buildOracle restores balances and assembles the scoring, settlement and
// scheduling components. The scheduler is not started.
func (a *App) buildOracle(ctx context.Context, deps *Dependencies) (*oracle, error) {
	mk := a.cfg.Market

	book := ledger.New(ledger.Config{
		StartingBalance: mk.StartingBalance,
		MinWager:        mk.MinWager,
		MaxWager:        mk.MaxWager,
		HistoryLimit:    mk.HistoryLimit,
	}, deps.BalanceStore, deps.WagerStore, a.logger)
	if err := book.Restore(ctx); err != nil {
		return nil, fmt.Errorf("app: restore balances: %w", err)
	}

	settler, err := parimutuel.New(parimutuel.Config{
		HouseEdgeBps: mk.HouseEdgeBps,
		Synthetic: parimutuel.SyntheticConfig{
			Enabled: mk.Synthetic.Enabled,
			MinBots: mk.Synthetic.MinBots,
			MaxBots: mk.Synthetic.MaxBots,
			Stake:   mk.Synthetic.Stake,
		},
	}, book, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	st := a.cfg.Settlement
	var opts []settlement.Option
	if deps.LockManager != nil {
		opts = append(opts, settlement.WithLocks(deps.LockManager))
	}
	committer := settlement.New(settlement.Config{
		MaxRetries:      st.MaxRetries,
		RetryDelay:      st.RetryDelay.Duration,
		Backoff:         st.Backoff,
		MaxDelay:        st.MaxDelay.Duration,
		CallTimeout:     st.CallTimeout.Duration,
		AdjustSupply:    st.AdjustSupply,
		BreakerFailures: uint32(st.BreakerFailures),
		BreakerCooldown: st.BreakerCooldown.Duration,
	}, deps.ExternalLedger, deps.Metrics, a.logger, opts...)

	sc := a.cfg.Scoring
	classifier, err := scoring.NewClassifier(sc.NeutralLow, sc.NeutralHigh)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	engine := scoring.NewEngine(scoring.WeightingConfig{
		CategoryWeights: sc.CategoryWeights,
		ExtremeLow:      sc.ExtremeLow,
		ExtremeHigh:     sc.ExtremeHigh,
		MaxWeight:       sc.MaxWeight,
	})

	relay := service.NewEventRelay(deps.SignalBus, deps.AuditStore, deps.Notifier, a.logger)

	cy := a.cfg.Cycle
	sched, err := scheduler.New(scheduler.Config{
		Duration:    cy.Duration.Duration,
		Tick:        cy.Tick.Duration,
		HistorySize: cy.HistorySize,
		WagerCutoff: cy.WagerCutoff.Duration,
	}, scheduler.Deps{
		Engine:     engine,
		Classifier: classifier,
		Book:       book,
		Committer:  committer,
		Settler:    settler,
		Cycles:     deps.CycleStore,
		Rounds:     deps.Rounds,
		Observer:   relay,
		Metrics:    deps.Metrics,
		Logger:     a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	svc := service.NewOracleService(service.Config{
		WagerRateLimit:  a.cfg.Server.WagerRateLimit,
		WagerRateWindow: a.cfg.Server.WagerRateWindow.Duration,
		HistoryLimit:    mk.HistoryLimit,
	}, service.Deps{
		Engine:   sched,
		Book:     book,
		Relay:    relay,
		Balances: deps.BalanceSource,
		Wagers:   deps.WagerStore,
		Audit:    deps.AuditStore,
		Seen:     deps.SeenSet,
		Limiter:  deps.RateLimiter,
		Metrics:  deps.Metrics,
		Logger:   a.logger,
	})

	return &oracle{scheduler: sched, service: svc}, nil
}

// FullMode runs the cycle scheduler, the signal feeder, the archiver and the
// HTTP/WebSocket API until ctx is cancelled.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	o, err := a.buildOracle(ctx, deps)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	if err := o.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.scheduler.Run(ctx)
	})
	a.startFeeder(ctx, g, deps, o)

	if a.cfg.Archive.Enabled {
		if deps.Archiver == nil {
			a.logger.WarnContext(ctx, "archive.enabled is true but no archiver is wired (postgres and s3 are required)")
		} else {
			archiver := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
			g.Go(func() error {
				return archiver.RunEvery(ctx, a.cfg.Archive.Interval.Duration)
			})
		}
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, o)
	}

	return g.Wait()
}

// EngineMode runs only the cycle scheduler and the signal feeder.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")

	o, err := a.buildOracle(ctx, deps)
	if err != nil {
		return fmt.Errorf("engine mode: %w", err)
	}
	if err := o.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("engine mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.scheduler.Run(ctx)
	})
	a.startFeeder(ctx, g, deps, o)

	return g.Wait()
}

// ArchiveMode runs a single archive pass and returns.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	if deps.Archiver == nil {
		return fmt.Errorf("archive mode: archiver not wired (postgres and s3 are required)")
	}
	archiver := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
	if err := archiver.Run(ctx); err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	return nil
}

// startFeeder adds the Redis stream consumer when feed ingestion is enabled.
func (a *App) startFeeder(ctx context.Context, g *errgroup.Group, deps *Dependencies, o *oracle) {
	if !a.cfg.Feed.Enabled {
		return
	}
	if deps.SignalBus == nil {
		a.logger.WarnContext(ctx, "feed.enabled is true but redis is not wired; stream ingestion disabled")
		return
	}
	fc := a.cfg.Feed
	feeder := feed.NewSignalFeeder(feed.Config{
		Stream:        fc.Stream,
		PollInterval:  fc.PollInterval.Duration,
		BatchSize:     fc.BatchSize,
		DedupCapacity: fc.DedupCapacity,
		Lookback:      a.cfg.Cycle.Duration.Duration,
	}, deps.SignalBus, o.service, a.logger)
	g.Go(func() error {
		return feeder.Run(ctx)
	})
}

// startHTTPServer adds the API server, and the WebSocket hub when a bus is
// available, to the errgroup. The server is shut down gracefully when ctx is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, o *oracle) {
	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, func() any {
			return o.service.CurrentCycleStatus()
		}, a.cfg.Server.CORSOrigins, a.logger)
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(deps.Health),
		Oracle:  handler.NewOracleHandler(o.service, a.logger),
		Metrics: deps.Metrics.Handler(),
		Hub:     hub,
	}, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
