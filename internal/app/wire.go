package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/romankoyan-pixel/scandal-oracle/internal/blob/s3"
	"github.com/romankoyan-pixel/scandal-oracle/internal/cache/redis"
	"github.com/romankoyan-pixel/scandal-oracle/internal/chain"
	"github.com/romankoyan-pixel/scandal-oracle/internal/config"
	"github.com/romankoyan-pixel/scandal-oracle/internal/crypto"
	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
	"github.com/romankoyan-pixel/scandal-oracle/internal/metrics"
	"github.com/romankoyan-pixel/scandal-oracle/internal/notify"
	"github.com/romankoyan-pixel/scandal-oracle/internal/scheduler"
	"github.com/romankoyan-pixel/scandal-oracle/internal/server/handler"
	"github.com/romankoyan-pixel/scandal-oracle/internal/store/postgres"
)

// seenKeyPrefix namespaces ingestion ids in the shared seen-set.
const seenKeyPrefix = "oracle:seen:signal:"

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function. Optional collaborators are left as nil interfaces when
// their backend is disabled.
type Dependencies struct {
	// Stores
	CycleStore   domain.CycleStore
	WagerStore   domain.WagerStore
	BalanceStore domain.BalanceStore
	AuditStore   domain.AuditStore

	// Caches
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SeenSet     domain.SeenSet

	// External ledger. ExternalLedger is never nil; it is chain.Disabled
	// when no chain is configured.
	ExternalLedger domain.ExternalLedger
	BalanceSource  domain.BalanceSource
	Rounds         scheduler.RoundSource

	// Blob storage
	BlobWriter domain.BlobWriter
	Archiver   domain.Archiver

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
	Health   map[string]handler.Check
}

// needsChain returns true for modes that commit cycles.
func needsChain(mode string) bool {
	return mode != "archive"
}

// needsS3 returns true for modes that write to object storage.
func needsS3(cfg *config.Config) bool {
	return cfg.Mode == "archive" || (cfg.Mode == "full" && cfg.Archive.Enabled)
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var (
		pgCycles *postgres.CycleStore
		pgWagers *postgres.WagerStore
	)

	deps := &Dependencies{
		ExternalLedger: chain.Disabled{},
		Health:         map[string]handler.Check{},
	}

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps.Metrics = metrics.New(reg)

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		pgCycles = postgres.NewCycleStore(pool)
		pgWagers = postgres.NewWagerStore(pool)
		deps.CycleStore = pgCycles
		deps.WagerStore = pgWagers
		deps.BalanceStore = postgres.NewBalanceStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Health["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.SignalBus = redis.NewSignalBus(redisClient).WithStreamMaxLen(cfg.Redis.StreamMaxLen)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SeenSet = redis.NewSeenSet(redisClient, seenKeyPrefix, cfg.Redis.SeenTTL.Duration)
		deps.Health["redis"] = redisClient.Ping
	}

	// --- External ledger ---
	if cfg.Chain.Enabled && needsChain(cfg.Mode) {
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: oracle key: %w", err)
		}
		signer, err := crypto.NewTxSigner(key, cfg.Chain.ChainID)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: signer: %w", err)
		}
		ledger, err := chain.Dial(ctx, chain.Config{
			RPCURL:            cfg.Chain.RPCURL,
			ChainID:           cfg.Chain.ChainID,
			GameAddress:       cfg.Chain.GameAddress,
			TokenAddress:      cfg.Chain.TokenAddress,
			GasLimit:          cfg.Chain.GasLimit,
			ConfirmTimeout:    cfg.Chain.ConfirmTimeout.Duration,
			PollInterval:      cfg.Chain.PollInterval.Duration,
			RequestsPerSecond: cfg.Chain.RequestsPerSecond,
			Decimals:          cfg.Chain.Decimals,
		}, signer, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: chain: %w", err)
		}
		closers = append(closers, ledger.Close)

		deps.ExternalLedger = ledger
		deps.BalanceSource = ledger
		deps.Rounds = ledger
		logger.Info("external ledger connected",
			slog.String("oracle", signer.Address().Hex()),
			slog.Int64("chain_id", cfg.Chain.ChainID),
		)
	} else if needsChain(cfg.Mode) {
		logger.Warn("external ledger disabled; every cycle commit will be abandoned")
	}

	// --- S3 blob storage ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		writer := s3blob.NewWriter(s3Client)
		deps.BlobWriter = writer
		deps.Health["s3"] = s3Client.Health
		// Archiver: only when Postgres holds the settled rows.
		if pgCycles != nil {
			deps.Archiver = s3blob.NewArchiver(writer, pgCycles, pgWagers, deps.AuditStore)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
