package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ORACLE_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	return &cfg, nil
}

// applyEnvOverrides reads well-known ORACLE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Cycle ──
	setDuration(&cfg.Cycle.Duration, "ORACLE_CYCLE_DURATION")
	setDuration(&cfg.Cycle.Tick, "ORACLE_CYCLE_TICK")
	setInt(&cfg.Cycle.HistorySize, "ORACLE_CYCLE_HISTORY_SIZE")
	setDuration(&cfg.Cycle.WagerCutoff, "ORACLE_CYCLE_WAGER_CUTOFF")

	// ── Scoring ──
	setFloat64(&cfg.Scoring.NeutralLow, "ORACLE_SCORING_NEUTRAL_LOW")
	setFloat64(&cfg.Scoring.NeutralHigh, "ORACLE_SCORING_NEUTRAL_HIGH")
	setFloat64(&cfg.Scoring.ExtremeLow, "ORACLE_SCORING_EXTREME_LOW")
	setFloat64(&cfg.Scoring.ExtremeHigh, "ORACLE_SCORING_EXTREME_HIGH")
	setFloat64(&cfg.Scoring.MaxWeight, "ORACLE_SCORING_MAX_WEIGHT")

	// ── Settlement ──
	setInt(&cfg.Settlement.MaxRetries, "ORACLE_SETTLEMENT_MAX_RETRIES")
	setDuration(&cfg.Settlement.RetryDelay, "ORACLE_SETTLEMENT_RETRY_DELAY")
	setStr(&cfg.Settlement.Backoff, "ORACLE_SETTLEMENT_BACKOFF")
	setDuration(&cfg.Settlement.MaxDelay, "ORACLE_SETTLEMENT_MAX_DELAY")
	setDuration(&cfg.Settlement.CallTimeout, "ORACLE_SETTLEMENT_CALL_TIMEOUT")
	setBool(&cfg.Settlement.AdjustSupply, "ORACLE_SETTLEMENT_ADJUST_SUPPLY")

	// ── Market ──
	setInt(&cfg.Market.HouseEdgeBps, "ORACLE_MARKET_HOUSE_EDGE_BPS")
	setInt64(&cfg.Market.MinWager, "ORACLE_MARKET_MIN_WAGER")
	setInt64(&cfg.Market.MaxWager, "ORACLE_MARKET_MAX_WAGER")
	setInt64(&cfg.Market.StartingBalance, "ORACLE_MARKET_STARTING_BALANCE")
	setBool(&cfg.Market.Synthetic.Enabled, "ORACLE_MARKET_SYNTHETIC_ENABLED")

	// ── Chain ──
	setBool(&cfg.Chain.Enabled, "ORACLE_CHAIN_ENABLED")
	setStr(&cfg.Chain.RPCURL, "ORACLE_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "ORACLE_CHAIN_CHAIN_ID")
	setStr(&cfg.Chain.GameAddress, "ORACLE_CHAIN_GAME_ADDRESS")
	setStr(&cfg.Chain.TokenAddress, "ORACLE_CHAIN_TOKEN_ADDRESS")
	setFloat64(&cfg.Chain.RequestsPerSecond, "ORACLE_CHAIN_REQUESTS_PER_SECOND")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "ORACLE_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "ORACLE_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "ORACLE_WALLET_KEY_PASSWORD")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "ORACLE_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "ORACLE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "ORACLE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ORACLE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ORACLE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ORACLE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ORACLE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ORACLE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ORACLE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ORACLE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ORACLE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ORACLE_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ORACLE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ORACLE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ORACLE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ORACLE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ORACLE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ORACLE_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.SeenTTL, "ORACLE_REDIS_SEEN_TTL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ORACLE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ORACLE_S3_REGION")
	setStr(&cfg.S3.Bucket, "ORACLE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ORACLE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ORACLE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ORACLE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ORACLE_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "ORACLE_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "ORACLE_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "ORACLE_ARCHIVE_RETENTION_DAYS")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "ORACLE_FEED_ENABLED")
	setStr(&cfg.Feed.Stream, "ORACLE_FEED_STREAM")
	setDuration(&cfg.Feed.PollInterval, "ORACLE_FEED_POLL_INTERVAL")
	setInt(&cfg.Feed.BatchSize, "ORACLE_FEED_BATCH_SIZE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ORACLE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ORACLE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ORACLE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ORACLE_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "ORACLE_SERVER_RATE_LIMIT")
	setInt(&cfg.Server.WagerRateLimit, "ORACLE_SERVER_WAGER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ORACLE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ORACLE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ORACLE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ORACLE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ORACLE_MODE")
	setStr(&cfg.LogLevel, "ORACLE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
