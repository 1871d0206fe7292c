// Package config defines the top-level configuration for the oracle service
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ORACLE_* environment variables.
type Config struct {
	Cycle      CycleConfig      `toml:"cycle"`
	Scoring    ScoringConfig    `toml:"scoring"`
	Settlement SettlementConfig `toml:"settlement"`
	Market     MarketConfig     `toml:"market"`
	Chain      ChainConfig      `toml:"chain"`
	Wallet     WalletConfig     `toml:"wallet"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Archive    ArchiveConfig    `toml:"archive"`
	Feed       FeedConfig       `toml:"feed"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// CycleConfig controls cycle timing.
type CycleConfig struct {
	Duration    duration `toml:"duration"`
	Tick        duration `toml:"tick"`
	HistorySize int      `toml:"history_size"`
	// WagerCutoff closes wagering this long after a cycle opens; zero keeps
	// wagering open for the whole cycle.
	WagerCutoff duration `toml:"wager_cutoff"`
}

// ScoringConfig tunes the weighting engine and rate classifier.
type ScoringConfig struct {
	NeutralLow      float64            `toml:"neutral_low"`
	NeutralHigh     float64            `toml:"neutral_high"`
	ExtremeLow      float64            `toml:"extreme_low"`
	ExtremeHigh     float64            `toml:"extreme_high"`
	MaxWeight       float64            `toml:"max_weight"`
	CategoryWeights map[string]float64 `toml:"category_weights"`
}

// SettlementConfig holds the external-ledger retry budget.
type SettlementConfig struct {
	MaxRetries      int      `toml:"max_retries"`
	RetryDelay      duration `toml:"retry_delay"`
	Backoff         string   `toml:"backoff"`
	MaxDelay        duration `toml:"max_delay"`
	CallTimeout     duration `toml:"call_timeout"`
	AdjustSupply    bool     `toml:"adjust_supply"`
	BreakerFailures int      `toml:"breaker_failures"`
	BreakerCooldown duration `toml:"breaker_cooldown"`
}

// MarketConfig holds wager admission limits and pari-mutuel economics.
type MarketConfig struct {
	HouseEdgeBps    int             `toml:"house_edge_bps"`
	MinWager        int64           `toml:"min_wager"`
	MaxWager        int64           `toml:"max_wager"`
	StartingBalance int64           `toml:"starting_balance"`
	HistoryLimit    int             `toml:"history_limit"`
	Synthetic       SyntheticConfig `toml:"synthetic"`
}

// SyntheticConfig controls simulated liquidity on signal-path cycles.
type SyntheticConfig struct {
	Enabled bool  `toml:"enabled"`
	MinBots int   `toml:"min_bots"`
	MaxBots int   `toml:"max_bots"`
	Stake   int64 `toml:"stake"`
}

// ChainConfig describes the settlement contracts and RPC endpoint.
type ChainConfig struct {
	Enabled           bool     `toml:"enabled"`
	RPCURL            string   `toml:"rpc_url"`
	ChainID           int64    `toml:"chain_id"`
	GameAddress       string   `toml:"game_address"`
	TokenAddress      string   `toml:"token_address"`
	GasLimit          uint64   `toml:"gas_limit"`
	ConfirmTimeout    duration `toml:"confirm_timeout"`
	PollInterval      duration `toml:"poll_interval"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Decimals          int      `toml:"decimals"`
}

// WalletConfig holds the oracle signing key.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	StreamMaxLen int64    `toml:"stream_max_len"`
	SeenTTL      duration `toml:"seen_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls cold storage of settled cycles and wagers.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
}

// FeedConfig controls the scored-signal stream consumer.
type FeedConfig struct {
	Enabled       bool     `toml:"enabled"`
	Stream        string   `toml:"stream"`
	PollInterval  duration `toml:"poll_interval"`
	BatchSize     int      `toml:"batch_size"`
	DedupCapacity int      `toml:"dedup_capacity"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "2m", "10s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "2m" or "10s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
	// Per-participant wager admission limit.
	WagerRateLimit  int      `toml:"wager_rate_limit"`
	WagerRateWindow duration `toml:"wager_rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Cycle: CycleConfig{
			Duration:    duration{2 * time.Minute},
			Tick:        duration{time.Second},
			HistorySize: 100,
		},
		Scoring: ScoringConfig{
			NeutralLow:  40,
			NeutralHigh: 60,
			ExtremeLow:  15,
			ExtremeHigh: 85,
			MaxWeight:   0.7,
			CategoryWeights: map[string]float64{
				"politics": 1.5,
				"breaking": 1.5,
				"crypto":   1.4,
				"business": 1.3,
				"world":    1.0,
				"tech":     1.0,
				"science":  0.8,
				"sports":   0.6,
				"esports":  0.5,
			},
		},
		Settlement: SettlementConfig{
			MaxRetries:      3,
			RetryDelay:      duration{10 * time.Second},
			Backoff:         "fixed",
			MaxDelay:        duration{2 * time.Minute},
			CallTimeout:     duration{90 * time.Second},
			AdjustSupply:    true,
			BreakerFailures: 5,
			BreakerCooldown: duration{60 * time.Second},
		},
		Market: MarketConfig{
			HouseEdgeBps: 500,
			MinWager:     1,
			HistoryLimit: 20,
			Synthetic: SyntheticConfig{
				MinBots: 3,
				MaxBots: 10,
				Stake:   100,
			},
		},
		Chain: ChainConfig{
			GasLimit:          300_000,
			ConfirmTimeout:    duration{60 * time.Second},
			PollInterval:      duration{2 * time.Second},
			RequestsPerSecond: 5,
			Decimals:          18,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "oracle",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10000,
			SeenTTL:      duration{48 * time.Hour},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "oracle-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Interval:      duration{24 * time.Hour},
			RetentionDays: 30,
		},
		Feed: FeedConfig{
			Stream:        "signals:scored",
			PollInterval:  duration{2 * time.Second},
			BatchSize:     100,
			DedupCapacity: 500,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       120,
			RateWindow:      duration{time.Minute},
			WagerRateLimit:  10,
			WagerRateWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"cycle_abandoned", "supply_adjust_failed", "stale_refund"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":    true,
	"engine":  true,
	"archive": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, engine, archive)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Cycle
	if c.Cycle.Duration.Duration <= 0 {
		errs = append(errs, "cycle: duration must be > 0")
	}
	if c.Cycle.Tick.Duration <= 0 {
		errs = append(errs, "cycle: tick must be > 0")
	}
	if c.Cycle.WagerCutoff.Duration < 0 || (c.Cycle.WagerCutoff.Duration > 0 && c.Cycle.WagerCutoff.Duration >= c.Cycle.Duration.Duration) {
		errs = append(errs, "cycle: wager_cutoff must be 0 or shorter than duration")
	}

	// Scoring
	s := c.Scoring
	if !(0 <= s.NeutralLow && s.NeutralLow < s.NeutralHigh && s.NeutralHigh <= 100) {
		errs = append(errs, fmt.Sprintf("scoring: need 0 <= neutral_low < neutral_high <= 100, got %v/%v", s.NeutralLow, s.NeutralHigh))
	}
	if s.ExtremeLow < 0 || s.ExtremeHigh > 100 || s.ExtremeLow >= s.ExtremeHigh {
		errs = append(errs, "scoring: extreme_low must be below extreme_high within 0..100")
	}
	if s.MaxWeight < 0 || s.MaxWeight > 1 {
		errs = append(errs, "scoring: max_weight must be within 0..1")
	}
	for cat, w := range s.CategoryWeights {
		if w <= 0 {
			errs = append(errs, fmt.Sprintf("scoring: category weight for %q must be > 0", cat))
		}
	}

	// Settlement
	if c.Settlement.MaxRetries < 1 {
		errs = append(errs, "settlement: max_retries must be >= 1")
	}
	if c.Settlement.RetryDelay.Duration < 0 {
		errs = append(errs, "settlement: retry_delay must be >= 0")
	}
	if b := strings.ToLower(c.Settlement.Backoff); b != "fixed" && b != "exponential" {
		errs = append(errs, fmt.Sprintf("settlement: unknown backoff %q (valid: fixed, exponential)", c.Settlement.Backoff))
	}
	if c.Settlement.CallTimeout.Duration <= 0 {
		errs = append(errs, "settlement: call_timeout must be > 0")
	}
	if c.Settlement.BreakerFailures < 0 {
		errs = append(errs, "settlement: breaker_failures must be >= 0")
	}

	// Market
	m := c.Market
	if m.HouseEdgeBps < 0 || m.HouseEdgeBps >= 10_000 {
		errs = append(errs, fmt.Sprintf("market: house_edge_bps must be 0-9999, got %d", m.HouseEdgeBps))
	}
	if m.MinWager < 1 {
		errs = append(errs, "market: min_wager must be >= 1")
	}
	if m.MaxWager != 0 && m.MaxWager < m.MinWager {
		errs = append(errs, "market: max_wager must be 0 (no cap) or >= min_wager")
	}
	if m.StartingBalance < 0 {
		errs = append(errs, "market: starting_balance must be >= 0")
	}
	if m.Synthetic.Enabled {
		if m.Synthetic.MinBots < 0 || m.Synthetic.MaxBots < m.Synthetic.MinBots {
			errs = append(errs, "market.synthetic: need 0 <= min_bots <= max_bots")
		}
		if m.Synthetic.Stake <= 0 {
			errs = append(errs, "market.synthetic: stake must be > 0")
		}
	}

	// Chain and wallet. Archive mode never signs.
	if c.Chain.Enabled && mode != "archive" {
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url is required when enabled")
		}
		if c.Chain.ChainID <= 0 {
			errs = append(errs, "chain: chain_id must be positive")
		}
		if c.Chain.GameAddress == "" {
			errs = append(errs, "chain: game_address is required when enabled")
		}
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set when chain is enabled")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	// Postgres
	if c.Postgres.Enabled || mode == "archive" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be 0..pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Feed
	if c.Feed.Enabled {
		if !c.Redis.Enabled {
			errs = append(errs, "feed: requires redis.enabled")
		}
		if c.Feed.Stream == "" {
			errs = append(errs, "feed: stream must not be empty")
		}
	}

	// Archive
	if c.Archive.Enabled || mode == "archive" {
		if !c.Postgres.Enabled {
			errs = append(errs, "archive: requires postgres.enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if mode != "archive" && c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
