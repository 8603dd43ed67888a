package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PERPOPS_* environment variable overrides, and
// returns the final Config. A missing file leaves the defaults in place. The
// returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PERPOPS_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Stage, "PERPOPS_STAGE")
	setStr(&cfg.Mode, "PERPOPS_MODE")
	setStr(&cfg.LogLevel, "PERPOPS_LOG_LEVEL")

	// ── Paths ──
	setStr(&cfg.Paths.Settings, "PERPOPS_PATHS_SETTINGS")
	setStr(&cfg.Paths.DeployConfig, "PERPOPS_PATHS_DEPLOY_CONFIG")
	setStr(&cfg.Paths.Artifacts, "PERPOPS_PATHS_ARTIFACTS")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "PERPOPS_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "PERPOPS_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "PERPOPS_WALLET_KEY_PASSWORD")

	// ── Chain ──
	setStr(&cfg.Chain.Layer1RPC, "PERPOPS_CHAIN_LAYER1_RPC")
	setStr(&cfg.Chain.Layer2RPC, "PERPOPS_CHAIN_LAYER2_RPC")
	setDuration(&cfg.Chain.PollInterval, "PERPOPS_CHAIN_POLL_INTERVAL")
	setDuration(&cfg.Chain.TxTimeout, "PERPOPS_CHAIN_TX_TIMEOUT")
	setFloat64(&cfg.Chain.GasMultiplier, "PERPOPS_CHAIN_GAS_MULTIPLIER")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "PERPOPS_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "PERPOPS_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "PERPOPS_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PERPOPS_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PERPOPS_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PERPOPS_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PERPOPS_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PERPOPS_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PERPOPS_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PERPOPS_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PERPOPS_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "PERPOPS_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "PERPOPS_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PERPOPS_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PERPOPS_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PERPOPS_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PERPOPS_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PERPOPS_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "PERPOPS_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PERPOPS_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PERPOPS_S3_REGION")
	setStr(&cfg.S3.Bucket, "PERPOPS_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "PERPOPS_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "PERPOPS_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PERPOPS_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PERPOPS_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PERPOPS_S3_FORCE_PATH_STYLE")

	// ── Migrate ──
	setStringSlice(&cfg.Migrate.Only, "PERPOPS_MIGRATE_ONLY")
	setDuration(&cfg.Migrate.LockTTL, "PERPOPS_MIGRATE_LOCK_TTL")
	setBool(&cfg.Migrate.PublishMetadata, "PERPOPS_MIGRATE_PUBLISH_METADATA")

	// ── Relay ──
	setDuration(&cfg.Relay.PriceFeedInterval, "PERPOPS_RELAY_PRICE_FEED_INTERVAL")
	setDuration(&cfg.Relay.FundingInterval, "PERPOPS_RELAY_FUNDING_INTERVAL")
	setDuration(&cfg.Relay.LiquidationInterval, "PERPOPS_RELAY_LIQUIDATION_INTERVAL")
	setStringSlice(&cfg.Relay.PriceFeedKeys, "PERPOPS_RELAY_PRICE_FEED_KEYS")
	setBool(&cfg.Relay.Liquidation, "PERPOPS_RELAY_LIQUIDATION")

	// ── Rewards ──
	setStr(&cfg.Rewards.PoolID, "PERPOPS_REWARDS_POOL_ID")
	setStr(&cfg.Rewards.Dispatcher, "PERPOPS_REWARDS_DISPATCHER")
	setDuration(&cfg.Rewards.Duration, "PERPOPS_REWARDS_DURATION")
	setStr(&cfg.Rewards.StakingToken, "PERPOPS_REWARDS_STAKING_TOKEN")
	setStr(&cfg.Rewards.RewardToken, "PERPOPS_REWARDS_REWARD_TOKEN")

	// ── Settlement ──
	setBool(&cfg.Settlement.Enabled, "PERPOPS_SETTLEMENT_ENABLED")
	setStr(&cfg.Settlement.ClearingHouse, "PERPOPS_SETTLEMENT_CLEARING_HOUSE")
	setStr(&cfg.Settlement.InsuranceFund, "PERPOPS_SETTLEMENT_INSURANCE_FUND")
	setStr(&cfg.Settlement.TollPool, "PERPOPS_SETTLEMENT_TOLL_POOL")
	setStr(&cfg.Settlement.ShutdownThreshold, "PERPOPS_SETTLEMENT_SHUTDOWN_THRESHOLD")
	setStr(&cfg.Settlement.PerpSupply, "PERPOPS_SETTLEMENT_PERP_SUPPLY")

	// ── Healthcheck ──
	setStr(&cfg.Healthcheck.MetadataURL, "PERPOPS_HEALTHCHECK_METADATA_URL")

	// ── Server ──
	setInt(&cfg.Server.Port, "PERPOPS_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PERPOPS_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PERPOPS_SERVER_API_KEY")
	setStr(&cfg.Server.SigningSecret, "PERPOPS_SERVER_SIGNING_SECRET")
	setInt(&cfg.Server.RateLimit, "PERPOPS_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "PERPOPS_SERVER_RATE_WINDOW")
	setInt(&cfg.Server.MutationRateLimit, "PERPOPS_SERVER_MUTATION_RATE_LIMIT")
	setBool(&cfg.Server.TrustProxyHeaders, "PERPOPS_SERVER_TRUST_PROXY_HEADERS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PERPOPS_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PERPOPS_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PERPOPS_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PERPOPS_NOTIFY_EVENTS")
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
