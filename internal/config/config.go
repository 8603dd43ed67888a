// Package config defines the top-level configuration for perpops and provides
// validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpops/internal/decimal"
	"github.com/alanyoungcy/perpops/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PERPOPS_* environment variables.
type Config struct {
	Stage       string            `toml:"stage"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
	Paths       PathsConfig       `toml:"paths"`
	Wallet      WalletConfig      `toml:"wallet"`
	Chain       ChainConfig       `toml:"chain"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Migrate     MigrateConfig     `toml:"migrate"`
	Relay       RelayConfig       `toml:"relay"`
	Rewards     RewardsConfig     `toml:"rewards"`
	Settlement  SettlementConfig  `toml:"settlement"`
	Healthcheck HealthcheckConfig `toml:"healthcheck"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
}

// PathsConfig locates files on disk.
type PathsConfig struct {
	// Settings holds settings/{stage}.json and metadata/{stage}.json.
	Settings string `toml:"settings"`
	// DeployConfig, when set, overrides the embedded stage TOML files.
	DeployConfig string `toml:"deploy_config"`
	// Artifacts holds compiled contract JSON files.
	Artifacts string `toml:"artifacts"`
}

// WalletConfig holds the deployer key. A raw key wins over an encrypted file.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ChainConfig holds the RPC endpoints of both layers and transaction
// parameters.
type ChainConfig struct {
	Layer1RPC     string   `toml:"layer1_rpc"`
	Layer2RPC     string   `toml:"layer2_rpc"`
	PollInterval  duration `toml:"poll_interval"`
	TxTimeout     duration `toml:"tx_timeout"`
	GasMultiplier float64  `toml:"gas_multiplier"`
}

// PostgresConfig holds PostgreSQL connection parameters. When disabled the
// in-memory stores are used.
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

// RedisConfig holds Redis connection parameters. When disabled locks, the
// price cache and the event bus are process-local.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters used to publish
// metadata.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// MigrateConfig controls the migrate mode.
type MigrateConfig struct {
	// Only limits the run to these migration ids; empty runs all.
	Only            []string `toml:"only"`
	LockTTL         duration `toml:"lock_ttl"`
	PublishMetadata bool     `toml:"publish_metadata"`
}

// RelayConfig controls the keeper tasks.
type RelayConfig struct {
	PriceFeedInterval   duration `toml:"price_feed_interval"`
	FundingInterval     duration `toml:"funding_interval"`
	LiquidationInterval duration `toml:"liquidation_interval"`
	// PriceFeedKeys defaults to every Chainlink key of the stage.
	PriceFeedKeys []string `toml:"price_feed_keys"`
	Liquidation   bool     `toml:"liquidation"`
}

// RewardsConfig configures the fee reward pool served by the serve mode.
// The pool is disabled while StakingToken is empty.
type RewardsConfig struct {
	PoolID       string   `toml:"pool_id"`
	Dispatcher   string   `toml:"dispatcher"`
	Duration     duration `toml:"duration"`
	StakingToken string   `toml:"staking_token"`
	RewardToken  string   `toml:"reward_token"`
}

// SettlementConfig configures the settlement engine served by the serve
// mode. Accounts default to the deployed layer 2 contracts.
type SettlementConfig struct {
	Enabled           bool   `toml:"enabled"`
	ClearingHouse     string `toml:"clearing_house"`
	InsuranceFund     string `toml:"insurance_fund"`
	TollPool          string `toml:"toll_pool"`
	ShutdownThreshold string `toml:"shutdown_threshold"`
	// PerpSupply is the governance token supply the inflation threshold is
	// measured against.
	PerpSupply string `toml:"perp_supply"`
	// SeedBalances credits USDC to accounts when the engine starts, keyed
	// by address.
	SeedBalances map[string]string `toml:"seed_balances"`
}

// HealthcheckConfig controls the status mode.
type HealthcheckConfig struct {
	// MetadataURL, when set, is fetched instead of the object store copy.
	MetadataURL string `toml:"metadata_url"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
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
	Port          int      `toml:"port"`
	CORSOrigins   []string `toml:"cors_origins"`
	APIKey        string   `toml:"api_key"`
	SigningSecret string   `toml:"signing_secret"`
	RateLimit     int      `toml:"rate_limit"`
	RateWindow    duration `toml:"rate_window"`

	// MutationRateLimit budgets POST/DELETE separately; zero reuses RateLimit.
	MutationRateLimit int  `toml:"mutation_rate_limit"`
	TrustProxyHeaders bool `toml:"trust_proxy_headers"`
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
		Stage:    string(domain.StageTest),
		Mode:     "serve",
		LogLevel: "info",
		Paths: PathsConfig{
			Settings:  ".",
			Artifacts: "artifacts",
		},
		Chain: ChainConfig{
			PollInterval:  duration{2 * time.Second},
			TxTimeout:     duration{5 * time.Minute},
			GasMultiplier: 1.2,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "perpops",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "perp-metadata",
			ForcePathStyle: true,
		},
		Migrate: MigrateConfig{
			LockTTL:         duration{30 * time.Minute},
			PublishMetadata: true,
		},
		Relay: RelayConfig{
			PriceFeedInterval:   duration{time.Minute},
			FundingInterval:     duration{time.Minute},
			LiquidationInterval: duration{30 * time.Second},
			Liquidation:         true,
		},
		Rewards: RewardsConfig{
			PoolID:   "fee-reward-pool",
			Duration: duration{7 * 24 * time.Hour},
		},
		Settlement: SettlementConfig{
			ShutdownThreshold: "0.1",
			PerpSupply:        "150000000",
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateWindow:  duration{time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"HealthcheckFailed", "MigrationFailed", "RelayFailed", "ShutdownAllAmms"},
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"migrate": true,
	"relay":   true,
	"status":  true,
	"serve":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// StageValue returns the configured stage.
func (c *Config) StageValue() domain.Stage { return domain.Stage(strings.ToLower(c.Stage)) }

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: migrate, relay, status, serve)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if !c.StageValue().Valid() {
		errs = append(errs, fmt.Sprintf("unknown stage %q (valid: production, staging, test)", c.Stage))
	}

	// Wallet: migrate and relay send transactions.
	if mode == "migrate" || mode == "relay" {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+mode)
		}
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	// Chain
	if mode == "migrate" && (c.Chain.Layer1RPC == "" || c.Chain.Layer2RPC == "") {
		errs = append(errs, "chain: layer1_rpc and layer2_rpc are required for mode migrate")
	}
	if (mode == "relay" || mode == "status") && c.Chain.Layer2RPC == "" {
		errs = append(errs, "chain: layer2_rpc is required for mode "+mode)
	}
	if mode == "relay" && c.Chain.Layer1RPC == "" {
		errs = append(errs, "chain: layer1_rpc is required to read Chainlink prices")
	}
	if c.Chain.GasMultiplier < 1 {
		errs = append(errs, "chain: gas_multiplier must be >= 1")
	}

	// Postgres
	if c.Postgres.Enabled {
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
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Relay
	if mode == "relay" {
		if c.Relay.PriceFeedInterval.Duration <= 0 || c.Relay.FundingInterval.Duration <= 0 {
			errs = append(errs, "relay: intervals must be > 0")
		}
		if c.Relay.Liquidation && c.Relay.LiquidationInterval.Duration <= 0 {
			errs = append(errs, "relay: liquidation_interval must be > 0")
		}
	}

	// Serve
	if mode == "serve" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
		if c.Rewards.StakingToken != "" {
			for _, f := range [][2]string{
				{"dispatcher", c.Rewards.Dispatcher},
				{"staking_token", c.Rewards.StakingToken},
				{"reward_token", c.Rewards.RewardToken},
			} {
				if !common.IsHexAddress(f[1]) {
					errs = append(errs, fmt.Sprintf("rewards: %s %q is not an address", f[0], f[1]))
				}
			}
			if c.Rewards.Duration.Duration < time.Second {
				errs = append(errs, "rewards: duration must be at least 1s")
			}
			if c.Chain.Layer1RPC == "" {
				errs = append(errs, "chain: layer1_rpc is required for the reward pool")
			}
		}
		if c.Settlement.Enabled {
			if _, err := decimal.Parse(c.Settlement.ShutdownThreshold); err != nil {
				errs = append(errs, fmt.Sprintf("settlement: shutdown_threshold: %v", err))
			}
			if _, err := decimal.Parse(c.Settlement.PerpSupply); err != nil {
				errs = append(errs, fmt.Sprintf("settlement: perp_supply: %v", err))
			}
			for _, f := range [][2]string{
				{"clearing_house", c.Settlement.ClearingHouse},
				{"insurance_fund", c.Settlement.InsuranceFund},
				{"toll_pool", c.Settlement.TollPool},
			} {
				if f[1] != "" && !common.IsHexAddress(f[1]) {
					errs = append(errs, fmt.Sprintf("settlement: %s %q is not an address", f[0], f[1]))
				}
			}
			for addr, amount := range c.Settlement.SeedBalances {
				if !common.IsHexAddress(addr) {
					errs = append(errs, fmt.Sprintf("settlement: seed_balances key %q is not an address", addr))
				}
				if _, err := decimal.Parse(amount); err != nil {
					errs = append(errs, fmt.Sprintf("settlement: seed_balances[%s]: %v", addr, err))
				}
			}
			if c.Chain.Layer1RPC == "" {
				errs = append(errs, "chain: layer1_rpc is required for settlement prices")
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
