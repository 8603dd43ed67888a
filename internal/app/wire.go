package app

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"

	s3blob "github.com/alanyoungcy/perpops/internal/blob/s3"
	"github.com/alanyoungcy/perpops/internal/cache/redis"
	"github.com/alanyoungcy/perpops/internal/chain"
	"github.com/alanyoungcy/perpops/internal/config"
	"github.com/alanyoungcy/perpops/internal/crypto"
	"github.com/alanyoungcy/perpops/internal/deployconfig"
	"github.com/alanyoungcy/perpops/internal/domain"
	"github.com/alanyoungcy/perpops/internal/metrics"
	"github.com/alanyoungcy/perpops/internal/notify"
	"github.com/alanyoungcy/perpops/internal/server/handler"
	"github.com/alanyoungcy/perpops/internal/settings"
	"github.com/alanyoungcy/perpops/internal/store/memory"
	"github.com/alanyoungcy/perpops/internal/store/postgres"
)

// EventBus publishes engine events, streams them back out and keeps a
// replayable history per channel.
type EventBus interface {
	domain.EventPublisher
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// Dependencies bundles every dependency that the application modes need to
// operate. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	Settings     *settings.Dao
	DeployConfig *deployconfig.DeployConfig

	// Stores
	Checkpoints domain.CheckpointStore
	Audit       domain.AuditStore
	RewardState domain.RewardStateStore

	// Caches
	Locks   domain.LockManager
	Prices  domain.PriceCache
	Events  EventBus
	Limiter domain.RateLimiter // nil without Redis

	// Blob storage; nil without S3.
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader

	Metrics  *metrics.Metrics
	Notifier *notify.Notifier

	// Probes reported by the health endpoint.
	Probes map[string]handler.Pinger

	// Key signs layer transactions; nil when no wallet is configured.
	Key *ecdsa.PrivateKey
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources. Disabled backends fall back to
// the in-memory implementations.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	stage := cfg.StageValue()
	deps := &Dependencies{
		Checkpoints: memory.NewCheckpointStore(),
		Audit:       memory.NewAuditStore(),
		RewardState: memory.NewRewardStateStore(),
		Locks:       memory.NewLockManager(),
		Prices:      memory.NewPriceCache(),
		Events:      memory.NewEventBus(),
		Metrics:     metrics.New(),
		Probes:      make(map[string]handler.Pinger),
	}

	// --- PostgreSQL ---
	var records domain.ContractRecordStore
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
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.Checkpoints = postgres.NewCheckpointStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.RewardState = postgres.NewRewardStateStore(pool)
		records = postgres.NewContractRecordStore(pool)
		deps.Probes["postgres"] = pgClient.Ping
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
			KeyPrefix:  "perpops:" + string(stage),
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Locks = redis.NewLockManager(redisClient)
		deps.Prices = redis.NewPriceCache(redisClient)
		deps.Events = redis.NewEventBus(redisClient)
		deps.Limiter = redis.NewRateLimiter(redisClient)
		deps.Probes["redis"] = redisClient.Ping
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Probes["s3"] = s3Client.Health
	}

	// --- Settings and deploy config ---
	opts := []settings.Option{settings.WithLogger(logger)}
	if records != nil {
		opts = append(opts, settings.WithRecordStore(records))
	}
	dao, err := settings.Load(stage, cfg.Paths.Settings, opts...)
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	deps.Settings = dao

	dc, err := deployconfig.Load(stage, cfg.Paths.DeployConfig)
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	deps.DeployConfig = dc

	// --- Wallet ---
	if cfg.Wallet.PrivateKey != "" || cfg.Wallet.EncryptedKeyPath != "" {
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: wallet: %w", err))
		}
		deps.Key = key
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender("", cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL, "perpops"))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// dialLayer connects to the RPC endpoint of layer. The client signs with the
// wallet key when signing is true; it is read-only otherwise.
func (a *App) dialLayer(ctx context.Context, deps *Dependencies, layer domain.Layer, signing bool) (*chain.Client, error) {
	rpcURL := a.cfg.Chain.Layer1RPC
	if layer == domain.Layer2 {
		rpcURL = a.cfg.Chain.Layer2RPC
	}
	if rpcURL == "" {
		return nil, fmt.Errorf("app: no rpc endpoint for %s", layer)
	}

	var signer *crypto.Signer
	if signing && deps.Key != nil {
		chainID, err := deps.Settings.ChainID(layer)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		if chainID == 0 {
			return nil, fmt.Errorf("app: settings of %s have no chain id for %s", a.cfg.Stage, layer)
		}
		signer, err = crypto.NewSigner(deps.Key, big.NewInt(chainID))
		if err != nil {
			return nil, fmt.Errorf("app: signer for %s: %w", layer, err)
		}
	}

	client, err := chain.Dial(ctx, rpcURL, signer, chain.Config{
		Confirmations: deps.DeployConfig.Confirmations,
		PollInterval:  a.cfg.Chain.PollInterval.Duration,
		GasMultiplier: a.cfg.Chain.GasMultiplier,
		TxTimeout:     a.cfg.Chain.TxTimeout.Duration,
	}, a.logger.With(slog.String("layer", string(layer))))
	if err != nil {
		return nil, fmt.Errorf("app: %s: %w", layer, err)
	}
	a.closers = append(a.closers, client.Close)
	return client, nil
}
