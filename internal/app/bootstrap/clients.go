package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/slot-offer-engine/internal/config"
	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

// Infra holds the shared backend clients. Any of them may be absent.
type Infra struct {
	Pool  *pgxpool.Pool
	Redis *redis.Client
	AWS   *aws.Config
}

// Close releases whatever connections were opened.
func (i Infra) Close() {
	if i.Redis != nil {
		_ = i.Redis.Close()
	}
	if i.Pool != nil {
		i.Pool.Close()
	}
}

// Ping reports the first unreachable backend.
func (i Infra) Ping(ctx context.Context) error {
	if i.Pool != nil {
		if err := i.Pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if i.Redis != nil {
		if err := i.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// AWSLoader produces the SDK configuration on demand.
type AWSLoader func(ctx context.Context) (aws.Config, error)

// ConnectInfra opens the clients cfg asks for. Postgres and Redis failures are
// fatal only when the selected conversation store depends on them.
func ConnectInfra(ctx context.Context, cfg *appconfig.Config, loadAWS AWSLoader, logger *logging.Logger) (Infra, error) {
	if cfg == nil {
		return Infra{}, fmt.Errorf("bootstrap: config required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	var infra Infra

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pool, err := BuildPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			if cfg.ConversationStore == StorePostgres {
				return Infra{}, err
			}
			logger.Warn("postgres unavailable, continuing without it", "error", err)
		} else {
			infra.Pool = pool
		}
	}

	infra.Redis = BuildRedisClient(ctx, cfg, logger, true)
	if infra.Redis == nil && cfg.ConversationStore == StoreRedis {
		infra.Close()
		return Infra{}, fmt.Errorf("bootstrap: redis store selected but REDIS_ADDR %q is unreachable", cfg.RedisAddr)
	}

	if loadAWS != nil && needsAWS(cfg) {
		awsCfg, err := loadAWS(ctx)
		if err != nil {
			infra.Close()
			return Infra{}, fmt.Errorf("bootstrap: load aws config: %w", err)
		}
		infra.AWS = &awsCfg
	}
	return infra, nil
}

func needsAWS(cfg *appconfig.Config) bool {
	return cfg.ConversationStore == StoreDynamo ||
		strings.TrimSpace(cfg.OutcomeQueueURL) != "" ||
		cfg.EmailProvider == "ses"
}

// BuildPostgresPool connects and pings a pgx pool.
func BuildPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
	}
	return pool, nil
}

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}
