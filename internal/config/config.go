package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/kursadbilgin/binding-engine/internal/cache"
	"github.com/kursadbilgin/binding-engine/internal/shard"
)

const maxShardTablesLimit = 1000

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`
	// RabbitMQURL is only needed by the daemon and by CLI commands that dispatch tasks.
	RabbitMQURL string `env:"RABBITMQ_URL"`

	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS,default=25"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS,default=5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME,default=1h"`

	BindingBaseTable  string `env:"BINDING_BASE_TABLE,default=number_imsi_binding"`
	ShardPrefixLength int    `env:"SHARD_PREFIX_LENGTH,default=3"`
	MaxShardTables    int    `env:"MAX_SHARD_TABLES,default=1000"`
	FanoutConcurrency int    `env:"SHARD_FANOUT_CONCURRENCY,default=8"`

	LockWaitTimeout  time.Duration `env:"LOCK_WAIT_TIMEOUT,default=3s"`
	LockLeaseTime    time.Duration `env:"LOCK_LEASE_TIME,default=30s"`
	LockPollInterval time.Duration `env:"LOCK_POLL_INTERVAL,default=50ms"`
	LockKeyPrefix    string        `env:"LOCK_KEY_PREFIX,default=binding-engine:lock:"`

	CacheBackend  string        `env:"CACHE_BACKEND,default=memory"`
	CacheTTL      time.Duration `env:"CACHE_TTL,default=5m"`
	CacheCapacity int           `env:"CACHE_CAPACITY,default=10000"`

	BatchItemsPerSec      int           `env:"BATCH_ITEMS_PER_SEC,default=200"`
	TaskWorkerConcurrency int           `env:"TASK_WORKER_CONCURRENCY,default=4"`
	TaskLeaseTime         time.Duration `env:"TASK_LEASE_TIME,default=2m"`
	StaleTaskAfter        time.Duration `env:"STALE_TASK_AFTER,default=10m"`
	StaleScanInterval     time.Duration `env:"STALE_SCAN_INTERVAL,default=1m"`

	SnowflakeNode int64  `env:"SNOWFLAKE_NODE,default=1"`
	OpsPort       int    `env:"OPS_PORT,default=8081"`
	LogLevel      string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.ShardPrefixLength != shard.DefaultPrefixLength {
		return fmt.Errorf("invalid config: SHARD_PREFIX_LENGTH must be %d, got %d", shard.DefaultPrefixLength, c.ShardPrefixLength)
	}
	if c.MaxShardTables < 1 || c.MaxShardTables > maxShardTablesLimit {
		return fmt.Errorf("invalid config: MAX_SHARD_TABLES must be between 1 and %d, got %d", maxShardTablesLimit, c.MaxShardTables)
	}
	if c.LockLeaseTime <= 0 {
		return fmt.Errorf("invalid config: LOCK_LEASE_TIME must be positive")
	}
	if c.LockWaitTimeout < 0 {
		return fmt.Errorf("invalid config: LOCK_WAIT_TIMEOUT must not be negative")
	}
	if _, err := cache.ParseBackend(c.CacheBackend); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.SnowflakeNode < 0 || c.SnowflakeNode > 1023 {
		return fmt.Errorf("invalid config: SNOWFLAKE_NODE must be between 0 and 1023, got %d", c.SnowflakeNode)
	}
	return nil
}

// RequireBroker reports an error when no RabbitMQ URL is configured.
func (c *Config) RequireBroker() error {
	if strings.TrimSpace(c.RabbitMQURL) == "" {
		return fmt.Errorf("invalid config: RABBITMQ_URL is required")
	}
	return nil
}
