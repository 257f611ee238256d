// Package app assembles the binding engine from configuration. Both the daemon and
// the operator CLI build their services through it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/binding-engine/internal/cache"
	"github.com/kursadbilgin/binding-engine/internal/config"
	"github.com/kursadbilgin/binding-engine/internal/idgen"
	"github.com/kursadbilgin/binding-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/binding-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/binding-engine/internal/infra/redis"
	"github.com/kursadbilgin/binding-engine/internal/lock"
	"github.com/kursadbilgin/binding-engine/internal/observability"
	"github.com/kursadbilgin/binding-engine/internal/queue"
	"github.com/kursadbilgin/binding-engine/internal/repository"
	"github.com/kursadbilgin/binding-engine/internal/service"
	"github.com/kursadbilgin/binding-engine/internal/shard"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const cacheNamespace = "binding-engine:cache:"

type Options struct {
	// Migrate runs schema migrations before the services are built.
	Migrate bool
	// Broker connects RabbitMQ so submitted tasks are dispatched to the queue.
	Broker bool
}

// Engine holds the wired services and the connections they share.
type Engine struct {
	Config  *config.Config
	Logger  *zap.Logger
	DB      *gorm.DB
	Redis   *goredis.Client
	Metrics *observability.Metrics
	Router  *shard.Router
	Locks   *lock.Manager

	Tasks        *repository.GormTaskRepo
	Coordinator  *service.Coordinator
	Queries      *service.QueryService
	Orchestrator *service.Orchestrator

	Broker    *queue.RabbitMQ
	Publisher queue.Publisher

	closers []func() error
}

func New(cfg *config.Config, logger *zap.Logger, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{Config: cfg, Logger: logger, Metrics: observability.NewMetrics()}
	if err := e.build(opts); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) build(opts Options) error {
	cfg := e.Config

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.PoolOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	e.DB = db
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	e.closers = append(e.closers, sqlDB.Close)

	if opts.Migrate {
		if err := migrations.Migrate(db); err != nil {
			return fmt.Errorf("database migrations failed: %w", err)
		}
	}

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	e.Redis = rdb
	e.closers = append(e.closers, rdb.Close)

	e.Router, err = shard.NewRouter(cfg.BindingBaseTable, cfg.ShardPrefixLength)
	if err != nil {
		return err
	}

	store, err := infraredis.NewLockStore(rdb)
	if err != nil {
		return err
	}
	e.Locks, err = lock.NewManager(store, lock.Options{
		WaitTimeout:  cfg.LockWaitTimeout,
		LeaseTime:    cfg.LockLeaseTime,
		PollInterval: cfg.LockPollInterval,
		KeyPrefix:    cfg.LockKeyPrefix,
	}, e.Logger)
	if err != nil {
		return err
	}
	e.Locks.SetMetrics(e.Metrics)

	ids, err := idgen.NewSnowflake(cfg.SnowflakeNode)
	if err != nil {
		return err
	}

	lookupCache, err := NewCache(cfg, rdb)
	if err != nil {
		return err
	}

	bindings := repository.NewGormBindingRepo(db, e.Router)
	e.Tasks = repository.NewGormTaskRepo(db)
	details := repository.NewGormDetailRepo(db)

	e.Coordinator, err = service.NewCoordinator(bindings, e.Router, e.Locks, ids, service.CoordinatorConfig{
		LockWaitTimeout:   cfg.LockWaitTimeout,
		LockLeaseTime:     cfg.LockLeaseTime,
		MaxShardTables:    cfg.MaxShardTables,
		FanoutConcurrency: cfg.FanoutConcurrency,
	}, e.Logger)
	if err != nil {
		return err
	}
	e.Coordinator.SetMetrics(e.Metrics)
	e.Coordinator.SetCache(lookupCache)

	e.Queries, err = service.NewQueryService(bindings, e.Router, service.QueryConfig{
		MaxShardTables:    cfg.MaxShardTables,
		FanoutConcurrency: cfg.FanoutConcurrency,
	}, e.Logger)
	if err != nil {
		return err
	}
	e.Queries.SetCache(lookupCache)

	e.Orchestrator, err = service.NewOrchestrator(e.Tasks, details, e.Coordinator, e.Router, e.Locks, ids, service.OrchestratorConfig{
		TaskLeaseTime: cfg.TaskLeaseTime,
	}, e.Logger)
	if err != nil {
		return err
	}
	e.Orchestrator.SetMetrics(e.Metrics)

	if cfg.BatchItemsPerSec > 0 {
		limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.BatchItemsPerSec)
		if err != nil {
			return err
		}
		e.Orchestrator.SetRateLimiter(limiter)
	}

	if opts.Broker {
		if err := cfg.RequireBroker(); err != nil {
			return err
		}
		broker, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
		if err != nil {
			return fmt.Errorf("rabbitmq initialization failed: %w", err)
		}
		e.Broker = broker
		e.closers = append(e.closers, broker.Close)

		e.Publisher = queue.NewRabbitMQPublisher(broker)
		e.Orchestrator.SetPublisher(e.Publisher)
	}

	return nil
}

// NewCache returns the lookup cache selected by CACHE_BACKEND.
func NewCache(cfg *config.Config, rdb goredis.UniversalClient) (cache.Cache, error) {
	backend, err := cache.ParseBackend(cfg.CacheBackend)
	if err != nil {
		return nil, err
	}
	if backend == cache.BackendRedis {
		return infraredis.NewCache(rdb, cacheNamespace, cfg.CacheTTL)
	}
	return cache.NewMemoryCache(cache.Options{TTL: cfg.CacheTTL, Capacity: cfg.CacheCapacity}), nil
}

// ReadinessChecks pings the stores every request path depends on.
func (e *Engine) ReadinessChecks() map[string]func(ctx context.Context) error {
	return map[string]func(ctx context.Context) error{
		"postgres": func(ctx context.Context) error {
			sqlDB, err := e.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"redis": func(ctx context.Context) error {
			return e.Redis.Ping(ctx).Err()
		},
	}
}

// Close releases connections in reverse order of opening.
func (e *Engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
