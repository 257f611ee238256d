package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/kursadbilgin/binding-engine/internal/cache"
	"github.com/kursadbilgin/binding-engine/internal/idgen"
	redisinfra "github.com/kursadbilgin/binding-engine/internal/infra/redis"
	"github.com/kursadbilgin/binding-engine/internal/lock"
	"github.com/kursadbilgin/binding-engine/internal/repository"
	"github.com/kursadbilgin/binding-engine/internal/shard"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// testEngine wires the real repositories, Redis lock and services over sqlite
// and miniredis.
type testEngine struct {
	db           *gorm.DB
	redis        *miniredis.Miniredis
	bindings     *repository.GormBindingRepo
	tasks        *repository.GormTaskRepo
	details      *repository.GormDetailRepo
	locks        *lock.Manager
	router       *shard.Router
	ids          idgen.Generator
	cache        *cache.MemoryCache
	coordinator  *Coordinator
	orchestrator *Orchestrator
	queries      *QueryService
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	dsn := fmt.Sprintf("file:engine_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&repository.PartitionModel{}, &repository.BatchTaskModel{}, &repository.BatchDetailModel{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := redisinfra.NewLockStore(client)
	if err != nil {
		t.Fatalf("NewLockStore() error = %v", err)
	}
	locks, err := lock.NewManager(store, lock.Options{
		WaitTimeout:  2 * time.Second,
		LeaseTime:    10 * time.Second,
		PollInterval: 5 * time.Millisecond,
		KeyPrefix:    "test:lock:",
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	router, err := shard.NewRouter(shard.DefaultBaseTable, shard.DefaultPrefixLength)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	ids, err := idgen.NewSnowflake(1)
	if err != nil {
		t.Fatalf("NewSnowflake() error = %v", err)
	}

	e := &testEngine{
		db:       db,
		redis:    mr,
		bindings: repository.NewGormBindingRepo(db, router),
		tasks:    repository.NewGormTaskRepo(db),
		details:  repository.NewGormDetailRepo(db),
		locks:    locks,
		router:   router,
		ids:      ids,
		cache:    cache.NewMemoryCache(cache.Options{TTL: time.Minute, Capacity: 100}),
	}

	e.coordinator, err = NewCoordinator(e.bindings, router, locks, ids, CoordinatorConfig{
		LockWaitTimeout: 2 * time.Second,
		LockLeaseTime:   10 * time.Second,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	e.coordinator.SetCache(e.cache)

	e.orchestrator, err = NewOrchestrator(e.tasks, e.details, e.coordinator, router, locks, ids, OrchestratorConfig{
		DetailPageSize: 4,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}

	e.queries, err = NewQueryService(e.bindings, router, QueryConfig{FanoutConcurrency: 4}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewQueryService() error = %v", err)
	}
	e.queries.SetCache(e.cache)

	return e
}

// newOrchestrator builds another Orchestrator over the same storage and locks, the
// way a second process would see them.
func (e *testEngine) newOrchestrator(t *testing.T, executor BindingExecutor, cfg OrchestratorConfig) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(e.tasks, e.details, executor, e.router, e.locks, e.ids, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	return o
}

func (e *testEngine) bind(t *testing.T, number, imsi string) {
	t.Helper()
	if _, err := e.coordinator.Bind(context.Background(), BindRequest{Number: number, IMSI: imsi}); err != nil {
		t.Fatalf("Bind(%s, %s) error = %v", number, imsi, err)
	}
}

func strPtr(s string) *string { return &s }

func int64Ptr(v int64) *int64 { return &v }
