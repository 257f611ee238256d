package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
	"github.com/kursadbilgin/binding-engine/internal/app"
	"github.com/kursadbilgin/binding-engine/internal/config"
	"github.com/kursadbilgin/binding-engine/internal/handler"
	"github.com/kursadbilgin/binding-engine/internal/observability"
	"github.com/kursadbilgin/binding-engine/internal/queue"
	"github.com/kursadbilgin/binding-engine/internal/service"
	"github.com/kursadbilgin/binding-engine/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}
	if err := cfg.RequireBroker(); err != nil {
		log.Fatal(err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	engine, err := app.New(cfg, logger, app.Options{Migrate: true, Broker: true})
	if err != nil {
		logger.Fatal("engine initialization failed", zap.Error(err))
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error("engine close failed", zap.Error(err))
		}
	}()

	consumer := queue.NewRabbitMQConsumer(engine.Broker, cfg.TaskWorkerConcurrency, logger)
	worker, err := service.NewTaskWorker(engine.Orchestrator, consumer, cfg.TaskWorkerConcurrency, logger)
	if err != nil {
		logger.Fatal("task worker initialization failed", zap.Error(err))
	}

	scanner, err := service.NewStaleTaskScanner(engine.Tasks, engine.Publisher, cfg.StaleScanInterval, cfg.StaleTaskAfter, 0, logger)
	if err != nil {
		logger.Fatal("stale task scanner initialization failed", zap.Error(err))
	}
	scanner.SetMetrics(engine.Metrics)

	ops := newOpsServer(engine, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Start(groupCtx) })
	g.Go(func() error { return scanner.Start(groupCtx) })
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.OpsPort)
		logger.Info("ops server listening", zap.String("addr", addr))
		if err := ops.Listen(addr); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		return ops.ShutdownWithTimeout(shutdownTimeout)
	})

	logger.Info("binding engine started",
		zap.Int("workers", cfg.TaskWorkerConcurrency),
		zap.Strings("queues", queue.WorkQueueNames()),
	)

	if err := g.Wait(); err != nil {
		logger.Error("binding engine stopped with error", zap.Error(err))
		return
	}
	logger.Info("binding engine stopped")
}

func newOpsServer(engine *app.Engine, logger *zap.Logger) *fiber.App {
	ops := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	ops.Use(engine.Metrics.HTTPMiddleware())

	checks := make(map[string]handler.Check)
	for name, check := range engine.ReadinessChecks() {
		checks[name] = check
	}
	handler.RegisterOpsRoutes(ops, checks, engine.Metrics.Handler())
	return ops
}
