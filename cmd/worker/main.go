// Command worker consumes chat reconciliation tasks and repairs drifted conversations.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dm-service/internal/app"
	"dm-service/internal/config"
	"dm-service/internal/obs"
	"dm-service/internal/observability"
	"dm-service/internal/queue"
	"dm-service/internal/rabbitmq"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.NewLogger("prod").Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.Env).With("component", "worker")

	if cfg.RedisURL == "" {
		logger.Error("REDIS_URL is required for the worker")
		os.Exit(1)
	}
	if cfg.StoreDriver == config.DriverMemory {
		logger.Error("worker needs a shared store", "driver", cfg.StoreDriver)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, "dm-worker", cfg.Env, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(tctx)
	}()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer publisher.Close()
	observability.SetPublisher(publisher)

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("app build failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	srv, err := queue.NewServer(cfg.RedisURL, cfg.AsynqConcurrency, logger)
	if err != nil {
		logger.Error("queue server failed", "error", err)
		os.Exit(1)
	}
	srv.Register(queue.TypeReconcile, queue.NewReconcileHandler(a.Service, logger))

	logger.Info("worker started", "concurrency", cfg.AsynqConcurrency)
	if err := srv.Run(ctx); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
