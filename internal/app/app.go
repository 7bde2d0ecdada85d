// Package app assembles the storage backend, identity directory and messaging service
// shared by the API server and the reconciliation worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"dm-service/internal/config"
	"dm-service/internal/db"
	"dm-service/internal/handlers"
	"dm-service/internal/identity"
	"dm-service/internal/messaging"
	"dm-service/internal/models"
	"dm-service/internal/repositories"
	"dm-service/internal/store"
	"dm-service/internal/store/memory"
	"dm-service/internal/store/postgres"
	redisstore "dm-service/internal/store/redis"
)

const redisKeyPrefix = "dm:"

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Store     store.Store
	Service   *messaging.Service
	Directory identity.Directory
	Checks    map[string]handlers.HealthCheck

	closers []func() error
}

// Build selects the store driver from cfg and wires the messaging service on top of it.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Checks: map[string]handlers.HealthCheck{}}

	var database *sqlx.DB
	if cfg.DatabaseDSN != "" {
		conn, err := db.Connect(ctx, cfg.DatabaseDSN, logger)
		if err != nil {
			return nil, err
		}
		database = conn
		a.closers = append(a.closers, conn.Close)
		a.Checks["postgres"] = conn.PingContext
	}

	switch cfg.StoreDriver {
	case config.DriverMemory:
		a.Store = memory.New()
	case config.DriverPostgres:
		s := postgres.New(database, logger)
		if err := s.Listen(cfg.DatabaseDSN); err != nil {
			a.Close()
			return nil, fmt.Errorf("listen for changes: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		a.Store = s
	case config.DriverRedis:
		client, err := redisstore.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		a.Checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }

		s := redisstore.New(client, redisKeyPrefix, logger)
		if err := s.Listen(ctx); err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		a.Store = s
	default:
		a.Close()
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}

	if database != nil {
		a.Directory = identity.NewPgDirectory(database)
	} else {
		users, err := identity.ParseStatic(cfg.StaticUsers)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse STATIC_USERS: %w", err)
		}
		a.Directory = identity.NewStaticDirectory(users...)
	}

	chatLists := repositories.NewChatListRepo(a.Store, cfg.UnreadStrategy)
	if chatLists.Strategy() != cfg.UnreadStrategy {
		logger.Warn("unread strategy degraded", "requested", cfg.UnreadStrategy, "effective", chatLists.Strategy(), "driver", cfg.StoreDriver)
	}

	a.Service = messaging.New(
		repositories.NewMessageRepo(a.Store),
		repositories.NewConversationRepo(a.Store),
		chatLists,
		messaging.Config{
			SupportAlias:   cfg.SupportAlias,
			SupportProfile: models.Profile{Name: cfg.SupportName, Email: cfg.SupportEmail},
		},
		logger,
	)

	logger.Info("messaging wired", "driver", cfg.StoreDriver, "unread_strategy", chatLists.Strategy(), "support_alias", a.Service.SupportAlias())
	return a, nil
}

// Close releases every resource Build opened.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
