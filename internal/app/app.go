// SPDX-License-Identifier: Apache-2.0

// Package app wires configuration into a running engine. The api and worker
// binaries share it so both see the same store and policies.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adiadia/stagegate/internal/config"
	"github.com/adiadia/stagegate/internal/dependency"
	"github.com/adiadia/stagegate/internal/domain"
	"github.com/adiadia/stagegate/internal/gateway"
	"github.com/adiadia/stagegate/internal/notify"
	"github.com/adiadia/stagegate/internal/persistence/postgres"
	"github.com/adiadia/stagegate/internal/repository"
	"github.com/adiadia/stagegate/internal/repository/memory"
	"github.com/adiadia/stagegate/internal/review"
	"github.com/adiadia/stagegate/internal/stage"
	"github.com/google/uuid"
)

// Store is everything the engine persists, satisfied by both backends.
type Store interface {
	stage.EntityStore
	stage.StoryStore
	dependency.Store
	review.Store
	ListEventsAfter(ctx context.Context, entityID uuid.UUID, afterSeq int64) ([]domain.EventRecord, error)
	ResolveCursorByEventID(ctx context.Context, entityID uuid.UUID, eventID uuid.UUID) (int64, error)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}

type App struct {
	Config  *config.Config
	Store   Store
	Gateway *gateway.Gateway
	Gate    *review.Gate
	Engine  *stage.Engine
	// Readiness holds the checks served on /readyz.
	Readiness map[string]HealthChecker
	Logger    *slog.Logger

	closers []func()
}

// New opens the configured store, applies migrations when asked to and
// builds the engine. Close releases what New opened.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		Config:    cfg,
		Logger:    logger,
		Readiness: make(map[string]HealthChecker, 2),
	}

	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("using in-memory store; state is lost on restart")
		a.Store = memory.NewStore()
	default:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.PoolConfig{
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		a.closers = append(a.closers, pool.Close)

		if cfg.AutoMigrate {
			if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
				a.Close()
				return nil, fmt.Errorf("schema bootstrap: %w", err)
			}
		}
		a.Store = repository.NewStore(pool, logger)
		a.Readiness["schema"] = postgres.NewSchemaHealthChecker(pool)
	}

	gw, err := gateway.New(cfg.Gateway, gateway.Deps{Logger: logger})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("provider gateway: %w", err)
	}
	a.Gateway = gw
	a.Readiness["provider"] = gw

	gateDeps := review.Deps{Store: a.Store, Logger: logger}
	if n := notify.NewWebhookNotifier(notify.Deps{
		URL:    cfg.Notify.WebhookURL,
		Secret: cfg.Notify.WebhookSecret,
		Logger: logger,
	}); n != nil {
		gateDeps.Notifier = n
	}
	gate, err := review.NewGate(review.Config{
		ReviewTimeout:       cfg.Review.ReviewTimeout(),
		CleanupInterval:     cfg.Review.CleanupInterval(),
		MaxPendingPerEntity: cfg.Review.MaxPendingPerEntity,
	}, gateDeps)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Gate = gate

	a.Engine = stage.NewEngine(stage.EngineDeps{
		Entities:          a.Store,
		Stories:           a.Store,
		Validator:         dependency.NewValidator(a.Store, logger),
		Generator:         gw,
		Reviewer:          gate,
		Options:           StageOptions(cfg),
		ProcessingTimeout: cfg.ProcessingTimeout(),
		Logger:            logger,
	})
	return a, nil
}

// StageOptions resolves the per-stage review policy from configuration.
func StageOptions(cfg *config.Config) map[domain.Stage]stage.Options {
	opts := make(map[domain.Stage]stage.Options, len(domain.Stages))
	for _, s := range domain.Stages {
		opts[s] = stage.Options{AutoApprove: cfg.AutoApprove(s)}
	}
	return opts
}

// Sweeper returns the background loop that expires stale reviews and
// reconciles entities after each pass.
func (a *App) Sweeper() *review.Sweeper {
	return review.NewSweeper(review.SweeperDeps{
		Gate:      a.Gate,
		Interval:  a.Config.Review.CleanupInterval(),
		Reconcile: a.Engine.Reconcile,
		Logger:    a.Logger,
	})
}

// ReconcileOnStartup repairs entities left behind by a previous process.
// Failures are logged; the sweeper retries them on its next pass.
func (a *App) ReconcileOnStartup(ctx context.Context) {
	started := time.Now()
	if err := a.Engine.Reconcile(ctx); err != nil {
		a.Logger.Error("startup reconciliation failed", "error", err)
		return
	}
	a.Logger.Info("startup reconciliation complete", "duration_ms", time.Since(started).Milliseconds())
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
