//go:build integration

// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/adiadia/stagegate/internal/domain"
	"github.com/adiadia/stagegate/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// freshDatabase creates an empty database for one test and drops it after.
func freshDatabase(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	baseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if baseURL == "" {
		t.Skip("set DATABASE_URL to run integration tests")
	}

	admin, err := pgxpool.New(ctx, baseURL)
	if err != nil {
		t.Skipf("cannot create admin pool: %v", err)
	}
	t.Cleanup(admin.Close)
	if err := admin.Ping(ctx); err != nil {
		t.Skipf("cannot reach database: %v", err)
	}

	name := "stagegate_migrate_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := admin.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil {
		t.Skipf("cannot create database: %v", err)
	}

	cfg, err := poolConfig(baseURL, PoolConfig{MaxConns: 2})
	if err != nil {
		t.Fatalf("pool config: %v", err)
	}
	cfg.ConnConfig.Database = name
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect to %s: %v", name, err)
	}

	t.Cleanup(func() {
		pool.Close()
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if _, err := admin.Exec(cleanupCtx, "DROP DATABASE IF EXISTS "+pgx.Identifier{name}.Sanitize()+" WITH (FORCE)"); err != nil {
			t.Logf("drop %s: %v", name, err)
		}
	})
	return pool
}

func TestEnsureSchemaIsIdempotentAndUsable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	pool := freshDatabase(t, ctx)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := SchemaReady(ctx, pool); err == nil {
		t.Fatal("empty database reported ready")
	}
	for run := 1; run <= 2; run++ {
		if err := EnsureSchema(ctx, pool, logger); err != nil {
			t.Fatalf("ensure schema run %d: %v", run, err)
		}
	}
	if err := NewSchemaHealthChecker(pool).Check(ctx); err != nil {
		t.Fatalf("health check after bootstrap: %v", err)
	}

	store := repository.NewStore(pool, logger)
	e := domain.NewEntity(domain.StageRequirements, nil, "migrate-test", time.Now().UTC())
	e.Status = domain.StatusProcessing
	if err := store.SaveEntity(ctx, e, ""); err != nil {
		t.Fatalf("save entity: %v", err)
	}
	events, err := store.ListEventsAfter(ctx, e.ID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Type != domain.EventStageStarted {
		t.Fatalf("expected one %s event, got %+v", domain.EventStageStarted, events)
	}
}

func TestEnsureSchemaDetectsDrift(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	pool := freshDatabase(t, ctx)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := EnsureSchema(ctx, pool, logger); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if _, err := pool.Exec(ctx, `UPDATE stagegate_schema_versions SET checksum = 'edited' WHERE version = '0001_init.sql'`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}

	err := EnsureSchema(ctx, pool, logger)
	if !errors.Is(err, ErrSchemaDrift) {
		t.Fatalf("expected ErrSchemaDrift, got %v", err)
	}
}

func TestSchemaReadyRequiresPendingReviewIndex(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	pool := freshDatabase(t, ctx)
	if err := EnsureSchema(ctx, pool, slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if _, err := pool.Exec(ctx, `DROP INDEX uq_reviews_pending_entity`); err != nil {
		t.Fatalf("drop index: %v", err)
	}

	err := SchemaReady(ctx, pool)
	if err == nil || !strings.Contains(err.Error(), "uq_reviews_pending_entity") {
		t.Fatalf("expected missing index error, got %v", err)
	}
}
