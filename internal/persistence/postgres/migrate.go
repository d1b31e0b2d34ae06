// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/adiadia/stagegate/migrations"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrationLockKey serializes EnsureSchema across api and worker processes
// starting against the same database.
const migrationLockKey int64 = 0x5354475f4d494752 // "STG_MIGR"

// ErrSchemaDrift means an applied migration no longer matches the embedded
// file with the same name.
var ErrSchemaDrift = errors.New("schema drift")

// schemaExpectations lists the columns the stores query directly. A missing
// entry means the database predates a migration that was never applied.
var schemaExpectations = map[string][]string{
	"entities": {"id", "stage", "parent_id", "correlation_id", "status", "story_index", "attempt", "review_id"},
	"stories":  {"generation_id", "idx", "status"},
	"reviews":  {"entity_id", "status", "expires_at", "decision"},
	"events":   {"seq", "entity_id", "type"},
}

// requiredIndexes back invariants the stores rely on rather than speed.
var requiredIndexes = []string{
	"uq_reviews_pending_entity",
}

type SchemaHealthChecker struct {
	pool *pgxpool.Pool
}

func NewSchemaHealthChecker(pool *pgxpool.Pool) *SchemaHealthChecker {
	return &SchemaHealthChecker{pool: pool}
}

func (h *SchemaHealthChecker) Check(ctx context.Context) error {
	return SchemaReady(ctx, h.pool)
}

type appliedMigration struct {
	Version  string
	Checksum string
}

// EnsureSchema applies pending embedded migrations under an advisory lock
// and then verifies the result with SchemaReady.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if pool == nil {
		return errors.New("nil database pool")
	}
	if logger == nil {
		logger = slog.Default()
	}

	files, err := migrations.Ordered()
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	if len(files) == 0 {
		return errors.New("no embedded migrations found")
	}

	started := time.Now()
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("take migration lock: %w", err)
	}
	defer func() {
		// The request context may already be done; the lock must still go.
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			logger.Error("release migration lock failed", "error", err)
		}
	}()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS stagegate_schema_versions (
			version    TEXT PRIMARY KEY,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("create version table: %w", err)
	}

	rows, err := conn.Query(ctx, `SELECT version, checksum FROM stagegate_schema_versions`)
	if err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}
	applied, err := pgx.CollectRows(rows, pgx.RowToStructByPos[appliedMigration])
	if err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}
	known := make(map[string]string, len(applied))
	for _, a := range applied {
		known[a.Version] = a.Checksum
	}

	var pending []migrations.File
	for _, f := range files {
		sum, ok := known[f.Name]
		if !ok {
			pending = append(pending, f)
			continue
		}
		if sum != f.Checksum {
			return fmt.Errorf("%w: %s was applied with checksum %s, embedded file has %s", ErrSchemaDrift, f.Name, short(sum), short(f.Checksum))
		}
	}

	for _, f := range pending {
		logger.Info("applying migration", "version", f.Name)
		if err := pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, f.SQL, pgx.QueryExecModeSimpleProtocol); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO stagegate_schema_versions (version, checksum) VALUES ($1, $2)`,
				f.Name, f.Checksum)
			return err
		}); err != nil {
			return fmt.Errorf("apply migration %s: %w", f.Name, err)
		}
	}

	logger.Info("schema up to date",
		"applied", len(pending),
		"already_applied", len(files)-len(pending),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return SchemaReady(ctx, pool)
}

// SchemaReady checks that every expected column and invariant index exists.
// It never modifies the database.
func SchemaReady(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("nil database pool")
	}

	rows, err := pool.Query(ctx, `
		SELECT table_name, column_name
		FROM information_schema.columns
		WHERE table_schema = current_schema()
		  AND table_name = ANY($1)
	`, slices.Sorted(maps.Keys(schemaExpectations)))
	if err != nil {
		return fmt.Errorf("inspect columns: %w", err)
	}
	present := make(map[string]bool)
	var table, column string
	if _, err := pgx.ForEachRow(rows, []any{&table, &column}, func() error {
		present[table+"."+column] = true
		return nil
	}); err != nil {
		return fmt.Errorf("inspect columns: %w", err)
	}

	var missing []string
	for t, cols := range schemaExpectations {
		for _, c := range cols {
			if !present[t+"."+c] {
				missing = append(missing, t+"."+c)
			}
		}
	}

	for _, idx := range requiredIndexes {
		var found bool
		if err := pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE schemaname = current_schema() AND indexname = $1)`,
			idx).Scan(&found); err != nil {
			return fmt.Errorf("inspect index %s: %w", idx, err)
		}
		if !found {
			missing = append(missing, "index "+idx)
		}
	}

	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("schema incomplete, missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

func short(checksum string) string {
	if len(checksum) > 12 {
		return checksum[:12]
	}
	return checksum
}
