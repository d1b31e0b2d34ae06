// SPDX-License-Identifier: Apache-2.0

// Package repository persists pipeline state in Postgres. Every status change
// writes its audit event in the same transaction.
package repository

import (
	"context"
	"errors"
	"log/slog"

	"github.com/adiadia/stagegate/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entityColumns = `id, stage, parent_id, correlation_id, status, content, raw_response,
	review_id, feedback, failure_reason, story_index, attempt, input, created_at, updated_at`

type EntityRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewEntityRepository(pool *pgxpool.Pool, logger *slog.Logger) *EntityRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &EntityRepository{
		pool:   pool,
		logger: logger,
	}
}

// SaveEntity inserts e when prev is empty. Otherwise the row is updated only
// while its status still equals prev, and domain.ErrEntityConflict is
// returned when it does not.
func (r *EntityRepository) SaveEntity(ctx context.Context, e domain.Entity, prev domain.Status) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return err
	}
	defer tx.Rollback(ctx)

	changed := true
	if prev == "" {
		tag, err := tx.Exec(ctx, `
			INSERT INTO entities (`+entityColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
			ON CONFLICT (id) DO NOTHING
		`,
			e.ID, e.Stage, e.ParentID, e.CorrelationID, e.Status, e.Content, e.RawResponse,
			e.ReviewID, e.Feedback, e.FailureReason, e.StoryIndex, e.Attempt, nullJSON(e.Input),
			e.CreatedAt, e.UpdatedAt,
		)
		if err != nil {
			r.logger.Error("insert entity failed", "entity_id", e.ID, "error", err)
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrEntityConflict
		}
	} else {
		tag, err := tx.Exec(ctx, `
			UPDATE entities
			SET status=$3, content=$4, raw_response=$5, review_id=$6, feedback=$7,
			    failure_reason=$8, attempt=$9, updated_at=$10
			WHERE id=$1 AND status=$2
		`,
			e.ID, prev, e.Status, e.Content, e.RawResponse, e.ReviewID, e.Feedback,
			e.FailureReason, e.Attempt, e.UpdatedAt,
		)
		if err != nil {
			r.logger.Error("update entity failed", "entity_id", e.ID, "error", err)
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM entities WHERE id=$1)`, e.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return domain.ErrEntityNotFound
			}
			return domain.ErrEntityConflict
		}
		changed = prev != e.Status
	}

	if changed {
		if typ, ok := domain.EventForStatus(e.Status); ok {
			if err := appendEvent(ctx, tx, e.ID, typ, domain.StatusEventPayload(e)); err != nil {
				r.logger.Error("insert status event failed", "entity_id", e.ID, "error", err)
				return err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit entity failed", "entity_id", e.ID, "error", err)
		return err
	}
	return nil
}

func (r *EntityRepository) LoadEntity(ctx context.Context, id uuid.UUID) (domain.Entity, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE id=$1`, id)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Entity{}, domain.ErrEntityNotFound
		}
		r.logger.Error("load entity failed", "entity_id", id, "error", err)
		return domain.Entity{}, err
	}
	return e, nil
}

// LoadAncestorChain returns id followed by its ancestors, nearest first.
func (r *EntityRepository) LoadAncestorChain(ctx context.Context, id uuid.UUID) ([]domain.Entity, error) {
	rows, err := r.pool.Query(ctx, `
		WITH RECURSIVE chain AS (
			SELECT `+entityColumns+`, 0 AS depth FROM entities WHERE id=$1
			UNION ALL
			SELECT `+prefixed("e")+`, c.depth + 1
			FROM entities e
			JOIN chain c ON e.id = c.parent_id
			WHERE c.depth < $2
		)
		SELECT `+entityColumns+` FROM chain ORDER BY depth ASC
	`, id, len(domain.Stages))
	if err != nil {
		r.logger.Error("load ancestor chain failed", "entity_id", id, "error", err)
		return nil, err
	}
	out, err := collectEntities(rows)
	if err != nil {
		r.logger.Error("scan ancestor chain failed", "entity_id", id, "error", err)
		return nil, err
	}
	if len(out) == 0 {
		return nil, domain.ErrEntityNotFound
	}
	return out, nil
}

func (r *EntityRepository) ListAttempts(ctx context.Context, key domain.AttemptKey) ([]domain.Entity, error) {
	if !key.Grouped() {
		return nil, nil
	}

	var (
		rows pgx.Rows
		err  error
	)
	if key.ParentID != nil {
		rows, err = r.pool.Query(ctx, `
			SELECT `+entityColumns+` FROM entities
			WHERE stage=$1 AND parent_id=$2 AND story_index IS NOT DISTINCT FROM $3
			ORDER BY attempt ASC, created_at ASC
		`, key.Stage, *key.ParentID, key.StoryIndex)
	} else {
		rows, err = r.pool.Query(ctx, `
			SELECT `+entityColumns+` FROM entities
			WHERE stage=$1 AND parent_id IS NULL AND correlation_id=$2 AND story_index IS NOT DISTINCT FROM $3
			ORDER BY attempt ASC, created_at ASC
		`, key.Stage, key.CorrelationID, key.StoryIndex)
	}
	if err != nil {
		r.logger.Error("list attempts failed", "key", key.String(), "error", err)
		return nil, err
	}
	return collectEntities(rows)
}

func (r *EntityRepository) ListByParent(ctx context.Context, parentID uuid.UUID) ([]domain.Entity, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE parent_id=$1
		ORDER BY attempt ASC, created_at ASC
	`, parentID)
	if err != nil {
		r.logger.Error("list children failed", "parent_id", parentID, "error", err)
		return nil, err
	}
	return collectEntities(rows)
}

func (r *EntityRepository) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Entity, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE status = ANY($1)
		ORDER BY attempt ASC, created_at ASC
	`, names)
	if err != nil {
		r.logger.Error("list entities by status failed", "statuses", names, "error", err)
		return nil, err
	}
	return collectEntities(rows)
}

func scanEntity(row pgx.Row) (domain.Entity, error) {
	var (
		e     domain.Entity
		input []byte
	)
	if err := row.Scan(
		&e.ID,
		&e.Stage,
		&e.ParentID,
		&e.CorrelationID,
		&e.Status,
		&e.Content,
		&e.RawResponse,
		&e.ReviewID,
		&e.Feedback,
		&e.FailureReason,
		&e.StoryIndex,
		&e.Attempt,
		&input,
		&e.CreatedAt,
		&e.UpdatedAt,
	); err != nil {
		return domain.Entity{}, err
	}
	if len(input) > 0 {
		e.Input = input
	}
	return e, nil
}

func collectEntities(rows pgx.Rows) ([]domain.Entity, error) {
	defer rows.Close()

	out := make([]domain.Entity, 0, 4)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func prefixed(alias string) string {
	return alias + `.id, ` + alias + `.stage, ` + alias + `.parent_id, ` + alias + `.correlation_id, ` +
		alias + `.status, ` + alias + `.content, ` + alias + `.raw_response, ` + alias + `.review_id, ` +
		alias + `.feedback, ` + alias + `.failure_reason, ` + alias + `.story_index, ` + alias + `.attempt, ` +
		alias + `.input, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
