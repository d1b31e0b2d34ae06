// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/adiadia/stagegate/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// eventPageSize caps one ListEventsAfter call. Streaming callers keep
// polling from the last seq, so a cap only delays the tail.
const eventPageSize = 500

// EventRepository reads the per-entity audit stream. Writes happen inside
// the entity and story transactions through appendEvent.
type EventRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewEventRepository(pool *pgxpool.Pool, logger *slog.Logger) *EventRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventRepository{pool: pool, logger: logger}
}

// ListEventsAfter returns up to eventPageSize events of one entity with a
// seq above afterSeq, oldest first.
func (r *EventRepository) ListEventsAfter(ctx context.Context, entityID uuid.UUID, afterSeq int64) ([]domain.EventRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, seq, entity_id, type, payload, created_at
		FROM events
		WHERE entity_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3
	`, entityID, afterSeq, eventPageSize)
	if err != nil {
		r.logger.Error("list events failed", "entity_id", entityID, "after_seq", afterSeq, "error", err)
		return nil, fmt.Errorf("list events: %w", err)
	}

	events, err := pgx.CollectRows(rows, pgx.RowToStructByPos[domain.EventRecord])
	if err != nil {
		r.logger.Error("read events failed", "entity_id", entityID, "error", err)
		return nil, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}

// ResolveCursorByEventID maps a Last-Event-ID back to its seq. An id that
// belongs to another entity is treated as unknown.
func (r *EventRepository) ResolveCursorByEventID(ctx context.Context, entityID uuid.UUID, eventID uuid.UUID) (int64, error) {
	var seq int64
	err := r.pool.QueryRow(ctx,
		`SELECT seq FROM events WHERE id = $1 AND entity_id = $2`,
		eventID, entityID,
	).Scan(&seq)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, domain.ErrEntityNotFound
	case err != nil:
		r.logger.Error("resolve event cursor failed", "entity_id", entityID, "event_id", eventID, "error", err)
		return 0, fmt.Errorf("resolve event cursor: %w", err)
	}
	return seq, nil
}

// appendEvent writes one audit event in the caller's transaction, so the
// event commits or rolls back with the state change it describes.
func appendEvent(ctx context.Context, tx pgx.Tx, entityID uuid.UUID, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO events (id, entity_id, type, payload) VALUES ($1, $2, $3, $4)`,
		uuid.New(), entityID, eventType, body,
	); err != nil {
		return fmt.Errorf("append %s event: %w", eventType, err)
	}
	return nil
}
