// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/adiadia/stagegate/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	reviewColumns = `id, stage, entity_id, content, metadata, submitted_at, expires_at, status, decision`

	pendingReviewIndex = "uq_reviews_pending_entity"
	uniqueViolation    = "23505"
)

type ReviewRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewReviewRepository(pool *pgxpool.Pool, logger *slog.Logger) *ReviewRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &ReviewRepository{
		pool:   pool,
		logger: logger,
	}
}

// InsertReview relies on the partial unique index over pending reviews, so
// two concurrent submissions for one entity cannot both succeed.
func (r *ReviewRepository) InsertReview(ctx context.Context, item domain.ReviewItem) error {
	metadata, err := json.Marshal(item.Metadata)
	if err != nil {
		return err
	}
	if item.Metadata == nil {
		metadata = []byte(`{}`)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO reviews (`+reviewColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULL)
	`,
		item.ID,
		item.EntityRef.Stage,
		item.EntityRef.EntityID,
		item.Content,
		string(metadata),
		item.SubmittedAt,
		item.ExpiresAt,
		item.Status,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == pendingReviewIndex {
			return domain.ErrDuplicatePendingReview
		}
		r.logger.Error("insert review failed", "review_id", item.ID, "entity_id", item.EntityRef.EntityID, "error", err)
		return err
	}
	return nil
}

func (r *ReviewRepository) GetReview(ctx context.Context, id uuid.UUID) (domain.ReviewItem, error) {
	item, err := scanReview(r.pool.QueryRow(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ReviewItem{}, domain.ErrReviewNotFound
		}
		r.logger.Error("get review failed", "review_id", id, "error", err)
		return domain.ReviewItem{}, err
	}
	return item, nil
}

func (r *ReviewRepository) ListPendingReviews(ctx context.Context) ([]domain.ReviewItem, error) {
	return r.list(ctx, `
		SELECT `+reviewColumns+` FROM reviews
		WHERE status=$1
		ORDER BY submitted_at ASC, id ASC
	`, domain.ReviewPending)
}

func (r *ReviewRepository) ListStaleReviews(ctx context.Context, now time.Time) ([]domain.ReviewItem, error) {
	return r.list(ctx, `
		SELECT `+reviewColumns+` FROM reviews
		WHERE status=$1 AND expires_at <= $2
		ORDER BY submitted_at ASC, id ASC
	`, domain.ReviewPending, now)
}

func (r *ReviewRepository) LatestReviewForEntity(ctx context.Context, entityID uuid.UUID) (domain.ReviewItem, error) {
	item, err := scanReview(r.pool.QueryRow(ctx, `
		SELECT `+reviewColumns+` FROM reviews
		WHERE entity_id=$1
		ORDER BY submitted_at DESC, id DESC
		LIMIT 1
	`, entityID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ReviewItem{}, domain.ErrReviewNotFound
		}
		r.logger.Error("latest review failed", "entity_id", entityID, "error", err)
		return domain.ReviewItem{}, err
	}
	return item, nil
}

// DecideReview commits a decision only while the item is still PENDING.
func (r *ReviewRepository) DecideReview(ctx context.Context, id uuid.UUID, status domain.ReviewStatus, decision domain.ReviewDecision) (domain.ReviewItem, error) {
	body, err := json.Marshal(decision)
	if err != nil {
		return domain.ReviewItem{}, err
	}

	item, err := scanReview(r.pool.QueryRow(ctx, `
		UPDATE reviews
		SET status=$3, decision=$4
		WHERE id=$1 AND status=$2
		RETURNING `+reviewColumns,
		id, domain.ReviewPending, status, string(body),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetReview(ctx, id); getErr != nil {
			return domain.ReviewItem{}, getErr
		}
		return domain.ReviewItem{}, domain.ErrReviewAlreadyDecided
	}
	if err != nil {
		r.logger.Error("decide review failed", "review_id", id, "status", status, "error", err)
		return domain.ReviewItem{}, err
	}
	return item, nil
}

func (r *ReviewRepository) list(ctx context.Context, query string, args ...any) ([]domain.ReviewItem, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("list reviews query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ReviewItem, 0, 8)
	for rows.Next() {
		item, err := scanReview(rows)
		if err != nil {
			r.logger.Error("scan review row failed", "error", err)
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		r.logger.Error("reviews rows iteration failed", "error", err)
		return nil, err
	}
	return out, nil
}

func scanReview(row pgx.Row) (domain.ReviewItem, error) {
	var (
		item     domain.ReviewItem
		metadata []byte
		decision []byte
	)
	if err := row.Scan(
		&item.ID,
		&item.EntityRef.Stage,
		&item.EntityRef.EntityID,
		&item.Content,
		&metadata,
		&item.SubmittedAt,
		&item.ExpiresAt,
		&item.Status,
		&decision,
	); err != nil {
		return domain.ReviewItem{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &item.Metadata); err != nil {
			return domain.ReviewItem{}, err
		}
	}
	if len(decision) > 0 {
		var d domain.ReviewDecision
		if err := json.Unmarshal(decision, &d); err != nil {
			return domain.ReviewItem{}, err
		}
		item.Decision = &d
	}
	return item, nil
}
