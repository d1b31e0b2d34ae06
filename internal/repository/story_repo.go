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
	"github.com/jackc/pgx/v5/pgxpool"
)

const storyColumns = `id, generation_id, idx, title, description, acceptance_criteria,
	priority, story_points, status, feedback, updated_at`

type StoryRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewStoryRepository(pool *pgxpool.Pool, logger *slog.Logger) *StoryRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &StoryRepository{
		pool:   pool,
		logger: logger,
	}
}

func (s *StoryRepository) SaveStories(ctx context.Context, stories []domain.UserStory) error {
	if len(stories) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, st := range stories {
		criteria, err := json.Marshal(st.AcceptanceCriteria)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO stories (`+storyColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`,
			st.ID, st.GenerationID, st.Index, st.Title, st.Description, string(criteria),
			st.Priority, st.StoryPoints, st.Status, st.Feedback, st.UpdatedAt,
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		s.logger.Error("begin tx failed", "error", err)
		return err
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		s.logger.Error("insert stories failed",
			"generation_id", stories[0].GenerationID,
			"count", len(stories),
			"error", err,
		)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		s.logger.Error("commit stories failed", "generation_id", stories[0].GenerationID, "error", err)
		return err
	}

	s.logger.Info("stories saved",
		"generation_id", stories[0].GenerationID,
		"count", len(stories),
	)
	return nil
}

func (s *StoryRepository) ListStories(ctx context.Context, generationID uuid.UUID) ([]domain.UserStory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+storyColumns+`
		FROM stories
		WHERE generation_id=$1
		ORDER BY idx ASC
	`, generationID)
	if err != nil {
		s.logger.Error("list stories query failed",
			"generation_id", generationID,
			"error", err,
		)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.UserStory, 0, 8)
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			s.logger.Error("scan story row failed",
				"generation_id", generationID,
				"error", err,
			)
			return nil, err
		}
		out = append(out, st)
	}

	if err := rows.Err(); err != nil {
		s.logger.Error("rows iteration failed",
			"generation_id", generationID,
			"error", err,
		)
		return nil, err
	}

	return out, nil
}

func (s *StoryRepository) GetStory(ctx context.Context, id uuid.UUID) (domain.UserStory, error) {
	st, err := scanStory(s.pool.QueryRow(ctx, `SELECT `+storyColumns+` FROM stories WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UserStory{}, domain.ErrStoryNotFound
		}
		s.logger.Error("get story failed", "story_id", id, "error", err)
		return domain.UserStory{}, err
	}
	return st, nil
}

func (s *StoryRepository) StoryByIndex(ctx context.Context, generationID uuid.UUID, index int) (domain.UserStory, error) {
	st, err := scanStory(s.pool.QueryRow(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE generation_id=$1 AND idx=$2`,
		generationID, index,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UserStory{}, domain.ErrStoryNotFound
		}
		s.logger.Error("get story by index failed", "generation_id", generationID, "index", index, "error", err)
		return domain.UserStory{}, err
	}
	return st, nil
}

// DecideStory moves a DRAFT story to status.
func (s *StoryRepository) DecideStory(ctx context.Context, id uuid.UUID, status domain.StoryStatus, feedback string, now time.Time) (domain.UserStory, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		s.logger.Error("begin tx failed", "error", err)
		return domain.UserStory{}, err
	}
	defer tx.Rollback(ctx)

	st, err := scanStory(tx.QueryRow(ctx, `
		UPDATE stories
		SET status=$3, feedback=$4, updated_at=$5
		WHERE id=$1 AND status=$2
		RETURNING `+storyColumns,
		id, domain.StoryDraft, status, feedback, now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM stories WHERE id=$1)`, id).Scan(&exists); err != nil {
			return domain.UserStory{}, err
		}
		if !exists {
			return domain.UserStory{}, domain.ErrStoryNotFound
		}
		return domain.UserStory{}, domain.ErrStoryAlreadyDecided
	}
	if err != nil {
		s.logger.Error("decide story failed", "story_id", id, "error", err)
		return domain.UserStory{}, err
	}

	typ := domain.EventStoryRejected
	if status == domain.StoryApproved {
		typ = domain.EventStoryApproved
	}
	if err := appendEvent(ctx, tx, st.GenerationID, typ, domain.StoryEventPayload(st)); err != nil {
		s.logger.Error("insert story event failed", "story_id", id, "error", err)
		return domain.UserStory{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		s.logger.Error("commit story decision failed", "story_id", id, "error", err)
		return domain.UserStory{}, err
	}
	return st, nil
}

// ApproveDraftStories approves the DRAFT stories of a generation. A nil
// indexes slice selects every story.
func (s *StoryRepository) ApproveDraftStories(ctx context.Context, generationID uuid.UUID, indexes []int, now time.Time) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		s.logger.Error("begin tx failed", "error", err)
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE stories
		SET status=$3, updated_at=$4
		WHERE generation_id=$1
		  AND status=$2
		  AND ($5::int[] IS NULL OR idx = ANY($5))
		RETURNING `+storyColumns,
		generationID, domain.StoryDraft, domain.StoryApproved, now, indexes,
	)
	if err != nil {
		s.logger.Error("approve stories failed", "generation_id", generationID, "error", err)
		return 0, err
	}

	var approved []domain.UserStory
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		approved = append(approved, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, st := range approved {
		if err := appendEvent(ctx, tx, generationID, domain.EventStoryApproved, domain.StoryEventPayload(st)); err != nil {
			s.logger.Error("insert story event failed", "story_id", st.ID, "error", err)
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		s.logger.Error("commit story approval failed", "generation_id", generationID, "error", err)
		return 0, err
	}
	return len(approved), nil
}

func scanStory(row pgx.Row) (domain.UserStory, error) {
	var (
		st       domain.UserStory
		criteria []byte
	)
	if err := row.Scan(
		&st.ID,
		&st.GenerationID,
		&st.Index,
		&st.Title,
		&st.Description,
		&criteria,
		&st.Priority,
		&st.StoryPoints,
		&st.Status,
		&st.Feedback,
		&st.UpdatedAt,
	); err != nil {
		return domain.UserStory{}, err
	}
	st.AcceptanceCriteria = []string{}
	if len(criteria) > 0 {
		if err := json.Unmarshal(criteria, &st.AcceptanceCriteria); err != nil {
			return domain.UserStory{}, err
		}
	}
	return st, nil
}
