// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store bundles the repositories behind one pool so it can be handed to
// every component that needs persistence.
type Store struct {
	*EntityRepository
	*StoryRepository
	*ReviewRepository
	*EventRepository
}

func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{
		EntityRepository: NewEntityRepository(pool, logger),
		StoryRepository:  NewStoryRepository(pool, logger),
		ReviewRepository: NewReviewRepository(pool, logger),
		EventRepository:  NewEventRepository(pool, logger),
	}
}
