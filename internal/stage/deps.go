// SPDX-License-Identifier: Apache-2.0

package stage

import (
	"context"
	"time"

	"github.com/adiadia/stagegate/internal/dependency"
	"github.com/adiadia/stagegate/internal/domain"
	"github.com/adiadia/stagegate/internal/gateway"
	"github.com/adiadia/stagegate/internal/review"
	"github.com/google/uuid"
)

type EntityStore interface {
	SaveEntity(ctx context.Context, e domain.Entity, prev domain.Status) error
	LoadEntity(ctx context.Context, id uuid.UUID) (domain.Entity, error)
	ListAttempts(ctx context.Context, key domain.AttemptKey) ([]domain.Entity, error)
	ListByParent(ctx context.Context, parentID uuid.UUID) ([]domain.Entity, error)
	ListByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Entity, error)
}

type StoryStore interface {
	SaveStories(ctx context.Context, stories []domain.UserStory) error
	ListStories(ctx context.Context, generationID uuid.UUID) ([]domain.UserStory, error)
	GetStory(ctx context.Context, id uuid.UUID) (domain.UserStory, error)
	DecideStory(ctx context.Context, id uuid.UUID, status domain.StoryStatus, feedback string, now time.Time) (domain.UserStory, error)
	ApproveDraftStories(ctx context.Context, generationID uuid.UUID, indexes []int, now time.Time) (int, error)
}

type Validator interface {
	Validate(ctx context.Context, stage domain.Stage, upstreamID uuid.UUID, t dependency.Target) (dependency.Chain, error)
}

type Generator interface {
	Call(ctx context.Context, req gateway.Request) (gateway.Response, error)
}

type Reviewer interface {
	Submit(ctx context.Context, ref domain.EntityRef, content string, metadata map[string]string) (uuid.UUID, error)
	Get(ctx context.Context, id uuid.UUID) (domain.ReviewItem, error)
	LatestForEntity(ctx context.Context, entityID uuid.UUID) (domain.ReviewItem, error)
	Withdraw(ctx context.Context, id uuid.UUID) error
	Subscribe(stage domain.Stage, h review.Handler)
	CheckSelection(stage domain.Stage, c review.SelectionCheck)
}
