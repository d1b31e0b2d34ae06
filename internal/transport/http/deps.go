// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/adiadia/stagegate/internal/dependency"
	"github.com/adiadia/stagegate/internal/domain"
	"github.com/adiadia/stagegate/internal/review"
	"github.com/adiadia/stagegate/internal/stage"
	"github.com/google/uuid"
)

type Pipeline interface {
	Start(ctx context.Context, s domain.Stage, upstreamID uuid.UUID, opts stage.StartOptions) (domain.Entity, error)
	CanStart(ctx context.Context, s domain.Stage, upstreamID uuid.UUID, t dependency.Target) (stage.CanStartResult, error)
	Status(ctx context.Context, id uuid.UUID) (stage.StatusView, error)
	Result(ctx context.Context, id uuid.UUID) (stage.Result, error)
	Stories(ctx context.Context, generationID uuid.UUID) ([]domain.UserStory, error)
	ApproveStory(ctx context.Context, storyID uuid.UUID) (domain.UserStory, error)
	RejectStory(ctx context.Context, storyID uuid.UUID, feedback string) (domain.UserStory, error)
	Workflow(ctx context.Context, requirementsID uuid.UUID) (stage.Workflow, error)
}

type ReviewQueue interface {
	GetPending(ctx context.Context) ([]domain.ReviewItem, error)
	Get(ctx context.Context, id uuid.UUID) (domain.ReviewItem, error)
	Approve(ctx context.Context, id uuid.UUID, in review.DecisionInput) (domain.ReviewItem, error)
	Reject(ctx context.Context, id uuid.UUID, in review.DecisionInput) (domain.ReviewItem, error)
}

type EventStreamer interface {
	ListEventsAfter(ctx context.Context, entityID uuid.UUID, afterSeq int64) ([]domain.EventRecord, error)
	ResolveCursorByEventID(ctx context.Context, entityID uuid.UUID, eventID uuid.UUID) (int64, error)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
