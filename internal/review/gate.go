// SPDX-License-Identifier: Apache-2.0

// Package review holds generated output until a human approves or rejects
// it, or until it expires.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adiadia/stagegate/internal/domain"
	"github.com/adiadia/stagegate/internal/metrics"
	"github.com/google/uuid"
)

const (
	DefaultReviewTimeout   = 72 * time.Hour
	DefaultCleanupInterval = 15 * time.Minute

	systemDecider = "system"
)

type Store interface {
	InsertReview(ctx context.Context, item domain.ReviewItem) error
	GetReview(ctx context.Context, id uuid.UUID) (domain.ReviewItem, error)
	ListPendingReviews(ctx context.Context) ([]domain.ReviewItem, error)
	ListStaleReviews(ctx context.Context, now time.Time) ([]domain.ReviewItem, error)
	LatestReviewForEntity(ctx context.Context, entityID uuid.UUID) (domain.ReviewItem, error)
	DecideReview(ctx context.Context, id uuid.UUID, status domain.ReviewStatus, decision domain.ReviewDecision) (domain.ReviewItem, error)
}

// Handler is told about every committed decision for the stages it
// subscribed to.
type Handler func(ctx context.Context, item domain.ReviewItem) error

// SelectionCheck validates the story indexes of an approval before it is
// committed.
type SelectionCheck func(ctx context.Context, item domain.ReviewItem, storyIndexes []int) error

type Config struct {
	ReviewTimeout       time.Duration
	CleanupInterval     time.Duration
	MaxPendingPerEntity int
}

// Notifier is told about submitted and decided items outside the request
// path. Delivery failures never affect the review itself.
type Notifier interface {
	ReviewEvent(ctx context.Context, event string, item domain.ReviewItem)
}

const (
	EventSubmitted = "review.submitted"
	EventDecided   = "review.decided"
)

type Deps struct {
	Store    Store
	Notifier Notifier
	Logger   *slog.Logger
	Now      func() time.Time
}

type DecisionInput struct {
	Feedback     string
	DecidedBy    string
	StoryIndexes []int
}

type Gate struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
	timeout  time.Duration

	mu         sync.RWMutex
	handlers   map[domain.Stage]Handler
	selections map[domain.Stage]SelectionCheck
}

func NewGate(cfg Config, deps Deps) (*Gate, error) {
	if deps.Store == nil {
		return nil, errors.New("review gate: store is required")
	}
	if cfg.MaxPendingPerEntity != 0 && cfg.MaxPendingPerEntity != 1 {
		return nil, fmt.Errorf("review gate: max_pending_per_entity must be 1, got %d", cfg.MaxPendingPerEntity)
	}

	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	timeout := cfg.ReviewTimeout
	if timeout <= 0 {
		timeout = DefaultReviewTimeout
	}

	return &Gate{
		store:      deps.Store,
		notifier:   deps.Notifier,
		logger:     l,
		now:        now,
		timeout:    timeout,
		handlers:   make(map[domain.Stage]Handler),
		selections: make(map[domain.Stage]SelectionCheck),
	}, nil
}

// Subscribe registers the decision handler for one stage, replacing any
// previous one.
func (g *Gate) Subscribe(stage domain.Stage, h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[stage] = h
}

// CheckSelection registers the validation for approvals of stage that pick
// individual stories. Approvals with story indexes for a stage without a
// check are refused.
func (g *Gate) CheckSelection(stage domain.Stage, c SelectionCheck) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.selections[stage] = c
}

// Submit enqueues content for review. At most one pending item may exist per
// entity.
func (g *Gate) Submit(ctx context.Context, ref domain.EntityRef, content string, metadata map[string]string) (uuid.UUID, error) {
	now := g.now()
	item := domain.ReviewItem{
		ID:          uuid.New(),
		EntityRef:   ref,
		Content:     content,
		Metadata:    metadata,
		SubmittedAt: now,
		ExpiresAt:   now.Add(g.timeout),
		Status:      domain.ReviewPending,
	}

	if err := g.store.InsertReview(ctx, item); err != nil {
		if errors.Is(err, domain.ErrDuplicatePendingReview) {
			g.logger.Warn("duplicate pending review rejected", "entity_id", ref.EntityID, "stage", ref.Stage)
		} else {
			g.logger.Error("insert review failed", "entity_id", ref.EntityID, "stage", ref.Stage, "error", err)
		}
		return uuid.Nil, err
	}

	g.logger.Info("review submitted",
		"review_id", item.ID,
		"entity_id", ref.EntityID,
		"stage", ref.Stage,
		"expires_at", item.ExpiresAt,
	)
	g.publish(ctx, EventSubmitted, item)
	return item.ID, nil
}

func (g *Gate) Approve(ctx context.Context, id uuid.UUID, in DecisionInput) (domain.ReviewItem, error) {
	if len(in.StoryIndexes) > 0 {
		if err := g.checkSelection(ctx, id, in.StoryIndexes); err != nil {
			return domain.ReviewItem{}, err
		}
	}
	return g.decide(ctx, id, domain.ReviewApproved, domain.ReviewDecision{
		Feedback:     strings.TrimSpace(in.Feedback),
		DecidedBy:    in.DecidedBy,
		DecidedAt:    g.now(),
		StoryIndexes: in.StoryIndexes,
	})
}

func (g *Gate) checkSelection(ctx context.Context, id uuid.UUID, indexes []int) error {
	item, err := g.store.GetReview(ctx, id)
	if err != nil {
		return err
	}
	if item.Status != domain.ReviewPending {
		return fmt.Errorf("review %s is %s: %w", id, item.Status, domain.ErrReviewAlreadyDecided)
	}

	g.mu.RLock()
	check := g.selections[item.EntityRef.Stage]
	g.mu.RUnlock()
	if check == nil {
		return fmt.Errorf("%w: %s reviews do not take story_indexes", domain.ErrInvalidInput, item.EntityRef.Stage)
	}
	return check(ctx, item, indexes)
}

// Reject requires feedback so the next attempt has something to act on. An
// unknown or already decided item is reported as such before the feedback
// is checked.
func (g *Gate) Reject(ctx context.Context, id uuid.UUID, in DecisionInput) (domain.ReviewItem, error) {
	feedback := strings.TrimSpace(in.Feedback)
	if feedback == "" {
		item, err := g.store.GetReview(ctx, id)
		if err != nil {
			return domain.ReviewItem{}, err
		}
		if item.Status != domain.ReviewPending {
			return domain.ReviewItem{}, fmt.Errorf("review %s is %s: %w", id, item.Status, domain.ErrReviewAlreadyDecided)
		}
		return domain.ReviewItem{}, domain.ErrFeedbackRequired
	}
	return g.decide(ctx, id, domain.ReviewRejected, domain.ReviewDecision{
		Feedback:  feedback,
		DecidedBy: in.DecidedBy,
		DecidedAt: g.now(),
	})
}

func (g *Gate) Get(ctx context.Context, id uuid.UUID) (domain.ReviewItem, error) {
	return g.store.GetReview(ctx, id)
}

// GetPending lists undecided items, oldest submission first.
func (g *Gate) GetPending(ctx context.Context) ([]domain.ReviewItem, error) {
	return g.store.ListPendingReviews(ctx)
}

// LatestForEntity returns the most recent review submitted for an entity.
func (g *Gate) LatestForEntity(ctx context.Context, entityID uuid.UUID) (domain.ReviewItem, error) {
	return g.store.LatestReviewForEntity(ctx, entityID)
}

// ExpireStale closes pending items whose deadline is at or before now and
// notifies their owners as for a rejection. Items decided concurrently are
// skipped, so repeated sweeps are harmless.
func (g *Gate) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	stale, err := g.store.ListStaleReviews(ctx, now)
	if err != nil {
		g.logger.Error("list stale reviews failed", "error", err)
		return 0, err
	}

	expired := 0
	for _, item := range stale {
		if err := ctx.Err(); err != nil {
			return expired, err
		}

		_, err := g.decide(ctx, item.ID, domain.ReviewExpired, domain.ReviewDecision{
			Reason:    domain.ReasonTimedOut,
			DecidedBy: systemDecider,
			DecidedAt: now,
		})
		switch {
		case err == nil:
			expired++
		case errors.Is(err, domain.ErrReviewAlreadyDecided):
		default:
			return expired, err
		}
	}

	if expired > 0 {
		g.logger.Info("stale reviews expired", "count", expired)
	}
	return expired, nil
}

// Withdraw expires a pending item whose entity will never apply a decision.
// The stage handler is not called; notifier subscribers still see the item
// close.
func (g *Gate) Withdraw(ctx context.Context, id uuid.UUID) error {
	item, err := g.store.DecideReview(ctx, id, domain.ReviewExpired, domain.ReviewDecision{
		Reason:    domain.ReasonWithdrawn,
		DecidedBy: systemDecider,
		DecidedAt: g.now(),
	})
	if err != nil {
		g.logger.Warn("withdraw review failed", "review_id", id, "error", err)
		return err
	}

	metrics.IncReviewDecision(domain.ReviewExpired)
	g.logger.Warn("review withdrawn",
		"review_id", item.ID,
		"entity_id", item.EntityRef.EntityID,
		"stage", item.EntityRef.Stage,
	)
	g.publish(ctx, EventDecided, item)
	return nil
}

func (g *Gate) decide(ctx context.Context, id uuid.UUID, status domain.ReviewStatus, decision domain.ReviewDecision) (domain.ReviewItem, error) {
	item, err := g.store.DecideReview(ctx, id, status, decision)
	if err != nil {
		if errors.Is(err, domain.ErrReviewAlreadyDecided) || errors.Is(err, domain.ErrReviewNotFound) {
			g.logger.Info("review decision refused", "review_id", id, "status", status, "error", err)
		} else {
			g.logger.Error("review decision failed", "review_id", id, "status", status, "error", err)
		}
		return domain.ReviewItem{}, err
	}

	metrics.IncReviewDecision(status)
	g.logger.Info("review decided",
		"review_id", item.ID,
		"entity_id", item.EntityRef.EntityID,
		"stage", item.EntityRef.Stage,
		"status", status,
		"decided_by", decision.DecidedBy,
	)

	g.notify(ctx, item)
	g.publish(ctx, EventDecided, item)
	return item, nil
}

// notify delivers exactly one callback per committed decision. A failing
// handler does not undo the decision; reconciliation applies it later.
func (g *Gate) notify(ctx context.Context, item domain.ReviewItem) {
	g.mu.RLock()
	h := g.handlers[item.EntityRef.Stage]
	g.mu.RUnlock()

	if h == nil {
		g.logger.Warn("no decision handler for stage", "stage", item.EntityRef.Stage, "review_id", item.ID)
		return
	}
	if err := h(ctx, item); err != nil {
		g.logger.Error("decision handler failed",
			"review_id", item.ID,
			"entity_id", item.EntityRef.EntityID,
			"stage", item.EntityRef.Stage,
			"error", err,
		)
	}
}

func (g *Gate) publish(ctx context.Context, event string, item domain.ReviewItem) {
	if g.notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go g.notifier.ReviewEvent(ctx, event, item)
}
