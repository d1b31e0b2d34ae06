// SPDX-License-Identifier: Apache-2.0

// Package stage drives pipeline entities through generation and review. All
// four stages share one Orchestrator; they differ only in their Behavior.
package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/adiadia/stagegate/internal/dependency"
	"github.com/adiadia/stagegate/internal/domain"
	"github.com/adiadia/stagegate/internal/gateway"
	"github.com/adiadia/stagegate/internal/metrics"
	"github.com/google/uuid"
)

type Options struct {
	// AutoApprove skips the review gate: a generated entity goes straight
	// from PROCESSING to APPROVED.
	AutoApprove bool
}

type StartOptions struct {
	CorrelationID string
	Input         json.RawMessage
	StoryIndex    *int
}

type Deps struct {
	Entities  EntityStore
	Validator Validator
	Generator Generator
	Reviewer  Reviewer
	Logger    *slog.Logger
	Now       func() time.Time
}

type Orchestrator struct {
	stage    domain.Stage
	behavior Behavior
	opts     Options

	entities  EntityStore
	validator Validator
	generator Generator
	reviewer  Reviewer
	logger    *slog.Logger
	now       func() time.Time
	locks     *keyedLock
}

func NewOrchestrator(stage domain.Stage, behavior Behavior, opts Options, deps Deps) *Orchestrator {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		stage:     stage,
		behavior:  behavior,
		opts:      opts,
		entities:  deps.Entities,
		validator: deps.Validator,
		generator: deps.Generator,
		reviewer:  deps.Reviewer,
		logger:    l.With("stage", stage),
		now:       now,
		locks:     newKeyedLock(),
	}
}

func (o *Orchestrator) Stage() domain.Stage { return o.stage }

// CanStart reports whether the dependencies of this stage are met for the
// given upstream entity. It has no side effects.
func (o *Orchestrator) CanStart(ctx context.Context, upstreamID uuid.UUID, t dependency.Target) (bool, *domain.DependencyError, error) {
	_, err := o.validator.Validate(ctx, o.stage, upstreamID, t)
	if err == nil {
		return true, nil, nil
	}
	var depErr *domain.DependencyError
	if errors.As(err, &depErr) {
		return false, depErr, nil
	}
	return false, nil, err
}

// Start runs one generation attempt. Dependency failures return before any
// entity is created or the provider is called. Once the entity exists every
// failure leaves it FAILED and is returned together with the entity.
func (o *Orchestrator) Start(ctx context.Context, upstreamID uuid.UUID, opts StartOptions) (domain.Entity, error) {
	target := dependency.Target{}
	if o.stage == domain.StagePrompts {
		target.StoryIndex = opts.StoryIndex
	}
	chain, err := o.validator.Validate(ctx, o.stage, upstreamID, target)
	if err != nil {
		o.logger.Info("start refused", "upstream_id", upstreamID, "error", err)
		return domain.Entity{}, err
	}

	var parentID *uuid.UUID
	if upstreamID != uuid.Nil && o.stage != domain.StageRequirements {
		id := upstreamID
		parentID = &id
	}
	e := domain.NewEntity(o.stage, parentID, opts.CorrelationID, o.now())
	e.StoryIndex = target.StoryIndex
	e.Input = opts.Input

	req, err := o.begin(ctx, &e, chain)
	if err != nil {
		return domain.Entity{}, err
	}
	metrics.IncStageTransition(o.stage, domain.StatusProcessing)
	o.logger.Info("stage started", "entity_id", e.ID, "upstream_id", upstreamID, "attempt", e.Attempt)

	resp, err := o.generator.Call(ctx, req)
	if err != nil {
		return o.fail(ctx, e, err)
	}
	e.RawResponse = resp.Content

	content, err := o.behavior.Finalize(ctx, e, resp.Content)
	if err != nil {
		return o.fail(ctx, e, err)
	}
	e.Content = content

	if o.opts.AutoApprove {
		return o.autoApprove(ctx, e)
	}
	return o.submit(ctx, e)
}

// begin claims the attempt slot and persists e as PROCESSING. The slot lock
// is held only until the entity exists; later starts see it as active.
func (o *Orchestrator) begin(ctx context.Context, e *domain.Entity, chain dependency.Chain) (gateway.Request, error) {
	key := e.AttemptKey()
	unlock := o.locks.Lock(key.String())
	defer unlock()

	if err := o.claimAttempt(ctx, e, key); err != nil {
		return gateway.Request{}, err
	}

	in := BuildInput{Entity: *e, Chain: chain, Feedback: e.Feedback}
	if upID := chain.Upstream(o.stage); upID != uuid.Nil {
		up, err := o.entities.LoadEntity(ctx, upID)
		if err != nil {
			return gateway.Request{}, fmt.Errorf("load upstream %s: %w", upID, err)
		}
		in.Upstream = &up
	}
	req, err := o.behavior.BuildRequest(ctx, in)
	if err != nil {
		return gateway.Request{}, err
	}

	if err := e.Transition(domain.StatusProcessing, false, o.now()); err != nil {
		return gateway.Request{}, err
	}
	if err := o.entities.SaveEntity(ctx, *e, ""); err != nil {
		o.logger.Error("create entity failed", "entity_id", e.ID, "error", err)
		return gateway.Request{}, err
	}
	return req, nil
}

// claimAttempt numbers e after earlier attempts for the same slot and
// carries over the most recent rejection feedback.
func (o *Orchestrator) claimAttempt(ctx context.Context, e *domain.Entity, key domain.AttemptKey) error {
	if !key.Grouped() {
		return nil
	}
	prior, err := o.entities.ListAttempts(ctx, key)
	if err != nil {
		o.logger.Error("list attempts failed", "key", key.String(), "error", err)
		return err
	}
	for _, p := range prior {
		if p.Status.Active() {
			return fmt.Errorf("%s attempt %d (%s): %w", o.stage, p.Attempt, p.ID, domain.ErrAttemptInProgress)
		}
		if p.Status == domain.StatusApproved {
			return fmt.Errorf("%s attempt %d (%s): %w", o.stage, p.Attempt, p.ID, domain.ErrAlreadyApproved)
		}
	}
	for _, p := range prior {
		if p.Attempt >= e.Attempt {
			e.Attempt = p.Attempt + 1
		}
		if p.Status == domain.StatusRejected && p.Feedback != "" {
			e.Feedback = p.Feedback
		}
	}
	return nil
}

// submit hands the output to the review gate and moves the entity to
// PENDING_REVIEW. Reconciliation may fail an attempt while its provider call
// is still running; such an attempt gets no review, and a review created in
// the meantime is withdrawn.
func (o *Orchestrator) submit(ctx context.Context, e domain.Entity) (domain.Entity, error) {
	current, err := o.entities.LoadEntity(ctx, e.ID)
	if err != nil {
		return o.fail(ctx, e, err)
	}
	if current.Status != domain.StatusProcessing {
		return o.movedOn(current)
	}

	metadata := map[string]string{
		"stage":   string(o.stage),
		"attempt": strconv.Itoa(e.Attempt),
	}
	if e.CorrelationID != "" {
		metadata["correlation_id"] = e.CorrelationID
	}
	if e.StoryIndex != nil {
		metadata["story_index"] = strconv.Itoa(*e.StoryIndex)
	}

	reviewID, err := o.reviewer.Submit(ctx, e.Ref(), e.Content, metadata)
	if err != nil {
		return o.fail(ctx, e, err)
	}

	e.ReviewID = &reviewID
	if err := e.Transition(domain.StatusPendingReview, false, o.now()); err != nil {
		return e, err
	}
	if err := o.entities.SaveEntity(ctx, e, domain.StatusProcessing); err != nil {
		if !errors.Is(err, domain.ErrEntityConflict) {
			o.logger.Error("save pending review failed", "entity_id", e.ID, "review_id", reviewID, "error", err)
			return e, err
		}
		detached := context.WithoutCancel(ctx)
		latest, loadErr := o.entities.LoadEntity(detached, e.ID)
		if loadErr != nil {
			return e, errors.Join(err, loadErr)
		}
		if latest.ReviewID != nil && *latest.ReviewID == reviewID {
			// A fast decision or reconciliation already attached this review.
			return latest, nil
		}
		if wErr := o.reviewer.Withdraw(detached, reviewID); wErr != nil && !errors.Is(wErr, domain.ErrReviewAlreadyDecided) {
			o.logger.Error("withdraw orphan review failed", "entity_id", e.ID, "review_id", reviewID, "error", wErr)
		}
		return o.movedOn(latest)
	}

	metrics.IncStageTransition(o.stage, domain.StatusPendingReview)
	o.logger.Info("stage awaiting review", "entity_id", e.ID, "review_id", reviewID)
	return e, nil
}

// movedOn reports an attempt whose entity left PROCESSING underneath it.
func (o *Orchestrator) movedOn(current domain.Entity) (domain.Entity, error) {
	o.logger.Warn("attempt no longer processing", "entity_id", current.ID, "status", current.Status)
	return current, fmt.Errorf("%s %s is %s: %w", o.stage, current.ID, current.Status, domain.ErrEntityConflict)
}

func (o *Orchestrator) autoApprove(ctx context.Context, e domain.Entity) (domain.Entity, error) {
	if err := e.Transition(domain.StatusApproved, true, o.now()); err != nil {
		return e, err
	}
	if err := o.entities.SaveEntity(ctx, e, domain.StatusProcessing); err != nil {
		if errors.Is(err, domain.ErrEntityConflict) {
			if current, loadErr := o.entities.LoadEntity(context.WithoutCancel(ctx), e.ID); loadErr == nil {
				return o.movedOn(current)
			}
		}
		o.logger.Error("save auto-approval failed", "entity_id", e.ID, "error", err)
		return e, err
	}
	metrics.IncStageTransition(o.stage, domain.StatusApproved)
	o.logger.Info("stage auto-approved", "entity_id", e.ID)
	return e, nil
}

// fail records cause on the entity. The save ignores caller cancellation so a
// canceled start does not leave the entity PROCESSING.
func (o *Orchestrator) fail(ctx context.Context, e domain.Entity, cause error) (domain.Entity, error) {
	e.FailureReason = cause.Error()
	if err := e.Transition(domain.StatusFailed, false, o.now()); err != nil {
		return e, errors.Join(cause, err)
	}
	if err := o.entities.SaveEntity(context.WithoutCancel(ctx), e, domain.StatusProcessing); err != nil {
		o.logger.Error("save failed entity failed", "entity_id", e.ID, "cause", cause, "error", err)
		return e, errors.Join(cause, err)
	}

	metrics.IncStageTransition(o.stage, domain.StatusFailed)
	o.logger.Warn("stage failed", "entity_id", e.ID, "attempt", e.Attempt, "error", cause)
	return e, fmt.Errorf("%s %s: %w", o.stage, e.ID, cause)
}

// OnReviewDecision applies a terminal review outcome to its entity.
// Delivering the same decision again is a no-op.
func (o *Orchestrator) OnReviewDecision(ctx context.Context, item domain.ReviewItem) error {
	target, ok := item.Status.EntityStatus()
	if !ok {
		return nil
	}

	e, err := o.entities.LoadEntity(ctx, item.EntityRef.EntityID)
	if err != nil {
		o.logger.Error("load entity for decision failed", "entity_id", item.EntityRef.EntityID, "review_id", item.ID, "error", err)
		return err
	}
	if e.ReviewID != nil && *e.ReviewID != item.ID {
		o.logger.Warn("decision for a review the entity does not own", "entity_id", e.ID, "review_id", item.ID, "entity_review_id", *e.ReviewID)
		return nil
	}
	if e.Status == target {
		return nil
	}
	if e.Status.Terminal() {
		return fmt.Errorf("entity %s is %s, cannot apply %s: %w", e.ID, e.Status, item.Status, domain.ErrInvalidTransition)
	}

	prev := e.Status
	now := o.now()
	if e.Status == domain.StatusProcessing {
		id := item.ID
		e.ReviewID = &id
		if err := e.Transition(domain.StatusPendingReview, false, now); err != nil {
			return err
		}
	}

	if target == domain.StatusApproved {
		if hook, ok := o.behavior.(ApprovalHook); ok {
			if err := hook.OnApproved(ctx, e, item); err != nil {
				o.logger.Error("approval hook failed", "entity_id", e.ID, "review_id", item.ID, "error", err)
				return err
			}
		}
	} else {
		e.Feedback = item.Feedback()
	}

	if err := e.Transition(target, false, now); err != nil {
		return err
	}
	if err := o.entities.SaveEntity(ctx, e, prev); err != nil {
		if errors.Is(err, domain.ErrEntityConflict) {
			current, loadErr := o.entities.LoadEntity(ctx, e.ID)
			if loadErr == nil && current.Status == target {
				return nil
			}
		}
		o.logger.Error("apply decision failed", "entity_id", e.ID, "review_id", item.ID, "error", err)
		return err
	}

	metrics.IncStageTransition(o.stage, target)
	o.logger.Info("review decision applied", "entity_id", e.ID, "review_id", item.ID, "status", target)
	return nil
}

// StatusView is the read model of one entity.
type StatusView struct {
	EntityID      uuid.UUID     `json:"stage_entity_id"`
	Stage         domain.Stage  `json:"stage"`
	Status        domain.Status `json:"status"`
	Attempt       int           `json:"attempt"`
	ParentID      *uuid.UUID    `json:"parent_id,omitempty"`
	StoryIndex    *int          `json:"story_index,omitempty"`
	ReviewID      *uuid.UUID    `json:"review_id,omitempty"`
	Feedback      string        `json:"feedback,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// GetStatus returns the entity status, deriving it from the review when a
// decision has not reached the entity yet. It never writes.
func (o *Orchestrator) GetStatus(ctx context.Context, id uuid.UUID) (StatusView, error) {
	e, err := o.entities.LoadEntity(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	e, err = o.derive(ctx, e)
	if err != nil {
		return StatusView{}, err
	}
	return viewOf(e), nil
}

type Result struct {
	EntityID uuid.UUID    `json:"stage_entity_id"`
	Stage    domain.Stage `json:"stage"`
	Attempt  int          `json:"attempt"`
	Content  string       `json:"content"`
}

// GetResult returns the approved output or domain.ErrNotReady.
func (o *Orchestrator) GetResult(ctx context.Context, id uuid.UUID) (Result, error) {
	e, err := o.entities.LoadEntity(ctx, id)
	if err != nil {
		return Result{}, err
	}
	e, err = o.derive(ctx, e)
	if err != nil {
		return Result{}, err
	}
	if e.Status != domain.StatusApproved {
		return Result{}, fmt.Errorf("entity %s is %s: %w", e.ID, e.Status, domain.ErrNotReady)
	}
	return Result{EntityID: e.ID, Stage: e.Stage, Attempt: e.Attempt, Content: e.Content}, nil
}

// derive overlays a terminal review outcome on an entity that still shows an
// active status. The returned copy is never persisted.
func (o *Orchestrator) derive(ctx context.Context, e domain.Entity) (domain.Entity, error) {
	if !e.Status.Active() {
		return e, nil
	}

	var (
		item domain.ReviewItem
		err  error
	)
	if e.ReviewID != nil {
		item, err = o.reviewer.Get(ctx, *e.ReviewID)
	} else {
		item, err = o.reviewer.LatestForEntity(ctx, e.ID)
	}
	if errors.Is(err, domain.ErrReviewNotFound) {
		return e, nil
	}
	if err != nil {
		return e, err
	}
	if item.EntityRef.EntityID != e.ID {
		return e, nil
	}

	id := item.ID
	e.ReviewID = &id
	if status, ok := item.Status.EntityStatus(); ok {
		e.Status = status
		if status == domain.StatusRejected {
			e.Feedback = item.Feedback()
		}
	} else {
		e.Status = domain.StatusPendingReview
	}
	return e, nil
}

func viewOf(e domain.Entity) StatusView {
	return StatusView{
		EntityID:      e.ID,
		Stage:         e.Stage,
		Status:        e.Status,
		Attempt:       e.Attempt,
		ParentID:      e.ParentID,
		StoryIndex:    e.StoryIndex,
		ReviewID:      e.ReviewID,
		Feedback:      e.Feedback,
		FailureReason: e.FailureReason,
		UpdatedAt:     e.UpdatedAt,
	}
}
