// SPDX-License-Identifier: Apache-2.0

package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adiadia/stagegate/internal/dependency"
	"github.com/adiadia/stagegate/internal/domain"
	"github.com/adiadia/stagegate/internal/metrics"
	"github.com/adiadia/stagegate/internal/parser"
	"github.com/google/uuid"
)

const (
	DefaultProcessingTimeout = 30 * time.Minute
	interruptedReason        = "generation interrupted before completion"
)

type EngineDeps struct {
	Entities  EntityStore
	Stories   StoryStore
	Validator Validator
	Generator Generator
	Reviewer  Reviewer
	// StoryParser defaults to parser.StoryParser.
	StoryParser parser.Parser[[]domain.ParsedStory]
	Options     map[domain.Stage]Options
	// ProcessingTimeout is how long an entity may stay PROCESSING without a
	// review before reconciliation marks it FAILED.
	ProcessingTimeout time.Duration
	Logger            *slog.Logger
	Now               func() time.Time
}

// Engine bundles the orchestrators of all stages and the read-side views
// spanning them.
type Engine struct {
	orchestrators     map[domain.Stage]*Orchestrator
	entities          EntityStore
	stories           StoryStore
	reviewer          Reviewer
	processingTimeout time.Duration
	logger            *slog.Logger
	now               func() time.Time
}

func NewEngine(deps EngineDeps) *Engine {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	storyParser := deps.StoryParser
	if storyParser == nil {
		storyParser = parser.NewStoryParser()
	}
	timeout := deps.ProcessingTimeout
	if timeout <= 0 {
		timeout = DefaultProcessingTimeout
	}

	behaviors := map[domain.Stage]Behavior{
		domain.StageRequirements: requirementsBehavior{},
		domain.StagePlanning:     planningBehavior{},
		domain.StageStories:      storiesBehavior{stories: deps.Stories, parser: storyParser, now: now},
		domain.StagePrompts:      promptsBehavior{stories: deps.Stories},
	}

	orchDeps := Deps{
		Entities:  deps.Entities,
		Validator: deps.Validator,
		Generator: deps.Generator,
		Reviewer:  deps.Reviewer,
		Logger:    l,
		Now:       now,
	}

	e := &Engine{
		orchestrators:     make(map[domain.Stage]*Orchestrator, len(domain.Stages)),
		entities:          deps.Entities,
		stories:           deps.Stories,
		reviewer:          deps.Reviewer,
		processingTimeout: timeout,
		logger:            l,
		now:               now,
	}
	for _, s := range domain.Stages {
		o := NewOrchestrator(s, behaviors[s], deps.Options[s], orchDeps)
		e.orchestrators[s] = o
		deps.Reviewer.Subscribe(s, o.OnReviewDecision)
		if sc, ok := behaviors[s].(SelectionChecker); ok {
			deps.Reviewer.CheckSelection(s, sc.CheckSelection)
		}
	}
	return e
}

// DefaultOptions auto-approves prompt generation and reviews every other
// stage.
func DefaultOptions() map[domain.Stage]Options {
	return map[domain.Stage]Options{
		domain.StagePrompts: {AutoApprove: true},
	}
}

func (e *Engine) orchestrator(s domain.Stage) (*Orchestrator, error) {
	o, ok := e.orchestrators[s]
	if !ok {
		return nil, fmt.Errorf("%q: %w", s, domain.ErrUnknownStage)
	}
	return o, nil
}

func (e *Engine) Start(ctx context.Context, s domain.Stage, upstreamID uuid.UUID, opts StartOptions) (domain.Entity, error) {
	o, err := e.orchestrator(s)
	if err != nil {
		return domain.Entity{}, err
	}
	return o.Start(ctx, upstreamID, opts)
}

type CanStartResult struct {
	CanStart bool                    `json:"can_start"`
	Reason   string                  `json:"reason,omitempty"`
	Status   domain.Status           `json:"status,omitempty"`
	Blocker  *domain.DependencyError `json:"-"`
}

func (e *Engine) CanStart(ctx context.Context, s domain.Stage, upstreamID uuid.UUID, t dependency.Target) (CanStartResult, error) {
	o, err := e.orchestrator(s)
	if err != nil {
		return CanStartResult{}, err
	}
	ok, depErr, err := o.CanStart(ctx, upstreamID, t)
	if err != nil {
		return CanStartResult{}, err
	}
	if ok {
		return CanStartResult{CanStart: true}, nil
	}
	return CanStartResult{Reason: depErr.Error(), Status: depErr.Sentinel(), Blocker: depErr}, nil
}

func (e *Engine) Status(ctx context.Context, id uuid.UUID) (StatusView, error) {
	o, err := e.ownerOf(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	return o.GetStatus(ctx, id)
}

func (e *Engine) Result(ctx context.Context, id uuid.UUID) (Result, error) {
	o, err := e.ownerOf(ctx, id)
	if err != nil {
		return Result{}, err
	}
	return o.GetResult(ctx, id)
}

// Stories lists the stories produced by a story generation entity.
func (e *Engine) Stories(ctx context.Context, generationID uuid.UUID) ([]domain.UserStory, error) {
	ent, err := e.entities.LoadEntity(ctx, generationID)
	if err != nil {
		return nil, err
	}
	if ent.Stage != domain.StageStories {
		return nil, fmt.Errorf("entity %s is a %s entity: %w", ent.ID, ent.Stage, domain.ErrInvalidInput)
	}
	return e.stories.ListStories(ctx, generationID)
}

func (e *Engine) ApproveStory(ctx context.Context, storyID uuid.UUID) (domain.UserStory, error) {
	st, err := e.stories.DecideStory(ctx, storyID, domain.StoryApproved, "", e.now())
	if err != nil {
		return domain.UserStory{}, err
	}
	e.logger.Info("story approved", "story_id", st.ID, "generation_id", st.GenerationID, "index", st.Index)
	return st, nil
}

func (e *Engine) RejectStory(ctx context.Context, storyID uuid.UUID, feedback string) (domain.UserStory, error) {
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return domain.UserStory{}, domain.ErrFeedbackRequired
	}
	st, err := e.stories.DecideStory(ctx, storyID, domain.StoryRejected, feedback, e.now())
	if err != nil {
		return domain.UserStory{}, err
	}
	e.logger.Info("story rejected", "story_id", st.ID, "generation_id", st.GenerationID, "index", st.Index)
	return st, nil
}

// Reconcile persists review outcomes that never reached their entity and
// fails PROCESSING entities that have been abandoned. It is safe to run
// repeatedly and concurrently with normal traffic.
func (e *Engine) Reconcile(ctx context.Context) error {
	active, err := e.entities.ListByStatus(ctx, domain.StatusProcessing, domain.StatusPendingReview)
	if err != nil {
		e.logger.Error("list active entities failed", "error", err)
		return err
	}

	var errs []error
	repaired := 0
	for _, ent := range active {
		if err := ctx.Err(); err != nil {
			return err
		}
		changed, err := e.reconcileOne(ctx, ent)
		if err != nil {
			e.logger.Error("reconcile entity failed", "entity_id", ent.ID, "stage", ent.Stage, "error", err)
			errs = append(errs, err)
			continue
		}
		if changed {
			repaired++
		}
	}

	if repaired > 0 {
		e.logger.Info("reconciliation repaired entities", "count", repaired)
	}
	return errors.Join(errs...)
}

func (e *Engine) reconcileOne(ctx context.Context, ent domain.Entity) (bool, error) {
	o, err := e.orchestrator(ent.Stage)
	if err != nil {
		return false, err
	}

	var item domain.ReviewItem
	if ent.ReviewID != nil {
		item, err = e.reviewer.Get(ctx, *ent.ReviewID)
	} else {
		item, err = e.reviewer.LatestForEntity(ctx, ent.ID)
	}

	switch {
	case errors.Is(err, domain.ErrReviewNotFound):
		if ent.Status != domain.StatusProcessing || e.now().Sub(ent.UpdatedAt) < e.processingTimeout {
			return false, nil
		}
		ent.FailureReason = interruptedReason
		if err := ent.Transition(domain.StatusFailed, false, e.now()); err != nil {
			return false, err
		}
		if err := e.entities.SaveEntity(ctx, ent, domain.StatusProcessing); err != nil {
			if errors.Is(err, domain.ErrEntityConflict) {
				return false, nil
			}
			return false, err
		}
		metrics.IncStageTransition(ent.Stage, domain.StatusFailed)
		e.logger.Warn("abandoned attempt failed", "entity_id", ent.ID, "stage", ent.Stage, "updated_at", ent.UpdatedAt)
		return true, nil
	case err != nil:
		return false, err
	}

	if item.Status == domain.ReviewPending {
		if ent.Status != domain.StatusProcessing {
			return false, nil
		}
		id := item.ID
		ent.ReviewID = &id
		if err := ent.Transition(domain.StatusPendingReview, false, e.now()); err != nil {
			return false, err
		}
		if err := e.entities.SaveEntity(ctx, ent, domain.StatusProcessing); err != nil {
			if errors.Is(err, domain.ErrEntityConflict) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}

	if err := o.OnReviewDecision(ctx, item); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) ownerOf(ctx context.Context, id uuid.UUID) (*Orchestrator, error) {
	ent, err := e.entities.LoadEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.orchestrator(ent.Stage)
}
