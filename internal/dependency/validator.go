// SPDX-License-Identifier: Apache-2.0

// Package dependency decides whether a stage may start by walking the
// ancestor chain of its upstream entity. It never writes.
package dependency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/adiadia/stagegate/internal/domain"
	"github.com/google/uuid"
)

type Store interface {
	LoadAncestorChain(ctx context.Context, id uuid.UUID) ([]domain.Entity, error)
	StoryByIndex(ctx context.Context, generationID uuid.UUID, index int) (domain.UserStory, error)
}

// Target narrows a start request below the upstream entity. Only prompt
// generation uses it.
type Target struct {
	StoryIndex *int
}

// Chain carries the ancestor ids resolved during validation.
type Chain struct {
	RequirementsID    uuid.UUID
	PlanningID        uuid.UUID
	StoryGenerationID uuid.UUID
	StoryID           uuid.UUID
	StoryIndex        *int
}

// Upstream returns the id of the immediate upstream entity of stage.
func (c Chain) Upstream(stage domain.Stage) uuid.UUID {
	switch stage {
	case domain.StagePlanning:
		return c.RequirementsID
	case domain.StageStories:
		return c.PlanningID
	case domain.StagePrompts:
		return c.StoryGenerationID
	default:
		return uuid.Nil
	}
}

type Validator struct {
	store  Store
	logger *slog.Logger
}

func NewValidator(store Store, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{store: store, logger: logger}
}

// Validate checks that every stage above target is approved. The returned
// error is a *domain.DependencyError for unmet dependencies; any other error
// comes from the store.
func (v *Validator) Validate(ctx context.Context, target domain.Stage, upstreamID uuid.UUID, t Target) (Chain, error) {
	upstream, ok := target.Upstream()
	if !ok {
		if !target.Valid() {
			return Chain{}, fmt.Errorf("validate %q: %w", target, domain.ErrUnknownStage)
		}
		return Chain{}, nil
	}

	if upstreamID == uuid.Nil {
		return Chain{}, &domain.DependencyError{Target: target, Ancestor: upstream, Reason: domain.ReasonNotFound}
	}

	entities, err := v.store.LoadAncestorChain(ctx, upstreamID)
	if errors.Is(err, domain.ErrEntityNotFound) {
		return Chain{}, &domain.DependencyError{Target: target, Ancestor: upstream, AncestorID: upstreamID, Reason: domain.ReasonNotFound}
	}
	if err != nil {
		v.logger.Error("load ancestor chain failed", "stage", target, "upstream_id", upstreamID, "error", err)
		return Chain{}, err
	}

	var chain Chain
	expected := upstream
	for i := 0; ; i++ {
		if i >= len(entities) {
			// The previous entity points at a parent that does not exist.
			return Chain{}, &domain.DependencyError{
				Target:     target,
				Ancestor:   expected,
				AncestorID: parentOf(entities[i-1]),
				Reason:     domain.ReasonMissingLink,
			}
		}

		e := entities[i]
		if e.Stage != expected {
			reason := domain.ReasonWrongStage
			if i > 0 {
				reason = domain.ReasonMissingLink
			}
			return Chain{}, &domain.DependencyError{Target: target, Ancestor: expected, AncestorID: e.ID, Reason: reason, ActualStatus: e.Status}
		}
		if e.Status != domain.StatusApproved {
			return Chain{}, &domain.DependencyError{Target: target, Ancestor: expected, AncestorID: e.ID, Reason: domain.ReasonNotApproved, ActualStatus: e.Status}
		}
		chain.set(e)

		next, more := expected.Upstream()
		if !more {
			break
		}
		if e.ParentID == nil {
			return Chain{}, &domain.DependencyError{Target: target, Ancestor: next, Reason: domain.ReasonMissingLink}
		}
		expected = next
	}

	if target == domain.StagePrompts {
		if err := v.checkStory(ctx, &chain, t); err != nil {
			return Chain{}, err
		}
	}

	return chain, nil
}

// CanStart is Validate without the chain. Store failures are still errors;
// unmet dependencies are reported as false with the reason.
func (v *Validator) CanStart(ctx context.Context, target domain.Stage, upstreamID uuid.UUID, t Target) (bool, *domain.DependencyError, error) {
	_, err := v.Validate(ctx, target, upstreamID, t)
	if err == nil {
		return true, nil, nil
	}
	var depErr *domain.DependencyError
	if errors.As(err, &depErr) {
		return false, depErr, nil
	}
	return false, nil, err
}

func (v *Validator) checkStory(ctx context.Context, chain *Chain, t Target) error {
	if t.StoryIndex == nil {
		return &domain.DependencyError{Target: domain.StagePrompts, Ancestor: domain.StageStories, AncestorID: chain.StoryGenerationID, Reason: domain.ReasonNotFound}
	}

	story, err := v.store.StoryByIndex(ctx, chain.StoryGenerationID, *t.StoryIndex)
	if errors.Is(err, domain.ErrStoryNotFound) {
		return &domain.DependencyError{Target: domain.StagePrompts, Ancestor: domain.StageStories, AncestorID: chain.StoryGenerationID, Reason: domain.ReasonNotFound}
	}
	if err != nil {
		v.logger.Error("load story failed", "generation_id", chain.StoryGenerationID, "story_index", *t.StoryIndex, "error", err)
		return err
	}
	if story.Status != domain.StoryApproved {
		return &domain.DependencyError{
			Target:       domain.StagePrompts,
			Ancestor:     domain.StageStories,
			AncestorID:   story.ID,
			Reason:       domain.ReasonNotApproved,
			ActualStatus: domain.Status(story.Status),
		}
	}

	idx := *t.StoryIndex
	chain.StoryID = story.ID
	chain.StoryIndex = &idx
	return nil
}

func (c *Chain) set(e domain.Entity) {
	switch e.Stage {
	case domain.StageRequirements:
		c.RequirementsID = e.ID
	case domain.StagePlanning:
		c.PlanningID = e.ID
	case domain.StageStories:
		c.StoryGenerationID = e.ID
	}
}

func parentOf(e domain.Entity) uuid.UUID {
	if e.ParentID == nil {
		return uuid.Nil
	}
	return *e.ParentID
}
