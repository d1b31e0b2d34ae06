// SPDX-License-Identifier: Apache-2.0

package stage

import (
	"context"
	"fmt"

	"github.com/adiadia/stagegate/internal/domain"
	"github.com/google/uuid"
)

type StageView struct {
	Stage    domain.Stage  `json:"stage"`
	EntityID *uuid.UUID    `json:"stage_entity_id,omitempty"`
	Status   domain.Status `json:"status"`
	Attempt  int           `json:"attempt,omitempty"`
	ReviewID *uuid.UUID    `json:"review_id,omitempty"`
}

type StoryPromptView struct {
	StoryID        uuid.UUID          `json:"story_id"`
	Index          int                `json:"index"`
	Title          string             `json:"title"`
	StoryStatus    domain.StoryStatus `json:"story_status"`
	PromptEntityID *uuid.UUID         `json:"prompt_entity_id,omitempty"`
	PromptStatus   domain.Status      `json:"prompt_status"`
}

// Workflow is a read-side projection of one pipeline, rooted at a
// requirements entity. Each stage shows its latest attempt.
type Workflow struct {
	RequirementsID uuid.UUID         `json:"requirements_id"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	Stages         []StageView       `json:"stages"`
	Stories        []StoryPromptView `json:"stories"`
}

// Workflow projects the pipeline of a requirements entity. Any attempt of a
// correlation group resolves to the group's latest attempt, so callers
// holding an id of a rejected attempt see its regeneration.
func (e *Engine) Workflow(ctx context.Context, requirementsID uuid.UUID) (Workflow, error) {
	root, err := e.entities.LoadEntity(ctx, requirementsID)
	if err != nil {
		return Workflow{}, err
	}
	if root.Stage != domain.StageRequirements {
		return Workflow{}, fmt.Errorf("entity %s is a %s entity: %w", root.ID, root.Stage, domain.ErrInvalidInput)
	}
	root, err = e.latestRoot(ctx, root)
	if err != nil {
		return Workflow{}, err
	}
	root, err = e.orchestrators[domain.StageRequirements].derive(ctx, root)
	if err != nil {
		return Workflow{}, err
	}

	wf := Workflow{RequirementsID: root.ID, CorrelationID: root.CorrelationID, Stories: []StoryPromptView{}}
	wf.Stages = append(wf.Stages, stageView(root))

	planning, err := e.latestChild(ctx, &root, domain.StagePlanning, nil)
	if err != nil {
		return Workflow{}, err
	}
	wf.Stages = append(wf.Stages, e.childView(domain.StagePlanning, &root, planning, domain.StatusRequirementsNotApproved))

	stories, err := e.latestChild(ctx, planning, domain.StageStories, nil)
	if err != nil {
		return Workflow{}, err
	}
	wf.Stages = append(wf.Stages, e.childView(domain.StageStories, planning, stories, domain.StatusPlanningNotApproved))

	promptStatus := domain.StatusStoriesNotApproved
	if stories != nil {
		list, err := e.stories.ListStories(ctx, stories.ID)
		if err != nil {
			return Workflow{}, err
		}
		generationApproved := stories.Status == domain.StatusApproved

		approvedStories, approvedPrompts, activePrompts := 0, 0, 0
		for _, st := range list {
			idx := st.Index
			view := StoryPromptView{StoryID: st.ID, Index: st.Index, Title: st.Title, StoryStatus: st.Status}

			prompt, err := e.latestChild(ctx, stories, domain.StagePrompts, &idx)
			if err != nil {
				return Workflow{}, err
			}
			switch {
			case prompt != nil:
				id := prompt.ID
				view.PromptEntityID = &id
				view.PromptStatus = prompt.Status
			case generationApproved && st.Status == domain.StoryApproved:
				view.PromptStatus = domain.StatusNotStarted
			default:
				view.PromptStatus = domain.StatusStoriesNotApproved
			}

			if generationApproved && st.Status == domain.StoryApproved {
				approvedStories++
				if view.PromptStatus == domain.StatusApproved {
					approvedPrompts++
				}
			}
			if view.PromptStatus.Active() {
				activePrompts++
			}
			wf.Stories = append(wf.Stories, view)
		}

		switch {
		case approvedStories == 0:
		case activePrompts > 0:
			promptStatus = domain.StatusProcessing
		case approvedPrompts == approvedStories:
			promptStatus = domain.StatusApproved
		default:
			promptStatus = domain.StatusNotStarted
		}
	}
	wf.Stages = append(wf.Stages, StageView{Stage: domain.StagePrompts, Status: promptStatus})

	return wf, nil
}

func (e *Engine) latestRoot(ctx context.Context, root domain.Entity) (domain.Entity, error) {
	key := root.AttemptKey()
	if !key.Grouped() {
		return root, nil
	}
	attempts, err := e.entities.ListAttempts(ctx, key)
	if err != nil {
		return domain.Entity{}, err
	}
	for _, a := range attempts {
		if a.Attempt > root.Attempt {
			root = a
		}
	}
	return root, nil
}

// latestChild returns the newest attempt of stage below parent with its
// status derived, or nil when there is none.
func (e *Engine) latestChild(ctx context.Context, parent *domain.Entity, s domain.Stage, storyIndex *int) (*domain.Entity, error) {
	if parent == nil {
		return nil, nil
	}
	children, err := e.entities.ListByParent(ctx, parent.ID)
	if err != nil {
		return nil, err
	}

	var latest *domain.Entity
	for i := range children {
		c := children[i]
		if c.Stage != s {
			continue
		}
		if storyIndex != nil && (c.StoryIndex == nil || *c.StoryIndex != *storyIndex) {
			continue
		}
		if latest == nil || c.Attempt > latest.Attempt {
			latest = &c
		}
	}
	if latest == nil {
		return nil, nil
	}

	derived, err := e.orchestrators[s].derive(ctx, *latest)
	if err != nil {
		return nil, err
	}
	return &derived, nil
}

func (e *Engine) childView(s domain.Stage, parent, child *domain.Entity, blocked domain.Status) StageView {
	if child != nil {
		return stageView(*child)
	}
	if parent != nil && parent.Status == domain.StatusApproved {
		return StageView{Stage: s, Status: domain.StatusNotStarted}
	}
	return StageView{Stage: s, Status: blocked}
}

func stageView(ent domain.Entity) StageView {
	id := ent.ID
	return StageView{
		Stage:    ent.Stage,
		EntityID: &id,
		Status:   ent.Status,
		Attempt:  ent.Attempt,
		ReviewID: ent.ReviewID,
	}
}
