// SPDX-License-Identifier: Apache-2.0

package dependency

import (
	"context"
	"testing"
	"time"

	"github.com/adiadia/stagegate/internal/domain"
	"github.com/adiadia/stagegate/internal/repository/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, store *memory.Store, stage domain.Stage, parent *uuid.UUID, status domain.Status) domain.Entity {
	t.Helper()
	e := domain.NewEntity(stage, parent, "", time.Now().UTC())
	e.Status = status
	require.NoError(t, store.SaveEntity(context.Background(), e, ""))
	return e
}

func ptr[T any](v T) *T { return &v }

func requireDepErr(t *testing.T, err error) *domain.DependencyError {
	t.Helper()
	require.ErrorIs(t, err, domain.ErrDependencyNotMet)
	var depErr *domain.DependencyError
	require.ErrorAs(t, err, &depErr)
	return depErr
}

func TestValidateRequirementsHasNoUpstream(t *testing.T) {
	v := NewValidator(memory.NewStore(), nil)
	chain, err := v.Validate(context.Background(), domain.StageRequirements, uuid.Nil, Target{})
	require.NoError(t, err)
	assert.Equal(t, Chain{}, chain)
}

func TestValidatePlanningRequiresApprovedRequirements(t *testing.T) {
	store := memory.NewStore()
	v := NewValidator(store, nil)
	ctx := context.Background()

	pending := seed(t, store, domain.StageRequirements, nil, domain.StatusPendingReview)
	_, err := v.Validate(ctx, domain.StagePlanning, pending.ID, Target{})
	depErr := requireDepErr(t, err)
	assert.Equal(t, domain.ReasonNotApproved, depErr.Reason)
	assert.Equal(t, domain.StatusPendingReview, depErr.ActualStatus)
	assert.Equal(t, domain.StatusRequirementsNotApproved, depErr.Sentinel())

	approved := seed(t, store, domain.StageRequirements, nil, domain.StatusApproved)
	chain, err := v.Validate(ctx, domain.StagePlanning, approved.ID, Target{})
	require.NoError(t, err)
	assert.Equal(t, approved.ID, chain.RequirementsID)
	assert.Equal(t, approved.ID, chain.Upstream(domain.StagePlanning))
}

func TestValidateUnknownUpstream(t *testing.T) {
	v := NewValidator(memory.NewStore(), nil)
	missing := uuid.New()

	_, err := v.Validate(context.Background(), domain.StagePlanning, missing, Target{})
	depErr := requireDepErr(t, err)
	assert.Equal(t, domain.ReasonNotFound, depErr.Reason)
	assert.Equal(t, missing, depErr.AncestorID)
}

func TestValidateWrongStageUpstream(t *testing.T) {
	store := memory.NewStore()
	r := seed(t, store, domain.StageRequirements, nil, domain.StatusApproved)

	_, err := NewValidator(store, nil).Validate(context.Background(), domain.StageStories, r.ID, Target{})
	depErr := requireDepErr(t, err)
	assert.Equal(t, domain.ReasonWrongStage, depErr.Reason)
	assert.Equal(t, domain.StagePlanning, depErr.Ancestor)
}

func TestValidateStoryGenerationChecksWholeChain(t *testing.T) {
	store := memory.NewStore()
	v := NewValidator(store, nil)
	ctx := context.Background()

	r := seed(t, store, domain.StageRequirements, nil, domain.StatusApproved)
	p := seed(t, store, domain.StagePlanning, &r.ID, domain.StatusApproved)

	chain, err := v.Validate(ctx, domain.StageStories, p.ID, Target{})
	require.NoError(t, err)
	assert.Equal(t, r.ID, chain.RequirementsID)
	assert.Equal(t, p.ID, chain.PlanningID)

	pendingPlan := seed(t, store, domain.StagePlanning, &r.ID, domain.StatusRejected)
	_, err = v.Validate(ctx, domain.StageStories, pendingPlan.ID, Target{})
	depErr := requireDepErr(t, err)
	assert.Equal(t, domain.StatusPlanningNotApproved, depErr.Sentinel())
}

func TestValidateDetectsBrokenLinkage(t *testing.T) {
	store := memory.NewStore()
	orphanParent := uuid.New()
	p := seed(t, store, domain.StagePlanning, &orphanParent, domain.StatusApproved)

	_, err := NewValidator(store, nil).Validate(context.Background(), domain.StageStories, p.ID, Target{})
	depErr := requireDepErr(t, err)
	assert.Equal(t, domain.ReasonMissingLink, depErr.Reason)
	assert.Equal(t, domain.StageRequirements, depErr.Ancestor)
	assert.Equal(t, orphanParent, depErr.AncestorID)

	rootless := seed(t, store, domain.StagePlanning, nil, domain.StatusApproved)
	_, err = NewValidator(store, nil).Validate(context.Background(), domain.StageStories, rootless.ID, Target{})
	assert.Equal(t, domain.ReasonMissingLink, requireDepErr(t, err).Reason)
}

func TestValidatePromptGenerationRequiresApprovedStory(t *testing.T) {
	store := memory.NewStore()
	v := NewValidator(store, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	r := seed(t, store, domain.StageRequirements, nil, domain.StatusApproved)
	p := seed(t, store, domain.StagePlanning, &r.ID, domain.StatusApproved)
	s := seed(t, store, domain.StageStories, &p.ID, domain.StatusApproved)

	draft := domain.ParsedStory{Title: "draft"}.ToStory(s.ID, 0, now)
	approved := domain.ParsedStory{Title: "approved"}.ToStory(s.ID, 1, now)
	approved.Status = domain.StoryApproved
	require.NoError(t, store.SaveStories(ctx, []domain.UserStory{draft, approved}))

	_, err := v.Validate(ctx, domain.StagePrompts, s.ID, Target{StoryIndex: ptr(0)})
	depErr := requireDepErr(t, err)
	assert.Equal(t, domain.ReasonNotApproved, depErr.Reason)
	assert.Equal(t, domain.StatusStoriesNotApproved, depErr.Sentinel())

	_, err = v.Validate(ctx, domain.StagePrompts, s.ID, Target{StoryIndex: ptr(7)})
	assert.Equal(t, domain.ReasonNotFound, requireDepErr(t, err).Reason)

	chain, err := v.Validate(ctx, domain.StagePrompts, s.ID, Target{StoryIndex: ptr(1)})
	require.NoError(t, err)
	assert.Equal(t, approved.ID, chain.StoryID)
	assert.Equal(t, s.ID, chain.StoryGenerationID)
	require.NotNil(t, chain.StoryIndex)
	assert.Equal(t, 1, *chain.StoryIndex)

	ok, reason, err := v.CanStart(ctx, domain.StagePrompts, s.ID, Target{StoryIndex: ptr(0)})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.ReasonNotApproved, reason.Reason)
}
