// SPDX-License-Identifier: Apache-2.0

package stage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adiadia/stagegate/internal/dependency"
	"github.com/adiadia/stagegate/internal/domain"
	"github.com/adiadia/stagegate/internal/gateway"
	"github.com/adiadia/stagegate/internal/repository/memory"
	"github.com/adiadia/stagegate/internal/review"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoStories = `### Story 1: Sign up
**Description**: As a visitor I want an account.
**Acceptance Criteria**:
- Email is verified
**Priority**: High
**Story Points**: 3

### Story 2: Sign in
**Description**: As a user I want to log in.
**Acceptance Criteria**:
- Wrong password is rejected
**Priority**: Medium
**Story Points**: 2
`

type scriptedGenerator struct {
	mu      sync.Mutex
	calls   []gateway.Request
	respond func(req gateway.Request) (string, error)
}

func (g *scriptedGenerator) Call(_ context.Context, req gateway.Request) (gateway.Response, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	respond := g.respond
	g.mu.Unlock()

	if respond != nil {
		out, err := respond(req)
		if err != nil {
			return gateway.Response{}, err
		}
		return gateway.Response{Content: out, Backend: "stub", Attempts: 1}, nil
	}

	switch domain.Stage(req.Operation) {
	case domain.StageRequirements:
		return gateway.Response{Content: "FR-1 users can sign up"}, nil
	case domain.StagePlanning:
		return gateway.Response{Content: "Milestone 1: accounts"}, nil
	case domain.StageStories:
		return gateway.Response{Content: twoStories}, nil
	default:
		return gateway.Response{Content: "Implement the story."}, nil
	}
}

func (g *scriptedGenerator) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *scriptedGenerator) last() gateway.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[len(g.calls)-1]
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	engine *Engine
	store  *memory.Store
	gate   *review.Gate
	gen    *scriptedGenerator
	clock  *clock
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarnessWith(t *testing.T, gen Generator) *harness {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	store := memory.NewStore()
	gate, err := review.NewGate(review.Config{ReviewTimeout: 72 * time.Hour}, review.Deps{Store: store, Logger: quietLogger(), Now: clk.Now})
	require.NoError(t, err)

	engine := NewEngine(EngineDeps{
		Entities:  store,
		Stories:   store,
		Validator: dependency.NewValidator(store, quietLogger()),
		Generator: gen,
		Reviewer:  gate,
		Options:   DefaultOptions(),
		Logger:    quietLogger(),
		Now:       clk.Now,
	})

	h := &harness{engine: engine, store: store, gate: gate, clock: clk}
	if sg, ok := gen.(*scriptedGenerator); ok {
		h.gen = sg
	}
	return h
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, &scriptedGenerator{})
}

func input(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func (h *harness) approve(t *testing.T, e domain.Entity, indexes ...int) {
	t.Helper()
	require.NotNil(t, e.ReviewID)
	_, err := h.gate.Approve(context.Background(), *e.ReviewID, review.DecisionInput{DecidedBy: "reviewer", StoryIndexes: indexes})
	require.NoError(t, err)
}

func (h *harness) startApproved(t *testing.T, s domain.Stage, upstream uuid.UUID) domain.Entity {
	t.Helper()
	e, err := h.engine.Start(context.Background(), s, upstream, StartOptions{Input: input("a todo app")})
	require.NoError(t, err)
	h.approve(t, e)
	return e
}

func TestStartRefusedWithoutApprovedUpstream(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.engine.Start(ctx, domain.StageRequirements, uuid.Nil, StartOptions{Input: input("a todo app")})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingReview, r.Status)
	calls := h.gen.count()

	_, err = h.engine.Start(ctx, domain.StagePlanning, r.ID, StartOptions{})
	require.ErrorIs(t, err, domain.ErrDependencyNotMet)
	var depErr *domain.DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, domain.StatusRequirementsNotApproved, depErr.Sentinel())

	assert.Equal(t, calls, h.gen.count(), "provider must not be called")
	children, err := h.store.ListByParent(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, children, "no entity may be created")

	res, err := h.engine.CanStart(ctx, domain.StagePlanning, r.ID, dependency.Target{})
	require.NoError(t, err)
	assert.False(t, res.CanStart)
	assert.Equal(t, domain.StatusRequirementsNotApproved, res.Status)
}

func TestPipelineEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r := h.startApproved(t, domain.StageRequirements, uuid.Nil)
	status, err := h.engine.Status(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, status.Status)

	res, err := h.engine.CanStart(ctx, domain.StagePlanning, r.ID, dependency.Target{})
	require.NoError(t, err)
	assert.True(t, res.CanStart)

	p, err := h.engine.Start(ctx, domain.StagePlanning, r.ID, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingReview, p.Status)
	assert.Contains(t, h.gen.last().Prompt, "FR-1 users can sign up", "planning builds on approved requirements")

	_, err = h.engine.Result(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrNotReady)

	h.approve(t, p)
	result, err := h.engine.Result(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Milestone 1: accounts", result.Content)

	s, err := h.engine.Start(ctx, domain.StageStories, p.ID, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingReview, s.Status)

	stories, err := h.engine.Stories(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, stories, 2)
	for _, st := range stories {
		assert.Equal(t, domain.StoryDraft, st.Status)
	}

	// Approve only the first story.
	h.approve(t, s, 1)
	stories, err = h.engine.Stories(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StoryApproved, stories[0].Status)
	assert.Equal(t, domain.StoryDraft, stories[1].Status)

	_, err = h.engine.Start(ctx, domain.StagePrompts, s.ID, StartOptions{StoryIndex: ptr(2)})
	require.ErrorIs(t, err, domain.ErrDependencyNotMet)

	prompt, err := h.engine.Start(ctx, domain.StagePrompts, s.ID, StartOptions{StoryIndex: ptr(1)})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, prompt.Status, "prompt generation is auto-approved")
	assert.Nil(t, prompt.ReviewID)
	assert.Contains(t, h.gen.last().Prompt, "Sign up")

	wf, err := h.engine.Workflow(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, wf.Stages, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, domain.StatusApproved, wf.Stages[i].Status, wf.Stages[i].Stage)
	}
	assert.Equal(t, domain.StatusApproved, wf.Stages[3].Status)
	require.Len(t, wf.Stories, 2)
	assert.Equal(t, domain.StatusApproved, wf.Stories[0].PromptStatus)
	assert.Equal(t, domain.StatusStoriesNotApproved, wf.Stories[1].PromptStatus)

	_, err = h.engine.ApproveStory(ctx, stories[1].ID)
	require.NoError(t, err)
	_, err = h.engine.ApproveStory(ctx, stories[1].ID)
	assert.ErrorIs(t, err, domain.ErrStoryAlreadyDecided)

	wf, err = h.engine.Workflow(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNotStarted, wf.Stories[1].PromptStatus)
	assert.Equal(t, domain.StatusNotStarted, wf.Stages[3].Status)
}

func TestRejectionThenRegeneration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r := h.startApproved(t, domain.StageRequirements, uuid.Nil)
	p1, err := h.engine.Start(ctx, domain.StagePlanning, r.ID, StartOptions{})
	require.NoError(t, err)

	_, err = h.gate.Reject(ctx, *p1.ReviewID, review.DecisionInput{Feedback: "add a testing milestone"})
	require.NoError(t, err)

	status, err := h.engine.Status(ctx, p1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, status.Status)
	assert.Equal(t, "add a testing milestone", status.Feedback)

	p2, err := h.engine.Start(ctx, domain.StagePlanning, r.ID, StartOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, p1.ID, p2.ID, "regeneration appends a new entity")
	assert.Equal(t, 2, p2.Attempt)
	assert.Contains(t, h.gen.last().Prompt, "add a testing milestone")

	old, err := h.store.LoadEntity(ctx, p1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, old.Status)

	h.approve(t, p2)
	_, err = h.engine.Start(ctx, domain.StagePlanning, r.ID, StartOptions{})
	assert.ErrorIs(t, err, domain.ErrAlreadyApproved)
}

func TestSecondStartWhileReviewPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r := h.startApproved(t, domain.StageRequirements, uuid.Nil)
	_, err := h.engine.Start(ctx, domain.StagePlanning, r.ID, StartOptions{})
	require.NoError(t, err)

	_, err = h.engine.Start(ctx, domain.StagePlanning, r.ID, StartOptions{})
	assert.ErrorIs(t, err, domain.ErrAttemptInProgress)
}

func TestConcurrentStartsCreateOneAttempt(t *testing.T) {
	release := make(chan struct{})
	gen := &scriptedGenerator{respond: func(req gateway.Request) (string, error) {
		if req.Operation == string(domain.StagePlanning) {
			<-release
		}
		return "output", nil
	}}
	h := newHarnessWith(t, gen)
	ctx := context.Background()
	r := h.startApproved(t, domain.StageRequirements, uuid.Nil)

	var ok, busy atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Start(ctx, domain.StagePlanning, r.ID, StartOptions{})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrAttemptInProgress):
				busy.Add(1)
			}
		}()
	}

	require.Eventually(t, func() bool { return busy.Load() == 7 }, 2*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	children, err := h.store.ListByParent(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, children, 1)
}

func TestProviderFailureMarksEntityFailed(t *testing.T) {
	gen := &scriptedGenerator{respond: func(gateway.Request) (string, error) {
		return "", &domain.ProviderError{Backend: "stub", Operation: "requirements_analysis", StatusCode: 401, Attempts: 1, Cause: errors.New("unauthorized")}
	}}
	h := newHarnessWith(t, gen)

	e, err := h.engine.Start(context.Background(), domain.StageRequirements, uuid.Nil, StartOptions{Input: input("x")})
	require.ErrorIs(t, err, domain.ErrProviderFatal)
	assert.Equal(t, domain.ClassGenerationFailed, domain.Classify(err))
	assert.Equal(t, domain.StatusFailed, e.Status)
	assert.Nil(t, e.ReviewID)

	stored, err := h.store.LoadEntity(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "unauthorized")
	assert.NoError(t, stored.Validate(false))
}

func TestMalformedStoriesPreserveRawResponse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.startApproved(t, domain.StageRequirements, uuid.Nil)
	p := h.startApproved(t, domain.StagePlanning, r.ID)

	h.gen.respond = func(gateway.Request) (string, error) { return "Sorry, I cannot help with that.", nil }
	s, err := h.engine.Start(ctx, domain.StageStories, p.ID, StartOptions{})
	require.ErrorIs(t, err, domain.ErrMalformedResponse)
	assert.Equal(t, domain.StatusFailed, s.Status)

	stored, err := h.store.LoadEntity(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "Sorry, I cannot help with that.", stored.RawResponse)

	h.gen.respond = nil
	retry, err := h.engine.Start(ctx, domain.StageStories, p.ID, StartOptions{})
	require.NoError(t, err, "a failed attempt does not block a new one")
	assert.Equal(t, 2, retry.Attempt)
}

func TestInvalidInputCreatesNothing(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Start(context.Background(), domain.StageRequirements, uuid.Nil, StartOptions{})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, 0, h.gen.count())

	active, err := h.store.ListByStatus(context.Background(), domain.StatusProcessing, domain.StatusFailed)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestExpiryRejectsEntity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.engine.Start(ctx, domain.StageRequirements, uuid.Nil, StartOptions{Input: input("x")})
	require.NoError(t, err)

	h.clock.Advance(73 * time.Hour)
	n, err := h.gate.ExpireStale(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := h.store.LoadEntity(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, stored.Status)
	assert.Equal(t, domain.ReasonTimedOut, stored.Feedback)

	n, err = h.gate.ExpireStale(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOnReviewDecisionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.engine.Start(ctx, domain.StageRequirements, uuid.Nil, StartOptions{Input: input("x")})
	require.NoError(t, err)
	item, err := h.gate.Approve(ctx, *r.ReviewID, review.DecisionInput{})
	require.NoError(t, err)

	events, err := h.store.ListEventsAfter(ctx, r.ID, 0)
	require.NoError(t, err)

	o := h.engine.orchestrators[domain.StageRequirements]
	require.NoError(t, o.OnReviewDecision(ctx, item))
	require.NoError(t, o.OnReviewDecision(ctx, item))

	again, err := h.store.ListEventsAfter(ctx, r.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, len(events), len(again))

	stored, err := h.store.LoadEntity(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, stored.Status)
}

func TestStatusDerivesLostDecisionAndReconcilePersists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.engine.Start(ctx, domain.StageRequirements, uuid.Nil, StartOptions{Input: input("x")})
	require.NoError(t, err)

	// Commit the decision without notifying, as if the process died.
	_, err = h.store.DecideReview(ctx, *r.ReviewID, domain.ReviewApproved, domain.ReviewDecision{DecidedAt: h.clock.Now()})
	require.NoError(t, err)

	status, err := h.engine.Status(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, status.Status)

	stored, err := h.store.LoadEntity(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingReview, stored.Status, "status reads must not write")

	_, err = h.engine.Start(ctx, domain.StagePlanning, r.ID, StartOptions{})
	require.ErrorIs(t, err, domain.ErrDependencyNotMet, "validation reads persisted state")

	require.NoError(t, h.engine.Reconcile(ctx))
	stored, err = h.store.LoadEntity(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, stored.Status)
	require.NoError(t, h.engine.Reconcile(ctx))
}

func TestReconcileRepairsProcessingEntities(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	abandoned := domain.NewEntity(domain.StageRequirements, nil, "", h.clock.Now())
	abandoned.Status = domain.StatusProcessing
	require.NoError(t, h.store.SaveEntity(ctx, abandoned, ""))

	submitted := domain.NewEntity(domain.StageRequirements, nil, "", h.clock.Now())
	submitted.Status = domain.StatusProcessing
	require.NoError(t, h.store.SaveEntity(ctx, submitted, ""))
	reviewID, err := h.gate.Submit(ctx, submitted.Ref(), "draft", nil)
	require.NoError(t, err)

	require.NoError(t, h.engine.Reconcile(ctx))
	got, err := h.store.LoadEntity(ctx, abandoned.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status, "recent attempts are left alone")

	got, err = h.store.LoadEntity(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingReview, got.Status)
	require.NotNil(t, got.ReviewID)
	assert.Equal(t, reviewID, *got.ReviewID)

	h.clock.Advance(DefaultProcessingTimeout + time.Minute)
	require.NoError(t, h.engine.Reconcile(ctx))
	got, err = h.store.LoadEntity(ctx, abandoned.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, interruptedReason, got.FailureReason)
}

func TestReconciledAttemptGetsNoReview(t *testing.T) {
	entered, release := make(chan struct{}), make(chan struct{})
	gen := &scriptedGenerator{respond: func(gateway.Request) (string, error) {
		close(entered)
		<-release
		return "FR-1 late output", nil
	}}
	h := newHarnessWith(t, gen)
	ctx := context.Background()

	type outcome struct {
		e   domain.Entity
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		e, err := h.engine.Start(ctx, domain.StageRequirements, uuid.Nil, StartOptions{Input: input("x")})
		done <- outcome{e, err}
	}()

	<-entered
	h.clock.Advance(DefaultProcessingTimeout + time.Minute)
	require.NoError(t, h.engine.Reconcile(ctx))
	close(release)

	var got outcome
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return")
	}
	require.ErrorIs(t, got.err, domain.ErrEntityConflict)
	assert.Equal(t, domain.StatusFailed, got.e.Status)
	assert.Nil(t, got.e.ReviewID)

	stored, err := h.store.LoadEntity(ctx, got.e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, interruptedReason, stored.FailureReason)

	pending, err := h.gate.GetPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// interruptingReviewer runs onSubmit right after the review is created, before
// the orchestrator records it on the entity.
type interruptingReviewer struct {
	*review.Gate
	onSubmit func(domain.EntityRef)
}

func (r interruptingReviewer) Submit(ctx context.Context, ref domain.EntityRef, content string, metadata map[string]string) (uuid.UUID, error) {
	id, err := r.Gate.Submit(ctx, ref, content, metadata)
	if err == nil {
		r.onSubmit(ref)
	}
	return id, err
}

func TestReviewWithdrawnWhenEntityFailsDuringSubmit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	reviewer := interruptingReviewer{Gate: h.gate, onSubmit: func(ref domain.EntityRef) {
		e, err := h.store.LoadEntity(ctx, ref.EntityID)
		require.NoError(t, err)
		e.FailureReason = interruptedReason
		require.NoError(t, e.Transition(domain.StatusFailed, false, h.clock.Now()))
		require.NoError(t, h.store.SaveEntity(ctx, e, domain.StatusProcessing))
	}}
	engine := NewEngine(EngineDeps{
		Entities:  h.store,
		Stories:   h.store,
		Validator: dependency.NewValidator(h.store, quietLogger()),
		Generator: h.gen,
		Reviewer:  reviewer,
		Options:   DefaultOptions(),
		Logger:    quietLogger(),
		Now:       h.clock.Now,
	})

	e, err := engine.Start(ctx, domain.StageRequirements, uuid.Nil, StartOptions{Input: input("x")})
	require.ErrorIs(t, err, domain.ErrEntityConflict)
	assert.Equal(t, domain.StatusFailed, e.Status)
	assert.Nil(t, e.ReviewID)

	item, err := h.gate.LatestForEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewExpired, item.Status)
	require.NotNil(t, item.Decision)
	assert.Equal(t, domain.ReasonWithdrawn, item.Decision.Reason)

	pending, err := h.gate.GetPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = h.gate.Approve(ctx, item.ID, review.DecisionInput{})
	assert.ErrorIs(t, err, domain.ErrReviewAlreadyDecided)

	require.NoError(t, engine.Reconcile(ctx))
	stored, err := h.store.LoadEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
}

func TestStorySelectionValidatedBeforeApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.startApproved(t, domain.StageRequirements, uuid.Nil)
	p := h.startApproved(t, domain.StagePlanning, r.ID)

	s, err := h.engine.Start(ctx, domain.StageStories, p.ID, StartOptions{})
	require.NoError(t, err)
	require.NotNil(t, s.ReviewID)

	_, err = h.gate.Approve(ctx, *s.ReviewID, review.DecisionInput{StoryIndexes: []int{99}})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Contains(t, err.Error(), "story 99 does not exist")

	stories, err := h.engine.Stories(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, stories, 2)
	_, err = h.engine.RejectStory(ctx, stories[1].ID, "out of scope")
	require.NoError(t, err)
	_, err = h.gate.Approve(ctx, *s.ReviewID, review.DecisionInput{StoryIndexes: []int{1, 2}})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	stored, err := h.store.LoadEntity(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingReview, stored.Status)
	pending, err := h.gate.GetPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, *s.ReviewID, pending[0].ID)

	h.approve(t, s, 1)
	stories, err = h.engine.Stories(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StoryApproved, stories[0].Status)
	assert.Equal(t, domain.StoryRejected, stories[1].Status)
}

func TestStoryIndexesRefusedOutsideStoryGeneration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.engine.Start(ctx, domain.StageRequirements, uuid.Nil, StartOptions{Input: input("x")})
	require.NoError(t, err)

	_, err = h.gate.Approve(ctx, *r.ReviewID, review.DecisionInput{StoryIndexes: []int{1}})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	stored, err := h.store.LoadEntity(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingReview, stored.Status)
}

func TestWorkflowFollowsLatestAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	opts := StartOptions{Input: input("a todo app"), CorrelationID: "project-7"}

	first, err := h.engine.Start(ctx, domain.StageRequirements, uuid.Nil, opts)
	require.NoError(t, err)
	_, err = h.gate.Reject(ctx, *first.ReviewID, review.DecisionInput{Feedback: "cover offline use"})
	require.NoError(t, err)

	second, err := h.engine.Start(ctx, domain.StageRequirements, uuid.Nil, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Attempt)
	h.approve(t, second)

	wf, err := h.engine.Workflow(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, wf.RequirementsID)
	assert.Equal(t, "project-7", wf.CorrelationID)
	assert.Equal(t, domain.StatusApproved, wf.Stages[0].Status)
	assert.Equal(t, domain.StatusNotStarted, wf.Stages[1].Status)

	same, err := h.engine.Workflow(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.RequirementsID, same.RequirementsID)
}

func TestStartRetriesTransientProviderErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"FR-1 generated"}}]}`))
	}))
	defer srv.Close()

	var waits []time.Duration
	gw, err := gateway.New(gateway.Config{Backends: []gateway.BackendConfig{{Name: "nanogpt", BaseURL: srv.URL}}}, gateway.Deps{
		Logger: quietLogger(),
		Sleep: func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		},
	})
	require.NoError(t, err)

	h := newHarnessWith(t, gw)
	e, err := h.engine.Start(context.Background(), domain.StageRequirements, uuid.Nil, StartOptions{Input: input("x")})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingReview, e.Status)
	assert.True(t, strings.HasPrefix(e.Content, "FR-1"))
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, waits, 2)
	assert.Less(t, waits[0], waits[1])
}

func ptr[T any](v T) *T { return &v }
