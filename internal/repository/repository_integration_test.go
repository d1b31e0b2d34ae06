//go:build integration

// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/adiadia/stagegate/internal/domain"
	"github.com/adiadia/stagegate/internal/persistence/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestEntitySaveIsConditionalAndRecordsEvents(t *testing.T) {
	ctx := context.Background()
	store := integrationStore(t, ctx)

	now := time.Now().UTC().Truncate(time.Microsecond)
	e := domain.NewEntity(domain.StageRequirements, nil, "corr-1", now)
	e.Status = domain.StatusProcessing
	e.Input = []byte(`"a todo app"`)
	if err := store.SaveEntity(ctx, e, ""); err != nil {
		t.Fatalf("insert entity: %v", err)
	}
	if err := store.SaveEntity(ctx, e, ""); !errors.Is(err, domain.ErrEntityConflict) {
		t.Fatalf("expected conflict on duplicate insert got %v", err)
	}

	reviewID := uuid.New()
	e.ReviewID = &reviewID
	e.Status = domain.StatusPendingReview
	if err := store.SaveEntity(ctx, e, domain.StatusProcessing); err != nil {
		t.Fatalf("update entity: %v", err)
	}
	if err := store.SaveEntity(ctx, e, domain.StatusProcessing); !errors.Is(err, domain.ErrEntityConflict) {
		t.Fatalf("expected conflict on stale update got %v", err)
	}

	loaded, err := store.LoadEntity(ctx, e.ID)
	if err != nil {
		t.Fatalf("load entity: %v", err)
	}
	if loaded.Status != domain.StatusPendingReview || loaded.ReviewID == nil || *loaded.ReviewID != reviewID {
		t.Fatalf("unexpected entity after update: %+v", loaded)
	}
	if string(loaded.Input) != `"a todo app"` {
		t.Fatalf("expected input to round trip got %s", loaded.Input)
	}

	events, err := store.ListEventsAfter(ctx, e.ID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events got %d", len(events))
	}
	if events[0].Type != domain.EventStageStarted || events[1].Type != domain.EventStagePendingReview {
		t.Fatalf("unexpected event types %s, %s", events[0].Type, events[1].Type)
	}

	seq, err := store.ResolveCursorByEventID(ctx, e.ID, events[0].ID)
	if err != nil {
		t.Fatalf("resolve cursor: %v", err)
	}
	after, err := store.ListEventsAfter(ctx, e.ID, seq)
	if err != nil {
		t.Fatalf("list events after cursor: %v", err)
	}
	if len(after) != 1 {
		t.Fatalf("expected 1 event after cursor got %d", len(after))
	}

	attempts, err := store.ListAttempts(ctx, e.AttemptKey())
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 1 || attempts[0].ID != e.ID {
		t.Fatalf("expected the entity as only attempt got %+v", attempts)
	}
}

func TestAncestorChainIntegration(t *testing.T) {
	ctx := context.Background()
	store := integrationStore(t, ctx)

	now := time.Now().UTC()
	root := domain.NewEntity(domain.StageRequirements, nil, "", now)
	root.Status = domain.StatusProcessing
	mustSave(t, store, root)

	plan := domain.NewEntity(domain.StagePlanning, &root.ID, "", now)
	plan.Status = domain.StatusProcessing
	mustSave(t, store, plan)

	gen := domain.NewEntity(domain.StageStories, &plan.ID, "", now)
	gen.Status = domain.StatusProcessing
	mustSave(t, store, gen)

	chain, err := store.LoadAncestorChain(ctx, gen.ID)
	if err != nil {
		t.Fatalf("load chain: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("expected chain of 3 got %d", len(chain))
	}
	if chain[0].ID != gen.ID || chain[1].ID != plan.ID || chain[2].ID != root.ID {
		t.Fatalf("chain is not nearest first: %v %v %v", chain[0].ID, chain[1].ID, chain[2].ID)
	}

	children, err := store.ListByParent(ctx, root.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 1 || children[0].ID != plan.ID {
		t.Fatalf("expected planning child got %+v", children)
	}

	if _, err := store.LoadAncestorChain(ctx, uuid.New()); !errors.Is(err, domain.ErrEntityNotFound) {
		t.Fatalf("expected not found got %v", err)
	}
}

func TestPendingReviewUniquenessIntegration(t *testing.T) {
	ctx := context.Background()
	store := integrationStore(t, ctx)

	now := time.Now().UTC()
	e := domain.NewEntity(domain.StagePlanning, nil, "", now)
	e.Status = domain.StatusProcessing
	mustSave(t, store, e)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		dupes     int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.InsertReview(ctx, domain.ReviewItem{
				ID:          uuid.New(),
				EntityRef:   e.Ref(),
				Content:     "plan",
				SubmittedAt: now,
				ExpiresAt:   now.Add(time.Hour),
				Status:      domain.ReviewPending,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrDuplicatePendingReview):
				dupes++
			default:
				t.Errorf("unexpected insert error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 || dupes != 7 {
		t.Fatalf("expected 1 insert and 7 duplicates got %d and %d", succeeded, dupes)
	}

	pending, err := store.ListPendingReviews(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending review got %d", len(pending))
	}

	decided, err := store.DecideReview(ctx, pending[0].ID, domain.ReviewRejected, domain.ReviewDecision{Feedback: "more detail", DecidedAt: now})
	if err != nil {
		t.Fatalf("decide review: %v", err)
	}
	if decided.Decision == nil || decided.Decision.Feedback != "more detail" {
		t.Fatalf("expected decision to be stored got %+v", decided.Decision)
	}
	if _, err := store.DecideReview(ctx, pending[0].ID, domain.ReviewApproved, domain.ReviewDecision{}); !errors.Is(err, domain.ErrReviewAlreadyDecided) {
		t.Fatalf("expected already decided got %v", err)
	}
	if _, err := store.DecideReview(ctx, uuid.New(), domain.ReviewApproved, domain.ReviewDecision{}); !errors.Is(err, domain.ErrReviewNotFound) {
		t.Fatalf("expected review not found got %v", err)
	}

	// A new pending review is accepted once the previous one is decided.
	if err := store.InsertReview(ctx, domain.ReviewItem{
		ID: uuid.New(), EntityRef: e.Ref(), Content: "plan v2",
		SubmittedAt: now.Add(time.Second), ExpiresAt: now.Add(time.Hour), Status: domain.ReviewPending,
	}); err != nil {
		t.Fatalf("insert after decision: %v", err)
	}
	latest, err := store.LatestReviewForEntity(ctx, e.ID)
	if err != nil {
		t.Fatalf("latest review: %v", err)
	}
	if latest.Content != "plan v2" {
		t.Fatalf("expected newest review got %q", latest.Content)
	}
}

func TestStoryDecisionsIntegration(t *testing.T) {
	ctx := context.Background()
	store := integrationStore(t, ctx)

	now := time.Now().UTC()
	gen := domain.NewEntity(domain.StageStories, nil, "", now)
	gen.Status = domain.StatusProcessing
	mustSave(t, store, gen)

	stories := []domain.UserStory{
		domain.ParsedStory{Title: "Sign up", AcceptanceCriteria: []string{"email verified"}}.ToStory(gen.ID, 1, now),
		domain.ParsedStory{Title: "Sign in"}.ToStory(gen.ID, 2, now),
		domain.ParsedStory{Title: "Reset password"}.ToStory(gen.ID, 3, now),
	}
	if err := store.SaveStories(ctx, stories); err != nil {
		t.Fatalf("save stories: %v", err)
	}

	n, err := store.ApproveDraftStories(ctx, gen.ID, []int{1, 3}, now)
	if err != nil {
		t.Fatalf("approve stories: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 approved stories got %d", n)
	}

	st, err := store.StoryByIndex(ctx, gen.ID, 2)
	if err != nil {
		t.Fatalf("story by index: %v", err)
	}
	if st.Status != domain.StoryDraft {
		t.Fatalf("expected unselected story to stay draft got %s", st.Status)
	}

	rejected, err := store.DecideStory(ctx, st.ID, domain.StoryRejected, "too vague", now)
	if err != nil {
		t.Fatalf("reject story: %v", err)
	}
	if rejected.Feedback != "too vague" {
		t.Fatalf("expected feedback to be stored got %q", rejected.Feedback)
	}
	if _, err := store.DecideStory(ctx, st.ID, domain.StoryApproved, "", now); !errors.Is(err, domain.ErrStoryAlreadyDecided) {
		t.Fatalf("expected already decided got %v", err)
	}

	list, err := store.ListStories(ctx, gen.ID)
	if err != nil {
		t.Fatalf("list stories: %v", err)
	}
	if len(list) != 3 || list[0].AcceptanceCriteria[0] != "email verified" {
		t.Fatalf("unexpected stories %+v", list)
	}
}

func mustSave(t *testing.T, store *Store, e domain.Entity) {
	t.Helper()
	if err := store.SaveEntity(context.Background(), e, ""); err != nil {
		t.Fatalf("save entity %s: %v", e.ID, err)
	}
}

func truncateAll(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `TRUNCATE TABLE events, reviews, stories, entities RESTART IDENTITY CASCADE`)
	return err
}

func integrationStore(t *testing.T, ctx context.Context) *Store {
	t.Helper()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set DATABASE_URL to run integration tests")
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		t.Skipf("skip integration test: cannot create pgx pool (%v)", err)
	}
	t.Cleanup(pool.Close)

	if err := pool.Ping(ctx); err != nil {
		t.Skipf("skip integration test: cannot reach database (%v)", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if err := truncateAll(ctx, pool); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	return NewStore(pool, logger)
}
