// SPDX-License-Identifier: Apache-2.0

// Package memory is an in-process store with the same guarantees as the
// Postgres repositories. One mutex serializes every write, which makes the
// pending-review check and insert atomic.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/adiadia/stagegate/internal/domain"
	"github.com/google/uuid"
)

type Store struct {
	mu      sync.RWMutex
	now     func() time.Time
	entity  map[uuid.UUID]domain.Entity
	stories map[uuid.UUID]domain.UserStory
	reviews map[uuid.UUID]domain.ReviewItem
	events  map[uuid.UUID][]domain.EventRecord
	seq     int64
}

func NewStore() *Store {
	return &Store{
		now:     func() time.Time { return time.Now().UTC() },
		entity:  make(map[uuid.UUID]domain.Entity),
		stories: make(map[uuid.UUID]domain.UserStory),
		reviews: make(map[uuid.UUID]domain.ReviewItem),
		events:  make(map[uuid.UUID][]domain.EventRecord),
	}
}

// SaveEntity inserts e when prev is empty, otherwise updates it only if the
// stored status still equals prev.
func (s *Store) SaveEntity(_ context.Context, e domain.Entity, prev domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.entity[e.ID]
	switch {
	case prev == "" && exists:
		return domain.ErrEntityConflict
	case prev != "" && !exists:
		return domain.ErrEntityNotFound
	case prev != "" && current.Status != prev:
		return domain.ErrEntityConflict
	}

	s.entity[e.ID] = cloneEntity(e)
	if !exists || current.Status != e.Status {
		if typ, ok := domain.EventForStatus(e.Status); ok {
			s.appendEventLocked(e.ID, typ, statusPayload(e))
		}
	}
	return nil
}

func (s *Store) LoadEntity(_ context.Context, id uuid.UUID) (domain.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entity[id]
	if !ok {
		return domain.Entity{}, domain.ErrEntityNotFound
	}
	return cloneEntity(e), nil
}

// LoadAncestorChain returns id followed by its ancestors, nearest first. The
// walk stops at the first missing parent so callers can detect broken links.
func (s *Store) LoadAncestorChain(_ context.Context, id uuid.UUID) ([]domain.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entity[id]
	if !ok {
		return nil, domain.ErrEntityNotFound
	}

	chain := []domain.Entity{cloneEntity(e)}
	for e.ParentID != nil && len(chain) < len(domain.Stages) {
		parent, ok := s.entity[*e.ParentID]
		if !ok {
			break
		}
		chain = append(chain, cloneEntity(parent))
		e = parent
	}
	return chain, nil
}

func (s *Store) ListAttempts(_ context.Context, key domain.AttemptKey) ([]domain.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Entity
	for _, e := range s.entity {
		if key.Matches(e) {
			out = append(out, cloneEntity(e))
		}
	}
	sortEntities(out)
	return out, nil
}

func (s *Store) ListByParent(_ context.Context, parentID uuid.UUID) ([]domain.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Entity
	for _, e := range s.entity {
		if e.ParentID != nil && *e.ParentID == parentID {
			out = append(out, cloneEntity(e))
		}
	}
	sortEntities(out)
	return out, nil
}

func (s *Store) ListByStatus(_ context.Context, statuses ...domain.Status) ([]domain.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[domain.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []domain.Entity
	for _, e := range s.entity {
		if want[e.Status] {
			out = append(out, cloneEntity(e))
		}
	}
	sortEntities(out)
	return out, nil
}

func (s *Store) SaveStories(_ context.Context, stories []domain.UserStory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range stories {
		s.stories[st.ID] = cloneStory(st)
	}
	return nil
}

func (s *Store) ListStories(_ context.Context, generationID uuid.UUID) ([]domain.UserStory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.UserStory, 0)
	for _, st := range s.stories {
		if st.GenerationID == generationID {
			out = append(out, cloneStory(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *Store) GetStory(_ context.Context, id uuid.UUID) (domain.UserStory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stories[id]
	if !ok {
		return domain.UserStory{}, domain.ErrStoryNotFound
	}
	return cloneStory(st), nil
}

func (s *Store) StoryByIndex(_ context.Context, generationID uuid.UUID, index int) (domain.UserStory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, st := range s.stories {
		if st.GenerationID == generationID && st.Index == index {
			return cloneStory(st), nil
		}
	}
	return domain.UserStory{}, domain.ErrStoryNotFound
}

// DecideStory moves a DRAFT story to status.
func (s *Store) DecideStory(_ context.Context, id uuid.UUID, status domain.StoryStatus, feedback string, now time.Time) (domain.UserStory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stories[id]
	if !ok {
		return domain.UserStory{}, domain.ErrStoryNotFound
	}
	if st.Status != domain.StoryDraft {
		return domain.UserStory{}, domain.ErrStoryAlreadyDecided
	}
	st.Status = status
	st.Feedback = feedback
	st.UpdatedAt = now
	s.stories[id] = st
	s.appendEventLocked(st.GenerationID, storyEvent(status), storyPayload(st))
	return cloneStory(st), nil
}

// ApproveDraftStories approves the DRAFT stories of a generation. A nil
// indexes slice selects every story. It returns how many stories changed.
func (s *Store) ApproveDraftStories(_ context.Context, generationID uuid.UUID, indexes []int, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	selected := indexSet(indexes)
	changed := 0
	for id, st := range s.stories {
		if st.GenerationID != generationID || st.Status != domain.StoryDraft {
			continue
		}
		if selected != nil && !selected[st.Index] {
			continue
		}
		st.Status = domain.StoryApproved
		st.UpdatedAt = now
		s.stories[id] = st
		s.appendEventLocked(generationID, domain.EventStoryApproved, storyPayload(st))
		changed++
	}
	return changed, nil
}

func (s *Store) InsertReview(_ context.Context, item domain.ReviewItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.reviews {
		if existing.EntityRef.EntityID == item.EntityRef.EntityID && existing.Status == domain.ReviewPending {
			return domain.ErrDuplicatePendingReview
		}
	}
	s.reviews[item.ID] = cloneReview(item)
	return nil
}

func (s *Store) GetReview(_ context.Context, id uuid.UUID) (domain.ReviewItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.reviews[id]
	if !ok {
		return domain.ReviewItem{}, domain.ErrReviewNotFound
	}
	return cloneReview(item), nil
}

func (s *Store) ListPendingReviews(_ context.Context) ([]domain.ReviewItem, error) {
	return s.listReviews(func(r domain.ReviewItem) bool { return r.Status == domain.ReviewPending }), nil
}

func (s *Store) ListStaleReviews(_ context.Context, now time.Time) ([]domain.ReviewItem, error) {
	return s.listReviews(func(r domain.ReviewItem) bool { return r.Stale(now) }), nil
}

func (s *Store) LatestReviewForEntity(_ context.Context, entityID uuid.UUID) (domain.ReviewItem, error) {
	items := s.listReviews(func(r domain.ReviewItem) bool { return r.EntityRef.EntityID == entityID })
	if len(items) == 0 {
		return domain.ReviewItem{}, domain.ErrReviewNotFound
	}
	return items[len(items)-1], nil
}

// DecideReview commits a decision only while the item is still PENDING.
func (s *Store) DecideReview(_ context.Context, id uuid.UUID, status domain.ReviewStatus, decision domain.ReviewDecision) (domain.ReviewItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.reviews[id]
	if !ok {
		return domain.ReviewItem{}, domain.ErrReviewNotFound
	}
	if item.Status != domain.ReviewPending {
		return domain.ReviewItem{}, domain.ErrReviewAlreadyDecided
	}
	item.Status = status
	d := decision
	d.StoryIndexes = append([]int(nil), decision.StoryIndexes...)
	item.Decision = &d
	s.reviews[id] = item
	return cloneReview(item), nil
}

func (s *Store) ListEventsAfter(_ context.Context, entityID uuid.UUID, afterSeq int64) ([]domain.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.EventRecord, 0, 8)
	for _, ev := range s.events[entityID] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Store) ResolveCursorByEventID(_ context.Context, entityID, eventID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ev := range s.events[entityID] {
		if ev.ID == eventID {
			return ev.Seq, nil
		}
	}
	return 0, domain.ErrEntityNotFound
}

func (s *Store) listReviews(keep func(domain.ReviewItem) bool) []domain.ReviewItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ReviewItem, 0)
	for _, item := range s.reviews {
		if keep(item) {
			out = append(out, cloneReview(item))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

func (s *Store) appendEventLocked(entityID uuid.UUID, typ string, payload json.RawMessage) {
	s.seq++
	s.events[entityID] = append(s.events[entityID], domain.EventRecord{
		ID:        uuid.New(),
		Seq:       s.seq,
		EntityID:  entityID,
		Type:      typ,
		Payload:   payload,
		CreatedAt: s.now(),
	})
}

func sortEntities(out []domain.Entity) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Attempt != out[j].Attempt {
			return out[i].Attempt < out[j].Attempt
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
}

func indexSet(indexes []int) map[int]bool {
	if indexes == nil {
		return nil
	}
	set := make(map[int]bool, len(indexes))
	for _, i := range indexes {
		set[i] = true
	}
	return set
}

func storyEvent(status domain.StoryStatus) string {
	if status == domain.StoryApproved {
		return domain.EventStoryApproved
	}
	return domain.EventStoryRejected
}

func statusPayload(e domain.Entity) json.RawMessage {
	b, _ := json.Marshal(domain.StatusEventPayload(e))
	return b
}

func storyPayload(st domain.UserStory) json.RawMessage {
	b, _ := json.Marshal(domain.StoryEventPayload(st))
	return b
}

func cloneEntity(e domain.Entity) domain.Entity {
	if e.ParentID != nil {
		id := *e.ParentID
		e.ParentID = &id
	}
	if e.ReviewID != nil {
		id := *e.ReviewID
		e.ReviewID = &id
	}
	if e.StoryIndex != nil {
		i := *e.StoryIndex
		e.StoryIndex = &i
	}
	e.Input = append(json.RawMessage(nil), e.Input...)
	return e
}

func cloneStory(st domain.UserStory) domain.UserStory {
	st.AcceptanceCriteria = append([]string{}, st.AcceptanceCriteria...)
	if st.StoryPoints != nil {
		p := *st.StoryPoints
		st.StoryPoints = &p
	}
	return st
}

func cloneReview(item domain.ReviewItem) domain.ReviewItem {
	if item.Metadata != nil {
		md := make(map[string]string, len(item.Metadata))
		for k, v := range item.Metadata {
			md[k] = v
		}
		item.Metadata = md
	}
	if item.Decision != nil {
		d := *item.Decision
		d.StoryIndexes = append([]int(nil), d.StoryIndexes...)
		item.Decision = &d
	}
	return item
}
