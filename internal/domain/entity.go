// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entity is one attempt at producing a stage's output. Entities are append-only:
// regenerating a stage creates a new entity with a higher Attempt.
type Entity struct {
	ID            uuid.UUID       `json:"id"`
	Stage         Stage           `json:"stage"`
	ParentID      *uuid.UUID      `json:"parent_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Status        Status          `json:"status"`
	Content       string          `json:"content,omitempty"`
	RawResponse   string          `json:"raw_response,omitempty"`
	ReviewID      *uuid.UUID      `json:"review_id,omitempty"`
	Feedback      string          `json:"feedback,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	StoryIndex    *int            `json:"story_index,omitempty"`
	Attempt       int             `json:"attempt"`
	Input         json.RawMessage `json:"input,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func NewEntity(stage Stage, parentID *uuid.UUID, correlationID string, now time.Time) Entity {
	return Entity{
		ID:            uuid.New(),
		Stage:         stage,
		ParentID:      parentID,
		CorrelationID: correlationID,
		Status:        StatusNotStarted,
		Attempt:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Transition moves the entity to a new status after checking the table.
func (e *Entity) Transition(to Status, directApproval bool, now time.Time) error {
	if err := CheckTransition(e.Status, to, directApproval); err != nil {
		return fmt.Errorf("entity %s: %w", e.ID, err)
	}
	e.Status = to
	e.UpdatedAt = now
	return nil
}

// Validate checks the review linkage invariant. Auto-approved entities are
// the one case where APPROVED carries no review.
func (e Entity) Validate(autoApproved bool) error {
	needsReview := e.Status == StatusPendingReview || e.Status == StatusRejected ||
		(e.Status == StatusApproved && !autoApproved)
	if needsReview && e.ReviewID == nil {
		return fmt.Errorf("entity %s in %s has no review", e.ID, e.Status)
	}
	if !needsReview && e.ReviewID != nil {
		return fmt.Errorf("entity %s in %s must not reference a review", e.ID, e.Status)
	}
	return nil
}

// Ref is the non-owning reference held by the review gate.
func (e Entity) Ref() EntityRef {
	return EntityRef{Stage: e.Stage, EntityID: e.ID}
}

type EntityRef struct {
	Stage    Stage     `json:"stage"`
	EntityID uuid.UUID `json:"entity_id"`
}

func (r EntityRef) String() string {
	return string(r.Stage) + "/" + r.EntityID.String()
}

// AttemptKey groups the attempts that compete for the same slot: one stage
// output per upstream entity (and story, for prompts). Root entities group by
// correlation id; without one every start is independent.
type AttemptKey struct {
	Stage         Stage
	ParentID      *uuid.UUID
	StoryIndex    *int
	CorrelationID string
}

func (e Entity) AttemptKey() AttemptKey {
	k := AttemptKey{Stage: e.Stage, ParentID: e.ParentID, StoryIndex: e.StoryIndex}
	if e.ParentID == nil {
		k.CorrelationID = e.CorrelationID
	}
	return k
}

// Grouped reports whether the key identifies a shared slot at all.
func (k AttemptKey) Grouped() bool {
	return k.ParentID != nil || k.CorrelationID != ""
}

// Matches reports whether e competes for the slot identified by k.
func (k AttemptKey) Matches(e Entity) bool {
	if !k.Grouped() || e.Stage != k.Stage || !sameID(e.ParentID, k.ParentID) || !sameIndex(e.StoryIndex, k.StoryIndex) {
		return false
	}
	return k.ParentID != nil || e.CorrelationID == k.CorrelationID
}

func (k AttemptKey) String() string {
	s := string(k.Stage)
	if k.ParentID != nil {
		s += "/" + k.ParentID.String()
	} else {
		s += "/corr:" + k.CorrelationID
	}
	if k.StoryIndex != nil {
		s += fmt.Sprintf("/story:%d", *k.StoryIndex)
	}
	return s
}

func sameID(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sameIndex(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
