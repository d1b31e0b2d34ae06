// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	// ReasonTimedOut is recorded on reviews closed by the expiry sweep.
	ReasonTimedOut = "review timed out"
	// ReasonWithdrawn closes a review whose entity left PROCESSING before
	// the review could be attached to it.
	ReasonWithdrawn = "entity no longer awaiting review"
)

type ReviewItem struct {
	ID          uuid.UUID         `json:"id"`
	EntityRef   EntityRef         `json:"entity_ref"`
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	Status      ReviewStatus      `json:"status"`
	Decision    *ReviewDecision   `json:"decision,omitempty"`
}

type ReviewDecision struct {
	Reason       string    `json:"reason,omitempty"`
	Feedback     string    `json:"feedback,omitempty"`
	DecidedBy    string    `json:"decided_by,omitempty"`
	DecidedAt    time.Time `json:"decided_at"`
	StoryIndexes []int     `json:"story_indexes,omitempty"`
}

// Stale reports whether a pending review has passed its deadline.
func (r ReviewItem) Stale(now time.Time) bool {
	return r.Status == ReviewPending && !r.ExpiresAt.After(now)
}

// Feedback returns what the next attempt should take into account.
func (r ReviewItem) Feedback() string {
	if r.Decision == nil {
		return ""
	}
	if r.Decision.Feedback != "" {
		return r.Decision.Feedback
	}
	return r.Decision.Reason
}
