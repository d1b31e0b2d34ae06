// SPDX-License-Identifier: Apache-2.0

package domain

import "fmt"

type Status string

const (
	StatusNotStarted    Status = "NOT_STARTED"
	StatusProcessing    Status = "PROCESSING"
	StatusPendingReview Status = "PENDING_REVIEW"
	StatusApproved      Status = "APPROVED"
	StatusRejected      Status = "REJECTED"
	StatusFailed        Status = "FAILED"
)

// Sentinel statuses explain why a stage cannot run yet. They only appear in
// projections and dependency errors and are never persisted on an entity.
const (
	StatusRequirementsNotApproved Status = "REQUIREMENTS_NOT_APPROVED"
	StatusPlanningNotApproved     Status = "PLANNING_NOT_APPROVED"
	StatusStoriesNotApproved      Status = "STORIES_NOT_APPROVED"
)

var transitions = map[Status][]Status{
	StatusNotStarted:    {StatusProcessing},
	StatusProcessing:    {StatusPendingReview, StatusFailed},
	StatusPendingReview: {StatusApproved, StatusRejected},
}

func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusFailed
}

// Active reports whether an attempt in this status still occupies its slot.
func (s Status) Active() bool {
	return s == StatusProcessing || s == StatusPendingReview
}

// CheckTransition validates a status change against the shared table.
// directApproval allows PROCESSING -> APPROVED for stages that bypass review.
func CheckTransition(from, to Status, directApproval bool) error {
	if directApproval && from == StatusProcessing && to == StatusApproved {
		return nil
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "PENDING"
	ReviewApproved ReviewStatus = "APPROVED"
	ReviewRejected ReviewStatus = "REJECTED"
	ReviewExpired  ReviewStatus = "EXPIRED"
)

func (s ReviewStatus) Terminal() bool {
	return s == ReviewApproved || s == ReviewRejected || s == ReviewExpired
}

// EntityStatus maps a terminal review outcome onto the entity status it drives.
// Expiry behaves exactly like a rejection.
func (s ReviewStatus) EntityStatus() (Status, bool) {
	switch s {
	case ReviewApproved:
		return StatusApproved, true
	case ReviewRejected, ReviewExpired:
		return StatusRejected, true
	default:
		return "", false
	}
}

type StoryStatus string

const (
	StoryDraft    StoryStatus = "DRAFT"
	StoryApproved StoryStatus = "APPROVED"
	StoryRejected StoryStatus = "REJECTED"
)
