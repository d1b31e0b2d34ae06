// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventStageStarted       = "STAGE_STARTED"
	EventStagePendingReview = "STAGE_PENDING_REVIEW"
	EventStageApproved      = "STAGE_APPROVED"
	EventStageRejected      = "STAGE_REJECTED"
	EventStageFailed        = "STAGE_FAILED"
	EventStoryApproved      = "STORY_APPROVED"
	EventStoryRejected      = "STORY_REJECTED"
)

type EventRecord struct {
	ID        uuid.UUID       `json:"id"`
	Seq       int64           `json:"seq"`
	EntityID  uuid.UUID       `json:"entity_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventForStatus returns the audit event emitted when an entity enters status.
func EventForStatus(s Status) (string, bool) {
	switch s {
	case StatusProcessing:
		return EventStageStarted, true
	case StatusPendingReview:
		return EventStagePendingReview, true
	case StatusApproved:
		return EventStageApproved, true
	case StatusRejected:
		return EventStageRejected, true
	case StatusFailed:
		return EventStageFailed, true
	default:
		return "", false
	}
}

type StatusPayload struct {
	Stage         Stage      `json:"stage"`
	Status        Status     `json:"status"`
	Attempt       int        `json:"attempt"`
	ReviewID      *uuid.UUID `json:"review_id,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

func StatusEventPayload(e Entity) StatusPayload {
	return StatusPayload{
		Stage:         e.Stage,
		Status:        e.Status,
		Attempt:       e.Attempt,
		ReviewID:      e.ReviewID,
		FailureReason: e.FailureReason,
	}
}

type StoryPayload struct {
	StoryID  uuid.UUID   `json:"story_id"`
	Index    int         `json:"index"`
	Status   StoryStatus `json:"status"`
	Feedback string      `json:"feedback,omitempty"`
}

func StoryEventPayload(st UserStory) StoryPayload {
	return StoryPayload{StoryID: st.ID, Index: st.Index, Status: st.Status, Feedback: st.Feedback}
}
