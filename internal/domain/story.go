// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

type UserStory struct {
	ID                 uuid.UUID   `json:"id"`
	GenerationID       uuid.UUID   `json:"generation_id"`
	Index              int         `json:"index"`
	Title              string      `json:"title"`
	Description        string      `json:"description"`
	AcceptanceCriteria []string    `json:"acceptance_criteria"`
	Priority           string      `json:"priority,omitempty"`
	StoryPoints        *int        `json:"story_points,omitempty"`
	Status             StoryStatus `json:"status"`
	Feedback           string      `json:"feedback,omitempty"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// ParsedStory is a story as read from model output, before it is attached
// to a generation entity.
type ParsedStory struct {
	Title              string
	Description        string
	AcceptanceCriteria []string
	Priority           string
	StoryPoints        *int
}

func (p ParsedStory) ToStory(generationID uuid.UUID, index int, now time.Time) UserStory {
	criteria := p.AcceptanceCriteria
	if criteria == nil {
		criteria = []string{}
	}
	return UserStory{
		ID:                 uuid.New(),
		GenerationID:       generationID,
		Index:              index,
		Title:              p.Title,
		Description:        p.Description,
		AcceptanceCriteria: criteria,
		Priority:           p.Priority,
		StoryPoints:        p.StoryPoints,
		Status:             StoryDraft,
		UpdatedAt:          now,
	}
}
