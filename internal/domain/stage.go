// SPDX-License-Identifier: Apache-2.0

package domain

import "strings"

type Stage string

const (
	StageRequirements Stage = "requirements_analysis"
	StagePlanning     Stage = "project_planning"
	StageStories      Stage = "story_generation"
	StagePrompts      Stage = "prompt_generation"
)

// Stages lists the pipeline in execution order.
var Stages = []Stage{
	StageRequirements,
	StagePlanning,
	StageStories,
	StagePrompts,
}

// Upstream returns the stage that must be approved before s may start.
// The first stage has no upstream.
func (s Stage) Upstream() (Stage, bool) {
	switch s {
	case StagePlanning:
		return StageRequirements, true
	case StageStories:
		return StagePlanning, true
	case StagePrompts:
		return StageStories, true
	default:
		return "", false
	}
}

func (s Stage) Valid() bool {
	for _, known := range Stages {
		if s == known {
			return true
		}
	}
	return false
}

// Slug is the URL form of the stage name.
func (s Stage) Slug() string {
	return strings.ReplaceAll(string(s), "_", "-")
}

// ParseStage accepts both the snake_case and kebab-case spellings.
func ParseStage(raw string) (Stage, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.ReplaceAll(normalized, "-", "_")

	s := Stage(normalized)
	if !s.Valid() {
		return "", ErrUnknownStage
	}
	return s, nil
}
