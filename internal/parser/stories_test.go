// SPDX-License-Identifier: Apache-2.0

package parser

import (
	"errors"
	"testing"

	"github.com/adiadia/stagegate/internal/domain"
)

const sampleStories = `Here are the user stories for the project.

### Story 1: Account sign-up
**Description**: As a visitor I want to create an account
so that I can save my work.
**Acceptance Criteria**:
- Email and password are required
- A confirmation email is sent
  within one minute
**Priority**: High
**Story Points**: 5

### Story 2: Password reset
Description: As a user I want to reset my password.
Acceptance Criteria:
1. Reset link expires after 24 hours
Priority: Medium
Story Points: 3 points
`

func TestStoryParserParsesMarkdown(t *testing.T) {
	stories, err := NewStoryParser().Parse(sampleStories)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(stories) != 2 {
		t.Fatalf("expected 2 stories, got %d", len(stories))
	}

	first := stories[0]
	if first.Title != "Account sign-up" {
		t.Fatalf("unexpected title %q", first.Title)
	}
	if first.Description != "As a visitor I want to create an account so that I can save my work." {
		t.Fatalf("unexpected description %q", first.Description)
	}
	if len(first.AcceptanceCriteria) != 2 {
		t.Fatalf("expected 2 criteria, got %v", first.AcceptanceCriteria)
	}
	if first.AcceptanceCriteria[1] != "A confirmation email is sent within one minute" {
		t.Fatalf("continuation line not joined: %q", first.AcceptanceCriteria[1])
	}
	if first.Priority != "High" {
		t.Fatalf("unexpected priority %q", first.Priority)
	}
	if first.StoryPoints == nil || *first.StoryPoints != 5 {
		t.Fatalf("unexpected story points %v", first.StoryPoints)
	}

	second := stories[1]
	if second.Title != "Password reset" || second.Priority != "Medium" {
		t.Fatalf("unexpected second story %+v", second)
	}
	if len(second.AcceptanceCriteria) != 1 || second.AcceptanceCriteria[0] != "Reset link expires after 24 hours" {
		t.Fatalf("unexpected criteria %v", second.AcceptanceCriteria)
	}
	if second.StoryPoints == nil || *second.StoryPoints != 3 {
		t.Fatalf("unexpected story points %v", second.StoryPoints)
	}
}

func TestStoryParserRejectsTextWithoutStories(t *testing.T) {
	_, err := NewStoryParser().Parse("I could not produce any stories, sorry.")
	if !errors.Is(err, domain.ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestFuncParser(t *testing.T) {
	var p Parser[string] = Func[string](func(raw string) (string, error) { return raw + "!", nil })
	got, err := p.Parse("ok")
	if err != nil || got != "ok!" {
		t.Fatalf("unexpected result %q, %v", got, err)
	}
}
