// SPDX-License-Identifier: Apache-2.0

package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adiadia/stagegate/internal/dependency"
	"github.com/adiadia/stagegate/internal/domain"
	"github.com/adiadia/stagegate/internal/gateway"
	"github.com/adiadia/stagegate/internal/parser"
)

// BuildInput is everything a behavior may use to phrase its request.
type BuildInput struct {
	Entity   domain.Entity
	Chain    dependency.Chain
	Upstream *domain.Entity
	Feedback string
}

// Behavior is the stage-specific part of an orchestrator.
type Behavior interface {
	BuildRequest(ctx context.Context, in BuildInput) (gateway.Request, error)
	// Finalize turns the raw provider output into the content submitted
	// for review. Errors wrapping domain.ErrMalformedResponse fail the
	// attempt with the raw output preserved.
	Finalize(ctx context.Context, e domain.Entity, raw string) (string, error)
}

// ApprovalHook is implemented by behaviors that own records besides the
// entity itself. It must be safe to call more than once.
type ApprovalHook interface {
	OnApproved(ctx context.Context, e domain.Entity, item domain.ReviewItem) error
}

// SelectionChecker is implemented by behaviors whose approvals may pick a
// subset of the output.
type SelectionChecker interface {
	CheckSelection(ctx context.Context, item domain.ReviewItem, indexes []int) error
}

const (
	requirementsSystem = "You are a senior business analyst. Turn the project description into a structured requirements document with functional requirements, non-functional requirements, constraints and open questions."
	planningSystem     = "You are an experienced delivery lead. Produce a project plan from the approved requirements: milestones, workstreams, risks and a rough timeline."
	storiesSystem      = "You are an agile product owner. Break the approved plan into user stories. Use exactly this layout for every story:\n### Story N: Title\n**Description**: As a <role> I want <goal> so that <benefit>\n**Acceptance Criteria**:\n- criterion\n**Priority**: High|Medium|Low\n**Story Points**: number"
	promptsSystem      = "You are a staff engineer writing instructions for a coding assistant. Produce a self-contained implementation prompt for the user story below, including context, constraints and a definition of done."
)

type requirementsBehavior struct{}

func (requirementsBehavior) BuildRequest(_ context.Context, in BuildInput) (gateway.Request, error) {
	description := inputText(in.Entity.Input)
	if description == "" {
		return gateway.Request{}, fmt.Errorf("%w: requirements analysis needs a project description", domain.ErrInvalidInput)
	}
	return gateway.Request{
		Operation: string(domain.StageRequirements),
		System:    requirementsSystem,
		Prompt:    withFeedback("Project description:\n"+description, in.Feedback),
	}, nil
}

func (requirementsBehavior) Finalize(_ context.Context, _ domain.Entity, raw string) (string, error) {
	return nonEmpty(raw)
}

type planningBehavior struct{}

func (planningBehavior) BuildRequest(_ context.Context, in BuildInput) (gateway.Request, error) {
	prompt := "Approved requirements:\n" + upstreamContent(in)
	if extra := inputText(in.Entity.Input); extra != "" {
		prompt += "\n\nPlanning notes:\n" + extra
	}
	return gateway.Request{
		Operation: string(domain.StagePlanning),
		System:    planningSystem,
		Prompt:    withFeedback(prompt, in.Feedback),
	}, nil
}

func (planningBehavior) Finalize(_ context.Context, _ domain.Entity, raw string) (string, error) {
	return nonEmpty(raw)
}

// storiesBehavior parses the generated stories into individually reviewable
// records owned by the generation entity.
type storiesBehavior struct {
	stories StoryStore
	parser  parser.Parser[[]domain.ParsedStory]
	now     func() time.Time
}

func (b storiesBehavior) BuildRequest(_ context.Context, in BuildInput) (gateway.Request, error) {
	return gateway.Request{
		Operation: string(domain.StageStories),
		System:    storiesSystem,
		Prompt:    withFeedback("Approved project plan:\n"+upstreamContent(in), in.Feedback),
	}, nil
}

func (b storiesBehavior) Finalize(ctx context.Context, e domain.Entity, raw string) (string, error) {
	parsed, err := b.parser.Parse(raw)
	if err != nil {
		return "", err
	}

	now := b.now()
	stories := make([]domain.UserStory, 0, len(parsed))
	for i, p := range parsed {
		stories = append(stories, p.ToStory(e.ID, i+1, now))
	}
	if err := b.stories.SaveStories(ctx, stories); err != nil {
		return "", fmt.Errorf("save stories: %w", err)
	}
	return strings.TrimSpace(raw), nil
}

// OnApproved approves the stories selected by the decision, or all of them
// when none were selected. Unselected stories stay DRAFT.
func (b storiesBehavior) OnApproved(ctx context.Context, e domain.Entity, item domain.ReviewItem) error {
	var indexes []int
	if item.Decision != nil && len(item.Decision.StoryIndexes) > 0 {
		indexes = item.Decision.StoryIndexes
	}
	_, err := b.stories.ApproveDraftStories(ctx, e.ID, indexes, b.now())
	return err
}

// CheckSelection accepts indexes of stories that exist and were not
// rejected individually.
func (b storiesBehavior) CheckSelection(ctx context.Context, item domain.ReviewItem, indexes []int) error {
	stories, err := b.stories.ListStories(ctx, item.EntityRef.EntityID)
	if err != nil {
		return fmt.Errorf("list stories: %w", err)
	}
	byIndex := make(map[int]domain.StoryStatus, len(stories))
	for _, st := range stories {
		byIndex[st.Index] = st.Status
	}
	for _, idx := range indexes {
		status, ok := byIndex[idx]
		switch {
		case !ok:
			return fmt.Errorf("%w: story %d does not exist (generation has %d)", domain.ErrInvalidInput, idx, len(stories))
		case status == domain.StoryRejected:
			return fmt.Errorf("%w: story %d was rejected", domain.ErrInvalidInput, idx)
		}
	}
	return nil
}

type promptsBehavior struct {
	stories StoryStore
}

func (b promptsBehavior) BuildRequest(ctx context.Context, in BuildInput) (gateway.Request, error) {
	story, err := b.stories.GetStory(ctx, in.Chain.StoryID)
	if err != nil {
		return gateway.Request{}, fmt.Errorf("load story %s: %w", in.Chain.StoryID, err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "User story %d: %s\n", story.Index, story.Title)
	if story.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", story.Description)
	}
	if len(story.AcceptanceCriteria) > 0 {
		sb.WriteString("Acceptance criteria:\n")
		for _, c := range story.AcceptanceCriteria {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}
	if story.Priority != "" {
		fmt.Fprintf(&sb, "Priority: %s\n", story.Priority)
	}
	if extra := inputText(in.Entity.Input); extra != "" {
		fmt.Fprintf(&sb, "\nAdditional context:\n%s\n", extra)
	}

	return gateway.Request{
		Operation: string(domain.StagePrompts),
		System:    promptsSystem,
		Prompt:    withFeedback(sb.String(), in.Feedback),
	}, nil
}

func (promptsBehavior) Finalize(_ context.Context, _ domain.Entity, raw string) (string, error) {
	return nonEmpty(raw)
}

// inputText accepts a JSON string, an object with a description-like field,
// or any other JSON value rendered as indented text.
func inputText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, key := range []string{"description", "requirements", "text", "notes"} {
			if v, ok := obj[key].(string); ok && strings.TrimSpace(v) != "" && len(obj) == 1 {
				return strings.TrimSpace(v)
			}
		}
	}

	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return string(raw)
	}
	return out.String()
}

func upstreamContent(in BuildInput) string {
	if in.Upstream == nil {
		return ""
	}
	return in.Upstream.Content
}

func withFeedback(prompt, feedback string) string {
	if strings.TrimSpace(feedback) == "" {
		return prompt
	}
	return prompt + "\n\nA reviewer rejected the previous attempt with this feedback. Address it:\n" + feedback
}

func nonEmpty(raw string) (string, error) {
	out := strings.TrimSpace(raw)
	if out == "" {
		return "", fmt.Errorf("%w: empty output", domain.ErrMalformedResponse)
	}
	return out, nil
}
