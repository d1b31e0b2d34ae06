// SPDX-License-Identifier: Apache-2.0

package parser

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/adiadia/stagegate/internal/domain"
)

var (
	storyHeading  = regexp.MustCompile(`(?i)^(?:#{1,4}|\*\*)\s*(?:user\s+)?story\b\s*(\d+)?\s*[:.\-]?\s*(.*)$`)
	fieldLine     = regexp.MustCompile(`(?i)^(?:#{1,6}\s*|[-*]\s*)?\**\s*(description|acceptance criteria|priority|story points|points)(?:\s*\**\s*:\s*\**\s*(.*)|\s*\**\s*)$`)
	bulletLine    = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+(.*)$`)
	leadingNumber = regexp.MustCompile(`\d+`)
)

// StoryParser reads the markdown layout the story prompt asks for:
//
//	### Story 1: Title
//	**Description**: As a user ...
//	**Acceptance Criteria**:
//	- criterion
//	**Priority**: High
//	**Story Points**: 5
type StoryParser struct{}

func NewStoryParser() StoryParser { return StoryParser{} }

func (StoryParser) Parse(raw string) ([]domain.ParsedStory, error) {
	var (
		stories []domain.ParsedStory
		cur     *domain.ParsedStory
		section string
	)

	flush := func() {
		if cur == nil {
			return
		}
		cur.Description = strings.TrimSpace(cur.Description)
		if cur.Title != "" {
			stories = append(stories, *cur)
		}
		cur = nil
	}

	sc := bufio.NewScanner(strings.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		if m := fieldLine.FindStringSubmatch(line); cur != nil && m != nil {
			name := strings.ToLower(m[1])
			value := strings.TrimSpace(strings.Trim(m[2], "* "))
			switch name {
			case "description":
				section = "description"
				appendText(&cur.Description, value)
			case "acceptance criteria":
				section = "criteria"
				if value != "" {
					cur.AcceptanceCriteria = append(cur.AcceptanceCriteria, value)
				}
			case "priority":
				section = ""
				cur.Priority = value
			case "story points", "points":
				section = ""
				if n := leadingNumber.FindString(value); n != "" {
					if v, err := strconv.Atoi(n); err == nil {
						cur.StoryPoints = &v
					}
				}
			}
			continue
		}

		if m := storyHeading.FindStringSubmatch(line); m != nil {
			flush()
			title := strings.Trim(strings.TrimSpace(m[2]), "*")
			if title == "" {
				title = "Story " + m[1]
			}
			cur = &domain.ParsedStory{Title: strings.TrimSpace(title)}
			section = "description"
			continue
		}
		if cur == nil {
			continue
		}

		switch section {
		case "criteria":
			if m := bulletLine.FindStringSubmatch(line); m != nil {
				cur.AcceptanceCriteria = append(cur.AcceptanceCriteria, strings.TrimSpace(m[1]))
			} else if n := len(cur.AcceptanceCriteria); n > 0 {
				appendText(&cur.AcceptanceCriteria[n-1], line)
			}
		case "description":
			appendText(&cur.Description, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	flush()

	if len(stories) == 0 {
		return nil, fmt.Errorf("%w: no stories found", domain.ErrMalformedResponse)
	}
	return stories, nil
}

func appendText(dst *string, text string) {
	if text == "" {
		return
	}
	if *dst != "" {
		*dst += " "
	}
	*dst += text
}
