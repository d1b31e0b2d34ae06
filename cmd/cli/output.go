// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/adiadia/stagegate/internal/domain"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func renderReviews(w io.Writer, items []domain.ReviewItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, "no pending reviews")
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"Review", "Stage", "Entity", "Attempt", "Submitted", "Expires"})
	for _, it := range items {
		t.AppendRow(table.Row{
			it.ID,
			it.EntityRef.Stage,
			it.EntityRef.EntityID,
			it.Metadata["attempt"],
			it.SubmittedAt.Local().Format("2006-01-02 15:04"),
			it.ExpiresAt.Local().Format("2006-01-02 15:04"),
		})
	}
	t.Render()
}

func renderStories(w io.Writer, stories []domain.UserStory) {
	if len(stories) == 0 {
		fmt.Fprintln(w, "no stories")
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"#", "Story", "Title", "Priority", "Points", "Status"})
	for _, s := range stories {
		points := ""
		if s.StoryPoints != nil {
			points = fmt.Sprint(*s.StoryPoints)
		}
		t.AppendRow(table.Row{s.Index, s.ID, s.Title, s.Priority, points, s.Status})
	}
	t.Render()
}

func renderKeyValues(w io.Writer, rows [][2]string) {
	t := newTable(w)
	for _, r := range rows {
		if r[1] == "" {
			continue
		}
		t.AppendRow(table.Row{r[0], r[1]})
	}
	t.Render()
}

func idOrEmpty(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

func indent(text string) string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return ""
	}
	return "  " + strings.ReplaceAll(text, "\n", "\n  ")
}
