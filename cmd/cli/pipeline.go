// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/adiadia/stagegate/internal/client"
)

func startCmd(opts *globalOptions) *cobra.Command {
	var (
		upstreamID    string
		correlationID string
		input         string
		inputFile     string
		storyIndex    int
	)

	cmd := &cobra.Command{
		Use:   "start <stage>",
		Short: "Start or regenerate a stage",
		Example: `  stagectl start requirements-analysis --input "a todo app for teams"
  stagectl start project-planning --upstream <requirements-id>
  stagectl start prompt-generation --upstream <stories-id> --story-index 2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := client.StartRequest{UpstreamID: upstreamID, CorrelationID: correlationID}

			raw, err := readInput(input, inputFile)
			if err != nil {
				return err
			}
			req.Input = raw
			if cmd.Flags().Changed("story-index") {
				req.StoryIndex = &storyIndex
			}

			res, err := opts.client().Start(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), res)
			}

			review := ""
			if res.ReviewID != nil {
				review = *res.ReviewID
			}
			renderKeyValues(cmd.OutOrStdout(), [][2]string{
				{"entity", res.StageEntityID},
				{"status", string(res.Status)},
				{"attempt", strconv.Itoa(res.Attempt)},
				{"review", review},
			})
			return nil
		},
	}

	cmd.Flags().StringVar(&upstreamID, "upstream", "", "approved upstream entity id")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "groups root attempts; defaults to a new id")
	cmd.Flags().StringVar(&input, "input", "", "stage input as text or JSON")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "read stage input from a file ('-' for stdin)")
	cmd.Flags().IntVar(&storyIndex, "story-index", 0, "story number for prompt generation (1-based)")
	return cmd
}

// readInput turns --input or --input-file into the JSON the API expects.
// Valid JSON passes through; anything else is sent as a JSON string.
func readInput(text, path string) (json.RawMessage, error) {
	if text != "" && path != "" {
		return nil, fmt.Errorf("use either --input or --input-file")
	}
	if path != "" {
		var (
			b   []byte
			err error
		)
		if path == "-" {
			b, err = io.ReadAll(os.Stdin)
		} else {
			b, err = os.ReadFile(path)
		}
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		text = string(b)
	}
	if text == "" {
		return nil, nil
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	return json.Marshal(text)
}

func canStartCmd(opts *globalOptions) *cobra.Command {
	var (
		upstreamID string
		storyIndex int
	)

	cmd := &cobra.Command{
		Use:   "can-start <stage>",
		Short: "Check whether a stage's dependencies are met",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var idx *int
			if cmd.Flags().Changed("story-index") {
				idx = &storyIndex
			}

			res, err := opts.client().CanStart(cmd.Context(), args[0], upstreamID, idx)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), res)
			}
			if res.CanStart {
				fmt.Fprintln(cmd.OutOrStdout(), "ready to start")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "blocked: %s (%s)\n", res.Reason, res.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&upstreamID, "upstream", "", "upstream entity id")
	cmd.Flags().IntVar(&storyIndex, "story-index", 0, "story number for prompt generation (1-based)")
	return cmd
}

func statusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <entity-id>",
		Short: "Show the current status of a stage entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := opts.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), v)
			}

			story := ""
			if v.StoryIndex != nil {
				story = strconv.Itoa(*v.StoryIndex)
			}
			renderKeyValues(cmd.OutOrStdout(), [][2]string{
				{"entity", v.EntityID.String()},
				{"stage", string(v.Stage)},
				{"status", string(v.Status)},
				{"attempt", strconv.Itoa(v.Attempt)},
				{"parent", idOrEmpty(v.ParentID)},
				{"story", story},
				{"review", idOrEmpty(v.ReviewID)},
				{"feedback", v.Feedback},
				{"failure", v.FailureReason},
			})
			return nil
		},
	}
}

func resultCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "result <entity-id>",
		Short: "Print the approved output of a stage entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().Result(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Content)
			return nil
		},
	}
}

func workflowCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "workflow <requirements-id>",
		Short: "Show every stage of one pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := opts.client().Workflow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, wf)
			}

			t := newTable(out)
			t.AppendHeader(table.Row{"Stage", "Entity", "Status", "Attempt", "Review"})
			for _, s := range wf.Stages {
				t.AppendRow(table.Row{s.Stage, idOrEmpty(s.EntityID), s.Status, s.Attempt, idOrEmpty(s.ReviewID)})
			}
			t.Render()

			if len(wf.Stories) == 0 {
				return nil
			}
			fmt.Fprintln(out)
			st := newTable(out)
			st.AppendHeader(table.Row{"#", "Story", "Story status", "Prompt entity", "Prompt status"})
			for _, s := range wf.Stories {
				st.AppendRow(table.Row{s.Index, s.Title, s.StoryStatus, idOrEmpty(s.PromptEntityID), s.PromptStatus})
			}
			st.Render()
			return nil
		},
	}
}
