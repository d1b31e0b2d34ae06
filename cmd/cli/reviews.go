// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adiadia/stagegate/internal/domain"
)

func reviewsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reviews",
		Short: "List and decide human reviews",
	}
	cmd.AddCommand(
		reviewsPendingCmd(opts),
		reviewsShowCmd(opts),
		reviewsApproveCmd(opts),
		reviewsRejectCmd(opts),
	)
	return cmd
}

func reviewsPendingCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List reviews waiting for a decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := opts.client().PendingReviews(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), items)
			}
			renderReviews(cmd.OutOrStdout(), items)
			return nil
		},
	}
}

func reviewsShowCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <review-id>",
		Short: "Show a review and the content under review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := opts.client().Review(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), item)
			}
			printReview(cmd.OutOrStdout(), item)
			return nil
		},
	}
}

func reviewsApproveCmd(opts *globalOptions) *cobra.Command {
	var (
		feedback string
		stories  []int
	)

	cmd := &cobra.Command{
		Use:   "approve <review-id>",
		Short: "Approve a review",
		Long: `Approve a review. For story generation, --stories approves only the
listed story numbers and leaves the rest as drafts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := opts.client().ApproveReview(cmd.Context(), args[0], feedback, stories)
			if err != nil {
				return err
			}
			return printDecision(cmd.OutOrStdout(), opts, item)
		},
	}

	cmd.Flags().StringVar(&feedback, "feedback", "", "optional note stored with the decision")
	cmd.Flags().IntSliceVar(&stories, "stories", nil, "story numbers to approve (story generation only)")
	return cmd
}

func reviewsRejectCmd(opts *globalOptions) *cobra.Command {
	var feedback string

	cmd := &cobra.Command{
		Use:   "reject <review-id>",
		Short: "Reject a review with feedback for the next attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(feedback) == "" {
				return fmt.Errorf("--feedback is required when rejecting")
			}
			item, err := opts.client().RejectReview(cmd.Context(), args[0], feedback)
			if err != nil {
				return err
			}
			return printDecision(cmd.OutOrStdout(), opts, item)
		},
	}

	cmd.Flags().StringVar(&feedback, "feedback", "", "what the next attempt should change")
	return cmd
}

func storiesCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stories",
		Short: "Inspect and decide individual user stories",
	}

	list := &cobra.Command{
		Use:   "list <generation-id>",
		Short: "List the stories of a story generation entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stories, err := opts.client().Stories(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), stories)
			}
			renderStories(cmd.OutOrStdout(), stories)
			return nil
		},
	}

	approve := &cobra.Command{
		Use:   "approve <story-id>",
		Short: "Approve a single draft story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.client().ApproveStory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printStory(cmd.OutOrStdout(), opts, s)
		},
	}

	var feedback string
	reject := &cobra.Command{
		Use:   "reject <story-id>",
		Short: "Reject a single draft story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.client().RejectStory(cmd.Context(), args[0], feedback)
			if err != nil {
				return err
			}
			return printStory(cmd.OutOrStdout(), opts, s)
		},
	}
	reject.Flags().StringVar(&feedback, "feedback", "", "reason for rejecting the story")

	cmd.AddCommand(list, approve, reject)
	return cmd
}

func printReview(w io.Writer, item domain.ReviewItem) {
	rows := [][2]string{
		{"review", item.ID.String()},
		{"stage", string(item.EntityRef.Stage)},
		{"entity", item.EntityRef.EntityID.String()},
		{"status", string(item.Status)},
		{"attempt", item.Metadata["attempt"]},
		{"story", item.Metadata["story_index"]},
		{"submitted", item.SubmittedAt.Local().Format("2006-01-02 15:04:05")},
		{"expires", item.ExpiresAt.Local().Format("2006-01-02 15:04:05")},
	}
	if d := item.Decision; d != nil {
		rows = append(rows,
			[2]string{"decided by", d.DecidedBy},
			[2]string{"feedback", item.Feedback()},
		)
	}
	renderKeyValues(w, rows)
	fmt.Fprintln(w)
	fmt.Fprintln(w, indent(item.Content))
}

func printDecision(w io.Writer, opts *globalOptions, item domain.ReviewItem) error {
	if opts.json {
		return printJSON(w, item)
	}
	fmt.Fprintf(w, "review %s is %s\n", item.ID, item.Status)
	return nil
}

func printStory(w io.Writer, opts *globalOptions, s domain.UserStory) error {
	if opts.json {
		return printJSON(w, s)
	}
	fmt.Fprintf(w, "story %s (#%d) is %s\n", s.ID, s.Index, s.Status)
	return nil
}
