// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adiadia/stagegate/internal/client"
)

type globalOptions struct {
	apiURL   string
	token    string
	reviewer string
	json     bool
}

func (o *globalOptions) client() *client.Client {
	return client.New(client.Options{
		BaseURL:  o.apiURL,
		Token:    o.token,
		Reviewer: o.reviewer,
	})
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "stagectl",
		Short: "Drive and review the stagegate pipeline",
		Long: `stagectl talks to a running stagegate API.
Stages run in order: requirements-analysis, project-planning,
story-generation and prompt-generation (one per approved story).
Each stage waits for a human decision before the next may start.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.apiURL, "api-url", envOr("STAGEGATE_API_URL", "http://localhost:8080"), "stagegate API base URL")
	flags.StringVar(&opts.token, "token", os.Getenv("REVIEWER_TOKEN"), "reviewer bearer token")
	flags.StringVar(&opts.reviewer, "reviewer", envOr("STAGEGATE_REVIEWER", os.Getenv("USER")), "name recorded on decisions")
	flags.BoolVar(&opts.json, "json", false, "output JSON")

	rootCmd.AddCommand(
		startCmd(opts),
		canStartCmd(opts),
		statusCmd(opts),
		resultCmd(opts),
		workflowCmd(opts),
		reviewsCmd(opts),
		storiesCmd(opts),
		validateCmd(),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
