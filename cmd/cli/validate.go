// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/adiadia/stagegate/internal/logging"
)

// integrationPackages run with -tags=integration against DATABASE_URL.
var integrationPackages = []string{
	"./internal/persistence/postgres",
	"./internal/repository",
}

func validateCmd() *cobra.Command {
	var skipIntegration bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run gofmt, go vet and the test suites from the repository root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New(cmd.ErrOrStderr(), "prod", os.Getenv("LOG_LEVEL"))
			if err := runValidate(cmd.Context(), logger, !skipIntegration); err != nil {
				logger.Error("validation failed", "error", err)
				return err
			}
			logger.Info("validation passed")
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipIntegration, "skip-integration", false, "never run the postgres integration tests")
	return cmd
}

func runValidate(ctx context.Context, logger *slog.Logger, integration bool) error {
	started := time.Now()

	if err := runGofmtCheck(ctx, logger); err != nil {
		return err
	}
	if err := runCommand(ctx, logger, "go vet", "go", "vet", "./..."); err != nil {
		return err
	}
	if err := runCommand(ctx, logger, "go test unit", "go", "test", "-race", "./..."); err != nil {
		return err
	}

	switch {
	case !integration:
		logger.Info("skipping integration tests", "reason", "disabled by flag")
	case strings.TrimSpace(os.Getenv("DATABASE_URL")) == "":
		logger.Info("skipping integration tests", "reason", "DATABASE_URL is not set")
	default:
		args := append([]string{"test", "-count=1", "-tags=integration"}, integrationPackages...)
		if err := runCommand(ctx, logger, "go test integration", "go", args...); err != nil {
			return err
		}
	}

	logger.Info("validation complete", "duration_ms", time.Since(started).Milliseconds())
	return nil
}

func runGofmtCheck(ctx context.Context, logger *slog.Logger) error {
	files, err := listGoFiles(".")
	if err != nil {
		return fmt.Errorf("list go files: %w", err)
	}
	if len(files) == 0 {
		logger.Info("skipping gofmt check", "reason", "no go files found")
		return nil
	}

	logger.Info("running step", "step", "gofmt check", "files", len(files))
	started := time.Now()

	cmd := exec.CommandContext(ctx, "gofmt", append([]string{"-l"}, files...)...)
	cmd.Stderr = os.Stderr
	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("gofmt check failed: %w", err)
	}
	if unformatted := strings.TrimSpace(string(out)); unformatted != "" {
		return fmt.Errorf("gofmt would change files:\n%s", unformatted)
	}

	logger.Info("step completed", "step", "gofmt check", "duration_ms", time.Since(started).Milliseconds())
	return nil
}

func runCommand(ctx context.Context, logger *slog.Logger, step, name string, args ...string) error {
	logger.Info("running step", "step", step, "command", strings.Join(append([]string{name}, args...), " "))
	started := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	err := cmd.Run()
	duration := time.Since(started)
	if err != nil {
		exitCode := 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		logger.Error("step failed", "step", step, "duration_ms", duration.Milliseconds(), "exit_code", exitCode)
		return err
	}

	logger.Info("step completed", "step", step, "duration_ms", duration.Milliseconds())
	return nil
}

// listGoFiles walks root for .go files. Directories the go tool ignores
// (leading underscore) are skipped along with caches and vendor.
func listGoFiles(root string) ([]string, error) {
	files := make([]string, 0, 64)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			switch {
			case name == ".git", name == ".cache", name == ".gocache", name == ".gomodcache", name == "vendor":
				return filepath.SkipDir
			case path != root && strings.HasPrefix(name, "_"):
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) == ".go" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}
