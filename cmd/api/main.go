// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adiadia/stagegate/internal/app"
	"github.com/adiadia/stagegate/internal/config"
	"github.com/adiadia/stagegate/internal/logging"
	httptransport "github.com/adiadia/stagegate/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("STAGEGATE_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env, cfg.LogLevel)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	a.ReconcileOnStartup(ctx)

	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		a.Sweeper().Run(ctx)
	}()

	readiness := make(map[string]httptransport.HealthChecker, len(a.Readiness))
	for name, checker := range a.Readiness {
		readiness[name] = checker
	}

	handler := httptransport.NewRouter(httptransport.Deps{
		Pipeline:           a.Engine,
		Reviews:            a.Gate,
		EventRepo:          a.Store,
		Logger:             logger,
		ReviewerToken:      cfg.ReviewerToken,
		StartRatePerMinute: cfg.StartRatePerMinute,
		Readiness:          readiness,
		Version:            Version,
		Commit:             Commit,
		BuildDate:          BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"store", cfg.Store,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	<-sweeperDone
}
