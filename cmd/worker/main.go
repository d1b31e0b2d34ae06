// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/adiadia/stagegate/internal/app"
	"github.com/adiadia/stagegate/internal/config"
	"github.com/adiadia/stagegate/internal/logging"
)

func main() {
	configPath := flag.String("config", os.Getenv("STAGEGATE_CONFIG"), "path to a YAML config file")
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Store == config.StoreMemory {
		log.Fatal("worker needs a shared store; the memory store only lives inside the api process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.NewLogger(cfg.Env, cfg.LogLevel).With("component", "worker")

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	sweeper := a.Sweeper()
	if *once {
		expired, err := sweeper.SweepOnce(ctx)
		if err != nil {
			logger.Error("sweep failed", "error", err)
			os.Exit(1)
		}
		logger.Info("sweep complete", "expired", expired)
		return
	}

	logger.Info("worker started", "interval", cfg.Review.CleanupInterval())
	sweeper.Run(ctx)
}
