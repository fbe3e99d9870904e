package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"keypanel/backend/internal/app"
	"keypanel/backend/internal/config"
	"keypanel/backend/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, cleanup, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("log error: %v", err)
	}
	defer func() {
		_ = cleanup()
	}()
	logger = logger.With("service", "worker")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("init error", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	scheduler, err := newScheduler(ctx, defaultJobs(a), logger)
	if err != nil {
		logger.Error("schedule error", "error", err)
		os.Exit(1)
	}

	logger.Info("worker_started", "jobs", len(scheduler.Entries()))
	scheduler.Start()
	<-ctx.Done()

	logger.Info("shutdown", "service", "worker")
	// Stop waits for running jobs; each job is bounded by its own timeout.
	<-scheduler.Stop().Done()
}
