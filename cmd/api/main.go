package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"keypanel/backend/internal/app"
	"keypanel/backend/internal/auth"
	"keypanel/backend/internal/config"
	"keypanel/backend/internal/http/handlers"
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
	logger = logger.With("service", "api")
	slog.SetDefault(logger)

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("init error", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	creds := auth.Credentials{
		Login:        cfg.Admin.Login,
		Password:     cfg.Admin.Password,
		PasswordHash: cfg.Admin.PasswordHash,
		StepUpHash:   cfg.Admin.StepUpPasswordHash,
	}
	if !creds.Enabled() {
		logger.Warn("admin_disabled", "detail", "set ADMIN_LOGIN and ADMIN_PASSWORD or ADMIN_PASSWORD_HASH")
	}

	h := handlers.New(handlers.Deps{
		Engine:         a.Engine,
		Keys:           a.Keys,
		Registry:       a.Registry,
		Reconciler:     a.Reconciler,
		Metrics:        a.Metrics,
		KeyLimiter:     a.KeyLimiter,
		IPLimiter:      a.IPLimiter,
		Credentials:    creds,
		JWTSecret:      cfg.JWTSecret,
		RequestTimeout: cfg.Orders.DispatchTimeout + 10*time.Second,
	}, logger)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api_listening", "addr", cfg.HTTPAddr, "storage", cfg.StorageDriver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown", "service", "api")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.Orders.DispatchTimeout+5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShutdown)
}
