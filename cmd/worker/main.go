package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"report-service/internal/config"
	"report-service/internal/logging"
	"report-service/internal/producer"
	"report-service/internal/store"
	"report-service/internal/telemetry"
	"report-service/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatalw("connect postgres", "error", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatalw("migrations", "error", err)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warnw("metrics server stopped", "error", err)
		}
	}()

	engine := worker.NewEngine(cfg, st, producer.New(), logger)

	logger.Infow("worker started",
		"instance_id", cfg.InstanceID,
		"poll_interval", cfg.PollInterval,
		"stale_lock_timeout", cfg.StaleLockTimeout,
		"max_attempts", cfg.MaxAttempts)
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorw("worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Infow("worker stopped")
}
