// Command progress-relay consumes crawl progress events from Kafka and keeps
// the latest snapshot per session in Redis, where the ingestor's progress
// endpoint reads it.
//
// Usage:
//
//	go run ./cmd/progress-relay [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/progress"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/config"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/health"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/kafka"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/logger"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/middleware"
	pkgredis "github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting progress relay", "topic", cfg.Kafka.Topics.Progress)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	relay := progress.NewRelay(rdb, cfg.Redis.ProgressTTL, pkgredis.IsNilError)
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.Progress, relay.Handle)

	go func() {
		if err := consumer.Start(ctx); err != nil {
			slog.Error("consumer error", "error", err)
		}
	}()

	checker := health.NewChecker()
	checker.Register("redis", health.PingCheck(rdb.Ping, true))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      middleware.RequestID(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("progress relay listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("progress relay stopped")
}
