// Command ingestor starts the enforcement ingestion HTTP service.
//
// The service runs crawl sessions against the HSE enforcement listings,
// persisting offenders, enforcement records and the session audit trail to
// PostgreSQL. Sessions are started and controlled via /api/v1/sessions;
// progress is published to Kafka when enabled and crawls of the same kind
// are serialised through a Redis lock when Redis is enabled.
//
// Usage:
//
//	go run ./cmd/ingestor [-config configs/development.yaml] [-migrate]
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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/crawl"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/matcher"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/progress"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/schema"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/session"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/session/handler"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/source"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/source/hse"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/tracker"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/upsert"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/config"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/health"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/kafka"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/logger"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/metrics"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/middleware"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/postgres"
	pkgredis "github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/redis"
)

// main loads configuration, connects to PostgreSQL (and optionally Redis and
// Kafka), wires the crawl coordinator behind the session manager, and serves
// the session API. SIGINT/SIGTERM pauses running sessions and drains the
// server.
func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	migrate := flag.Bool("migrate", false, "apply the database schema before serving")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting ingestor", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to postgres")

	if *migrate {
		if err := schema.Apply(ctx, db.DB); err != nil {
			slog.Error("failed to apply schema", "error", err)
			os.Exit(1)
		}
	}

	m := metrics.New(nil)
	checker := health.NewChecker()
	checker.Register("postgres", health.PingCheck(db.Ping, true))

	var (
		locker   session.Locker
		snapshot handler.ProgressReader
	)
	if cfg.Redis.Enabled {
		rdb, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		locker = rdb
		snapshot = progress.NewRelay(rdb, cfg.Redis.ProgressTTL, pkgredis.IsNilError)
		checker.Register("redis", health.PingCheck(rdb.Ping, false))
		slog.Info("redis enabled", "addr", cfg.Redis.Addr)
	}

	var publisher progress.Publisher = progress.NewLogPublisher(slog.Default())
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.Progress)
		defer producer.Close()
		kp := progress.NewKafkaPublisher(producer, 0, 0, 0, m)
		kp.Start(context.Background())
		defer kp.Close()
		publisher = kp
		checker.Register("kafka", func(context.Context) health.ComponentHealth {
			if n := kp.BufferLen(); n > 0 {
				return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("%d events buffered", n)}
			}
			return health.ComponentHealth{Status: health.StatusUp}
		})
		slog.Info("kafka progress publisher initialized", "topic", cfg.Kafka.Topics.Progress)
	}

	fetcher := source.NewFetcher(cfg.Source, m)
	cases, err := hse.NewCases(fetcher, cfg.Source)
	if err != nil {
		slog.Error("failed to configure cases source", "error", err)
		os.Exit(1)
	}
	notices, err := hse.NewNotices(fetcher, cfg.Source)
	if err != nil {
		slog.Error("failed to configure notices source", "error", err)
		os.Exit(1)
	}

	offenders := matcher.New(matcher.NewPostgresStore(db.DB))
	records := upsert.New(upsert.NewPostgresStore(db.DB), offenders)
	tr := tracker.New(tracker.NewPostgresStore(db.DB))
	coord := crawl.New(cfg.Crawl, tr, offenders, records, publisher, source.NewLimiter(cfg.Source.RequestsPerMinute), m)
	manager := session.NewManager(tr, coord, []source.Adapter{cases, notices}, locker, cfg.Redis.LockTTL)

	h := handler.New(manager, snapshot)
	mux := http.NewServeMux()
	h.Register(mux)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var shutdownMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		shutdownMetrics, err = metrics.StartServer(cfg.Metrics.Port, prometheus.DefaultGatherer,
			metrics.Route{Path: "/health/live", Handler: checker.LiveHandler()},
			metrics.Route{Path: "/health/ready", Handler: checker.ReadyHandler()},
		)
		if err != nil {
			slog.Error("failed to start metrics server", "error", err)
			os.Exit(1)
		}
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		if err := manager.Shutdown(shutdownCtx); err != nil {
			slog.Error("session shutdown error", "error", err)
		}
		if shutdownMetrics != nil {
			if err := shutdownMetrics(shutdownCtx); err != nil {
				slog.Error("metrics shutdown error", "error", err)
			}
		}
	}()

	slog.Info("ingestor listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	manager.Wait()
	slog.Info("ingestor stopped")
}
