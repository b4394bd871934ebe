// Command scrape runs a single crawl session in the foreground and prints
// its report as JSON.
//
// With -dry-run the crawl writes to in-memory stores, which is useful for
// checking the parsers against the live listing without touching the
// database.
//
// Usage:
//
//	go run ./cmd/scrape -kind cases [-max-pages 5] [-start-page 1] [-dry-run]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/crawl"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/matcher"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/progress"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/schema"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/session"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/source"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/source/hse"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/tracker"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/upsert"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/config"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/logger"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/metrics"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/postgres"
)

type flags struct {
	kind      string
	sessionID string
	dryRun    bool
	migrate   bool
	startPage int
	maxPages  int
	stopMode  string
	threshold int
	pages     int
	maxErrors int
	pageDelay time.Duration
	noDetails bool
	initiator string
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	var f flags
	flag.StringVar(&f.kind, "kind", "cases", "listing to crawl: cases or notices")
	flag.StringVar(&f.sessionID, "session", "", "explicit session ID; reusing one is idempotent")
	flag.BoolVar(&f.dryRun, "dry-run", false, "write to in-memory stores instead of postgres")
	flag.BoolVar(&f.migrate, "migrate", false, "apply the database schema first")
	flag.IntVar(&f.startPage, "start-page", 0, "first listing page")
	flag.IntVar(&f.maxPages, "max-pages", 0, "page ceiling (0 keeps the configured value)")
	flag.StringVar(&f.stopMode, "stop-mode", "", "existing-record stop granularity: page or record")
	flag.IntVar(&f.threshold, "existing-threshold", 0, "consecutive existing records that mark saturation")
	flag.IntVar(&f.pages, "existing-pages", 0, "saturated pages before stopping (page mode)")
	flag.IntVar(&f.maxErrors, "max-errors", 0, "consecutive failed pages before failing the session")
	flag.DurationVar(&f.pageDelay, "page-delay", 0, "pause between pages")
	flag.BoolVar(&f.noDetails, "no-details", false, "skip case detail pages")
	flag.StringVar(&f.initiator, "initiated-by", "cli", "recorded as the session initiator")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	kind, err := parseKind(f.kind)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if f.noDetails {
		cfg.Source.FetchDetails = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := run(ctx, cfg, f, kind)
	if report != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	}
	if err != nil {
		slog.Error("scrape failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, f flags, kind tracker.SyncKind) (*crawl.Report, error) {
	var (
		offenders *matcher.Matcher
		records   *upsert.Engine
		tr        *tracker.Tracker
	)
	m := metrics.NewUnregistered()
	if f.dryRun {
		offenders = matcher.New(matcher.NewMemoryStore())
		records = upsert.New(upsert.NewMemoryStore(), offenders)
		tr = tracker.New(tracker.NewMemoryStore())
	} else {
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		defer db.Close()
		if f.migrate {
			if err := schema.Apply(ctx, db.DB); err != nil {
				return nil, err
			}
		}
		offenders = matcher.New(matcher.NewPostgresStore(db.DB))
		records = upsert.New(upsert.NewPostgresStore(db.DB), offenders)
		tr = tracker.New(tracker.NewPostgresStore(db.DB))
	}

	adapters, err := newAdapters(cfg.Source, m)
	if err != nil {
		return nil, err
	}
	publisher := progress.NewLogPublisher(slog.Default())
	coord := crawl.New(cfg.Crawl, tr, offenders, records, publisher, source.NewLimiter(cfg.Source.RequestsPerMinute), m)
	manager := session.NewManager(tr, coord, adapters, nil, 0)

	return manager.RunSession(ctx, session.StartRequest{
		SessionID:      f.sessionID,
		Kind:           kind,
		TargetResource: "enforcement_records",
		InitiatedBy:    f.initiator,
		Options:        f.options(),
	})
}

func newAdapters(cfg config.SourceConfig, m *metrics.Metrics) ([]source.Adapter, error) {
	fetcher := source.NewFetcher(cfg, m)
	cases, err := hse.NewCases(fetcher, cfg)
	if err != nil {
		return nil, err
	}
	notices, err := hse.NewNotices(fetcher, cfg)
	if err != nil {
		return nil, err
	}
	return []source.Adapter{cases, notices}, nil
}

// parseKind accepts the short listing names as well as the sync kinds
// themselves.
func parseKind(s string) (tracker.SyncKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cases", "case", string(tracker.SyncHSECases):
		return tracker.SyncHSECases, nil
	case "notices", "notice", string(tracker.SyncHSENotices):
		return tracker.SyncHSENotices, nil
	}
	return "", fmt.Errorf("unknown kind %q: want cases or notices", s)
}

func (f flags) options() tracker.Options {
	return tracker.Options{
		StartPage:                    f.startPage,
		MaxPages:                     f.maxPages,
		PageDelay:                    f.pageDelay,
		ConsecutiveExistingThreshold: f.threshold,
		ConsecutiveExistingPages:     f.pages,
		StopMode:                     f.stopMode,
		MaxConsecutiveErrors:         f.maxErrors,
	}
}
