// Package crawl drives a session's page loop: fetch, transform, match,
// upsert, tally, persist the batch and update the session, then decide
// whether to continue.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/enforcement"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/matcher"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/progress"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/source"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/tracker"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/transform"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/upsert"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/config"
	apperrors "github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/errors"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/logger"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/metrics"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/resilience"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/tracing"
)

// Session metadata keys written after every page.
const (
	MetaLastPage  = "last_page"
	MetaLastBatch = "last_batch"
	MetaStopState = "stop_state"
)

// Resolver turns a record's party into a stored offender.
type Resolver interface {
	Resolve(ctx context.Context, p enforcement.Party) (*matcher.Offender, error)
}

// Upserter stores a record under its natural key.
type Upserter interface {
	Upsert(ctx context.Context, r *enforcement.Record) (upsert.Result, error)
}

// Report summarises one Run.
type Report struct {
	SessionID string           `json:"session_id"`
	Status    tracker.Status   `json:"status"`
	Reason    StopReason       `json:"reason"`
	Pages     int              `json:"pages"`
	FirstPage int              `json:"first_page"`
	LastPage  int              `json:"last_page"`
	Totals    tracker.Counters `json:"totals"`
}

// Coordinator runs sessions. One Coordinator may run several sessions
// concurrently; it holds no per-session state.
type Coordinator struct {
	cfg       config.CrawlConfig
	tracker   *tracker.Tracker
	resolver  Resolver
	upserter  Upserter
	publisher progress.Publisher
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// New returns a Coordinator. publisher, limiter and m may be nil.
func New(cfg config.CrawlConfig, t *tracker.Tracker, r Resolver, u Upserter, publisher progress.Publisher, limiter *rate.Limiter, m *metrics.Metrics) *Coordinator {
	if publisher == nil {
		publisher = progress.Nop{}
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Coordinator{
		cfg:       cfg,
		tracker:   t,
		resolver:  r,
		upserter:  u,
		publisher: publisher,
		limiter:   limiter,
		metrics:   m,
		logger:    slog.Default().With("component", "crawl"),
		sleep:     sleepContext,
	}
}

// pageResult is the outcome of one page. A failed page has cause set and no
// outcomes.
type pageResult struct {
	page     int
	batch    *tracker.Batch
	counters tracker.Counters
	outcomes []recordOutcome
	empty    bool
	cause    error
}

type recordResult struct {
	recordOutcome
	key string
	err error
}

// Run crawls sessionID with adapter until a stop condition. A pending
// session is started; a running one continues after its last recorded
// page. The returned error is non-nil when the session failed or the run
// was interrupted.
func (c *Coordinator) Run(ctx context.Context, sessionID string, adapter source.Adapter) (*Report, error) {
	s, err := c.tracker.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Kind != adapter.Kind() {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest,
			"session %s is %s, adapter crawls %s", sessionID, s.Kind, adapter.Kind())
	}
	switch s.Status {
	case tracker.StatusPending:
		if err := c.tracker.Start(ctx, sessionID); err != nil {
			return nil, err
		}
	case tracker.StatusRunning:
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalidTransition, http.StatusConflict,
			"session %s is %s and cannot be crawled", sessionID, s.Status)
	}

	settings := SettingsFrom(c.cfg, s.Options)
	page := settings.StartPage
	if last, ok := s.MetadataInt(MetaLastPage); ok && last >= page {
		page = last + 1
	}

	ctx = logger.WithSessionID(ctx, sessionID)
	ctx = source.WithLimiter(ctx, c.limiter)
	ctx, span := tracing.StartSpan(ctx, "crawl "+string(s.Kind), sessionID)
	span.SetAttr("first_page", page)
	log := c.logger.With("session_id", sessionID, "sync_kind", string(s.Kind))

	c.metrics.ActiveSessions.Inc()
	defer c.metrics.ActiveSessions.Dec()

	report := &Report{SessionID: sessionID, Status: tracker.StatusRunning, FirstPage: page}
	runErr := c.loop(ctx, s, adapter, settings, page, report, log)

	span.SetAttr("pages", report.Pages)
	span.SetAttr("status", string(report.Status))
	span.EndWithError(runErr)
	span.Log(log)
	if report.Status.Terminal() {
		c.metrics.SessionsTotal.WithLabelValues(string(s.Kind), string(report.Status)).Inc()
	}
	log.Info("crawl finished",
		"status", report.Status,
		"reason", report.Reason,
		"pages", report.Pages,
		"created", report.Totals.Created,
		"updated", report.Totals.Updated,
		"existing", report.Totals.Existing,
		"failed", report.Totals.Failed,
	)
	return report, runErr
}

func (c *Coordinator) loop(ctx context.Context, s *tracker.Session, adapter source.Adapter, settings Settings, page int, report *Report, log *slog.Logger) error {
	sessionID := s.ID
	kind := string(s.Kind)

	batchNo, err := c.tracker.NextBatchNumber(ctx, sessionID)
	if err != nil {
		return c.abort(ctx, report, err)
	}
	if settings.MaxPages > 0 && settings.BatchSize > 0 && s.EstimatedTotal == 0 {
		estimate := settings.MaxPages * settings.BatchSize
		if err := c.tracker.Patch(ctx, sessionID, &estimate, nil); err != nil {
			return c.abort(ctx, report, err)
		}
	}

	detector := newExistingDetector(settings)
	detector.restore(s.Metadata[MetaStopState])
	sessionTotals := s.Counters
	failures := 0

	for first := true; ; first = false {
		if !first {
			if err := c.sleep(ctx, settings.PageDelay); err != nil {
				return c.interrupt(ctx, report, err)
			}
		}
		if ctx.Err() != nil {
			return c.interrupt(ctx, report, ctx.Err())
		}
		if stopped, err := c.stoppedExternally(ctx, report); stopped || err != nil {
			return err
		}

		res, err := c.processPage(ctx, sessionID, adapter, settings, page, batchNo)
		batchNo++
		if err != nil {
			if errors.Is(err, apperrors.ErrTerminal) {
				// Cancelled while the page was in flight.
				_, err := c.stoppedExternally(ctx, report)
				return err
			}
			if ctx.Err() != nil {
				return c.interrupt(ctx, report, ctx.Err())
			}
			return c.abort(ctx, report, err)
		}
		report.Pages++
		report.LastPage = page

		if res.empty {
			c.metrics.PagesTotal.WithLabelValues(kind, "empty").Inc()
			return c.complete(ctx, report, ReasonEndOfListing, detector)
		}

		if res.cause != nil {
			failures++
			c.metrics.PagesTotal.WithLabelValues(kind, "failed").Inc()
			log.Warn("page failed", "page", page, "consecutive_failures", failures, "error", res.cause)
		} else {
			failures = 0
			detector.observe(res.outcomes)
			report.Totals = report.Totals.Add(res.counters)
			sessionTotals = sessionTotals.Add(res.counters)
			c.metrics.PagesTotal.WithLabelValues(kind, "ok").Inc()
			c.publisher.Publish(progress.Event{
				SessionID: sessionID,
				Kind:      s.Kind,
				Page:      page,
				Batch:     res.batch.Number,
				Counters:  res.counters,
				Totals:    sessionTotals,
				Status:    tracker.StatusRunning,
				Timestamp: time.Now().UTC(),
			})
			log.Info("page processed",
				"page", page,
				"batch", res.batch.Number,
				"processed", res.counters.Processed,
				"created", res.counters.Created,
				"existing", res.counters.Existing+res.counters.Updated,
				"failed", res.counters.Failed,
			)
		}

		if err := c.tracker.Patch(context.WithoutCancel(ctx), sessionID, nil, map[string]any{
			MetaLastPage:  page,
			MetaLastBatch: res.batch.Number,
			MetaStopState: detector.state(),
		}); err != nil {
			return c.abort(ctx, report, err)
		}

		switch {
		case settings.MaxPages > 0 && page-settings.StartPage+1 >= settings.MaxPages:
			return c.complete(ctx, report, ReasonMaxPages, detector)
		case res.cause == nil && detector.shouldStop():
			return c.complete(ctx, report, ReasonExistingRun, detector)
		case failures >= settings.MaxConsecutiveErrors:
			report.Reason = ReasonFailureCeiling
			cause := apperrors.Wrap(apperrors.ErrFatal, res.cause, "%d consecutive page failures", failures)
			return c.fail(ctx, report, cause)
		}
		page++
	}
}

// processPage runs one page as one batch. Fetch failures are retried at the
// batch level while transient; a page that still fails is returned with
// cause set. The error return is reserved for tracker failures.
func (c *Coordinator) processPage(ctx context.Context, sessionID string, adapter source.Adapter, settings Settings, page, batchNo int) (*pageResult, error) {
	ctx, span := tracing.StartChildSpan(ctx, fmt.Sprintf("page %d", page))
	span.SetAttr("batch", batchNo)
	defer span.End()

	// Once fetched, a page is finished even if the run is being stopped.
	persistCtx := context.WithoutCancel(ctx)

	b, err := c.tracker.BeginBatch(ctx, sessionID, batchNo, settings.BatchSize)
	if err != nil {
		return nil, err
	}
	batchID := b.ID

	var rows []transform.Raw
	for {
		var ferr error
		rows, ferr = c.fetch(ctx, adapter, page, settings.OperationTimeout)
		if ferr == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		retry, err := c.tracker.FailBatch(persistCtx, b, ferr, apperrors.IsTransient(ferr))
		if err != nil {
			return nil, err
		}
		if !retry {
			span.SetAttr("result", "failed")
			c.tracker.Log(persistCtx, tracker.LogEntry{
				SessionID: sessionID,
				BatchID:   &batchID,
				Level:     tracker.LevelError,
				Event:     tracker.EventPageFailed,
				Message:   fmt.Sprintf("page %d failed", page),
				Data:      map[string]any{"page": page, "retries": b.RetryCount},
				Error:     tracker.NewErrorDetail(ferr),
			})
			return &pageResult{page: page, batch: b, cause: ferr}, nil
		}
		c.tracker.Log(persistCtx, tracker.LogEntry{
			SessionID: sessionID,
			BatchID:   &batchID,
			Level:     tracker.LevelWarn,
			Event:     tracker.EventBatchRetry,
			Message:   fmt.Sprintf("retrying page %d", page),
			Data:      map[string]any{"page": page, "retry": b.RetryCount},
			Error:     tracker.NewErrorDetail(ferr),
		})
		if err := c.sleep(ctx, settings.PageDelay); err != nil {
			return nil, err
		}
		if err := c.tracker.RetryBatch(persistCtx, b); err != nil {
			return nil, err
		}
	}

	if len(rows) == 0 {
		span.SetAttr("result", "empty")
		if err := c.tracker.CompleteBatch(persistCtx, b, tracker.Counters{}); err != nil {
			return nil, err
		}
		return &pageResult{page: page, batch: b, empty: true}, nil
	}

	results := c.processRecords(persistCtx, adapter, rows, settings)
	outcomes := make([]recordOutcome, len(results))
	var counters tracker.Counters
	for i, r := range results {
		outcomes[i] = r.recordOutcome
		counters.Processed++
		outcome := "failed"
		switch {
		case r.failed:
			counters.Failed++
			c.tracker.Log(persistCtx, tracker.LogEntry{
				SessionID: sessionID,
				BatchID:   &batchID,
				Level:     tracker.LevelWarn,
				Event:     tracker.EventRecordFailed,
				Message:   "record skipped",
				Data:      map[string]any{"page": page, "row": i, "key": r.key},
				Error:     tracker.NewErrorDetail(r.err),
			})
		case r.outcome == upsert.Created:
			counters.Created++
			outcome = "created"
		case r.outcome == upsert.Updated:
			counters.Updated++
			outcome = "updated"
		default:
			counters.Existing++
			outcome = "existing"
		}
		c.metrics.RecordsTotal.WithLabelValues(string(adapter.Kind()), outcome).Inc()
	}

	if err := c.tracker.CompleteBatch(persistCtx, b, counters); err != nil {
		return nil, err
	}
	if err := c.tracker.RecordProgress(persistCtx, sessionID, counters); err != nil {
		return nil, err
	}
	c.tracker.Log(persistCtx, tracker.LogEntry{
		SessionID: sessionID,
		BatchID:   &batchID,
		Level:     tracker.LevelInfo,
		Event:     tracker.EventPageProcessed,
		Message:   fmt.Sprintf("page %d processed", page),
		Data: map[string]any{
			"page":      page,
			"processed": counters.Processed,
			"created":   counters.Created,
			"updated":   counters.Updated,
			"existing":  counters.Existing,
			"failed":    counters.Failed,
		},
	})
	span.SetAttr("result", "ok")
	span.SetAttr("created", counters.Created)
	return &pageResult{page: page, batch: b, counters: counters, outcomes: outcomes}, nil
}

func (c *Coordinator) fetch(ctx context.Context, adapter source.Adapter, page int, timeout time.Duration) ([]transform.Raw, error) {
	var rows []transform.Raw
	err := resilience.WithTimeout(ctx, timeout, fmt.Sprintf("fetch page %d", page), func(ctx context.Context) error {
		r, err := adapter.Fetch(ctx, page)
		if err != nil {
			return err
		}
		rows = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// processRecords handles a page's rows on a bounded pool. Results keep the
// source order.
func (c *Coordinator) processRecords(ctx context.Context, adapter source.Adapter, rows []transform.Raw, settings Settings) []recordResult {
	results := make([]recordResult, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(settings.Workers)
	for i, raw := range rows {
		g.Go(func() error {
			results[i] = c.processRecord(gctx, adapter, raw, settings.OperationTimeout)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Coordinator) processRecord(ctx context.Context, adapter source.Adapter, raw transform.Raw, timeout time.Duration) recordResult {
	rec, err := adapter.Transform(raw)
	if err != nil {
		return recordResult{recordOutcome: recordOutcome{failed: true}, key: raw[source.LinkKey], err: err}
	}
	key := adapter.TargetKey(rec)

	var result upsert.Result
	err = resilience.WithTimeout(ctx, timeout, "store "+key, func(ctx context.Context) error {
		offender, err := c.resolver.Resolve(ctx, rec.Party)
		if err != nil {
			return fmt.Errorf("resolving offender: %w", err)
		}
		rec.OffenderID = offender.ID
		res, err := c.upserter.Upsert(ctx, rec)
		if err != nil {
			return fmt.Errorf("upserting: %w", err)
		}
		result = res
		return nil
	})
	if err != nil {
		return recordResult{recordOutcome: recordOutcome{failed: true}, key: key, err: err}
	}
	return recordResult{recordOutcome: recordOutcome{outcome: result.Outcome}, key: key}
}

// stoppedExternally reports whether the session left running through a
// pause or cancel issued elsewhere.
func (c *Coordinator) stoppedExternally(ctx context.Context, report *Report) (bool, error) {
	s, err := c.tracker.GetSession(context.WithoutCancel(ctx), report.SessionID)
	if err != nil {
		return true, c.abort(ctx, report, err)
	}
	switch s.Status {
	case tracker.StatusRunning:
		return false, nil
	case tracker.StatusPaused:
		report.Reason = ReasonPaused
	case tracker.StatusCancelled:
		report.Reason = ReasonCancelled
	}
	report.Status = s.Status
	return true, nil
}

func (c *Coordinator) complete(ctx context.Context, report *Report, reason StopReason, d *existingDetector) error {
	report.Reason = reason
	data := map[string]any{
		"reason":     string(reason),
		"pages":      report.Pages,
		"last_page":  report.LastPage,
		"stop_state": d.state(),
	}
	if reason != ReasonEndOfListing {
		c.tracker.Log(context.WithoutCancel(ctx), tracker.LogEntry{
			SessionID: report.SessionID,
			Level:     tracker.LevelInfo,
			Event:     tracker.EventStopCondition,
			Message:   "stop condition reached: " + string(reason),
			Data:      data,
		})
	}
	if err := c.tracker.Complete(context.WithoutCancel(ctx), report.SessionID, data); err != nil {
		if errors.Is(err, apperrors.ErrInvalidTransition) {
			_, serr := c.stoppedExternally(ctx, report)
			return serr
		}
		return c.abort(ctx, report, err)
	}
	report.Status = tracker.StatusCompleted
	return nil
}

// fail marks the session failed with cause. Counters already applied stay.
func (c *Coordinator) fail(ctx context.Context, report *Report, cause error) error {
	if err := c.tracker.Fail(context.WithoutCancel(ctx), report.SessionID, cause); err != nil {
		c.logger.Error("could not mark session failed", "session_id", report.SessionID, "error", err, "cause", cause)
		return errors.Join(cause, err)
	}
	report.Status = tracker.StatusFailed
	return cause
}

// abort fails the session after a tracker or store error.
func (c *Coordinator) abort(ctx context.Context, report *Report, err error) error {
	if report.Reason == "" {
		report.Reason = ReasonStoreError
	}
	return c.fail(ctx, report, apperrors.Wrap(apperrors.ErrFatal, err, "session %s", report.SessionID))
}

// interrupt pauses the session when the caller's context ends, so it can be
// resumed from the last finished page.
func (c *Coordinator) interrupt(ctx context.Context, report *Report, cause error) error {
	report.Reason = ReasonInterrupted
	if err := c.tracker.Pause(context.WithoutCancel(ctx), report.SessionID); err != nil {
		c.logger.Warn("could not pause interrupted session", "session_id", report.SessionID, "error", err)
		if _, serr := c.stoppedExternally(ctx, report); serr != nil {
			return errors.Join(cause, serr)
		}
		return cause
	}
	report.Status = tracker.StatusPaused
	return cause
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
