package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/config"
	apperrors "github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/errors"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/metrics"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/resilience"
)

const maxBodyBytes = 8 << 20

// Fetcher issues GET requests with retry on transient failures behind a
// circuit breaker. It holds no crawl state.
type Fetcher struct {
	client    *http.Client
	userAgent string
	retry     resilience.RetryConfig
	breaker   *resilience.CircuitBreaker
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewFetcher builds a Fetcher from the source config. m may be nil.
func NewFetcher(cfg config.SourceConfig, m *metrics.Metrics) *Fetcher {
	breakerCfg := resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		ResetTimeout:     cfg.BreakerReset,
		IsFailure:        apperrors.IsTransient,
	}
	if m != nil {
		breakerCfg.OnStateChange = func(name string, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		}
	}
	return &Fetcher{
		client:    &http.Client{Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
		retry: resilience.RetryConfig{
			MaxAttempts:  cfg.MaxAttempts,
			InitialDelay: cfg.InitialBackoff,
			MaxDelay:     cfg.MaxBackoff,
			Retryable:    apperrors.IsTransient,
		},
		breaker: resilience.NewCircuitBreaker("upstream-source", breakerCfg),
		metrics: m,
		logger:  slog.Default().With("component", "fetcher"),
	}
}

// Document fetches rawURL and parses it as HTML. kind labels the latency
// metric.
func (f *Fetcher) Document(ctx context.Context, kind, rawURL string) (*goquery.Document, error) {
	start := time.Now()
	var doc *goquery.Document
	err := resilience.Retry(ctx, "fetch "+rawURL, f.retry, func() error {
		return f.breaker.Execute(func() error {
			d, err := f.get(ctx, rawURL)
			if err != nil {
				return err
			}
			doc = d
			return nil
		})
	})
	if f.metrics != nil {
		f.metrics.FetchDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, apperrors.Wrap(apperrors.ErrTransient, err, "fetching %s", rawURL)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (*goquery.Document, error) {
	if l := limiterFrom(ctx); l != nil {
		if err := l.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for request slot: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", rawURL, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/html")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, apperrors.Wrap(apperrors.ErrTransient, nil, "GET %s: HTTP %d", rawURL, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperrors.Wrap(apperrors.ErrNotFound, nil, "GET %s: HTTP 404", rawURL)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("GET %s: unexpected HTTP %d", rawURL, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if isTransportError(err) {
			return nil, classifyTransportError(rawURL, err)
		}
		return nil, apperrors.Wrap(apperrors.ErrParse, err, "parsing %s", rawURL)
	}
	return doc, nil
}

// classifyTransportError marks network failures transient unless the
// caller's context ended.
func classifyTransportError(rawURL string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("GET %s: %w", rawURL, err)
	}
	return apperrors.Wrap(apperrors.ErrTransient, err, "GET %s", rawURL)
}

func isTransportError(err error) bool {
	var netErr net.Error
	var urlErr *url.Error
	return errors.As(err, &netErr) || errors.As(err, &urlErr) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET)
}

// BreakerState exposes the upstream breaker for health reporting.
func (f *Fetcher) BreakerState() resilience.State {
	return f.breaker.GetState()
}
