// Package source fetches listing pages from upstream regulators and parses
// their HTML tables into raw rows. Adapters for individual sources live in
// subpackages and plug into the crawl coordinator through Adapter.
package source

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/enforcement"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/tracker"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/transform"
)

// Adapter is the capability a source must provide to be crawled.
type Adapter interface {
	Kind() tracker.SyncKind
	// Fetch returns the raw rows of one listing page. An empty slice means
	// the listing is exhausted.
	Fetch(ctx context.Context, page int) ([]transform.Raw, error)
	// Transform is pure: it maps a raw row to a canonical record.
	Transform(raw transform.Raw) (*enforcement.Record, error)
	// TargetKey is the natural key the record is stored under.
	TargetKey(r *enforcement.Record) string
}

type limiterKey struct{}

// WithLimiter attaches the caller's request limiter to ctx. The fetcher
// waits on it before every request it makes.
func WithLimiter(ctx context.Context, l *rate.Limiter) context.Context {
	return context.WithValue(ctx, limiterKey{}, l)
}

func limiterFrom(ctx context.Context) *rate.Limiter {
	l, _ := ctx.Value(limiterKey{}).(*rate.Limiter)
	return l
}

// NewLimiter allows perMinute requests per minute with no burst. Zero or
// negative disables limiting.
func NewLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60), 1)
}
