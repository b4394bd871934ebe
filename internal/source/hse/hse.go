// Package hse adapts the Health and Safety Executive's public prosecution
// and enforcement-notice registers to the crawl coordinator.
package hse

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/enforcement"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/source"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/tracker"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/transform"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/config"
)

// DetailErrorKey is set on a raw row whose detail page could not be read.
const DetailErrorKey = "_detail_error"

// listing is the paging and fetching shared by both registers.
type listing struct {
	fetcher      *source.Fetcher
	kind         tracker.SyncKind
	base         *url.URL
	listURL      *url.URL
	pageParam    string
	fetchDetails bool
	logger       *slog.Logger
}

func newListing(f *source.Fetcher, cfg config.SourceConfig, kind tracker.SyncKind, path string, details bool) (listing, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return listing{}, fmt.Errorf("parsing source base url: %w", err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return listing{}, fmt.Errorf("parsing listing path %q: %w", path, err)
	}
	param := cfg.PageParam
	if param == "" {
		param = "PN"
	}
	return listing{
		fetcher:      f,
		kind:         kind,
		base:         base,
		listURL:      base.ResolveReference(ref),
		pageParam:    param,
		fetchDetails: details,
		logger:       slog.Default().With("component", "hse-adapter", "kind", string(kind)),
	}, nil
}

func (l listing) Kind() tracker.SyncKind { return l.kind }

// TargetKey is the agency-qualified regulator id.
func (l listing) TargetKey(r *enforcement.Record) string { return r.NaturalKey() }

// PageURL returns the listing URL for page, keeping any configured query.
func (l listing) PageURL(page int) string {
	u := *l.listURL
	q := u.Query()
	q.Set(l.pageParam, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}

func (l listing) Fetch(ctx context.Context, page int) ([]transform.Raw, error) {
	doc, err := l.fetcher.Document(ctx, string(l.kind), l.PageURL(page))
	if err != nil {
		return nil, err
	}
	rows, err := source.ParseTable(doc, l.base)
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", page, err)
	}
	if !l.fetchDetails {
		return rows, nil
	}
	for _, raw := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		link, ok := raw[source.LinkKey]
		if !ok {
			continue
		}
		detail, err := l.fetcher.Document(ctx, string(l.kind), link)
		if err != nil {
			// Listing fields are still usable without the detail page.
			l.logger.Warn("detail page unavailable", "url", link, "error", err)
			raw[DetailErrorKey] = err.Error()
			continue
		}
		raw.Merge(source.ParseDetails(detail))
	}
	return rows, nil
}

func sourceURL(raw transform.Raw) *string {
	if v, ok := raw[source.LinkKey]; ok && v != "" {
		return &v
	}
	return nil
}

func agencyPtr() *string {
	s := string(enforcement.AgencyHSE)
	return &s
}

func kindPtr(k enforcement.RecordKind) *string {
	s := string(k)
	return &s
}
