// Package matcher resolves the party named on a source record to a stored
// offender, creating one when no exact or fuzzy match exists.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/enforcement"
	apperrors "github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/errors"
)

const DefaultThreshold = 0.7

// Offender is a deduplicated real-world party.
type Offender struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	NormalizedName  string    `json:"normalized_name"`
	Town            *string   `json:"town,omitempty"`
	County          *string   `json:"county,omitempty"`
	Postcode        *string   `json:"postcode,omitempty"`
	CompanyNumber   *string   `json:"company_number,omitempty"`
	TotalRecords    int       `json:"total_records"`
	TotalFinesPence int64     `json:"total_fines_pence"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CandidateQuery narrows a fuzzy-match scan. Offenders whose name rune
// count lies outside [MinRunes, MaxRunes] cannot reach the threshold, and
// a non-nil Postcode excludes offenders holding a different one.
type CandidateQuery struct {
	Postcode *string
	MinRunes int
	MaxRunes int
}

// Store persists offenders. FindExact returns apperrors.ErrNotFound when
// nothing matches; Create returns apperrors.ErrConflict when the
// (normalized name, postcode) pair already exists.
type Store interface {
	FindExact(ctx context.Context, normalizedName string, postcode *string) (*Offender, error)
	Candidates(ctx context.Context, q CandidateQuery) ([]Offender, error)
	Create(ctx context.Context, o *Offender) error
	AddStats(ctx context.Context, id int64, records int, finesPence int64) error
}

type Matcher struct {
	store     Store
	threshold float64
	group     singleflight.Group
	logger    *slog.Logger
}

func New(store Store) *Matcher {
	return &Matcher{
		store:     store,
		threshold: DefaultThreshold,
		logger:    slog.Default().With("component", "matcher"),
	}
}

// Resolve returns the offender for p. Concurrent resolutions of the same
// normalized name and postcode within this process share one lookup.
func (m *Matcher) Resolve(ctx context.Context, p enforcement.Party) (*Offender, error) {
	normalized := NormalizeName(p.Name)
	if normalized == "" {
		return nil, apperrors.Wrap(apperrors.ErrValidation, nil, "offender name is blank")
	}
	postcode := ExtractPostcode(p.Address)
	key := normalized + "|"
	if postcode != nil {
		key += *postcode
	}
	v, err, _ := m.group.Do(key, func() (any, error) {
		return m.resolve(ctx, p, normalized, postcode)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Offender), nil
}

func (m *Matcher) resolve(ctx context.Context, p enforcement.Party, normalized string, postcode *string) (*Offender, error) {
	found, err := m.store.FindExact(ctx, normalized, postcode)
	if err == nil {
		return found, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("exact offender lookup: %w", err)
	}

	lo, hi := runeBounds(NameRunes(normalized), m.threshold)
	candidates, err := m.store.Candidates(ctx, CandidateQuery{Postcode: postcode, MinRunes: lo, MaxRunes: hi})
	if err != nil {
		return nil, fmt.Errorf("offender candidate lookup: %w", err)
	}
	if best := m.bestMatch(normalized, postcode, candidates); best != nil {
		return best, nil
	}

	o := &Offender{
		Name:           p.Name,
		NormalizedName: normalized,
		Town:           p.Town,
		County:         p.County,
		Postcode:       postcode,
		CompanyNumber:  p.CompanyNumber,
	}
	err = m.store.Create(ctx, o)
	if err == nil {
		m.logger.Debug("offender created", "offender_id", o.ID, "normalized_name", normalized)
		return o, nil
	}
	if !errors.Is(err, apperrors.ErrConflict) {
		return nil, fmt.Errorf("creating offender: %w", err)
	}

	// Lost a creation race with another writer; theirs wins.
	found, lookupErr := m.store.FindExact(ctx, normalized, postcode)
	if lookupErr == nil {
		return found, nil
	}
	return nil, apperrors.Wrap(apperrors.ErrConflict, err, "offender %q created concurrently but not readable", normalized)
}

func (m *Matcher) bestMatch(normalized string, postcode *string, candidates []Offender) *Offender {
	var best *Offender
	bestScore := 0.0
	for i := range candidates {
		c := &candidates[i]
		if postcode != nil && c.Postcode != nil && *postcode != *c.Postcode {
			continue
		}
		score := Similarity(normalized, c.NormalizedName)
		if score >= m.threshold && score > bestScore {
			best, bestScore = c, score
		}
	}
	return best
}

// Attach adds one record's contribution to an offender's running totals.
// records may be zero when only a fine changed.
func (m *Matcher) Attach(ctx context.Context, offenderID int64, records int, finesPence int64) error {
	if records == 0 && finesPence == 0 {
		return nil
	}
	if err := m.store.AddStats(ctx, offenderID, records, finesPence); err != nil {
		return fmt.Errorf("updating offender %d statistics: %w", offenderID, err)
	}
	return nil
}
