// Package upsert decides whether a canonical record is new, unchanged or
// changed relative to what is stored under its natural key, and writes only
// what differs.
package upsert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/enforcement"
	apperrors "github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/errors"
)

type Outcome string

const (
	Created   Outcome = "created"
	Unchanged Outcome = "unchanged"
	Updated   Outcome = "updated"
)

// Existing reports whether the record had been seen before. The crawl stop
// heuristic treats unchanged and updated alike.
func (o Outcome) Existing() bool {
	return o == Unchanged || o == Updated
}

type Result struct {
	Outcome  Outcome
	RecordID int64
	Changed  []string
}

// Store persists records keyed by (agency, regulator id). Get returns
// apperrors.ErrNotFound for an unseen key and Insert returns
// apperrors.ErrConflict when the key already exists.
type Store interface {
	Get(ctx context.Context, agency enforcement.Agency, regulatorID string) (*enforcement.Record, error)
	Insert(ctx context.Context, r *enforcement.Record) error
	Update(ctx context.Context, id int64, changes []Change) (time.Time, error)
}

// StatsAttacher receives offender statistic deltas as records are attached
// or their fines change.
type StatsAttacher interface {
	Attach(ctx context.Context, offenderID int64, records int, finesPence int64) error
}

type Engine struct {
	store  Store
	stats  StatsAttacher
	logger *slog.Logger
}

// New returns an Engine. stats may be nil.
func New(store Store, stats StatsAttacher) *Engine {
	return &Engine{
		store:  store,
		stats:  stats,
		logger: slog.Default().With("component", "upsert"),
	}
}

// Upsert persists r. On return r carries the stored id and timestamps.
func (e *Engine) Upsert(ctx context.Context, r *enforcement.Record) (Result, error) {
	if r.Agency == "" || r.RegulatorID == "" {
		return Result{}, apperrors.Wrap(apperrors.ErrValidation, nil, "record has no natural key")
	}
	if r.OffenderID == 0 {
		return Result{}, apperrors.Wrap(apperrors.ErrValidation, nil, "record %s has no offender", r.NaturalKey())
	}

	stored, err := e.store.Get(ctx, r.Agency, r.RegulatorID)
	switch {
	case err == nil:
		return e.reconcile(ctx, stored, r)
	case !errors.Is(err, apperrors.ErrNotFound):
		return Result{}, fmt.Errorf("loading record %s: %w", r.NaturalKey(), err)
	}

	err = e.store.Insert(ctx, r)
	if err == nil {
		e.attach(ctx, r.OffenderID, 1, valueOr(r.FinePence))
		return Result{Outcome: Created, RecordID: r.ID}, nil
	}
	if !errors.Is(err, apperrors.ErrConflict) {
		return Result{}, fmt.Errorf("inserting record %s: %w", r.NaturalKey(), err)
	}

	// Another writer inserted the key first; compare against theirs once.
	stored, err = e.store.Get(ctx, r.Agency, r.RegulatorID)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.ErrConflict, err, "record %s inserted concurrently", r.NaturalKey())
	}
	return e.reconcile(ctx, stored, r)
}

func (e *Engine) reconcile(ctx context.Context, stored, incoming *enforcement.Record) (Result, error) {
	changes := Diff(stored, incoming)
	if len(changes) == 0 {
		*incoming = mergeStored(stored, incoming)
		return Result{Outcome: Unchanged, RecordID: stored.ID}, nil
	}

	updatedAt, err := e.store.Update(ctx, stored.ID, changes)
	if err != nil {
		return Result{}, fmt.Errorf("updating record %s: %w", incoming.NaturalKey(), err)
	}

	e.moveStats(ctx, stored, incoming)

	merged := *stored
	apply(&merged, changes)
	merged.UpdatedAt = updatedAt
	merged.Party = incoming.Party
	*incoming = merged

	cols := make([]string, len(changes))
	for i, c := range changes {
		cols[i] = c.Column
	}
	e.logger.Debug("record updated", "key", incoming.NaturalKey(), "columns", cols)
	return Result{Outcome: Updated, RecordID: stored.ID, Changed: cols}, nil
}

// moveStats reconciles offender totals after an update. A reassigned record
// leaves its old offender with the stored fine and joins the new one with
// the fine it now carries.
func (e *Engine) moveStats(ctx context.Context, stored, incoming *enforcement.Record) {
	oldFine := valueOr(stored.FinePence)
	newFine := oldFine
	if incoming.FinePence != nil {
		newFine = *incoming.FinePence
	}
	if incoming.OffenderID != 0 && incoming.OffenderID != stored.OffenderID {
		if stored.OffenderID != 0 {
			e.attach(ctx, stored.OffenderID, -1, -oldFine)
		}
		e.attach(ctx, incoming.OffenderID, 1, newFine)
		return
	}
	if delta := newFine - oldFine; delta != 0 {
		e.attach(ctx, stored.OffenderID, 0, delta)
	}
}

// attach failures leave the record persisted; totals can be rebuilt from
// the records table.
func (e *Engine) attach(ctx context.Context, offenderID int64, records int, fines int64) {
	if e.stats == nil {
		return
	}
	if err := e.stats.Attach(ctx, offenderID, records, fines); err != nil {
		e.logger.Warn("offender statistics not updated", "offender_id", offenderID, "error", err)
	}
}

func mergeStored(stored, incoming *enforcement.Record) enforcement.Record {
	out := *stored
	out.Party = incoming.Party
	return out
}

func valueOr(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
