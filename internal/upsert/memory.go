package upsert

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/enforcement"
	apperrors "github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/errors"
)

// MemoryStore is an in-process Store for tests and dry runs.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	byKey  map[string]*enforcement.Record
	byID   map[int64]*enforcement.Record
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey: make(map[string]*enforcement.Record),
		byID:  make(map[int64]*enforcement.Record),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Get(_ context.Context, agency enforcement.Agency, regulatorID string) (*enforcement.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byKey[string(agency)+":"+regulatorID]
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, nil, "record %s:%s", agency, regulatorID)
	}
	return clone(r), nil
}

func (s *MemoryStore) Insert(_ context.Context, r *enforcement.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := r.NaturalKey()
	if _, exists := s.byKey[key]; exists {
		return apperrors.Wrap(apperrors.ErrConflict, nil, "record %s", key)
	}
	s.nextID++
	now := s.now()
	r.ID = s.nextID
	r.CreatedAt, r.UpdatedAt = now, now
	stored := clone(r)
	s.byKey[key] = stored
	s.byID[r.ID] = stored
	return nil
}

func (s *MemoryStore) Update(_ context.Context, id int64, changes []Change) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return time.Time{}, apperrors.Wrap(apperrors.ErrNotFound, nil, "record %d", id)
	}
	apply(r, changes)
	r.UpdatedAt = s.now()
	return r.UpdatedAt, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func clone(r *enforcement.Record) *enforcement.Record {
	c := *r
	c.Breaches = slices.Clone(r.Breaches)
	c.Party = enforcement.Party{}
	return &c
}
