package matcher

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/errors"
)

// MemoryStore is an in-process Store for tests and dry runs. It enforces the
// same uniqueness rule as the offenders table.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*Offender
	byKey  map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[int64]*Offender),
		byKey: make(map[string]int64),
	}
}

func memKey(normalizedName string, postcode *string) string {
	return normalizedName + "|" + deref(postcode)
}

func (s *MemoryStore) FindExact(_ context.Context, normalizedName string, postcode *string) (*Offender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[memKey(normalizedName, postcode)]
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, nil, "offender %q", normalizedName)
	}
	o := *s.byID[id]
	return &o, nil
}

func (s *MemoryStore) Candidates(_ context.Context, q CandidateQuery) ([]Offender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Offender
	for _, o := range s.byID {
		n := NameRunes(o.NormalizedName)
		if n < q.MinRunes || n > q.MaxRunes {
			continue
		}
		if q.Postcode != nil && o.Postcode != nil && *q.Postcode != *o.Postcode {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Create(_ context.Context, o *Offender) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memKey(o.NormalizedName, o.Postcode)
	if _, exists := s.byKey[key]; exists {
		return apperrors.Wrap(apperrors.ErrConflict, nil, "offender %q", o.NormalizedName)
	}
	s.nextID++
	now := time.Now().UTC()
	o.ID = s.nextID
	o.CreatedAt, o.UpdatedAt = now, now
	stored := *o
	s.byID[o.ID] = &stored
	s.byKey[key] = o.ID
	return nil
}

func (s *MemoryStore) AddStats(_ context.Context, id int64, records int, finesPence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byID[id]
	if !ok {
		return apperrors.Wrap(apperrors.ErrNotFound, nil, "offender %d", id)
	}
	o.TotalRecords += records
	o.TotalFinesPence += finesPence
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// Get returns a copy of the offender with the given id.
func (s *MemoryStore) Get(id int64) (Offender, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byID[id]
	if !ok {
		return Offender{}, false
	}
	return *o, true
}

// Len returns the number of stored offenders.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
