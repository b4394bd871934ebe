package tracker

import (
	"context"
	"maps"
	"net/http"
	"sort"
	"sync"
	"time"

	apperrors "github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/errors"
)

// MemoryStore is an in-process Store for tests and dry runs, applying the
// same compare-and-set rules as PostgresStore.
type MemoryStore struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	batches     map[int64]*Batch
	logs        []LogEntry
	nextBatchID int64
	nextSeq     int64
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		batches:  make(map[int64]*Batch),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return apperrors.Newf(apperrors.ErrConflict, http.StatusConflict, "session %s already exists", s.ID)
	}
	cp := copySession(s)
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, http.StatusNotFound, "session %s not found", id)
	}
	cp := copySession(s)
	return &cp, nil
}

func (m *MemoryStore) ListSessions(_ context.Context, limit int) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, copySession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) TransitionSession(_ context.Context, id string, from, to Status, errorInfo map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return apperrors.Newf(apperrors.ErrNotFound, http.StatusNotFound, "session %s not found", id)
	}
	if s.Status != from {
		return apperrors.Newf(apperrors.ErrInvalidTransition, http.StatusConflict, "session %s is %s, expected %s", id, s.Status, from)
	}
	now := m.now()
	s.Status = to
	switch {
	case to == StatusRunning && s.StartedAt == nil:
		s.StartedAt = &now
	case to.Terminal() && s.CompletedAt == nil:
		s.CompletedAt = &now
	}
	if len(errorInfo) > 0 {
		s.ErrorInfo = maps.Clone(errorInfo)
	}
	s.UpdatedAt = now
	return nil
}

func (m *MemoryStore) AddSessionCounters(_ context.Context, id string, d Counters, errorDelta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return apperrors.Newf(apperrors.ErrNotFound, http.StatusNotFound, "session %s not found", id)
	}
	if s.Status.Terminal() {
		return apperrors.Newf(apperrors.ErrTerminal, http.StatusConflict, "session %s is %s", id, s.Status)
	}
	s.Counters = s.Counters.Add(d)
	s.ErrorCount += errorDelta
	s.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) PatchSession(_ context.Context, id string, estimatedTotal *int, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return apperrors.Newf(apperrors.ErrNotFound, http.StatusNotFound, "session %s not found", id)
	}
	if estimatedTotal != nil {
		s.EstimatedTotal = *estimatedTotal
	}
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	maps.Copy(s.Metadata, metadata)
	s.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) CreateBatch(_ context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.batches {
		if existing.SessionID == b.SessionID && existing.Number == b.Number {
			return apperrors.Newf(apperrors.ErrConflict, http.StatusConflict, "batch %d already exists in session %s", b.Number, b.SessionID)
		}
	}
	m.nextBatchID++
	b.ID = m.nextBatchID
	cp := *b
	m.batches[b.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateBatch(_ context.Context, b *Batch, from BatchStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.batches[b.ID]
	if !ok || stored.Status != from {
		return apperrors.Newf(apperrors.ErrInvalidTransition, http.StatusConflict, "batch %d is no longer %s", b.Number, from)
	}
	cp := *b
	cp.ErrorDetails = maps.Clone(b.ErrorDetails)
	m.batches[b.ID] = &cp
	return nil
}

func (m *MemoryStore) ListBatches(_ context.Context, sessionID string) ([]Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Batch
	for _, b := range m.batches {
		if b.SessionID == sessionID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *MemoryStore) MaxBatchNumber(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	highest := 0
	for _, b := range m.batches {
		if b.SessionID == sessionID && b.Number > highest {
			highest = b.Number
		}
	}
	return highest, nil
}

func (m *MemoryStore) AppendLog(_ context.Context, e *LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeq++
	e.Seq = m.nextSeq
	cp := *e
	cp.Data = maps.Clone(e.Data)
	m.logs = append(m.logs, cp)
	return nil
}

func (m *MemoryStore) ListLogs(_ context.Context, sessionID string, afterSeq int64, limit int) ([]LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LogEntry
	for _, e := range m.logs {
		if e.SessionID != sessionID || e.Seq <= afterSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func copySession(s *Session) Session {
	cp := *s
	cp.ErrorInfo = maps.Clone(s.ErrorInfo)
	cp.Metadata = maps.Clone(s.Metadata)
	return cp
}
