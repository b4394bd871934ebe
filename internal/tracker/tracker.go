package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/errors"
)

// NewSession describes a session to create. An empty ID is generated.
type NewSession struct {
	ID             string
	Kind           SyncKind
	TargetResource string
	InitiatedBy    string
	EstimatedTotal int
	Options        Options
	Metadata       map[string]any
}

// Tracker applies the session and batch state machines on top of a Store
// and stamps log entries with this process's origin.
type Tracker struct {
	store  Store
	origin string
	now    func() time.Time
	logger *slog.Logger
}

func New(store Store) *Tracker {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return &Tracker{
		store:  store,
		origin: fmt.Sprintf("%s/%d", host, os.Getpid()),
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default().With("component", "tracker"),
	}
}

// Origin is the host/process identity written on log entries.
func (t *Tracker) Origin() string { return t.origin }

func (t *Tracker) CreateSession(ctx context.Context, ns NewSession) (*Session, error) {
	id := ns.ID
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "session id %q is not a UUID", id)
	}
	if !ns.Kind.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "unknown sync kind %q", ns.Kind)
	}
	meta := ns.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	now := t.now()
	s := &Session{
		ID:             id,
		Kind:           ns.Kind,
		TargetResource: ns.TargetResource,
		InitiatedBy:    ns.InitiatedBy,
		EstimatedTotal: ns.EstimatedTotal,
		Status:         StatusPending,
		Options:        ns.Options,
		Metadata:       meta,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := t.store.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (t *Tracker) GetSession(ctx context.Context, id string) (*Session, error) {
	return t.store.GetSession(ctx, id)
}

func (t *Tracker) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	return t.store.ListSessions(ctx, limit)
}

// Summary returns the session with its derived rates.
func (t *Tracker) Summary(ctx context.Context, id string) (Summary, error) {
	s, err := t.store.GetSession(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	return s.Summarize(t.now()), nil
}

// Transition moves the session to status to if the edge is legal from its
// current status.
func (t *Tracker) Transition(ctx context.Context, id string, to Status, errorInfo map[string]any) (Status, error) {
	s, err := t.store.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	from := s.Status
	if !CanTransition(from, to) {
		return from, apperrors.Newf(apperrors.ErrInvalidTransition, http.StatusConflict, "session %s cannot go from %s to %s", id, from, to)
	}
	if err := t.store.TransitionSession(ctx, id, from, to, errorInfo); err != nil {
		return from, err
	}
	return from, nil
}

// Start moves a pending session to running.
func (t *Tracker) Start(ctx context.Context, id string) error {
	if _, err := t.Transition(ctx, id, StatusRunning, nil); err != nil {
		return err
	}
	t.Log(ctx, LogEntry{SessionID: id, Level: LevelInfo, Event: EventSessionStarted, Message: "session started"})
	return nil
}

// Resume continues a paused session, or retries a failed one through the
// retrying state.
func (t *Tracker) Resume(ctx context.Context, id string) error {
	s, err := t.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	switch s.Status {
	case StatusPaused:
	case StatusFailed:
		if _, err := t.Transition(ctx, id, StatusRetrying, nil); err != nil {
			return err
		}
	default:
		return apperrors.Newf(apperrors.ErrInvalidTransition, http.StatusConflict, "session %s is %s and cannot be resumed", id, s.Status)
	}
	if _, err := t.Transition(ctx, id, StatusRunning, nil); err != nil {
		return err
	}
	t.Log(ctx, LogEntry{SessionID: id, Level: LevelInfo, Event: EventSessionResumed, Message: "session resumed",
		Data: map[string]any{"from": string(s.Status)}})
	return nil
}

func (t *Tracker) Pause(ctx context.Context, id string) error {
	if _, err := t.Transition(ctx, id, StatusPaused, nil); err != nil {
		return err
	}
	t.Log(ctx, LogEntry{SessionID: id, Level: LevelInfo, Event: EventSessionPaused, Message: "session paused"})
	return nil
}

func (t *Tracker) Cancel(ctx context.Context, id string) error {
	from, err := t.Transition(ctx, id, StatusCancelled, nil)
	if err != nil {
		return err
	}
	t.Log(ctx, LogEntry{SessionID: id, Level: LevelWarn, Event: EventSessionCancelled, Message: "session cancelled",
		Data: map[string]any{"from": string(from)}})
	return nil
}

func (t *Tracker) Complete(ctx context.Context, id string, data map[string]any) error {
	if _, err := t.Transition(ctx, id, StatusCompleted, nil); err != nil {
		return err
	}
	t.Log(ctx, LogEntry{SessionID: id, Level: LevelInfo, Event: EventSessionCompleted, Message: "session completed", Data: data})
	return nil
}

// Fail records cause in the session's error info and a fatal log entry.
// Counters already applied are kept.
func (t *Tracker) Fail(ctx context.Context, id string, cause error) error {
	detail := NewErrorDetail(cause)
	info := map[string]any{
		"type":      detail.Type,
		"message":   detail.Message,
		"failed_at": t.now().Format(time.RFC3339),
	}
	if _, err := t.Transition(ctx, id, StatusFailed, info); err != nil {
		return err
	}
	t.Log(ctx, LogEntry{SessionID: id, Level: LevelFatal, Event: EventSessionFailed, Message: "session failed", Error: detail})
	return nil
}

// RecordProgress applies counter deltas to the stored session.
func (t *Tracker) RecordProgress(ctx context.Context, id string, delta Counters) error {
	return t.store.AddSessionCounters(ctx, id, delta, 0)
}

func (t *Tracker) Patch(ctx context.Context, id string, estimatedTotal *int, metadata map[string]any) error {
	return t.store.PatchSession(ctx, id, estimatedTotal, metadata)
}

// NextBatchNumber returns one past the highest batch number recorded.
func (t *Tracker) NextBatchNumber(ctx context.Context, sessionID string) (int, error) {
	n, err := t.store.MaxBatchNumber(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return n + 1, nil
}

// BeginBatch records a new batch and moves it to processing.
func (t *Tracker) BeginBatch(ctx context.Context, sessionID string, number, size int) (*Batch, error) {
	b := &Batch{SessionID: sessionID, Number: number, Size: size, Status: BatchPending}
	if err := t.store.CreateBatch(ctx, b); err != nil {
		return nil, err
	}
	if err := t.moveBatch(ctx, b, BatchProcessing, func(b *Batch) {
		now := t.now()
		b.StartedAt = &now
	}); err != nil {
		return nil, err
	}
	return b, nil
}

// CompleteBatch stores the batch's final counters. Counters that do not
// balance are rejected and the batch stays processing.
func (t *Tracker) CompleteBatch(ctx context.Context, b *Batch, c Counters) error {
	if !c.Balanced() {
		return apperrors.Wrap(apperrors.ErrValidation, nil,
			"batch %d: processed %d != created %d + updated %d + existing %d + failed %d",
			b.Number, c.Processed, c.Created, c.Updated, c.Existing, c.Failed)
	}
	return t.moveBatch(ctx, b, BatchCompleted, func(b *Batch) {
		now := t.now()
		b.Counters = c
		b.CompletedAt = &now
		if b.StartedAt != nil {
			b.ProcessingTime = now.Sub(*b.StartedAt)
		}
	})
}

// FailBatch marks the batch failed. When retryable and under the retry
// ceiling it moves on to retrying and reports true; otherwise the batch
// stays failed and the session's error count is incremented.
func (t *Tracker) FailBatch(ctx context.Context, b *Batch, cause error, retryable bool) (bool, error) {
	detail := NewErrorDetail(cause)
	if err := t.moveBatch(ctx, b, BatchFailed, func(b *Batch) {
		now := t.now()
		b.CompletedAt = &now
		b.ErrorDetails = map[string]any{
			"type":    detail.Type,
			"message": detail.Message,
			"attempt": b.RetryCount + 1,
		}
		if b.StartedAt != nil {
			b.ProcessingTime = now.Sub(*b.StartedAt)
		}
	}); err != nil {
		return false, err
	}
	if retryable && b.RetryCount < MaxBatchRetries {
		if err := t.moveBatch(ctx, b, BatchRetrying, func(b *Batch) { b.RetryCount++ }); err != nil {
			return false, err
		}
		return true, nil
	}
	if err := t.store.AddSessionCounters(ctx, b.SessionID, Counters{}, 1); err != nil {
		return false, err
	}
	return false, nil
}

// RetryBatch moves a retrying batch back to processing.
func (t *Tracker) RetryBatch(ctx context.Context, b *Batch) error {
	return t.moveBatch(ctx, b, BatchProcessing, func(b *Batch) {
		now := t.now()
		b.StartedAt = &now
		b.CompletedAt = nil
	})
}

func (t *Tracker) moveBatch(ctx context.Context, b *Batch, to BatchStatus, mutate func(*Batch)) error {
	from := b.Status
	if !CanTransitionBatch(from, to) {
		return apperrors.Newf(apperrors.ErrInvalidTransition, http.StatusConflict, "batch %d cannot go from %s to %s", b.Number, from, to)
	}
	next := *b
	next.Status = to
	if mutate != nil {
		mutate(&next)
	}
	if err := t.store.UpdateBatch(ctx, &next, from); err != nil {
		return err
	}
	*b = next
	return nil
}

func (t *Tracker) ListBatches(ctx context.Context, sessionID string) ([]Batch, error) {
	return t.store.ListBatches(ctx, sessionID)
}

func (t *Tracker) ListLogs(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]LogEntry, error) {
	return t.store.ListLogs(ctx, sessionID, afterSeq, limit)
}

// Log appends an audit entry. Failures are logged and swallowed: the audit
// trail must not stop a crawl.
func (t *Tracker) Log(ctx context.Context, e LogEntry) {
	if err := t.AppendLog(ctx, &e); err != nil {
		t.logger.Warn("audit log entry not persisted", "session_id", e.SessionID, "event", e.Event, "error", err)
	}
}

// AppendLog stamps origin and time on e and persists it.
func (t *Tracker) AppendLog(ctx context.Context, e *LogEntry) error {
	if e.Level == "" {
		e.Level = LevelInfo
	}
	e.Origin = t.origin
	e.CreatedAt = t.now()
	return t.store.AppendLog(ctx, e)
}

// NewErrorDetail captures err's class, message and wrap chain.
func NewErrorDetail(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	var chain []string
	for e := errors.Unwrap(err); e != nil; e = errors.Unwrap(e) {
		chain = append(chain, e.Error())
	}
	return &ErrorDetail{
		Type:    apperrors.Classify(err),
		Message: err.Error(),
		Stack:   strings.Join(chain, "\n"),
	}
}
