// Package session is the entry point for starting and steering ingestion
// sessions. It serialises crawls per sync kind across processes and runs
// them in the background on the crawl coordinator.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/crawl"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/source"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/tracker"
	apperrors "github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/errors"
)

// Locker is a token-checked mutual exclusion lock with expiry. *redis.Client
// satisfies it.
type Locker interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) error
}

// LocalLocker serialises crawls within one process. Used when Redis is not
// configured.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]string)}
}

func (l *LocalLocker) TryLock(_ context.Context, key, token string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return false, nil
	}
	l.held[key] = token
	return true, nil
}

func (l *LocalLocker) Unlock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}

// Runner is the crawl loop the manager drives.
type Runner interface {
	Run(ctx context.Context, sessionID string, adapter source.Adapter) (*crawl.Report, error)
}

// StartRequest describes a new session. SessionID is optional; when given,
// starting is idempotent.
type StartRequest struct {
	SessionID      string           `json:"session_id,omitempty"`
	Kind           tracker.SyncKind `json:"sync_kind"`
	TargetResource string           `json:"target_resource,omitempty"`
	InitiatedBy    string           `json:"initiated_by,omitempty"`
	Options        tracker.Options  `json:"options"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
}

type Manager struct {
	tracker  *tracker.Tracker
	runner   Runner
	adapters map[tracker.SyncKind]source.Adapter
	locker   Locker
	lockTTL  time.Duration
	logger   *slog.Logger

	baseCtx context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running map[string]struct{}
}

// NewManager returns a Manager. A nil locker serialises within this process
// only.
func NewManager(t *tracker.Tracker, runner Runner, adapters []source.Adapter, locker Locker, lockTTL time.Duration) *Manager {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}
	byKind := make(map[tracker.SyncKind]source.Adapter, len(adapters))
	for _, a := range adapters {
		byKind[a.Kind()] = a
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		tracker:  t,
		runner:   runner,
		adapters: byKind,
		locker:   locker,
		lockTTL:  lockTTL,
		logger:   slog.Default().With("component", "session-manager"),
		baseCtx:  ctx,
		stopAll:  cancel,
		running:  make(map[string]struct{}),
	}
}

func lockKey(kind tracker.SyncKind) string {
	return "crawl-lock:" + string(kind)
}

// StartSession creates a session and starts crawling it in the background.
// Replaying a request with the same SessionID returns that session without
// starting a second crawl.
func (m *Manager) StartSession(ctx context.Context, req StartRequest) (string, error) {
	s, created, err := m.prepare(ctx, req)
	if err != nil {
		return "", err
	}
	if !created {
		return s.ID, nil
	}
	token, err := m.lock(ctx, s.Kind)
	if err != nil {
		m.abandon(ctx, s.ID, err)
		return "", err
	}
	m.launch(s.ID, s.Kind, token)
	return s.ID, nil
}

// RunSession creates a session and crawls it before returning.
func (m *Manager) RunSession(ctx context.Context, req StartRequest) (*crawl.Report, error) {
	s, created, err := m.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if !created && s.Status != tracker.StatusPending {
		return nil, apperrors.Newf(apperrors.ErrConflict, http.StatusConflict, "session %s is already %s", s.ID, s.Status)
	}
	token, err := m.lock(ctx, s.Kind)
	if err != nil {
		m.abandon(ctx, s.ID, err)
		return nil, err
	}
	defer m.unlock(s.Kind, token)
	return m.runner.Run(ctx, s.ID, m.adapters[s.Kind])
}

// prepare validates req and creates its session, or finds the session an
// earlier identical request created.
func (m *Manager) prepare(ctx context.Context, req StartRequest) (*tracker.Session, bool, error) {
	if _, ok := m.adapters[req.Kind]; !ok {
		return nil, false, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "no source configured for sync kind %q", req.Kind)
	}
	if req.SessionID != "" {
		existing, err := m.tracker.GetSession(ctx, req.SessionID)
		switch {
		case err == nil:
			if existing.Kind != req.Kind {
				return nil, false, apperrors.Newf(apperrors.ErrConflict, http.StatusConflict,
					"session %s exists with sync kind %s", existing.ID, existing.Kind)
			}
			return existing, false, nil
		case !errors.Is(err, apperrors.ErrNotFound):
			return nil, false, err
		}
	}
	s, err := m.tracker.CreateSession(ctx, tracker.NewSession{
		ID:             req.SessionID,
		Kind:           req.Kind,
		TargetResource: req.TargetResource,
		InitiatedBy:    req.InitiatedBy,
		Options:        req.Options,
		Metadata:       req.Metadata,
	})
	if errors.Is(err, apperrors.ErrConflict) && req.SessionID != "" {
		existing, gerr := m.tracker.GetSession(ctx, req.SessionID)
		if gerr != nil {
			return nil, false, gerr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// abandon cancels a session that never got its crawl lock.
func (m *Manager) abandon(ctx context.Context, id string, cause error) {
	if err := m.tracker.Cancel(context.WithoutCancel(ctx), id); err != nil {
		m.logger.Warn("could not cancel unstarted session", "session_id", id, "error", err, "cause", cause)
	}
}

func (m *Manager) lock(ctx context.Context, kind tracker.SyncKind) (string, error) {
	token := uuid.NewString()
	ok, err := m.locker.TryLock(ctx, lockKey(kind), token, m.lockTTL)
	if err != nil {
		return "", fmt.Errorf("acquiring crawl lock: %w", err)
	}
	if !ok {
		return "", apperrors.Newf(apperrors.ErrConflict, http.StatusConflict, "a %s crawl is already running", kind)
	}
	return token, nil
}

func (m *Manager) unlock(kind tracker.SyncKind, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.locker.Unlock(ctx, lockKey(kind), token); err != nil {
		m.logger.Warn("crawl lock not released", "sync_kind", kind, "error", err)
	}
}

// launch runs the session in the background and releases the lock when the
// run ends.
func (m *Manager) launch(id string, kind tracker.SyncKind, token string) {
	m.mu.Lock()
	m.running[id] = struct{}{}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.running, id)
			m.mu.Unlock()
		}()
		defer m.unlock(kind, token)

		report, err := m.runner.Run(m.baseCtx, id, m.adapters[kind])
		if err != nil {
			m.logger.Error("crawl ended with error", "session_id", id, "error", err)
			return
		}
		m.logger.Info("crawl ended", "session_id", id, "status", report.Status, "reason", report.Reason)
	}()
}

// Running reports whether this process is crawling id.
func (m *Manager) Running(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[id]
	return ok
}

func (m *Manager) GetSession(ctx context.Context, id string) (tracker.Summary, error) {
	return m.tracker.Summary(ctx, id)
}

func (m *Manager) ListSessions(ctx context.Context, limit int) ([]tracker.Summary, error) {
	sessions, err := m.tracker.ListSessions(ctx, limit)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]tracker.Summary, len(sessions))
	for i := range sessions {
		out[i] = sessions[i].Summarize(now)
	}
	return out, nil
}

// CancelSession marks the session cancelled. A running crawl finishes its
// current page and stops.
func (m *Manager) CancelSession(ctx context.Context, id string) error {
	return m.tracker.Cancel(ctx, id)
}

// PauseSession stops a running crawl after its current page.
func (m *Manager) PauseSession(ctx context.Context, id string) error {
	return m.tracker.Pause(ctx, id)
}

// ResumeSession continues a paused or failed session from the page after
// the last one it recorded.
func (m *Manager) ResumeSession(ctx context.Context, id string) error {
	s, err := m.tracker.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if _, ok := m.adapters[s.Kind]; !ok {
		return apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "no source configured for sync kind %q", s.Kind)
	}
	if m.Running(id) {
		return apperrors.Newf(apperrors.ErrConflict, http.StatusConflict, "session %s is still winding down", id)
	}
	token, err := m.lock(ctx, s.Kind)
	if err != nil {
		return err
	}
	if err := m.tracker.Resume(ctx, id); err != nil {
		m.unlock(s.Kind, token)
		return err
	}
	m.launch(id, s.Kind, token)
	return nil
}

func (m *Manager) ListLogs(ctx context.Context, id string, afterSeq int64, limit int) ([]tracker.LogEntry, error) {
	if _, err := m.tracker.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return m.tracker.ListLogs(ctx, id, afterSeq, limit)
}

func (m *Manager) ListBatches(ctx context.Context, id string) ([]tracker.Batch, error) {
	if _, err := m.tracker.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return m.tracker.ListBatches(ctx, id)
}

// Shutdown interrupts background crawls, which pause their sessions, and
// waits for them to return or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopAll()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for crawls to stop: %w", ctx.Err())
	}
}

// Wait blocks until every background crawl has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}
