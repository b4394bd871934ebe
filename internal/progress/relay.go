package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/errors"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/kafka"
)

// SnapshotStore is the key/value subset of *redis.Client the relay needs.
type SnapshotStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// SnapshotKey is where the latest event for a session is kept.
func SnapshotKey(sessionID string) string {
	return "progress:" + sessionID
}

// Relay keeps the latest progress event per session in a snapshot store so
// dashboards can poll without reading the topic.
type Relay struct {
	store  SnapshotStore
	ttl    time.Duration
	isNil  func(error) bool
	logger *slog.Logger
}

// NewRelay returns a Relay. isNil recognises the store's missing-key error.
func NewRelay(store SnapshotStore, ttl time.Duration, isNil func(error) bool) *Relay {
	if isNil == nil {
		isNil = func(error) bool { return false }
	}
	return &Relay{
		store:  store,
		ttl:    ttl,
		isNil:  isNil,
		logger: slog.Default().With("component", "progress-relay"),
	}
}

// Handle is a kafka.MessageHandler. Events older than the stored snapshot
// are ignored.
func (r *Relay) Handle(ctx context.Context, _ []byte, value []byte) error {
	e, err := kafka.DecodeJSON[Event](value)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrParse, err, "progress event")
	}
	if e.SessionID == "" {
		return apperrors.Wrap(apperrors.ErrValidation, nil, "progress event without session id")
	}
	current, err := r.Snapshot(ctx, e.SessionID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	if current != nil && current.Timestamp.After(e.Timestamp) {
		r.logger.Debug("stale progress event ignored", "session_id", e.SessionID, "page", e.Page)
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding progress snapshot: %w", err)
	}
	if err := r.store.Set(ctx, SnapshotKey(e.SessionID), data, r.ttl); err != nil {
		return fmt.Errorf("storing progress snapshot: %w", err)
	}
	return nil
}

// Snapshot returns the latest relayed event for sessionID.
func (r *Relay) Snapshot(ctx context.Context, sessionID string) (*Event, error) {
	raw, err := r.store.Get(ctx, SnapshotKey(sessionID))
	if r.isNil(err) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, http.StatusNotFound, "no progress recorded for session %s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading progress snapshot: %w", err)
	}
	var e Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrParse, err, "progress snapshot for %s", sessionID)
	}
	return &e, nil
}
