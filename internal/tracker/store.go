package tracker

import "context"

// Store persists sessions, batches and log entries. Status changes are
// compare-and-set on the current status; counter changes are applied as
// deltas against the stored row.
type Store interface {
	// CreateSession returns apperrors.ErrConflict when the id exists.
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, limit int) ([]Session, error)
	// TransitionSession moves from → to, stamping started_at on the first
	// run and completed_at on the first terminal state. It returns
	// apperrors.ErrInvalidTransition when the stored status is not from.
	TransitionSession(ctx context.Context, id string, from, to Status, errorInfo map[string]any) error
	// AddSessionCounters returns apperrors.ErrTerminal for terminal sessions.
	AddSessionCounters(ctx context.Context, id string, delta Counters, errorDelta int) error
	// PatchSession sets the estimate when non-nil and merges metadata keys.
	PatchSession(ctx context.Context, id string, estimatedTotal *int, metadata map[string]any) error

	// CreateBatch returns apperrors.ErrConflict for a duplicate number.
	CreateBatch(ctx context.Context, b *Batch) error
	// UpdateBatch writes b when the stored status is still from.
	UpdateBatch(ctx context.Context, b *Batch, from BatchStatus) error
	ListBatches(ctx context.Context, sessionID string) ([]Batch, error)
	MaxBatchNumber(ctx context.Context, sessionID string) (int, error)

	AppendLog(ctx context.Context, e *LogEntry) error
	ListLogs(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]LogEntry, error)
}
