package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/errors"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/postgres"
)

const sessionColumns = `id, sync_kind, target_resource, initiated_by, estimated_total, status,
	records_processed, records_created, records_updated, records_existing, records_failed,
	error_count, error_info, options, metadata, started_at, completed_at, created_at, updated_at`

const batchColumns = `id, session_id, batch_number, batch_size, status,
	records_processed, records_created, records_updated, records_existing, records_failed,
	retry_count, error_details, started_at, completed_at, processing_time_ms`

const logColumns = `seq, session_id, batch_id, level, event_type, message, data, error, origin, created_at`

// PostgresStore keeps the tracker tables in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	options, err := json.Marshal(sess.Options)
	if err != nil {
		return fmt.Errorf("encoding session options: %w", err)
	}
	metadata, err := marshalMap(sess.Metadata)
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO ingestion_sessions
		 (id, sync_kind, target_resource, initiated_by, estimated_total, status, options, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8::jsonb, '{}'::jsonb))
		 RETURNING created_at, updated_at`,
		sess.ID, string(sess.Kind), sess.TargetResource, sess.InitiatedBy, sess.EstimatedTotal,
		string(sess.Status), string(options), metadata,
	).Scan(&sess.CreatedAt, &sess.UpdatedAt)
	if postgres.IsUniqueViolation(err) {
		return apperrors.Newf(apperrors.ErrConflict, http.StatusConflict, "session %s already exists", sess.ID)
	}
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM ingestion_sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, http.StatusNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM ingestion_sessions ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TransitionSession(ctx context.Context, id string, from, to Status, errorInfo map[string]any) error {
	info, err := marshalMap(errorInfo)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_sessions
		 SET status = $3,
		     started_at = CASE WHEN $3 = 'running' THEN COALESCE(started_at, now()) ELSE started_at END,
		     completed_at = CASE
		         WHEN $3 IN ('completed', 'failed', 'cancelled') THEN COALESCE(completed_at, now())
		         ELSE completed_at END,
		     error_info = COALESCE($4::jsonb, error_info),
		     updated_at = now()
		 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), info,
	)
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	current, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	return apperrors.Newf(apperrors.ErrInvalidTransition, http.StatusConflict,
		"session %s is %s, expected %s", id, current.Status, from)
}

func (s *PostgresStore) AddSessionCounters(ctx context.Context, id string, d Counters, errorDelta int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_sessions
		 SET records_processed = records_processed + $2,
		     records_created = records_created + $3,
		     records_updated = records_updated + $4,
		     records_existing = records_existing + $5,
		     records_failed = records_failed + $6,
		     error_count = error_count + $7,
		     updated_at = now()
		 WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		id, d.Processed, d.Created, d.Updated, d.Existing, d.Failed, errorDelta,
	)
	if err != nil {
		return fmt.Errorf("updating session counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	current, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	return apperrors.Newf(apperrors.ErrTerminal, http.StatusConflict, "session %s is %s", id, current.Status)
}

func (s *PostgresStore) PatchSession(ctx context.Context, id string, estimatedTotal *int, metadata map[string]any) error {
	meta, err := marshalMap(metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_sessions
		 SET estimated_total = COALESCE($2::int, estimated_total),
		     metadata = metadata || COALESCE($3::jsonb, '{}'::jsonb),
		     updated_at = now()
		 WHERE id = $1`,
		id, estimatedTotal, meta,
	)
	if err != nil {
		return fmt.Errorf("patching session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, http.StatusNotFound, "session %s not found", id)
	}
	return nil
}

func (s *PostgresStore) CreateBatch(ctx context.Context, b *Batch) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO ingestion_batches (session_id, batch_number, batch_size, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		b.SessionID, b.Number, b.Size, string(b.Status),
	).Scan(&b.ID)
	if postgres.IsUniqueViolation(err) {
		return apperrors.Newf(apperrors.ErrConflict, http.StatusConflict, "batch %d already exists in session %s", b.Number, b.SessionID)
	}
	if err != nil {
		return fmt.Errorf("inserting batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateBatch(ctx context.Context, b *Batch, from BatchStatus) error {
	details, err := marshalMap(b.ErrorDetails)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_batches
		 SET status = $3,
		     records_processed = $4, records_created = $5, records_updated = $6,
		     records_existing = $7, records_failed = $8,
		     retry_count = $9, error_details = $10::jsonb,
		     started_at = $11, completed_at = $12, processing_time_ms = $13
		 WHERE id = $1 AND status = $2`,
		b.ID, string(from), string(b.Status),
		b.Counters.Processed, b.Counters.Created, b.Counters.Updated, b.Counters.Existing, b.Counters.Failed,
		b.RetryCount, details, b.StartedAt, b.CompletedAt, b.ProcessingTime.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("updating batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrInvalidTransition, http.StatusConflict,
			"batch %d is no longer %s", b.Number, from)
	}
	return nil
}

func (s *PostgresStore) ListBatches(ctx context.Context, sessionID string) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM ingestion_batches WHERE session_id = $1 ORDER BY batch_number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}
	defer rows.Close()
	var out []Batch
	for rows.Next() {
		var (
			b       Batch
			status  string
			details []byte
			ms      int64
		)
		if err := rows.Scan(&b.ID, &b.SessionID, &b.Number, &b.Size, &status,
			&b.Counters.Processed, &b.Counters.Created, &b.Counters.Updated, &b.Counters.Existing, &b.Counters.Failed,
			&b.RetryCount, &details, &b.StartedAt, &b.CompletedAt, &ms); err != nil {
			return nil, fmt.Errorf("scanning batch: %w", err)
		}
		b.Status = BatchStatus(status)
		b.ProcessingTime = time.Duration(ms) * time.Millisecond
		if b.ErrorDetails, err = unmarshalMap(details); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MaxBatchNumber(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(batch_number), 0) FROM ingestion_batches WHERE session_id = $1`, sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("querying max batch number: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) AppendLog(ctx context.Context, e *LogEntry) error {
	data, err := marshalMap(e.Data)
	if err != nil {
		return err
	}
	var detail any
	if e.Error != nil {
		raw, err := json.Marshal(e.Error)
		if err != nil {
			return fmt.Errorf("encoding log error detail: %w", err)
		}
		detail = string(raw)
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO ingestion_logs (session_id, batch_id, level, event_type, message, data, error, origin)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8)
		 RETURNING seq, created_at`,
		e.SessionID, e.BatchID, string(e.Level), string(e.Event), e.Message, data, detail, e.Origin,
	).Scan(&e.Seq, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting log entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLogs(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+logColumns+` FROM ingestion_logs
		 WHERE session_id = $1 AND seq > $2
		 ORDER BY seq
		 LIMIT $3`,
		sessionID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing log entries: %w", err)
	}
	defer rows.Close()
	var out []LogEntry
	for rows.Next() {
		var (
			e            LogEntry
			batchID      sql.NullInt64
			level, event string
			data, detail []byte
		)
		if err := rows.Scan(&e.Seq, &e.SessionID, &batchID, &level, &event, &e.Message,
			&data, &detail, &e.Origin, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning log entry: %w", err)
		}
		e.Level = Level(level)
		e.Event = EventType(event)
		if batchID.Valid {
			id := batchID.Int64
			e.BatchID = &id
		}
		if e.Data, err = unmarshalMap(data); err != nil {
			return nil, err
		}
		if len(detail) > 0 {
			e.Error = &ErrorDetail{}
			if err := json.Unmarshal(detail, e.Error); err != nil {
				return nil, fmt.Errorf("decoding log error detail: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		sess                     Session
		kind, status             string
		errorInfo, options, meta []byte
	)
	err := row.Scan(&sess.ID, &kind, &sess.TargetResource, &sess.InitiatedBy, &sess.EstimatedTotal, &status,
		&sess.Counters.Processed, &sess.Counters.Created, &sess.Counters.Updated, &sess.Counters.Existing, &sess.Counters.Failed,
		&sess.ErrorCount, &errorInfo, &options, &meta, &sess.StartedAt, &sess.CompletedAt, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.Kind = SyncKind(kind)
	sess.Status = Status(status)
	if sess.ErrorInfo, err = unmarshalMap(errorInfo); err != nil {
		return nil, err
	}
	if sess.Metadata, err = unmarshalMap(meta); err != nil {
		return nil, err
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &sess.Options); err != nil {
			return nil, fmt.Errorf("decoding session options: %w", err)
		}
	}
	return &sess, nil
}

// marshalMap encodes m as a JSON string, or returns nil for an empty map so
// the column keeps its current value or default.
func marshalMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding json column: %w", err)
	}
	return string(raw), nil
}

func unmarshalMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding json column: %w", err)
	}
	return m, nil
}
