// Package tracker persists the lifecycle of ingestion runs: sessions, the
// batches (pages) inside them, and an append-only audit log. It knows
// nothing about any particular source.
package tracker

import (
	"time"
)

// SyncKind names the source a session ingests from.
type SyncKind string

const (
	SyncHSECases   SyncKind = "hse_cases"
	SyncHSENotices SyncKind = "hse_notices"
)

var knownKinds = map[SyncKind]bool{
	SyncHSECases:   true,
	SyncHSENotices: true,
}

// RegisterKind makes an additional sync kind acceptable to CreateSession.
func RegisterKind(k SyncKind) {
	knownKinds[k] = true
}

func (k SyncKind) Valid() bool {
	return knownKinds[k]
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRetrying  Status = "retrying"
)

var sessionTransitions = map[Status][]Status{
	StatusPending:  {StatusRunning, StatusCancelled},
	StatusRunning:  {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:   {StatusRunning, StatusCancelled},
	StatusFailed:   {StatusRetrying},
	StatusRetrying: {StatusRunning, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from → to is a legal session edge.
func CanTransition(from, to Status) bool {
	for _, s := range sessionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status accepts no further counter updates.
// Failed is terminal until an explicit retry.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchRetrying   BatchStatus = "retrying"
)

// MaxBatchRetries bounds the failed → retrying edge.
const MaxBatchRetries = 3

var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchPending:    {BatchProcessing},
	BatchProcessing: {BatchCompleted, BatchFailed},
	BatchFailed:     {BatchRetrying},
	BatchRetrying:   {BatchProcessing},
}

func CanTransitionBatch(from, to BatchStatus) bool {
	for _, s := range batchTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Counters are the per-session and per-batch record tallies.
type Counters struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Existing  int `json:"existing"`
	Failed    int `json:"failed"`
}

func (c Counters) Add(o Counters) Counters {
	return Counters{
		Processed: c.Processed + o.Processed,
		Created:   c.Created + o.Created,
		Updated:   c.Updated + o.Updated,
		Existing:  c.Existing + o.Existing,
		Failed:    c.Failed + o.Failed,
	}
}

// Balanced reports whether Processed equals the sum of the outcome counters.
func (c Counters) Balanced() bool {
	return c.Processed == c.Created+c.Updated+c.Existing+c.Failed
}

// Options is the typed part of a session's configuration.
type Options struct {
	StartPage                    int            `json:"start_page"`
	MaxPages                     int            `json:"max_pages"`
	PageDelay                    time.Duration  `json:"page_delay"`
	ConsecutiveExistingThreshold int            `json:"consecutive_existing_threshold"`
	ConsecutiveExistingPages     int            `json:"consecutive_existing_pages"`
	StopMode                     string         `json:"stop_mode"`
	MaxConsecutiveErrors         int            `json:"max_consecutive_errors"`
	BatchSize                    int            `json:"batch_size"`
	Extra                        map[string]any `json:"extra,omitempty"`
}

type Session struct {
	ID             string         `json:"id"`
	Kind           SyncKind       `json:"sync_kind"`
	TargetResource string         `json:"target_resource"`
	InitiatedBy    string         `json:"initiated_by"`
	EstimatedTotal int            `json:"estimated_total"`
	Status         Status         `json:"status"`
	Counters       Counters       `json:"counters"`
	ErrorCount     int            `json:"error_count"`
	ErrorInfo      map[string]any `json:"error_info,omitempty"`
	Options        Options        `json:"options"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// MetadataInt reads an integer metadata value, tolerating the float64 that
// JSON decoding produces.
func (s *Session) MetadataInt(key string) (int, bool) {
	switch v := s.Metadata[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

type Batch struct {
	ID             int64          `json:"id"`
	SessionID      string         `json:"session_id"`
	Number         int            `json:"batch_number"`
	Size           int            `json:"batch_size"`
	Status         BatchStatus    `json:"status"`
	Counters       Counters       `json:"counters"`
	RetryCount     int            `json:"retry_count"`
	ErrorDetails   map[string]any `json:"error_details,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	ProcessingTime time.Duration  `json:"processing_time"`
}

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventSessionResumed   EventType = "session_resumed"
	EventSessionPaused    EventType = "session_paused"
	EventSessionCompleted EventType = "session_completed"
	EventSessionFailed    EventType = "session_failed"
	EventSessionCancelled EventType = "session_cancelled"
	EventPageProcessed    EventType = "page_processed"
	EventPageFailed       EventType = "page_failed"
	EventBatchRetry       EventType = "batch_retry"
	EventRecordFailed     EventType = "record_failed"
	EventStopCondition    EventType = "stop_condition"
)

// ErrorDetail is the structured error captured on a log entry.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// LogEntry is immutable once appended. Seq is assigned by the store and is
// the ordering key across processes.
type LogEntry struct {
	Seq       int64          `json:"seq"`
	SessionID string         `json:"session_id"`
	BatchID   *int64         `json:"batch_id,omitempty"`
	Level     Level          `json:"level"`
	Event     EventType      `json:"event_type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ErrorDetail   `json:"error,omitempty"`
	Origin    string         `json:"origin"`
	CreatedAt time.Time      `json:"created_at"`
}
