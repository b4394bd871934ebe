// Package progress carries per-page crawl progress out of the coordinator.
// Publishing never blocks a crawl: events that cannot be delivered are
// dropped and counted.
package progress

import (
	"log/slog"
	"time"

	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/tracker"
)

// Event is emitted once per processed page.
type Event struct {
	SessionID string           `json:"session_id"`
	Kind      tracker.SyncKind `json:"sync_kind"`
	Page      int              `json:"page"`
	Batch     int              `json:"batch_number"`
	Counters  tracker.Counters `json:"counters"`
	Totals    tracker.Counters `json:"totals"`
	Status    tracker.Status   `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(e Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}

// LogPublisher writes events to a structured logger. Used when no broker is
// configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger.With("component", "progress")}
}

func (p *LogPublisher) Publish(e Event) {
	p.logger.Info("crawl progress",
		"session_id", e.SessionID,
		"sync_kind", e.Kind,
		"page", e.Page,
		"batch", e.Batch,
		"created", e.Counters.Created,
		"existing", e.Counters.Existing,
		"failed", e.Counters.Failed,
		"total_processed", e.Totals.Processed,
		"status", e.Status,
	)
}
