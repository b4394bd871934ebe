package tracker

import (
	"math"
	"time"
)

// Summary is a read-only session snapshot with derived rates. None of the
// derived fields are stored.
type Summary struct {
	Session
	CompletionPercent float64 `json:"completion_percent"`
	SuccessRate       float64 `json:"success_rate"`
	ErrorRate         float64 `json:"error_rate"`
	RecordsPerSecond  float64 `json:"records_per_second"`
}

// Summarize derives the rates at time now.
func (s *Session) Summarize(now time.Time) Summary {
	return Summary{
		Session:           *s,
		CompletionPercent: s.CompletionPercent(),
		SuccessRate:       s.SuccessRate(),
		ErrorRate:         s.ErrorRate(),
		RecordsPerSecond:  s.ProcessingSpeed(now),
	}
}

// CompletionPercent is processed over the estimate, capped at 100. Without
// an estimate only a completed session reports 100.
func (s *Session) CompletionPercent() float64 {
	if s.EstimatedTotal <= 0 {
		if s.Status == StatusCompleted {
			return 100
		}
		return 0
	}
	return round2(math.Min(100, percent(s.Counters.Processed, s.EstimatedTotal)))
}

// SuccessRate is the share of processed records that did not fail.
func (s *Session) SuccessRate() float64 {
	c := s.Counters
	return round2(percent(c.Created+c.Updated+c.Existing, c.Processed))
}

func (s *Session) ErrorRate() float64 {
	return round2(percent(s.Counters.Failed, s.Counters.Processed))
}

// ProcessingSpeed is records per second between start and first
// completion, or start and now for a live session.
func (s *Session) ProcessingSpeed(now time.Time) float64 {
	if s.StartedAt == nil {
		return 0
	}
	end := now
	if s.CompletedAt != nil && s.Status.Terminal() {
		end = *s.CompletedAt
	}
	secs := end.Sub(*s.StartedAt).Seconds()
	if secs <= 0 {
		return 0
	}
	return round2(float64(s.Counters.Processed) / secs)
}

func percent(part, whole int) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
