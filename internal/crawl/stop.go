package crawl

import "github.com/shotleybuilder/sertantai-enforcement-sub010/internal/upsert"

// StopReason says why a run ended.
type StopReason string

const (
	ReasonEndOfListing   StopReason = "end_of_listing"
	ReasonMaxPages       StopReason = "max_pages"
	ReasonExistingRun    StopReason = "consecutive_existing"
	ReasonFailureCeiling StopReason = "consecutive_failures"
	ReasonCancelled      StopReason = "cancelled"
	ReasonPaused         StopReason = "paused"
	ReasonInterrupted    StopReason = "interrupted"
	ReasonStoreError     StopReason = "store_error"
)

// recordOutcome is what happened to one source row. failed rows carry no
// upsert outcome.
type recordOutcome struct {
	outcome upsert.Outcome
	failed  bool
}

func (o recordOutcome) existing() bool { return !o.failed && o.outcome.Existing() }
func (o recordOutcome) created() bool  { return !o.failed && o.outcome == upsert.Created }

// existingDetector decides when the crawl has reached territory it has
// already stored.
type existingDetector struct {
	mode      StopMode
	threshold int
	pages     int

	recordRun      int
	saturatedPages int
}

func newExistingDetector(s Settings) *existingDetector {
	return &existingDetector{
		mode:      s.StopMode,
		threshold: s.ExistingThreshold,
		pages:     s.ConsecutiveExistingPages,
	}
}

// observe feeds one page's outcomes, in source order.
func (d *existingDetector) observe(outcomes []recordOutcome) {
	var created, existing, run, longest int
	for _, o := range outcomes {
		switch {
		case o.created():
			created++
			run = 0
			d.recordRun = 0
		case o.existing():
			existing++
			run++
			longest = max(longest, run)
			d.recordRun++
		default:
			run = 0
			d.recordRun = 0
		}
	}

	if created > 0 {
		d.saturatedPages = 0
		return
	}
	saturated := len(outcomes) > 0 && (longest >= d.threshold || existing == len(outcomes))
	if saturated {
		d.saturatedPages++
	} else {
		d.saturatedPages = 0
	}
}

func (d *existingDetector) shouldStop() bool {
	if d.mode == StopByRecord {
		return d.recordRun >= d.threshold
	}
	return d.saturatedPages >= d.pages
}

// restore resumes the run counters saved by a previous run of the same
// session. State saved under a different stop mode is ignored.
func (d *existingDetector) restore(saved any) {
	m, ok := saved.(map[string]any)
	if !ok || m["mode"] != string(d.mode) {
		return
	}
	if v, ok := intValue(m["record_run"]); ok {
		d.recordRun = v
	}
	if v, ok := intValue(m["saturated_pages"]); ok {
		d.saturatedPages = v
	}
}

// intValue accepts both in-process ints and JSON-decoded numbers.
func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func (d *existingDetector) state() map[string]any {
	return map[string]any{
		"mode":            string(d.mode),
		"record_run":      d.recordRun,
		"saturated_pages": d.saturatedPages,
		"threshold":       d.threshold,
		"page_threshold":  d.pages,
	}
}
