package upsert

import (
	"slices"
	"time"

	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/enforcement"
)

// Change is one column that differs between the stored and incoming record.
type Change struct {
	Column string
	Value  any
}

// Diff compares the fields a re-sighting may change. A nil incoming value
// means the source did not supply the field this time and never clears a
// stored value.
func Diff(stored, incoming *enforcement.Record) []Change {
	var changes []Change
	add := func(col string, v any) { changes = append(changes, Change{Column: col, Value: v}) }

	if incoming.Kind != "" && incoming.Kind != stored.Kind {
		add("kind", string(incoming.Kind))
	}
	if incoming.OffenderID != 0 && incoming.OffenderID != stored.OffenderID {
		add("offender_id", incoming.OffenderID)
	}
	if dateChanged(stored.ActionDate, incoming.ActionDate) {
		add("action_date", *incoming.ActionDate)
	}
	if dateChanged(stored.ComplianceDate, incoming.ComplianceDate) {
		add("compliance_date", *incoming.ComplianceDate)
	}
	if intChanged(stored.FinePence, incoming.FinePence) {
		add("fine_pence", *incoming.FinePence)
	}
	if intChanged(stored.CostsPence, incoming.CostsPence) {
		add("costs_pence", *incoming.CostsPence)
	}
	if len(incoming.Breaches) > 0 && !slices.Equal(stored.Breaches, incoming.Breaches) {
		add("breaches", incoming.Breaches)
	}
	for _, f := range []struct {
		col              string
		stored, incoming *string
	}{
		{"description", stored.Description, incoming.Description},
		{"result", stored.Result, incoming.Result},
		{"notice_type", stored.NoticeType, incoming.NoticeType},
		{"local_authority", stored.LocalAuthority, incoming.LocalAuthority},
		{"sic_code", stored.SICCode, incoming.SICCode},
		{"source_url", stored.SourceURL, incoming.SourceURL},
	} {
		if f.incoming != nil && (f.stored == nil || *f.stored != *f.incoming) {
			add(f.col, *f.incoming)
		}
	}
	return changes
}

func dateChanged(stored, incoming *time.Time) bool {
	if incoming == nil {
		return false
	}
	return stored == nil || !sameDay(*stored, *incoming)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func intChanged(stored, incoming *int64) bool {
	if incoming == nil {
		return false
	}
	return stored == nil || *stored != *incoming
}

// apply writes changes onto r so in-memory copies match what was persisted.
func apply(r *enforcement.Record, changes []Change) {
	for _, c := range changes {
		switch c.Column {
		case "kind":
			r.Kind = enforcement.RecordKind(c.Value.(string))
		case "offender_id":
			r.OffenderID = c.Value.(int64)
		case "action_date":
			d := c.Value.(time.Time)
			r.ActionDate = &d
		case "compliance_date":
			d := c.Value.(time.Time)
			r.ComplianceDate = &d
		case "fine_pence":
			v := c.Value.(int64)
			r.FinePence = &v
		case "costs_pence":
			v := c.Value.(int64)
			r.CostsPence = &v
		case "breaches":
			r.Breaches = slices.Clone(c.Value.([]string))
		default:
			v := c.Value.(string)
			switch c.Column {
			case "description":
				r.Description = &v
			case "result":
				r.Result = &v
			case "notice_type":
				r.NoticeType = &v
			case "local_authority":
				r.LocalAuthority = &v
			case "sic_code":
				r.SICCode = &v
			case "source_url":
				r.SourceURL = &v
			}
		}
	}
}
