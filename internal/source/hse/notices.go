package hse

import (
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/enforcement"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/source"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/tracker"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/transform"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/config"
)

// Notices crawls the enforcement-notice register. Listing rows carry all
// the fields, so detail pages are never fetched.
type Notices struct {
	listing
}

var _ source.Adapter = (*Notices)(nil)

func NewNotices(f *source.Fetcher, cfg config.SourceConfig) (*Notices, error) {
	l, err := newListing(f, cfg, tracker.SyncHSENotices, cfg.NoticesPath, false)
	if err != nil {
		return nil, err
	}
	return &Notices{listing: l}, nil
}

func (n *Notices) Transform(raw transform.Raw) (*enforcement.Record, error) {
	name := raw.Field("recipient name", "recipient", "name", "company name", "defendant")
	issued := transform.ParseDate(raw.Field("issue date", "date issued", "date of issue", "date"))
	localAuthority := raw.Field("local authority", "la")

	r := &enforcement.Record{
		Agency:         enforcement.AgencyHSE,
		Kind:           enforcement.KindNotice,
		ActionDate:     issued,
		ComplianceDate: transform.ParseDate(raw.Field("revised compliance date", "compliance date", "date for compliance")),
		Breaches:       transform.SplitBreaches(raw.Field("legislation", "breaches", "breach")),
		Description:    raw.Field("description", "nature of breach", "summary"),
		Result:         raw.Field("result", "status", "outcome"),
		NoticeType:     raw.Field("notice type", "type"),
		LocalAuthority: localAuthority,
		SICCode:        raw.Field("sic code", "sic", "main activity"),
		SourceURL:      sourceURL(raw),
		Party: enforcement.Party{
			Address:       raw.Field("address", "recipient address", "location"),
			Town:          raw.Field("town"),
			County:        raw.Field("county"),
			CompanyNumber: raw.Field("company number", "registration number"),
		},
	}
	if name != nil {
		r.Party.Name = *name
	}
	if ref := raw.Field("notice number", "notice no", "notice ref", "notice reference", "reference"); ref != nil {
		r.RegulatorID = *ref
	} else {
		r.RegulatorID = transform.SyntheticID(agencyPtr(), kindPtr(r.Kind), name, transform.FormatDate(issued), localAuthority)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
