package hse

import (
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/enforcement"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/source"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/tracker"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/transform"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/config"
)

// Cases crawls the prosecution register. With detail fetching on, each
// case's own page supplies fines, costs and breaches.
type Cases struct {
	listing
}

var _ source.Adapter = (*Cases)(nil)

func NewCases(f *source.Fetcher, cfg config.SourceConfig) (*Cases, error) {
	l, err := newListing(f, cfg, tracker.SyncHSECases, cfg.CasesPath, cfg.FetchDetails)
	if err != nil {
		return nil, err
	}
	return &Cases{listing: l}, nil
}

func (c *Cases) Transform(raw transform.Raw) (*enforcement.Record, error) {
	name := raw.Field("defendant", "defendant name", "defendant/s", "offender", "name", "company name")
	date := transform.ParseDate(raw.Field("hearing date", "date of hearing", "conviction date", "date of conviction", "offence date", "date"))
	localAuthority := raw.Field("local authority", "la")

	r := &enforcement.Record{
		Agency:         enforcement.AgencyHSE,
		Kind:           enforcement.KindCase,
		ActionDate:     date,
		FinePence:      transform.ParseMoney(raw.Field("fine", "total fine", "fine (£)", "fine awarded")),
		CostsPence:     transform.ParseMoney(raw.Field("costs", "total costs", "costs awarded", "costs (£)")),
		Breaches:       transform.SplitBreaches(raw.Field("breaches", "breach", "offences", "offence", "legislation breached", "act")),
		Description:    raw.Field("offence description", "description", "summary", "case details"),
		Result:         raw.Field("result", "verdict", "outcome", "court result"),
		LocalAuthority: localAuthority,
		SICCode:        raw.Field("sic code", "sic", "main activity"),
		SourceURL:      sourceURL(raw),
		Party: enforcement.Party{
			Address:       raw.Field("address", "defendant address", "location"),
			Town:          raw.Field("town"),
			County:        raw.Field("county"),
			CompanyNumber: raw.Field("company number", "company registration number", "registration number"),
		},
	}
	if name != nil {
		r.Party.Name = *name
	}
	if ref := raw.Field("case number", "case no", "case ref", "case reference", "case id"); ref != nil {
		r.RegulatorID = *ref
	} else {
		r.RegulatorID = transform.SyntheticID(agencyPtr(), kindPtr(r.Kind), name, transform.FormatDate(date), localAuthority)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
