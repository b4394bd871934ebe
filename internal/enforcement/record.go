// Package enforcement holds the domain types shared by the ingestion
// pipeline: the canonical enforcement record and the party it names.
package enforcement

import (
	"strings"
	"time"

	apperrors "github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/errors"
)

// Agency identifies the regulator that published a record.
type Agency string

const (
	AgencyHSE Agency = "hse"
)

// RecordKind distinguishes prosecutions from enforcement notices.
type RecordKind string

const (
	KindCase   RecordKind = "case"
	KindNotice RecordKind = "notice"
)

// Party is the offender as described on a single source record, before it
// is resolved to a stored offender.
type Party struct {
	Name          string  `json:"name"`
	Address       *string `json:"address,omitempty"`
	Town          *string `json:"town,omitempty"`
	County        *string `json:"county,omitempty"`
	CompanyNumber *string `json:"company_number,omitempty"`
}

// Record is the canonical form of one enforcement action. The natural key is
// (Agency, RegulatorID). Money is held in pence.
type Record struct {
	ID             int64      `json:"id"`
	Agency         Agency     `json:"agency"`
	RegulatorID    string     `json:"regulator_id"`
	Kind           RecordKind `json:"kind"`
	OffenderID     int64      `json:"offender_id"`
	ActionDate     *time.Time `json:"action_date,omitempty"`
	ComplianceDate *time.Time `json:"compliance_date,omitempty"`
	FinePence      *int64     `json:"fine_pence,omitempty"`
	CostsPence     *int64     `json:"costs_pence,omitempty"`
	Breaches       []string   `json:"breaches,omitempty"`
	Description    *string    `json:"description,omitempty"`
	Result         *string    `json:"result,omitempty"`
	NoticeType     *string    `json:"notice_type,omitempty"`
	LocalAuthority *string    `json:"local_authority,omitempty"`
	SICCode        *string    `json:"sic_code,omitempty"`
	SourceURL      *string    `json:"source_url,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	// Party is transient: the matcher turns it into OffenderID.
	Party Party `json:"-"`
}

// NaturalKey returns the agency-qualified regulator id.
func (r *Record) NaturalKey() string {
	return string(r.Agency) + ":" + r.RegulatorID
}

// Validate checks the canonical fields every record must carry.
func (r *Record) Validate() error {
	switch {
	case r.Agency == "":
		return apperrors.Wrap(apperrors.ErrValidation, nil, "record has no agency")
	case strings.TrimSpace(r.RegulatorID) == "":
		return apperrors.Wrap(apperrors.ErrValidation, nil, "record has no regulator id")
	case r.Kind != KindCase && r.Kind != KindNotice:
		return apperrors.Wrap(apperrors.ErrValidation, nil, "record %s has unknown kind %q", r.RegulatorID, r.Kind)
	case strings.TrimSpace(r.Party.Name) == "":
		return apperrors.Wrap(apperrors.ErrValidation, nil, "record %s has no offender name", r.RegulatorID)
	}
	return nil
}
