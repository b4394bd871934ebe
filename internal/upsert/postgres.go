package upsert

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/enforcement"
	apperrors "github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/errors"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/postgres"
)

const recordColumns = `id, agency, regulator_id, kind, offender_id, action_date, compliance_date,
	fine_pence, costs_pence, breaches, description, result, notice_type,
	local_authority, sic_code, source_url, created_at, updated_at`

// updatable is the column whitelist for partial updates.
var updatable = map[string]bool{
	"kind": true, "offender_id": true, "action_date": true, "compliance_date": true,
	"fine_pence": true, "costs_pence": true, "breaches": true, "description": true,
	"result": true, "notice_type": true, "local_authority": true, "sic_code": true,
	"source_url": true,
}

// PostgresStore keeps records in enforcement_records, unique on
// (agency, regulator_id).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, agency enforcement.Agency, regulatorID string) (*enforcement.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM enforcement_records WHERE agency = $1 AND regulator_id = $2`,
		string(agency), regulatorID,
	)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, nil, "record %s:%s", agency, regulatorID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying record: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) Insert(ctx context.Context, r *enforcement.Record) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO enforcement_records
		 (agency, regulator_id, kind, offender_id, action_date, compliance_date,
		  fine_pence, costs_pence, breaches, description, result, notice_type,
		  local_authority, sic_code, source_url)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 RETURNING id, created_at, updated_at`,
		string(r.Agency), r.RegulatorID, string(r.Kind), r.OffenderID, r.ActionDate, r.ComplianceDate,
		r.FinePence, r.CostsPence, pq.Array(r.Breaches), r.Description, r.Result, r.NoticeType,
		r.LocalAuthority, r.SICCode, r.SourceURL,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if postgres.IsUniqueViolation(err) {
		return apperrors.Wrap(apperrors.ErrConflict, err, "record %s", r.NaturalKey())
	}
	if err != nil {
		return fmt.Errorf("inserting record: %w", err)
	}
	return nil
}

// Update writes only the changed columns and bumps updated_at.
func (s *PostgresStore) Update(ctx context.Context, id int64, changes []Change) (time.Time, error) {
	sets := make([]string, 0, len(changes)+1)
	args := make([]any, 0, len(changes)+1)
	for _, c := range changes {
		if !updatable[c.Column] {
			return time.Time{}, fmt.Errorf("column %q is not updatable", c.Column)
		}
		v := c.Value
		if list, ok := v.([]string); ok {
			v = pq.Array(list)
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", c.Column, len(args)))
	}
	sets = append(sets, "updated_at = now()")
	args = append(args, id)

	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`UPDATE enforcement_records SET %s WHERE id = $%d RETURNING updated_at`,
			strings.Join(sets, ", "), len(args)),
		args...,
	).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, apperrors.Wrap(apperrors.ErrNotFound, nil, "record %d", id)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("updating record %d: %w", id, err)
	}
	return updatedAt, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*enforcement.Record, error) {
	var (
		r                                  enforcement.Record
		agency, kind                       string
		actionDate, complianceDate         sql.NullTime
		fine, costs                        sql.NullInt64
		description, result, noticeType    sql.NullString
		localAuthority, sicCode, sourceURL sql.NullString
	)
	err := row.Scan(&r.ID, &agency, &r.RegulatorID, &kind, &r.OffenderID, &actionDate, &complianceDate,
		&fine, &costs, pq.Array(&r.Breaches), &description, &result, &noticeType,
		&localAuthority, &sicCode, &sourceURL, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Agency = enforcement.Agency(agency)
	r.Kind = enforcement.RecordKind(kind)
	r.ActionDate = timePtr(actionDate)
	r.ComplianceDate = timePtr(complianceDate)
	r.FinePence = int64Ptr(fine)
	r.CostsPence = int64Ptr(costs)
	r.Description = postgres.StringPtr(description)
	r.Result = postgres.StringPtr(result)
	r.NoticeType = postgres.StringPtr(noticeType)
	r.LocalAuthority = postgres.StringPtr(localAuthority)
	r.SICCode = postgres.StringPtr(sicCode)
	r.SourceURL = postgres.StringPtr(sourceURL)
	return &r, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
