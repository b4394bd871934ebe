package matcher

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	apperrors "github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/errors"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/postgres"
)

const offenderColumns = `id, name, normalized_name, town, county, postcode, company_number,
	total_records, total_fines_pence, created_at, updated_at`

// PostgresStore keeps offenders in the offenders table. The unique index on
// (normalized_name, COALESCE(postcode, '')) is the dedup backstop.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) FindExact(ctx context.Context, normalizedName string, postcode *string) (*Offender, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+offenderColumns+` FROM offenders
		 WHERE normalized_name = $1 AND COALESCE(postcode, '') = $2`,
		normalizedName, deref(postcode),
	)
	o, err := scanOffender(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, nil, "offender %q", normalizedName)
	}
	if err != nil {
		return nil, fmt.Errorf("querying offender: %w", err)
	}
	return o, nil
}

// Candidates returns every offender inside the query's rune-count band
// whose postcode is unknown or agrees. Rows written before name_runes
// existed carry 0 and are always scanned.
func (s *PostgresStore) Candidates(ctx context.Context, q CandidateQuery) ([]Offender, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+offenderColumns+` FROM offenders
		 WHERE (name_runes BETWEEN $1 AND $2 OR name_runes = 0)
		   AND ($3 = '' OR postcode IS NULL OR postcode = $3)
		 ORDER BY id`,
		q.MinRunes, q.MaxRunes, deref(q.Postcode),
	)
	if err != nil {
		return nil, fmt.Errorf("querying offender candidates: %w", err)
	}
	defer rows.Close()

	var out []Offender
	for rows.Next() {
		o, err := scanOffender(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning offender candidate: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Create(ctx context.Context, o *Offender) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO offenders (name, normalized_name, town, county, postcode, company_number, name_runes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		o.Name, o.NormalizedName, o.Town, o.County, o.Postcode, o.CompanyNumber, NameRunes(o.NormalizedName),
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if postgres.IsUniqueViolation(err) {
		return apperrors.Wrap(apperrors.ErrConflict, err, "offender %q", o.NormalizedName)
	}
	if err != nil {
		return fmt.Errorf("inserting offender: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddStats(ctx context.Context, id int64, records int, finesPence int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE offenders
		 SET total_records = total_records + $2,
		     total_fines_pence = total_fines_pence + $3,
		     updated_at = now()
		 WHERE id = $1`,
		id, records, finesPence,
	)
	if err != nil {
		return fmt.Errorf("updating offender stats: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Wrap(apperrors.ErrNotFound, nil, "offender %d", id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOffender(row scanner) (*Offender, error) {
	var (
		o                                     Offender
		town, county, postcode, companyNumber sql.NullString
	)
	err := row.Scan(&o.ID, &o.Name, &o.NormalizedName, &town, &county, &postcode, &companyNumber,
		&o.TotalRecords, &o.TotalFinesPence, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Town = postgres.StringPtr(town)
	o.County = postgres.StringPtr(county)
	o.Postcode = postgres.StringPtr(postcode)
	o.CompanyNumber = postgres.StringPtr(companyNumber)
	return &o, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
