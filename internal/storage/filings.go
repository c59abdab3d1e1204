package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rewired-gh/filingwatch/internal/models"
)

type sqlDataFiling struct {
	AccessionID     string        `db:"accession_id"`
	CIK             int64         `db:"cik"`
	FormType        string        `db:"form_type"`
	AcceptedAt      sql.NullInt64 `db:"accepted_at"`
	FiledDate       string        `db:"filed_date"`
	PrimaryDocument string        `db:"primary_document"`
}

func (d *sqlDataFiling) Model() *models.FilingEvent {
	return &models.FilingEvent{
		AccessionID:     d.AccessionID,
		CIK:             d.CIK,
		FormType:        d.FormType,
		AcceptedAt:      fromNanos(d.AcceptedAt),
		FiledDate:       d.FiledDate,
		PrimaryDocument: d.PrimaryDocument,
	}
}

const filingCols = `accession_id, cik, form_type, accepted_at, filed_date, primary_document`

// InsertFiling stores the filing if its accession ID is new. An existing row
// is left untouched except that an empty primary document may be filled in.
// It reports whether a new row was created.
func (o ops) InsertFiling(ctx context.Context, f *models.FilingEvent) (bool, error) {
	if err := f.Validate(); err != nil {
		return false, fmt.Errorf("invalid filing: %w", err)
	}
	res, err := o.q.ExecContext(ctx, `
		INSERT INTO filing_events
			(accession_id, cik, form_type, accepted_at, filed_date, primary_document, ingested_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(accession_id) DO NOTHING`,
		f.AccessionID, f.CIK, f.FormType, nanos(f.AcceptedAt), f.FiledDate, f.PrimaryDocument, now(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert filing: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return true, nil
	}

	if f.PrimaryDocument != "" {
		if _, err := o.q.ExecContext(ctx, `
			UPDATE filing_events SET primary_document = ?
			WHERE accession_id = ? AND primary_document = ''`,
			f.PrimaryDocument, f.AccessionID,
		); err != nil {
			return false, fmt.Errorf("failed to enrich filing: %w", err)
		}
	}
	return false, nil
}

// FilingExists reports whether the accession ID is already stored.
func (o ops) FilingExists(ctx context.Context, accessionID string) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, o.q, &n,
		`SELECT COUNT(1) FROM filing_events WHERE accession_id = ?`, accessionID)
	if err != nil {
		return false, fmt.Errorf("failed to check filing: %w", err)
	}
	return n > 0, nil
}

// GetFiling returns the filing with the given accession ID or ErrNotFound.
func (o ops) GetFiling(ctx context.Context, accessionID string) (*models.FilingEvent, error) {
	var d sqlDataFiling
	err := sqlx.GetContext(ctx, o.q, &d,
		`SELECT `+filingCols+` FROM filing_events WHERE accession_id = ?`, accessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("filing %s: %w", accessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get filing: %w", err)
	}
	return d.Model(), nil
}

// FilingQuery selects filings for the detectors. Zero values leave a
// dimension unfiltered. Dates are inclusive YYYY-MM-DD bounds.
type FilingQuery struct {
	CIK        int64
	Forms      []string // exact form types, compared case-insensitively
	FormPrefix string   // case-insensitive prefix, e.g. "NT"
	FiledFrom  string
	FiledTo    string
}

// ListFilings returns the matching filings ordered by CIK, filing date and
// accession ID.
func (o ops) ListFilings(ctx context.Context, fq FilingQuery) ([]*models.FilingEvent, error) {
	var (
		where []string
		args  []any
	)
	if fq.CIK > 0 {
		where = append(where, `cik = ?`)
		args = append(args, fq.CIK)
	}
	if len(fq.Forms) > 0 {
		forms := make([]string, len(fq.Forms))
		for i, f := range fq.Forms {
			forms[i] = strings.ToUpper(f)
		}
		where = append(where, `upper(form_type) IN (?)`)
		args = append(args, forms)
	}
	if fq.FormPrefix != "" {
		where = append(where, `upper(form_type) LIKE ?`)
		args = append(args, strings.ToUpper(fq.FormPrefix)+"%")
	}
	if fq.FiledFrom != "" {
		where = append(where, `filed_date >= ?`)
		args = append(args, fq.FiledFrom)
	}
	if fq.FiledTo != "" {
		where = append(where, `filed_date <= ?`)
		args = append(args, fq.FiledTo)
	}

	query := `SELECT ` + filingCols + ` FROM filing_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY cik, filed_date, accession_id`

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build filing query: %w", err)
	}
	var rows []sqlDataFiling
	if err := sqlx.SelectContext(ctx, o.q, &rows, o.q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list filings: %w", err)
	}
	filings := make([]*models.FilingEvent, 0, len(rows))
	for i := range rows {
		filings = append(filings, rows[i].Model())
	}
	return filings, nil
}

// FirstFiledDates returns each issuer's earliest stored filing date.
func (o ops) FirstFiledDates(ctx context.Context) (map[int64]string, error) {
	var rows []struct {
		CIK   int64  `db:"cik"`
		First string `db:"first_filed"`
	}
	if err := sqlx.SelectContext(ctx, o.q, &rows,
		`SELECT cik, MIN(filed_date) AS first_filed FROM filing_events GROUP BY cik`); err != nil {
		return nil, fmt.Errorf("failed to query first filing dates: %w", err)
	}
	first := make(map[int64]string, len(rows))
	for _, r := range rows {
		first[r.CIK] = r.First
	}
	return first, nil
}

// CountFilings returns the total number of stored filings.
func (o ops) CountFilings(ctx context.Context) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, o.q, &n, `SELECT COUNT(1) FROM filing_events`); err != nil {
		return 0, fmt.Errorf("failed to count filings: %w", err)
	}
	return n, nil
}
