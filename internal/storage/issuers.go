package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rewired-gh/filingwatch/internal/models"
)

type sqlDataIssuer struct {
	CIK       int64         `db:"cik"`
	Name      string        `db:"name"`
	Ticker    string        `db:"ticker"`
	Industry  string        `db:"industry"`
	UpdatedAt sql.NullInt64 `db:"updated_at"`
}

func (d *sqlDataIssuer) Model() *models.Issuer {
	return &models.Issuer{
		CIK:       d.CIK,
		Name:      d.Name,
		Ticker:    d.Ticker,
		Industry:  d.Industry,
		UpdatedAt: fromNanos(d.UpdatedAt),
	}
}

const issuerCols = `cik, name, ticker, industry, updated_at`

// EnsureIssuer inserts a bare issuer row when cik is not yet tracked.
func (o ops) EnsureIssuer(ctx context.Context, cik int64) (bool, error) {
	if cik <= 0 {
		return false, fmt.Errorf("invalid CIK %d", cik)
	}
	res, err := o.q.ExecContext(ctx, `
		INSERT INTO issuers (cik, updated_at) VALUES (?, ?)
		ON CONFLICT(cik) DO NOTHING`, cik, now())
	if err != nil {
		return false, fmt.Errorf("failed to insert issuer: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpsertIssuer inserts the issuer or refreshes its metadata. Empty fields
// never overwrite known values.
func (o ops) UpsertIssuer(ctx context.Context, issuer *models.Issuer) error {
	if issuer.CIK <= 0 {
		return fmt.Errorf("invalid CIK %d", issuer.CIK)
	}
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO issuers (cik, name, ticker, industry, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(cik) DO UPDATE SET
			name     = CASE WHEN excluded.name     != '' THEN excluded.name     ELSE issuers.name END,
			ticker   = CASE WHEN excluded.ticker   != '' THEN excluded.ticker   ELSE issuers.ticker END,
			industry = CASE WHEN excluded.industry != '' THEN excluded.industry ELSE issuers.industry END,
			updated_at = excluded.updated_at`,
		issuer.CIK, issuer.Name, issuer.Ticker, issuer.Industry, now(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert issuer: %w", err)
	}
	return nil
}

// GetIssuer returns the issuer with the given CIK or ErrNotFound.
func (o ops) GetIssuer(ctx context.Context, cik int64) (*models.Issuer, error) {
	var d sqlDataIssuer
	err := sqlx.GetContext(ctx, o.q, &d, `SELECT `+issuerCols+` FROM issuers WHERE cik = ?`, cik)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issuer %d: %w", cik, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get issuer: %w", err)
	}
	return d.Model(), nil
}

// ListIssuers returns every tracked issuer ordered by CIK.
func (o ops) ListIssuers(ctx context.Context) ([]*models.Issuer, error) {
	var rows []sqlDataIssuer
	if err := sqlx.SelectContext(ctx, o.q, &rows, `SELECT `+issuerCols+` FROM issuers ORDER BY cik`); err != nil {
		return nil, fmt.Errorf("failed to list issuers: %w", err)
	}
	issuers := make([]*models.Issuer, 0, len(rows))
	for i := range rows {
		issuers = append(issuers, rows[i].Model())
	}
	return issuers, nil
}

// TrackedCIKs returns the set of tracked issuer CIKs.
func (o ops) TrackedCIKs(ctx context.Context) (map[int64]struct{}, error) {
	var ciks []int64
	if err := sqlx.SelectContext(ctx, o.q, &ciks, `SELECT cik FROM issuers`); err != nil {
		return nil, fmt.Errorf("failed to list tracked CIKs: %w", err)
	}
	set := make(map[int64]struct{}, len(ciks))
	for _, cik := range ciks {
		set[cik] = struct{}{}
	}
	return set, nil
}
