package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rewired-gh/filingwatch/internal/models"
)

type sqlDataWatermark struct {
	CIK                 int64         `db:"cik"`
	LastSeenFiledAt     sql.NullInt64 `db:"last_seen_filed_at"`
	LastSeenAccessionID string        `db:"last_seen_accession_id"`
	LastRunAt           sql.NullInt64 `db:"last_run_at"`
	LastRunStatus       string        `db:"last_run_status"`
	LastError           string        `db:"last_error"`
	UpdatedAt           sql.NullInt64 `db:"updated_at"`
}

func (d *sqlDataWatermark) Model() *models.Watermark {
	return &models.Watermark{
		CIK:                 d.CIK,
		LastSeenFiledAt:     fromNanos(d.LastSeenFiledAt),
		LastSeenAccessionID: d.LastSeenAccessionID,
		LastRunAt:           fromNanos(d.LastRunAt),
		LastRunStatus:       d.LastRunStatus,
		LastError:           d.LastError,
		UpdatedAt:           fromNanos(d.UpdatedAt),
	}
}

const watermarkCols = `cik, last_seen_filed_at, last_seen_accession_id, last_run_at,
	last_run_status, last_error, updated_at`

// GetWatermark returns the issuer's watermark, or nil when none exists yet.
func (o ops) GetWatermark(ctx context.Context, cik int64) (*models.Watermark, error) {
	var d sqlDataWatermark
	err := sqlx.GetContext(ctx, o.q, &d,
		`SELECT `+watermarkCols+` FROM watermarks WHERE cik = ?`, cik)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get watermark: %w", err)
	}
	return d.Model(), nil
}

// ListWatermarks returns all watermarks keyed by CIK.
func (o ops) ListWatermarks(ctx context.Context) (map[int64]*models.Watermark, error) {
	var rows []sqlDataWatermark
	if err := sqlx.SelectContext(ctx, o.q, &rows,
		`SELECT `+watermarkCols+` FROM watermarks`); err != nil {
		return nil, fmt.Errorf("failed to list watermarks: %w", err)
	}
	marks := make(map[int64]*models.Watermark, len(rows))
	for i := range rows {
		marks[rows[i].CIK] = rows[i].Model()
	}
	return marks, nil
}

// AdvanceWatermark records a successful observation of the filing identified
// by (seenAt, accessionID). The seen position only moves forward: an older
// pair, or an equal timestamp with a lower accession ID, leaves it unchanged.
func (o ops) AdvanceWatermark(ctx context.Context, cik int64, seenAt time.Time, accessionID string, runAt time.Time) error {
	if seenAt.IsZero() || accessionID == "" {
		return fmt.Errorf("advance watermark for %d: empty filing position", cik)
	}
	// SET expressions all read the pre-update row.
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO watermarks
			(cik, last_seen_filed_at, last_seen_accession_id, last_run_at,
			 last_run_status, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, '', ?)
		ON CONFLICT(cik) DO UPDATE SET
			last_seen_filed_at = CASE
				WHEN watermarks.last_seen_filed_at IS NULL
					OR excluded.last_seen_filed_at > watermarks.last_seen_filed_at
					OR (excluded.last_seen_filed_at = watermarks.last_seen_filed_at
						AND excluded.last_seen_accession_id > watermarks.last_seen_accession_id)
				THEN excluded.last_seen_filed_at ELSE watermarks.last_seen_filed_at END,
			last_seen_accession_id = CASE
				WHEN watermarks.last_seen_filed_at IS NULL
					OR excluded.last_seen_filed_at > watermarks.last_seen_filed_at
					OR (excluded.last_seen_filed_at = watermarks.last_seen_filed_at
						AND excluded.last_seen_accession_id > watermarks.last_seen_accession_id)
				THEN excluded.last_seen_accession_id ELSE watermarks.last_seen_accession_id END,
			last_run_at     = excluded.last_run_at,
			last_run_status = excluded.last_run_status,
			last_error      = '',
			updated_at      = excluded.updated_at`,
		cik, seenAt.UnixNano(), accessionID, nanos(runAt), models.RunStatusSuccess, now(),
	)
	if err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}
	return nil
}

// RecordRun stamps the issuer's last attempt without moving the seen position.
// A SUCCESS status clears any previous error.
func (o ops) RecordRun(ctx context.Context, cik int64, runAt time.Time, status, errText string) error {
	if status == models.RunStatusSuccess {
		errText = ""
	}
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO watermarks (cik, last_run_at, last_run_status, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(cik) DO UPDATE SET
			last_run_at     = excluded.last_run_at,
			last_run_status = excluded.last_run_status,
			last_error      = excluded.last_error,
			updated_at      = excluded.updated_at`,
		cik, nanos(runAt), status, errText, now(),
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// Sync state keys.
const (
	StateFastPathCursor      = "fast_path_cursor"
	StateFastPathNewestSeen  = "fast_path_newest_seen_at"
	StateFastPathCompletedAt = "fast_path_last_completed_at"
	StateCatchupCompletedAt  = "catchup_last_completed_at"
	StateLastRunID           = "last_run_id"
)

// GetSyncState returns the value stored under key and whether it exists.
func (o ops) GetSyncState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := sqlx.GetContext(ctx, o.q, &value, `SELECT value FROM sync_state WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get sync state %s: %w", key, err)
	}
	return value, true, nil
}

// SetSyncState upserts a sync state value.
func (o ops) SetSyncState(ctx context.Context, key, value string) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now(),
	)
	if err != nil {
		return fmt.Errorf("failed to set sync state %s: %w", key, err)
	}
	return nil
}

// GetSyncTime reads a timestamp stored with SetSyncTime. The zero time is
// returned when the key is absent.
func (o ops) GetSyncTime(ctx context.Context, key string) (time.Time, error) {
	value, ok, err := o.GetSyncState(ctx, key)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed sync state %s: %w", key, err)
	}
	return t, nil
}

// SetSyncTime stores t under key in RFC 3339 form.
func (o ops) SetSyncTime(ctx context.Context, key string, t time.Time) error {
	return o.SetSyncState(ctx, key, t.UTC().Format(time.RFC3339Nano))
}

// ListSyncState returns every sync state entry.
func (o ops) ListSyncState(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := sqlx.SelectContext(ctx, o.q, &rows, `SELECT key, value FROM sync_state ORDER BY key`); err != nil {
		return nil, fmt.Errorf("failed to list sync state: %w", err)
	}
	state := make(map[string]string, len(rows))
	for _, r := range rows {
		state[r.Key] = r.Value
	}
	return state, nil
}
