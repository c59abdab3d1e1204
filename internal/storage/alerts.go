package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rewired-gh/filingwatch/internal/models"
)

type sqlDataAlert struct {
	ID          int64         `db:"alert_id"`
	AccessionID string        `db:"accession_id"`
	CIK         int64         `db:"cik"`
	AnomalyType string        `db:"anomaly_type"`
	Severity    float64       `db:"severity"`
	Description string        `db:"description"`
	Evidence    string        `db:"evidence"`
	Status      string        `db:"status"`
	DedupeKey   string        `db:"dedupe_key"`
	CreatedAt   sql.NullInt64 `db:"created_at"`
}

func (d *sqlDataAlert) Model() (*models.Alert, error) {
	a := &models.Alert{
		ID:          d.ID,
		AccessionID: d.AccessionID,
		CIK:         d.CIK,
		AnomalyType: d.AnomalyType,
		Severity:    d.Severity,
		Description: d.Description,
		Status:      d.Status,
		DedupeKey:   d.DedupeKey,
		CreatedAt:   fromNanos(d.CreatedAt),
	}
	if d.Evidence != "" {
		if err := json.Unmarshal([]byte(d.Evidence), &a.Evidence); err != nil {
			return nil, fmt.Errorf("failed to decode evidence of alert %d: %w", d.ID, err)
		}
	}
	return a, nil
}

const alertCols = `alert_id, accession_id, cik, anomaly_type, severity, description,
	evidence, status, dedupe_key, created_at`

// InsertAlert stores the alert unless its dedupe key already exists. It
// reports whether a row was created and sets ID and CreatedAt when it was.
func (o ops) InsertAlert(ctx context.Context, a *models.Alert) (bool, error) {
	if err := a.Validate(); err != nil {
		return false, fmt.Errorf("invalid alert: %w", err)
	}
	evidence, err := json.Marshal(a.Evidence)
	if err != nil {
		return false, fmt.Errorf("failed to encode evidence: %w", err)
	}
	status := a.Status
	if status == "" {
		status = models.AlertStatusOpen
	}
	createdAt := time.Now().UTC()

	res, err := o.q.ExecContext(ctx, `
		INSERT INTO alerts
			(accession_id, cik, anomaly_type, severity, description, evidence,
			 status, dedupe_key, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(dedupe_key) DO NOTHING`,
		a.AccessionID, a.CIK, a.AnomalyType, a.Severity, a.Description, string(evidence),
		status, a.DedupeKey, createdAt.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert alert: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("failed to read alert id: %w", err)
	}
	a.ID = id
	a.Status = status
	a.CreatedAt = createdAt
	return true, nil
}

// AlertExists reports whether an alert with the dedupe key is stored.
func (o ops) AlertExists(ctx context.Context, dedupeKey string) (bool, error) {
	var n int
	if err := sqlx.GetContext(ctx, o.q, &n,
		`SELECT COUNT(1) FROM alerts WHERE dedupe_key = ?`, dedupeKey); err != nil {
		return false, fmt.Errorf("failed to check alert: %w", err)
	}
	return n > 0, nil
}

// AlertQuery filters ListAlerts. Zero values leave a dimension unfiltered.
type AlertQuery struct {
	CIK          int64
	AnomalyType  string
	Status       string
	CreatedSince time.Time
	Limit        int
}

// ListAlerts returns matching alerts, newest first.
func (o ops) ListAlerts(ctx context.Context, aq AlertQuery) ([]*models.Alert, error) {
	var (
		where []string
		args  []any
	)
	if aq.CIK > 0 {
		where = append(where, `cik = ?`)
		args = append(args, aq.CIK)
	}
	if aq.AnomalyType != "" {
		where = append(where, `anomaly_type = ?`)
		args = append(args, aq.AnomalyType)
	}
	if aq.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, aq.Status)
	}
	if !aq.CreatedSince.IsZero() {
		where = append(where, `created_at >= ?`)
		args = append(args, aq.CreatedSince.UnixNano())
	}
	query := `SELECT ` + alertCols + ` FROM alerts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY created_at DESC, alert_id DESC`
	if aq.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, aq.Limit)
	}

	var rows []sqlDataAlert
	if err := sqlx.SelectContext(ctx, o.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	alerts := make([]*models.Alert, 0, len(rows))
	for i := range rows {
		a, err := rows[i].Model()
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

// SetAlertStatus moves an alert through its review lifecycle.
func (o ops) SetAlertStatus(ctx context.Context, alertID int64, status string) error {
	switch status {
	case models.AlertStatusOpen, models.AlertStatusReviewed, models.AlertStatusDismissed:
	default:
		return fmt.Errorf("unknown alert status %q", status)
	}
	res, err := o.q.ExecContext(ctx, `UPDATE alerts SET status = ? WHERE alert_id = ?`, status, alertID)
	if err != nil {
		return fmt.Errorf("failed to update alert status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %d: %w", alertID, ErrNotFound)
	}
	return nil
}

// CountAlertsByType counts alerts created at or after since, per anomaly type.
func (o ops) CountAlertsByType(ctx context.Context, since time.Time) (map[string]int, error) {
	var rows []struct {
		AnomalyType string `db:"anomaly_type"`
		N           int    `db:"n"`
	}
	if err := sqlx.SelectContext(ctx, o.q, &rows, `
		SELECT anomaly_type, COUNT(1) AS n FROM alerts
		WHERE created_at >= ? GROUP BY anomaly_type`, since.UnixNano()); err != nil {
		return nil, fmt.Errorf("failed to count alerts: %w", err)
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.AnomalyType] = r.N
	}
	return counts, nil
}

type sqlDataSignal struct {
	AlertID     int64         `db:"alert_id"`
	CIK         int64         `db:"cik"`
	AnomalyType string        `db:"anomaly_type"`
	Severity    float64       `db:"severity"`
	AcceptedAt  sql.NullInt64 `db:"accepted_at"`
	FiledDate   string        `db:"filed_date"`
}

// ListAlertSignals returns alerts whose triggering filing falls in
// [from, to]. The signal time is the filing's acceptance time, or midnight
// UTC of its filing date, never the alert's creation time.
func (o ops) ListAlertSignals(ctx context.Context, from, to time.Time) ([]models.AlertSignal, error) {
	// Date bounds are padded one day so the exact comparison below decides.
	lo := from.UTC().AddDate(0, 0, -1).Format(models.DateLayout)
	hi := to.UTC().AddDate(0, 0, 1).Format(models.DateLayout)

	var rows []sqlDataSignal
	if err := sqlx.SelectContext(ctx, o.q, &rows, `
		SELECT a.alert_id, a.cik, a.anomaly_type, a.severity, f.accepted_at, f.filed_date
		FROM alerts a
		JOIN filing_events f ON f.accession_id = a.accession_id
		WHERE f.filed_date >= ? AND f.filed_date <= ?
		ORDER BY a.cik, a.alert_id`, lo, hi); err != nil {
		return nil, fmt.Errorf("failed to list alert signals: %w", err)
	}

	signals := make([]models.AlertSignal, 0, len(rows))
	for _, r := range rows {
		f := models.FilingEvent{AcceptedAt: fromNanos(r.AcceptedAt), FiledDate: r.FiledDate}
		t := f.EffectiveTime()
		if t.IsZero() || t.Before(from) || t.After(to) {
			continue
		}
		signals = append(signals, models.AlertSignal{
			AlertID:     r.AlertID,
			CIK:         r.CIK,
			AnomalyType: r.AnomalyType,
			Severity:    r.Severity,
			SignalTime:  t,
		})
	}
	return signals, nil
}
