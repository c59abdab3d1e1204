package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rewired-gh/filingwatch/internal/models"
)

type sqlDataSnapshot struct {
	ID               int64         `db:"snapshot_id"`
	CIK              int64         `db:"cik"`
	AsOfDate         string        `db:"as_of_date"`
	ModelVersion     string        `db:"model_version"`
	Revision         int           `db:"revision"`
	LookbackDays     string        `db:"lookback_days"`
	Features         string        `db:"features"`
	SourceAlertCount int           `db:"source_alert_count"`
	CreatedAt        sql.NullInt64 `db:"created_at"`
}

func (d *sqlDataSnapshot) Model() (*models.FeatureSnapshot, error) {
	s := &models.FeatureSnapshot{
		ID:               d.ID,
		CIK:              d.CIK,
		AsOfDate:         d.AsOfDate,
		ModelVersion:     d.ModelVersion,
		Revision:         d.Revision,
		SourceAlertCount: d.SourceAlertCount,
		CreatedAt:        fromNanos(d.CreatedAt),
	}
	if err := json.Unmarshal([]byte(d.LookbackDays), &s.LookbackDays); err != nil {
		return nil, fmt.Errorf("failed to decode lookback days: %w", err)
	}
	if err := json.Unmarshal([]byte(d.Features), &s.Features); err != nil {
		return nil, fmt.Errorf("failed to decode features: %w", err)
	}
	return s, nil
}

type sqlDataScore struct {
	ID           int64         `db:"score_id"`
	CIK          int64         `db:"cik"`
	AsOfDate     string        `db:"as_of_date"`
	ModelVersion string        `db:"model_version"`
	Revision     int           `db:"revision"`
	Score        float64       `db:"risk_score"`
	Rank         int           `db:"risk_rank"`
	Percentile   float64       `db:"percentile"`
	SnapshotID   int64         `db:"snapshot_id"`
	Evidence     string        `db:"evidence"`
	CreatedAt    sql.NullInt64 `db:"created_at"`
}

func (d *sqlDataScore) Model() (*models.IssuerRiskScore, error) {
	s := &models.IssuerRiskScore{
		ID:           d.ID,
		CIK:          d.CIK,
		AsOfDate:     d.AsOfDate,
		ModelVersion: d.ModelVersion,
		Revision:     d.Revision,
		Score:        d.Score,
		Rank:         d.Rank,
		Percentile:   d.Percentile,
		SnapshotID:   d.SnapshotID,
		CreatedAt:    fromNanos(d.CreatedAt),
	}
	if err := json.Unmarshal([]byte(d.Evidence), &s.Evidence); err != nil {
		return nil, fmt.Errorf("failed to decode score evidence: %w", err)
	}
	return s, nil
}

const scoreCols = `score_id, cik, as_of_date, model_version, revision, risk_score,
	risk_rank, percentile, snapshot_id, evidence, created_at`

// LatestRevision returns the highest score revision for the date and model
// version, or 0 when the date has not been scored.
func (o ops) LatestRevision(ctx context.Context, asOfDate, modelVersion string) (int, error) {
	var rev sql.NullInt64
	if err := sqlx.GetContext(ctx, o.q, &rev, `
		SELECT MAX(revision) FROM issuer_risk_scores
		WHERE as_of_date = ? AND model_version = ?`, asOfDate, modelVersion); err != nil {
		return 0, fmt.Errorf("failed to read latest revision: %w", err)
	}
	return int(rev.Int64), nil
}

// InsertFeatureSnapshot appends a snapshot and sets its ID.
func (o ops) InsertFeatureSnapshot(ctx context.Context, s *models.FeatureSnapshot) error {
	lookback, err := json.Marshal(s.LookbackDays)
	if err != nil {
		return fmt.Errorf("failed to encode lookback days: %w", err)
	}
	features, err := json.Marshal(s.Features)
	if err != nil {
		return fmt.Errorf("failed to encode features: %w", err)
	}
	createdAt := time.Now().UTC()
	res, err := o.q.ExecContext(ctx, `
		INSERT INTO feature_snapshots
			(cik, as_of_date, model_version, revision, lookback_days, features,
			 source_alert_count, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		s.CIK, s.AsOfDate, s.ModelVersion, s.Revision, string(lookback), string(features),
		s.SourceAlertCount, createdAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert feature snapshot: %w", err)
	}
	if s.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read snapshot id: %w", err)
	}
	s.CreatedAt = createdAt
	return nil
}

// GetFeatureSnapshot returns the snapshot with the given ID or ErrNotFound.
func (o ops) GetFeatureSnapshot(ctx context.Context, id int64) (*models.FeatureSnapshot, error) {
	var d sqlDataSnapshot
	err := sqlx.GetContext(ctx, o.q, &d, `
		SELECT snapshot_id, cik, as_of_date, model_version, revision, lookback_days,
			features, source_alert_count, created_at
		FROM feature_snapshots WHERE snapshot_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feature snapshot: %w", err)
	}
	return d.Model()
}

// InsertRiskScore appends a score row and sets its ID.
func (o ops) InsertRiskScore(ctx context.Context, s *models.IssuerRiskScore) error {
	if s.Score < 0 || s.Score > 1 {
		return fmt.Errorf("risk score %f out of range [0, 1]", s.Score)
	}
	evidence, err := json.Marshal(s.Evidence)
	if err != nil {
		return fmt.Errorf("failed to encode score evidence: %w", err)
	}
	createdAt := time.Now().UTC()
	res, err := o.q.ExecContext(ctx, `
		INSERT INTO issuer_risk_scores
			(cik, as_of_date, model_version, revision, risk_score, risk_rank,
			 percentile, snapshot_id, evidence, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.CIK, s.AsOfDate, s.ModelVersion, s.Revision, s.Score, s.Rank,
		s.Percentile, s.SnapshotID, string(evidence), createdAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert risk score: %w", err)
	}
	if s.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read score id: %w", err)
	}
	s.CreatedAt = createdAt
	return nil
}

// ListRiskScores returns the current scores for a date: the latest revision
// only, ordered by rank then CIK.
func (o ops) ListRiskScores(ctx context.Context, asOfDate, modelVersion string) ([]*models.IssuerRiskScore, error) {
	var rows []sqlDataScore
	if err := sqlx.SelectContext(ctx, o.q, &rows, `
		SELECT `+scoreCols+` FROM issuer_risk_scores
		WHERE as_of_date = ? AND model_version = ?
		  AND revision = (
			SELECT MAX(revision) FROM issuer_risk_scores
			WHERE as_of_date = ? AND model_version = ?)
		ORDER BY risk_rank, cik`,
		asOfDate, modelVersion, asOfDate, modelVersion); err != nil {
		return nil, fmt.Errorf("failed to list risk scores: %w", err)
	}
	return scoreModels(rows)
}

// ListScoreRevisions returns every revision stored for a date, oldest first.
func (o ops) ListScoreRevisions(ctx context.Context, asOfDate, modelVersion string) ([]*models.IssuerRiskScore, error) {
	var rows []sqlDataScore
	if err := sqlx.SelectContext(ctx, o.q, &rows, `
		SELECT `+scoreCols+` FROM issuer_risk_scores
		WHERE as_of_date = ? AND model_version = ?
		ORDER BY revision, risk_rank, cik`, asOfDate, modelVersion); err != nil {
		return nil, fmt.Errorf("failed to list score revisions: %w", err)
	}
	return scoreModels(rows)
}

// LatestScoreDate returns the most recent scored as-of date for the model
// version, or "" when nothing has been scored.
func (o ops) LatestScoreDate(ctx context.Context, modelVersion string) (string, error) {
	var d sql.NullString
	if err := sqlx.GetContext(ctx, o.q, &d,
		`SELECT MAX(as_of_date) FROM issuer_risk_scores WHERE model_version = ?`, modelVersion); err != nil {
		return "", fmt.Errorf("failed to read latest score date: %w", err)
	}
	return d.String, nil
}

func scoreModels(rows []sqlDataScore) ([]*models.IssuerRiskScore, error) {
	scores := make([]*models.IssuerRiskScore, 0, len(rows))
	for i := range rows {
		s, err := rows[i].Model()
		if err != nil {
			return nil, err
		}
		scores = append(scores, s)
	}
	return scores, nil
}

// InsertOutcome stores an outcome label unless its dedupe key exists.
func (o ops) InsertOutcome(ctx context.Context, e *models.OutcomeEvent) (bool, error) {
	if e.CIK <= 0 || e.OutcomeType == "" || e.DedupeKey == "" {
		return false, fmt.Errorf("invalid outcome event: cik, outcome type and dedupe key are required")
	}
	if _, err := time.Parse(models.DateLayout, e.EventDate); err != nil {
		return false, fmt.Errorf("invalid outcome event date %q", e.EventDate)
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return false, fmt.Errorf("failed to encode outcome metadata: %w", err)
	}
	createdAt := time.Now().UTC()
	res, err := o.q.ExecContext(ctx, `
		INSERT INTO outcome_events
			(cik, event_date, outcome_type, source, description, metadata, dedupe_key, created_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(dedupe_key) DO NOTHING`,
		e.CIK, e.EventDate, e.OutcomeType, e.Source, e.Description, string(metadata),
		e.DedupeKey, createdAt.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert outcome event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return false, fmt.Errorf("failed to read outcome id: %w", err)
	}
	e.CreatedAt = createdAt
	return true, nil
}

// ListOutcomes returns the issuer's outcome labels ordered by event date.
func (o ops) ListOutcomes(ctx context.Context, cik int64) ([]*models.OutcomeEvent, error) {
	var rows []struct {
		ID          int64         `db:"outcome_id"`
		CIK         int64         `db:"cik"`
		EventDate   string        `db:"event_date"`
		OutcomeType string        `db:"outcome_type"`
		Source      string        `db:"source"`
		Description string        `db:"description"`
		Metadata    string        `db:"metadata"`
		DedupeKey   string        `db:"dedupe_key"`
		CreatedAt   sql.NullInt64 `db:"created_at"`
	}
	if err := sqlx.SelectContext(ctx, o.q, &rows, `
		SELECT outcome_id, cik, event_date, outcome_type, source, description,
			metadata, dedupe_key, created_at
		FROM outcome_events WHERE cik = ? ORDER BY event_date, outcome_id`, cik); err != nil {
		return nil, fmt.Errorf("failed to list outcome events: %w", err)
	}
	events := make([]*models.OutcomeEvent, 0, len(rows))
	for _, r := range rows {
		e := &models.OutcomeEvent{
			ID:          r.ID,
			CIK:         r.CIK,
			EventDate:   r.EventDate,
			OutcomeType: r.OutcomeType,
			Source:      r.Source,
			Description: r.Description,
			DedupeKey:   r.DedupeKey,
			CreatedAt:   fromNanos(r.CreatedAt),
		}
		if err := json.Unmarshal([]byte(r.Metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode outcome metadata: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}
