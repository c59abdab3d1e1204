// Package scoring turns alert history into per-issuer feature snapshots and
// ranked composite risk scores. Scores are append-only: a recomputation for
// an already scored date either does nothing or writes a new revision.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/filingwatch/internal/logger"
	"github.com/rewired-gh/filingwatch/internal/models"
	"github.com/rewired-gh/filingwatch/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Issuer scoring states.
const (
	StateScored  = "SCORED"
	StateSkipped = "SKIPPED"
)

// IssuerState is where one issuer ended up for the date. Reason is set for
// skipped issuers.
type IssuerState struct {
	CIK    int64  `json:"cik"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// Report summarizes a scoring run.
type Report struct {
	AsOfDate     string        `json:"as_of_date"`
	ModelVersion string        `json:"model_version"`
	Policy       string        `json:"policy"`
	Revision     int           `json:"revision"`
	NoOp         bool          `json:"no_op"`
	DryRun       bool          `json:"dry_run"`
	SourceAlerts int           `json:"source_alerts"`
	Scored       int           `json:"scored"`
	Issuers      []IssuerState `json:"issuers,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Skipped returns the issuers that were not scored.
func (r *Report) Skipped() []IssuerState {
	var out []IssuerState
	for _, s := range r.Issuers {
		if s.State == StateSkipped {
			out = append(out, s)
		}
	}
	return out
}

// Engine scores all tracked issuers for an as-of date.
type Engine struct {
	store  *storage.Storage
	params Params
	dryRun bool
	tracer trace.Tracer
}

// NewEngine creates a scoring engine.
func NewEngine(store *storage.Storage, params Params, dryRun bool) *Engine {
	return &Engine{
		store:  store,
		params: params,
		dryRun: dryRun,
		tracer: otel.Tracer("github.com/rewired-gh/filingwatch/internal/scoring"),
	}
}

// Run scores every issuer as of the calendar date of asOf in the model's
// location.
func (e *Engine) Run(ctx context.Context, asOf time.Time) (*Report, error) {
	ctx, span := e.tracer.Start(ctx, "scoring.run")
	defer span.End()

	started := time.Now()
	asOfDate := models.AsOfDate(asOf, e.params.Location)
	report := &Report{
		AsOfDate:     asOfDate,
		ModelVersion: e.params.ModelVersion,
		Policy:       e.params.Policy,
		DryRun:       e.dryRun,
	}
	defer func() { report.Duration = time.Since(started) }()
	log := logger.WithFields(logger.Fields{"as_of": asOfDate, "model": e.params.ModelVersion, "dry_run": e.dryRun})
	span.SetAttributes(attribute.String("scoring.as_of", asOfDate))

	latest, err := e.store.LatestRevision(ctx, asOfDate, e.params.ModelVersion)
	if err != nil {
		span.RecordError(err)
		return report, err
	}
	if latest > 0 && e.params.Policy != PolicySupersede {
		report.NoOp = true
		report.Revision = latest
		log.Infof("Scores for %s already exist at revision %d, skipping", asOfDate, latest)
		return report, nil
	}
	report.Revision = latest + 1

	cutoff, err := Cutoff(asOfDate)
	if err != nil {
		return report, err
	}
	issuers, err := e.store.ListIssuers(ctx)
	if err != nil {
		span.RecordError(err)
		return report, err
	}
	firstFiled, err := e.store.FirstFiledDates(ctx)
	if err != nil {
		span.RecordError(err)
		return report, err
	}
	from := cutoff.Add(-time.Duration(e.params.MaxWindow()) * day)
	signals, err := e.store.ListAlertSignals(ctx, from, cutoff)
	if err != nil {
		span.RecordError(err)
		return report, err
	}
	report.SourceAlerts = len(signals)

	byIssuer := make(map[int64][]models.AlertSignal)
	for _, s := range signals {
		byIssuer[s.CIK] = append(byIssuer[s.CIK], s)
	}

	var results []*Scored
	for _, issuer := range issuers {
		first, ok := firstFiled[issuer.CIK]
		if !ok || first > asOfDate {
			report.Issuers = append(report.Issuers, IssuerState{CIK: issuer.CIK, State: StateSkipped, Reason: "insufficient data: no filing events on or before as-of date"})
			continue
		}
		scored, err := e.params.ScoreIssuer(issuer.CIK, asOfDate, cutoff, byIssuer[issuer.CIK])
		var sevErr *SeverityError
		if errors.As(err, &sevErr) {
			log.WithField("cik", issuer.CIK).Warnf("Skipping issuer: %v", err)
			report.Issuers = append(report.Issuers, IssuerState{CIK: issuer.CIK, State: StateSkipped, Reason: err.Error()})
			continue
		}
		if err != nil {
			return report, fmt.Errorf("failed to score issuer %d: %w", issuer.CIK, err)
		}
		scored.Snapshot.Revision = report.Revision
		scored.Score.Revision = report.Revision
		results = append(results, scored)
		report.Issuers = append(report.Issuers, IssuerState{CIK: issuer.CIK, State: StateScored})
	}

	scores := make([]*models.IssuerRiskScore, len(results))
	snapshots := make(map[int64]*models.FeatureSnapshot, len(results))
	for i, r := range results {
		scores[i] = r.Score
		snapshots[r.Score.CIK] = r.Snapshot
	}
	Rank(scores)
	report.Scored = len(scores)

	if !e.dryRun && len(scores) > 0 {
		err = e.store.InTx(ctx, func(tx *storage.Tx) error {
			for _, s := range scores {
				snap := snapshots[s.CIK]
				if err := tx.InsertFeatureSnapshot(ctx, snap); err != nil {
					return err
				}
				s.SnapshotID = snap.ID
				if err := tx.InsertRiskScore(ctx, s); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			span.RecordError(err)
			return report, fmt.Errorf("failed to persist revision %d: %w", report.Revision, err)
		}
	}

	span.SetAttributes(
		attribute.Int("scoring.revision", report.Revision),
		attribute.Int("scoring.scored", report.Scored),
		attribute.Int("scoring.skipped", len(report.Skipped())),
	)
	log.WithFields(logger.Fields{
		"revision": report.Revision,
		"scored":   report.Scored,
		"skipped":  len(report.Skipped()),
		"alerts":   report.SourceAlerts,
	}).Info("Scoring completed")
	return report, nil
}
