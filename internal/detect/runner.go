package detect

import (
	"context"
	"time"

	"github.com/rewired-gh/filingwatch/internal/logger"
	"github.com/rewired-gh/filingwatch/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Stats is one detector's outcome for a cycle.
type Stats struct {
	Detector   string `json:"detector"`
	Candidates int    `json:"candidates"`
	Inserted   int    `json:"inserted"`
	Skipped    int    `json:"skipped"`
	Error      string `json:"error,omitempty"`
}

// Report summarizes a detection cycle.
type Report struct {
	AsOf     time.Time     `json:"as_of"`
	DryRun   bool          `json:"dry_run"`
	Duration time.Duration `json:"duration"`
	Stats    []Stats       `json:"detectors"`
}

// Inserted is the total number of new alerts across detectors.
func (r *Report) Inserted() int {
	n := 0
	for _, s := range r.Stats {
		n += s.Inserted
	}
	return n
}

// Failed reports whether any detector errored.
func (r *Report) Failed() bool {
	for _, s := range r.Stats {
		if s.Error != "" {
			return true
		}
	}
	return false
}

// Runner invokes each detector once per cycle and persists its candidates.
type Runner struct {
	store     *storage.Storage
	detectors []Detector
	dryRun    bool
	tracer    trace.Tracer
}

// NewRunner creates a runner over the given detectors. In dry-run mode
// candidates are counted against existing alerts but never written.
func NewRunner(store *storage.Storage, detectors []Detector, dryRun bool) *Runner {
	return &Runner{
		store:     store,
		detectors: detectors,
		dryRun:    dryRun,
		tracer:    otel.Tracer("github.com/rewired-gh/filingwatch/internal/detect"),
	}
}

// Run executes every detector as of asOf. A failing detector is recorded in
// its stats and the remaining detectors still run.
func (r *Runner) Run(ctx context.Context, asOf time.Time) (*Report, error) {
	ctx, span := r.tracer.Start(ctx, "detect.run")
	defer span.End()

	started := time.Now()
	report := &Report{AsOf: asOf, DryRun: r.dryRun}
	for _, d := range r.detectors {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		st := r.runDetector(ctx, d, asOf)
		report.Stats = append(report.Stats, st)
	}
	report.Duration = time.Since(started)

	span.SetAttributes(attribute.Int("detect.inserted", report.Inserted()))
	if report.Failed() {
		span.SetStatus(codes.Error, "detector failures")
	}
	return report, nil
}

func (r *Runner) runDetector(ctx context.Context, d Detector, asOf time.Time) Stats {
	ctx, span := r.tracer.Start(ctx, "detect."+d.Name())
	defer span.End()

	st := Stats{Detector: d.Name()}
	log := logger.WithFields(logger.Fields{"detector": d.Name(), "dry_run": r.dryRun})

	res, err := d.Detect(ctx, r.store, asOf)
	if err != nil {
		st.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "detect failed")
		log.Errorf("Detector failed: %v", err)
		return st
	}
	st.Candidates = len(res.Candidates)
	st.Skipped = res.Skipped

	if r.dryRun {
		seen := make(map[string]bool, len(res.Candidates))
		for _, c := range res.Candidates {
			if seen[c.DedupeKey] {
				continue
			}
			seen[c.DedupeKey] = true
			exists, err := r.store.AlertExists(ctx, c.DedupeKey)
			if err != nil {
				st.Error = err.Error()
				span.RecordError(err)
				return st
			}
			if !exists {
				st.Inserted++
			}
		}
	} else {
		inserted := 0
		err = r.store.InTx(ctx, func(tx *storage.Tx) error {
			for i := range res.Candidates {
				ok, err := tx.InsertAlert(ctx, res.Candidates[i].Alert())
				if err != nil {
					return err
				}
				if ok {
					inserted++
				}
			}
			return nil
		})
		if err != nil {
			st.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, "persist failed")
			log.Errorf("Failed to persist alerts: %v", err)
			return st
		}
		st.Inserted = inserted
	}

	span.SetAttributes(
		attribute.Int("detect.candidates", st.Candidates),
		attribute.Int("detect.inserted", st.Inserted),
		attribute.Int("detect.skipped", st.Skipped),
	)
	log.WithFields(logger.Fields{
		"candidates": st.Candidates,
		"inserted":   st.Inserted,
		"skipped":    st.Skipped,
	}).Info("Detector finished")
	return st
}
