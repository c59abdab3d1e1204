// Package syncer implements the hybrid filing sync: a fast scan of the
// newest-first current feed followed by per-issuer catch-up for issuers the
// feed may have missed.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/filingwatch/internal/config"
	"github.com/rewired-gh/filingwatch/internal/edgar"
	"github.com/rewired-gh/filingwatch/internal/logger"
	"github.com/rewired-gh/filingwatch/internal/models"
	"github.com/rewired-gh/filingwatch/internal/runlock"
	"github.com/rewired-gh/filingwatch/internal/storage"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Options controls a sync run.
type Options struct {
	SeedCIKs         []int64
	AllowedForms     []string
	PageSize         int
	MaxPages         int
	SafetyBuffer     time.Duration
	CatchupEnabled   bool
	CatchupStaleness time.Duration
	CatchupCooldown  time.Duration
	FallbackLookback time.Duration
	LockPath         string
	LockTimeout      time.Duration
	DryRun           bool
}

// OptionsFromConfig maps the sync, lock and dry-run settings.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SeedCIKs:         cfg.Sync.Issuers,
		AllowedForms:     cfg.Sync.AllowedForms,
		PageSize:         cfg.Sync.PageSize,
		MaxPages:         cfg.Sync.MaxPages,
		SafetyBuffer:     cfg.Sync.SafetyBuffer,
		CatchupEnabled:   cfg.Sync.CatchupEnabled,
		CatchupStaleness: cfg.Sync.CatchupStaleness,
		CatchupCooldown:  cfg.Sync.CatchupCooldown,
		FallbackLookback: cfg.Sync.FallbackLookback,
		LockPath:         cfg.Lock.Path,
		LockTimeout:      cfg.Lock.Timeout,
		DryRun:           cfg.DryRun,
	}
}

// IssuerFailure is a catch-up error for one issuer.
type IssuerFailure struct {
	CIK   int64  `json:"cik"`
	Error string `json:"error"`
}

// Report summarizes one sync run.
type Report struct {
	RunID          string          `json:"run_id"`
	StartedAt      time.Time       `json:"started_at"`
	Duration       time.Duration   `json:"duration"`
	DryRun         bool            `json:"dry_run"`
	LockContended  bool            `json:"lock_contended"`
	PagesScanned   int             `json:"pages_scanned"`
	ItemsSeen      int             `json:"items_seen"`
	ItemsMatched   int             `json:"items_matched"`
	EventsInserted int             `json:"events_inserted"`
	DataErrors     int             `json:"data_errors"`
	FastPathError  string          `json:"fast_path_error,omitempty"`
	CaughtUp       int             `json:"caught_up"`
	CatchupSkipped string          `json:"catchup_skipped,omitempty"`
	Failures       []IssuerFailure `json:"failures,omitempty"`
}

// Failed reports whether any part of the run did not complete.
func (r *Report) Failed() bool {
	return r.FastPathError != "" || len(r.Failures) > 0
}

// Engine runs sync passes against a store and a filing source.
type Engine struct {
	store  *storage.Storage
	source edgar.Source
	opts   Options
	now    func() time.Time
	tracer trace.Tracer
}

// NewEngine creates a sync engine.
func NewEngine(store *storage.Storage, source edgar.Source, opts Options) *Engine {
	return &Engine{
		store:  store,
		source: source,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		tracer: otel.Tracer("github.com/rewired-gh/filingwatch/internal/syncer"),
	}
}

type runState struct {
	report  *Report
	log     *logrus.Entry
	now     time.Time
	tracked map[int64]struct{}
	allowed map[string]bool
	// accession IDs counted as would-insert during a dry run
	pending map[string]bool
}

// Run performs one sync pass. Lock contention is not an error: the report
// comes back with LockContended set and nothing is written. A returned error
// means the store failed; upstream errors are carried in the report.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	ctx, span := e.tracer.Start(ctx, "sync.run")
	defer span.End()

	started := e.now()
	report := &Report{RunID: uuid.New().String(), StartedAt: started, DryRun: e.opts.DryRun}
	log := logger.WithFields(logger.Fields{"run_id": report.RunID, "dry_run": e.opts.DryRun})
	span.SetAttributes(attribute.String("sync.run_id", report.RunID))
	defer func() { report.Duration = e.now().Sub(started) }()

	lock, err := runlock.Acquire(ctx, e.opts.LockPath, e.opts.LockTimeout)
	if errors.Is(err, runlock.ErrContended) {
		report.LockContended = true
		log.Infof("Another sync holds %s, exiting", e.opts.LockPath)
		span.SetAttributes(attribute.Bool("sync.lock_contended", true))
		return report, nil
	}
	if err != nil {
		span.RecordError(err)
		return report, err
	}
	log.Debugf("Holding run lock %s", lock.Path())
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warnf("Failed to release run lock %s: %v", lock.Path(), err)
		}
	}()

	st := &runState{
		report:  report,
		log:     log,
		now:     started,
		allowed: make(map[string]bool, len(e.opts.AllowedForms)),
		pending: make(map[string]bool),
	}
	for _, f := range e.opts.AllowedForms {
		st.allowed[strings.ToUpper(strings.TrimSpace(f))] = true
	}

	if err := e.seed(ctx, st); err != nil {
		span.RecordError(err)
		return report, err
	}
	log.Infof("Starting sync for %d tracked issuers", len(st.tracked))

	fastOK, err := e.fastPath(ctx, st)
	if err != nil {
		span.RecordError(err)
		return report, err
	}
	if fastOK {
		if err := e.finishFastPath(ctx, st); err != nil {
			span.RecordError(err)
			return report, err
		}
	}

	if err := e.catchup(ctx, st); err != nil {
		span.RecordError(err)
		return report, err
	}

	if !e.opts.DryRun {
		if err := e.store.SetSyncState(ctx, storage.StateLastRunID, report.RunID); err != nil {
			return report, err
		}
	}

	span.SetAttributes(
		attribute.Int("sync.pages_scanned", report.PagesScanned),
		attribute.Int("sync.events_inserted", report.EventsInserted),
		attribute.Int("sync.failures", len(report.Failures)),
	)
	if report.Failed() {
		span.SetStatus(codes.Error, "sync completed with failures")
	}
	log.WithFields(logger.Fields{
		"pages":      report.PagesScanned,
		"seen":       report.ItemsSeen,
		"matched":    report.ItemsMatched,
		"inserted":   report.EventsInserted,
		"data_errs":  report.DataErrors,
		"caught_up":  report.CaughtUp,
		"failures":   len(report.Failures),
		"elapsed_ms": e.now().Sub(started).Milliseconds(),
	}).Info("Sync completed")
	return report, nil
}

// seed inserts configured issuers and loads the tracked set. A dry run adds
// them to the tracked set without writing.
func (e *Engine) seed(ctx context.Context, st *runState) error {
	if !e.opts.DryRun && len(e.opts.SeedCIKs) > 0 {
		err := e.store.InTx(ctx, func(tx *storage.Tx) error {
			for _, cik := range e.opts.SeedCIKs {
				created, err := tx.EnsureIssuer(ctx, cik)
				if err != nil {
					return err
				}
				if created {
					st.log.Infof("Tracking new issuer %d", cik)
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to seed issuers: %w", err)
		}
	}

	tracked, err := e.store.TrackedCIKs(ctx)
	if err != nil {
		return err
	}
	for _, cik := range e.opts.SeedCIKs {
		tracked[cik] = struct{}{}
	}
	st.tracked = tracked
	return nil
}

type pageCursor struct {
	Page      int       `json:"page"`
	Start     int       `json:"start"`
	RunID     string    `json:"run_id"`
	Committed time.Time `json:"committed_at"`
}

// fastPath scans the current feed newest first. It reports whether the scan
// completed; an upstream failure ends it early and is recorded in the report.
func (e *Engine) fastPath(ctx context.Context, st *runState) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "sync.fast_path")
	defer span.End()

	cutoff := st.now.Add(-e.opts.SafetyBuffer)
	for page := 0; page < e.opts.MaxPages; page++ {
		start := page * e.opts.PageSize
		items, err := e.source.CurrentPage(ctx, start, e.opts.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			st.report.FastPathError = err.Error()
			st.log.Errorf("Fast path stopped at page %d: %v", page, err)
			span.RecordError(err)
			return false, nil
		}
		st.report.PagesScanned++

		var (
			batch         []*models.FilingEvent
			reachedCutoff bool
			newestSeen    time.Time
		)
		for _, item := range items {
			st.report.ItemsSeen++
			if item.Err != nil {
				st.report.DataErrors++
				st.log.Warnf("Skipping malformed feed item: %v", item.Err)
				continue
			}
			f := item.Filing
			t := f.EffectiveTime()
			if t.Before(cutoff) {
				reachedCutoff = true
			}
			if page == 0 && t.After(newestSeen) {
				newestSeen = t
			}
			if _, ok := st.tracked[f.CIK]; !ok {
				continue
			}
			if !st.allowed[strings.ToUpper(f.FormType)] {
				continue
			}
			st.report.ItemsMatched++
			batch = append(batch, f)
		}

		if err := e.commitPage(ctx, st, page, start, batch, newestSeen); err != nil {
			return false, err
		}
		st.log.Debugf("Page %d: %d items, %d matched", page, len(items), len(batch))

		if reachedCutoff || len(items) < e.opts.PageSize {
			break
		}
	}
	return true, nil
}

// commitPage writes one page's matched filings, watermark advances and the
// cursor checkpoint in a single transaction.
func (e *Engine) commitPage(ctx context.Context, st *runState, page, start int, batch []*models.FilingEvent, newestSeen time.Time) error {
	if e.opts.DryRun {
		return e.countWouldInsert(ctx, st, batch)
	}

	cursor, err := json.Marshal(pageCursor{Page: page, Start: start, RunID: st.report.RunID, Committed: st.now})
	if err != nil {
		return fmt.Errorf("failed to encode cursor: %w", err)
	}

	inserted := 0
	err = e.store.InTx(ctx, func(tx *storage.Tx) error {
		inserted = 0
		newest := make(map[int64]*models.FilingEvent)
		for _, f := range batch {
			ok, err := tx.InsertFiling(ctx, f)
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
			if cur, seen := newest[f.CIK]; !seen || f.After(cur) {
				newest[f.CIK] = f
			}
		}
		for cik, f := range newest {
			if err := tx.AdvanceWatermark(ctx, cik, f.EffectiveTime(), f.AccessionID, st.now); err != nil {
				return err
			}
		}
		if !newestSeen.IsZero() {
			if err := tx.SetSyncTime(ctx, storage.StateFastPathNewestSeen, newestSeen); err != nil {
				return err
			}
		}
		return tx.SetSyncState(ctx, storage.StateFastPathCursor, string(cursor))
	})
	if err != nil {
		return fmt.Errorf("failed to commit page %d: %w", page, err)
	}
	st.report.EventsInserted += inserted
	return nil
}

func (e *Engine) countWouldInsert(ctx context.Context, st *runState, batch []*models.FilingEvent) error {
	for _, f := range batch {
		if st.pending[f.AccessionID] {
			continue
		}
		exists, err := e.store.FilingExists(ctx, f.AccessionID)
		if err != nil {
			return err
		}
		if !exists {
			st.pending[f.AccessionID] = true
			st.report.EventsInserted++
			st.log.Infof("DRY_RUN would insert %s (%d %s)", f.AccessionID, f.CIK, f.FormType)
		}
	}
	return nil
}

// finishFastPath stamps every tracked issuer as freshly checked. An issuer
// whose last catch-up failed keeps its FAIL status and error until a later
// catch-up or ingested filing clears it.
func (e *Engine) finishFastPath(ctx context.Context, st *runState) error {
	if e.opts.DryRun {
		return nil
	}
	err := e.store.InTx(ctx, func(tx *storage.Tx) error {
		marks, err := tx.ListWatermarks(ctx)
		if err != nil {
			return err
		}
		for cik := range st.tracked {
			if w := marks[cik]; w != nil && w.LastRunStatus == models.RunStatusFail {
				continue
			}
			if err := tx.RecordRun(ctx, cik, st.now, models.RunStatusSuccess, ""); err != nil {
				return err
			}
		}
		return tx.SetSyncTime(ctx, storage.StateFastPathCompletedAt, st.now)
	})
	if err != nil {
		return fmt.Errorf("failed to finish fast path: %w", err)
	}
	return nil
}

// catchup re-fetches stale issuers, and issuers whose previous catch-up
// failed, one at a time. A failing issuer is recorded and skipped; the others
// still run.
func (e *Engine) catchup(ctx context.Context, st *runState) error {
	if !e.opts.CatchupEnabled {
		st.report.CatchupSkipped = "disabled"
		return nil
	}
	last, err := e.store.GetSyncTime(ctx, storage.StateCatchupCompletedAt)
	if err != nil {
		return err
	}
	if !last.IsZero() && st.now.Sub(last) < e.opts.CatchupCooldown {
		next := last.Add(e.opts.CatchupCooldown)
		st.report.CatchupSkipped = fmt.Sprintf("cooldown until %s", next.Format(time.RFC3339))
		st.log.Infof("Catch-up skipped, cooldown until %s", next.Format(time.RFC3339))
		return nil
	}

	ctx, span := e.tracer.Start(ctx, "sync.catchup")
	defer span.End()

	marks, err := e.store.ListWatermarks(ctx)
	if err != nil {
		return err
	}
	var stale []int64
	for cik := range st.tracked {
		w := marks[cik]
		if w.IsStale(st.now, e.opts.CatchupStaleness) || w.LastRunStatus == models.RunStatusFail {
			stale = append(stale, cik)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	span.SetAttributes(attribute.Int("sync.stale_issuers", len(stale)))
	st.log.Infof("Catch-up: %d stale issuers", len(stale))

	for _, cik := range stale {
		if err := ctx.Err(); err != nil {
			return err
		}
		since := st.now.Add(-e.opts.FallbackLookback)
		if w := marks[cik]; w != nil && !w.LastSeenFiledAt.IsZero() {
			since = w.LastSeenFiledAt
		}
		if err := e.catchupIssuer(ctx, st, cik, since); err != nil {
			st.report.Failures = append(st.report.Failures, IssuerFailure{CIK: cik, Error: err.Error()})
			st.log.WithField("cik", cik).Errorf("Catch-up failed: %v", err)
			if e.opts.DryRun {
				continue
			}
			if rerr := e.store.RecordRun(ctx, cik, st.now, models.RunStatusFail, err.Error()); rerr != nil {
				return rerr
			}
			continue
		}
		st.report.CaughtUp++
	}

	if e.opts.DryRun {
		return nil
	}
	return e.store.SetSyncTime(ctx, storage.StateCatchupCompletedAt, st.now)
}

func (e *Engine) catchupIssuer(ctx context.Context, st *runState, cik int64, since time.Time) error {
	res, err := e.source.FilingsSince(ctx, cik, since)
	if err != nil {
		return err
	}
	st.report.DataErrors += res.Malformed

	var batch []*models.FilingEvent
	for _, f := range res.Filings {
		if st.allowed[strings.ToUpper(f.FormType)] {
			batch = append(batch, f)
		}
	}

	if e.opts.DryRun {
		return e.countWouldInsert(ctx, st, batch)
	}

	inserted := 0
	err = e.store.InTx(ctx, func(tx *storage.Tx) error {
		inserted = 0
		issuer := res.Issuer
		issuer.CIK = cik
		if err := tx.UpsertIssuer(ctx, &issuer); err != nil {
			return err
		}
		var newest *models.FilingEvent
		for _, f := range batch {
			ok, err := tx.InsertFiling(ctx, f)
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
			if newest == nil || f.After(newest) {
				newest = f
			}
		}
		if newest != nil {
			return tx.AdvanceWatermark(ctx, cik, newest.EffectiveTime(), newest.AccessionID, st.now)
		}
		return tx.RecordRun(ctx, cik, st.now, models.RunStatusSuccess, "")
	})
	if err != nil {
		return err
	}
	st.report.EventsInserted += inserted
	if inserted > 0 {
		st.log.WithField("cik", cik).Infof("Catch-up inserted %d filings", inserted)
	}
	return nil
}
