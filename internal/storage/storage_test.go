package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rewired-gh/filingwatch/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testFiling(acc string, cik int64, form string, accepted time.Time) *models.FilingEvent {
	return &models.FilingEvent{
		AccessionID: acc,
		CIK:         cik,
		FormType:    form,
		AcceptedAt:  accepted,
		FiledDate:   accepted.Format(models.DateLayout),
	}
}

func seedIssuer(t *testing.T, s *Storage, cik int64) {
	t.Helper()
	if _, err := s.EnsureIssuer(context.Background(), cik); err != nil {
		t.Fatalf("EnsureIssuer: %v", err)
	}
}

func TestStorage_MigrationsApplyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fw.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.AppliedMigrations() == 0 {
		t.Error("expected migrations on a fresh database")
	}
	_ = s.Close()

	s, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if n := s.AppliedMigrations(); n != 0 {
		t.Errorf("expected no migrations on reopen, got %d", n)
	}
}

func TestStorage_UpsertIssuerKeepsKnownFields(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	created, err := s.EnsureIssuer(ctx, 320193)
	if err != nil || !created {
		t.Fatalf("EnsureIssuer = %v, %v", created, err)
	}
	created, err = s.EnsureIssuer(ctx, 320193)
	if err != nil || created {
		t.Fatalf("second EnsureIssuer = %v, %v", created, err)
	}

	if err := s.UpsertIssuer(ctx, &models.Issuer{CIK: 320193, Name: "Apple Inc.", Ticker: "AAPL"}); err != nil {
		t.Fatalf("UpsertIssuer: %v", err)
	}
	if err := s.UpsertIssuer(ctx, &models.Issuer{CIK: 320193, Industry: "Electronic Computers"}); err != nil {
		t.Fatalf("UpsertIssuer: %v", err)
	}
	got, err := s.GetIssuer(ctx, 320193)
	if err != nil {
		t.Fatalf("GetIssuer: %v", err)
	}
	if got.Name != "Apple Inc." || got.Ticker != "AAPL" || got.Industry != "Electronic Computers" {
		t.Errorf("unexpected issuer: %+v", got)
	}

	if _, err := s.GetIssuer(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStorage_InsertFilingIsIdempotent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	seedIssuer(t, s, 320193)

	f := testFiling("0000320193-24-000001", 320193, "8-K", time.Date(2024, 1, 5, 21, 31, 0, 0, time.UTC))
	inserted, err := s.InsertFiling(ctx, f)
	if err != nil || !inserted {
		t.Fatalf("first insert = %v, %v", inserted, err)
	}
	inserted, err = s.InsertFiling(ctx, f)
	if err != nil || inserted {
		t.Fatalf("second insert = %v, %v", inserted, err)
	}

	enriched := *f
	enriched.PrimaryDocument = "aapl-20240105.htm"
	enriched.FormType = "10-K"
	if _, err := s.InsertFiling(ctx, &enriched); err != nil {
		t.Fatalf("enrich: %v", err)
	}
	got, err := s.GetFiling(ctx, f.AccessionID)
	if err != nil {
		t.Fatalf("GetFiling: %v", err)
	}
	if got.PrimaryDocument != "aapl-20240105.htm" {
		t.Errorf("expected primary document to be filled in, got %q", got.PrimaryDocument)
	}
	if got.FormType != "8-K" {
		t.Errorf("form type changed on re-ingest: %s", got.FormType)
	}
	if !got.AcceptedAt.Equal(f.AcceptedAt) {
		t.Errorf("accepted_at = %v, want %v", got.AcceptedAt, f.AcceptedAt)
	}

	n, err := s.CountFilings(ctx)
	if err != nil || n != 1 {
		t.Errorf("CountFilings = %d, %v", n, err)
	}
}

func TestStorage_FilingCoreFieldsAreImmutable(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	seedIssuer(t, s, 1)
	f := testFiling("acc-1", 1, "8-K", time.Date(2024, 1, 5, 15, 0, 0, 0, time.UTC))
	if _, err := s.InsertFiling(ctx, f); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.Exec(`UPDATE filing_events SET form_type = '10-K' WHERE accession_id = 'acc-1'`); err == nil {
		t.Error("expected update of form_type to be rejected")
	}
}

func TestStorage_FilingRequiresTrackedIssuer(t *testing.T) {
	s := newTestStorage(t)
	f := testFiling("acc-1", 42, "8-K", time.Date(2024, 1, 5, 15, 0, 0, 0, time.UTC))
	if _, err := s.InsertFiling(context.Background(), f); err == nil {
		t.Error("expected foreign key violation for unknown issuer")
	}
}

func TestStorage_ListFilingsFilters(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	seedIssuer(t, s, 1)
	seedIssuer(t, s, 2)
	base := time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)
	for _, f := range []*models.FilingEvent{
		testFiling("a1", 1, "8-K", base),
		testFiling("a2", 1, "8-K/A", base.AddDate(0, 0, 1)),
		testFiling("a3", 1, "nt 10-k", base.AddDate(0, 0, 2)),
		testFiling("b1", 2, "10-Q", base.AddDate(0, 1, 0)),
	} {
		if _, err := s.InsertFiling(ctx, f); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListFilings(ctx, FilingQuery{Forms: []string{"8-k", "8-K/A"}})
	if err != nil || len(got) != 2 {
		t.Fatalf("forms filter = %d filings, %v", len(got), err)
	}
	got, err = s.ListFilings(ctx, FilingQuery{FormPrefix: "NT"})
	if err != nil || len(got) != 1 || got[0].AccessionID != "a3" {
		t.Fatalf("prefix filter = %v, %v", got, err)
	}
	got, err = s.ListFilings(ctx, FilingQuery{FiledFrom: "2024-03-02", FiledTo: "2024-03-31"})
	if err != nil || len(got) != 2 {
		t.Fatalf("date filter = %d filings, %v", len(got), err)
	}
	got, err = s.ListFilings(ctx, FilingQuery{CIK: 2})
	if err != nil || len(got) != 1 {
		t.Fatalf("cik filter = %d filings, %v", len(got), err)
	}

	first, err := s.FirstFiledDates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first[1] != "2024-03-01" || first[2] != "2024-04-01" {
		t.Errorf("unexpected first filed dates: %v", first)
	}
}

func TestStorage_WatermarkNeverRegresses(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	seedIssuer(t, s, 1)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	run := t0.Add(time.Hour)

	steps := []struct {
		at      time.Time
		acc     string
		wantAt  time.Time
		wantAcc string
	}{
		{t0, "acc-2", t0, "acc-2"},
		{t0.Add(-time.Minute), "acc-9", t0, "acc-2"}, // older
		{t0, "acc-1", t0, "acc-2"},                   // tie, lower accession
		{t0, "acc-3", t0, "acc-3"},                   // tie, higher accession
		{t0.Add(time.Minute), "acc-0", t0.Add(time.Minute), "acc-0"},
	}
	for i, st := range steps {
		if err := s.AdvanceWatermark(ctx, 1, st.at, st.acc, run); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		w, err := s.GetWatermark(ctx, 1)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if !w.LastSeenFiledAt.Equal(st.wantAt) || w.LastSeenAccessionID != st.wantAcc {
			t.Errorf("step %d: watermark = (%v, %s), want (%v, %s)",
				i, w.LastSeenFiledAt, w.LastSeenAccessionID, st.wantAt, st.wantAcc)
		}
	}
}

func TestStorage_RecordRunKeepsPosition(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	seedIssuer(t, s, 1)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	if w, err := s.GetWatermark(ctx, 1); err != nil || w != nil {
		t.Fatalf("expected no watermark, got %v, %v", w, err)
	}
	if err := s.AdvanceWatermark(ctx, 1, t0, "acc-1", t0); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordRun(ctx, 1, t0.Add(time.Hour), models.RunStatusFail, "HTTP 503"); err != nil {
		t.Fatal(err)
	}
	w, err := s.GetWatermark(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if w.LastRunStatus != models.RunStatusFail || w.LastError != "HTTP 503" {
		t.Errorf("unexpected run status: %+v", w)
	}
	if w.LastSeenAccessionID != "acc-1" || !w.LastSeenFiledAt.Equal(t0) {
		t.Errorf("position moved on failed run: %+v", w)
	}

	if err := s.RecordRun(ctx, 1, t0.Add(2*time.Hour), models.RunStatusSuccess, "ignored"); err != nil {
		t.Fatal(err)
	}
	w, _ = s.GetWatermark(ctx, 1)
	if w.LastError != "" {
		t.Errorf("success should clear error, got %q", w.LastError)
	}
}

func TestStorage_SyncState(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if _, ok, err := s.GetSyncState(ctx, StateFastPathCursor); err != nil || ok {
		t.Fatalf("expected missing key, got %v, %v", ok, err)
	}
	ts := time.Date(2024, 5, 1, 12, 30, 0, 123, time.UTC)
	if err := s.SetSyncTime(ctx, StateCatchupCompletedAt, ts); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSyncTime(ctx, StateCatchupCompletedAt)
	if err != nil || !got.Equal(ts) {
		t.Errorf("GetSyncTime = %v, %v", got, err)
	}
	zero, err := s.GetSyncTime(ctx, StateFastPathCompletedAt)
	if err != nil || !zero.IsZero() {
		t.Errorf("missing time = %v, %v", zero, err)
	}
}

func TestStorage_InTxRollsBack(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	seedIssuer(t, s, 1)

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx *Tx) error {
		f := testFiling("acc-1", 1, "8-K", time.Date(2024, 1, 5, 15, 0, 0, 0, time.UTC))
		if _, err := tx.InsertFiling(ctx, f); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx error = %v, want boom", err)
	}
	if ok, _ := s.FilingExists(ctx, "acc-1"); ok {
		t.Error("filing survived a rolled back transaction")
	}
}

func TestStorage_AlertDedupe(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	seedIssuer(t, s, 1)
	f := testFiling("acc-1", 1, "NT 10-K", time.Date(2024, 3, 29, 17, 0, 0, 0, time.UTC))
	if _, err := s.InsertFiling(ctx, f); err != nil {
		t.Fatal(err)
	}

	a := &models.Alert{
		AccessionID: "acc-1",
		CIK:         1,
		AnomalyType: models.AnomalyNTFiling,
		Severity:    0.9,
		Description: "late 10-K notice",
		Evidence:    map[string]any{"form_type": "NT 10-K"},
		DedupeKey:   "NT_FILING:acc-1",
	}
	inserted, err := s.InsertAlert(ctx, a)
	if err != nil || !inserted || a.ID == 0 {
		t.Fatalf("InsertAlert = %v, %v (id %d)", inserted, err, a.ID)
	}
	dup := *a
	dup.ID = 0
	inserted, err = s.InsertAlert(ctx, &dup)
	if err != nil || inserted {
		t.Fatalf("duplicate InsertAlert = %v, %v", inserted, err)
	}

	alerts, err := s.ListAlerts(ctx, AlertQuery{AnomalyType: models.AnomalyNTFiling})
	if err != nil || len(alerts) != 1 {
		t.Fatalf("ListAlerts = %d, %v", len(alerts), err)
	}
	if alerts[0].Status != models.AlertStatusOpen || alerts[0].Evidence["form_type"] != "NT 10-K" {
		t.Errorf("unexpected alert: %+v", alerts[0])
	}

	if err := s.SetAlertStatus(ctx, a.ID, models.AlertStatusReviewed); err != nil {
		t.Fatalf("SetAlertStatus: %v", err)
	}
	if err := s.SetAlertStatus(ctx, a.ID+100, models.AlertStatusReviewed); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStorage_AlertSignalsUseFilingTime(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	seedIssuer(t, s, 1)

	accepted := time.Date(2024, 1, 10, 20, 0, 0, 0, time.UTC)
	dateOnly := &models.FilingEvent{AccessionID: "acc-2", CIK: 1, FormType: "NT 10-Q", FiledDate: "2024-02-20"}
	for _, f := range []*models.FilingEvent{testFiling("acc-1", 1, "NT 10-K", accepted), dateOnly} {
		if _, err := s.InsertFiling(ctx, f); err != nil {
			t.Fatal(err)
		}
	}
	for _, acc := range []string{"acc-1", "acc-2"} {
		a := &models.Alert{AccessionID: acc, CIK: 1, AnomalyType: models.AnomalyNTFiling,
			Severity: 0.75, DedupeKey: "NT_FILING:" + acc}
		if _, err := s.InsertAlert(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC)
	signals, err := s.ListAlertSignals(ctx, from, to)
	if err != nil {
		t.Fatal(err)
	}
	if len(signals) != 1 || !signals[0].SignalTime.Equal(accepted) {
		t.Fatalf("expected only the January alert at its acceptance time, got %+v", signals)
	}

	signals, err = s.ListAlertSignals(ctx, from, time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(signals) != 2 {
		t.Fatalf("expected the date-only alert at midnight to be included, got %d", len(signals))
	}
}

func TestStorage_RiskScoreRevisions(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	seedIssuer(t, s, 1)
	const model = "v1_alert_composite"

	rev, err := s.LatestRevision(ctx, "2024-06-01", model)
	if err != nil || rev != 0 {
		t.Fatalf("LatestRevision = %d, %v", rev, err)
	}

	for revision, score := range map[int]float64{1: 0.4, 2: 0.6} {
		err := s.InTx(ctx, func(tx *Tx) error {
			snap := &models.FeatureSnapshot{
				CIK: 1, AsOfDate: "2024-06-01", ModelVersion: model, Revision: revision,
				LookbackDays: []int{30, 90},
				Features:     map[string]models.WindowFeatures{"30": {TotalAlerts: 1}},
			}
			if err := tx.InsertFeatureSnapshot(ctx, snap); err != nil {
				return err
			}
			return tx.InsertRiskScore(ctx, &models.IssuerRiskScore{
				CIK: 1, AsOfDate: "2024-06-01", ModelVersion: model, Revision: revision,
				Score: score, Rank: 1, Percentile: 1, SnapshotID: snap.ID,
				Evidence: models.ScoreEvidence{ModelVersion: model},
			})
		})
		if err != nil {
			t.Fatalf("revision %d: %v", revision, err)
		}
	}

	rev, _ = s.LatestRevision(ctx, "2024-06-01", model)
	if rev != 2 {
		t.Errorf("LatestRevision = %d, want 2", rev)
	}
	current, err := s.ListRiskScores(ctx, "2024-06-01", model)
	if err != nil || len(current) != 1 || current[0].Score != 0.6 {
		t.Fatalf("ListRiskScores = %+v, %v", current, err)
	}
	all, err := s.ListScoreRevisions(ctx, "2024-06-01", model)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListScoreRevisions = %d, %v", len(all), err)
	}
	snap, err := s.GetFeatureSnapshot(ctx, current[0].SnapshotID)
	if err != nil || snap.Features["30"].TotalAlerts != 1 {
		t.Fatalf("GetFeatureSnapshot = %+v, %v", snap, err)
	}
	if _, err := s.db.Exec(`UPDATE issuer_risk_scores SET risk_score = 0.1`); err == nil {
		t.Error("expected risk scores to be append-only")
	}
	if date, _ := s.LatestScoreDate(ctx, model); date != "2024-06-01" {
		t.Errorf("LatestScoreDate = %q", date)
	}
}

func TestStorage_Outcomes(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	seedIssuer(t, s, 1)

	e := &models.OutcomeEvent{CIK: 1, EventDate: "2024-07-01", OutcomeType: "RESTATEMENT",
		Source: "manual", DedupeKey: "RESTATEMENT:1:2024-07-01"}
	ok, err := s.InsertOutcome(ctx, e)
	if err != nil || !ok {
		t.Fatalf("InsertOutcome = %v, %v", ok, err)
	}
	ok, err = s.InsertOutcome(ctx, e)
	if err != nil || ok {
		t.Fatalf("duplicate InsertOutcome = %v, %v", ok, err)
	}
	events, err := s.ListOutcomes(ctx, 1)
	if err != nil || len(events) != 1 || events[0].OutcomeType != "RESTATEMENT" {
		t.Fatalf("ListOutcomes = %+v, %v", events, err)
	}
}
