package detect

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rewired-gh/filingwatch/internal/models"
	"github.com/rewired-gh/filingwatch/internal/storage"
)

// memSource serves filings from memory with the store's query semantics.
type memSource struct {
	filings []*models.FilingEvent
}

func (m *memSource) ListFilings(_ context.Context, fq storage.FilingQuery) ([]*models.FilingEvent, error) {
	var out []*models.FilingEvent
	for _, f := range m.filings {
		if fq.CIK != 0 && f.CIK != fq.CIK {
			continue
		}
		if len(fq.Forms) > 0 {
			match := false
			for _, form := range fq.Forms {
				if strings.EqualFold(form, f.FormType) {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		if fq.FormPrefix != "" && !strings.HasPrefix(strings.ToUpper(f.FormType), strings.ToUpper(fq.FormPrefix)) {
			continue
		}
		if fq.FiledFrom != "" && f.FiledDate < fq.FiledFrom {
			continue
		}
		if fq.FiledTo != "" && f.FiledDate > fq.FiledTo {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (m *memSource) FirstFiledDates(_ context.Context) (map[int64]string, error) {
	first := make(map[int64]string)
	for _, f := range m.filings {
		if cur, ok := first[f.CIK]; !ok || f.FiledDate < cur {
			first[f.CIK] = f.FiledDate
		}
	}
	return first, nil
}

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	return loc
}

func TestIsNTForm(t *testing.T) {
	tests := []struct {
		form string
		want bool
	}{
		{"NT 10-K", true},
		{"NT-10-Q", true},
		{"nt 10-k", true},
		{"NT NCSR", true},
		{"10-K", false},
		{"NT10-K", false},
		{"NTX", false},
		{"8-K", false},
	}
	for _, tt := range tests {
		if got := IsNTForm(tt.form); got != tt.want {
			t.Errorf("IsNTForm(%q) = %v, want %v", tt.form, got, tt.want)
		}
	}
}

func TestNTSeverity(t *testing.T) {
	tests := []struct {
		form string
		want float64
	}{
		{"NT 10-K", 0.90},
		{"nt-10-q", 0.75},
		{"NT 10-K/A", 0.90},
		{"NT  20-F", 0.90},
		{"NT NCSR", 0.65},
		{"NT 11-K", 0.60},
		{"NT 15D2", 0.70},
	}
	for _, tt := range tests {
		if got := NTSeverity(tt.form); got != tt.want {
			t.Errorf("NTSeverity(%q) = %v, want %v", tt.form, got, tt.want)
		}
	}
}

func TestNTDetector_Detect(t *testing.T) {
	src := &memSource{filings: []*models.FilingEvent{
		{AccessionID: "a-1", CIK: 1, FormType: "NT 10-K", FiledDate: "2024-03-01"},
		{AccessionID: "a-2", CIK: 2, FormType: "nt-10-q", FiledDate: "2024-05-15"},
		{AccessionID: "a-3", CIK: 2, FormType: "10-Q", FiledDate: "2024-05-20"},
		{AccessionID: "a-4", CIK: 3, FormType: "NT 10-K", FiledDate: "2024-07-01"},
	}}
	asOf := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)

	res, err := NewNTDetector(time.UTC).Detect(context.Background(), src, asOf)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(res.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(res.Candidates))
	}
	c := res.Candidates[1]
	if c.DedupeKey != "NT_FILING:a-2" || c.Severity != 0.75 {
		t.Errorf("unexpected candidate %+v", c)
	}
	if c.Evidence["normalized_form"] != "NT 10-Q" {
		t.Errorf("normalized_form = %v", c.Evidence["normalized_form"])
	}
}

func TestNTDetector_AsOfDateInLocation(t *testing.T) {
	src := &memSource{filings: []*models.FilingEvent{
		{AccessionID: "a-1", CIK: 1, FormType: "NT 10-K", FiledDate: "2024-07-01"},
		{AccessionID: "a-2", CIK: 2, FormType: "NT 10-Q", FiledDate: "2024-07-02"},
	}}
	// 21:30 on July 1 in New York, already July 2 in UTC.
	asOf := time.Date(2024, 7, 2, 1, 30, 0, 0, time.UTC)

	res, err := NewNTDetector(newYork(t)).Detect(context.Background(), src, asOf)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(res.Candidates) != 1 || res.Candidates[0].AccessionID != "a-1" {
		t.Errorf("expected only the July 1 notice, got %+v", res.Candidates)
	}
}

func TestLastBusinessDayOfWeek(t *testing.T) {
	tests := []struct {
		name string
		date string
		want bool
	}{
		{"plain friday", "2024-06-07", true},
		{"plain thursday", "2024-06-06", false},
		{"saturday", "2024-06-08", false},
		{"independence day friday", "2025-07-04", false},
		{"thursday before holiday friday", "2025-07-03", true},
		{"observed holiday friday", "2026-07-03", false},
		{"thursday before observed holiday", "2026-07-02", true},
		{"new year observed on dec 31", "2021-12-31", false},
		{"christmas observed on dec 24", "2021-12-24", false},
		{"thursday before christmas observed", "2021-12-23", true},
		{"juneteenth before 2021", "2020-06-19", true},
		{"juneteenth 2025 thursday", "2025-06-19", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := time.Parse(models.DateLayout, tt.date)
			if err != nil {
				t.Fatal(err)
			}
			if got := IsLastBusinessDayOfWeek(d); got != tt.want {
				t.Errorf("IsLastBusinessDayOfWeek(%s) = %v, want %v", tt.date, got, tt.want)
			}
		})
	}
}

func TestAfterHoursDetector_Classify(t *testing.T) {
	ny := newYork(t)
	p := DefaultParams()
	p.Location = ny
	d := NewAfterHoursDetector(p)

	tests := []struct {
		name       string
		filing     *models.FilingEvent
		flagged    bool
		confidence string
	}{
		{
			name:       "friday 16:05",
			filing:     &models.FilingEvent{FormType: "8-K", AcceptedAt: time.Date(2024, 6, 7, 16, 5, 0, 0, ny), FiledDate: "2024-06-07"},
			flagged:    true,
			confidence: "high",
		},
		{
			name:    "friday 15:59",
			filing:  &models.FilingEvent{FormType: "8-K", AcceptedAt: time.Date(2024, 6, 7, 15, 59, 0, 0, ny), FiledDate: "2024-06-07"},
			flagged: false,
		},
		{
			name:       "friday 16:00 exactly",
			filing:     &models.FilingEvent{FormType: "10-Q", AcceptedAt: time.Date(2024, 6, 7, 16, 0, 0, 0, ny), FiledDate: "2024-06-07"},
			flagged:    true,
			confidence: "high",
		},
		{
			name:       "friday date only",
			filing:     &models.FilingEvent{FormType: "8-K", FiledDate: "2024-06-07"},
			flagged:    true,
			confidence: "low",
		},
		{
			name:    "thursday late",
			filing:  &models.FilingEvent{FormType: "8-K", AcceptedAt: time.Date(2024, 6, 6, 19, 0, 0, 0, ny), FiledDate: "2024-06-06"},
			flagged: false,
		},
		{
			// 20:30 UTC on Friday is 16:30 in New York during daylight time.
			name:       "utc timestamp converted",
			filing:     &models.FilingEvent{FormType: "8-K", AcceptedAt: time.Date(2024, 6, 7, 20, 30, 0, 0, time.UTC), FiledDate: "2024-06-07"},
			flagged:    true,
			confidence: "high",
		},
		{
			name:       "thursday before a holiday friday",
			filing:     &models.FilingEvent{FormType: "10-K", AcceptedAt: time.Date(2025, 7, 3, 17, 0, 0, 0, ny), FiledDate: "2025-07-03"},
			flagged:    true,
			confidence: "high",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flagged, confidence := d.Classify(tt.filing)
			if flagged != tt.flagged {
				t.Fatalf("flagged = %v, want %v", flagged, tt.flagged)
			}
			if flagged && confidence != tt.confidence {
				t.Errorf("confidence = %q, want %q", confidence, tt.confidence)
			}
		})
	}
}

func TestAfterHoursDetector_Detect(t *testing.T) {
	ny := newYork(t)
	p := DefaultParams()
	p.Location = ny
	src := &memSource{filings: []*models.FilingEvent{
		{AccessionID: "late", CIK: 1, FormType: "8-K", AcceptedAt: time.Date(2024, 6, 7, 16, 5, 0, 0, ny), FiledDate: "2024-06-07"},
		{AccessionID: "dateonly", CIK: 1, FormType: "10-K/A", FiledDate: "2024-06-07"},
		{AccessionID: "out-of-scope", CIK: 1, FormType: "S-1", AcceptedAt: time.Date(2024, 6, 7, 18, 0, 0, 0, ny), FiledDate: "2024-06-07"},
		{AccessionID: "early", CIK: 2, FormType: "8-K", AcceptedAt: time.Date(2024, 6, 7, 9, 0, 0, 0, ny), FiledDate: "2024-06-07"},
	}}

	res, err := NewAfterHoursDetector(p).Detect(context.Background(), src, time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(res.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(res.Candidates))
	}
	got := map[string]Candidate{}
	for _, c := range res.Candidates {
		got[c.AccessionID] = c
	}
	if c := got["late"]; c.Severity != 0.65 || c.DedupeKey != "FRIDAY_BURYING:late" {
		t.Errorf("unexpected late candidate %+v", c)
	}
	if c := got["dateonly"]; c.Severity != 0.45 || c.Evidence["confidence"] != "low" {
		t.Errorf("unexpected date-only candidate %+v", c)
	}
}

func TestEvaluateSpike(t *testing.T) {
	baseline := []int{10, 12, 11, 13, 12, 14}

	st := EvaluateSpike(baseline, 16, 2, 0.1, 0.5)
	if math.Abs(st.Mean-12) > 1e-9 {
		t.Errorf("mean = %v, want 12", st.Mean)
	}
	if math.Abs(st.Sigma-math.Sqrt2) > 1e-9 {
		t.Errorf("sigma = %v, want sqrt(2)", st.Sigma)
	}
	if math.Abs(st.Threshold-(12+2*math.Sqrt2)) > 1e-9 {
		t.Errorf("threshold = %v", st.Threshold)
	}
	if !st.Flagged {
		t.Error("expected 16 to be flagged")
	}
	if EvaluateSpike(baseline, 14, 2, 0.1, 0.5).Flagged {
		t.Error("expected 14 not to be flagged")
	}

	flat := []int{10, 10, 10, 10, 10, 10}
	st = EvaluateSpike(flat, 13, 2, 0.1, 0.5)
	if math.Abs(st.Sigma-1.0) > 1e-9 || math.Abs(st.Threshold-12) > 1e-9 {
		t.Errorf("fallback sigma = %v threshold = %v, want 1 and 12", st.Sigma, st.Threshold)
	}
	if !st.Flagged {
		t.Error("expected 13 to be flagged against a flat baseline")
	}
	if EvaluateSpike(flat, 11, 2, 0.1, 0.5).Flagged {
		t.Error("expected 11 not to be flagged against a flat baseline")
	}

	st = EvaluateSpike([]int{0, 0, 0}, 2, 2, 0.1, 0.5)
	if st.Sigma != 0.5 || !st.Flagged {
		t.Errorf("zero baseline: sigma = %v flagged = %v", st.Sigma, st.Flagged)
	}
}

func TestSpikeSeverity(t *testing.T) {
	tests := []struct {
		z    float64
		want float64
	}{
		{2.5, 0.65},
		{3.0, 0.65},
		{3.5, 0.80},
		{4.0, 0.80},
		{6.0, 0.90},
	}
	for _, tt := range tests {
		if got := SpikeSeverity(tt.z); got != tt.want {
			t.Errorf("SpikeSeverity(%v) = %v, want %v", tt.z, got, tt.want)
		}
	}
}

// monthlyFilings emits count date-only 8-Ks per month starting at start.
func monthlyFilings(cik int64, start time.Time, counts []int) []*models.FilingEvent {
	var out []*models.FilingEvent
	for i, n := range counts {
		month := start.AddDate(0, i, 0)
		for j := 0; j < n; j++ {
			day := month.AddDate(0, 0, j%28)
			out = append(out, &models.FilingEvent{
				AccessionID: fmt.Sprintf("%d-%s-%02d", cik, month.Format("200601"), j),
				CIK:         cik,
				FormType:    "8-K",
				FiledDate:   day.Format(models.DateLayout),
			})
		}
	}
	return out
}

func TestSpikeDetector_Detect(t *testing.T) {
	var filings []*models.FilingEvent
	// Dec 2023 through Jun 2024; June is the current period and May is in range.
	filings = append(filings, monthlyFilings(1, time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC),
		[]int{14, 10, 12, 11, 13, 12, 16})...)
	filings[len(filings)-1].FormType = "8-K/A"
	// Two months of history before a large June.
	filings = append(filings, monthlyFilings(2, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		[]int{1, 1, 50})...)
	// Steady issuer: never flagged.
	filings = append(filings, monthlyFilings(3, time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC),
		[]int{14, 10, 12, 11, 13, 12, 14})...)

	p := DefaultParams()
	p.Location = time.UTC
	asOf := time.Date(2024, 6, 28, 23, 0, 0, 0, time.UTC)

	res, err := NewSpikeDetector(p).Detect(context.Background(), &memSource{filings: filings}, asOf)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if res.Skipped != 1 {
		t.Errorf("expected the two-month issuer to be skipped, got %d skipped", res.Skipped)
	}
	if len(res.Candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(res.Candidates))
	}
	c := res.Candidates[0]
	if c.CIK != 1 || c.DedupeKey != "8K_SPIKE:1:2024-06" {
		t.Errorf("unexpected candidate %+v", c)
	}
	if c.AccessionID != "1-202406-15" {
		t.Errorf("trigger accession = %s, want the latest filing of the period", c.AccessionID)
	}
	if c.Severity != 0.65 {
		t.Errorf("severity = %v, want 0.65", c.Severity)
	}
}

func TestSpikeDetector_NewMonthKeepsCompletedSpike(t *testing.T) {
	filings := monthlyFilings(1, time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC),
		[]int{14, 10, 12, 11, 13, 12, 16})
	filings = append(filings, &models.FilingEvent{
		AccessionID: "1-202407-00",
		CIK:         1,
		FormType:    "8-K",
		FiledDate:   "2024-07-01",
	})
	p := DefaultParams()
	p.Location = time.UTC

	res, err := NewSpikeDetector(p).Detect(context.Background(), &memSource{filings: filings},
		time.Date(2024, 7, 2, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(res.Candidates) != 1 {
		t.Fatalf("expected the June spike to survive a July filing, got %+v", res.Candidates)
	}
	if c := res.Candidates[0]; c.DedupeKey != "8K_SPIKE:1:2024-06" || c.AccessionID != "1-202406-15" {
		t.Errorf("unexpected candidate %+v", c)
	}
}

func TestSpikeDetector_ZeroMonthsCount(t *testing.T) {
	// First filing in Jan; Feb-May are empty months, June has 3.
	filings := monthlyFilings(7, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), []int{1, 0, 0, 0, 0, 3})
	p := DefaultParams()
	p.Location = time.UTC

	res, err := NewSpikeDetector(p).Detect(context.Background(), &memSource{filings: filings},
		time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if res.Skipped != 0 || len(res.Candidates) != 1 {
		t.Fatalf("expected one candidate over a five-month baseline, got %+v", res)
	}
	counts := res.Candidates[0].Evidence["baseline_counts"].([]int)
	if len(counts) != 5 {
		t.Errorf("baseline months = %d, want 5", len(counts))
	}
}

type failingDetector struct{}

func (failingDetector) Name() string { return "BROKEN" }

func (failingDetector) Detect(context.Context, Source, time.Time) (Result, error) {
	return Result{}, errors.New("boom")
}

func newRunnerStore(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	if _, err := s.EnsureIssuer(ctx, 1); err != nil {
		t.Fatal(err)
	}
	for _, f := range []*models.FilingEvent{
		{AccessionID: "nt-1", CIK: 1, FormType: "NT 10-K", FiledDate: "2024-03-01"},
		{AccessionID: "nt-2", CIK: 1, FormType: "NT 10-Q", FiledDate: "2024-05-15"},
	} {
		if _, err := s.InsertFiling(ctx, f); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestRunner_DedupeAndIsolation(t *testing.T) {
	s := newRunnerStore(t)
	ctx := context.Background()
	asOf := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	r := NewRunner(s, []Detector{failingDetector{}, NewNTDetector(time.UTC)}, false)

	report, err := r.Run(ctx, asOf)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Failed() {
		t.Error("expected the broken detector to be reported")
	}
	if report.Stats[0].Error == "" {
		t.Error("expected an error on the broken detector")
	}
	if report.Stats[1].Inserted != 2 {
		t.Errorf("NT inserted = %d, want 2", report.Stats[1].Inserted)
	}

	report, err = r.Run(ctx, asOf)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if report.Inserted() != 0 {
		t.Errorf("rerun inserted %d alerts, want 0", report.Inserted())
	}
	alerts, err := s.ListAlerts(ctx, storage.AlertQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 2 {
		t.Errorf("expected 2 stored alerts, got %d", len(alerts))
	}
}

func TestRunner_DryRunWritesNothing(t *testing.T) {
	s := newRunnerStore(t)
	ctx := context.Background()
	asOf := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)

	report, err := NewRunner(s, []Detector{NewNTDetector(time.UTC)}, true).Run(ctx, asOf)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Inserted() != 2 {
		t.Errorf("dry run would insert %d, want 2", report.Inserted())
	}
	alerts, err := s.ListAlerts(ctx, storage.AlertQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 0 {
		t.Errorf("dry run wrote %d alerts", len(alerts))
	}
}
