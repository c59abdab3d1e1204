package detect

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rewired-gh/filingwatch/internal/models"
	"github.com/rewired-gh/filingwatch/internal/storage"
)

const monthLayout = "2006-01"

var spikeForms = []string{"8-K", "8-K/A"}

// SpikeStats is the outcome of comparing one month against its baseline.
type SpikeStats struct {
	Mean      float64
	Sigma     float64
	Threshold float64
	Z         float64
	Flagged   bool
}

// EvaluateSpike tests current against the monthly baseline counts. A zero
// sigma falls back to mean*fallback, and to minSigma when the mean is zero.
func EvaluateSpike(baseline []int, current int, k, fallback, minSigma float64) SpikeStats {
	var w welford
	for _, c := range baseline {
		w.Add(float64(c))
	}
	mu := w.Mean()
	sigma := w.Sigma()
	if sigma == 0 {
		sigma = mu * fallback
	}
	if sigma == 0 {
		sigma = minSigma
	}
	st := SpikeStats{
		Mean:      mu,
		Sigma:     sigma,
		Threshold: mu + k*sigma,
	}
	if sigma > 0 {
		st.Z = (float64(current) - mu) / sigma
	}
	st.Flagged = float64(current) > st.Threshold
	return st
}

// SpikeSeverity bands a flagged spike by z-score.
func SpikeSeverity(z float64) float64 {
	switch {
	case z > 4:
		return 0.90
	case z > 3:
		return 0.80
	default:
		return 0.65
	}
}

// SpikeDetector flags months whose 8-K volume breaks out of the issuer's
// trailing baseline.
type SpikeDetector struct {
	params Params
}

// NewSpikeDetector creates the 8-K frequency detector.
func NewSpikeDetector(p Params) *SpikeDetector {
	if p.Location == nil {
		p.Location = time.UTC
	}
	return &SpikeDetector{params: p}
}

func (d *SpikeDetector) Name() string { return models.Anomaly8KSpike }

type issuerMonths struct {
	counts map[string]int
	latest map[string]*models.FilingEvent
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func (d *SpikeDetector) Detect(ctx context.Context, src Source, asOf time.Time) (Result, error) {
	filings, err := src.ListFilings(ctx, storage.FilingQuery{
		Forms:   spikeForms,
		FiledTo: models.AsOfDate(asOf, d.params.Location),
	})
	if err != nil {
		return Result{}, err
	}
	firstFiled, err := src.FirstFiledDates(ctx)
	if err != nil {
		return Result{}, err
	}

	byIssuer := make(map[int64]*issuerMonths)
	for _, f := range filings {
		if len(f.FiledDate) < 7 {
			continue
		}
		im, ok := byIssuer[f.CIK]
		if !ok {
			im = &issuerMonths{counts: map[string]int{}, latest: map[string]*models.FilingEvent{}}
			byIssuer[f.CIK] = im
		}
		month := f.FiledDate[:7]
		im.counts[month]++
		if cur := im.latest[month]; cur == nil || f.After(cur) {
			im.latest[month] = f
		}
	}

	ciks := make([]int64, 0, len(byIssuer))
	for cik := range byIssuer {
		ciks = append(ciks, cik)
	}
	sort.Slice(ciks, func(i, j int) bool { return ciks[i] < ciks[j] })

	asOfMonth := monthStart(asOf.In(d.params.Location))
	horizon := asOfMonth.AddDate(0, -(d.params.HorizonMonths - 1), 0).Format(monthLayout)

	// The latest month with filings is the current period. The last completed
	// month is evaluated too, so a filing early in a new month does not hide a
	// spike that ended with the previous one.
	lastCompleted := asOfMonth.AddDate(0, -1, 0).Format(monthLayout)

	var res Result
	for _, cik := range ciks {
		im := byIssuer[cik]
		var current string
		for month := range im.counts {
			if month > current {
				current = month
			}
		}
		firstMonth := current
		if first, ok := firstFiled[cik]; ok && len(first) >= 7 && first[:7] < firstMonth {
			firstMonth = first[:7]
		}
		for month := range im.counts {
			if month < firstMonth {
				firstMonth = month
			}
		}

		periods := []string{current}
		if lastCompleted < current && im.counts[lastCompleted] > 0 {
			periods = append(periods, lastCompleted)
		}
		evaluated := false
		for _, period := range periods {
			if period < horizon {
				continue
			}
			c, ok, err := d.evaluate(cik, im, period, firstMonth)
			if err != nil || !ok {
				continue
			}
			evaluated = true
			if c != nil {
				res.Candidates = append(res.Candidates, *c)
			}
		}
		if !evaluated && current >= horizon {
			res.Skipped++
		}
	}
	return res, nil
}

// evaluate tests one month against its trailing baseline. ok is false when
// the baseline is too short; the candidate is nil when the month is in range.
func (d *SpikeDetector) evaluate(cik int64, im *issuerMonths, period, firstMonth string) (*Candidate, bool, error) {
	periodStart, err := time.Parse(monthLayout, period)
	if err != nil {
		return nil, false, err
	}
	var baseline []int
	var months []string
	for i := 1; i <= d.params.BaselineMonths; i++ {
		month := periodStart.AddDate(0, -i, 0).Format(monthLayout)
		if month < firstMonth {
			break
		}
		baseline = append(baseline, im.counts[month])
		months = append(months, month)
	}
	if len(baseline) < d.params.MinBaselineMonths {
		return nil, false, nil
	}

	count := im.counts[period]
	st := EvaluateSpike(baseline, count, d.params.SigmaMultiplier, d.params.FallbackFraction, d.params.MinSigma)
	if !st.Flagged {
		return nil, true, nil
	}

	trigger := im.latest[period]
	return &Candidate{
		CIK:         cik,
		AccessionID: trigger.AccessionID,
		AnomalyType: models.Anomaly8KSpike,
		Severity:    SpikeSeverity(st.Z),
		Description: fmt.Sprintf("%d 8-K filings in %s vs baseline mean %.2f (threshold %.2f)",
			count, period, st.Mean, st.Threshold),
		Evidence: map[string]any{
			"period":          period,
			"count":           count,
			"baseline_months": months,
			"baseline_counts": baseline,
			"mean":            st.Mean,
			"sigma":           st.Sigma,
			"threshold":       st.Threshold,
			"z_score":         st.Z,
			"k":               d.params.SigmaMultiplier,
		},
		DedupeKey: models.Anomaly8KSpike + ":" + strconv.FormatInt(cik, 10) + ":" + period,
	}, true, nil
}
