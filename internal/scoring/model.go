package scoring

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/filingwatch/internal/models"
)

const day = 24 * time.Hour

// RecencyWeight halves a signal's weight every halfLife days.
func RecencyWeight(ageDays, halfLife float64) float64 {
	if ageDays <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * ageDays / halfLife)
}

// Cutoff is the exclusive end of the as-of date: midnight UTC of the next day.
func Cutoff(asOfDate string) (time.Time, error) {
	d, err := time.Parse(models.DateLayout, asOfDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid as-of date %q: %w", asOfDate, err)
	}
	return d.Add(day), nil
}

// SeverityError reports an alert whose severity is outside [0, 1].
type SeverityError struct {
	AlertID  int64
	Severity float64
}

func (e *SeverityError) Error() string {
	return fmt.Sprintf("alert %d severity %v out of range [0, 1]", e.AlertID, e.Severity)
}

// Scored is one issuer's snapshot and unranked score.
type Scored struct {
	Snapshot *models.FeatureSnapshot
	Score    *models.IssuerRiskScore
}

func featureName(family string, window int) string {
	return strings.ToLower(family) + "_" + strconv.Itoa(window) + "d"
}

// ScoreIssuer builds the feature snapshot and composite score for one issuer
// from its alert signals. Signals in (cutoff - window, cutoff] count toward a
// window. Rank and percentile are left for the caller.
func (p Params) ScoreIssuer(cik int64, asOfDate string, cutoff time.Time, signals []models.AlertSignal) (*Scored, error) {
	for _, s := range signals {
		if s.Severity < 0 || s.Severity > 1 || math.IsNaN(s.Severity) {
			return nil, &SeverityError{AlertID: s.AlertID, Severity: s.Severity}
		}
	}

	features := make(map[string]models.WindowFeatures, len(p.Windows))
	var contributions []models.Contribution
	windowScores := make(map[string]float64, len(p.Windows))
	sourceIDs := make(map[int64]bool)
	total := 0.0

	for _, window := range p.Windows {
		wf := models.WindowFeatures{Families: make(map[string]models.FamilyFeatures, len(models.AnomalyTypes))}
		for _, family := range models.AnomalyTypes {
			wf.Families[family] = models.FamilyFeatures{}
		}
		for _, s := range signals {
			age := cutoff.Sub(s.SignalTime).Hours() / 24
			if age < 0 || age >= float64(window) {
				continue
			}
			wf.TotalAlerts++
			sourceIDs[s.AlertID] = true
			ff, ok := wf.Families[s.AnomalyType]
			if !ok {
				continue
			}
			ff.Count++
			ff.WeightedSeverity += s.Severity * RecencyWeight(age, p.HalfLifeDays)
			wf.Families[s.AnomalyType] = ff
		}

		ww := p.WindowWeights[window]
		for _, family := range models.AnomalyTypes {
			ff := wf.Families[family]
			ff.Component = math.Min(ff.WeightedSeverity/p.ComponentScales[family], 1)
			wf.Families[family] = ff

			fw := p.AnomalyWeights[family]
			wf.WindowScore += fw * ff.Component
			c := models.Contribution{
				Feature:      featureName(family, window),
				AnomalyType:  family,
				WindowDays:   window,
				Raw:          ff.WeightedSeverity,
				Count:        ff.Count,
				Normalized:   ff.Component,
				Weight:       ww * fw,
				Contribution: ww * fw * ff.Component,
			}
			contributions = append(contributions, c)
			total += c.Contribution
		}
		key := strconv.Itoa(window)
		features[key] = wf
		windowScores[key] = wf.WindowScore
	}

	sort.SliceStable(contributions, func(i, j int) bool {
		if contributions[i].Contribution != contributions[j].Contribution {
			return contributions[i].Contribution > contributions[j].Contribution
		}
		return contributions[i].Feature < contributions[j].Feature
	})
	var top []models.Contribution
	for _, c := range contributions {
		if c.Contribution > 0 && len(top) < 3 {
			top = append(top, c)
		}
	}

	ids := make([]int64, 0, len(sourceIDs))
	for id := range sourceIDs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	windowWeights := make(map[string]float64, len(p.WindowWeights))
	for w, v := range p.WindowWeights {
		windowWeights[strconv.Itoa(w)] = v
	}
	score := math.Max(0, math.Min(1, total))

	return &Scored{
		Snapshot: &models.FeatureSnapshot{
			CIK:              cik,
			AsOfDate:         asOfDate,
			ModelVersion:     p.ModelVersion,
			LookbackDays:     append([]int(nil), p.Windows...),
			Features:         features,
			SourceAlertCount: len(ids),
		},
		Score: &models.IssuerRiskScore{
			CIK:          cik,
			AsOfDate:     asOfDate,
			ModelVersion: p.ModelVersion,
			Score:        score,
			Evidence: models.ScoreEvidence{
				ModelVersion:   p.ModelVersion,
				AsOfDate:       asOfDate,
				AsOfTimestamp:  cutoff,
				LookbackDays:   append([]int(nil), p.Windows...),
				WindowWeights:  windowWeights,
				AnomalyWeights: p.AnomalyWeights,
				WindowScores:   windowScores,
				Contributions:  contributions,
				TopSignals:     top,
				SourceAlertIDs: ids,
			},
		},
	}, nil
}

// Rank assigns competition ranks by score descending (ties share a rank,
// ordered by CIK) and percentile 1 - (rank-1)/(n-1).
func Rank(scores []*models.IssuerRiskScore) {
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].CIK < scores[j].CIK
	})
	n := len(scores)
	for i, s := range scores {
		if i > 0 && s.Score == scores[i-1].Score {
			s.Rank = scores[i-1].Rank
		} else {
			s.Rank = i + 1
		}
		if n == 1 {
			s.Percentile = 1
		} else {
			s.Percentile = 1 - float64(s.Rank-1)/float64(n-1)
		}
	}
}
