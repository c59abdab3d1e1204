package scoring

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/filingwatch/internal/config"
	"github.com/rewired-gh/filingwatch/internal/models"
)

// Re-score policies for an as-of date that already has scores.
const (
	PolicySkip      = "skip"
	PolicySupersede = "supersede"
)

// Params is the scoring model. Weights are normalized to sum to 1. Location
// fixes the calendar day an as-of instant falls on.
type Params struct {
	Location        *time.Location
	ModelVersion    string
	Policy          string
	HalfLifeDays    float64
	Windows         []int
	WindowWeights   map[int]float64
	AnomalyWeights  map[string]float64
	ComponentScales map[string]float64
}

// DefaultParams returns the v1 alert composite model.
func DefaultParams() Params {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	p := Params{
		Location:      loc,
		ModelVersion:  "v1_alert_composite",
		Policy:        PolicySkip,
		HalfLifeDays:  30,
		WindowWeights: map[int]float64{30: 0.65, 90: 0.35},
		AnomalyWeights: map[string]float64{
			models.AnomalyNTFiling:      0.45,
			models.AnomalyFridayBurying: 0.20,
			models.Anomaly8KSpike:       0.35,
		},
		ComponentScales: map[string]float64{
			models.AnomalyNTFiling:      1.5,
			models.AnomalyFridayBurying: 2.5,
			models.Anomaly8KSpike:       1.2,
		},
	}
	return p.normalized()
}

// ParamsFromConfig maps the scoring section. Map keys are case-insensitive
// since the config loader lowercases them. loc is the detection timezone.
func ParamsFromConfig(cfg config.ScoringConfig, loc *time.Location) (Params, error) {
	p := Params{
		Location:        loc,
		ModelVersion:    cfg.ModelVersion,
		Policy:          cfg.RescorePolicy,
		HalfLifeDays:    cfg.HalfLifeDays,
		WindowWeights:   make(map[int]float64, len(cfg.WindowWeights)),
		AnomalyWeights:  make(map[string]float64, len(cfg.AnomalyWeights)),
		ComponentScales: make(map[string]float64, len(cfg.ComponentScales)),
	}
	for k, w := range cfg.WindowWeights {
		days, err := strconv.Atoi(strings.TrimSuffix(strings.ToLower(k), "d"))
		if err != nil || days <= 0 {
			return Params{}, fmt.Errorf("invalid scoring window %q", k)
		}
		if w < 0 {
			return Params{}, fmt.Errorf("negative weight for window %q", k)
		}
		p.WindowWeights[days] = w
	}
	for k, w := range cfg.AnomalyWeights {
		if w < 0 {
			return Params{}, fmt.Errorf("negative weight for anomaly type %q", k)
		}
		p.AnomalyWeights[strings.ToUpper(k)] = w
	}
	for k, s := range cfg.ComponentScales {
		if s <= 0 {
			return Params{}, fmt.Errorf("component scale for %q must be positive", k)
		}
		p.ComponentScales[strings.ToUpper(k)] = s
	}
	for _, family := range models.AnomalyTypes {
		if _, ok := p.ComponentScales[family]; !ok {
			return Params{}, fmt.Errorf("missing component scale for %s", family)
		}
	}
	if sumWeights(p.WindowWeights) == 0 {
		return Params{}, fmt.Errorf("window weights must not all be zero")
	}
	if sumWeights(p.AnomalyWeights) == 0 {
		return Params{}, fmt.Errorf("anomaly weights must not all be zero")
	}
	return p.normalized(), nil
}

func sumWeights[K comparable](m map[K]float64) float64 {
	total := 0.0
	for _, w := range m {
		total += w
	}
	return total
}

func (p Params) normalized() Params {
	wt := sumWeights(p.WindowWeights)
	windows := make(map[int]float64, len(p.WindowWeights))
	p.Windows = make([]int, 0, len(p.WindowWeights))
	for days, w := range p.WindowWeights {
		windows[days] = w / wt
		p.Windows = append(p.Windows, days)
	}
	sort.Ints(p.Windows)
	p.WindowWeights = windows

	at := sumWeights(p.AnomalyWeights)
	anomalies := make(map[string]float64, len(p.AnomalyWeights))
	for family, w := range p.AnomalyWeights {
		anomalies[family] = w / at
	}
	p.AnomalyWeights = anomalies
	return p
}

// MaxWindow is the longest lookback in days.
func (p Params) MaxWindow() int {
	if len(p.Windows) == 0 {
		return 0
	}
	return p.Windows[len(p.Windows)-1]
}
