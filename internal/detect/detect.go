// Package detect turns stored filing events into deduplicated alerts. Each
// detector is independent and idempotent: re-running over the same data
// produces the same dedupe keys, so nothing is inserted twice.
package detect

import (
	"context"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/rewired-gh/filingwatch/internal/config"
	"github.com/rewired-gh/filingwatch/internal/models"
	"github.com/rewired-gh/filingwatch/internal/storage"
)

// Source is the read side of the store the detectors need.
type Source interface {
	ListFilings(ctx context.Context, fq storage.FilingQuery) ([]*models.FilingEvent, error)
	FirstFiledDates(ctx context.Context) (map[int64]string, error)
}

// Candidate is a proposed alert.
type Candidate struct {
	CIK         int64
	AccessionID string
	AnomalyType string
	Severity    float64
	Description string
	Evidence    map[string]any
	DedupeKey   string
}

// Alert converts the candidate into an OPEN alert.
func (c *Candidate) Alert() *models.Alert {
	return &models.Alert{
		AccessionID: c.AccessionID,
		CIK:         c.CIK,
		AnomalyType: c.AnomalyType,
		Severity:    c.Severity,
		Description: c.Description,
		Evidence:    c.Evidence,
		Status:      models.AlertStatusOpen,
		DedupeKey:   c.DedupeKey,
	}
}

// Result is one detector's output for a cycle. Skipped counts issuers the
// detector declined to evaluate, such as an insufficient baseline.
type Result struct {
	Candidates []Candidate
	Skipped    int
}

// Detector is one anomaly rule.
type Detector interface {
	Name() string
	Detect(ctx context.Context, src Source, asOf time.Time) (Result, error)
}

// Params holds detector tuning.
type Params struct {
	Location          *time.Location
	AfterHoursHour    int
	AfterHoursMinute  int
	BaselineMonths    int
	MinBaselineMonths int
	HorizonMonths     int
	SigmaMultiplier   float64
	FallbackFraction  float64
	MinSigma          float64
}

// DefaultParams returns the stock tuning in America/New_York.
func DefaultParams() Params {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return Params{
		Location:          loc,
		AfterHoursHour:    16,
		AfterHoursMinute:  0,
		BaselineMonths:    6,
		MinBaselineMonths: 3,
		HorizonMonths:     6,
		SigmaMultiplier:   2.0,
		FallbackFraction:  0.1,
		MinSigma:          0.5,
	}
}

// ParamsFromConfig maps the detect section of the configuration.
func ParamsFromConfig(cfg config.DetectConfig) (Params, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return Params{}, fmt.Errorf("failed to load timezone %q: %w", cfg.Timezone, err)
	}
	return Params{
		Location:          loc,
		AfterHoursHour:    cfg.AfterHoursHour,
		AfterHoursMinute:  cfg.AfterHoursMinute,
		BaselineMonths:    cfg.BaselineMonths,
		MinBaselineMonths: cfg.MinBaselineMonths,
		HorizonMonths:     cfg.HorizonMonths,
		SigmaMultiplier:   cfg.SigmaMultiplier,
		FallbackFraction:  cfg.FallbackFraction,
		MinSigma:          cfg.MinSigma,
	}, nil
}

// Registry returns the fixed detector set in run order.
func Registry(p Params) []Detector {
	return []Detector{
		NewNTDetector(p.Location),
		NewAfterHoursDetector(p),
		NewSpikeDetector(p),
	}
}
