package models

import (
	"errors"
	"time"
)

// Anomaly types emitted by the detectors.
const (
	AnomalyNTFiling      = "NT_FILING"
	AnomalyFridayBurying = "FRIDAY_BURYING"
	Anomaly8KSpike       = "8K_SPIKE"
)

// AnomalyTypes lists the known anomaly families in a fixed order.
var AnomalyTypes = []string{AnomalyNTFiling, AnomalyFridayBurying, Anomaly8KSpike}

// Alert lifecycle statuses. Detectors only create OPEN alerts.
const (
	AlertStatusOpen      = "OPEN"
	AlertStatusReviewed  = "REVIEWED"
	AlertStatusDismissed = "DISMISSED"
)

// Alert is an event-level detector output.
type Alert struct {
	ID          int64
	AccessionID string
	CIK         int64
	AnomalyType string
	Severity    float64
	Description string
	Evidence    map[string]any
	Status      string
	DedupeKey   string
	CreatedAt   time.Time
}

// Validate checks alert field constraints.
func (a *Alert) Validate() error {
	if a.AccessionID == "" {
		return errors.New("alert accession ID must not be empty")
	}
	if a.CIK <= 0 {
		return errors.New("alert CIK must be positive")
	}
	if a.AnomalyType == "" {
		return errors.New("anomaly type must not be empty")
	}
	if a.Severity < 0.0 || a.Severity > 1.0 {
		return errors.New("severity must be between 0.0 and 1.0")
	}
	if a.DedupeKey == "" {
		return errors.New("dedupe key must not be empty")
	}
	return nil
}

// AlertSignal is an alert joined to the filing that triggered it, as read by
// the scoring engine.
type AlertSignal struct {
	AlertID     int64
	CIK         int64
	AnomalyType string
	Severity    float64
	SignalTime  time.Time
}
