package models

import "time"

// FeatureSnapshot is the immutable per-issuer feature vector for one as-of
// date. A recomputation appends a new revision.
type FeatureSnapshot struct {
	ID               int64
	CIK              int64
	AsOfDate         string
	ModelVersion     string
	Revision         int
	LookbackDays     []int
	Features         map[string]WindowFeatures // keyed by window in days, e.g. "30"
	SourceAlertCount int
	CreatedAt        time.Time
}

// WindowFeatures holds the raw and normalized signals of one lookback window.
type WindowFeatures struct {
	TotalAlerts int                       `json:"total_alerts"`
	Families    map[string]FamilyFeatures `json:"families"`
	WindowScore float64                   `json:"window_score"`
}

// FamilyFeatures holds one anomaly family's inputs within a window.
type FamilyFeatures struct {
	Count            int     `json:"count"`
	WeightedSeverity float64 `json:"weighted_severity"`
	Component        float64 `json:"component"`
}

// IssuerRiskScore is one append-only composite score record.
type IssuerRiskScore struct {
	ID           int64
	CIK          int64
	AsOfDate     string
	ModelVersion string
	Revision     int
	Score        float64
	Rank         int
	Percentile   float64
	SnapshotID   int64
	Evidence     ScoreEvidence
	CreatedAt    time.Time
}

// ScoreEvidence is the explainability payload persisted with each score.
type ScoreEvidence struct {
	ModelVersion   string             `json:"model_version"`
	AsOfDate       string             `json:"as_of_date"`
	AsOfTimestamp  time.Time          `json:"as_of_timestamp"`
	LookbackDays   []int              `json:"lookback_windows_days"`
	WindowWeights  map[string]float64 `json:"window_weights"`
	AnomalyWeights map[string]float64 `json:"anomaly_weights"`
	WindowScores   map[string]float64 `json:"window_scores"`
	Contributions  []Contribution     `json:"contributions"`
	TopSignals     []Contribution     `json:"top_signals"`
	SourceAlertIDs []int64            `json:"source_alert_ids"`
}

// Contribution is one signal's share of the composite score.
type Contribution struct {
	Feature      string  `json:"feature"`
	AnomalyType  string  `json:"anomaly_type"`
	WindowDays   int     `json:"window_days"`
	Raw          float64 `json:"raw"`
	Count        int     `json:"count"`
	Normalized   float64 `json:"normalized"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}
