// Package models defines the core domain entities: issuers, filing events,
// watermarks, alerts, feature snapshots and risk scores.
package models

import (
	"errors"
	"strings"
	"time"
)

// DateLayout is the coarse filing date format used by the feed and the store.
const DateLayout = "2006-01-02"

// AsOfDate is the calendar date of t in loc. Detection and scoring both use
// it so that one cycle reads the same day.
func AsOfDate(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateLayout)
}

// Issuer is a tracked filer identified by its CIK.
type Issuer struct {
	CIK       int64     `json:"cik"`
	Name      string    `json:"name"`
	Ticker    string    `json:"ticker"`
	Industry  string    `json:"industry"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FilingEvent is one accepted filing. Immutable once stored; only
// PrimaryDocument may be filled in later when it was empty.
type FilingEvent struct {
	AccessionID     string
	CIK             int64
	FormType        string
	AcceptedAt      time.Time // zero when the source only reported a date
	FiledDate       string    // YYYY-MM-DD
	PrimaryDocument string
}

// HasAcceptanceTime reports whether an exact acceptance timestamp is known.
func (f *FilingEvent) HasAcceptanceTime() bool {
	return !f.AcceptedAt.IsZero()
}

// EffectiveTime is the acceptance time, or midnight UTC of the filing date
// when only the date is known.
func (f *FilingEvent) EffectiveTime() time.Time {
	if f.HasAcceptanceTime() {
		return f.AcceptedAt
	}
	d, err := time.Parse(DateLayout, f.FiledDate)
	if err != nil {
		return time.Time{}
	}
	return d
}

// Validate checks filing field constraints.
func (f *FilingEvent) Validate() error {
	if strings.TrimSpace(f.AccessionID) == "" {
		return errors.New("accession ID must not be empty")
	}
	if f.CIK <= 0 {
		return errors.New("CIK must be positive")
	}
	if strings.TrimSpace(f.FormType) == "" {
		return errors.New("form type must not be empty")
	}
	if _, err := time.Parse(DateLayout, f.FiledDate); err != nil {
		return errors.New("filed date must be YYYY-MM-DD")
	}
	return nil
}

// After orders filings by effective time, then accession ID. The watermark
// keeps the greatest filing under this order.
func (f *FilingEvent) After(other *FilingEvent) bool {
	a, b := f.EffectiveTime(), other.EffectiveTime()
	if !a.Equal(b) {
		return a.After(b)
	}
	return f.AccessionID > other.AccessionID
}

// Watermark run statuses.
const (
	RunStatusSuccess = "SUCCESS"
	RunStatusFail    = "FAIL"
)

// Watermark tracks ingestion progress for one issuer.
type Watermark struct {
	CIK                 int64
	LastSeenFiledAt     time.Time // zero when nothing has been ingested
	LastSeenAccessionID string
	LastRunAt           time.Time
	LastRunStatus       string
	LastError           string
	UpdatedAt           time.Time
}

// IsStale reports whether the issuer needs a catch-up pass.
func (w *Watermark) IsStale(now time.Time, staleness time.Duration) bool {
	if w == nil || w.LastSeenFiledAt.IsZero() {
		return true
	}
	return w.LastSeenFiledAt.Before(now.Add(-staleness))
}

// OutcomeEvent is a retrospective adverse-outcome label. It is never an
// ingestion or scoring input.
type OutcomeEvent struct {
	ID          int64
	CIK         int64
	EventDate   string
	OutcomeType string
	Source      string
	Description string
	Metadata    map[string]any
	DedupeKey   string
	CreatedAt   time.Time
}
