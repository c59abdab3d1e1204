package detect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rewired-gh/filingwatch/internal/models"
	"github.com/rewired-gh/filingwatch/internal/storage"
)

var afterHoursForms = []string{"8-K", "8-K/A", "10-K", "10-K/A", "10-Q", "10-Q/A"}

const (
	afterHoursSeverity     = 0.65
	afterHoursDateSeverity = 0.45
)

// AfterHoursDetector flags in-scope filings accepted late on the last
// business day of the week.
type AfterHoursDetector struct {
	params Params
}

// NewAfterHoursDetector creates the end-of-week timing detector.
func NewAfterHoursDetector(p Params) *AfterHoursDetector {
	if p.Location == nil {
		p.Location = time.UTC
	}
	return &AfterHoursDetector{params: p}
}

func (d *AfterHoursDetector) Name() string { return models.AnomalyFridayBurying }

// Classify decides whether a filing is flagged and with what confidence.
func (d *AfterHoursDetector) Classify(f *models.FilingEvent) (flagged bool, confidence string) {
	if !f.HasAcceptanceTime() {
		day, err := time.ParseInLocation(models.DateLayout, f.FiledDate, d.params.Location)
		if err != nil {
			return false, ""
		}
		return IsLastBusinessDayOfWeek(day), "low"
	}
	local := f.AcceptedAt.In(d.params.Location)
	if !IsLastBusinessDayOfWeek(local) {
		return false, ""
	}
	minutes := local.Hour()*60 + local.Minute()
	threshold := d.params.AfterHoursHour*60 + d.params.AfterHoursMinute
	return minutes >= threshold, "high"
}

func (d *AfterHoursDetector) Detect(ctx context.Context, src Source, asOf time.Time) (Result, error) {
	filings, err := src.ListFilings(ctx, storage.FilingQuery{
		Forms:   afterHoursForms,
		FiledTo: models.AsOfDate(asOf, d.params.Location),
	})
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, f := range filings {
		flagged, confidence := d.Classify(f)
		if !flagged {
			continue
		}
		sev := afterHoursSeverity
		evidence := map[string]any{
			"form_type":  f.FormType,
			"filed_date": f.FiledDate,
			"timezone":   d.params.Location.String(),
			"threshold":  fmt.Sprintf("%02d:%02d", d.params.AfterHoursHour, d.params.AfterHoursMinute),
			"confidence": confidence,
		}
		var desc string
		if confidence == "low" {
			sev = afterHoursDateSeverity
			desc = fmt.Sprintf("%s filed on the last business day of the week (%s), time unknown",
				strings.ToUpper(f.FormType), f.FiledDate)
		} else {
			local := f.AcceptedAt.In(d.params.Location)
			evidence["accepted_local"] = local.Format(time.RFC3339)
			evidence["weekday"] = local.Weekday().String()
			desc = fmt.Sprintf("%s accepted %s %s after %s",
				strings.ToUpper(f.FormType), local.Weekday(), local.Format("15:04 MST"), evidence["threshold"])
		}
		res.Candidates = append(res.Candidates, Candidate{
			CIK:         f.CIK,
			AccessionID: f.AccessionID,
			AnomalyType: models.AnomalyFridayBurying,
			Severity:    sev,
			Description: desc,
			Evidence:    evidence,
			DedupeKey:   models.AnomalyFridayBurying + ":" + f.AccessionID,
		})
	}
	return res, nil
}
