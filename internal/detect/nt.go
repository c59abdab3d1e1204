package detect

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rewired-gh/filingwatch/internal/models"
	"github.com/rewired-gh/filingwatch/internal/storage"
)

// ntFormRe matches late-filing notices: "NT" followed by a space or hyphen.
var ntFormRe = regexp.MustCompile(`(?i)^\s*NT[ -]`)

// ntSeverity is keyed by normalized form code.
var ntSeverity = map[string]float64{
	"NT 10-K": 0.90,
	"NT 10-Q": 0.75,
	"NT 20-F": 0.90,
	"NT NCSR": 0.65,
	"NT 11-K": 0.60,
}

const ntDefaultSeverity = 0.70

// IsNTForm reports whether the form type is a notification of late filing.
func IsNTForm(form string) bool {
	return ntFormRe.MatchString(form)
}

// normalizeNTForm maps "nt-10-k/a" and friends to "NT 10-K".
func normalizeNTForm(form string) string {
	code := strings.ToUpper(strings.TrimSpace(form))
	if !IsNTForm(code) {
		return code
	}
	code = strings.TrimSuffix(code, "/A")
	code = "NT " + strings.TrimSpace(code[3:])
	return strings.Join(strings.Fields(code), " ")
}

// NTSeverity returns the severity for an NT form.
func NTSeverity(form string) float64 {
	if sev, ok := ntSeverity[normalizeNTForm(form)]; ok {
		return sev
	}
	return ntDefaultSeverity
}

// NTDetector flags every notification of late filing.
type NTDetector struct {
	loc *time.Location
}

// NewNTDetector creates the late-filing notice detector. The as-of date is
// taken in loc.
func NewNTDetector(loc *time.Location) *NTDetector {
	return &NTDetector{loc: loc}
}

func (d *NTDetector) Name() string { return models.AnomalyNTFiling }

func (d *NTDetector) Detect(ctx context.Context, src Source, asOf time.Time) (Result, error) {
	filings, err := src.ListFilings(ctx, storage.FilingQuery{
		FormPrefix: "NT",
		FiledTo:    models.AsOfDate(asOf, d.loc),
	})
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, f := range filings {
		if !IsNTForm(f.FormType) {
			continue
		}
		code := normalizeNTForm(f.FormType)
		sev := NTSeverity(f.FormType)
		res.Candidates = append(res.Candidates, Candidate{
			CIK:         f.CIK,
			AccessionID: f.AccessionID,
			AnomalyType: models.AnomalyNTFiling,
			Severity:    sev,
			Description: fmt.Sprintf("Notification of late filing (%s) filed %s", code, f.FiledDate),
			Evidence: map[string]any{
				"form_type":       f.FormType,
				"normalized_form": code,
				"filed_date":      f.FiledDate,
			},
			DedupeKey: models.AnomalyNTFiling + ":" + f.AccessionID,
		})
	}
	return res, nil
}
