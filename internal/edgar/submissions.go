package edgar

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rewired-gh/filingwatch/internal/models"
)

type submissionsDoc struct {
	CIK            string   `json:"cik"`
	Name           string   `json:"name"`
	Tickers        []string `json:"tickers"`
	SICDescription string   `json:"sicDescription"`
	Filings        struct {
		Recent recentFilings `json:"recent"`
	} `json:"filings"`
}

// recentFilings is EDGAR's column-oriented layout: index i across all
// slices describes one filing.
type recentFilings struct {
	AccessionNumber    []string `json:"accessionNumber"`
	FilingDate         []string `json:"filingDate"`
	AcceptanceDateTime []string `json:"acceptanceDateTime"`
	Form               []string `json:"form"`
	PrimaryDocument    []string `json:"primaryDocument"`
}

func column(values []string, i int) string {
	if i < len(values) {
		return strings.TrimSpace(values[i])
	}
	return ""
}

// parseAcceptance accepts the submissions format ("2024-01-05T16:31:22.000Z")
// and plain RFC 3339.
func parseAcceptance(s string) (time.Time, bool) {
	for _, layout := range []string{"2006-01-02T15:04:05.000Z07:00", time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func parseSubmissions(body []byte, cik int64, since time.Time) (*IssuerFilings, error) {
	var doc submissionsDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	if doc.CIK != "" {
		docCIK, err := strconv.ParseInt(strings.TrimLeft(doc.CIK, "0"), 10, 64)
		if err == nil && docCIK != cik {
			return nil, errors.Errorf("submissions document is for CIK %d, want %d", docCIK, cik)
		}
	}

	out := &IssuerFilings{
		Issuer: models.Issuer{
			CIK:      cik,
			Name:     strings.TrimSpace(doc.Name),
			Industry: strings.TrimSpace(doc.SICDescription),
		},
	}
	if len(doc.Tickers) > 0 {
		out.Issuer.Ticker = strings.ToUpper(doc.Tickers[0])
	}

	recent := doc.Filings.Recent
	for i := range recent.AccessionNumber {
		f := &models.FilingEvent{
			AccessionID:     column(recent.AccessionNumber, i),
			CIK:             cik,
			FormType:        column(recent.Form, i),
			FiledDate:       column(recent.FilingDate, i),
			PrimaryDocument: column(recent.PrimaryDocument, i),
		}
		if ts, ok := parseAcceptance(column(recent.AcceptanceDateTime, i)); ok {
			f.AcceptedAt = ts
		}
		if err := f.Validate(); err != nil {
			out.Malformed++
			continue
		}
		if f.EffectiveTime().Before(since) {
			continue
		}
		out.Filings = append(out.Filings, f)
	}
	return out, nil
}

type tickerEntry struct {
	CIK    int64  `json:"cik_str"`
	Ticker string `json:"ticker"`
	Title  string `json:"title"`
}

func parseTickers(body []byte) (map[string]models.Issuer, error) {
	var raw map[string]tickerEntry
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	tickers := make(map[string]models.Issuer, len(raw))
	for _, e := range raw {
		t := strings.ToUpper(strings.TrimSpace(e.Ticker))
		if t == "" || e.CIK <= 0 {
			continue
		}
		tickers[t] = models.Issuer{CIK: e.CIK, Name: e.Title, Ticker: t}
	}
	return tickers, nil
}
