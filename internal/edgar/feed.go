package edgar

import (
	"bytes"
	"encoding/xml"
	"html"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/pkg/errors"
	"github.com/rewired-gh/filingwatch/internal/models"
)

type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title    string `xml:"title"`
	Summary  string `xml:"summary"`
	Updated  string `xml:"updated"`
	ID       string `xml:"id"`
	Category struct {
		Term string `xml:"term,attr"`
	} `xml:"category"`
	Link struct {
		Href string `xml:"href,attr"`
	} `xml:"link"`
}

var (
	// "8-K - Apple Inc. (0000320193) (Filer)"
	titleRe     = regexp.MustCompile(`^(.+?) - (.+) \((\d{1,10})\) \(([A-Za-z ]+)\)\s*$`)
	filedRe     = regexp.MustCompile(`Filed:\s*(?:</b>)?\s*(\d{4}-\d{2}-\d{2})`)
	accNoRe     = regexp.MustCompile(`AccNo:\s*(?:</b>)?\s*(\d{10}-\d{2}-\d{6})`)
	accessionRe = regexp.MustCompile(`accession-number=(\d{10}-\d{2}-\d{6})`)
)

func parseCurrentFeed(body []byte) ([]FeedItem, error) {
	var feed atomFeed
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = latin1Reader
	if err := dec.Decode(&feed); err != nil {
		return nil, err
	}
	items := make([]FeedItem, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		filing, name, err := e.filing()
		items = append(items, FeedItem{Filing: filing, CompanyName: name, Err: err})
	}
	return items, nil
}

// latin1Reader decodes the ISO-8859-1 the feed declares. Every Latin-1 byte
// maps to the code point of the same value.
func latin1Reader(label string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(label) {
	case "iso-8859-1", "latin1", "latin-1", "us-ascii":
	default:
		return nil, errors.Errorf("unsupported charset %q", label)
	}
	raw, err := io.ReadAll(input)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(raw))
	for _, b := range raw {
		buf.WriteRune(rune(b))
	}
	return &buf, nil
}

func (e *atomEntry) filing() (*models.FilingEvent, string, error) {
	m := titleRe.FindStringSubmatch(strings.TrimSpace(e.Title))
	if m == nil {
		return nil, "", errors.Errorf("unrecognized entry title %q", e.Title)
	}
	form, name := strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
	if term := strings.TrimSpace(e.Category.Term); term != "" {
		form = term
	}
	cik, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return nil, name, errors.Wrapf(err, "invalid CIK in title %q", e.Title)
	}

	summary := html.UnescapeString(e.Summary)
	var accession string
	if am := accessionRe.FindStringSubmatch(e.ID); am != nil {
		accession = am[1]
	} else if am := accNoRe.FindStringSubmatch(summary); am != nil {
		accession = am[1]
	}
	if accession == "" {
		return nil, name, errors.Errorf("no accession number in entry %q", e.Title)
	}

	f := &models.FilingEvent{
		AccessionID: accession,
		CIK:         cik,
		FormType:    form,
	}
	if fm := filedRe.FindStringSubmatch(summary); fm != nil {
		f.FiledDate = fm[1]
	}
	if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(e.Updated)); err == nil {
		f.AcceptedAt = ts.UTC()
		if f.FiledDate == "" {
			f.FiledDate = ts.In(eastern).Format(models.DateLayout)
		}
	}
	if err := f.Validate(); err != nil {
		return nil, name, errors.Wrapf(err, "malformed entry %s", accession)
	}
	return f, name, nil
}

// eastern is EDGAR's business timezone; filing dates are Eastern dates.
var eastern = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}
