// Package edgar reads filing metadata from SEC EDGAR: the "current events"
// Atom feed, per-issuer submissions and the company ticker directory.
package edgar

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"github.com/rewired-gh/filingwatch/internal/config"
	"github.com/rewired-gh/filingwatch/internal/models"
	"golang.org/x/time/rate"
)

// Source is the upstream the sync engine reads from.
type Source interface {
	// CurrentPage returns one page of the newest-first current filings feed.
	CurrentPage(ctx context.Context, start, count int) ([]FeedItem, error)
	// FilingsSince returns the issuer's filings with an effective time at or
	// after since, plus refreshed issuer metadata.
	FilingsSince(ctx context.Context, cik int64, since time.Time) (*IssuerFilings, error)
}

// FeedItem is one entry of the current feed. Err is set when the entry could
// not be parsed into a filing; such items are counted, not ingested.
type FeedItem struct {
	Filing      *models.FilingEvent
	CompanyName string
	Err         error
}

// IssuerFilings is the per-issuer view used by catch-up.
type IssuerFilings struct {
	Issuer    models.Issuer
	Filings   []*models.FilingEvent
	Malformed int
}

// StatusError is returned for a non-success HTTP response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// Client provides access to the EDGAR endpoints.
type Client struct {
	identity       string
	currentFeedURL string
	submissionsURL string
	tickersURL     string
	httpClient     *http.Client
	limiter        *rate.Limiter
	maxRetries     int
	retryBase      time.Duration
	retryMax       time.Duration
}

// NewClient creates a new EDGAR client. Identity is sent as the User-Agent
// as EDGAR fair access requires.
func NewClient(cfg config.EdgarConfig) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	return &Client{
		identity:       cfg.Identity,
		currentFeedURL: cfg.CurrentFeedURL,
		submissionsURL: cfg.SubmissionsURL,
		tickersURL:     cfg.TickersURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryDelayBase,
		retryMax:   cfg.RetryDelayMax,
	}
}

// CurrentPage fetches one page of the current filings Atom feed.
func (c *Client) CurrentPage(ctx context.Context, start, count int) ([]FeedItem, error) {
	u, err := url.Parse(c.currentFeedURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse current feed URL")
	}
	q := u.Query()
	q.Set("action", "getcurrent")
	q.Set("output", "atom")
	q.Set("owner", "include")
	q.Set("start", strconv.Itoa(start))
	q.Set("count", strconv.Itoa(count))
	u.RawQuery = q.Encode()

	body, err := c.get(ctx, u.String(), "application/atom+xml")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch current feed page at %d", start)
	}
	items, err := parseCurrentFeed(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode current feed")
	}
	return items, nil
}

// FilingsSince fetches the issuer's submissions document and keeps the
// filings at or after since.
func (c *Client) FilingsSince(ctx context.Context, cik int64, since time.Time) (*IssuerFilings, error) {
	u := fmt.Sprintf("%s/CIK%010d.json", c.submissionsURL, cik)
	body, err := c.get(ctx, u, "application/json")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch submissions for %d", cik)
	}
	filings, err := parseSubmissions(body, cik, since)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode submissions for %d", cik)
	}
	return filings, nil
}

// Tickers fetches the company ticker directory keyed by upper-case ticker.
func (c *Client) Tickers(ctx context.Context) (map[string]models.Issuer, error) {
	body, err := c.get(ctx, c.tickersURL, "application/json")
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch ticker directory")
	}
	tickers, err := parseTickers(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode ticker directory")
	}
	return tickers, nil
}

// get performs a rate-limited GET. Transport errors, 429 and 5xx responses
// are retried with exponential backoff; other statuses fail immediately.
func (c *Client) get(ctx context.Context, urlStr, accept string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBase
	b.MaxInterval = c.retryMax

	tries := c.maxRetries
	if tries < 1 {
		tries = 1
	}

	op := func() ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", c.identity)
		req.Header.Set("Accept", accept)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests:
			serr := &StatusError{Code: resp.StatusCode, URL: urlStr}
			if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
				return nil, errors.Wrap(backoff.RetryAfter(secs), serr.Error())
			}
			return nil, serr
		case resp.StatusCode >= 500:
			return nil, &StatusError{Code: resp.StatusCode, URL: urlStr}
		default:
			return nil, backoff.Permanent(&StatusError{Code: resp.StatusCode, URL: urlStr})
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read response body")
		}
		return body, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(tries)),
	)
}
