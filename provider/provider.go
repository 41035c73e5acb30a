// Package provider implements the per-site crawling contract: fetching one
// search result page or one detail page and returning structured listings
// with a classified error on failure.
package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/text/unicode/norm"

	"article-hunter/pkg/hunter"
)

// PageResult is one crawled result page.
type PageResult struct {
	Listings   []*hunter.Listing
	HasMore    bool
	TotalCount int // total available results if the page exposes it, else 0
}

// Provider crawls one site. Returning the same listing twice across calls is
// acceptable; the canonical key absorbs it downstream.
type Provider interface {
	Name() string
	// CrawlPage fetches result page pageIndex (1-based) for keyword.
	CrawlPage(ctx context.Context, keyword string, pageIndex int) (*PageResult, error)
	// Throttled reports whether the last request hit a rate-limit or block
	// signal. Consumed by the orchestrator to enter a cooldown.
	Throttled() bool
}

// DetailFetcher is the optional capability of resolving a listing's posted
// timestamp from its detail page. Providers without it force every candidate
// through the grace-window rule.
type DetailFetcher interface {
	FetchDetailTimestamp(ctx context.Context, listing *hunter.Listing) (time.Time, error)
}

const maxFetchAttempts = 3

// fetcher is the shared HTTP layer for all providers: browser-shaped
// headers, bounded retry on transport errors, and throttle classification.
type fetcher struct {
	client    *http.Client
	logger    *slog.Logger
	throttled atomic.Int64 // unix seconds until which the site is considered throttled
}

func newFetcher(client *http.Client, logger *slog.Logger) *fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &fetcher{client: client, logger: logger}
}

func (f *fetcher) isThrottled() bool {
	return time.Now().Unix() < f.throttled.Load()
}

func (f *fetcher) markThrottled(d time.Duration) {
	f.throttled.Store(time.Now().Add(d).Unix())
}

// blockMarkers are body fragments that indicate an automated challenge
// rather than a real result page.
var blockMarkers = []string{
	"recaptcha",
	"are you a robot",
	"access denied",
	"ungewöhnliche aktivität",
}

func looksBlocked(body string) bool {
	lower := strings.ToLower(body)
	for _, m := range blockMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// document fetches pageURL and parses it with goquery. Network errors are
// retried up to maxFetchAttempts; throttle signals and parse failures are
// returned immediately as classified errors.
func (f *fetcher) document(ctx context.Context, pageURL string, params url.Values) (*goquery.Document, error) {
	full := pageURL
	if len(params) > 0 {
		full = pageURL + "?" + params.Encode()
	}

	var doc *goquery.Document
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}

			// German-market browser headers; sites serve consent or block
			// pages to clients that look headless.
			req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
			req.Header.Set("Accept-Language", "de-DE,de;q=0.9,en-US;q=0.8,en;q=0.7")
			req.Header.Set("Cache-Control", "no-cache")

			start := time.Now()
			resp, err := f.client.Do(req)
			duration := time.Since(start)
			if err != nil {
				f.logger.Warn("HTTP request failed, will retry",
					"url", full,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return &hunter.CrawlError{Kind: hunter.ErrNetwork, URL: full, Err: err}
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					f.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			f.logger.Info("HTTP request completed",
				"url", full,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			switch {
			case resp.StatusCode == http.StatusTooManyRequests:
				f.markThrottled(time.Minute)
				return retry.Unrecoverable(&hunter.CrawlError{Kind: hunter.ErrRateLimited, URL: full})
			case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable:
				f.markThrottled(5 * time.Minute)
				return retry.Unrecoverable(&hunter.CrawlError{Kind: hunter.ErrBlocked, URL: full})
			case resp.StatusCode != http.StatusOK:
				return &hunter.CrawlError{Kind: hunter.ErrNetwork, URL: full, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
			}

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return &hunter.CrawlError{Kind: hunter.ErrNetwork, URL: full, Err: err}
			}

			if looksBlocked(string(body)) {
				f.logger.Warn("Automated challenge detected", "url", full)
				f.markThrottled(5 * time.Minute)
				return retry.Unrecoverable(&hunter.CrawlError{Kind: hunter.ErrBlocked, URL: full})
			}

			doc, err = goquery.NewDocumentFromReader(strings.NewReader(string(body)))
			if err != nil {
				return retry.Unrecoverable(&hunter.CrawlError{Kind: hunter.ErrParse, URL: full, Err: err})
			}
			return nil
		},
		retry.Attempts(maxFetchAttempts),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			f.logger.Info("Retrying fetch after error", "attempt", n, "url", full, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// normalizeText applies Unicode NFKC, casefolding and trimming; matching and
// keyword storage both go through this so "Pickelhaube" and "pickelhaube"
// compare equal.
func normalizeText(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(s)))
}

// NormalizeKeyword is the canonical stored form of a subscription keyword.
func NormalizeKeyword(s string) string {
	return normalizeText(s)
}

var clockUhr = regexp.MustCompile(`\b\d{1,2}:\d{2}\s*uhr\b`)

// matchesKeyword does title-only whole-word matching: every token of the
// keyword must appear in the title delimited by non-word characters. The
// token "uhr" is additionally rejected when the title carries a "HH:MM Uhr"
// clock reading, so auction-end timestamps never match a watch keyword.
func matchesKeyword(title, keyword string) bool {
	nt := normalizeText(title)
	tokens := strings.Fields(normalizeText(keyword))
	if len(tokens) == 0 {
		return false
	}
	for _, tok := range tokens {
		re, err := regexp.Compile(`(^|[^a-z0-9äöüß])` + regexp.QuoteMeta(tok) + `($|[^a-z0-9äöüß])`)
		if err != nil || !re.MatchString(nt) {
			return false
		}
		if tok == "uhr" && clockUhr.MatchString(nt) {
			return false
		}
	}
	return true
}
