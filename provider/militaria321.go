package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"article-hunter/pkg/hunter"
)

const (
	militariaName     = "militaria321.com"
	militariaBaseURL  = "https://www.militaria321.com"
	militariaPageSize = 25
)

// Militaria321 crawls militaria321.com keyword searches. The site sorts
// results by auction end time, so a freshly posted item can surface on any
// page; the orchestrator must scan exhaustively to not miss it. Detail pages
// carry an "Auktionsbeginn" timestamp, so the provider implements the
// detail-timestamp capability.
type Militaria321 struct {
	fetcher *fetcher
	logger  *slog.Logger
	baseURL string
}

// NewMilitaria321 creates the militaria321.com provider.
func NewMilitaria321(client *http.Client, logger *slog.Logger) *Militaria321 {
	return &Militaria321{
		fetcher: newFetcher(client, logger),
		logger:  logger,
		baseURL: militariaBaseURL,
	}
}

// Name implements Provider.
func (p *Militaria321) Name() string { return militariaName }

// Throttled implements Provider.
func (p *Militaria321) Throttled() bool { return p.fetcher.isThrottled() }

var (
	militariaAuctionHref = regexp.MustCompile(`auktion/(\d+)`)
	militariaTotalCount  = regexp.MustCompile(`(\d+)\s+(?:Treffer|Ergebnis)`)
	germanPrice          = regexp.MustCompile(`([0-9]{1,3}(?:\.[0-9]{3})*(?:,[0-9]{2})?)\s*€`)
)

// CrawlPage implements Provider. Pagination is startat-based:
// startat = (page-1)*groupsize + 1.
func (p *Militaria321) CrawlPage(ctx context.Context, keyword string, pageIndex int) (*PageResult, error) {
	startAt := (pageIndex-1)*militariaPageSize + 1
	params := url.Values{
		"q":         {keyword},
		"adv":       {"0"},
		"searchcat": {"1"},
		"groupsize": {strconv.Itoa(militariaPageSize)},
		"startat":   {strconv.Itoa(startAt)},
	}

	doc, err := p.fetcher.document(ctx, strings.TrimSuffix(p.baseURL, "/")+"/suchergebnisse.cfm", params)
	if err != nil {
		return nil, err
	}

	result := &PageResult{}
	ids := make(map[string]struct{})     // unique auction IDs on the page, pre-filter
	matched := make(map[string]struct{}) // IDs already turned into a listing

	doc.Find(`a[href*="auktion/"]`).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		m := militariaAuctionHref.FindStringSubmatch(href)
		if m == nil {
			return
		}
		id := m[1]
		ids[id] = struct{}{}
		if _, dup := matched[id]; dup {
			return
		}

		title := strings.TrimSpace(s.Text())
		if title == "" || !matchesKeyword(title, keyword) {
			return
		}
		matched[id] = struct{}{}

		listing := &hunter.Listing{
			Provider:   militariaName,
			ProviderID: id,
			Title:      title,
			URL:        absoluteURL(p.baseURL, href),
			PageIndex:  pageIndex,
		}

		// Price and image sit in the surrounding result container.
		if container := s.Parent(); container != nil {
			if v, cur := parseGermanPrice(container.Text()); v != nil {
				listing.PriceValue = v
				listing.PriceCurrency = cur
			}
			if src, ok := container.Find("img").First().Attr("src"); ok {
				listing.ImageURL = absoluteURL(p.baseURL, src)
			}
		}

		result.Listings = append(result.Listings, listing)
	})

	// Unique auctions on the page, before keyword filtering; drives the
	// has-more decision since filtering can empty a non-final page. Result
	// rows link each auction more than once (thumbnail and title), so
	// anchor counts overshoot and would end the crawl early.
	itemCount := len(ids)

	if m := militariaTotalCount.FindStringSubmatch(doc.Text()); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			result.TotalCount = n
		}
	}

	switch {
	case itemCount == 0:
		result.HasMore = false
	case result.TotalCount > 0:
		result.HasMore = startAt-1+itemCount < result.TotalCount
	default:
		result.HasMore = itemCount >= militariaPageSize
	}

	p.logger.Info("Result page parsed",
		"provider", militariaName,
		"q", keyword,
		"page_index", pageIndex,
		"startat", startAt,
		"items_on_page", len(result.Listings),
		"unique_items", itemCount,
		"total_count", result.TotalCount,
		"has_more", result.HasMore)

	return result, nil
}

var militariaPostedTS = regexp.MustCompile(`(?:Auktionsbeginn|Eingestellt)\s*:?\s*([0-9]{1,2}\.[0-9]{1,2}\.[0-9]{4})\s+([0-9]{1,2}:[0-9]{2})\s+Uhr`)

// FetchDetailTimestamp implements DetailFetcher. The detail page shows the
// posting time as a German "dd.mm.yyyy hh:mm Uhr" string in Berlin local
// time; it is converted to UTC here.
func (p *Militaria321) FetchDetailTimestamp(ctx context.Context, listing *hunter.Listing) (time.Time, error) {
	doc, err := p.fetcher.document(ctx, listing.URL, nil)
	if err != nil {
		return time.Time{}, err
	}

	m := militariaPostedTS.FindStringSubmatch(doc.Text())
	if m == nil {
		return time.Time{}, &hunter.CrawlError{
			Kind: hunter.ErrParse,
			URL:  listing.URL,
			Err:  fmt.Errorf("no posted timestamp on detail page"),
		}
	}
	return parseBerlinTime(m[1], m[2])
}

var berlinTZ = mustLoadBerlin()

func mustLoadBerlin() *time.Location {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		return time.FixedZone("CET", 3600)
	}
	return loc
}

func parseBerlinTime(dateStr, timeStr string) (time.Time, error) {
	t, err := time.ParseInLocation("2.1.2006 15:04", dateStr+" "+timeStr, berlinTZ)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse german timestamp %q %q: %w", dateStr, timeStr, err)
	}
	return t.UTC(), nil
}

// parseGermanPrice extracts the first euro amount from text in German
// notation ("1.234,56 €").
func parseGermanPrice(text string) (*float64, string) {
	m := germanPrice.FindStringSubmatch(text)
	if m == nil {
		return nil, ""
	}
	normalized := strings.ReplaceAll(m[1], ".", "")
	normalized = strings.ReplaceAll(normalized, ",", ".")
	v, err := strconv.ParseFloat(normalized, 64)
	if err != nil {
		return nil, ""
	}
	return &v, "EUR"
}

func absoluteURL(base, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(href, "/")
}
