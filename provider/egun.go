package provider

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"article-hunter/pkg/hunter"
)

const (
	egunName    = "egun.de"
	egunBaseURL = "https://www.egun.de/market/"
)

// Egun crawls egun.de keyword searches. The site exposes no reliable posted
// timestamp anywhere, so this provider deliberately does not implement the
// detail-timestamp capability: every candidate goes through the grace-window
// rule instead.
type Egun struct {
	fetcher *fetcher
	logger  *slog.Logger
	baseURL string
}

// NewEgun creates the egun.de provider.
func NewEgun(client *http.Client, logger *slog.Logger) *Egun {
	return &Egun{
		fetcher: newFetcher(client, logger),
		logger:  logger,
		baseURL: egunBaseURL,
	}
}

// Name implements Provider.
func (p *Egun) Name() string { return egunName }

// Throttled implements Provider.
func (p *Egun) Throttled() bool { return p.fetcher.isThrottled() }

var (
	egunItemHref   = regexp.MustCompile(`item\.php\?id=(\d+)`)
	egunTotalCount = regexp.MustCompile(`(?i)(\d+)\s+(?:Treffer|Artikel|Ergebnisse)`)
)

// CrawlPage implements Provider. Pagination is page-number based; the next
// page exists when the page links to page+1.
func (p *Egun) CrawlPage(ctx context.Context, keyword string, pageIndex int) (*PageResult, error) {
	params := url.Values{
		"mode":      {"qry"},
		"query":     {keyword},
		"plusdescr": {"off"},
		"wheremode": {"and"},
		"page":      {strconv.Itoa(pageIndex)},
	}

	doc, err := p.fetcher.document(ctx, strings.TrimSuffix(p.baseURL, "/")+"/list_items.php", params)
	if err != nil {
		return nil, err
	}

	result := &PageResult{}
	seen := make(map[string]struct{})

	doc.Find(`a[href*="item.php?id="]`).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		m := egunItemHref.FindStringSubmatch(href)
		if m == nil {
			return
		}
		id := m[1]
		if _, dup := seen[id]; dup {
			return
		}

		title := strings.TrimSpace(s.Text())
		if title == "" || !matchesKeyword(title, keyword) {
			return
		}
		seen[id] = struct{}{}

		listing := &hunter.Listing{
			Provider:   egunName,
			ProviderID: id,
			Title:      title,
			URL:        absoluteURL(p.baseURL, href),
			PageIndex:  pageIndex,
		}

		// Row-level cells carry the current bid and a thumbnail.
		if row := s.Closest("tr"); row.Length() > 0 {
			if v, cur := parseGermanPrice(row.Text()); v != nil {
				listing.PriceValue = v
				listing.PriceCurrency = cur
			}
			if src, ok := row.Find("img").First().Attr("src"); ok {
				listing.ImageURL = absoluteURL(p.baseURL, src)
			}
		}

		result.Listings = append(result.Listings, listing)
	})

	if m := egunTotalCount.FindStringSubmatch(doc.Text()); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			result.TotalCount = n
		}
	}

	result.HasMore = p.hasNextPage(doc, pageIndex)

	p.logger.Info("Result page parsed",
		"provider", egunName,
		"q", keyword,
		"page_index", pageIndex,
		"items_on_page", len(result.Listings),
		"total_count", result.TotalCount,
		"has_more", result.HasMore)

	return result, nil
}

// hasNextPage looks for a pagination link pointing at page+1.
func (p *Egun) hasNextPage(doc *goquery.Document, current int) bool {
	next := strconv.Itoa(current + 1)
	found := false
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		if !strings.Contains(href, "list_items.php") {
			return true
		}
		u, err := url.Parse(href)
		if err != nil {
			return true
		}
		if u.Query().Get("page") == next {
			found = true
			return false
		}
		return true
	})
	return found
}
