package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"article-hunter/pkg/hunter"
)

func militariaSearchPage(total int, rows string) string {
	return fmt.Sprintf(`<html><body>
<div>%d Treffer für Ihre Suche</div>
<table>%s</table>
</body></html>`, total, rows)
}

func militariaRow(id, title, price string) string {
	return fmt.Sprintf(`<tr><td>
<img src="/thumbs/%s.jpg">
<a href="/auktion/%s/irrelevant-slug">%s</a>
<span>%s</span>
</td></tr>`, id, id, title, price)
}

func listingAt(url string) *hunter.Listing {
	return &hunter.Listing{
		Provider:   militariaName,
		ProviderID: "5059481",
		Title:      "Pickelhaube M1915",
		URL:        url,
	}
}

func TestMilitaria321CrawlPage(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"q":         r.URL.Query().Get("q"),
			"groupsize": r.URL.Query().Get("groupsize"),
			"startat":   r.URL.Query().Get("startat"),
		}
		rows := militariaRow("5059481", "Preußische Pickelhaube M1915", "1.234,56 €") +
			militariaRow("5059482", "Pickelhaube Bayern", "250,00 €") +
			militariaRow("5059483", "Stahlhelm M42", "85,00 €")
		fmt.Fprint(w, militariaSearchPage(54, rows))
	}))
	defer srv.Close()

	p := NewMilitaria321(srv.Client(), testLogger)
	p.baseURL = srv.URL

	res, err := p.CrawlPage(context.Background(), "pickelhaube", 1)
	if err != nil {
		t.Fatalf("CrawlPage failed: %v", err)
	}

	if gotQuery["q"] != "pickelhaube" {
		t.Errorf("q = %q, want pickelhaube", gotQuery["q"])
	}
	if gotQuery["groupsize"] != "25" || gotQuery["startat"] != "1" {
		t.Errorf("pagination params = %v, want groupsize=25 startat=1", gotQuery)
	}

	// The Stahlhelm row fails the keyword filter.
	if len(res.Listings) != 2 {
		t.Fatalf("parsed %d listings, want 2", len(res.Listings))
	}
	first := res.Listings[0]
	if first.ProviderID != "5059481" {
		t.Errorf("ProviderID = %q, want 5059481", first.ProviderID)
	}
	if first.Key() != "militaria321.com:5059481" {
		t.Errorf("Key() = %q, want canonical form", first.Key())
	}
	if first.URL != srv.URL+"/auktion/5059481/irrelevant-slug" {
		t.Errorf("URL = %q, want absolute auction link", first.URL)
	}
	if first.PriceValue == nil || *first.PriceValue != 1234.56 || first.PriceCurrency != "EUR" {
		t.Errorf("price = %v %s, want 1234.56 EUR", first.PriceValue, first.PriceCurrency)
	}
	if first.ImageURL == "" {
		t.Error("image URL should be extracted from the result row")
	}

	if res.TotalCount != 54 {
		t.Errorf("TotalCount = %d, want 54", res.TotalCount)
	}
	if !res.HasMore {
		t.Error("HasMore should be true with 3 of 54 results on the page")
	}
}

func TestMilitaria321PaginationStartAt(t *testing.T) {
	var startats []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startats = append(startats, r.URL.Query().Get("startat"))
		fmt.Fprint(w, militariaSearchPage(100, ""))
	}))
	defer srv.Close()

	p := NewMilitaria321(srv.Client(), testLogger)
	p.baseURL = srv.URL

	for page := 1; page <= 3; page++ {
		if _, err := p.CrawlPage(context.Background(), "helm", page); err != nil {
			t.Fatalf("CrawlPage(%d) failed: %v", page, err)
		}
	}

	want := []string{"1", "26", "51"}
	for i := range want {
		if startats[i] != want[i] {
			t.Errorf("page %d startat = %q, want %q", i+1, startats[i], want[i])
		}
	}
}

// Real result rows link each auction twice: once from the thumbnail and
// once from the title. Coverage must count unique auctions, or a crawl of
// double-linked pages stops halfway through the results.
func militariaDoubleLinkedRow(id, title string) string {
	return fmt.Sprintf(`<tr><td>
<a href="/auktion/%s/x"><img src="/thumbs/%s.jpg"></a>
<a href="/auktion/%s/x">%s</a>
</td></tr>`, id, id, id, title)
}

func TestMilitaria321HasMoreCountsUniqueAuctions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start, _ := strconv.Atoi(r.URL.Query().Get("startat"))
		var rows strings.Builder
		for i := 0; i < 25 && start+i <= 100; i++ {
			id := strconv.Itoa(start + i)
			rows.WriteString(militariaDoubleLinkedRow(id, "Pickelhaube "+id))
		}
		fmt.Fprint(w, militariaSearchPage(100, rows.String()))
	}))
	defer srv.Close()

	p := NewMilitaria321(srv.Client(), testLogger)
	p.baseURL = srv.URL

	// Page 3 covers items 51-75 of 100.
	res, err := p.CrawlPage(context.Background(), "pickelhaube", 3)
	if err != nil {
		t.Fatalf("CrawlPage(3) failed: %v", err)
	}
	if len(res.Listings) != 25 {
		t.Errorf("parsed %d listings, want 25", len(res.Listings))
	}
	if !res.HasMore {
		t.Error("page 3 of 100 results must report more pages despite double-linked rows")
	}

	// Page 4 covers items 76-100, the true final page.
	res, err = p.CrawlPage(context.Background(), "pickelhaube", 4)
	if err != nil {
		t.Fatalf("CrawlPage(4) failed: %v", err)
	}
	if res.HasMore {
		t.Error("page 4 covers the last of 100 results and must end the crawl")
	}
}

func TestMilitaria321LastPageHasNoMore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		rows := militariaRow("1", "Pickelhaube A", "10,00 €") +
			militariaRow("2", "Pickelhaube B", "20,00 €")
		fmt.Fprint(w, militariaSearchPage(2, rows))
	}))
	defer srv.Close()

	p := NewMilitaria321(srv.Client(), testLogger)
	p.baseURL = srv.URL

	res, err := p.CrawlPage(context.Background(), "pickelhaube", 1)
	if err != nil {
		t.Fatalf("CrawlPage failed: %v", err)
	}
	if res.HasMore {
		t.Error("HasMore should be false when the page covers the full result count")
	}
}

func TestMilitaria321EmptyResultPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><div>0 Treffer</div></body></html>`)
	}))
	defer srv.Close()

	p := NewMilitaria321(srv.Client(), testLogger)
	p.baseURL = srv.URL

	res, err := p.CrawlPage(context.Background(), "pickelhaube", 1)
	if err != nil {
		t.Fatalf("CrawlPage failed: %v", err)
	}
	if len(res.Listings) != 0 || res.HasMore {
		t.Errorf("empty page parsed as %d listings, HasMore=%v", len(res.Listings), res.HasMore)
	}
}

func TestMilitaria321DeduplicatesRepeatedLinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// The same auction linked twice (title link and image link).
		rows := `<tr><td>
<a href="/auktion/77/pickelhaube-m1915">Pickelhaube M1915</a>
<a href="/auktion/77/pickelhaube-m1915">Pickelhaube M1915</a>
</td></tr>`
		fmt.Fprint(w, militariaSearchPage(1, rows))
	}))
	defer srv.Close()

	p := NewMilitaria321(srv.Client(), testLogger)
	p.baseURL = srv.URL

	res, err := p.CrawlPage(context.Background(), "pickelhaube", 1)
	if err != nil {
		t.Fatalf("CrawlPage failed: %v", err)
	}
	if len(res.Listings) != 1 {
		t.Errorf("parsed %d listings, want 1 after dedup", len(res.Listings))
	}
}

func TestMilitaria321FetchDetailTimestamp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body>
<h1>Pickelhaube M1915</h1>
<div>Auktionsbeginn: 04.10.2025 13:21 Uhr</div>
</body></html>`)
	}))
	defer srv.Close()

	p := NewMilitaria321(srv.Client(), testLogger)
	l := listingAt(srv.URL + "/auktion/5059481")

	got, err := p.FetchDetailTimestamp(context.Background(), l)
	if err != nil {
		t.Fatalf("FetchDetailTimestamp failed: %v", err)
	}

	// October 4th is CEST (UTC+2).
	want := time.Date(2025, 10, 4, 11, 21, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("timestamp = %v, want %v", got, want)
	}
}

func TestMilitaria321DetailTimestampMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><h1>Pickelhaube</h1></body></html>`)
	}))
	defer srv.Close()

	p := NewMilitaria321(srv.Client(), testLogger)
	_, err := p.FetchDetailTimestamp(context.Background(), listingAt(srv.URL+"/auktion/1"))
	if err == nil {
		t.Fatal("expected an error for a detail page without a timestamp")
	}
}

func TestParseBerlinTime(t *testing.T) {
	tests := []struct {
		date string
		tod  string
		want time.Time
	}{
		// CEST, UTC+2.
		{"04.10.2025", "13:21", time.Date(2025, 10, 4, 11, 21, 0, 0, time.UTC)},
		// CET, UTC+1.
		{"15.01.2026", "12:00", time.Date(2026, 1, 15, 11, 0, 0, 0, time.UTC)},
		// Single-digit day and month.
		{"4.1.2026", "09:05", time.Date(2026, 1, 4, 8, 5, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := parseBerlinTime(tt.date, tt.tod)
		if err != nil {
			t.Errorf("parseBerlinTime(%q, %q) failed: %v", tt.date, tt.tod, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseBerlinTime(%q, %q) = %v, want %v", tt.date, tt.tod, got, tt.want)
		}
	}
}
