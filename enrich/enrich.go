// Package enrich resolves posted timestamps for candidate listings by
// fetching their detail pages through a bounded-concurrency worker pool.
package enrich

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"article-hunter/pkg/hunter"
	"article-hunter/provider"
)

// DefaultConcurrency caps detail fetches in flight per poll cycle, so the
// cycle's detail load is independent of how many new items were found.
const DefaultConcurrency = 4

// Pool fetches detail timestamps with bounded concurrency. A small LRU
// keyed by canonical key is shared across poll tasks: the same listing can
// surface for several subscriptions in the same minute, and its posted
// timestamp never changes.
type Pool struct {
	concurrency int
	cache       *lru.Cache[string, time.Time]
	logger      *slog.Logger
}

// New creates a Pool. concurrency values below 1 fall back to the default.
func New(concurrency int, logger *slog.Logger) *Pool {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	cache, _ := lru.New[string, time.Time](4096)
	return &Pool{concurrency: concurrency, cache: cache, logger: logger}
}

// Enrich resolves PostedAt for every listing that lacks it, using the
// provider's detail-timestamp capability. Fetches are independent: one
// failure does not block the others, and a listing whose fetch fails keeps
// a nil PostedAt and falls through to the grace-window rule. If the
// provider lacks the capability this is a no-op.
func (p *Pool) Enrich(ctx context.Context, prov provider.Provider, listings []*hunter.Listing) {
	df, ok := prov.(provider.DetailFetcher)
	if !ok {
		return
	}

	var pending []*hunter.Listing
	for _, l := range listings {
		if l.PostedAt != nil {
			continue
		}
		if ts, hit := p.cache.Get(l.Key()); hit {
			t := ts
			l.PostedAt = &t
			continue
		}
		pending = append(pending, l)
	}
	if len(pending) == 0 {
		return
	}

	p.logger.Info("Detail enrichment starting",
		"provider", prov.Name(),
		"candidates", len(pending),
		"concurrency", p.concurrency)

	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	for _, l := range pending {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(l *hunter.Listing) {
			defer wg.Done()
			defer func() { <-sem }()

			ts, err := df.FetchDetailTimestamp(ctx, l)
			if err != nil {
				p.logger.Warn("Detail fetch failed, falling back to grace window",
					"provider", prov.Name(),
					"listing_key", l.Key(),
					"error", err)
				return
			}
			utc := ts.UTC()
			l.PostedAt = &utc
			p.cache.Add(l.Key(), utc)
		}(l)
	}
	wg.Wait()
}
