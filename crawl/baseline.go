package crawl

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"article-hunter/pkg/hunter"
	"article-hunter/provider"
)

// BaselineStore is the persistence surface the baseline builder needs.
type BaselineStore interface {
	// ClaimBaseline atomically moves the pair's status to running and
	// reports whether this caller won the claim. A pair already running
	// is not claimable; this is the single-flight guard.
	ClaimBaseline(ctx context.Context, subscriptionID, providerName string) (bool, error)
	// AddSeenKeys appends keys to the pair's seen-set (grow-only,
	// duplicates ignored). Called per page so an interrupted baseline
	// keeps everything collected so far.
	AddSeenKeys(ctx context.Context, subscriptionID, providerName string, keys []string) error
	// SaveProviderState persists the state's status and telemetry.
	SaveProviderState(ctx context.Context, state *hunter.ProviderState) error
}

// Builder establishes the seen-key baseline for a brand-new (subscription,
// provider) pair. No notification is ever emitted here: baseline defines
// "already known", it does not detect novelty.
type Builder struct {
	crawler *Crawler
	store   BaselineStore
	logger  *slog.Logger
	now     func() time.Time
}

// NewBuilder creates a baseline builder.
func NewBuilder(crawler *Crawler, store BaselineStore, logger *slog.Logger) *Builder {
	return &Builder{crawler: crawler, store: store, logger: logger, now: time.Now}
}

// NeedsRebuild reports whether a pair's seen-set predates the canonical-key
// scheme: empty, or containing keys that fail the canonical format. Such
// pairs are treated as pending and silently rebuilt, absorbing all keys
// without notifications.
func NeedsRebuild(state *hunter.ProviderState, seenKeys map[string]struct{}) bool {
	if state.BaselineStatus != hunter.BaselineComplete {
		return false
	}
	if len(seenKeys) == 0 {
		return true
	}
	for k := range seenKeys {
		if !hunter.ValidKey(k) {
			return true
		}
	}
	return false
}

// Run executes one baseline attempt for the pair. Keys are committed page
// by page, so a partial outcome keeps its progress and re-entry moves
// forward instead of restarting from empty. Outcomes:
//
//	complete: every page fetched until the provider signaled the end
//	partial:  interrupted by throttle or error budget; keys kept
//	error:    zero pages could be fetched at all
func (b *Builder) Run(ctx context.Context, sub *hunter.Subscription, prov provider.Provider, state *hunter.ProviderState) error {
	claimed, err := b.store.ClaimBaseline(ctx, sub.ID, prov.Name())
	if err != nil {
		return fmt.Errorf("claim baseline: %w", err)
	}
	if !claimed {
		b.logger.Info("Baseline already running, skipping",
			"subscription", sub.ID, "provider", prov.Name())
		return nil
	}

	started := b.now()
	state.BaselineStatus = hunter.BaselineRunning
	state.BaselineStartedAt = &started

	b.logger.Info("Baseline crawl starting",
		"subscription", sub.ID, "provider", prov.Name(), "q", sub.Keyword)

	items := 0
	var commitErr error
	res, err := b.crawler.runExhaustive(ctx, prov, sub.Keyword, func(pageIndex int, page *provider.PageResult) int {
		if len(page.Listings) == 0 {
			return 0
		}
		keys := make([]string, 0, len(page.Listings))
		for _, l := range page.Listings {
			keys = append(keys, l.Key())
		}
		if err := b.store.AddSeenKeys(ctx, sub.ID, prov.Name(), keys); err != nil && commitErr == nil {
			commitErr = err
		}
		items += len(page.Listings)
		return len(page.Listings)
	})
	if err != nil {
		// Context cancellation mid-baseline: leave the claim as running;
		// the stale-claim rule in the poll engine resumes it later.
		return err
	}
	if commitErr != nil {
		return fmt.Errorf("commit baseline keys: %w", commitErr)
	}

	finished := b.now()
	state.BaselineFinishedAt = &finished
	state.PagesScanned = res.PagesScanned
	state.ItemsCollected += items
	if res.PagesScanned > state.TotalPagesEstimate {
		state.TotalPagesEstimate = res.PagesScanned
	}

	switch {
	case res.PagesScanned == 0:
		state.BaselineStatus = hunter.BaselineError
		state.ErrorCount++
	case res.Throttle != nil:
		state.BaselineStatus = hunter.BaselinePartial
		until := finished.Add(res.Throttle.Cooldown)
		state.CooldownUntil = &until
	case !res.EndReached:
		state.BaselineStatus = hunter.BaselinePartial
	default:
		state.BaselineStatus = hunter.BaselineComplete
		state.ErrorCount = 0
	}

	if err := b.store.SaveProviderState(ctx, state); err != nil {
		return fmt.Errorf("save baseline state: %w", err)
	}

	b.logger.Info("baseline_result",
		"subscription", sub.ID,
		"provider", prov.Name(),
		"status", string(state.BaselineStatus),
		"pages_scanned", res.PagesScanned,
		"items_collected", items,
		"page_errors", res.PageErrors)

	return nil
}
