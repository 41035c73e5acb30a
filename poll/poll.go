// Package poll runs the per-subscription check cycle: baseline management,
// crawling each provider, timestamp enrichment, the newness gate, and
// at-most-once notification delivery.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"article-hunter/crawl"
	"article-hunter/enrich"
	"article-hunter/gate"
	"article-hunter/pkg/hunter"
	"article-hunter/provider"
	"article-hunter/store"
)

// Store is the persistence surface the engine needs.
type Store interface {
	GetSubscription(ctx context.Context, id string) (*hunter.Subscription, error)
	TouchSubscription(ctx context.Context, id string, args store.TouchArgs) error
	GetOrCreateProviderState(ctx context.Context, subscriptionID, provider string) (*hunter.ProviderState, error)
	SaveProviderState(ctx context.Context, st *hunter.ProviderState) error
	MarkBaselinePending(ctx context.Context, subscriptionID, provider string) error
	GetSeenKeys(ctx context.Context, subscriptionID, provider string) (map[string]struct{}, error)
	AddSeenKeys(ctx context.Context, subscriptionID, provider string, keys []string) error
	CreateNotification(ctx context.Context, rec *hunter.NotificationRecord) error
}

// Notifier delivers one listing push to the subscription's owner.
type Notifier interface {
	SendListing(ctx context.Context, sub *hunter.Subscription, listing *hunter.Listing) error
}

// Stats summarizes one poll cycle across all providers.
type Stats struct {
	PagesScanned int
	ItemsFound   int
	Pushed       int
	Errors       int
	Skipped      int // pairs sat out in cooldown or behind a throttle
}

// Engine drives poll cycles. One Engine serves all subscriptions; the
// scheduler guarantees at most one concurrent cycle per subscription.
type Engine struct {
	store     Store
	providers []provider.Provider
	crawler   *crawl.Crawler
	baseline  *crawl.Builder
	enricher  *enrich.Pool
	notifier  Notifier
	grace     time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a poll engine.
func New(st Store, providers []provider.Provider, crawler *crawl.Crawler, baseline *crawl.Builder, enricher *enrich.Pool, notifier Notifier, grace time.Duration, logger *slog.Logger) *Engine {
	if grace <= 0 {
		grace = gate.DefaultGraceWindow
	}
	return &Engine{
		store:     st,
		providers: providers,
		crawler:   crawler,
		baseline:  baseline,
		enricher:  enricher,
		notifier:  notifier,
		grace:     grace,
		logger:    logger,
		now:       time.Now,
	}
}

// RunPoll executes one full check cycle for the subscription.
func (e *Engine) RunPoll(ctx context.Context, subscriptionID string) error {
	_, err := e.Check(ctx, subscriptionID)
	return err
}

// Check executes one full check cycle and returns its stats. Deleted or
// deactivated subscriptions return ErrNotFound so the caller can stop the
// job; paused ones are a no-op.
func (e *Engine) Check(ctx context.Context, subscriptionID string) (*Stats, error) {
	sub, err := e.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !sub.Active {
		return nil, hunter.ErrNotFound
	}
	if sub.Paused {
		e.logger.Debug("Subscription paused, skipping cycle", "subscription", sub.ID)
		return &Stats{}, nil
	}

	e.logger.Info("Poll cycle starting", "subscription", sub.ID, "q", sub.Keyword)

	stats := &Stats{}
	for _, prov := range e.providers {
		if err := e.pollProvider(ctx, sub, prov, stats); err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Errors++
			e.logger.Warn("Provider cycle failed",
				"subscription", sub.ID, "provider", prov.Name(), "error", err)
		}
	}

	// A pair skipped for cooldown was never attempted: it is neither a
	// success nor a failure. A cycle where every pair sat out only
	// advances last_checked, so a prolonged block stays visible.
	now := e.now().UTC()
	attempted := len(e.providers) - stats.Skipped
	touch := store.TouchArgs{LastChecked: now}
	switch {
	case attempted == 0:
	case stats.Errors == attempted:
		touch.Failed = true
	default:
		touch.LastSuccess = &now
	}
	if err := e.store.TouchSubscription(ctx, sub.ID, touch); err != nil {
		e.logger.Warn("Telemetry update failed", "subscription", sub.ID, "error", err)
	}

	e.logger.Info("Poll cycle completed",
		"subscription", sub.ID,
		"pages_scanned", stats.PagesScanned,
		"items_found", stats.ItemsFound,
		"pushed", stats.Pushed,
		"provider_errors", stats.Errors)
	return stats, nil
}

// pollProvider runs the cycle for one (subscription, provider) pair:
// cooldown check, baseline when needed, otherwise crawl + gate + push.
func (e *Engine) pollProvider(ctx context.Context, sub *hunter.Subscription, prov provider.Provider, stats *Stats) error {
	state, err := e.store.GetOrCreateProviderState(ctx, sub.ID, prov.Name())
	if err != nil {
		return err
	}

	now := e.now()
	if state.InCooldown(now) {
		e.logger.Info("Pair in cooldown, skipping",
			"subscription", sub.ID, "provider", prov.Name(),
			"cooldown_until", state.CooldownUntil.UTC().Format(time.RFC3339))
		stats.Skipped++
		return nil
	}
	if prov.Throttled() {
		e.logger.Info("Provider throttled, skipping",
			"subscription", sub.ID, "provider", prov.Name())
		stats.Skipped++
		return nil
	}

	seen, err := e.store.GetSeenKeys(ctx, sub.ID, prov.Name())
	if err != nil {
		return err
	}

	// Seen-sets that predate the canonical-key scheme are rebuilt silently:
	// the fresh baseline absorbs every key without a single push.
	if crawl.NeedsRebuild(state, seen) {
		e.logger.Warn("Seen-set invalid, scheduling silent rebuild",
			"subscription", sub.ID, "provider", prov.Name(), "keys", len(seen))
		if err := e.store.MarkBaselinePending(ctx, sub.ID, prov.Name()); err != nil {
			return err
		}
		state.BaselineStatus = hunter.BaselinePending
		seen = map[string]struct{}{}
	}

	if state.BaselineStatus != hunter.BaselineComplete {
		return e.baseline.Run(ctx, sub, prov, state)
	}

	// Legacy rotating states upgrade lazily: end-time sorting means a new
	// item can surface on any page, so every cycle must be exhaustive.
	if state.PollMode == hunter.PollModeRotate {
		e.logger.Info("Upgrading poll mode",
			"subscription", sub.ID, "provider", prov.Name(),
			"from", string(hunter.PollModeRotate), "to", string(hunter.PollModeFull))
		state.PollMode = hunter.PollModeFull
	}

	g := gate.New(seen, sub.SinceTS, e.logger,
		gate.WithGraceWindow(e.grace))

	var candidates []*hunter.Listing
	res, err := e.crawler.Run(ctx, prov, sub.Keyword, state, func(_ int, page *provider.PageResult) int {
		unseen := 0
		for _, l := range page.Listings {
			if !g.Seen(l.Key()) {
				unseen++
				candidates = append(candidates, l)
			}
		}
		return unseen
	})
	if err != nil {
		return err
	}
	stats.PagesScanned += res.PagesScanned
	stats.ItemsFound += res.ItemsFound

	// Resolve posted timestamps for the unseen candidates only; everything
	// already seen never reaches the gate.
	e.enricher.Enrich(ctx, prov, candidates)

	for _, l := range candidates {
		if g.Decide(l) != hunter.DecisionPush {
			continue
		}
		if err := e.push(ctx, sub, l); err != nil {
			e.logger.Warn("Push failed",
				"subscription", sub.ID, "listing_key", l.Key(), "error", err)
			continue
		}
		stats.Pushed++
	}

	if err := e.store.AddSeenKeys(ctx, sub.ID, prov.Name(), g.NewKeys()); err != nil {
		return err
	}

	if res.Throttle != nil {
		until := e.now().Add(res.Throttle.Cooldown)
		state.CooldownUntil = &until
		e.logger.Warn("Cooldown set",
			"subscription", sub.ID, "provider", prov.Name(),
			"kind", res.Throttle.Kind.String(),
			"cooldown_until", until.UTC().Format(time.RFC3339))
	} else {
		state.CooldownUntil = nil
	}
	if res.PagesScanned > state.TotalPagesEstimate {
		state.TotalPagesEstimate = res.PagesScanned
	}
	state.PagesScanned = res.PagesScanned
	return e.store.SaveProviderState(ctx, state)
}

// push records the notification first, then sends. The record is the
// idempotency witness: once it exists the message is never re-sent, even
// if this delivery attempt fails (at-most-once).
func (e *Engine) push(ctx context.Context, sub *hunter.Subscription, l *hunter.Listing) error {
	rec := &hunter.NotificationRecord{
		SubscriptionID: sub.ID,
		ListingKey:     l.Key(),
		SentAt:         e.now().UTC(),
	}
	if err := e.store.CreateNotification(ctx, rec); err != nil {
		if errors.Is(err, hunter.ErrConflict) {
			e.logger.Info("Notification already recorded, not re-sending",
				"subscription", sub.ID, "listing_key", l.Key())
			return nil
		}
		return fmt.Errorf("record notification: %w", err)
	}
	if err := e.notifier.SendListing(ctx, sub, l); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	return nil
}
