// Package gate holds the seen-set and newness decision logic: given a
// candidate listing and the persisted per-provider seen-key set, decide
// whether it warrants a push, with strict precision about "new" versus
// "newly observed".
package gate

import (
	"log/slog"
	"time"

	"article-hunter/pkg/hunter"
)

// DefaultGraceWindow is how long after subscription creation a listing
// without a posted timestamp is still eligible for a push.
const DefaultGraceWindow = 60 * time.Minute

// Gate evaluates candidates for one (subscription, provider) pair within
// one poll cycle. It is not safe for concurrent use; each poll task owns
// its own Gate.
type Gate struct {
	seen    map[string]struct{}
	decided map[string]hunter.Decision // keys evaluated earlier this cycle
	newKeys []string                   // keys to append to the persisted seen-set
	sinceTS time.Time
	grace   time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithGraceWindow overrides the default grace window.
func WithGraceWindow(d time.Duration) Option {
	return func(g *Gate) { g.grace = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New creates a Gate over the persisted seen-key set. The set is not
// mutated; newly decided keys are collected via NewKeys for an atomic
// append after the cycle.
func New(seenKeys map[string]struct{}, sinceTS time.Time, logger *slog.Logger, opts ...Option) *Gate {
	g := &Gate{
		seen:    seenKeys,
		decided: make(map[string]hunter.Decision),
		sinceTS: sinceTS,
		grace:   DefaultGraceWindow,
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Seen reports whether key is already in the persisted seen-set. Used to
// pick enrichment candidates before the gate runs.
func (g *Gate) Seen(key string) bool {
	_, ok := g.seen[key]
	return ok
}

// Decide evaluates one candidate. Rules, in order: already-seen, duplicate
// within this cycle, posted-timestamp versus since_ts (inclusive at
// equality), grace window when no timestamp exists. Every evaluated key is
// recorded exactly once; a key is never re-evaluated within the cycle.
func (g *Gate) Decide(l *hunter.Listing) hunter.Decision {
	key := l.Key()

	if _, ok := g.seen[key]; ok {
		return hunter.DecisionAlreadySeen
	}
	if prev, ok := g.decided[key]; ok {
		if prev == hunter.DecisionPush {
			return hunter.DecisionDuplicate
		}
		return prev
	}

	var d hunter.Decision
	var reason string
	switch {
	case l.PostedAt != nil && !l.PostedAt.Before(g.sinceTS):
		d, reason = hunter.DecisionPush, "posted_ts>=since_ts"
	case l.PostedAt != nil:
		d, reason = hunter.DecisionTooOld, "posted_ts<since_ts"
	case g.now().Sub(g.sinceTS) <= g.grace:
		d, reason = hunter.DecisionPush, "grace_window_allowed"
	default:
		d, reason = hunter.DecisionTooOld, "no_posted_ts_beyond_grace"
	}

	g.decided[key] = d
	g.newKeys = append(g.newKeys, key)

	g.logger.Info("decision",
		"provider", l.Provider,
		"listing_key", key,
		"posted_ts", tsOrNil(l.PostedAt),
		"since_ts", g.sinceTS.Format(time.RFC3339),
		"decision", d.String(),
		"reason", reason)

	return d
}

// NewKeys returns the keys decided this cycle, in decision order. All of
// them, pushed or too old alike, join the persisted seen-set so the
// outcome is never re-evaluated.
func (g *Gate) NewKeys() []string {
	return g.newKeys
}

func tsOrNil(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
