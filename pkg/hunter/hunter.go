// Package hunter contains the core domain types for the article-hunter
// notification service: listings, subscriptions, per-provider crawl state,
// canonical listing keys, and the crawl error taxonomy.
package hunter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Listing is a single externally observed item. Listings are transient:
// they are reconstructed on every poll and never persisted as a whole.
// Only their canonical key (in the seen-set) and posted timestamp (in a
// notification record) survive a cycle.
type Listing struct {
	Provider      string     // e.g. "militaria321.com"
	ProviderID    string     // durable ID extracted from the permanent URL
	Title         string
	URL           string
	PriceValue    *float64
	PriceCurrency string     // "EUR", "USD"; empty when price is unknown
	ImageURL      string
	PostedAt      *time.Time // UTC; nil until enriched from the detail page
	EndsAt        *time.Time // auction end, when the site exposes it
	PageIndex     int        // result page the listing was found on (diagnostic only)
}

// Key returns the canonical key for the listing.
func (l *Listing) Key() string {
	return CanonicalKey(l.Provider, l.ProviderID)
}

var numericID = regexp.MustCompile(`(\d+)`)

// CanonicalKey builds the stable "<provider>:<id>" identity for a listing.
// The ID portion is reduced to the first numeric run when one exists, so
// URL slugs or trailing path segments attached to the raw ID collapse to
// the same key across crawls.
func CanonicalKey(provider, providerID string) string {
	p := strings.ToLower(strings.TrimSpace(provider))
	id := strings.TrimSpace(providerID)
	if m := numericID.FindString(id); m != "" {
		id = m
	}
	return p + ":" + id
}

var keyFormat = regexp.MustCompile(`^[a-z0-9.-]+:[A-Za-z0-9_-]+$`)

// ValidKey reports whether s looks like a canonical listing key. Seen-sets
// containing keys that fail this check predate the canonical-key scheme and
// must be rebuilt via a fresh baseline.
func ValidKey(s string) bool {
	return keyFormat.MatchString(s)
}

// BaselineStatus is the state machine for a (subscription, provider) pair.
type BaselineStatus string

const (
	BaselinePending  BaselineStatus = "pending"
	BaselineRunning  BaselineStatus = "running"
	BaselineComplete BaselineStatus = "complete"
	BaselinePartial  BaselineStatus = "partial"
	BaselineError    BaselineStatus = "error"
)

// PollMode selects the pagination strategy for a provider state.
type PollMode string

const (
	// PollModeFull scans every page each cycle. Required for sites that
	// sort results by auction end time, where a new item can land on any
	// page.
	PollModeFull PollMode = "full"
	// PollModeRotate rescans a few primary pages plus a rotating window.
	// Legacy; lazily upgraded to full on first poll.
	PollModeRotate PollMode = "rotate"
)

// Subscription is one user's watch on one keyword across all providers.
type Subscription struct {
	ID                  string     `db:"id"`
	UserID              string     `db:"user_id"`
	ChatID              int64      `db:"chat_id"`
	Keyword             string     `db:"keyword"`
	NormalizedKeyword   string     `db:"normalized_keyword"`
	SinceTS             time.Time  `db:"since_ts"` // immutable newness cutoff
	Active              bool       `db:"active"`
	Paused              bool       `db:"paused"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
	LastChecked         *time.Time `db:"last_checked"`
	LastSuccess         *time.Time `db:"last_success"`
	ConsecutiveFailures int        `db:"consecutive_failures"`
}

// ProviderState is the crawl bookkeeping for one (subscription, provider)
// pair. The seen-key set lives in its own table and is loaded separately;
// it only ever grows.
type ProviderState struct {
	SubscriptionID     string         `db:"subscription_id"`
	Provider           string         `db:"provider"`
	BaselineStatus     BaselineStatus `db:"baseline_status"`
	BaselineStartedAt  *time.Time     `db:"baseline_started_at"`
	BaselineFinishedAt *time.Time     `db:"baseline_finished_at"`
	PagesScanned       int            `db:"pages_scanned"`
	ItemsCollected     int            `db:"items_collected"`
	ErrorCount         int            `db:"error_count"`
	PollMode           PollMode       `db:"poll_mode"`
	CursorPage         int            `db:"cursor_page"`
	TotalPagesEstimate int            `db:"total_pages_estimate"`
	CooldownUntil      *time.Time     `db:"cooldown_until"`
}

// InCooldown reports whether crawling for this pair is suspended at t.
func (ps *ProviderState) InCooldown(t time.Time) bool {
	return ps.CooldownUntil != nil && t.Before(*ps.CooldownUntil)
}

// NotificationRecord is the idempotency witness for one (subscription,
// listing) push. At most one record per (SubscriptionID, ListingKey) ever
// exists; creating it is the only action gated before a message is sent.
type NotificationRecord struct {
	SubscriptionID string    `db:"subscription_id"`
	ListingKey     string    `db:"listing_key"`
	SentAt         time.Time `db:"sent_at"`
}

// Decision is the outcome of the newness gate for one candidate listing.
type Decision int

const (
	DecisionPush Decision = iota
	DecisionAlreadySeen
	DecisionTooOld
	DecisionDuplicate
)

func (d Decision) String() string {
	switch d {
	case DecisionPush:
		return "push"
	case DecisionAlreadySeen:
		return "already_seen"
	case DecisionTooOld:
		return "too_old"
	case DecisionDuplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// ErrKind classifies a crawl failure.
type ErrKind int

const (
	// ErrNetwork is a transient transport failure; retried a bounded
	// number of times, then the page is skipped.
	ErrNetwork ErrKind = iota
	// ErrParse means the page fetched but its structure was not
	// recognized; the page is treated as empty and the crawl continues.
	ErrParse
	// ErrRateLimited is a provider throttle signal (HTTP 429); triggers a
	// short cooldown for the (subscription, provider) pair.
	ErrRateLimited
	// ErrBlocked is a block page or automated challenge; triggers a long
	// cooldown.
	ErrBlocked
)

func (k ErrKind) String() string {
	switch k {
	case ErrNetwork:
		return "network"
	case ErrParse:
		return "parse_failure"
	case ErrRateLimited:
		return "rate_limited"
	case ErrBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("errkind(%d)", int(k))
	}
}

// CrawlError is a classified provider failure.
type CrawlError struct {
	Kind ErrKind
	URL  string
	Err  error
}

func (e *CrawlError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.URL, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.URL)
}

func (e *CrawlError) Unwrap() error { return e.Err }

// KindOf extracts the error kind from err, defaulting to ErrNetwork for
// unclassified failures (timeouts and cancellations behave like transport
// errors).
func KindOf(err error) ErrKind {
	var ce *CrawlError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrNetwork
}

// IsThrottle reports whether err is a rate-limit or block signal. Throttle
// signals are not crawl failures: the orchestrator converts them into a
// cooldown instead of propagating them.
func IsThrottle(err error) bool {
	k := KindOf(err)
	return k == ErrRateLimited || k == ErrBlocked
}

// ErrConflict indicates a uniqueness violation on insert, e.g. a
// notification record that already exists.
var ErrConflict = errors.New("conflict")

// ErrNotFound indicates a missing row.
var ErrNotFound = errors.New("not found")
