// Package store is the sqlite persistence layer: subscriptions, per-provider
// crawl state, the grow-only seen-key sets, and notification records.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"

	"article-hunter/pkg/hunter"
)

// staleClaimAge is how long a baseline may sit in running before another
// worker is allowed to reclaim it. Covers crashes mid-baseline.
const staleClaimAge = 30 * time.Minute

// Store wraps the database handle.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// New creates a Store over an already-migrated database.
func New(dbx *sqlx.DB) *Store {
	return &Store{db: dbx, now: time.Now}
}

// Open opens the sqlite database at path with the pragmas the service
// needs and applies migrations.
func Open(path string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	dbx, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if err := Migrate(dbx); err != nil {
		dbx.Close()
		return nil, err
	}
	return dbx, nil
}

func isConflict(err error) bool {
	if sqliteErr := (&sqlite.Error{}); errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == 1555 || code == 2067 // PK / unique index violation
	}
	return false
}

// CreateSubscription inserts a new subscription. A second active
// subscription on the same (user, normalized keyword) returns ErrConflict.
func (s *Store) CreateSubscription(ctx context.Context, sub *hunter.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	const q = `INSERT INTO subscriptions
		(id, user_id, chat_id, keyword, normalized_keyword, since_ts, active, paused,
		 created_at, updated_at, last_checked, last_success, consecutive_failures)
	VALUES
		(:id, :user_id, :chat_id, :keyword, :normalized_keyword, :since_ts, :active, :paused,
		 :created_at, :updated_at, :last_checked, :last_success, :consecutive_failures);`
	_, err := s.db.NamedExecContext(ctx, q, sub)
	if isConflict(err) {
		return fmt.Errorf("subscription already exists: %w", hunter.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("error inserting subscription: %w", err)
	}
	return nil
}

// GetSubscription fetches one subscription by ID.
func (s *Store) GetSubscription(ctx context.Context, id string) (*hunter.Subscription, error) {
	const q = `SELECT * FROM subscriptions WHERE id = ?;`
	var sub hunter.Subscription
	err := s.db.GetContext(ctx, &sub, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, hunter.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error fetching subscription: %w", err)
	}
	return &sub, nil
}

// ListSubscriptions returns a user's active subscriptions, oldest first.
func (s *Store) ListSubscriptions(ctx context.Context, userID string) ([]*hunter.Subscription, error) {
	const q = `SELECT * FROM subscriptions WHERE user_id = ? AND active ORDER BY created_at;`
	var subs []*hunter.Subscription
	if err := s.db.SelectContext(ctx, &subs, q, userID); err != nil {
		return nil, fmt.Errorf("error listing subscriptions: %w", err)
	}
	return subs, nil
}

// ListActiveSubscriptions returns every active subscription. Used at
// startup to resume polling after a restart.
func (s *Store) ListActiveSubscriptions(ctx context.Context) ([]*hunter.Subscription, error) {
	const q = `SELECT * FROM subscriptions WHERE active ORDER BY created_at;`
	var subs []*hunter.Subscription
	if err := s.db.SelectContext(ctx, &subs, q); err != nil {
		return nil, fmt.Errorf("error listing active subscriptions: %w", err)
	}
	return subs, nil
}

// DeleteSubscription removes a subscription and, via cascade, its provider
// states, seen keys and notification records.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("error deleting subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hunter.ErrNotFound
	}
	return nil
}

// SetPaused flips a subscription's paused flag.
func (s *Store) SetPaused(ctx context.Context, id string, paused bool) error {
	const q = `UPDATE subscriptions SET paused = ?, updated_at = ? WHERE id = ? AND active;`
	res, err := s.db.ExecContext(ctx, q, paused, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("error updating paused flag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return hunter.ErrNotFound
	}
	return nil
}

// TouchArgs carries the per-cycle telemetry written back after a poll.
type TouchArgs struct {
	LastChecked time.Time
	LastSuccess *time.Time // nil when the cycle failed or never attempted a crawl
	Failed      bool
}

// TouchSubscription updates the poll telemetry. A failed cycle increments
// consecutive_failures; a successful one resets it and stamps last_success.
// A cycle that attempted nothing (every pair in cooldown) only advances
// last_checked and leaves the failure count alone.
func (s *Store) TouchSubscription(ctx context.Context, id string, args TouchArgs) error {
	q := sq.Update("subscriptions").
		Set("last_checked", args.LastChecked.UTC()).
		Set("updated_at", s.now().UTC()).
		Where(sq.Eq{"id": id})
	switch {
	case args.Failed:
		q = q.Set("consecutive_failures", sq.Expr("consecutive_failures + 1"))
	case args.LastSuccess != nil:
		q = q.Set("last_success", args.LastSuccess.UTC()).
			Set("consecutive_failures", 0)
	}

	query, qArgs, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("error constructing sql: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, qArgs...); err != nil {
		return fmt.Errorf("error updating subscription telemetry: %w", err)
	}
	return nil
}

// GetOrCreateProviderState fetches the crawl state for a (subscription,
// provider) pair, inserting a pending one on first touch.
func (s *Store) GetOrCreateProviderState(ctx context.Context, subscriptionID, provider string) (*hunter.ProviderState, error) {
	const ins = `INSERT INTO provider_states (subscription_id, provider)
		VALUES (?, ?) ON CONFLICT DO NOTHING;`
	if _, err := s.db.ExecContext(ctx, ins, subscriptionID, provider); err != nil {
		return nil, fmt.Errorf("error seeding provider state: %w", err)
	}

	const q = `SELECT * FROM provider_states WHERE subscription_id = ? AND provider = ?;`
	var st hunter.ProviderState
	if err := s.db.GetContext(ctx, &st, q, subscriptionID, provider); err != nil {
		return nil, fmt.Errorf("error fetching provider state: %w", err)
	}
	return &st, nil
}

// SaveProviderState persists the full crawl state for the pair.
func (s *Store) SaveProviderState(ctx context.Context, st *hunter.ProviderState) error {
	q := sq.Update("provider_states").
		Set("baseline_status", st.BaselineStatus).
		Set("baseline_started_at", st.BaselineStartedAt).
		Set("baseline_finished_at", st.BaselineFinishedAt).
		Set("pages_scanned", st.PagesScanned).
		Set("items_collected", st.ItemsCollected).
		Set("error_count", st.ErrorCount).
		Set("poll_mode", st.PollMode).
		Set("cursor_page", st.CursorPage).
		Set("total_pages_estimate", st.TotalPagesEstimate).
		Set("cooldown_until", st.CooldownUntil).
		Where(sq.Eq{"subscription_id": st.SubscriptionID, "provider": st.Provider})

	query, qArgs, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("error constructing sql: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, qArgs...); err != nil {
		return fmt.Errorf("error saving provider state: %w", err)
	}
	return nil
}

// ClaimBaseline atomically transitions the pair into running, but only from
// a claimable status (pending, partial, error, or a running claim old
// enough to be considered abandoned). Returns false when another worker
// holds a live claim or the baseline is already complete.
func (s *Store) ClaimBaseline(ctx context.Context, subscriptionID, provider string) (bool, error) {
	now := s.now().UTC()
	const q = `UPDATE provider_states
		SET baseline_status = 'running', baseline_started_at = ?
		WHERE subscription_id = ? AND provider = ?
		  AND (baseline_status IN ('pending', 'partial', 'error')
		       OR (baseline_status = 'running' AND baseline_started_at < ?));`
	res, err := s.db.ExecContext(ctx, q, now, subscriptionID, provider, now.Add(-staleClaimAge))
	if err != nil {
		return false, fmt.Errorf("error claiming baseline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error reading claim result: %w", err)
	}
	return n > 0, nil
}

// MarkBaselinePending resets the pair for a silent rebuild, dropping its
// seen keys so the next baseline collects from scratch.
func (s *Store) MarkBaselinePending(ctx context.Context, subscriptionID, provider string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting rebuild tx: %w", err)
	}
	defer tx.Rollback()

	const reset = `UPDATE provider_states
		SET baseline_status = 'pending', baseline_started_at = NULL, baseline_finished_at = NULL,
		    pages_scanned = 0, items_collected = 0
		WHERE subscription_id = ? AND provider = ?;`
	if _, err := tx.ExecContext(ctx, reset, subscriptionID, provider); err != nil {
		return fmt.Errorf("error resetting provider state: %w", err)
	}
	const drop = `DELETE FROM seen_keys WHERE subscription_id = ? AND provider = ?;`
	if _, err := tx.ExecContext(ctx, drop, subscriptionID, provider); err != nil {
		return fmt.Errorf("error dropping seen keys: %w", err)
	}
	return tx.Commit()
}

// AddSeenKeys appends keys to the pair's seen-set. The set only grows;
// re-inserting a known key is a no-op.
func (s *Store) AddSeenKeys(ctx context.Context, subscriptionID, provider string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting seen-keys tx: %w", err)
	}
	defer tx.Rollback()

	const q = `INSERT INTO seen_keys (subscription_id, provider, listing_key, added_at)
		VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING;`
	now := s.now().UTC()
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, q, subscriptionID, provider, k, now); err != nil {
			return fmt.Errorf("error inserting seen key: %w", err)
		}
	}
	return tx.Commit()
}

// GetSeenKeys loads the pair's full seen-set as a membership map.
func (s *Store) GetSeenKeys(ctx context.Context, subscriptionID, provider string) (map[string]struct{}, error) {
	const q = `SELECT listing_key FROM seen_keys WHERE subscription_id = ? AND provider = ?;`
	var keys []string
	if err := s.db.SelectContext(ctx, &keys, q, subscriptionID, provider); err != nil {
		return nil, fmt.Errorf("error loading seen keys: %w", err)
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set, nil
}

// CountSeenKeys returns the size of the pair's seen-set.
func (s *Store) CountSeenKeys(ctx context.Context, subscriptionID, provider string) (int, error) {
	const q = `SELECT COUNT(*) FROM seen_keys WHERE subscription_id = ? AND provider = ?;`
	var n int
	if err := s.db.GetContext(ctx, &n, q, subscriptionID, provider); err != nil {
		return 0, fmt.Errorf("error counting seen keys: %w", err)
	}
	return n, nil
}

// CreateNotification records that a push for (subscription, listing) is
// about to be sent. A second attempt for the same pair returns ErrConflict;
// the caller must then not send.
func (s *Store) CreateNotification(ctx context.Context, rec *hunter.NotificationRecord) error {
	if rec.SentAt.IsZero() {
		rec.SentAt = s.now().UTC()
	}
	const q = `INSERT INTO notifications (subscription_id, listing_key, sent_at)
		VALUES (:subscription_id, :listing_key, :sent_at);`
	_, err := s.db.NamedExecContext(ctx, q, rec)
	if isConflict(err) {
		return fmt.Errorf("notification already recorded: %w", hunter.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("error inserting notification: %w", err)
	}
	return nil
}

// CountNotifications returns how many pushes a subscription has received.
func (s *Store) CountNotifications(ctx context.Context, subscriptionID string) (int, error) {
	const q = `SELECT COUNT(*) FROM notifications WHERE subscription_id = ?;`
	var n int
	if err := s.db.GetContext(ctx, &n, q, subscriptionID); err != nil {
		return 0, fmt.Errorf("error counting notifications: %w", err)
	}
	return n, nil
}
