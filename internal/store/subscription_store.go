package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/nbd-wtf/go-nostr"

	"github.com/lacartera/hostr/internal/domain"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

const subscriptionColumns = `id, user_id, filters, relays, webhook, last_seen_at, active, created_at, updated_at`

// SubscriptionPatch carries the mutable fields of a subscription update.
// Nil fields are left untouched.
type SubscriptionPatch struct {
	Filters *[]nostr.Filter
	Relays  *[]string
	Webhook *string
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		sub        domain.Subscription
		rawFilters []byte
		lastSeenAt *int64
	)
	err := row.Scan(
		&sub.ID, &sub.UserID, &rawFilters, &sub.Relays, &sub.Webhook,
		&lastSeenAt, &sub.Active, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rawFilters, &sub.Filters); err != nil {
		return nil, fmt.Errorf("decoding filters: %w", err)
	}
	if lastSeenAt != nil {
		ts := nostr.Timestamp(*lastSeenAt)
		sub.LastSeenAt = &ts
	}
	return &sub, nil
}

func (s *PostgresStore) CreateSubscription(ctx context.Context, userID string, filters []nostr.Filter, relays []string, webhook string) (*domain.Subscription, error) {
	rawFilters, err := json.Marshal(filters)
	if err != nil {
		return nil, fmt.Errorf("encoding filters: %w", err)
	}

	sub, err := scanSubscription(s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (user_id, filters, relays, webhook, active)
		VALUES ($1, $2, $3, $4, TRUE)
		RETURNING `+subscriptionColumns,
		userID, rawFilters, relays, webhook,
	))
	if err != nil {
		return nil, fmt.Errorf("inserting subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return sub, nil
}

// FindActiveWithCredits returns every active subscription whose owning
// identity still has a positive credit balance. This is the startup load
// set: subscriptions for exhausted users are never reloaded.
func (s *PostgresStore) FindActiveWithCredits(ctx context.Context) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.user_id, s.filters, s.relays, s.webhook,
		       s.last_seen_at, s.active, s.created_at, s.updated_at
		FROM subscriptions s
		JOIN identities i ON i.id = s.user_id
		WHERE s.active = TRUE AND i.credits > 0
		ORDER BY s.created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("querying active subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, *sub)
	}

	if subs == nil {
		subs = []domain.Subscription{}
	}
	return subs, nil
}

// UpdateSubscription applies a partial update and returns the new row, or
// nil when the subscription does not exist.
func (s *PostgresStore) UpdateSubscription(ctx context.Context, id string, patch SubscriptionPatch) (*domain.Subscription, error) {
	setClauses := []string{}
	args := []interface{}{}
	argIdx := 1

	if patch.Filters != nil {
		rawFilters, err := json.Marshal(*patch.Filters)
		if err != nil {
			return nil, fmt.Errorf("encoding filters: %w", err)
		}
		setClauses = append(setClauses, fmt.Sprintf("filters = $%d", argIdx))
		args = append(args, rawFilters)
		argIdx++
	}
	if patch.Relays != nil {
		setClauses = append(setClauses, fmt.Sprintf("relays = $%d", argIdx))
		args = append(args, *patch.Relays)
		argIdx++
	}
	if patch.Webhook != nil {
		setClauses = append(setClauses, fmt.Sprintf("webhook = $%d", argIdx))
		args = append(args, *patch.Webhook)
		argIdx++
	}

	if len(setClauses) == 0 {
		return s.GetSubscription(ctx, id)
	}

	setClauses = append(setClauses, "updated_at = NOW()")

	query := fmt.Sprintf(`
		UPDATE subscriptions SET %s
		WHERE id = $%d
		RETURNING `+subscriptionColumns,
		strings.Join(setClauses, ", "), argIdx)
	args = append(args, id)

	sub, err := scanSubscription(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("updating subscription: %w", err)
	}
	return sub, nil
}

// UpdateLastSeenAt persists the delivery cursor and returns the updated
// subscription, or nil when it no longer exists.
func (s *PostgresStore) UpdateLastSeenAt(ctx context.Context, id string, ts nostr.Timestamp) (*domain.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, `
		UPDATE subscriptions SET last_seen_at = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+subscriptionColumns,
		id, int64(ts),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("updating cursor: %w", err)
	}
	return sub, nil
}

// DeactivateSubscription persists active=false and returns the owning
// identity's pubkey. Idempotent: deactivating an already inactive
// subscription is a no-op that still reports the owner.
func (s *PostgresStore) DeactivateSubscription(ctx context.Context, id string) (string, error) {
	var pubkey string
	err := s.pool.QueryRow(ctx, `
		UPDATE subscriptions SET active = FALSE, updated_at = NOW()
		FROM identities i
		WHERE subscriptions.id = $1 AND i.id = subscriptions.user_id
		RETURNING i.pubkey
	`, id).Scan(&pubkey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("subscription %s: %w", id, ErrNotFound)
		}
		return "", fmt.Errorf("deactivating subscription: %w", err)
	}
	return pubkey, nil
}

func (s *PostgresStore) DeleteSubscription(ctx context.Context, id string) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	return nil
}

// SubscriptionSummary pairs a subscription with its delivery history size,
// for the user-facing subscriptions-state notification.
type SubscriptionSummary struct {
	Subscription domain.Subscription
	EventLogs    int
}

// ListUserSubscriptionSummaries returns every subscription (active or not)
// owned by the identity with the given pubkey.
func (s *PostgresStore) ListUserSubscriptionSummaries(ctx context.Context, pubkey string) ([]SubscriptionSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.user_id, s.filters, s.relays, s.webhook,
		       s.last_seen_at, s.active, s.created_at, s.updated_at,
		       COALESCE(l.cnt, 0)
		FROM subscriptions s
		JOIN identities i ON i.id = s.user_id
		LEFT JOIN (
			SELECT subscription_id, COUNT(*) AS cnt
			FROM event_logs GROUP BY subscription_id
		) l ON l.subscription_id = s.id
		WHERE i.pubkey = $1
		ORDER BY s.created_at
	`, pubkey)
	if err != nil {
		return nil, fmt.Errorf("querying user subscriptions: %w", err)
	}
	defer rows.Close()

	var summaries []SubscriptionSummary
	for rows.Next() {
		var (
			sub        domain.Subscription
			rawFilters []byte
			lastSeenAt *int64
			count      int
		)
		err := rows.Scan(
			&sub.ID, &sub.UserID, &rawFilters, &sub.Relays, &sub.Webhook,
			&lastSeenAt, &sub.Active, &sub.CreatedAt, &sub.UpdatedAt, &count,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription summary: %w", err)
		}
		if err := json.Unmarshal(rawFilters, &sub.Filters); err != nil {
			return nil, fmt.Errorf("decoding filters: %w", err)
		}
		if lastSeenAt != nil {
			ts := nostr.Timestamp(*lastSeenAt)
			sub.LastSeenAt = &ts
		}
		summaries = append(summaries, SubscriptionSummary{Subscription: sub, EventLogs: count})
	}

	if summaries == nil {
		summaries = []SubscriptionSummary{}
	}
	return summaries, nil
}
