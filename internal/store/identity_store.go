package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lacartera/hostr/internal/domain"
)

func (s *PostgresStore) GetIdentityByPubkey(ctx context.Context, pubkey string) (*domain.Identity, error) {
	var id domain.Identity
	err := s.pool.QueryRow(ctx, `
		SELECT id, pubkey, credits, created_at FROM identities WHERE pubkey = $1
	`, pubkey).Scan(&id.ID, &id.Pubkey, &id.Credits, &id.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying identity: %w", err)
	}
	return &id, nil
}

// CreateIdentity registers a pubkey with a starting credit balance.
func (s *PostgresStore) CreateIdentity(ctx context.Context, pubkey string, credits int64) (*domain.Identity, error) {
	var id domain.Identity
	err := s.pool.QueryRow(ctx, `
		INSERT INTO identities (pubkey, credits)
		VALUES ($1, $2)
		RETURNING id, pubkey, credits, created_at
	`, pubkey, credits).Scan(&id.ID, &id.Pubkey, &id.Credits, &id.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting identity: %w", err)
	}
	return &id, nil
}

// AddCredits grants credits to an identity, creating it if needed, and
// returns the new balance. This is the settlement path for purchases.
func (s *PostgresStore) AddCredits(ctx context.Context, pubkey string, amount int64) (int64, error) {
	var credits int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO identities (pubkey, credits)
		VALUES ($1, $2)
		ON CONFLICT (pubkey) DO UPDATE SET credits = identities.credits + $2
		RETURNING credits
	`, pubkey, amount).Scan(&credits)
	if err != nil {
		return 0, fmt.Errorf("adding credits: %w", err)
	}
	return credits, nil
}

// DiscountResult reports the outcome of a credit decrement.
type DiscountResult struct {
	UserID  string
	Pubkey  string
	Credits int64
	// DeactivatedIDs lists every subscription flipped to inactive in the
	// same transaction because the balance reached zero.
	DeactivatedIDs []string
}

// DiscountCredit decrements the credit balance of the identity owning the
// given subscription by exactly one, with a floor of zero, inside a single
// transaction. The decrement is a conditional update, never a read-then-
// write pair. When the resulting balance is zero, every active subscription
// of that identity is flipped to inactive in the same transaction.
func (s *PostgresStore) DiscountCredit(ctx context.Context, subscriptionID string) (*DiscountResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var res DiscountResult
	err = tx.QueryRow(ctx, `
		SELECT i.id, i.pubkey
		FROM subscriptions s
		JOIN identities i ON i.id = s.user_id
		WHERE s.id = $1
	`, subscriptionID).Scan(&res.UserID, &res.Pubkey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("subscription or identity for %s: %w", subscriptionID, ErrNotFound)
		}
		return nil, fmt.Errorf("querying subscription identity: %w", err)
	}

	err = tx.QueryRow(ctx, `
		UPDATE identities
		SET credits = CASE WHEN credits > 0 THEN credits - 1 ELSE 0 END
		WHERE id = $1
		RETURNING credits
	`, res.UserID).Scan(&res.Credits)
	if err != nil {
		return nil, fmt.Errorf("decrementing credits: %w", err)
	}

	if res.Credits <= 0 {
		rows, err := tx.Query(ctx, `
			UPDATE subscriptions SET active = FALSE, updated_at = NOW()
			WHERE user_id = $1 AND active = TRUE
			RETURNING id
		`, res.UserID)
		if err != nil {
			return nil, fmt.Errorf("deactivating subscriptions: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning deactivated subscription: %w", err)
			}
			res.DeactivatedIDs = append(res.DeactivatedIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("reading deactivated subscriptions: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return &res, nil
}
