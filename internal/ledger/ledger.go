// Package ledger meters webhook deliveries against prepaid credit balances.
// One successful delivery costs one credit; exhaustion deactivates every
// active subscription the owner has.
package ledger

import (
	"context"
	"log/slog"

	"github.com/lacartera/hostr/internal/store"
)

// Store is the persistence slice the ledger needs.
type Store interface {
	DiscountCredit(ctx context.Context, subscriptionID string) (*store.DiscountResult, error)
}

// Notifier publishes the owner's credit balance after a charge.
// Implementations must not block on network failures.
type Notifier interface {
	PublishCreditsBalance(ctx context.Context, pubkey string)
}

// Deactivator tears down a live subscription registration.
type Deactivator interface {
	Deactivate(ctx context.Context, subscriptionID string) error
}

type Ledger struct {
	store       Store
	notifier    Notifier
	deactivator Deactivator
	logger      *slog.Logger
}

func New(store Store, notifier Notifier, deactivator Deactivator, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:       store,
		notifier:    notifier,
		deactivator: deactivator,
		logger:      logger,
	}
}

// Discount charges one credit for a delivery on the given subscription. The
// decrement and any cascading deactivation writes happen in a single store
// transaction; live teardown and the balance notification follow the commit.
func (l *Ledger) Discount(ctx context.Context, subscriptionID string) error {
	result, err := l.store.DiscountCredit(ctx, subscriptionID)
	if err != nil {
		return err
	}

	l.logger.Debug("credit charged",
		"subscription_id", subscriptionID,
		"pubkey", result.Pubkey,
		"credits", result.Credits,
	)

	go l.notifier.PublishCreditsBalance(context.Background(), result.Pubkey)

	if len(result.DeactivatedIDs) == 0 {
		return nil
	}

	l.logger.Info("credits exhausted, deactivating subscriptions",
		"pubkey", result.Pubkey,
		"count", len(result.DeactivatedIDs),
	)
	for _, id := range result.DeactivatedIDs {
		// Deactivate is idempotent; the store already flipped the rows, this
		// removes the live registrations and notifies the owner.
		if err := l.deactivator.Deactivate(ctx, id); err != nil {
			l.logger.Error("failed to deactivate subscription",
				"error", err,
				"subscription_id", id,
			)
		}
	}
	return nil
}
