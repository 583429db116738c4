// Package dedup is the idempotency guard for event deliveries. Relays may
// redeliver events after a reconnect and the queue substrate may redeliver
// jobs, so side effects are keyed by the (subscription, event) pair and
// applied at most once.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultTTL keeps handled flags well past the maximum retry horizon
// (~80s of scheduled backoff). No durability is needed beyond that.
const defaultTTL = 24 * time.Hour

type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func New(client *redis.Client) *Store {
	return &Store{client: client, ttl: defaultTTL}
}

func key(subscriptionID, eventID string) string {
	return fmt.Sprintf("handled:%s:%s", subscriptionID, eventID)
}

// IsHandled reports whether the event was already delivered for this
// subscription.
func (s *Store) IsHandled(ctx context.Context, subscriptionID, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, key(subscriptionID, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("checking handled flag: %w", err)
	}
	return n > 0, nil
}

// MarkHandled flags the event as delivered for this subscription.
func (s *Store) MarkHandled(ctx context.Context, subscriptionID, eventID string) error {
	if err := s.client.Set(ctx, key(subscriptionID, eventID), "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("setting handled flag: %w", err)
	}
	return nil
}
