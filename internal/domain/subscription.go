package domain

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Subscription maps a set of Nostr filters sourced from a list of relays to
// a single webhook endpoint. The store is the source of truth; the
// subscription manager caches active subscriptions in memory.
type Subscription struct {
	ID      string         `json:"id"`
	UserID  string         `json:"user_id"`
	Filters []nostr.Filter `json:"filters"`
	Relays  []string       `json:"relays"`
	Webhook string         `json:"webhook"`

	// LastSeenAt is the delivery cursor: the relay-level filters request
	// only events at or after this timestamp. Nil until the first event
	// for this subscription has been processed.
	LastSeenAt *nostr.Timestamp `json:"last_seen_at,omitempty"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
