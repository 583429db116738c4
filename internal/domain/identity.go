package domain

import "time"

// Identity is a user account keyed by its Nostr public key. Credits are
// prepaid delivery units, consumed one per successful webhook delivery and
// mutated only through the credit ledger's atomic decrement.
type Identity struct {
	ID        string    `json:"id"`
	Pubkey    string    `json:"pubkey"`
	Credits   int64     `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
}
