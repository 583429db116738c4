package domain

import "time"

// Event log statuses. One entry is written per delivery attempt.
const (
	LogStatusSuccess = "success"
	LogStatusRetried = "retried"
	LogStatusFailed  = "failed"
)

// EventLog is an append-only audit record of a single webhook delivery
// attempt. Never mutated after creation.
type EventLog struct {
	ID              string    `json:"id"`
	SubscriptionID  string    `json:"subscription_id"`
	EventID         string    `json:"event_id"`
	Status          string    `json:"status"`
	WebhookResponse *string   `json:"webhook_response,omitempty"`
	Attempt         int       `json:"attempt"`
	CreatedAt       time.Time `json:"created_at"`
}
