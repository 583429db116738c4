// Package dispatch turns matched events into durable, retried webhook
// deliveries. Jobs live in a Redis sorted set scored by due time; a
// dispatcher polls for due jobs and hands them to a worker pool that
// performs the HTTP POSTs, audits every attempt and reschedules failures
// with exponential backoff.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/redis/go-redis/v9"
)

// QueueKey is the Redis sorted set holding pending delivery jobs.
const QueueKey = "delivery_queue"

// Retry policy: 5 attempts total, exponential backoff from 5s, capped.
const (
	MaxAttempts    = 5
	baseRetryDelay = 5 * time.Second
	maxRetryDelay  = 5 * time.Minute
)

// Job is a single webhook delivery task. It is destroyed on terminal
// success and terminal failure alike; exhausted retries become a
// subscription deactivation, not a poison message.
type Job struct {
	Event          *nostr.Event `json:"event"`
	SubscriptionID string       `json:"subscription_id"`
	WebhookURL     string       `json:"webhook_url"`
	Attempt        int          `json:"attempt"`
	MaxAttempts    int          `json:"max_attempts"`
}

// retryDelay returns the wait before the attempt after the given one.
// Monotonically increasing and bounded.
func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// Queue schedules delivery jobs in Redis.
type Queue struct {
	client *redis.Client
	logger *slog.Logger
}

func NewQueue(client *redis.Client, logger *slog.Logger) *Queue {
	return &Queue{client: client, logger: logger}
}

// Enqueue submits a first delivery attempt for immediate processing.
// Non-blocking from the caller's perspective: delivery happens on the
// worker pool.
func (q *Queue) Enqueue(ctx context.Context, ev *nostr.Event, subscriptionID, webhookURL string) error {
	job := Job{
		Event:          ev,
		SubscriptionID: subscriptionID,
		WebhookURL:     webhookURL,
		Attempt:        1,
		MaxAttempts:    MaxAttempts,
	}
	return q.schedule(ctx, job, time.Now())
}

// schedule adds a job due at the given time.
func (q *Queue) schedule(ctx context.Context, job Job, due time.Time) error {
	jobBytes, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	err = q.client.ZAdd(ctx, QueueKey, redis.Z{
		Score:  float64(due.UnixMicro()),
		Member: string(jobBytes),
	}).Err()
	if err != nil {
		return fmt.Errorf("queuing delivery: %w", err)
	}
	return nil
}

// Depth returns the current number of jobs waiting in the queue.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, QueueKey).Result()
}
