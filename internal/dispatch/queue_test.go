package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nbd-wtf/go-nostr"
	"github.com/redis/go-redis/v9"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupTestQueue(t *testing.T) (*Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewQueue(client, testLogger()), client
}

func testEvent(id string) *nostr.Event {
	return &nostr.Event{
		ID:        id,
		Kind:      1,
		CreatedAt: nostr.Timestamp(1700000000),
		Content:   "hello",
	}
}

func TestQueue_EnqueueAddsJob(t *testing.T) {
	q, client := setupTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testEvent("evt-1"), "sub-1", "http://example.com/hook"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	members, err := client.ZRange(ctx, QueueKey, 0, -1).Result()
	if err != nil {
		t.Fatalf("ZRange: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("expected 1 job in queue, got %d", len(members))
	}

	var job Job
	if err := json.Unmarshal([]byte(members[0]), &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if job.SubscriptionID != "sub-1" {
		t.Errorf("SubscriptionID = %q, want %q", job.SubscriptionID, "sub-1")
	}
	if job.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", job.Attempt)
	}
	if job.MaxAttempts != MaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", job.MaxAttempts, MaxAttempts)
	}
	if job.Event.ID != "evt-1" {
		t.Errorf("Event.ID = %q, want %q", job.Event.ID, "evt-1")
	}
}

func TestQueue_EnqueueIsDue(t *testing.T) {
	q, client := setupTestQueue(t)
	ctx := context.Background()

	before := float64(time.Now().UnixMicro())
	if err := q.Enqueue(ctx, testEvent("evt-due"), "sub-1", "http://example.com/hook"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	after := float64(time.Now().UnixMicro())

	results, err := client.ZRangeByScoreWithScores(ctx, QueueKey, &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		t.Fatalf("ZRangeByScoreWithScores: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 job, got %d", len(results))
	}
	if score := results[0].Score; score < before || score > after {
		t.Errorf("job score %f outside enqueue window [%f, %f]", score, before, after)
	}
}

func TestQueue_Depth(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	for i, id := range []string{"evt-a", "evt-b", "evt-c"} {
		if err := q.Enqueue(ctx, testEvent(id), "sub-1", "http://example.com/hook"); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 3 {
		t.Errorf("Depth = %d, want 3", depth)
	}
}

func TestRetryDelay_DoublesAndCaps(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{10, maxRetryDelay},
	}

	for _, tt := range tests {
		if got := retryDelay(tt.attempt); got != tt.want {
			t.Errorf("retryDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryDelay_Monotonic(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		d := retryDelay(attempt)
		if d < prev {
			t.Fatalf("retryDelay(%d) = %v, smaller than previous %v", attempt, d, prev)
		}
		if d > maxRetryDelay {
			t.Fatalf("retryDelay(%d) = %v exceeds cap %v", attempt, d, maxRetryDelay)
		}
		prev = d
	}
}
