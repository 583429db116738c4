package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lacartera/hostr/internal/domain"
	"github.com/lacartera/hostr/internal/store"
	"github.com/lacartera/hostr/internal/ws"
)

// maxResponseBody bounds how much of the webhook response is kept for the
// audit log.
const maxResponseBody = 1024

// Deduper guards delivery side effects against duplicate events.
type Deduper interface {
	IsHandled(ctx context.Context, subscriptionID, eventID string) (bool, error)
	MarkHandled(ctx context.Context, subscriptionID, eventID string) error
}

// Ledger meters successful deliveries against the owner's credit balance.
type Ledger interface {
	Discount(ctx context.Context, subscriptionID string) error
}

// Deactivator turns off a subscription after delivery exhaustion.
type Deactivator interface {
	Deactivate(ctx context.Context, subscriptionID string) error
}

// AuditLog records every delivery attempt.
type AuditLog interface {
	CreateEventLog(ctx context.Context, rec store.EventLogRecord) error
}

// Deliverer executes delivery attempts: it POSTs the event to the webhook,
// audits the outcome, charges one credit on success and reschedules or
// deactivates on failure.
type Deliverer struct {
	queue       *Queue
	dedup       Deduper
	ledger      Ledger
	deactivator Deactivator
	audit       AuditLog
	hub         *ws.Hub
	limiter     *RateLimiter
	httpClient  *http.Client
	logger      *slog.Logger
}

func NewDeliverer(queue *Queue, dedup Deduper, ledger Ledger, deactivator Deactivator, audit AuditLog, hub *ws.Hub, limiter *RateLimiter, logger *slog.Logger) *Deliverer {
	return &Deliverer{
		queue:       queue,
		dedup:       dedup,
		ledger:      ledger,
		deactivator: deactivator,
		audit:       audit,
		hub:         hub,
		limiter:     limiter,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
	}
}

// Deliver performs one webhook delivery attempt for a job.
func (d *Deliverer) Deliver(ctx context.Context, job Job) {
	logger := d.logger.With(
		"subscription_id", job.SubscriptionID,
		"event_id", job.Event.ID,
		"attempt", job.Attempt,
	)

	handled, err := d.dedup.IsHandled(ctx, job.SubscriptionID, job.Event.ID)
	if err != nil {
		logger.Error("dedup lookup failed", "error", err)
	}
	if handled {
		logger.Debug("event already delivered, skipping")
		return
	}

	if d.limiter != nil {
		allowed, err := d.limiter.Allow(ctx, job.WebhookURL)
		if err != nil {
			logger.Error("rate limiter check failed", "error", err)
		} else if !allowed {
			// Deferral, not failure: reschedule without consuming an
			// attempt.
			logger.Debug("webhook host rate limited, deferring")
			if err := d.queue.schedule(ctx, job, time.Now().Add(time.Second)); err != nil {
				logger.Error("failed to defer delivery", "error", err)
			}
			return
		}
	}

	response, err := d.post(ctx, job)
	if err != nil {
		d.handleFailure(ctx, job, err.Error(), logger)
		return
	}
	d.handleSuccess(ctx, job, response, logger)
}

// post sends the event as JSON to the webhook URL. Non-2xx statuses are
// failures.
func (d *Deliverer) post(ctx context.Context, job Job) (string, error) {
	body, err := json.Marshal(job.Event)
	if err != nil {
		return "", fmt.Errorf("marshaling event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return string(respBody), nil
}

// handleSuccess charges one credit, audits the delivery and marks the event
// handled. The charge comes first: a ledger error downgrades the attempt to
// a retry with a single retried entry, so a success row is only ever written
// for a settled charge. The webhook may see the event again in that case.
func (d *Deliverer) handleSuccess(ctx context.Context, job Job, response string, logger *slog.Logger) {
	if err := d.ledger.Discount(ctx, job.SubscriptionID); err != nil {
		logger.Error("failed to charge credit for delivery", "error", err)
		d.handleFailure(ctx, job, "credit charge failed: "+err.Error(), logger)
		return
	}

	if err := d.audit.CreateEventLog(ctx, store.EventLogRecord{
		SubscriptionID:  job.SubscriptionID,
		EventID:         job.Event.ID,
		Status:          domain.LogStatusSuccess,
		WebhookResponse: response,
		Attempt:         job.Attempt,
	}); err != nil {
		logger.Error("failed to record delivery success", "error", err)
	}

	if err := d.dedup.MarkHandled(ctx, job.SubscriptionID, job.Event.ID); err != nil {
		logger.Error("failed to mark event handled", "error", err)
	}

	d.hub.Broadcast(ws.DeliveryUpdate{
		Type:           ws.TypeDeliverySuccess,
		SubscriptionID: job.SubscriptionID,
		EventID:        job.Event.ID,
		WebhookURL:     job.WebhookURL,
		Attempt:        job.Attempt,
		Timestamp:      time.Now(),
	})
	logger.Info("webhook delivered")
}

// handleFailure audits the attempt and either reschedules with backoff or,
// on the final attempt, deactivates the subscription.
func (d *Deliverer) handleFailure(ctx context.Context, job Job, reason string, logger *slog.Logger) {
	if job.Attempt >= job.MaxAttempts {
		if err := d.audit.CreateEventLog(ctx, store.EventLogRecord{
			SubscriptionID:  job.SubscriptionID,
			EventID:         job.Event.ID,
			Status:          domain.LogStatusFailed,
			WebhookResponse: reason,
			Attempt:         job.Attempt,
		}); err != nil {
			logger.Error("failed to record delivery failure", "error", err)
		}

		if err := d.deactivator.Deactivate(ctx, job.SubscriptionID); err != nil {
			logger.Error("failed to deactivate subscription", "error", err)
		}

		d.hub.Broadcast(ws.DeliveryUpdate{
			Type:           ws.TypeDeliveryFailed,
			SubscriptionID: job.SubscriptionID,
			EventID:        job.Event.ID,
			WebhookURL:     job.WebhookURL,
			Attempt:        job.Attempt,
			Error:          reason,
			Timestamp:      time.Now(),
		})
		logger.Warn("delivery attempts exhausted, subscription deactivated", "reason", reason)
		return
	}

	if err := d.audit.CreateEventLog(ctx, store.EventLogRecord{
		SubscriptionID:  job.SubscriptionID,
		EventID:         job.Event.ID,
		Status:          domain.LogStatusRetried,
		WebhookResponse: reason,
		Attempt:         job.Attempt,
	}); err != nil {
		logger.Error("failed to record delivery retry", "error", err)
	}

	delay := retryDelay(job.Attempt)
	next := job
	next.Attempt++
	if err := d.queue.schedule(ctx, next, time.Now().Add(delay)); err != nil {
		logger.Error("failed to reschedule delivery", "error", err)
	}

	d.hub.Broadcast(ws.DeliveryUpdate{
		Type:           ws.TypeDeliveryRetrying,
		SubscriptionID: job.SubscriptionID,
		EventID:        job.Event.ID,
		WebhookURL:     job.WebhookURL,
		Attempt:        job.Attempt,
		Error:          reason,
		Timestamp:      time.Now(),
	})
	logger.Warn("delivery failed, retrying", "reason", reason, "retry_in", delay)
}
