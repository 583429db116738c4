package store

import (
	"context"
	"fmt"

	"github.com/lacartera/hostr/internal/domain"
)

// EventLogRecord holds data for inserting an audit log entry.
type EventLogRecord struct {
	SubscriptionID  string
	EventID         string
	Status          string
	WebhookResponse string
	Attempt         int
}

// CreateEventLog appends a delivery attempt record. Entries are never
// mutated afterwards.
func (s *PostgresStore) CreateEventLog(ctx context.Context, rec EventLogRecord) error {
	var response *string
	if rec.WebhookResponse != "" {
		response = &rec.WebhookResponse
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO event_logs (subscription_id, event_id, status, webhook_response, attempt)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.SubscriptionID, rec.EventID, rec.Status, response, rec.Attempt)
	if err != nil {
		return fmt.Errorf("inserting event log: %w", err)
	}
	return nil
}

// ListEventLogs returns audit entries, newest first, with optional filtering.
func (s *PostgresStore) ListEventLogs(ctx context.Context, subscriptionID, status string, limit int) ([]domain.EventLog, error) {
	query := `SELECT id, subscription_id, event_id, status, webhook_response, attempt, created_at FROM event_logs`
	args := []interface{}{}
	argIdx := 1
	conditions := []string{}

	if subscriptionID != "" {
		conditions = append(conditions, fmt.Sprintf("subscription_id = $%d", argIdx))
		args = append(args, subscriptionID)
		argIdx++
	}
	if status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, status)
		argIdx++
	}

	if len(conditions) > 0 {
		query += " WHERE "
		for i, c := range conditions {
			if i > 0 {
				query += " AND "
			}
			query += c
		}
	}

	query += " ORDER BY created_at DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying event logs: %w", err)
	}
	defer rows.Close()

	var logs []domain.EventLog
	for rows.Next() {
		var l domain.EventLog
		err := rows.Scan(
			&l.ID, &l.SubscriptionID, &l.EventID, &l.Status,
			&l.WebhookResponse, &l.Attempt, &l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning event log: %w", err)
		}
		logs = append(logs, l)
	}

	if logs == nil {
		logs = []domain.EventLog{}
	}
	return logs, nil
}
