package store

import (
	"context"
	"fmt"
)

// DeliveryMetrics holds aggregated delivery statistics.
type DeliveryMetrics struct {
	TotalDeliveries     int     `json:"total_deliveries"`
	SuccessCount        int     `json:"success_count"`
	RetriedCount        int     `json:"retried_count"`
	FailedCount         int     `json:"failed_count"`
	SuccessRate         float64 `json:"success_rate"`
	ActiveSubscriptions int     `json:"active_subscriptions"`
	TotalIdentities     int     `json:"total_identities"`
	CreditsOutstanding  int64   `json:"credits_outstanding"`
}

// GetDeliveryMetrics returns aggregated delivery statistics from the database.
func (s *PostgresStore) GetDeliveryMetrics(ctx context.Context) (*DeliveryMetrics, error) {
	var m DeliveryMetrics

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'success') AS success,
			COUNT(*) FILTER (WHERE status = 'retried') AS retried,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed
		FROM event_logs
	`).Scan(&m.TotalDeliveries, &m.SuccessCount, &m.RetriedCount, &m.FailedCount)
	if err != nil {
		return nil, fmt.Errorf("querying delivery metrics: %w", err)
	}

	if m.TotalDeliveries > 0 {
		m.SuccessRate = float64(m.SuccessCount) / float64(m.TotalDeliveries) * 100
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM subscriptions WHERE active = TRUE
	`).Scan(&m.ActiveSubscriptions)
	if err != nil {
		return nil, fmt.Errorf("querying active subscriptions: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(credits), 0) FROM identities
	`).Scan(&m.TotalIdentities, &m.CreditsOutstanding)
	if err != nil {
		return nil, fmt.Errorf("querying identities: %w", err)
	}

	return &m, nil
}
