package api

import (
	"context"
	"net/http"

	"github.com/lacartera/hostr/internal/store"
)

// MetricsStore reads aggregated delivery statistics.
type MetricsStore interface {
	GetDeliveryMetrics(ctx context.Context) (*store.DeliveryMetrics, error)
}

// QueueDepth reports the number of pending delivery jobs.
type QueueDepth interface {
	Depth(ctx context.Context) (int64, error)
}

// ClientCounter reports connected WebSocket clients.
type ClientCounter interface {
	ClientCount() int
}

type MetricsHandler struct {
	store MetricsStore
	queue QueueDepth
	hub   ClientCounter
}

func NewMetricsHandler(s MetricsStore, queue QueueDepth, hub ClientCounter) *MetricsHandler {
	return &MetricsHandler{store: s, queue: queue, hub: hub}
}

type metricsResponse struct {
	store.DeliveryMetrics
	QueueDepth       int64 `json:"queue_depth"`
	ConnectedClients int   `json:"connected_clients"`
}

// Metrics returns delivery statistics plus live queue and client gauges.
func (h *MetricsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.store.GetDeliveryMetrics(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load metrics")
		return
	}

	depth, err := h.queue.Depth(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read queue depth")
		return
	}

	respondJSON(w, http.StatusOK, metricsResponse{
		DeliveryMetrics:  *m,
		QueueDepth:       depth,
		ConnectedClients: h.hub.ClientCount(),
	})
}
