package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/lacartera/hostr/internal/domain"
)

// EventLogStore reads the delivery audit log.
type EventLogStore interface {
	ListEventLogs(ctx context.Context, subscriptionID, status string, limit int) ([]domain.EventLog, error)
}

type EventLogHandler struct {
	store EventLogStore
}

func NewEventLogHandler(s EventLogStore) *EventLogHandler {
	return &EventLogHandler{store: s}
}

// List returns audit entries, newest first. Filterable by subscription_id
// and status.
func (h *EventLogHandler) List(w http.ResponseWriter, r *http.Request) {
	subscriptionID := r.URL.Query().Get("subscription_id")
	status := r.URL.Query().Get("status")

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			respondError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	switch status {
	case "", domain.LogStatusSuccess, domain.LogStatusRetried, domain.LogStatusFailed:
	default:
		respondError(w, http.StatusBadRequest, "invalid status filter")
		return
	}

	logs, err := h.store.ListEventLogs(r.Context(), subscriptionID, status, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list event logs")
		return
	}

	respondJSON(w, http.StatusOK, logs)
}
