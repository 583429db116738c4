package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/lacartera/hostr/internal/domain"
	"github.com/lacartera/hostr/internal/store"
)

// Request operation tags.
const (
	opNewSubscription    = "new-subscription"
	opSubscriptionUpdate = "subscription-update"
	opSubscriptionDelete = "subscription-delete"
)

// SubscriptionStore is the persistence slice the subscription handlers need.
type SubscriptionStore interface {
	GetIdentityByPubkey(ctx context.Context, pubkey string) (*domain.Identity, error)
	CreateSubscription(ctx context.Context, userID string, filters []nostr.Filter, relays []string, webhook string) (*domain.Subscription, error)
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, patch store.SubscriptionPatch) (*domain.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// Registry mirrors persisted changes into the live subscription manager.
type Registry interface {
	Add(sub domain.Subscription)
	Update(sub domain.Subscription)
	Remove(id string)
}

// Notifier publishes the owner's subscriptions-state event after a change.
type Notifier interface {
	PublishSubscriptionsState(ctx context.Context, pubkey string)
}

type SubscriptionHandler struct {
	store    SubscriptionStore
	registry Registry
	notifier Notifier
}

func NewSubscriptionHandler(s SubscriptionStore, registry Registry, notifier Notifier) *SubscriptionHandler {
	return &SubscriptionHandler{store: s, registry: registry, notifier: notifier}
}

type createSubscriptionRequest struct {
	Filters []nostr.Filter `json:"filters"`
	Relays  []string       `json:"relays"`
	Webhook string         `json:"webhook"`
}

type updateSubscriptionRequest struct {
	SubscriptionID string          `json:"subscriptionId"`
	Filters        *[]nostr.Filter `json:"filters"`
	Relays         *[]string       `json:"relays"`
	Webhook        *string         `json:"webhook"`
}

type deleteSubscriptionRequest struct {
	SubscriptionID string `json:"subscriptionId"`
}

type subscriptionResponse struct {
	Success      bool                 `json:"success"`
	Subscription *domain.Subscription `json:"subscription,omitempty"`
	Message      string               `json:"message,omitempty"`
}

// normalizeRelays validates relay URLs and normalizes them to the canonical
// wss form with a trailing slash, so equal relays compare equal as strings.
func normalizeRelays(relays []string) ([]string, error) {
	normalized := make([]string, 0, len(relays))
	for _, r := range relays {
		u, err := url.Parse(r)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid relay URL: %s", r)
		}
		if u.Scheme != "wss" {
			return nil, fmt.Errorf("invalid relay protocol: %s", r)
		}
		href := u.String()
		if !strings.HasSuffix(href, "/") {
			href += "/"
		}
		normalized = append(normalized, href)
	}
	return normalized, nil
}

func validateWebhook(webhook string) error {
	u, err := url.Parse(webhook)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid webhook URL: %s", webhook)
	}
	return nil
}

// Create registers a new subscription for the signing pubkey. Requires an
// existing identity with at least one credit.
func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ev, err := parseSignedEvent(r)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if tagValue(ev, "t") != opNewSubscription {
		respondError(w, http.StatusUnprocessableEntity, `invalid event: must contain tag "new-subscription"`)
		return
	}

	var req createSubscriptionRequest
	if err := json.Unmarshal([]byte(ev.Content), &req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid request content")
		return
	}
	if len(req.Filters) == 0 {
		respondError(w, http.StatusUnprocessableEntity, "at least one filter is required")
		return
	}
	if len(req.Relays) == 0 {
		respondError(w, http.StatusUnprocessableEntity, "at least one relay is required")
		return
	}
	if err := validateWebhook(req.Webhook); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	relays, err := normalizeRelays(req.Relays)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	user, err := h.store.GetIdentityByPubkey(r.Context(), ev.PubKey)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to look up user")
		return
	}
	if user == nil {
		respondError(w, http.StatusNotFound, "user not found")
		return
	}
	if user.Credits < 1 {
		respondError(w, http.StatusBadRequest, "insufficient credits to create a subscription")
		return
	}

	sub, err := h.store.CreateSubscription(r.Context(), user.ID, req.Filters, relays, req.Webhook)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create subscription")
		return
	}

	h.registry.Add(*sub)
	go h.notifier.PublishSubscriptionsState(context.Background(), user.Pubkey)

	respondJSON(w, http.StatusCreated, subscriptionResponse{Success: true, Subscription: sub})
}

// Update applies a partial update to a subscription owned by the signing
// pubkey.
func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	ev, err := parseSignedEvent(r)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if tagValue(ev, "t") != opSubscriptionUpdate {
		respondError(w, http.StatusUnprocessableEntity, `invalid event: must contain tag "subscription-update"`)
		return
	}

	var req updateSubscriptionRequest
	if err := json.Unmarshal([]byte(ev.Content), &req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid request content")
		return
	}
	if req.SubscriptionID == "" {
		respondError(w, http.StatusUnprocessableEntity, "subscriptionId is required")
		return
	}
	if req.Webhook != nil {
		if err := validateWebhook(*req.Webhook); err != nil {
			respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}
	if req.Relays != nil {
		relays, err := normalizeRelays(*req.Relays)
		if err != nil {
			respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		req.Relays = &relays
	}

	user, sub, ok := h.authorize(w, r, ev.PubKey, req.SubscriptionID)
	if !ok {
		return
	}

	updated, err := h.store.UpdateSubscription(r.Context(), sub.ID, store.SubscriptionPatch{
		Filters: req.Filters,
		Relays:  req.Relays,
		Webhook: req.Webhook,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update subscription")
		return
	}
	if updated == nil {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}

	if updated.Active {
		h.registry.Update(*updated)
	}
	go h.notifier.PublishSubscriptionsState(context.Background(), user.Pubkey)

	respondJSON(w, http.StatusOK, subscriptionResponse{Success: true, Subscription: updated})
}

// Delete removes a subscription owned by the signing pubkey.
func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ev, err := parseSignedEvent(r)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if tagValue(ev, "t") != opSubscriptionDelete {
		respondError(w, http.StatusUnprocessableEntity, `invalid event: must contain tag "subscription-delete"`)
		return
	}

	var req deleteSubscriptionRequest
	if err := json.Unmarshal([]byte(ev.Content), &req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid request content")
		return
	}
	if req.SubscriptionID == "" {
		respondError(w, http.StatusUnprocessableEntity, "subscriptionId is required")
		return
	}

	user, sub, ok := h.authorize(w, r, ev.PubKey, req.SubscriptionID)
	if !ok {
		return
	}

	if err := h.store.DeleteSubscription(r.Context(), sub.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}

	h.registry.Remove(sub.ID)
	go h.notifier.PublishSubscriptionsState(context.Background(), user.Pubkey)

	respondJSON(w, http.StatusOK, subscriptionResponse{Success: true, Message: "subscription deleted"})
}

// authorize resolves the signing identity and checks it owns the
// subscription. Writes the error response itself when the check fails.
func (h *SubscriptionHandler) authorize(w http.ResponseWriter, r *http.Request, pubkey, subscriptionID string) (*domain.Identity, *domain.Subscription, bool) {
	user, err := h.store.GetIdentityByPubkey(r.Context(), pubkey)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to look up user")
		return nil, nil, false
	}
	if user == nil {
		respondError(w, http.StatusNotFound, "user not found")
		return nil, nil, false
	}

	sub, err := h.store.GetSubscription(r.Context(), subscriptionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to look up subscription")
		return nil, nil, false
	}
	if sub == nil || sub.UserID != user.ID {
		respondError(w, http.StatusNotFound, "subscription not found or does not belong to the user")
		return nil, nil, false
	}
	return user, sub, true
}
