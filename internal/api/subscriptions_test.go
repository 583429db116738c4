package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/lacartera/hostr/internal/domain"
	"github.com/lacartera/hostr/internal/store"
)

type fakeSubStore struct {
	mu            sync.Mutex
	identities    map[string]*domain.Identity
	subscriptions map[string]*domain.Subscription
	nextID        int
	deleted       []string
}

func newFakeSubStore() *fakeSubStore {
	return &fakeSubStore{
		identities:    make(map[string]*domain.Identity),
		subscriptions: make(map[string]*domain.Subscription),
	}
}

func (s *fakeSubStore) GetIdentityByPubkey(ctx context.Context, pubkey string) (*domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identities[pubkey], nil
}

func (s *fakeSubStore) CreateSubscription(ctx context.Context, userID string, filters []nostr.Filter, relays []string, webhook string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	sub := &domain.Subscription{
		ID:        "sub-" + string(rune('0'+s.nextID)),
		UserID:    userID,
		Filters:   filters,
		Relays:    relays,
		Webhook:   webhook,
		Active:    true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	s.subscriptions[sub.ID] = sub
	return sub, nil
}

func (s *fakeSubStore) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptions[id], nil
}

func (s *fakeSubStore) UpdateSubscription(ctx context.Context, id string, patch store.SubscriptionPatch) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, nil
	}
	if patch.Filters != nil {
		sub.Filters = *patch.Filters
	}
	if patch.Relays != nil {
		sub.Relays = *patch.Relays
	}
	if patch.Webhook != nil {
		sub.Webhook = *patch.Webhook
	}
	sub.UpdatedAt = time.Now()
	return sub, nil
}

func (s *fakeSubStore) DeleteSubscription(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, id)
	s.deleted = append(s.deleted, id)
	return nil
}

type fakeRegistry struct {
	mu      sync.Mutex
	added   []domain.Subscription
	updated []domain.Subscription
	removed []string
}

func (r *fakeRegistry) Add(sub domain.Subscription) {
	r.mu.Lock()
	r.added = append(r.added, sub)
	r.mu.Unlock()
}

func (r *fakeRegistry) Update(sub domain.Subscription) {
	r.mu.Lock()
	r.updated = append(r.updated, sub)
	r.mu.Unlock()
}

func (r *fakeRegistry) Remove(id string) {
	r.mu.Lock()
	r.removed = append(r.removed, id)
	r.mu.Unlock()
}

type fakeStateNotifier struct {
	mu      sync.Mutex
	pubkeys []string
}

func (n *fakeStateNotifier) PublishSubscriptionsState(ctx context.Context, pubkey string) {
	n.mu.Lock()
	n.pubkeys = append(n.pubkeys, pubkey)
	n.mu.Unlock()
}

type handlerFixture struct {
	handler  *SubscriptionHandler
	store    *fakeSubStore
	registry *fakeRegistry
	notifier *fakeStateNotifier
	sk       string
	pubkey   string
}

func setupHandler(t *testing.T, credits int64) *handlerFixture {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}

	f := &handlerFixture{
		store:    newFakeSubStore(),
		registry: &fakeRegistry{},
		notifier: &fakeStateNotifier{},
		sk:       sk,
		pubkey:   pk,
	}
	f.store.identities[pk] = &domain.Identity{ID: "user-1", Pubkey: pk, Credits: credits}
	f.handler = NewSubscriptionHandler(f.store, f.registry, f.notifier)
	return f
}

func (f *handlerFixture) post(t *testing.T, handlerFn http.HandlerFunc, op string, content any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(content)
	if err != nil {
		t.Fatalf("marshal content: %v", err)
	}
	ev := signedRequest(t, f.sk, KindAPIRequest, nostr.Tags{{"t", op}}, string(raw))

	body, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/", bytes.NewReader(body))
	handlerFn(w, r)
	return w
}

func validCreateRequest() createSubscriptionRequest {
	return createSubscriptionRequest{
		Filters: []nostr.Filter{{Kinds: []int{1}}},
		Relays:  []string{"wss://relay.test"},
		Webhook: "https://example.com/hook",
	}
}

func TestCreateSubscription(t *testing.T) {
	f := setupHandler(t, 10)

	w := f.post(t, f.handler.Create, opNewSubscription, validCreateRequest())

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body: %s", w.Code, w.Body.String())
	}

	var resp subscriptionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !resp.Success || resp.Subscription == nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Subscription.Relays[0] != "wss://relay.test/" {
		t.Errorf("relay = %q, want normalized with trailing slash", resp.Subscription.Relays[0])
	}

	f.registry.mu.Lock()
	added := len(f.registry.added)
	f.registry.mu.Unlock()
	if added != 1 {
		t.Errorf("expected subscription registered live, added = %d", added)
	}
}

func TestCreateSubscription_InsufficientCredits(t *testing.T) {
	f := setupHandler(t, 0)

	w := f.post(t, f.handler.Create, opNewSubscription, validCreateRequest())

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body: %s", w.Code, w.Body.String())
	}
	if len(f.store.subscriptions) != 0 {
		t.Error("no subscription should be created without credits")
	}
}

func TestCreateSubscription_UnknownUser(t *testing.T) {
	f := setupHandler(t, 10)
	delete(f.store.identities, f.pubkey)

	w := f.post(t, f.handler.Create, opNewSubscription, validCreateRequest())

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestCreateSubscription_WrongOperationTag(t *testing.T) {
	f := setupHandler(t, 10)

	w := f.post(t, f.handler.Create, "something-else", validCreateRequest())

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
}

func TestCreateSubscription_RejectsInsecureRelay(t *testing.T) {
	f := setupHandler(t, 10)

	req := validCreateRequest()
	req.Relays = []string{"ws://relay.insecure"}
	w := f.post(t, f.handler.Create, opNewSubscription, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
}

func TestCreateSubscription_UnsignedRejected(t *testing.T) {
	f := setupHandler(t, 10)

	raw, _ := json.Marshal(validCreateRequest())
	ev := &nostr.Event{
		PubKey:    f.pubkey,
		CreatedAt: nostr.Now(),
		Kind:      KindAPIRequest,
		Tags:      nostr.Tags{{"t", opNewSubscription}},
		Content:   string(raw),
	}

	body, _ := json.Marshal(ev)
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/", bytes.NewReader(body))
	f.handler.Create(w, r)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 for unsigned event", w.Code)
	}
}

func TestUpdateSubscription(t *testing.T) {
	f := setupHandler(t, 10)
	sub, _ := f.store.CreateSubscription(context.Background(), "user-1",
		[]nostr.Filter{{Kinds: []int{1}}}, []string{"wss://relay.test/"}, "https://example.com/hook")

	newWebhook := "https://example.com/hook2"
	w := f.post(t, f.handler.Update, opSubscriptionUpdate, updateSubscriptionRequest{
		SubscriptionID: sub.ID,
		Webhook:        &newWebhook,
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", w.Code, w.Body.String())
	}
	if got := f.store.subscriptions[sub.ID].Webhook; got != newWebhook {
		t.Errorf("webhook = %q, want %q", got, newWebhook)
	}

	f.registry.mu.Lock()
	updated := len(f.registry.updated)
	f.registry.mu.Unlock()
	if updated != 1 {
		t.Errorf("expected live registration refreshed, updated = %d", updated)
	}
}

func TestUpdateSubscription_OwnershipEnforced(t *testing.T) {
	f := setupHandler(t, 10)
	// Owned by a different user id.
	sub, _ := f.store.CreateSubscription(context.Background(), "someone-else",
		[]nostr.Filter{{Kinds: []int{1}}}, []string{"wss://relay.test/"}, "https://example.com/hook")

	newWebhook := "https://example.com/stolen"
	w := f.post(t, f.handler.Update, opSubscriptionUpdate, updateSubscriptionRequest{
		SubscriptionID: sub.ID,
		Webhook:        &newWebhook,
	})

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for foreign subscription", w.Code)
	}
	if got := f.store.subscriptions[sub.ID].Webhook; got != "https://example.com/hook" {
		t.Errorf("webhook changed to %q despite failed ownership check", got)
	}
}

func TestDeleteSubscription(t *testing.T) {
	f := setupHandler(t, 10)
	sub, _ := f.store.CreateSubscription(context.Background(), "user-1",
		[]nostr.Filter{{Kinds: []int{1}}}, []string{"wss://relay.test/"}, "https://example.com/hook")

	w := f.post(t, f.handler.Delete, opSubscriptionDelete, deleteSubscriptionRequest{SubscriptionID: sub.ID})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", w.Code, w.Body.String())
	}

	f.registry.mu.Lock()
	removed := append([]string(nil), f.registry.removed...)
	f.registry.mu.Unlock()
	if len(removed) != 1 || removed[0] != sub.ID {
		t.Errorf("registry removals = %v, want [%s]", removed, sub.ID)
	}
	if _, ok := f.store.subscriptions[sub.ID]; ok {
		t.Error("subscription should be deleted from the store")
	}
}

func TestDeleteSubscription_Missing(t *testing.T) {
	f := setupHandler(t, 10)

	w := f.post(t, f.handler.Delete, opSubscriptionDelete, deleteSubscriptionRequest{SubscriptionID: "nope"})

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
