// Package submgr owns the registry of live subscriptions: which filters are
// open on which relays, where matched events go, and how far delivery has
// progressed (the lastSeenAt cursor). It is the only writer of the cursor.
package submgr

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/lacartera/hostr/internal/domain"
	"github.com/lacartera/hostr/internal/relay"
)

// Store is the slice of the persistence layer the manager needs.
type Store interface {
	FindActiveWithCredits(ctx context.Context) ([]domain.Subscription, error)
	UpdateLastSeenAt(ctx context.Context, id string, ts nostr.Timestamp) (*domain.Subscription, error)
	DeactivateSubscription(ctx context.Context, id string) (pubkey string, err error)
}

// Deduper answers whether an event was already handled for a subscription.
type Deduper interface {
	IsHandled(ctx context.Context, subscriptionID, eventID string) (bool, error)
}

// Enqueuer accepts matched events for webhook delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev *nostr.Event, subscriptionID, webhookURL string) error
}

// Notifier publishes the user-facing subscriptions-state summary.
// Implementations must not block on network failures.
type Notifier interface {
	PublishSubscriptionsState(ctx context.Context, pubkey string)
}

type Manager struct {
	store    Store
	dedup    Deduper
	queue    Enqueuer
	notifier Notifier
	mux      *relay.Multiplexer
	logger   *slog.Logger

	mu      sync.Mutex
	subs    map[string]*entry
	nextGen uint64
}

// entry is a live registration. The generation token invalidates callbacks
// from superseded registrations: consumer goroutines compare their token
// against the registry before acting on an event.
type entry struct {
	data      domain.Subscription
	filters   nostr.Filters
	gen       uint64
	ctx       context.Context
	cancel    context.CancelFunc
	relaySubs map[string]relay.Sub
}

func New(store Store, dedup Deduper, queue Enqueuer, notifier Notifier, mux *relay.Multiplexer, logger *slog.Logger) *Manager {
	m := &Manager{
		store:    store,
		dedup:    dedup,
		queue:    queue,
		notifier: notifier,
		mux:      mux,
		logger:   logger,
		subs:     make(map[string]*entry),
	}
	mux.OnConnect(m.handleRelayConnect)
	return m
}

// Load registers every persisted subscription that is active and whose
// owner still has credits. Exhausted users are never reloaded; that is the
// admission control for restarts.
func (m *Manager) Load(ctx context.Context) error {
	subs, err := m.store.FindActiveWithCredits(ctx)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		m.Add(sub)
	}
	m.logger.Info("active subscriptions loaded", "count", len(subs))
	return nil
}

// Add registers a subscription and opens (or reuses) its relay
// connections. Re-adding an id replaces the prior registration; update and
// cursor-advance flows rely on that.
func (m *Manager) Add(sub domain.Subscription) {
	m.mu.Lock()
	var oldRelaySubs []relay.Sub
	var oldRelays []string
	if old, ok := m.subs[sub.ID]; ok {
		oldRelaySubs = m.teardownLocked(old)
		oldRelays = old.data.Relays
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.nextGen++
	e := &entry{
		data:      sub,
		filters:   adjustFilters(sub.LastSeenAt, sub.Filters),
		gen:       m.nextGen,
		ctx:       ctx,
		cancel:    cancel,
		relaySubs: make(map[string]relay.Sub),
	}
	m.subs[sub.ID] = e
	m.mu.Unlock()

	for _, s := range oldRelaySubs {
		s.Unsub()
	}

	// Acquire the new relay set before releasing the prior one so a relay
	// referenced by both registrations is never dropped and redialed.
	for _, url := range sub.Relays {
		m.mux.Acquire(url, sub.ID)
		if conn, ok := m.mux.Conn(url); ok {
			m.subscribeToRelay(e, conn)
		}
		// Not yet connected: the on-connect hook subscribes once the
		// dial completes.
	}
	for _, url := range oldRelays {
		m.mux.Release(url, sub.ID)
	}
	m.logger.Info("subscription added", "subscription_id", sub.ID)
}

// Remove stops the relay-level subscriptions, detaches callbacks and
// releases relay connections no other subscription references.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	e, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.subs, id)
	relaySubs := m.teardownLocked(e)
	relays := e.data.Relays
	m.mu.Unlock()

	for _, s := range relaySubs {
		s.Unsub()
	}
	for _, url := range relays {
		m.mux.Release(url, id)
	}
	m.logger.Info("subscription removed", "subscription_id", id)
}

// teardownLocked cancels an entry's consumers and returns its live relay
// subscriptions for the caller to unsubscribe outside the lock.
func (m *Manager) teardownLocked(e *entry) []relay.Sub {
	e.cancel()
	subs := make([]relay.Sub, 0, len(e.relaySubs))
	for _, s := range e.relaySubs {
		subs = append(subs, s)
	}
	e.relaySubs = make(map[string]relay.Sub)
	return subs
}

// Update replaces a registration with a new definition. Equivalent to
// remove-then-add, done in place so shared relays stay connected.
func (m *Manager) Update(sub domain.Subscription) {
	m.Add(sub)
}

// Deactivate removes the live subscription, persists active=false and
// notifies the owner. Called by the ledger on credit exhaustion and by the
// dispatcher on delivery exhaustion.
func (m *Manager) Deactivate(ctx context.Context, id string) error {
	m.Remove(id)
	pubkey, err := m.store.DeactivateSubscription(ctx, id)
	if err != nil {
		return err
	}
	go m.notifier.PublishSubscriptionsState(context.Background(), pubkey)
	m.logger.Info("subscription deactivated", "subscription_id", id)
	return nil
}

// UpdateLastSeenAt persists the new cursor and re-issues the subscription
// so the relay-level filters carry the new lower time bound. This is what
// bounds replay after a restart.
func (m *Manager) UpdateLastSeenAt(ctx context.Context, id string, ts nostr.Timestamp) error {
	sub, err := m.store.UpdateLastSeenAt(ctx, id, ts)
	if err != nil {
		return err
	}
	if sub == nil {
		// Deleted concurrently; nothing to re-issue.
		return nil
	}
	m.Update(*sub)
	m.logger.Debug("cursor advanced", "subscription_id", id, "last_seen_at", ts)
	return nil
}

// handleRelayConnect re-issues, with cursor-adjusted filters, every
// registered subscription that references the newly connected relay. A
// relay flapping mid-stream therefore re-requests from the last confirmed
// watermark instead of silently dropping events; the duplicate deliveries
// this allows are absorbed by the deduplicator.
func (m *Manager) handleRelayConnect(url string) {
	m.mu.Lock()
	targets := make([]*entry, 0)
	for _, e := range m.subs {
		if slices.Contains(e.data.Relays, url) {
			targets = append(targets, e)
		}
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	conn, ok := m.mux.Conn(url)
	if !ok {
		return
	}
	for _, e := range targets {
		m.subscribeToRelay(e, conn)
	}
}

// subscribeToRelay opens the relay-level subscription for an entry on one
// connection and starts its consumer. No-ops if the registration was
// superseded in the meantime.
func (m *Manager) subscribeToRelay(e *entry, conn relay.Conn) {
	m.mu.Lock()
	cur, ok := m.subs[e.data.ID]
	if !ok || cur.gen != e.gen {
		m.mu.Unlock()
		return
	}
	if old, ok := e.relaySubs[conn.URL()]; ok {
		delete(e.relaySubs, conn.URL())
		defer old.Unsub()
	}
	filters := e.filters
	ctx := e.ctx
	m.mu.Unlock()

	sub, err := conn.Subscribe(ctx, filters)
	if err != nil {
		m.logger.Warn("relay subscribe failed",
			"subscription_id", e.data.ID,
			"relay", conn.URL(),
			"error", err,
		)
		return
	}

	m.mu.Lock()
	cur, ok = m.subs[e.data.ID]
	if !ok || cur.gen != e.gen {
		m.mu.Unlock()
		sub.Unsub()
		return
	}
	if _, exists := e.relaySubs[conn.URL()]; exists {
		// A concurrent call registered first; exactly one live relay-level
		// subscription per (registration, relay).
		m.mu.Unlock()
		sub.Unsub()
		return
	}
	e.relaySubs[conn.URL()] = sub
	m.mu.Unlock()

	go m.consume(e, sub)
	m.logger.Debug("subscribed to relay", "subscription_id", e.data.ID, "relay", conn.URL())
}

// consume drains one relay-level subscription. Each subscription gets its
// own consumer so a slow downstream never blocks event delivery for other
// subscriptions sharing the connection.
func (m *Manager) consume(e *entry, sub relay.Sub) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			m.handleEvent(e.data.ID, e.gen, e.data.Webhook, ev)
		}
	}
}

func (m *Manager) handleEvent(subscriptionID string, gen uint64, webhook string, ev *nostr.Event) {
	m.mu.Lock()
	cur, ok := m.subs[subscriptionID]
	stale := !ok || cur.gen != gen
	m.mu.Unlock()
	if stale {
		// Registration superseded or removed while this event was in
		// flight; drop it.
		return
	}

	if ev == nil || ev.ID == "" {
		m.logger.Error("received event without id from relay", "subscription_id", subscriptionID)
		return
	}

	ctx := context.Background()
	handled, err := m.dedup.IsHandled(ctx, subscriptionID, ev.ID)
	if err != nil {
		// Fail open: the dispatch-level guard still protects side effects.
		m.logger.Error("dedup lookup failed", "error", err, "event_id", ev.ID)
	}
	if handled {
		m.logger.Debug("event already handled", "subscription_id", subscriptionID, "event_id", ev.ID)
		return
	}

	if err := m.queue.Enqueue(ctx, ev, subscriptionID, webhook); err != nil {
		// Cursor stays put so the event is replayed rather than lost.
		m.logger.Error("failed to enqueue webhook",
			"error", err,
			"subscription_id", subscriptionID,
			"event_id", ev.ID,
		)
		return
	}

	next := ev.CreatedAt + 1
	if ev.CreatedAt == 0 {
		next = nostr.Now() + 1
	}
	if err := m.UpdateLastSeenAt(ctx, subscriptionID, next); err != nil {
		m.logger.Error("failed to advance cursor",
			"error", err,
			"subscription_id", subscriptionID,
			"event_id", ev.ID,
		)
	}
}
