// Package notify publishes user-facing state events back to the Nostr
// network: the credit balance after every charge and the encrypted
// subscriptions summary after every state change. All publishing is best
// effort; delivery and metering never wait on it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"

	"github.com/lacartera/hostr/internal/domain"
	"github.com/lacartera/hostr/internal/relay"
	"github.com/lacartera/hostr/internal/store"
)

// Event kinds for published state.
const (
	KindCreditsBalance     = 31111
	KindSubscriptionsState = 31112
)

// Store is the persistence slice the publisher needs.
type Store interface {
	GetIdentityByPubkey(ctx context.Context, pubkey string) (*domain.Identity, error)
	ListUserSubscriptionSummaries(ctx context.Context, pubkey string) ([]store.SubscriptionSummary, error)
}

// Publisher signs state events with the service key and writes them to the
// configured relays.
type Publisher struct {
	secretKey string
	pubkey    string
	relays    []string
	dialer    relay.Dialer
	store     Store
	logger    *slog.Logger

	mu    sync.Mutex
	conns map[string]relay.Conn
}

func NewPublisher(secretKey string, relays []string, dialer relay.Dialer, store Store, logger *slog.Logger) (*Publisher, error) {
	pubkey, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("deriving service pubkey: %w", err)
	}
	return &Publisher{
		secretKey: secretKey,
		pubkey:    pubkey,
		relays:    relays,
		dialer:    dialer,
		store:     store,
		logger:    logger,
		conns:     make(map[string]relay.Conn),
	}, nil
}

// Pubkey returns the service signing pubkey.
func (p *Publisher) Pubkey() string {
	return p.pubkey
}

// PublishCreditsBalance publishes the owner's current balance as a
// replaceable event addressed by "credits:<pubkey>".
func (p *Publisher) PublishCreditsBalance(ctx context.Context, pubkey string) {
	identity, err := p.store.GetIdentityByPubkey(ctx, pubkey)
	if err != nil {
		p.logger.Error("failed to load identity for balance event", "error", err, "pubkey", pubkey)
		return
	}
	if identity == nil {
		return
	}

	ev := nostr.Event{
		PubKey:    p.pubkey,
		CreatedAt: nostr.Now(),
		Kind:      KindCreditsBalance,
		Tags: nostr.Tags{
			{"d", "credits:" + pubkey},
			{"amount", strconv.FormatInt(identity.Credits, 10)},
			{"p", pubkey},
		},
	}
	if err := ev.Sign(p.secretKey); err != nil {
		p.logger.Error("failed to sign balance event", "error", err)
		return
	}
	p.publish(ctx, ev)
	p.logger.Debug("credits balance published", "pubkey", pubkey, "credits", identity.Credits)
}

type subscriptionState struct {
	SubscriptionID string         `json:"subscriptionId"`
	Filters        []nostr.Filter `json:"filters"`
	Relays         []string       `json:"relays"`
	Webhook        string         `json:"webhook"`
	EventLogs      int            `json:"eventLogs"`
	Active         int            `json:"active"`
}

// PublishSubscriptionsState publishes the owner's full subscription list as
// a replaceable event. The payload is NIP-04 encrypted to the owner; only
// they can read their webhook URLs and filters.
func (p *Publisher) PublishSubscriptionsState(ctx context.Context, pubkey string) {
	summaries, err := p.store.ListUserSubscriptionSummaries(ctx, pubkey)
	if err != nil {
		p.logger.Error("failed to load subscriptions for state event", "error", err, "pubkey", pubkey)
		return
	}

	states := make([]subscriptionState, 0, len(summaries))
	for _, s := range summaries {
		active := 0
		if s.Subscription.Active {
			active = 1
		}
		states = append(states, subscriptionState{
			SubscriptionID: s.Subscription.ID,
			Filters:        s.Subscription.Filters,
			Relays:         s.Subscription.Relays,
			Webhook:        s.Subscription.Webhook,
			EventLogs:      s.EventLogs,
			Active:         active,
		})
	}

	payload, err := json.Marshal(map[string]any{"subscriptions": states})
	if err != nil {
		p.logger.Error("failed to encode subscriptions state", "error", err)
		return
	}

	shared, err := nip04.ComputeSharedSecret(pubkey, p.secretKey)
	if err != nil {
		p.logger.Error("failed to compute shared secret", "error", err, "pubkey", pubkey)
		return
	}
	content, err := nip04.Encrypt(string(payload), shared)
	if err != nil {
		p.logger.Error("failed to encrypt subscriptions state", "error", err)
		return
	}

	ev := nostr.Event{
		PubKey:    p.pubkey,
		CreatedAt: nostr.Now(),
		Kind:      KindSubscriptionsState,
		Tags: nostr.Tags{
			{"d", "subscriptions:" + pubkey},
			{"p", pubkey},
		},
		Content: content,
	}
	if err := ev.Sign(p.secretKey); err != nil {
		p.logger.Error("failed to sign subscriptions state event", "error", err)
		return
	}
	p.publish(ctx, ev)
	p.logger.Debug("subscriptions state published", "pubkey", pubkey, "count", len(states))
}

// publish writes the event to every configured relay, reusing cached
// connections. Failed relays are logged and their connections dropped so
// the next publish redials.
func (p *Publisher) publish(ctx context.Context, ev nostr.Event) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, url := range p.relays {
		conn, err := p.conn(ctx, url)
		if err != nil {
			p.logger.Warn("failed to dial write relay", "relay", url, "error", err)
			continue
		}
		if err := conn.Publish(ctx, ev); err != nil {
			p.logger.Warn("failed to publish event", "relay", url, "error", err, "kind", ev.Kind)
			p.dropConn(url, conn)
		}
	}
}

func (p *Publisher) conn(ctx context.Context, url string) (relay.Conn, error) {
	p.mu.Lock()
	if c, ok := p.conns[url]; ok {
		select {
		case <-c.Done():
			delete(p.conns, url)
		default:
			p.mu.Unlock()
			return c, nil
		}
	}
	p.mu.Unlock()

	c, err := p.dialer.Dial(ctx, url)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.conns[url] = c
	p.mu.Unlock()
	return c, nil
}

func (p *Publisher) dropConn(url string, conn relay.Conn) {
	p.mu.Lock()
	if p.conns[url] == conn {
		delete(p.conns, url)
	}
	p.mu.Unlock()
	conn.Close()
}

// Close drops all cached relay connections.
func (p *Publisher) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]relay.Conn)
	p.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
