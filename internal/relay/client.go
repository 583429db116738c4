// Package relay owns the connections to the Nostr relay network: a thin
// abstraction over the wire client plus a multiplexer that shares one
// connection per relay URL across all subscriptions referencing it.
package relay

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Sub is a live relay-level subscription.
type Sub interface {
	// Events yields inbound events until the subscription is stopped or
	// the connection drops. The channel is closed afterwards.
	Events() <-chan *nostr.Event
	Unsub()
}

// Conn is a single relay connection.
type Conn interface {
	URL() string
	Subscribe(ctx context.Context, filters nostr.Filters) (Sub, error)
	Publish(ctx context.Context, ev nostr.Event) error
	// Done is closed when the connection is lost.
	Done() <-chan struct{}
	Close() error
}

// Dialer opens relay connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type nostrDialer struct{}

// NewDialer returns a Dialer backed by the go-nostr client.
func NewDialer() Dialer {
	return nostrDialer{}
}

func (nostrDialer) Dial(ctx context.Context, url string) (Conn, error) {
	r, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &nostrConn{relay: r}, nil
}

type nostrConn struct {
	relay *nostr.Relay
}

func (c *nostrConn) URL() string {
	return c.relay.URL
}

func (c *nostrConn) Subscribe(ctx context.Context, filters nostr.Filters) (Sub, error) {
	sub, err := c.relay.Subscribe(ctx, filters)
	if err != nil {
		return nil, err
	}
	return nostrSub{sub: sub}, nil
}

func (c *nostrConn) Publish(ctx context.Context, ev nostr.Event) error {
	return c.relay.Publish(ctx, ev)
}

func (c *nostrConn) Done() <-chan struct{} {
	return c.relay.Context().Done()
}

func (c *nostrConn) Close() error {
	return c.relay.Close()
}

type nostrSub struct {
	sub *nostr.Subscription
}

func (s nostrSub) Events() <-chan *nostr.Event {
	return s.sub.Events
}

func (s nostrSub) Unsub() {
	s.sub.Unsub()
}
