package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Connection status, in transition order.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

const (
	initialRedial = time.Second
	maxRedial     = 30 * time.Second
)

// Multiplexer shares one connection per relay URL across subscriptions.
// Each relay tracks the set of subscription ids routed through it; the
// connection is dialed on the first acquisition and closed and evicted when
// the last reference is released. A background loop per relay redials after
// drops and invokes the on-connect hook on every transition to connected,
// which is the signal the subscription manager uses to (re)issue its
// relay-level subscriptions.
type Multiplexer struct {
	dialer    Dialer
	logger    *slog.Logger
	onConnect func(url string)

	mu     sync.Mutex
	relays map[string]*relayState
}

type relayState struct {
	url    string
	status Status
	conn   Conn
	// refs counts acquisitions per subscription id. A subscription may
	// briefly hold two references to the same relay while its
	// registration is being replaced.
	refs   map[string]int
	cancel context.CancelFunc
}

func NewMultiplexer(dialer Dialer, logger *slog.Logger) *Multiplexer {
	return &Multiplexer{
		dialer: dialer,
		logger: logger,
		relays: make(map[string]*relayState),
	}
}

// OnConnect sets the hook invoked each time a relay reaches connected.
// Must be set before the first Acquire.
func (m *Multiplexer) OnConnect(fn func(url string)) {
	m.onConnect = fn
}

// Acquire registers a subscription's interest in a relay. The first
// acquisition of a URL starts its connection loop.
func (m *Multiplexer) Acquire(url, subscriptionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.relays[url]; ok {
		st.refs[subscriptionID]++
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	st := &relayState{
		url:    url,
		status: StatusConnecting,
		refs:   map[string]int{subscriptionID: 1},
		cancel: cancel,
	}
	m.relays[url] = st
	go m.run(ctx, st)
}

// Release drops a subscription's interest in a relay. The connection is
// closed and evicted only when no other subscription references it.
func (m *Multiplexer) Release(url, subscriptionID string) {
	m.mu.Lock()
	st, ok := m.relays[url]
	if !ok {
		m.mu.Unlock()
		return
	}
	if st.refs[subscriptionID]--; st.refs[subscriptionID] <= 0 {
		delete(st.refs, subscriptionID)
	}
	if len(st.refs) > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.relays, url)
	conn := st.conn
	st.conn = nil
	st.status = StatusDisconnected
	m.mu.Unlock()

	st.cancel()
	if conn != nil {
		conn.Close()
	}
	m.logger.Info("relay disconnected and evicted", "relay", url)
}

// Conn returns the live connection for a relay URL, if connected.
func (m *Multiplexer) Conn(url string) (Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.relays[url]
	if !ok || st.status != StatusConnected || st.conn == nil {
		return nil, false
	}
	return st.conn, true
}

// Refs returns how many subscriptions currently reference a relay.
func (m *Multiplexer) Refs(url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.relays[url]
	if !ok {
		return 0
	}
	return len(st.refs)
}

// Close tears down every connection. Used on shutdown.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	states := make([]*relayState, 0, len(m.relays))
	for url, st := range m.relays {
		states = append(states, st)
		delete(m.relays, url)
	}
	m.mu.Unlock()

	for _, st := range states {
		st.cancel()
		if st.conn != nil {
			st.conn.Close()
		}
	}
}

// run dials the relay until connected, watches for drops and redials with
// backoff. Exits when the relay is released.
func (m *Multiplexer) run(ctx context.Context, st *relayState) {
	delay := initialRedial
	for {
		m.setState(st, StatusConnecting, nil)
		conn, err := m.dialer.Dial(ctx, st.url)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("relay dial failed", "relay", st.url, "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if delay *= 2; delay > maxRedial {
				delay = maxRedial
			}
			continue
		}

		delay = initialRedial
		m.setState(st, StatusConnected, conn)
		m.logger.Info("relay connected", "relay", st.url)
		if m.onConnect != nil {
			m.onConnect(st.url)
		}

		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-conn.Done():
			m.setState(st, StatusDisconnected, nil)
			m.logger.Warn("relay connection lost", "relay", st.url)
			conn.Close()
		}
	}
}

func (m *Multiplexer) setState(st *relayState, status Status, conn Conn) {
	m.mu.Lock()
	st.status = status
	st.conn = conn
	m.mu.Unlock()
}
