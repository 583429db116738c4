package relay

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

type fakeSub struct {
	events chan *nostr.Event
	once   sync.Once
}

func (s *fakeSub) Events() <-chan *nostr.Event { return s.events }
func (s *fakeSub) Unsub()                      { s.once.Do(func() { close(s.events) }) }

type fakeConn struct {
	url    string
	done   chan struct{}
	closed sync.Once
}

func (c *fakeConn) URL() string { return c.url }

func (c *fakeConn) Subscribe(ctx context.Context, filters nostr.Filters) (Sub, error) {
	return &fakeSub{events: make(chan *nostr.Event, 8)}, nil
}

func (c *fakeConn) Publish(ctx context.Context, ev nostr.Event) error { return nil }

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Close() error {
	c.closed.Do(func() { close(c.done) })
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	dials map[string]int
	conns map[string]*fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dials: make(map[string]int), conns: make(map[string]*fakeConn)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[url]++
	c := &fakeConn{url: url, done: make(chan struct{})}
	d.conns[url] = c
	return c, nil
}

func (d *fakeDialer) dialCount(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[url]
}

func (d *fakeDialer) conn(url string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[url]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

const testRelayURL = "wss://relay.test/"

func TestMultiplexer_AcquireDialsOnce(t *testing.T) {
	dialer := newFakeDialer()
	m := NewMultiplexer(dialer, testLogger())

	connected := make(chan string, 8)
	m.OnConnect(func(url string) { connected <- url })

	m.Acquire(testRelayURL, "sub-1")
	t.Cleanup(m.Close)

	select {
	case url := <-connected:
		if url != testRelayURL {
			t.Errorf("connected url = %q, want %q", url, testRelayURL)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("on-connect hook never fired")
	}

	m.Acquire(testRelayURL, "sub-2")
	time.Sleep(50 * time.Millisecond)

	if n := dialer.dialCount(testRelayURL); n != 1 {
		t.Errorf("expected 1 dial for shared relay, got %d", n)
	}
	if _, ok := m.Conn(testRelayURL); !ok {
		t.Error("connection should be available")
	}
	if refs := m.Refs(testRelayURL); refs != 2 {
		t.Errorf("Refs = %d, want 2", refs)
	}
}

func TestMultiplexer_ReleaseEvictsOnLastReference(t *testing.T) {
	dialer := newFakeDialer()
	m := NewMultiplexer(dialer, testLogger())
	m.OnConnect(func(string) {})

	m.Acquire(testRelayURL, "sub-1")
	m.Acquire(testRelayURL, "sub-2")
	t.Cleanup(m.Close)

	waitFor(t, 2*time.Second, func() bool {
		_, ok := m.Conn(testRelayURL)
		return ok
	})

	m.Release(testRelayURL, "sub-1")
	if _, ok := m.Conn(testRelayURL); !ok {
		t.Error("connection should survive while referenced")
	}

	m.Release(testRelayURL, "sub-2")
	if _, ok := m.Conn(testRelayURL); ok {
		t.Error("connection should be evicted after the last release")
	}
	if refs := m.Refs(testRelayURL); refs != 0 {
		t.Errorf("Refs = %d, want 0", refs)
	}

	conn := dialer.conn(testRelayURL)
	select {
	case <-conn.done:
	case <-time.After(time.Second):
		t.Error("underlying connection should be closed on eviction")
	}
}

func TestMultiplexer_CountedReferences(t *testing.T) {
	dialer := newFakeDialer()
	m := NewMultiplexer(dialer, testLogger())
	m.OnConnect(func(string) {})
	t.Cleanup(m.Close)

	// A registration replacement briefly holds two references.
	m.Acquire(testRelayURL, "sub-1")
	m.Acquire(testRelayURL, "sub-1")
	m.Release(testRelayURL, "sub-1")

	waitFor(t, 2*time.Second, func() bool {
		_, ok := m.Conn(testRelayURL)
		return ok
	})

	if refs := m.Refs(testRelayURL); refs != 1 {
		t.Errorf("Refs = %d, want 1", refs)
	}
	if n := dialer.dialCount(testRelayURL); n != 1 {
		t.Errorf("expected no redial during replacement, got %d dials", n)
	}
}

func TestMultiplexer_RedialsAfterDrop(t *testing.T) {
	dialer := newFakeDialer()
	m := NewMultiplexer(dialer, testLogger())

	connected := make(chan string, 8)
	m.OnConnect(func(url string) { connected <- url })

	m.Acquire(testRelayURL, "sub-1")
	t.Cleanup(m.Close)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("initial connect never happened")
	}

	// Drop the connection; the run loop should redial and re-announce.
	dialer.conn(testRelayURL).Close()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect never happened")
	}

	if n := dialer.dialCount(testRelayURL); n < 2 {
		t.Errorf("expected a redial after drop, got %d dials", n)
	}
}
