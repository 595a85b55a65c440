package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/promptq/promptq/internal/broker"
	"github.com/promptq/promptq/internal/store"
	"github.com/promptq/promptq/pkg/models"
)

// fakeResolver maps rendezvous tokens to the state of their handle.
type fakeResolver struct {
	mu     sync.Mutex
	states map[string]string
}

func (r *fakeResolver) FindByRendezvousToken(_ context.Context, token string) (*models.PromptHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &models.PromptHandle{RendezvousToken: token, State: state}, nil
}

func (r *fakeResolver) setState(token, state string) {
	r.mu.Lock()
	r.states[token] = state
	r.mu.Unlock()
}

func newRelayServer(t *testing.T, idleTimeout time.Duration, tokens ...string) (*httptest.Server, *broker.MemoryBroker, *fakeResolver) {
	t.Helper()

	resolver := &fakeResolver{states: make(map[string]string)}
	for _, tok := range tokens {
		resolver.states[tok] = models.StateInProgress
	}

	br := broker.NewMemoryBroker()
	rly := New(resolver, br, idleTimeout)
	rly.watchdogTick = 10 * time.Millisecond

	r := chi.NewRouter()
	r.Get("/ws/{token}", rly.Handler())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { br.Close() })
	return srv, br, resolver
}

func dialRelay(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(srv.URL, "http", "ws", 1) + "/ws/" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWithin(t *testing.T, conn *websocket.Conn, timeout time.Duration) (string, error) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	return string(data), err
}

func TestRelay_UnknownTokenRejectedBeforeUpgrade(t *testing.T) {
	srv, _, _ := newRelayServer(t, time.Minute, "known-token")

	url := strings.Replace(srv.URL, "http", "ws", 1) + "/ws/bogus-token"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail for unknown token")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before upgrade, got %+v", resp)
	}
}

func TestRelay_TerminalHandleTokenRejectedBeforeUpgrade(t *testing.T) {
	srv, _, resolver := newRelayServer(t, 50*time.Millisecond, "done-tok", "dead-tok")
	resolver.setState("done-tok", models.StateFinished)
	resolver.setState("dead-tok", models.StateFailed)

	for _, token := range []string{"done-tok", "dead-tok"} {
		url := strings.Replace(srv.URL, "http", "ws", 1) + "/ws/" + token
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			t.Fatalf("expected dial to fail for %s", token)
		}
		if resp == nil || resp.StatusCode != http.StatusGone {
			t.Fatalf("expected 410 for %s before upgrade, got %+v", token, resp)
		}
	}
}

func TestRelay_PendingHandleTokenAccepted(t *testing.T) {
	srv, _, resolver := newRelayServer(t, time.Minute, "tok")
	resolver.setState("tok", models.StatePending)

	// A listener may attach before any worker has claimed the handle.
	dialRelay(t, srv, "tok")
}

func TestRelay_ForwardsProducerToListener(t *testing.T) {
	srv, _, _ := newRelayServer(t, time.Minute, "tok")

	listener := dialRelay(t, srv, "tok")
	producer := dialRelay(t, srv, "tok")

	// Give the listener's subscription time to attach before publishing.
	time.Sleep(20 * time.Millisecond)

	want := []string{"first ", "second ", "third"}
	for _, msg := range want {
		if err := producer.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("producer write: %v", err)
		}
	}

	for _, expected := range want {
		got, err := readWithin(t, listener, 2*time.Second)
		if err != nil {
			t.Fatalf("listener read: %v", err)
		}
		if got != expected {
			t.Errorf("expected %q, got %q", expected, got)
		}
	}
}

func TestRelay_ProducerDoesNotEchoItself(t *testing.T) {
	srv, _, _ := newRelayServer(t, time.Minute, "tok")

	producer := dialRelay(t, srv, "tok")
	if err := producer.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("producer write: %v", err)
	}

	if got, err := readWithin(t, producer, 100*time.Millisecond); err == nil {
		t.Fatalf("producer must not receive its own message, got %q", got)
	}
}

func TestRelay_TokensAreIsolated(t *testing.T) {
	srv, _, _ := newRelayServer(t, time.Minute, "tok-a", "tok-b")

	listenerA := dialRelay(t, srv, "tok-a")
	listenerB := dialRelay(t, srv, "tok-b")
	producerA := dialRelay(t, srv, "tok-a")

	time.Sleep(20 * time.Millisecond)

	if err := producerA.WriteMessage(websocket.TextMessage, []byte("for A only")); err != nil {
		t.Fatalf("producer write: %v", err)
	}

	if got, err := readWithin(t, listenerA, 2*time.Second); err != nil || got != "for A only" {
		t.Fatalf("listener A expected message, got %q err %v", got, err)
	}
	if got, err := readWithin(t, listenerB, 100*time.Millisecond); err == nil {
		t.Fatalf("listener B must not see channel A traffic, got %q", got)
	}
}

func TestRelay_QuietListenerExemptFromIdleTimeout(t *testing.T) {
	srv, _, _ := newRelayServer(t, 50*time.Millisecond, "tok")

	listener := dialRelay(t, srv, "tok")

	// Wait well past the idle timeout, then prove the connection is still
	// usable by pushing a message through it.
	time.Sleep(200 * time.Millisecond)

	producer := dialRelay(t, srv, "tok")
	time.Sleep(20 * time.Millisecond)
	if err := producer.WriteMessage(websocket.TextMessage, []byte("late")); err != nil {
		t.Fatalf("producer write: %v", err)
	}

	got, err := readWithin(t, listener, 2*time.Second)
	if err != nil {
		t.Fatalf("listener should have outlived the idle timeout: %v", err)
	}
	if got != "late" {
		t.Errorf("expected %q, got %q", "late", got)
	}
}

func TestRelay_IdleProducerClosed(t *testing.T) {
	srv, _, _ := newRelayServer(t, 50*time.Millisecond, "tok")

	producer := dialRelay(t, srv, "tok")
	if err := producer.WriteMessage(websocket.TextMessage, []byte("one")); err != nil {
		t.Fatalf("producer write: %v", err)
	}

	// The producer went quiet; the watchdog should hang up on it.
	if _, err := readWithin(t, producer, 2*time.Second); err == nil {
		t.Fatal("expected idle producer connection to be closed")
	}
}

func TestRelay_ListenerClosedAfterTrafficGoesIdle(t *testing.T) {
	srv, _, _ := newRelayServer(t, 50*time.Millisecond, "tok")

	listener := dialRelay(t, srv, "tok")
	producer := dialRelay(t, srv, "tok")
	time.Sleep(20 * time.Millisecond)

	if err := producer.WriteMessage(websocket.TextMessage, []byte("frag")); err != nil {
		t.Fatalf("producer write: %v", err)
	}
	if got, err := readWithin(t, listener, 2*time.Second); err != nil || got != "frag" {
		t.Fatalf("listener expected fragment, got %q err %v", got, err)
	}

	// Traffic has flowed, so the exemption no longer applies. The next
	// read should fail once the watchdog closes the idle connection.
	start := time.Now()
	if _, err := readWithin(t, listener, 2*time.Second); err == nil {
		t.Fatal("expected listener to be closed after going idle")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("idle close took too long: %v", elapsed)
	}
}

func TestRelay_ClientDisconnectCleansUp(t *testing.T) {
	srv, br, _ := newRelayServer(t, time.Minute, "tok")

	listener := dialRelay(t, srv, "tok")
	listener.Close()

	// Publishing after the disconnect must not block or panic even though
	// the server side is mid-teardown.
	deadline := time.After(2 * time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_ = br.Publish(context.Background(), "tok", "orphan")
			time.Sleep(5 * time.Millisecond)
		}
	}()
	select {
	case <-done:
	case <-deadline:
		t.Fatal("publish blocked after client disconnect")
	}
}
