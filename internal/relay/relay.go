// Package relay bridges websocket connections to broker pub/sub channels.
//
// The relay is deliberately blind to prompt-handle semantics: it does not
// know which side of a channel is the worker and which is the listener. A
// connection that sends a message reveals itself as the producer leg and
// stops receiving echoes of its own traffic; that inference is the only
// role mechanism, so the protocol assumes at most one writer and one reader
// per token.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/promptq/promptq/internal/broker"
	"github.com/promptq/promptq/internal/store"
	"github.com/promptq/promptq/pkg/models"
)

const defaultWatchdogTick = time.Second

// HandleResolver resolves rendezvous tokens to live prompt handles.
// Satisfied by store.Store.
type HandleResolver interface {
	FindByRendezvousToken(ctx context.Context, token string) (*models.PromptHandle, error)
}

type role int

const (
	roleUndetermined role = iota
	roleProducer
)

// Relay serves one bridge per inbound websocket connection.
type Relay struct {
	resolver    HandleResolver
	broker      broker.Broker
	idleTimeout time.Duration

	// watchdogTick is shortened in tests.
	watchdogTick time.Duration
	upgrader     websocket.Upgrader
}

func New(resolver HandleResolver, br broker.Broker, idleTimeout time.Duration) *Relay {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	return &Relay{
		resolver:     resolver,
		broker:       br,
		idleTimeout:  idleTimeout,
		watchdogTick: defaultWatchdogTick,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the websocket endpoint for /{prefix}/{token} routes.
func (r *Relay) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token := chi.URLParam(req, "token")

		// Reject unknown tokens before the upgrade so dead or guessed
		// tokens fail immediately instead of hanging.
		handle, err := r.resolver.FindByRendezvousToken(req.Context(), token)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "unknown stream token", http.StatusNotFound)
				return
			}
			slog.Error("token lookup failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		// A finished or failed handle will never produce another fragment,
		// and a fresh listener would sit in the zero-fragment grace period
		// forever waiting for one. Refuse the connection instead.
		if handle.Terminal() {
			http.Error(w, "stream already ended", http.StatusGone)
			return
		}

		conn, err := r.upgrader.Upgrade(w, req, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "error", err)
			return
		}

		sub, err := r.broker.Subscribe(req.Context(), token)
		if err != nil {
			slog.Error("broker subscribe failed", "error", err)
			_ = conn.Close()
			return
		}

		ConnectionsTotal.Inc()
		ActiveConnections.Inc()
		defer ActiveConnections.Dec()

		r.bridge(token, conn, sub)
	}
}

// session is the per-connection record shared by the three bridge loops.
type session struct {
	id        uuid.UUID
	startedAt time.Time

	mu               sync.Mutex
	lastActivity     time.Time
	role             role
	closed           bool
	fragmentsRelayed int
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// markProducer flips the connection role on its first inbound message.
// Returns true only on the transition.
func (s *session) markProducer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role == roleProducer {
		return false
	}
	s.role = roleProducer
	return true
}

func (s *session) isProducer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role == roleProducer
}

func (s *session) countFragment() {
	s.mu.Lock()
	s.fragmentsRelayed++
	s.mu.Unlock()
}

// idleState snapshots what the watchdog needs in one lock acquisition.
func (s *session) idleState() (closed bool, idle time.Duration, exempt bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A listener that arrived before any worker attached waits
	// indefinitely; it only becomes subject to the timeout once traffic
	// has flowed.
	exempt = s.fragmentsRelayed == 0 && s.role != roleProducer
	return s.closed, time.Since(s.lastActivity), exempt
}

func (s *session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// bridge runs the three per-connection activities and blocks until all of
// them have stopped.
func (r *Relay) bridge(token string, conn *websocket.Conn, sub broker.Subscription) {
	sess := &session{
		id:           uuid.New(),
		startedAt:    time.Now(),
		lastActivity: time.Now(),
	}

	slog.Debug("relay connection opened", "session_id", sess.id)

	// close tears the connection down idempotently; a double close is
	// swallowed and logged, never propagated.
	closeOnce := func() {
		if !sess.markClosed() {
			slog.Debug("relay connection already closed", "session_id", sess.id)
			return
		}
		if err := sub.Close(); err != nil {
			slog.Debug("unsubscribe failed", "session_id", sess.id, "error", err)
		}
		if err := conn.Close(); err != nil {
			slog.Debug("websocket close failed", "session_id", sess.id, "error", err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		defer closeOnce()
		r.brokerToTransport(sess, conn, sub)
	}()
	go func() {
		defer wg.Done()
		defer closeOnce()
		r.transportToBroker(sess, token, conn)
	}()
	go func() {
		defer wg.Done()
		r.watchdog(sess, closeOnce)
	}()

	wg.Wait()
	slog.Debug("relay connection closed",
		"session_id", sess.id,
		"fragments_relayed", sess.fragmentsRelayed,
		"duration_ms", time.Since(sess.startedAt).Milliseconds(),
	)
}

// brokerToTransport forwards published messages to the websocket, unless
// this connection has revealed itself as the producer leg.
func (r *Relay) brokerToTransport(sess *session, conn *websocket.Conn, sub broker.Subscription) {
	for msg := range sub.Messages() {
		sess.touch()
		if sess.isProducer() {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			slog.Debug("relay write failed", "session_id", sess.id, "error", err)
			return
		}
		sess.countFragment()
		FragmentsRelayedTotal.Inc()
	}
}

// transportToBroker publishes everything received from the websocket onto
// the token channel. The first inbound message marks this connection as the
// producer.
func (r *Relay) transportToBroker(sess *session, token string, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Debug("relay read ended", "session_id", sess.id, "error", err)
			return
		}
		if sess.markProducer() {
			slog.Debug("relay connection identified as producer", "session_id", sess.id)
		}
		sess.touch()
		if err := r.broker.Publish(context.Background(), token, string(data)); err != nil {
			slog.Error("relay publish failed", "session_id", sess.id, "error", err)
			return
		}
	}
}

// watchdog force-closes idle connections.
func (r *Relay) watchdog(sess *session, closeOnce func()) {
	ticker := time.NewTicker(r.watchdogTick)
	defer ticker.Stop()

	for range ticker.C {
		closed, idle, exempt := sess.idleState()
		if closed {
			return
		}
		if exempt {
			continue
		}
		if idle > r.idleTimeout {
			slog.Debug("relay connection idle, closing",
				"session_id", sess.id, "idle_ms", idle.Milliseconds())
			closeOnce()
			return
		}
	}
}
