package notifystore

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Subscriber owns the push channel for a store: one long-lived WebSocket
// connection per authenticated session, torn down and re-dialed whenever the
// session changes and torn down for good on Close, with no reconnect of its
// own. It belongs to the store's lifecycle, not to any single UI surface, so
// every surface reading the store shares one subscription.
type Subscriber struct {
	store  *Store
	wsURL  string
	dialer *websocket.Dialer
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	done chan struct{}
}

func NewSubscriber(store *Store, wsURL string, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		store:  store,
		wsURL:  wsURL,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

// Start dials the push channel for the given session and begins feeding the
// store. Any previous connection is closed first. Dial failures surface as a
// channel error on the store; the cache keeps its last-known-good state.
func (s *Subscriber) Start(session Session) error {
	s.Stop()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+session.Token)

	conn, resp, err := s.dialer.Dial(s.wsURL, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("push channel dial failed (status %d): %w", resp.StatusCode, err)
		}
		s.store.setChannelError(err)
		return err
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.conn = conn
	s.done = done
	s.mu.Unlock()

	go s.readLoop(conn, done)
	return nil
}

// SetSession re-points the store at a new session and re-establishes the
// push channel for it. Logout (an empty session) just tears down.
func (s *Subscriber) SetSession(session Session) error {
	s.store.SetSession(session)
	if session == (Session{}) {
		s.Stop()
		return nil
	}
	return s.Start(session)
}

// Stop closes the current connection, if any.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	conn, done := s.conn, s.done
	s.conn, s.done = nil, nil
	s.mu.Unlock()

	if conn != nil {
		close(done)
		conn.Close()
	}
}

func (s *Subscriber) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				// Deliberate teardown.
			default:
				s.logger.Warn("push channel closed", "error", err)
				s.store.setChannelError(err)
			}
			return
		}
		s.store.ApplyPush(payload)
	}
}
