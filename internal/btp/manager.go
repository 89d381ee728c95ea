package btp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ilp-connector/connector/internal/clock"
)

// Manager indexes live Sessions by peer id and fans out lifecycle
// notifications. One Manager exists per connector node.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	clock  clock.Clock
	sink   EventSink
	logger *slog.Logger
}

// NewManager constructs an empty session registry.
func NewManager(c clock.Clock, sink EventSink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		clock:    c,
		sink:     sink,
		logger:   logger,
	}
}

// Register installs a session, replacing and closing any prior session
// for the same peer (the new socket wins).
func (m *Manager) Register(s *Session) {
	m.mu.Lock()
	old, existed := m.sessions[s.PeerID]
	m.sessions[s.PeerID] = s
	m.mu.Unlock()

	if existed {
		old.Close("superseded by new connection")
	}
}

// Get returns the live session for peerID, if any.
func (m *Manager) Get(peerID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[peerID]
	return s, ok
}

// Remove drops peerID from the registry (does not close the session;
// callers close before or after removing depending on who initiated it).
func (m *Manager) Remove(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, peerID)
}

// Peers lists every currently registered peer id.
func (m *Manager) Peers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// Accept performs the server side of a BTP handshake over an upgraded
// WebSocket connection whose peer identity isn't known until the AUTH
// frame arrives. secretFor resolves the claimed peer id to its
// configured shared secret; an unrecognized peer id or a bad secret
// rejects the connection with close code 4001. On success the new
// Session is registered under its real peer id.
func (m *Manager) Accept(ctx context.Context, conn Conn, secretFor func(peerID string) ([]byte, bool)) (*Session, error) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("btp: read auth frame: %w", err)
	}
	frame, err := Unmarshal(raw)
	if err != nil || frame.Type != TypeAuth {
		rejectUnidentified(conn)
		return nil, ErrAuthRejected
	}
	cred, err := ParseCredential(frame.Payload)
	if err != nil {
		rejectUnidentified(conn)
		return nil, ErrAuthRejected
	}

	secret, ok := secretFor(cred.PeerID)
	if !ok {
		rejectUnidentified(conn)
		return nil, ErrAuthRejected
	}

	s := NewSession(cred.PeerID, Config{SharedSecret: secret}, m.clock, m.sink, m.logger)
	if err := s.acceptFrame(ctx, conn, frame, cred); err != nil {
		return nil, err
	}
	m.Register(s)
	return s, nil
}

func rejectUnidentified(conn Conn) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCodeAuthFail, "auth rejected"))
	_ = conn.Close()
}

// NewSession builds and registers a fresh Session for peerID.
func (m *Manager) NewSession(peerID string, cfg Config) *Session {
	s := NewSession(peerID, cfg, m.clock, m.sink, m.logger)
	m.Register(s)
	return s
}

// CloseAll closes every session, failing their pending requests. Used
// during graceful shutdown.
func (m *Manager) CloseAll(reason string) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.Close(reason)
	}
}

// DialWithBackoff repeatedly attempts dialFn (the caller's WebSocket
// connect + handshake) with exponential backoff until it succeeds, ctx is
// canceled, or maxTries is exhausted (0 = unlimited).
func DialWithBackoff(ctx context.Context, c clock.Clock, maxTries int, dialFn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; maxTries == 0 || attempt <= maxTries; attempt++ {
		if err := dialFn(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.After(ReconnectBackoff(attempt)):
		}
	}
	return fmt.Errorf("btp: exhausted %d reconnect attempts: %w", maxTries, lastErr)
}
