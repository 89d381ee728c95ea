package btp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ilp-connector/connector/internal/clock"
	"github.com/ilp-connector/connector/internal/ilp"
)

// State is a Session's position in the BTP connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

var (
	ErrAuthRejected     = errors.New("btp: auth rejected")
	ErrSessionClosed    = errors.New("btp: session closed")
	ErrSendTimeout      = errors.New("btp: send timed out")
	ErrMissedKeepAlive  = errors.New("btp: missed two consecutive keep-alives")
)

const (
	keepAliveInterval  = 30 * time.Second
	missedPongsAllowed = 2
	closeCodeAuthFail  = 4001
	backoffBase        = time.Second
	backoffCap         = 30 * time.Second
)

// Conn is the subset of *websocket.Conn the session depends on, so tests
// can substitute an in-memory pipe.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// EventSink receives the handler callback for inbound Request frames and
// lifecycle notifications. Implemented by the Packet Handler (C8) in
// production and by a stub in tests.
type EventSink interface {
	// HandleIncoming is invoked for every inbound Prepare; the returned
	// packet (Fulfill or Reject) is sent back as the matching RESPONSE frame.
	HandleIncoming(ctx context.Context, from *Session, prepare ilp.Prepare) ilp.Packet
	SessionStateChanged(peerID string, state State)
}

type pendingRequest struct {
	responseCh chan ilp.Packet
}

// Session maintains one authenticated duplex BTP channel to a single peer
// and multiplexes concurrent request/response pairs over it.
type Session struct {
	PeerID string

	// ConnectionID identifies this physical connection, not the peer: a
	// peer that reconnects gets a fresh ConnectionID on each Session,
	// letting audit and explorer correlate events to one socket's
	// lifetime even across a peer's repeated reconnects.
	ConnectionID string

	cfg    Config
	clock  clock.Clock
	sink   EventSink
	logger *slog.Logger

	mu    sync.RWMutex
	state State
	conn  Conn

	reqMu      sync.Mutex
	nextReqID  uint32
	pending    map[uint32]*pendingRequest

	missedPongs int32
	closeOnce   sync.Once
	closed      chan struct{}
}

// Config configures a Session's auth and keep-alive behavior.
type Config struct {
	SharedSecret      []byte
	MaxReconnectTries int // 0 = unlimited
}

// NewSession constructs a Session in the Disconnected state. Dial (client
// side) or Accept (server side) transitions it toward Open.
func NewSession(peerID string, cfg Config, c clock.Clock, sink EventSink, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		PeerID:       peerID,
		ConnectionID: uuid.New().String(),
		cfg:          cfg,
		clock:        c,
		sink:         sink,
		logger:       logger,
		state:        StateDisconnected,
		pending:      make(map[uint32]*pendingRequest),
		closed:  make(chan struct{}),
	}
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
	s.sink.SessionStateChanged(s.PeerID, next)
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Accept performs the server side of the handshake over an already
// upgraded WebSocket connection: wait for AUTH, verify the shared secret,
// reply AUTH_ACK or close with 4001. The session's PeerID must already be
// known (the caller dialed a specific peer, or is a test double); a
// server accepting a connection whose peer identity is only revealed by
// the AUTH frame itself should use Manager.Accept instead.
func (s *Session) Accept(ctx context.Context, conn Conn) error {
	s.setState(StateAuthenticating)

	_, raw, err := conn.ReadMessage()
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("btp: read auth frame: %w", err)
	}
	frame, err := Unmarshal(raw)
	if err != nil || frame.Type != TypeAuth {
		s.rejectAuth(conn)
		return ErrAuthRejected
	}
	cred, err := ParseCredential(frame.Payload)
	if err != nil {
		s.rejectAuth(conn)
		return ErrAuthRejected
	}
	return s.acceptFrame(ctx, conn, frame, cred)
}

// acceptFrame completes the server handshake given an already-parsed AUTH
// frame and credential. Manager.Accept calls this directly once it has
// resolved the claiming peer's configured secret, since the peer's
// identity isn't known until the frame arrives.
func (s *Session) acceptFrame(ctx context.Context, conn Conn, frame Frame, cred Credential) error {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if !VerifySharedSecret(cred.SharedSecret, s.cfg.SharedSecret) {
		s.rejectAuth(conn)
		return ErrAuthRejected
	}

	ack := Frame{Type: TypeAuthAck, RequestID: frame.RequestID}
	if err := conn.WriteMessage(websocket.BinaryMessage, ack.Marshal()); err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("btp: write auth ack: %w", err)
	}

	s.setState(StateOpen)
	go s.readLoop(ctx)
	go s.keepAliveLoop(ctx)
	return nil
}

func (s *Session) rejectAuth(conn Conn) {
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCodeAuthFail, "auth rejected"))
	_ = conn.Close()
	s.setState(StateDisconnected)
}

// Dial performs the client side of the handshake: send AUTH, wait for
// AUTH_ACK.
func (s *Session) Dial(ctx context.Context, conn Conn) error {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.setState(StateConnecting)
	s.setState(StateAuthenticating)

	auth := Frame{Type: TypeAuth, RequestID: s.allocRequestID(), Payload: Credential{
		PeerID:       s.PeerID,
		SharedSecret: s.cfg.SharedSecret,
	}.Marshal()}
	if err := conn.WriteMessage(websocket.BinaryMessage, auth.Marshal()); err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("btp: write auth: %w", err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("btp: read auth ack: %w", err)
	}
	frame, err := Unmarshal(raw)
	if err != nil || frame.Type != TypeAuthAck {
		s.setState(StateDisconnected)
		return ErrAuthRejected
	}

	s.setState(StateOpen)
	go s.readLoop(ctx)
	go s.keepAliveLoop(ctx)
	return nil
}

func (s *Session) allocRequestID() uint32 {
	return atomic.AddUint32(&s.nextReqID, 1)
}

// Send forwards an outbound Prepare and blocks until a Fulfill/Reject
// arrives or prepare.ExpiresAt passes, whichever comes first.
func (s *Session) Send(ctx context.Context, prepare ilp.Prepare) (ilp.Packet, error) {
	if s.State() != StateOpen {
		return nil, ErrSessionClosed
	}

	reqID := s.allocRequestID()
	respCh := make(chan ilp.Packet, 1)

	s.reqMu.Lock()
	s.pending[reqID] = &pendingRequest{responseCh: respCh}
	s.reqMu.Unlock()

	frame := Frame{Type: TypeMessageRequest, RequestID: reqID, Payload: prepare.Serialize()}

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if err := conn.WriteMessage(websocket.BinaryMessage, frame.Marshal()); err != nil {
		s.removePending(reqID)
		return nil, fmt.Errorf("btp: write message: %w", err)
	}

	deadline := s.clock.After(prepare.ExpiresAt.Sub(s.clock.Now()))
	select {
	case resp := <-respCh:
		return resp, nil
	case <-deadline:
		s.removePending(reqID)
		return ilp.Reject{
			Code:        ilp.R00TransferTimedOut,
			TriggeredBy: prepare.Destination,
			Message:     "timed out awaiting response",
		}, ErrSendTimeout
	case <-ctx.Done():
		s.removePending(reqID)
		return nil, ctx.Err()
	case <-s.closed:
		s.removePending(reqID)
		return nil, ErrSessionClosed
	}
}

func (s *Session) removePending(reqID uint32) {
	s.reqMu.Lock()
	delete(s.pending, reqID)
	s.reqMu.Unlock()
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.Close("read error: " + err.Error())
			return
		}
		frame, err := Unmarshal(raw)
		if err != nil {
			s.logger.Warn("btp: malformed frame", slog.String("peerId", s.PeerID), slog.Any("error", err))
			continue
		}

		switch frame.Type {
		case TypeMessageRequest:
			s.handleInboundRequest(ctx, frame)
		case TypeMessageResponse:
			s.handleInboundResponse(frame)
		case TypePing:
			pong := Frame{Type: TypePong, RequestID: frame.RequestID}
			_ = s.conn.WriteMessage(websocket.BinaryMessage, pong.Marshal())
		case TypePong:
			atomic.StoreInt32(&s.missedPongs, 0)
		case TypeDisconnect:
			s.Close("peer sent disconnect")
			return
		}
	}
}

func (s *Session) handleInboundRequest(ctx context.Context, frame Frame) {
	pkt, err := ilp.Parse(frame.Payload)
	if err != nil {
		s.Close("malformed ILP packet: " + err.Error())
		return
	}
	prepare, ok := pkt.(ilp.Prepare)
	if !ok {
		return
	}

	response := s.sink.HandleIncoming(ctx, s, prepare)
	respFrame := Frame{Type: TypeMessageResponse, RequestID: frame.RequestID, Payload: response.Serialize()}

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	_ = conn.WriteMessage(websocket.BinaryMessage, respFrame.Marshal())
}

func (s *Session) handleInboundResponse(frame Frame) {
	s.reqMu.Lock()
	pr, ok := s.pending[frame.RequestID]
	if ok {
		delete(s.pending, frame.RequestID)
	}
	s.reqMu.Unlock()
	if !ok {
		return
	}

	pkt, err := ilp.Parse(frame.Payload)
	if err != nil {
		s.Close("malformed ILP packet: " + err.Error())
		return
	}
	select {
	case pr.responseCh <- pkt:
	default:
	}
}

func (s *Session) keepAliveLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			if atomic.AddInt32(&s.missedPongs, 1) > missedPongsAllowed {
				s.Close("missed keep-alive")
				return
			}
			ping := Frame{Type: TypePing, RequestID: s.allocRequestID()}
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn == nil {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, ping.Marshal()); err != nil {
				s.Close("keep-alive write failed")
				return
			}
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		}
	}
}

// Close transitions the session to Disconnected, fails every pending
// request with "connection closed", and releases the socket.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		close(s.closed)

		s.reqMu.Lock()
		for id, pr := range s.pending {
			select {
			case pr.responseCh <- ilp.Reject{Code: ilp.T01PeerUnreachable, Message: "connection closed: " + reason}:
			default:
			}
			delete(s.pending, id)
		}
		s.reqMu.Unlock()

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn != nil {
			_ = conn.Close()
		}
		s.setState(StateDisconnected)
	})
}

// ReconnectBackoff returns the delay before attempt N (1-indexed),
// exponential with base 1s capped at 30s.
func ReconnectBackoff(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}
