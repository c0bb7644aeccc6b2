// Package server manages individual WebSocket sessions, handling read/write
// pumps, rate limiting, and the join/leave lifecycle of each connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/bugtracker/internal/auth"
	"github.com/Tyrowin/bugtracker/internal/events"
	"github.com/Tyrowin/bugtracker/internal/registry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var (
	// ErrSessionClosed is returned when delivering to a session that is not joined.
	ErrSessionClosed = errors.New("session is not joined")
	// ErrSendBufferFull is returned when a session cannot keep up with its group.
	ErrSendBufferFull = errors.New("session send buffer full")
)

// SessionState is the lifecycle position of a Session.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateJoined
	StateRejected
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateRejected:
		return "rejected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Session is the server side of one websocket connection subscribed to a
// single project. The transport layer owns it; the registry only holds a
// reference that Close removes.
type Session struct {
	id        string
	conn      *websocket.Conn
	send      chan events.Event
	user      auth.Identity
	projectID int64
	group     string
	addr      string

	registry    *registry.Registry
	publisher   EventPublisher
	log         *zap.SugaredLogger
	typing      *typingThrottle
	ctx         context.Context
	onClose     func(*Session)

	mu     sync.Mutex
	state  SessionState
	joined bool
}

type sessionDeps struct {
	registry  *registry.Registry
	publisher EventPublisher
	log       *zap.SugaredLogger
}

func newSession(cfg Config, deps sessionDeps, user auth.Identity, projectID int64, addr string) *Session {
	id := uuid.NewString()
	s := &Session{
		id:          id,
		send:        make(chan events.Event, cfg.SendBufferSize),
		user:        user,
		projectID:   projectID,
		group:       registry.GroupKey(projectID),
		addr:        addr,
		registry:    deps.registry,
		publisher:   deps.publisher,
		log:         deps.log.With("session", id, "project_id", projectID, "remote_addr", addr),
		ctx:         context.Background(),
		state:       StateConnecting,
	}
	s.typing = newTypingThrottle(cfg.RateLimit, func(e events.TypingIndicator) {
		s.relayTyping(s.ctx, e)
	})
	return s
}

// ID returns the opaque session handle.
func (s *Session) ID() string { return s.id }

// ProjectID returns the project the session subscribes to.
func (s *Session) ProjectID() int64 { return s.projectID }

// User returns the authenticated user behind the session.
func (s *Session) User() auth.Identity { return s.user }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// GetSendChan returns the session's outbound queue for reading.
func (s *Session) GetSendChan() <-chan events.Event {
	return s.send
}

// reject marks a connecting session as refused. A rejected session never
// reaches the registry; Close finishes it.
func (s *Session) reject() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnecting {
		s.state = StateRejected
	}
}

// join registers the session with its project group.
func (s *Session) join() bool {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return false
	}
	s.state = StateJoined
	s.joined = true
	s.registry.Join(s.group, s)
	s.mu.Unlock()

	s.log.Infow("session joined", "group", s.group, "user", s.user.Username, "members", s.registry.Count(s.group))
	return true
}

func (s *Session) attach(ctx context.Context, conn *websocket.Conn, maxMessageSize int64, onClose func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.ctx = ctx
	s.onClose = onClose
	if conn != nil {
		conn.SetReadLimit(maxMessageSize)
	}
}

// Deliver enqueues e for the write pump. It never blocks.
func (s *Session) Deliver(e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateJoined {
		return ErrSessionClosed
	}
	select {
	case s.send <- e:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close deregisters the session and stops its pumps. It is safe to call from
// any goroutine and more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if s.state == StateJoined {
		close(s.send)
	}
	s.state = StateClosed
	joined, onClose, ctx := s.joined, s.onClose, s.ctx
	s.mu.Unlock()

	if e, ok := s.typing.stop(); ok && joined {
		// The client's last typing state still goes out after it leaves.
		go s.relayTyping(context.WithoutCancel(ctx), e)
	}
	if joined {
		s.registry.Leave(s.group, s)
		s.log.Infow("session left", "group", s.group, "members", s.registry.Count(s.group))
	}
	if onClose != nil {
		onClose(s)
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (s *Session) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.log.Warnw("error setting initial read deadline", "error", err)
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			s.log.Warnw("error setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// handleReadError logs the reason the read loop ends.
func (s *Session) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.Infow("message exceeded maximum size")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		s.log.Debugw("client disconnected", "error", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		s.log.Debugw("connection closed", "error", err)
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		s.log.Warnw("unexpected websocket close", "error", err)
	default:
		s.log.Debugw("websocket read ended", "error", err)
	}
}

// processMessage handles one inbound frame and reports whether it was relayed
// right away. Malformed frames and unknown types are dropped silently and do
// not count against the typing budget.
func (s *Session) processMessage(raw []byte) bool {
	frame, err := events.ParseClientFrame(raw)
	if err != nil {
		s.log.Debugw("discarding malformed frame", "error", err)
		return false
	}
	if !frame.IsTypingIndicator() {
		s.log.Debugw("ignoring frame", "type", frame.Type)
		return false
	}
	return s.typing.submit(frame.TypingIndicator(s.user.Username))
}

func (s *Session) relayTyping(ctx context.Context, e events.TypingIndicator) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ctx, s.projectID, e)
}

func (s *Session) readPump() {
	defer s.Close()

	s.setupReadConnection()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}

		s.processMessage(raw)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.closeConnection()
		s.Close()
	}()

	for s.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (s *Session) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case e, ok := <-s.send:
		return s.handleEvent(e, ok)
	case <-ticker.C:
		return s.handlePing()
	}
}

// closeConnection closes the transport, ignoring errors expected on teardown.
func (s *Session) closeConnection() {
	if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.log.Warnw("error closing connection", "error", err)
	}
}

// handleEvent writes one event per text frame and returns false if the
// connection should be closed.
func (s *Session) handleEvent(e events.Event, ok bool) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.log.Warnw("error setting write deadline", "error", err)
		return false
	}

	if !ok {
		return s.writeCloseMessage()
	}

	payload, err := events.Encode(e)
	if err != nil {
		s.log.Errorw("dropping unencodable event", "kind", e.Kind(), "error", err)
		return true
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if !isExpectedCloseError(err) {
			s.log.Warnw("error writing event", "kind", e.Kind(), "error", err)
		}
		return false
	}
	return true
}

// writeCloseMessage sends a close frame to the client
func (s *Session) writeCloseMessage() bool {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := s.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		s.log.Debugw("error writing close message", "error", err)
	}
	return false
}

// handlePing sends a ping message to keep the connection alive
func (s *Session) handlePing() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.log.Warnw("error setting write deadline for ping", "error", err)
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			s.log.Warnw("error writing ping", "error", err)
		}
		return false
	}
	return true
}
