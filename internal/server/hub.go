// Package server supervises live sessions for the realtime service via the
// Hub type: it starts their pumps and closes them all on shutdown.
package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Hub tracks every session whose pumps are running. Group membership lives in
// the registry; the hub only owns goroutine lifecycle.
type Hub struct {
	sessions map[*Session]struct{}
	mutex    sync.RWMutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	closing  bool
	log      *zap.SugaredLogger
}

// NewHub creates a Hub ready to supervise sessions.
func NewHub(log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		sessions: make(map[*Session]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
	}
}

// Context is cancelled when the hub shuts down.
func (h *Hub) Context() context.Context {
	return h.ctx
}

// Start launches the read and write pumps of an attached session. It returns
// false once shutdown has begun or when the session was closed before its
// pumps could start.
func (h *Hub) Start(s *Session) bool {
	if s == nil {
		h.log.Warn("received nil session; skipping")
		return false
	}
	if s.State() != StateJoined {
		h.log.Debugw("session closed before start", "session", s.ID(), "state", s.State())
		return false
	}

	h.mutex.Lock()
	if h.closing {
		h.mutex.Unlock()
		return false
	}
	h.sessions[s] = struct{}{}
	count := len(h.sessions)
	h.wg.Add(2)
	h.mutex.Unlock()

	h.log.Debugw("session started", "session", s.ID(), "sessions", count)

	go func() {
		defer h.wg.Done()
		s.writePump()
	}()
	go func() {
		defer h.wg.Done()
		// Close may have run before attach set onClose.
		defer h.forget(s)
		s.readPump()
	}()
	return true
}

func (h *Hub) forget(s *Session) {
	h.mutex.Lock()
	delete(h.sessions, s)
	h.mutex.Unlock()
}

// Count returns the number of supervised sessions.
func (h *Hub) Count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.sessions)
}

// Sessions returns a snapshot of the supervised sessions.
func (h *Hub) Sessions() []*Session {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Shutdown closes every session and waits for their pumps to finish, or
// until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")

	h.mutex.Lock()
	h.closing = true
	h.mutex.Unlock()
	h.cancel()

	sessions := h.Sessions()
	for _, s := range sessions {
		s.Close()
	}
	h.log.Infow("closed sessions", "count", len(sessions))

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timeout reached, some sessions may still be running")
		return context.DeadlineExceeded
	}
}
