// Package backplane carries encoded events between processes so that a
// publish in one process reaches subscribers held by every other process.
package backplane

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by operations on a closed backplane.
	ErrClosed = errors.New("backplane: closed")
	// ErrAlreadySubscribed is returned when Subscribe is called twice.
	ErrAlreadySubscribed = errors.New("backplane: already subscribed")
)

// Handler receives every message published to any group. Calls are made
// sequentially for a given backplane, in publish order.
type Handler func(group string, payload []byte)

// Backplane is a group-addressed broadcast transport.
type Backplane interface {
	Publish(ctx context.Context, group string, payload []byte) error
	// Subscribe registers h and returns once messages will be delivered to it.
	Subscribe(ctx context.Context, h Handler) error
	Health(ctx context.Context) error
	Close() error
}

// Memory is a single-process Backplane. Publish hands the payload to the
// handler before returning.
type Memory struct {
	mu      sync.RWMutex
	handler Handler
	closed  bool
}

// NewMemory returns an in-process backplane.
func NewMemory() *Memory {
	return &Memory{}
}

// Publish implements Backplane.
func (m *Memory) Publish(ctx context.Context, group string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	h, closed := m.handler, m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if h != nil {
		h(group, payload)
	}
	return nil
}

// Subscribe implements Backplane.
func (m *Memory) Subscribe(_ context.Context, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.handler != nil {
		return ErrAlreadySubscribed
	}
	m.handler = h
	return nil
}

// Health implements Backplane.
func (m *Memory) Health(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close implements Backplane.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.handler = nil
	m.mu.Unlock()
	return nil
}
