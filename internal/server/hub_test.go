package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tyrowin/bugtracker/internal/registry"
)

// newConnPair returns both ends of a live websocket connection.
func newConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case conn := <-conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn, client
	case <-time.After(2 * time.Second):
		t.Fatal("server side of the websocket never arrived")
		return nil, nil
	}
}

func TestHubStartRefusesSessionClosedBeforeAttach(t *testing.T) {
	hub := NewHub(zap.NewNop().Sugar())
	reg := registry.New()
	s := newTestSession(t, reg, 4)
	require.True(t, s.join())

	// A publish dropped the session before the handshake finished.
	s.Close()

	conn, _ := newConnPair(t)
	s.attach(context.Background(), conn, 512, hub.forget)

	assert.False(t, hub.Start(s))
	assert.Equal(t, 0, hub.Count())
	assert.Equal(t, 0, reg.Count(registry.GroupKey(7)))
}

func TestHubForgetsSessionWhenPumpsExit(t *testing.T) {
	hub := NewHub(zap.NewNop().Sugar())
	reg := registry.New()
	s := newTestSession(t, reg, 4)
	require.True(t, s.join())

	conn, client := newConnPair(t)
	s.attach(hub.Context(), conn, 512, hub.forget)
	require.True(t, hub.Start(s))
	assert.Equal(t, 1, hub.Count())

	require.NoError(t, client.Close())

	require.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, reg.Count(registry.GroupKey(7)))
	assert.Equal(t, StateClosed, s.State())
}

func TestHubRefusesSessionsAfterShutdown(t *testing.T) {
	hub := NewHub(zap.NewNop().Sugar())
	require.NoError(t, hub.Shutdown(time.Second))

	s := newTestSession(t, registry.New(), 4)
	require.True(t, s.join())
	conn, _ := newConnPair(t)
	s.attach(hub.Context(), conn, 512, hub.forget)

	assert.False(t, hub.Start(s))
	assert.Equal(t, 0, hub.Count())
}
