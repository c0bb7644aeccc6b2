// Package testhelpers provides common utilities for testing the realtime
// server: a fully wired in-process stack plus websocket client helpers.
package testhelpers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/bugtracker/internal/auth"
	"github.com/Tyrowin/bugtracker/internal/backplane"
	"github.com/Tyrowin/bugtracker/internal/notify"
	"github.com/Tyrowin/bugtracker/internal/permission"
	"github.com/Tyrowin/bugtracker/internal/publisher"
	"github.com/Tyrowin/bugtracker/internal/registry"
	"github.com/Tyrowin/bugtracker/internal/server"
)

const (
	// TestOrigin is allowed by every stack built here.
	TestOrigin   = "http://localhost:8080"
	Secret       = "test-secret"
	PublishToken = "publish-token"
)

// Stack is a running realtime server with in-process collaborators.
type Stack struct {
	Server    *server.Server
	HTTP      *httptest.Server
	Registry  *registry.Registry
	Publisher *publisher.Publisher
	Store     *permission.MemoryStore
	Auth      *auth.Authenticator
	Notifier  *notify.Notifier
}

// StackOption customizes a Stack before it starts.
type StackOption func(*server.Config, *backplane.Backplane)

// WithConfig mutates the server configuration.
func WithConfig(fn func(*server.Config)) StackOption {
	return func(cfg *server.Config, _ *backplane.Backplane) {
		fn(cfg)
	}
}

// WithBackplane replaces the default in-memory backplane.
func WithBackplane(bp backplane.Backplane) StackOption {
	return func(_ *server.Config, dst *backplane.Backplane) {
		*dst = bp
	}
}

// NewStack starts a server and registers cleanup with t.
func NewStack(t *testing.T, opts ...StackOption) *Stack {
	t.Helper()

	cfg := *server.NewConfig()
	cfg.JWTSecret = Secret
	cfg.PublishToken = PublishToken
	cfg.AllowedOrigins = []string{TestOrigin}
	var bp backplane.Backplane = backplane.NewMemory()
	for _, opt := range opts {
		opt(&cfg, &bp)
	}

	reg := registry.New()
	pub := publisher.New(reg, bp, publisher.SetPublishTimeout(cfg.PublishTimeout))
	require.NoError(t, pub.Start(context.Background()))

	store := permission.NewMemoryStore()
	authn := auth.NewAuthenticator(cfg.JWTSecret, nil)
	notifier := notify.NewNotifier(pub, nil)

	srv := server.New(cfg, server.Dependencies{
		Registry:  reg,
		Gate:      permission.NewGate(store, time.Second, nil),
		Publisher: pub,
		Identity:  authn,
		Events:    notify.NewHandler(notifier, cfg.PublishToken, nil),
	})
	httpServer := httptest.NewServer(srv.Routes())

	t.Cleanup(func() {
		_ = srv.Hub().Shutdown(2 * time.Second)
		httpServer.Close()
		_ = pub.Close()
	})

	return &Stack{
		Server:    srv,
		HTTP:      httpServer,
		Registry:  reg,
		Publisher: pub,
		Store:     store,
		Auth:      authn,
		Notifier:  notifier,
	}
}

// Token issues an access token for id.
func (s *Stack) Token(t *testing.T, id auth.Identity) string {
	t.Helper()
	token, err := s.Auth.Issue(id, time.Hour)
	require.NoError(t, err)
	return token
}

// WSURL builds the websocket URL for a project stream.
func (s *Stack) WSURL(projectID interface{}, token string) string {
	url := "ws" + strings.TrimPrefix(s.HTTP.URL, "http") + fmt.Sprintf("/ws/projects/%v/", projectID)
	if token != "" {
		url += "?token=" + token
	}
	return url
}

// Connect opens a subscription for user to projectID and fails the test if
// the handshake is refused.
func (s *Stack) Connect(t *testing.T, user auth.Identity, projectID int64) *websocket.Conn {
	t.Helper()
	conn, status, err := ConnectWebSocket(s.WSURL(projectID, s.Token(t, user)), TestOrigin)
	require.NoError(t, err, "handshake status %d", status)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// WaitForMembers waits until the project's group has n local members.
func (s *Stack) WaitForMembers(t *testing.T, projectID int64, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.Registry.Count(registry.GroupKey(projectID)) == n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d members in project %d", n, projectID)
}

// ConnectWebSocket dials url with the given Origin header and returns the
// handshake status code alongside the connection.
func ConnectWebSocket(url, origin string) (*websocket.Conn, int, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	status := 0
	if resp != nil {
		status = resp.StatusCode
		_ = resp.Body.Close()
	}
	return conn, status, err
}

// ReceiveJSON reads one JSON frame, failing the test after timeout.
func ReceiveJSON(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	var message map[string]interface{}
	require.NoError(t, conn.ReadJSON(&message))
	return message
}

// ExpectNoMessage asserts nothing arrives within d. A timed-out read leaves
// the connection unusable, so call it last on a connection.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Errorf("expected no message, got %s", data)
	}
}

// SendJSON writes v as a text frame.
func SendJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// SendRawMessage sends a raw text frame.
func SendRawMessage(t *testing.T, conn *websocket.Conn, data string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(data)))
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// MakeRequest executes an HTTP request with a 5-second timeout.
func MakeRequest(t *testing.T, method, url string, body string, headers map[string]string) *http.Response {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}
