package notify_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Tyrowin/bugtracker/internal/events"
	"github.com/Tyrowin/bugtracker/internal/notify"
	"github.com/Tyrowin/bugtracker/internal/publisher"
)

type published struct {
	projectID int64
	event     events.Event
}

type recordingPublisher struct {
	mu   sync.Mutex
	got  []published
	err  error
	boom bool
}

func (p *recordingPublisher) Publish(_ context.Context, projectID int64, e events.Event) publisher.Result {
	if p.boom {
		panic("backplane exploded")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, published{projectID, e})
	return publisher.Result{ProjectID: projectID, Kind: e.Kind(), Err: p.err}
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.got...)
}

func TestNotifierBugEvents(t *testing.T) {
	pub := &recordingPublisher{}
	n := notify.NewNotifier(pub, nil)
	ctx := context.Background()

	n.BugCreated(ctx, notify.Bug{ID: 3, Title: "Crash", Status: "OPEN", ProjectID: 7}, "alice")
	n.BugUpdated(ctx, notify.Bug{ID: 3, Title: "Crash", Status: "IN_PROGRESS", ProjectID: 7, AssignedTo: "bob"}, "alice")
	n.BugClosed(ctx, notify.Bug{ID: 3, Title: "Crash", Status: "COMPLETE", ProjectID: 7}, "bob")

	got := pub.all()
	require.Len(t, got, 3)

	created := got[0].event.(events.BugNotification)
	assert.Equal(t, int64(7), got[0].projectID)
	assert.Equal(t, events.BugCreated, created.EventType)
	assert.Equal(t, "alice", created.User)
	assert.Nil(t, created.AssignedTo)

	updated := got[1].event.(events.BugNotification)
	assert.Equal(t, events.BugUpdated, updated.EventType)
	require.NotNil(t, updated.AssignedTo)
	assert.Equal(t, "bob", *updated.AssignedTo)

	assert.Equal(t, events.BugClosed, got[2].event.(events.BugNotification).EventType)
}

func TestNotifierCommentAndActivity(t *testing.T) {
	pub := &recordingPublisher{}
	n := notify.NewNotifier(pub, nil)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	n.CommentAdded(context.Background(), notify.Comment{
		ID: 11, BugID: 3, BugTitle: "Crash", Commenter: "carol", Message: "seen on iOS", ProjectID: 7, CreatedAt: created,
	})
	n.ActivityRecorded(context.Background(), events.Activity{User: "carol", ProjectID: 7, Action: "commented"})

	got := pub.all()
	require.Len(t, got, 2)
	comment := got[0].event.(events.CommentNotification)
	assert.Equal(t, "seen on iOS", comment.Message)
	assert.Equal(t, created, comment.CreatedAt)

	activity := got[1].event.(events.ActivityLog)
	assert.Equal(t, "commented", activity.Activity.Action)
	assert.False(t, activity.Activity.CreatedAt.IsZero())
}

func TestNotifierSwallowsFailures(t *testing.T) {
	ctx := context.Background()
	bug := notify.Bug{ID: 1, Title: "t", Status: "OPEN", ProjectID: 7}
	core, logs := observer.New(zapcore.WarnLevel)
	log := zap.New(core).Sugar()

	assert.NotPanics(t, func() {
		notify.NewNotifier(&recordingPublisher{err: errors.New("redis down")}, log).BugCreated(ctx, bug, "alice")
	})
	assert.NotPanics(t, func() {
		notify.NewNotifier(&recordingPublisher{boom: true}, log).BugCreated(ctx, bug, "alice")
	})
	assert.NotPanics(t, func() {
		notify.NewNotifier(nil, log).BugCreated(ctx, bug, "alice")
	})

	failed := logs.FilterMessage("websocket notification failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, int64(7), failed[0].ContextMap()["project_id"])
	assert.Equal(t, 1, logs.FilterMessage("websocket notification panicked").Len())
}

func newRouter(h http.Handler) http.Handler {
	router := httprouter.New()
	router.Handler(http.MethodPost, "/internal/projects/:project_id/events", h)
	return router
}

func post(t *testing.T, h http.Handler, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const commentBody = `{"type":"comment_notification","comment_id":11,"bug_id":3,"bug_title":"Crash",` +
	`"commenter":"carol","message":"hi","project_id":7,"created_at":"2024-05-01T12:00:00Z"}`

func TestHandlerPublishesValidEvents(t *testing.T) {
	pub := &recordingPublisher{}
	h := newRouter(notify.NewHandler(notify.NewNotifier(pub, nil), "tok", nil))

	rec := post(t, h, "/internal/projects/7/events", "tok", commentBody)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, pub.all(), 1)
	assert.Equal(t, int64(7), pub.all()[0].projectID)
}

func TestHandlerAcceptsEvenWhenFanOutFails(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("redis down")}
	h := newRouter(notify.NewHandler(notify.NewNotifier(pub, nil), "tok", nil))

	rec := post(t, h, "/internal/projects/7/events", "tok", commentBody)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	pub := &recordingPublisher{}
	h := newRouter(notify.NewHandler(notify.NewNotifier(pub, nil), "tok", nil))

	tests := []struct {
		name  string
		path  string
		token string
		body  string
		code  int
	}{
		{"missing token", "/internal/projects/7/events", "", commentBody, http.StatusUnauthorized},
		{"wrong token", "/internal/projects/7/events", "nope", commentBody, http.StatusUnauthorized},
		{"bad project", "/internal/projects/abc/events", "tok", commentBody, http.StatusNotFound},
		{"not json", "/internal/projects/7/events", "tok", "hello", http.StatusBadRequest},
		{"unknown type", "/internal/projects/7/events", "tok", `{"type":"chat"}`, http.StatusBadRequest},
		{"missing fields", "/internal/projects/7/events", "tok", `{"type":"bug_notification","bug_id":3}`, http.StatusBadRequest},
		{"project mismatch", "/internal/projects/8/events", "tok", commentBody, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, post(t, h, tt.path, tt.token, tt.body).Code)
		})
	}
	assert.Empty(t, pub.all())
}

func TestHandlerDisabledWithoutToken(t *testing.T) {
	h := newRouter(notify.NewHandler(notify.NewNotifier(&recordingPublisher{}, nil), "", nil))
	assert.Equal(t, http.StatusNotFound, post(t, h, "/internal/projects/7/events", "", commentBody).Code)
}

func TestRemotePublisher(t *testing.T) {
	pub := &recordingPublisher{}
	srv := httptest.NewServer(newRouter(notify.NewHandler(notify.NewNotifier(pub, nil), "tok", nil)))
	defer srv.Close()

	ctx := context.Background()
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	comment := events.CommentNotification{
		CommentID: 11, BugID: 3, BugTitle: "Crash", Commenter: "carol",
		Message: "hi", ProjectID: 7, CreatedAt: created,
	}

	t.Run("accepted", func(t *testing.T) {
		res := notify.NewRemotePublisher(srv.URL+"/", "tok").Publish(ctx, 7, comment)
		require.NoError(t, res.Err)
		assert.Equal(t, "project_7", res.Group)
		require.Len(t, pub.all(), 1)
		assert.Equal(t, comment, pub.all()[0].event)
	})

	t.Run("rejected token", func(t *testing.T) {
		res := notify.NewRemotePublisher(srv.URL, "wrong", notify.RemoteSetRetry(0, 0)).Publish(ctx, 7, comment)
		require.Error(t, res.Err)
		assert.Contains(t, res.Err.Error(), "invalid publish token")
	})

	t.Run("drives a notifier", func(t *testing.T) {
		before := len(pub.all())
		n := notify.NewNotifier(notify.NewRemotePublisher(srv.URL, "tok"), nil)
		n.BugClosed(ctx, notify.Bug{ID: 3, Title: "Crash", Status: "closed", ProjectID: 7}, "alice")
		require.Len(t, pub.all(), before+1)
		assert.Equal(t, events.KindBugNotification, pub.all()[before].event.Kind())
	})
}

func TestRemotePublisherDoesNotRetryServerErrors(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := notify.NewRemotePublisher(srv.URL, "tok", notify.RemoteSetRetry(3, time.Millisecond))
	res := p.Publish(context.Background(), 7, events.TypingIndicator{User: "alice"})
	require.Error(t, res.Err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts)
}

// A reply slower than the client timeout must not cause a second fan-out:
// the remote side may already have published.
func TestRemotePublisherTimeoutPublishesOnce(t *testing.T) {
	pub := &recordingPublisher{}
	handler := newRouter(notify.NewHandler(notify.NewNotifier(pub, nil), "tok", nil))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(rec.Code)
	}))
	defer srv.Close()

	p := notify.NewRemotePublisher(srv.URL, "tok",
		notify.RemoteSetTimeout(100*time.Millisecond),
		notify.RemoteSetRetry(3, time.Millisecond),
	)

	start := time.Now()
	res := p.Publish(context.Background(), 7, events.TypingIndicator{User: "alice"})
	elapsed := time.Since(start)

	require.Error(t, res.Err)
	assert.Len(t, pub.all(), 1)
	assert.Less(t, elapsed, 250*time.Millisecond)
}

func TestRemotePublisherRetriesOnlyUnsentRequests(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	t.Run("gives up after the retry budget", func(t *testing.T) {
		p := notify.NewRemotePublisher(url, "tok", notify.RemoteSetRetry(2, time.Millisecond))
		res := p.Publish(context.Background(), 7, events.TypingIndicator{User: "alice"})
		assert.Error(t, res.Err)
	})

	t.Run("stops waiting when the caller does", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		p := notify.NewRemotePublisher(url, "tok", notify.RemoteSetRetry(5, time.Hour))
		start := time.Now()
		res := p.Publish(ctx, 7, events.TypingIndicator{User: "alice"})

		require.Error(t, res.Err)
		assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
	})
}
