package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tyrowin/bugtracker/internal/auth"
	"github.com/Tyrowin/bugtracker/internal/events"
	"github.com/Tyrowin/bugtracker/internal/publisher"
	"github.com/Tyrowin/bugtracker/internal/registry"
)

type typingRecorder struct {
	mu  sync.Mutex
	got []events.TypingIndicator
}

func (r *typingRecorder) record(e events.TypingIndicator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
}

func (r *typingRecorder) all() []events.TypingIndicator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.TypingIndicator(nil), r.got...)
}

func (r *typingRecorder) Publish(_ context.Context, projectID int64, e events.Event) publisher.Result {
	if ti, ok := e.(events.TypingIndicator); ok {
		r.record(ti)
	}
	return publisher.Result{ProjectID: projectID, Kind: e.Kind()}
}

func (r *typingRecorder) Health(context.Context) error { return nil }

func typingFrame(bug int64, on bool) events.TypingIndicator {
	return events.TypingIndicator{User: "alice", BugID: &bug, IsTyping: on}
}

func TestTypingThrottleWithinBurst(t *testing.T) {
	rec := &typingRecorder{}
	th := newTypingThrottle(RateLimitConfig{Burst: 2, RefillInterval: time.Hour}, rec.record)

	assert.True(t, th.submit(typingFrame(1, true)))
	assert.True(t, th.submit(typingFrame(1, false)))
	assert.Equal(t, []events.TypingIndicator{typingFrame(1, true), typingFrame(1, false)}, rec.all())
}

func TestTypingThrottleCoalescesToLatest(t *testing.T) {
	rec := &typingRecorder{}
	th := newTypingThrottle(RateLimitConfig{Burst: 1, RefillInterval: 100 * time.Millisecond}, rec.record)

	assert.True(t, th.submit(typingFrame(1, true)))
	assert.False(t, th.submit(typingFrame(1, false)))
	assert.False(t, th.submit(typingFrame(1, true)))
	assert.False(t, th.submit(typingFrame(1, false)))

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []events.TypingIndicator{typingFrame(1, true), typingFrame(1, false)}, rec.all())

	time.Sleep(150 * time.Millisecond)
	assert.Len(t, rec.all(), 2, "parked frames go out once")
}

func TestTypingThrottleStopHandsBackParkedFrame(t *testing.T) {
	rec := &typingRecorder{}
	th := newTypingThrottle(RateLimitConfig{Burst: 1, RefillInterval: time.Hour}, rec.record)

	th.submit(typingFrame(4, true))
	th.submit(typingFrame(4, false))

	parked, ok := th.stop()
	require.True(t, ok)
	assert.Equal(t, typingFrame(4, false), parked)

	assert.False(t, th.submit(typingFrame(5, true)))
	_, ok = th.stop()
	assert.False(t, ok)
	assert.Equal(t, []events.TypingIndicator{typingFrame(4, true)}, rec.all())
}

func newRelaySession(t *testing.T, pub EventPublisher, limit RateLimitConfig) *Session {
	t.Helper()
	cfg := NewConfig().Sanitize()
	cfg.RateLimit = limit
	deps := sessionDeps{registry: registry.New(), publisher: pub, log: zap.NewNop().Sugar()}
	s := newSession(cfg, deps, auth.Identity{UserID: 1, Username: "alice"}, 7, "127.0.0.1:1")
	require.True(t, s.join())
	return s
}

func TestSessionMalformedFramesDoNotSpendBudget(t *testing.T) {
	rec := &typingRecorder{}
	s := newRelaySession(t, rec, RateLimitConfig{Burst: 1, RefillInterval: time.Hour})

	for i := 0; i < 5; i++ {
		assert.False(t, s.processMessage([]byte("not json")))
		assert.False(t, s.processMessage([]byte(`{"type":"presence"}`)))
	}
	assert.True(t, s.processMessage([]byte(`{"type":"typing_indicator","bug_id":3,"is_typing":true}`)))
	assert.Len(t, rec.all(), 1)
}

func TestSessionCloseRelaysLastTypingState(t *testing.T) {
	rec := &typingRecorder{}
	s := newRelaySession(t, rec, RateLimitConfig{Burst: 1, RefillInterval: time.Hour})

	assert.True(t, s.processMessage([]byte(`{"type":"typing_indicator","bug_id":3,"is_typing":true}`)))
	assert.False(t, s.processMessage([]byte(`{"type":"typing_indicator","bug_id":3,"is_typing":false}`)))

	s.Close()

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, rec.all()[1].IsTyping)
}
