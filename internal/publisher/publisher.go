// Package publisher fans project events out to every subscriber of the
// project's group, in whichever process the subscriber lives.
//
// Publish encodes the event and hands it to the backplane. Every process runs
// one backplane subscription whose handler resolves the local members of the
// group and enqueues the event on each of them. Enqueueing never blocks, so a
// slow subscriber or a busy group cannot hold up anyone else, and because the
// handler runs sequentially each subscriber sees events in publish order.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/bugtracker/internal/backplane"
	"github.com/Tyrowin/bugtracker/internal/events"
	"github.com/Tyrowin/bugtracker/internal/registry"
)

// ErrNilEvent is reported for Publish(nil).
var ErrNilEvent = errors.New("publisher: nil event")

// Result describes the outcome of a Publish call. Callers on the request path
// log it at most; it is never turned into a response error.
type Result struct {
	ProjectID int64
	Group     string
	Kind      events.Kind
	Err       error
}

// OK reports whether the event reached the backplane.
func (r Result) OK() bool {
	return r.Err == nil
}

// OptionFunc configures a Publisher.
type OptionFunc func(*Publisher)

// SetLogger sets the logger.
func SetLogger(log *zap.SugaredLogger) OptionFunc {
	return func(p *Publisher) {
		if log != nil {
			p.log = log
		}
	}
}

// SetPublishTimeout bounds each backplane write.
func SetPublishTimeout(d time.Duration) OptionFunc {
	return func(p *Publisher) {
		p.timeout = d
	}
}

// Publisher is created once per process and shared by reference.
type Publisher struct {
	registry  *registry.Registry
	backplane backplane.Backplane
	log       *zap.SugaredLogger
	timeout   time.Duration
}

// New returns a Publisher delivering to members of reg through bp.
func New(reg *registry.Registry, bp backplane.Backplane, opts ...OptionFunc) *Publisher {
	p := &Publisher{
		registry:  reg,
		backplane: bp,
		log:       zap.NewNop().Sugar(),
		timeout:   2 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start subscribes this process to the backplane. Events published before
// Start returns are not delivered to local members.
func (p *Publisher) Start(ctx context.Context) error {
	if err := p.backplane.Subscribe(ctx, p.dispatch); err != nil {
		return fmt.Errorf("publisher start: %w", err)
	}
	return nil
}

// Publish sends e to every subscriber of projectID. It returns once the event
// is on the backplane and does not wait for delivery.
func (p *Publisher) Publish(ctx context.Context, projectID int64, e events.Event) (res Result) {
	res = Result{ProjectID: projectID, Group: registry.GroupKey(projectID)}
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("publisher: panic: %v", r)
		}
		if res.Err != nil {
			p.log.Warnw("publish failed", "project_id", projectID, "group", res.Group, "kind", res.Kind, "error", res.Err)
		}
	}()

	if e == nil {
		res.Err = ErrNilEvent
		return res
	}
	res.Kind = e.Kind()

	payload, err := events.Encode(e)
	if err != nil {
		res.Err = err
		return res
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	if err := p.backplane.Publish(ctx, res.Group, payload); err != nil {
		res.Err = err
	}
	return res
}

func (p *Publisher) dispatch(group string, payload []byte) {
	if _, err := registry.ProjectIDFromGroup(group); err != nil {
		p.log.Debugw("ignoring backplane message outside project groups", "group", group)
		return
	}
	if p.registry.Count(group) == 0 {
		return
	}

	e, err := events.Decode(payload)
	if err != nil {
		p.log.Warnw("dropping undecodable backplane message", "group", group, "error", err)
		return
	}
	p.Fanout(group, e)
}

// Fanout delivers e to the current local members of group and returns how
// many accepted it. A member that fails is removed and closed.
func (p *Publisher) Fanout(group string, e events.Event) int {
	delivered := 0
	for _, member := range p.registry.Members(group) {
		if err := member.Deliver(e); err != nil {
			p.log.Warnw("delivery failed, dropping subscriber", "group", group, "session", member.ID(), "kind", e.Kind(), "error", err)
			p.registry.Leave(group, member)
			member.Close()
			continue
		}
		delivered++
	}
	return delivered
}

// Health reports backplane health.
func (p *Publisher) Health(ctx context.Context) error {
	return p.backplane.Health(ctx)
}

// Close shuts the backplane down.
func (p *Publisher) Close() error {
	return p.backplane.Close()
}
