// Package registry tracks which live subscribers belong to which project
// group. Membership is process-local and never persisted.
package registry

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/Tyrowin/bugtracker/internal/events"
)

const groupPrefix = "project_"

// GroupKey returns the group name for a project.
func GroupKey(projectID int64) string {
	return groupPrefix + strconv.FormatInt(projectID, 10)
}

// ProjectIDFromGroup is the inverse of GroupKey.
func ProjectIDFromGroup(group string) (int64, error) {
	if !strings.HasPrefix(group, groupPrefix) {
		return 0, fmt.Errorf("registry: %q is not a project group", group)
	}
	return strconv.ParseInt(strings.TrimPrefix(group, groupPrefix), 10, 64)
}

// Subscriber is a non-owning handle on a live connection. Deliver must not
// block; Close tears the connection down.
type Subscriber interface {
	ID() string
	Deliver(events.Event) error
	Close()
}

type group struct {
	mu      sync.RWMutex
	members map[Subscriber]struct{}
}

// Registry maps group keys to their current subscribers. The outer lock only
// guards the group table; membership changes lock a single group.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]*group
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{groups: make(map[string]*group)}
}

func (r *Registry) lookup(key string) *group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groups[key]
}

func (r *Registry) lookupOrCreate(key string) *group {
	if g := r.lookup(key); g != nil {
		return g
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[key]
	if !ok {
		g = &group{members: make(map[Subscriber]struct{})}
		r.groups[key] = g
	}
	return g
}

// Join adds s to the group. Joining twice is a no-op.
func (r *Registry) Join(key string, s Subscriber) {
	if s == nil {
		return
	}
	g := r.lookupOrCreate(key)
	g.mu.Lock()
	g.members[s] = struct{}{}
	g.mu.Unlock()
}

// Leave removes s from the group and reports whether it was a member.
// The group itself is kept, empty, for later joins.
func (r *Registry) Leave(key string, s Subscriber) bool {
	g := r.lookup(key)
	if g == nil || s == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[s]; !ok {
		return false
	}
	delete(g.members, s)
	return true
}

// Members returns a point-in-time snapshot of the group.
func (r *Registry) Members(key string) []Subscriber {
	g := r.lookup(key)
	if g == nil {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	members := make([]Subscriber, 0, len(g.members))
	for s := range g.members {
		members = append(members, s)
	}
	return members
}

// Count returns the number of subscribers in the group.
func (r *Registry) Count(key string) int {
	g := r.lookup(key)
	if g == nil {
		return 0
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

// Groups lists every group that currently has at least one subscriber.
func (r *Registry) Groups() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.groups))
	groups := make([]*group, 0, len(r.groups))
	for k, g := range r.groups {
		keys = append(keys, k)
		groups = append(groups, g)
	}
	r.mu.RUnlock()

	active := keys[:0]
	for i, g := range groups {
		g.mu.RLock()
		n := len(g.members)
		g.mu.RUnlock()
		if n > 0 {
			active = append(active, keys[i])
		}
	}
	return active
}
