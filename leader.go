package driftdb

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// LeaderElector decides which of several database instances sharing a name
// may run leadership-gated work such as replication.
type LeaderElector interface {
	// WaitForLeadership blocks until this instance is elected leader or the
	// context is canceled.
	WaitForLeadership(ctx context.Context) error

	// IsLeader reports whether this instance currently holds leadership.
	IsLeader() bool

	// Resign gives up leadership (or a pending candidacy). The next waiting
	// instance, if any, is promoted.
	Resign()
}

// singleInstanceElector is used when a database is not multi-instance; the
// sole instance is always the leader.
type singleInstanceElector struct{}

func (singleInstanceElector) WaitForLeadership(context.Context) error { return nil }
func (singleInstanceElector) IsLeader() bool                          { return true }
func (singleInstanceElector) Resign()                                 {}

// electionGroup holds the in-process election state for one database name.
type electionGroup struct {
	mu      sync.Mutex
	leader  string
	waiters []*electionWaiter
}

type electionWaiter struct {
	instanceID string
	elected    chan struct{}
}

var elections = struct {
	mu     sync.Mutex
	groups map[string]*electionGroup
}{groups: make(map[string]*electionGroup)}

func electionGroupFor(name string) *electionGroup {
	elections.mu.Lock()
	defer elections.mu.Unlock()
	group, ok := elections.groups[name]
	if !ok {
		group = &electionGroup{}
		elections.groups[name] = group
	}
	return group
}

// processLeaderElector elects a single leader among the instances of one
// database name within this process. It models the contract of a multi-tab
// leader election: first applicant wins, and leadership moves on when the
// leader resigns or its database is destroyed.
type processLeaderElector struct {
	group      *electionGroup
	instanceID string

	mu       sync.Mutex
	isLeader bool
}

func newProcessLeaderElector(databaseName string) *processLeaderElector {
	return &processLeaderElector{
		group:      electionGroupFor(databaseName),
		instanceID: uuid.NewString(),
	}
}

// WaitForLeadership implements LeaderElector.
func (e *processLeaderElector) WaitForLeadership(ctx context.Context) error {
	e.mu.Lock()
	if e.isLeader {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	e.group.mu.Lock()
	if e.group.leader == "" || e.group.leader == e.instanceID {
		e.group.leader = e.instanceID
		e.group.mu.Unlock()
		e.mu.Lock()
		e.isLeader = true
		e.mu.Unlock()
		return nil
	}
	waiter := &electionWaiter{instanceID: e.instanceID, elected: make(chan struct{})}
	e.group.waiters = append(e.group.waiters, waiter)
	e.group.mu.Unlock()

	select {
	case <-waiter.elected:
		e.mu.Lock()
		e.isLeader = true
		e.mu.Unlock()
		return nil
	case <-ctx.Done():
		e.group.removeWaiter(waiter)
		return ctx.Err()
	}
}

// IsLeader implements LeaderElector.
func (e *processLeaderElector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

// Resign implements LeaderElector.
func (e *processLeaderElector) Resign() {
	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = false
	e.mu.Unlock()

	e.group.mu.Lock()
	defer e.group.mu.Unlock()
	if !wasLeader {
		// Drop a pending candidacy.
		for i, w := range e.group.waiters {
			if w.instanceID == e.instanceID {
				e.group.waiters = append(e.group.waiters[:i], e.group.waiters[i+1:]...)
				break
			}
		}
		return
	}
	if e.group.leader != e.instanceID {
		return
	}
	e.group.leader = ""
	if len(e.group.waiters) > 0 {
		next := e.group.waiters[0]
		e.group.waiters = e.group.waiters[1:]
		e.group.leader = next.instanceID
		close(next.elected)
	}
}

func (g *electionGroup) removeWaiter(waiter *electionWaiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, w := range g.waiters {
		if w == waiter {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return
		}
	}
}
