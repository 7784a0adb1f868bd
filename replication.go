package driftdb

import (
	"log/slog"
	"time"
)

// Defaults for ReplicationOptions.
const (
	// DefaultLiveInterval is the pull polling interval in live mode.
	DefaultLiveInterval = 10 * time.Second

	// DefaultRetryTime is the delay before a failed cycle is retried.
	DefaultRetryTime = 5 * time.Second

	// DefaultPushBatchSize caps push batches when none is configured.
	DefaultPushBatchSize = 10
)

// ReplicationOptions configures one replication channel of a collection.
type ReplicationOptions struct {
	// ReplicationIdentifier names the sync channel. Checkpoints and
	// pull-tagged revisions are scoped to it; it must stay stable across
	// restarts.
	ReplicationIdentifier string

	// Collection is the replicated collection.
	Collection *Collection

	// Pull configures the download half. Optional.
	Pull *PullOptions

	// Push configures the upload half. Optional.
	Push *PushOptions

	// Live keeps the replication running until canceled: pulls on an
	// interval, pushes on local change events.
	Live bool

	// LiveInterval is the pull polling interval in live mode. With a
	// push-only live replication no timer runs at all; wakeups come
	// exclusively from the collection's change stream.
	LiveInterval time.Duration

	// RetryTime is the delay before a failed cycle is retried.
	RetryTime time.Duration

	// WaitForLeadership defers all replication work until this database
	// instance is elected leader. Only meaningful on multi-instance
	// databases.
	WaitForLeadership bool
}

func (o *ReplicationOptions) normalize() error {
	if o.ReplicationIdentifier == "" {
		return ErrMissingIdentifier
	}
	if o.Collection == nil {
		return ErrMissingCollection
	}
	if o.Pull == nil && o.Push == nil {
		return ErrMissingHandlers
	}
	if o.LiveInterval <= 0 {
		o.LiveInterval = DefaultLiveInterval
	}
	if o.RetryTime <= 0 {
		o.RetryTime = DefaultRetryTime
	}
	if o.Push != nil && o.Push.BatchSize <= 0 {
		o.Push.BatchSize = DefaultPushBatchSize
	}
	return nil
}

// ReplicateCollection starts a replication channel for a collection and
// returns its state. The initial cycle is kicked off asynchronously; callers
// observe progress through the state's streams or AwaitInitialReplication.
//
// With WaitForLeadership on a multi-instance database, nothing (including
// the initial cycle) happens until this instance is elected leader.
func ReplicateCollection(options ReplicationOptions) (*ReplicationState, error) {
	if err := options.normalize(); err != nil {
		return nil, err
	}
	if options.Collection.Destroyed() {
		return nil, ErrCollectionDestroyed
	}

	state := newReplicationState(options)
	database := options.Collection.Database()

	// The replication dies with its collection.
	go func() {
		select {
		case <-options.Collection.OnDestroy():
			state.Cancel()
		case <-state.ctx.Done():
		}
	}()

	go func() {
		if options.WaitForLeadership && database.MultiInstance() {
			if err := database.WaitForLeadership(state.ctx); err != nil {
				return
			}
			slog.Debug("replication acquired leadership",
				"identifier", options.ReplicationIdentifier, "database", database.Name())
		}
		if state.IsStopped() {
			return
		}

		// Initial kick, not awaited.
		go state.Run(true)

		if options.Live {
			if options.Pull != nil {
				go state.liveIntervalLoop()
			}
			if options.Push != nil {
				state.subscribeToChanges()
			}
		}
	}()

	return state, nil
}

// liveIntervalLoop polls the remote in live mode. Retries are disabled for
// interval-triggered cycles so that stacked ticks cannot pile retries on top
// of an already-failing endpoint; the next tick is the retry.
func (s *ReplicationState) liveIntervalLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.liveInterval):
		}
		if s.IsStopped() {
			return
		}
		s.Run(false)
	}
}

// subscribeToChanges wakes the replication on local writes. Events from the
// local-documents namespace and documents whose current revision came from
// this replication's own pull are ignored, which breaks the pull-write-push
// echo loop.
func (s *ReplicationState) subscribeToChanges() {
	events, unsubscribe := s.collection.Events().Subscribe(256)
	s.registerTeardown(unsubscribe)

	go func() {
		for {
			select {
			case <-s.ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				if event.IsLocal {
					continue
				}
				if s.IsStopped() {
					return
				}
				if event.Doc != nil && WasRevisionFromPullReplication(s.identifier, event.Doc) {
					continue
				}
				go s.Run(true)
			}
		}
	}()
}
