package driftdb

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// PullResult is what a pull handler returns: a page of wire documents plus a
// flag signalling that the remote has more changes queued.
type PullResult struct {
	Documents        []DocumentData `json:"documents"`
	HasMoreDocuments bool           `json:"hasMoreDocuments"`
}

// PullHandler fetches the next batch of remote changes after the given
// resume document (nil on the very first pull). The transport behind it is
// opaque to the engine.
type PullHandler func(ctx context.Context, lastPulled DocumentData) (*PullResult, error)

// PushHandler transmits a batch of wire documents to the remote. A returned
// error marks the whole batch as failed.
type PushHandler func(ctx context.Context, docs []DocumentData) error

// PullOptions configures the pull half of a replication.
type PullOptions struct {
	Handler PullHandler
}

// PushOptions configures the push half of a replication.
type PushOptions struct {
	Handler PushHandler

	// BatchSize caps the number of distinct documents per push batch.
	BatchSize int
}

// ReplicationState drives the push-then-pull cycles of one replication
// identity and exposes their progress as streams. Cycles are strictly
// serialized: concurrent Run calls chain onto the running cycle, and bursts
// of triggers collapse to at most two queued follow-up cycles.
type ReplicationState struct {
	identifier string
	collection *Collection
	pull       *PullOptions
	push       *PushOptions
	live       bool
	retryTime  time.Duration

	liveInterval time.Duration

	received *Stream[DocumentData]
	send     *Stream[DocumentData]
	errors   *Stream[error]

	active                     *BehaviorStream[bool]
	canceled                   *BehaviorStream[bool]
	initialReplicationComplete *BehaviorStream[bool]

	checkpoints *checkpointStore

	ctx       context.Context
	cancelCtx context.CancelFunc

	mu            sync.Mutex
	chainTail     chan struct{}
	runQueueCount int
	runCount      int
	retryTimers   map[*time.Timer]struct{}
	teardown      []func()

	cancelOnce sync.Once
}

func newReplicationState(options ReplicationOptions) *ReplicationState {
	ctx, cancel := context.WithCancel(context.Background())
	tail := make(chan struct{})
	close(tail)
	return &ReplicationState{
		identifier:   options.ReplicationIdentifier,
		collection:   options.Collection,
		pull:         options.Pull,
		push:         options.Push,
		live:         options.Live,
		liveInterval: options.LiveInterval,
		retryTime:    options.RetryTime,

		received: NewStream[DocumentData](),
		send:     NewStream[DocumentData](),
		errors:   NewStream[error](),

		active:                     NewBehaviorStream(false),
		canceled:                   NewBehaviorStream(false),
		initialReplicationComplete: NewBehaviorStream(false),

		checkpoints: newCheckpointStore(options.Collection, options.ReplicationIdentifier),

		ctx:         ctx,
		cancelCtx:   cancel,
		chainTail:   tail,
		retryTimers: make(map[*time.Timer]struct{}),
	}
}

// Identifier returns the replication identifier.
func (s *ReplicationState) Identifier() string { return s.identifier }

// Collection returns the replicated collection.
func (s *ReplicationState) Collection() *Collection { return s.collection }

// Received streams every document applied from the remote.
func (s *ReplicationState) Received() *Stream[DocumentData] { return s.received }

// Send streams every document transmitted to the remote.
func (s *ReplicationState) Send() *Stream[DocumentData] { return s.send }

// Errors streams replication failures as *ReplicationError values.
func (s *ReplicationState) Errors() *Stream[error] { return s.errors }

// Active replays whether a cycle is currently in flight.
func (s *ReplicationState) Active() *BehaviorStream[bool] { return s.active }

// Canceled replays whether the state has been canceled.
func (s *ReplicationState) Canceled() *BehaviorStream[bool] { return s.canceled }

// InitialReplicationComplete replays whether the first clean cycle has
// finished. It transitions false to true exactly once.
func (s *ReplicationState) InitialReplicationComplete() *BehaviorStream[bool] {
	return s.initialReplicationComplete
}

// RunCount returns how many cycles have started. Testability hook.
func (s *ReplicationState) RunCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCount
}

// Done closes when the state is canceled.
func (s *ReplicationState) Done() <-chan struct{} { return s.ctx.Done() }

// IsStopped reports whether the state will not execute further cycles:
// the collection is destroyed, the state is canceled, or a non-live
// replication completed its initial cycle.
func (s *ReplicationState) IsStopped() bool {
	if s.collection.Destroyed() {
		return true
	}
	if s.canceled.Value() {
		return true
	}
	if !s.live && s.initialReplicationComplete.Value() {
		return true
	}
	return false
}

// AwaitInitialReplication blocks until the first clean cycle has completed,
// the state is canceled, or the context expires.
func (s *ReplicationState) AwaitInitialReplication(ctx context.Context) error {
	ch, unsubscribe := s.initialReplicationComplete.Subscribe(4)
	defer unsubscribe()
	for {
		select {
		case done, ok := <-ch:
			if !ok {
				return ErrReplicationCanceled
			}
			if done {
				return nil
			}
		case <-s.ctx.Done():
			return ErrReplicationCanceled
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run requests that a replication cycle executes and blocks until the
// requested work has finished. If the state is stopped it returns
// immediately. While one cycle is in flight and two more are already queued,
// additional callers simply wait for the queued work instead of scheduling
// more: a flood of triggers executes at most two follow-up cycles, which is
// enough to catch changes that arrived mid-cycle.
func (s *ReplicationState) Run(retryOnFail bool) {
	s.mu.Lock()
	if s.IsStopped() {
		s.mu.Unlock()
		return
	}
	if s.runQueueCount > 2 {
		tail := s.chainTail
		s.mu.Unlock()
		<-tail
		return
	}
	s.runQueueCount++
	prev := s.chainTail
	done := make(chan struct{})
	s.chainTail = done
	s.mu.Unlock()

	<-prev
	s.runCycle(retryOnFail)

	s.mu.Lock()
	s.runQueueCount--
	s.mu.Unlock()
	close(done)
}

// Cancel stops further cycles, stops pending retries and tears down all
// subscriptions. In-flight handler calls are not aborted; their results are
// discarded at the next stopped check. Idempotent.
func (s *ReplicationState) Cancel() {
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		for timer := range s.retryTimers {
			timer.Stop()
		}
		s.retryTimers = make(map[*time.Timer]struct{})
		teardown := s.teardown
		s.teardown = nil
		s.mu.Unlock()

		for _, fn := range teardown {
			fn()
		}
		s.canceled.Next(true)
		s.cancelCtx()
	})
}

// registerTeardown queues fn to run on Cancel. If the state is already
// canceled, fn runs immediately.
func (s *ReplicationState) registerTeardown(fn func()) {
	s.mu.Lock()
	if s.canceled.Value() {
		s.mu.Unlock()
		fn()
		return
	}
	s.teardown = append(s.teardown, fn)
	s.mu.Unlock()
}

// --- cycle execution ---

func (s *ReplicationState) runCycle(retryOnFail bool) {
	if s.IsStopped() {
		return
	}
	s.mu.Lock()
	s.runCount++
	s.mu.Unlock()

	s.emitActive(true)
	retried := s.runOnce(retryOnFail)
	s.emitActive(false)

	if retryOnFail && !retried && !s.canceled.Value() && !s.initialReplicationComplete.Value() {
		s.initialReplicationComplete.Next(true)
	}
}

// runOnce executes one push-then-pull pass and reports whether a retry was
// scheduled.
func (s *ReplicationState) runOnce(retryOnFail bool) bool {
	if s.initialReplicationComplete.Value() {
		// After the first load, background cycles yield to foreground
		// writes before touching storage.
		_ = s.collection.Database().RequestIdlePromise(s.ctx)
	}

	if s.push != nil {
		ok := s.runPush()
		if !ok && retryOnFail {
			// Push must succeed before pull so that pull-driven local
			// changes do not stack on top of an un-synced push.
			s.scheduleRetry()
			return true
		}
	}
	if s.pull != nil {
		ok := s.runPull()
		if !ok && retryOnFail {
			s.scheduleRetry()
			return true
		}
	}
	return false
}

func (s *ReplicationState) scheduleRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceled.Value() {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(s.retryTime, func() {
		s.mu.Lock()
		delete(s.retryTimers, timer)
		s.mu.Unlock()
		s.Run(true)
	})
	s.retryTimers[timer] = struct{}{}
	slog.Debug("replication retry scheduled",
		"identifier", s.identifier, "retryTime", s.retryTime)
}

// runPush drains local changes batch by batch until the change feed is
// exhausted. It reports false on the first failure, leaving the checkpoint
// at the last successful batch.
func (s *ReplicationState) runPush() bool {
	for {
		changes, err := ChangesSinceLastPushSequence(s.ctx, s.collection, s.identifier, s.push.BatchSize)
		if err != nil {
			s.emitError(newReplicationError(ErrorKindCheckpoint, s.identifier, err))
			return false
		}

		rows := make([]PushChangeRow, 0, len(changes.ChangedDocs))
		for _, row := range changes.ChangedDocs {
			rows = append(rows, row)
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].Sequence < rows[j].Sequence })

		wireDocs := make([]DocumentData, 0, len(rows))
		for _, row := range rows {
			wireDocs = append(wireDocs, ToWireDocument(row.Doc))
		}

		if err := s.push.Handler(s.ctx, wireDocs); err != nil {
			slog.Warn("replication push failed",
				"identifier", s.identifier, "docs", len(wireDocs), "err", err)
			s.emitError(newReplicationError(ErrorKindPush, s.identifier, err, wireDocs...))
			return false
		}
		for _, doc := range wireDocs {
			s.emitSend(doc)
		}

		if err := s.checkpoints.SetLastPushSequence(s.ctx, changes.LastSequence); err != nil {
			s.emitError(newReplicationError(ErrorKindCheckpoint, s.identifier, err))
			return false
		}

		if len(changes.ChangedDocs) == 0 {
			return true
		}
		// A non-empty batch may hide further changes behind it; drain.
	}
}

// runPull fetches remote pages until the remote reports no more documents.
// It reports false on failure so the cycle can schedule a retry.
func (s *ReplicationState) runPull() bool {
	if s.pull == nil {
		panic(fmt.Errorf("%w: runPull without pull options", ErrShouldNotHappen))
	}
	for {
		if s.IsStopped() {
			return false
		}
		lastPulled, err := s.checkpoints.LastPullDocument(s.ctx)
		if err != nil {
			s.emitError(newReplicationError(ErrorKindCheckpoint, s.identifier, err))
			return false
		}

		result, err := s.pull.Handler(s.ctx, lastPulled)
		if err != nil {
			slog.Warn("replication pull failed", "identifier", s.identifier, "err", err)
			s.emitError(newReplicationError(ErrorKindPull, s.identifier, err))
			return false
		}
		if result == nil || len(result.Documents) == 0 {
			return true
		}

		if s.collection.Database().DevMode() {
			for _, doc := range result.Documents {
				probe := doc.Clone()
				delete(probe, MetaFieldDeleted)
				if err := s.collection.Schema().Validate(probe); err != nil {
					s.emitError(newReplicationError(ErrorKindValidation, s.identifier, err, doc))
					return false
				}
			}
		}

		// Cancellation may have happened while the handler was in flight;
		// drop the page without side effects.
		if s.IsStopped() {
			return true
		}

		if err := s.handleDocumentsFromRemote(result.Documents); err != nil {
			s.emitError(newReplicationError(ErrorKindPull, s.identifier, err))
			return false
		}
		for _, doc := range result.Documents {
			s.emitReceived(doc)
		}

		last := result.Documents[len(result.Documents)-1]
		if err := s.checkpoints.SetLastPullDocument(s.ctx, last); err != nil {
			s.emitError(newReplicationError(ErrorKindCheckpoint, s.identifier, err))
			return false
		}

		if !result.HasMoreDocuments {
			return true
		}
	}
}

// handleDocumentsFromRemote writes pulled documents into local storage with
// pull-tagged revisions, so the next push cycle recognizes and skips them.
func (s *ReplicationState) handleDocumentsFromRemote(docs []DocumentData) error {
	primaryPath := s.collection.Schema().PrimaryKey

	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		id, ok := doc.Primary(primaryPath)
		if !ok {
			return fmt.Errorf("pulled document misses primary key %q: %w", primaryPath, ErrMissingPrimary)
		}
		ids = append(ids, id)
	}

	existing, err := s.collection.Storage().FindDocumentsByID(s.ctx, ids, true)
	if err != nil {
		return err
	}

	toWrite := make([]DocumentData, 0, len(docs))
	for i, pulled := range docs {
		doc := pulled.Clone()
		if _, ok := doc[MetaFieldDeleted].(bool); !ok {
			doc[MetaFieldDeleted] = false
		}
		delete(doc, MetaFieldRev)

		height := 1
		if prev, ok := existing[ids[i]]; ok {
			if h, _, parsed := ParseRevision(prev.Rev()); parsed {
				height = h + 1
			}
		}
		hash := CreateRevisionForPulledDocument(s.identifier, doc)
		doc[MetaFieldRev] = NewRevision(height, hash)
		if _, ok := doc[MetaFieldAttachments]; !ok {
			doc[MetaFieldAttachments] = map[string]any{}
		}
		toWrite = append(toWrite, doc)
	}

	return s.collection.Database().LockedRun(s.ctx, func() error {
		return s.collection.BulkAddRevisions(s.ctx, toWrite)
	})
}

// --- emission guards: observables stay silent after cancellation ---

func (s *ReplicationState) emitActive(v bool) {
	if s.canceled.Value() {
		return
	}
	s.active.Next(v)
}

func (s *ReplicationState) emitReceived(doc DocumentData) {
	if s.canceled.Value() {
		return
	}
	s.received.Next(doc)
}

func (s *ReplicationState) emitSend(doc DocumentData) {
	if s.canceled.Value() {
		return
	}
	s.send.Next(doc)
}

func (s *ReplicationState) emitError(err error) {
	if s.canceled.Value() {
		return
	}
	s.errors.Next(err)
}
