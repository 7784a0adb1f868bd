package driftdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Config configures a database handle.
type Config struct {
	// Name identifies the database. Multi-instance leader election is
	// scoped to this name.
	Name string

	// MultiInstance marks the database as one of several instances sharing
	// the same logical data; leadership-gated replication then waits for
	// election.
	MultiInstance bool

	// DevMode enables additional runtime checks, notably schema validation
	// of pulled documents.
	DevMode bool
}

// Database owns a set of collections and the process-wide primitives they
// share: the writer lock, idle scheduling and leader election.
type Database struct {
	name          string
	multiInstance bool
	devMode       bool

	// token salts locally-minted revision hashes so they can never collide
	// with pull-tagged revision hashes.
	token string

	elector LeaderElector

	writeSem chan struct{}

	idleMu      sync.Mutex
	busyOps     int
	idleWaiters []chan struct{}

	collMu      sync.Mutex
	collections map[string]*Collection

	destroyed atomic.Bool
}

// NewDatabase creates a database handle.
func NewDatabase(cfg Config) *Database {
	if cfg.Name == "" {
		cfg.Name = "driftdb"
	}
	db := &Database{
		name:          cfg.Name,
		multiInstance: cfg.MultiInstance,
		devMode:       cfg.DevMode,
		token:         uuid.NewString(),
		writeSem:      make(chan struct{}, 1),
		collections:   make(map[string]*Collection),
	}
	if cfg.MultiInstance {
		db.elector = newProcessLeaderElector(cfg.Name)
	} else {
		db.elector = singleInstanceElector{}
	}
	return db
}

// Name returns the database name.
func (db *Database) Name() string { return db.name }

// MultiInstance reports whether the database runs as one of several
// instances.
func (db *Database) MultiInstance() bool { return db.multiInstance }

// DevMode reports whether dev-mode checks are enabled.
func (db *Database) DevMode() bool { return db.devMode }

// Destroyed reports whether Destroy has been called.
func (db *Database) Destroyed() bool { return db.destroyed.Load() }

// LockedRun executes fn while holding the database's global writer lock.
// All writers within a process instance are mutually excluded through it.
func (db *Database) LockedRun(ctx context.Context, fn func() error) error {
	select {
	case db.writeSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	db.markBusy()
	defer func() {
		db.markIdle()
		<-db.writeSem
	}()
	return fn()
}

// RequestIdlePromise blocks until the database has no write operation in
// flight, giving background work a way to yield to foreground writes.
func (db *Database) RequestIdlePromise(ctx context.Context) error {
	for {
		db.idleMu.Lock()
		if db.busyOps == 0 {
			db.idleMu.Unlock()
			return nil
		}
		ch := make(chan struct{})
		db.idleWaiters = append(db.idleWaiters, ch)
		db.idleMu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (db *Database) markBusy() {
	db.idleMu.Lock()
	db.busyOps++
	db.idleMu.Unlock()
}

func (db *Database) markIdle() {
	db.idleMu.Lock()
	db.busyOps--
	if db.busyOps == 0 {
		for _, ch := range db.idleWaiters {
			close(ch)
		}
		db.idleWaiters = nil
	}
	db.idleMu.Unlock()
}

// WaitForLeadership blocks until this instance is the elected leader. For
// single-instance databases it returns immediately.
func (db *Database) WaitForLeadership(ctx context.Context) error {
	if !db.multiInstance {
		return nil
	}
	return db.elector.WaitForLeadership(ctx)
}

// IsLeader reports whether this instance holds leadership.
func (db *Database) IsLeader() bool {
	return db.elector.IsLeader()
}

// CreateCollection registers a new collection. A nil storage defaults to an
// in-memory instance.
func (db *Database) CreateCollection(name string, schema *Schema, storage StorageInstance) (*Collection, error) {
	if db.Destroyed() {
		return nil, ErrDatabaseDestroyed
	}
	if schema == nil || schema.PrimaryKey == "" {
		return nil, fmt.Errorf("collection %s: schema with a primary key is required", name)
	}
	if storage == nil {
		storage = NewMemoryStorage(schema.PrimaryKey)
	}

	db.collMu.Lock()
	defer db.collMu.Unlock()
	if _, exists := db.collections[name]; exists {
		return nil, fmt.Errorf("collection %s already exists", name)
	}
	coll := newCollection(db, name, schema, storage)
	db.collections[name] = coll
	return coll, nil
}

// Collection returns a registered collection, or nil if unknown.
func (db *Database) Collection(name string) *Collection {
	db.collMu.Lock()
	defer db.collMu.Unlock()
	return db.collections[name]
}

// Destroy tears down all collections and releases leadership.
func (db *Database) Destroy() error {
	if !db.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	db.collMu.Lock()
	colls := make([]*Collection, 0, len(db.collections))
	for _, c := range db.collections {
		colls = append(colls, c)
	}
	db.collections = make(map[string]*Collection)
	db.collMu.Unlock()

	var firstErr error
	for _, c := range colls {
		if err := c.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	db.elector.Resign()
	return firstErr
}
