package driftdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Collection is a named set of documents validated by one schema and backed
// by a storage instance. Every document write is broadcast on the
// collection's event stream; replication subscribes to that stream to learn
// about local changes.
type Collection struct {
	name     string
	schema   *Schema
	storage  StorageInstance
	database *Database

	events *Stream[ChangeEvent]

	onDestroy   chan struct{}
	destroyOnce sync.Once
	destroyed   atomic.Bool
}

func newCollection(db *Database, name string, schema *Schema, storage StorageInstance) *Collection {
	return &Collection{
		name:      name,
		schema:    schema,
		storage:   storage,
		database:  db,
		events:    NewStream[ChangeEvent](),
		onDestroy: make(chan struct{}),
	}
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Schema returns the collection schema.
func (c *Collection) Schema() *Schema { return c.schema }

// Storage returns the backing storage instance.
func (c *Collection) Storage() StorageInstance { return c.storage }

// Database returns the owning database.
func (c *Collection) Database() *Database { return c.database }

// Events returns the collection's change-event stream.
func (c *Collection) Events() *Stream[ChangeEvent] { return c.events }

// OnDestroy returns a channel that closes when the collection is destroyed.
func (c *Collection) OnDestroy() <-chan struct{} { return c.onDestroy }

// Destroyed reports whether the collection has been destroyed.
func (c *Collection) Destroyed() bool { return c.destroyed.Load() }

// Destroy tears the collection down: the destroy signal fires, the event
// stream closes and the storage instance is released. Idempotent.
func (c *Collection) Destroy() error {
	var err error
	c.destroyOnce.Do(func() {
		c.destroyed.Store(true)
		close(c.onDestroy)
		c.events.Close()
		err = c.storage.Close()
	})
	return err
}

// Insert writes a new document. It fails if a live (non-deleted) document
// with the same primary key already exists.
func (c *Collection) Insert(ctx context.Context, doc DocumentData) (DocumentData, error) {
	return c.writeLocal(ctx, doc, false, true)
}

// Upsert writes a document, creating it or replacing the current version.
func (c *Collection) Upsert(ctx context.Context, doc DocumentData) (DocumentData, error) {
	return c.writeLocal(ctx, doc, false, false)
}

// Remove soft-deletes the document with the given primary key. The tombstone
// is a regular revision and replicates like any other write.
func (c *Collection) Remove(ctx context.Context, id string) (DocumentData, error) {
	existing, err := c.storage.FindDocumentsByID(ctx, []string{id}, false)
	if err != nil {
		return nil, err
	}
	current, ok := existing[id]
	if !ok {
		return nil, fmt.Errorf("document %s not found", id)
	}
	return c.writeLocal(ctx, current, true, false)
}

// FindByID returns the current live version of a document, or nil if it does
// not exist or is deleted.
func (c *Collection) FindByID(ctx context.Context, id string) (DocumentData, error) {
	docs, err := c.storage.FindDocumentsByID(ctx, []string{id}, false)
	if err != nil {
		return nil, err
	}
	return docs[id], nil
}

func (c *Collection) writeLocal(ctx context.Context, doc DocumentData, deleted, mustNotExist bool) (DocumentData, error) {
	if c.Destroyed() {
		return nil, ErrCollectionDestroyed
	}
	if err := c.schema.Validate(doc); err != nil {
		return nil, err
	}
	id, ok := doc.Primary(c.schema.PrimaryKey)
	if !ok {
		return nil, ErrMissingPrimary
	}

	var stored DocumentData
	err := c.database.LockedRun(ctx, func() error {
		existing, err := c.storage.FindDocumentsByID(ctx, []string{id}, true)
		if err != nil {
			return err
		}
		height := 1
		if prev, found := existing[id]; found {
			if mustNotExist && !prev.Deleted() {
				return fmt.Errorf("%w: %s", ErrDocumentExists, id)
			}
			if h, _, ok := ParseRevision(prev.Rev()); ok {
				height = h + 1
			}
		}

		stored = doc.Clone()
		stored[MetaFieldDeleted] = deleted
		delete(stored, MetaFieldRev)
		hash := contentDigest(c.database.token, revisionDomainLocal, stored)
		stored[MetaFieldRev] = NewRevision(height, hash)
		if _, hasAttachments := stored[MetaFieldAttachments]; !hasAttachments {
			stored[MetaFieldAttachments] = map[string]any{}
		}
		return c.storage.BulkAddRevisions(ctx, []DocumentData{stored})
	})
	if err != nil {
		return nil, err
	}

	c.events.Next(ChangeEvent{DocID: id, IsLocal: false, Doc: stored.Clone()})
	return stored, nil
}

// BulkAddRevisions writes documents with precomputed revisions (the pull
// path) and broadcasts one change event per document.
func (c *Collection) BulkAddRevisions(ctx context.Context, docs []DocumentData) error {
	if c.Destroyed() {
		return ErrCollectionDestroyed
	}
	if err := c.storage.BulkAddRevisions(ctx, docs); err != nil {
		return err
	}
	for _, doc := range docs {
		id, _ := doc.Primary(c.schema.PrimaryKey)
		c.events.Next(ChangeEvent{DocID: id, IsLocal: false, Doc: doc.Clone()})
	}
	return nil
}

// GetLocal reads a document from the local-documents namespace.
func (c *Collection) GetLocal(ctx context.Context, id string) (DocumentData, error) {
	if c.Destroyed() {
		return nil, ErrCollectionDestroyed
	}
	return c.storage.GetLocal(ctx, id)
}

// PutLocal upserts a document in the local-documents namespace. The change
// event carries IsLocal=true, so replication wakeups ignore it.
func (c *Collection) PutLocal(ctx context.Context, id string, doc DocumentData) error {
	if c.Destroyed() {
		return ErrCollectionDestroyed
	}
	if err := c.storage.PutLocal(ctx, id, doc); err != nil {
		return err
	}
	c.events.Next(ChangeEvent{DocID: id, IsLocal: true, Doc: doc.Clone()})
	return nil
}
