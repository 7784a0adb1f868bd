package driftdb

import "context"

// ChangeFeedEntry is one entry of a storage instance's change feed. Sequences
// are assigned per write and grow strictly monotonically; a document that
// changes repeatedly appears once per change.
type ChangeFeedEntry struct {
	Sequence uint64
	DocID    string
}

// ChangeEvent is broadcast on a collection's event stream for every document
// write. IsLocal marks writes in the local-documents namespace (checkpoints
// and other auxiliary state); replication wakeups ignore those.
type ChangeEvent struct {
	DocID   string
	IsLocal bool
	// Doc is the document state after the change, including its revision.
	Doc DocumentData
}

// StorageInstance is the key-addressable bulk document store a collection is
// built on. Implementations must assign monotonic change-feed sequences and
// apply BulkAddRevisions atomically: either all documents of a batch become
// visible or none.
type StorageInstance interface {
	// FindDocumentsByID returns the stored documents for the given ids.
	// Missing ids are absent from the result. If includeDeleted is false,
	// soft-deleted documents are treated as missing.
	FindDocumentsByID(ctx context.Context, ids []string, includeDeleted bool) (map[string]DocumentData, error)

	// BulkAddRevisions writes documents exactly as given, revision included,
	// appending one change-feed entry per document.
	BulkAddRevisions(ctx context.Context, docs []DocumentData) error

	// ChangesSince returns up to limit change-feed entries with a sequence
	// strictly greater than since, in ascending sequence order.
	ChangesSince(ctx context.Context, since uint64, limit int) ([]ChangeFeedEntry, error)

	// LastSequenceOfDocument returns the highest change-feed sequence
	// recorded for the given document id, or 0 if the document never changed.
	LastSequenceOfDocument(ctx context.Context, docID string) (uint64, error)

	// GetLocal reads a document from the local-documents namespace.
	// It returns (nil, nil) when the document does not exist.
	GetLocal(ctx context.Context, id string) (DocumentData, error)

	// PutLocal upserts a document in the local-documents namespace. Local
	// documents never appear on the change feed.
	PutLocal(ctx context.Context, id string, doc DocumentData) error

	// Close releases all resources held by the instance.
	Close() error
}
