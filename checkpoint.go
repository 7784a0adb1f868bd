package driftdb

import (
	"context"
	"fmt"
)

// checkpointDocumentPrefix namespaces replication checkpoints inside the
// local-documents store. One checkpoint document exists per replication
// identity.
const checkpointDocumentPrefix = "replication-checkpoint/"

const (
	checkpointFieldPushSequence = "lastPushSequence"
	checkpointFieldPullDocument = "lastPulledDocument"
)

// checkpointStore persists the two resume cursors of one replication
// identity: the change-feed sequence of the last successful push and the
// last document received from the remote. Unknown fields in the checkpoint
// document are preserved across updates.
type checkpointStore struct {
	collection *Collection
	identifier string
}

func newCheckpointStore(collection *Collection, identifier string) *checkpointStore {
	return &checkpointStore{collection: collection, identifier: identifier}
}

func (s *checkpointStore) documentID() string {
	return checkpointDocumentPrefix + s.identifier
}

func (s *checkpointStore) load(ctx context.Context) (DocumentData, error) {
	doc, err := s.collection.GetLocal(ctx, s.documentID())
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", s.identifier, err)
	}
	if doc == nil {
		doc = DocumentData{}
	}
	return doc, nil
}

func (s *checkpointStore) store(ctx context.Context, doc DocumentData) error {
	if err := s.collection.PutLocal(ctx, s.documentID(), doc); err != nil {
		return fmt.Errorf("store checkpoint %s: %w", s.identifier, err)
	}
	return nil
}

// LastPushSequence returns the persisted push cursor, defaulting to 0.
func (s *checkpointStore) LastPushSequence(ctx context.Context) (uint64, error) {
	doc, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	seq, _ := toUint64(doc[checkpointFieldPushSequence])
	return seq, nil
}

// SetLastPushSequence upserts the push cursor. Callers always pass the
// highest inspected sequence of the batch, keeping the stored value
// non-decreasing.
func (s *checkpointStore) SetLastPushSequence(ctx context.Context, seq uint64) error {
	doc, err := s.load(ctx)
	if err != nil {
		return err
	}
	doc[checkpointFieldPushSequence] = seq
	return s.store(ctx, doc)
}

// LastPullDocument returns the last document received from the remote, or
// nil if no pull has completed yet.
func (s *checkpointStore) LastPullDocument(ctx context.Context) (DocumentData, error) {
	doc, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	switch v := doc[checkpointFieldPullDocument].(type) {
	case DocumentData:
		return v.Clone(), nil
	case map[string]any:
		return DocumentData(v).Clone(), nil
	default:
		return nil, nil
	}
}

// SetLastPullDocument upserts the pull resume token.
func (s *checkpointStore) SetLastPullDocument(ctx context.Context, pulled DocumentData) error {
	doc, err := s.load(ctx)
	if err != nil {
		return err
	}
	doc[checkpointFieldPullDocument] = pulled.Clone()
	return s.store(ctx, doc)
}
