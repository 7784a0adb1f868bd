package driftdb

import (
	"context"
	"sync"
)

// MemoryStorage is an in-memory StorageInstance. It is the default backing
// store for collections and the workhorse of the test suite; data does not
// survive the process.
type MemoryStorage struct {
	primaryPath string

	mu    sync.RWMutex
	docs  map[string]DocumentData
	local map[string]DocumentData
	feed  []ChangeFeedEntry
	seq   uint64
}

// NewMemoryStorage creates an empty in-memory storage instance for documents
// keyed at the given primary path.
func NewMemoryStorage(primaryPath string) *MemoryStorage {
	return &MemoryStorage{
		primaryPath: primaryPath,
		docs:        make(map[string]DocumentData),
		local:       make(map[string]DocumentData),
	}
}

// FindDocumentsByID implements StorageInstance.
func (m *MemoryStorage) FindDocumentsByID(_ context.Context, ids []string, includeDeleted bool) (map[string]DocumentData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]DocumentData, len(ids))
	for _, id := range ids {
		doc, ok := m.docs[id]
		if !ok {
			continue
		}
		if !includeDeleted && doc.Deleted() {
			continue
		}
		result[id] = doc.Clone()
	}
	return result, nil
}

// BulkAddRevisions implements StorageInstance. The whole batch is applied
// under one lock acquisition, so readers observe all documents or none.
func (m *MemoryStorage) BulkAddRevisions(_ context.Context, docs []DocumentData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, len(docs))
	for i, doc := range docs {
		id, ok := doc.Primary(m.primaryPath)
		if !ok {
			return ErrMissingPrimary
		}
		ids[i] = id
	}
	for i, doc := range docs {
		m.docs[ids[i]] = doc.Clone()
		m.seq++
		m.feed = append(m.feed, ChangeFeedEntry{Sequence: m.seq, DocID: ids[i]})
	}
	return nil
}

// ChangesSince implements StorageInstance.
func (m *MemoryStorage) ChangesSince(_ context.Context, since uint64, limit int) ([]ChangeFeedEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = len(m.feed)
	}
	var out []ChangeFeedEntry
	for _, entry := range m.feed {
		if entry.Sequence <= since {
			continue
		}
		out = append(out, entry)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// LastSequenceOfDocument implements StorageInstance.
func (m *MemoryStorage) LastSequenceOfDocument(_ context.Context, docID string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.feed) - 1; i >= 0; i-- {
		if m.feed[i].DocID == docID {
			return m.feed[i].Sequence, nil
		}
	}
	return 0, nil
}

// GetLocal implements StorageInstance.
func (m *MemoryStorage) GetLocal(_ context.Context, id string) (DocumentData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.local[id]
	if !ok {
		return nil, nil
	}
	return doc.Clone(), nil
}

// PutLocal implements StorageInstance.
func (m *MemoryStorage) PutLocal(_ context.Context, id string, doc DocumentData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local[id] = doc.Clone()
	return nil
}

// Close implements StorageInstance.
func (m *MemoryStorage) Close() error {
	return nil
}
