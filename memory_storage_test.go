package driftdb

import (
	"context"
	"testing"
)

func storedDoc(id, name string, deleted bool, rev string) DocumentData {
	return DocumentData{
		"id":                 id,
		"name":               name,
		MetaFieldDeleted:     deleted,
		MetaFieldRev:         rev,
		MetaFieldAttachments: map[string]any{},
	}
}

func TestMemoryStorageChangeFeed(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage("id")

	docs := []DocumentData{
		storedDoc("a", "one", false, "1-aa"),
		storedDoc("b", "two", false, "1-bb"),
		storedDoc("a", "one-v2", false, "2-aa"),
	}
	for _, doc := range docs {
		if err := storage.BulkAddRevisions(ctx, []DocumentData{doc}); err != nil {
			t.Fatalf("bulk add: %v", err)
		}
	}

	entries, err := storage.ChangesSince(ctx, 0, 0)
	if err != nil {
		t.Fatalf("changes since: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("feed length = %d, want 3", len(entries))
	}
	wantIDs := []string{"a", "b", "a"}
	for i, entry := range entries {
		if entry.DocID != wantIDs[i] {
			t.Errorf("entry %d doc = %s, want %s", i, entry.DocID, wantIDs[i])
		}
		if entry.Sequence != uint64(i+1) {
			t.Errorf("entry %d seq = %d, want %d", i, entry.Sequence, i+1)
		}
	}

	// since + limit windowing
	entries, err = storage.ChangesSince(ctx, 1, 1)
	if err != nil {
		t.Fatalf("changes since: %v", err)
	}
	if len(entries) != 1 || entries[0].Sequence != 2 || entries[0].DocID != "b" {
		t.Errorf("windowed feed = %+v, want [{2 b}]", entries)
	}

	seq, err := storage.LastSequenceOfDocument(ctx, "a")
	if err != nil {
		t.Fatalf("last sequence: %v", err)
	}
	if seq != 3 {
		t.Errorf("last sequence of a = %d, want 3", seq)
	}
	seq, _ = storage.LastSequenceOfDocument(ctx, "missing")
	if seq != 0 {
		t.Errorf("last sequence of missing doc = %d, want 0", seq)
	}
}

func TestMemoryStorageFindDocumentsByID(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage("id")

	if err := storage.BulkAddRevisions(ctx, []DocumentData{
		storedDoc("a", "one", false, "1-aa"),
		storedDoc("b", "two", true, "2-bb"),
	}); err != nil {
		t.Fatalf("bulk add: %v", err)
	}

	found, err := storage.FindDocumentsByID(ctx, []string{"a", "b", "c"}, false)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(found) != 1 {
		t.Errorf("found %d live docs, want 1", len(found))
	}
	if _, ok := found["b"]; ok {
		t.Error("deleted doc returned with includeDeleted=false")
	}

	found, err = storage.FindDocumentsByID(ctx, []string{"a", "b"}, true)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(found) != 2 {
		t.Errorf("found %d docs, want 2", len(found))
	}
	if !found["b"].Deleted() {
		t.Error("tombstone flag lost")
	}
}

func TestMemoryStorageAtomicBatch(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage("id")

	err := storage.BulkAddRevisions(ctx, []DocumentData{
		storedDoc("a", "one", false, "1-aa"),
		{"name": "no primary"},
	})
	if err == nil {
		t.Fatal("expected error for document without primary key")
	}
}

func TestMemoryStorageLocalDocuments(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage("id")

	doc, err := storage.GetLocal(ctx, "missing")
	if err != nil {
		t.Fatalf("get local: %v", err)
	}
	if doc != nil {
		t.Errorf("missing local doc = %v, want nil", doc)
	}

	if err := storage.PutLocal(ctx, "cp", DocumentData{"cursor": uint64(7)}); err != nil {
		t.Fatalf("put local: %v", err)
	}
	doc, err = storage.GetLocal(ctx, "cp")
	if err != nil {
		t.Fatalf("get local: %v", err)
	}
	if got, _ := toUint64(doc["cursor"]); got != 7 {
		t.Errorf("cursor = %v, want 7", doc["cursor"])
	}

	// Local documents never hit the change feed.
	entries, _ := storage.ChangesSince(ctx, 0, 0)
	if len(entries) != 0 {
		t.Errorf("local write appeared on change feed: %+v", entries)
	}
}
