package driftdb

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestSQLiteStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "driftdb.sqlite")
	storage, err := OpenSQLiteStorage("id", DefaultSQLiteStorageConfig(path))
	if err != nil {
		t.Fatalf("open sqlite storage: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func TestSQLiteStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	storage := newTestSQLiteStorage(t)

	if err := storage.BulkAddRevisions(ctx, []DocumentData{
		storedDoc("a", "one", false, "1-aa"),
		storedDoc("b", "two", true, "1-bb"),
	}); err != nil {
		t.Fatalf("bulk add: %v", err)
	}

	found, err := storage.FindDocumentsByID(ctx, []string{"a", "b"}, true)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("found %d docs, want 2", len(found))
	}
	if found["a"]["name"] != "one" {
		t.Errorf("a.name = %v, want one", found["a"]["name"])
	}
	if found["a"].Rev() != "1-aa" {
		t.Errorf("a rev = %s, want 1-aa", found["a"].Rev())
	}
	if !found["b"].Deleted() {
		t.Error("b tombstone lost")
	}

	live, err := storage.FindDocumentsByID(ctx, []string{"a", "b"}, false)
	if err != nil {
		t.Fatalf("find live: %v", err)
	}
	if len(live) != 1 {
		t.Errorf("found %d live docs, want 1", len(live))
	}
}

func TestSQLiteStorageChangeFeed(t *testing.T) {
	ctx := context.Background()
	storage := newTestSQLiteStorage(t)

	for i, doc := range []DocumentData{
		storedDoc("a", "one", false, "1-aa"),
		storedDoc("b", "two", false, "1-bb"),
		storedDoc("a", "one-v2", false, "2-aa"),
	} {
		if err := storage.BulkAddRevisions(ctx, []DocumentData{doc}); err != nil {
			t.Fatalf("bulk add %d: %v", i, err)
		}
	}

	entries, err := storage.ChangesSince(ctx, 0, 10)
	if err != nil {
		t.Fatalf("changes since: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("feed length = %d, want 3", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Sequence <= entries[i-1].Sequence {
			t.Fatal("sequences not strictly increasing")
		}
	}

	windowed, err := storage.ChangesSince(ctx, entries[0].Sequence, 1)
	if err != nil {
		t.Fatalf("changes since: %v", err)
	}
	if len(windowed) != 1 || windowed[0].DocID != "b" {
		t.Errorf("windowed feed = %+v, want one entry for b", windowed)
	}

	seq, err := storage.LastSequenceOfDocument(ctx, "a")
	if err != nil {
		t.Fatalf("last sequence: %v", err)
	}
	if seq != entries[2].Sequence {
		t.Errorf("last sequence of a = %d, want %d", seq, entries[2].Sequence)
	}
}

func TestSQLiteStoragePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "driftdb.sqlite")

	storage, err := OpenSQLiteStorage("id", DefaultSQLiteStorageConfig(path))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := storage.BulkAddRevisions(ctx, []DocumentData{storedDoc("a", "one", false, "1-aa")}); err != nil {
		t.Fatalf("bulk add: %v", err)
	}
	if err := storage.PutLocal(ctx, "cp", DocumentData{"lastPushSequence": uint64(4)}); err != nil {
		t.Fatalf("put local: %v", err)
	}
	if err := storage.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSQLiteStorage("id", DefaultSQLiteStorageConfig(path))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	found, err := reopened.FindDocumentsByID(ctx, []string{"a"}, true)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found["a"] == nil || found["a"]["name"] != "one" {
		t.Errorf("document lost across reopen: %v", found["a"])
	}

	local, err := reopened.GetLocal(ctx, "cp")
	if err != nil {
		t.Fatalf("get local: %v", err)
	}
	if got, _ := toUint64(local["lastPushSequence"]); got != 4 {
		t.Errorf("local doc lost across reopen: %v", local)
	}

	// The feed keeps counting where it left off.
	if err := reopened.BulkAddRevisions(ctx, []DocumentData{storedDoc("b", "two", false, "1-bb")}); err != nil {
		t.Fatalf("bulk add: %v", err)
	}
	entries, err := reopened.ChangesSince(ctx, 0, 10)
	if err != nil {
		t.Fatalf("changes since: %v", err)
	}
	if len(entries) != 2 || entries[1].Sequence <= entries[0].Sequence {
		t.Errorf("feed after reopen = %+v", entries)
	}
}

func TestSQLiteStorageUncompressed(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultSQLiteStorageConfig(filepath.Join(t.TempDir(), "plain.sqlite"))
	cfg.Compress = false
	storage, err := OpenSQLiteStorage("id", cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = storage.Close() }()

	if err := storage.BulkAddRevisions(ctx, []DocumentData{storedDoc("a", "one", false, "1-aa")}); err != nil {
		t.Fatalf("bulk add: %v", err)
	}
	found, err := storage.FindDocumentsByID(ctx, []string{"a"}, true)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found["a"]["name"] != "one" {
		t.Errorf("a.name = %v, want one", found["a"]["name"])
	}
}
