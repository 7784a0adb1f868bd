package driftdb

import (
	"context"
	"testing"
)

func TestCheckpointDefaults(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)
	coll := newTestCollection(t, db)
	checkpoints := newCheckpointStore(coll, "channel-a")

	seq, err := checkpoints.LastPushSequence(ctx)
	if err != nil {
		t.Fatalf("last push sequence: %v", err)
	}
	if seq != 0 {
		t.Errorf("default push sequence = %d, want 0", seq)
	}

	doc, err := checkpoints.LastPullDocument(ctx)
	if err != nil {
		t.Fatalf("last pull document: %v", err)
	}
	if doc != nil {
		t.Errorf("default pull document = %v, want nil", doc)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)
	coll := newTestCollection(t, db)
	checkpoints := newCheckpointStore(coll, "channel-a")

	if err := checkpoints.SetLastPushSequence(ctx, 12); err != nil {
		t.Fatalf("set push sequence: %v", err)
	}
	seq, err := checkpoints.LastPushSequence(ctx)
	if err != nil {
		t.Fatalf("last push sequence: %v", err)
	}
	if seq != 12 {
		t.Errorf("push sequence = %d, want 12", seq)
	}

	pulled := DocumentData{"id": "d9", "name": "nine", MetaFieldDeleted: false}
	if err := checkpoints.SetLastPullDocument(ctx, pulled); err != nil {
		t.Fatalf("set pull document: %v", err)
	}
	doc, err := checkpoints.LastPullDocument(ctx)
	if err != nil {
		t.Fatalf("last pull document: %v", err)
	}
	if doc == nil || doc["id"] != "d9" {
		t.Errorf("pull document = %v, want id d9", doc)
	}

	// Updating one cursor leaves the other untouched.
	if err := checkpoints.SetLastPushSequence(ctx, 20); err != nil {
		t.Fatalf("set push sequence: %v", err)
	}
	doc, _ = checkpoints.LastPullDocument(ctx)
	if doc == nil || doc["id"] != "d9" {
		t.Error("pull document clobbered by push cursor update")
	}
}

func TestCheckpointIsolatedPerIdentity(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)
	coll := newTestCollection(t, db)

	a := newCheckpointStore(coll, "channel-a")
	b := newCheckpointStore(coll, "channel-b")

	if err := a.SetLastPushSequence(ctx, 5); err != nil {
		t.Fatalf("set: %v", err)
	}
	seq, _ := b.LastPushSequence(ctx)
	if seq != 0 {
		t.Errorf("channel-b sequence = %d, want 0 (no cross-identity coupling)", seq)
	}
}

// Checkpoint documents may be extended by future versions; updates must
// preserve fields they do not know about.
func TestCheckpointPreservesUnknownFields(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)
	coll := newTestCollection(t, db)
	checkpoints := newCheckpointStore(coll, "channel-a")

	if err := coll.PutLocal(ctx, checkpoints.documentID(), DocumentData{
		"lastPushSequence": uint64(3),
		"customField":      "keep-me",
	}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	if err := checkpoints.SetLastPushSequence(ctx, 9); err != nil {
		t.Fatalf("set push sequence: %v", err)
	}

	raw, err := coll.GetLocal(ctx, checkpoints.documentID())
	if err != nil {
		t.Fatalf("get local: %v", err)
	}
	if raw["customField"] != "keep-me" {
		t.Errorf("unknown field lost on update: %v", raw)
	}
	if got, _ := toUint64(raw["lastPushSequence"]); got != 9 {
		t.Errorf("push sequence = %v, want 9", raw["lastPushSequence"])
	}
}
