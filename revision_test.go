package driftdb

import (
	"context"
	"testing"
)

func TestPullRevisionRoundTrip(t *testing.T) {
	doc := DocumentData{"id": "d1", "name": "alpha", MetaFieldDeleted: false}
	hash := CreateRevisionForPulledDocument("channel-a", doc)

	stored := doc.Clone()
	stored[MetaFieldRev] = NewRevision(1, hash)
	stored[MetaFieldAttachments] = map[string]any{}

	if !WasRevisionFromPullReplication("channel-a", stored) {
		t.Error("pull-tagged revision not recognized by its own channel")
	}
	if WasRevisionFromPullReplication("channel-b", stored) {
		t.Error("pull-tagged revision recognized by a different channel")
	}
}

func TestPullRevisionStableAcrossHeights(t *testing.T) {
	doc := DocumentData{"id": "d1", "name": "alpha", MetaFieldDeleted: false}
	hash := CreateRevisionForPulledDocument("channel-a", doc)

	for _, height := range []int{1, 2, 17} {
		stored := doc.Clone()
		stored[MetaFieldRev] = NewRevision(height, hash)
		if !WasRevisionFromPullReplication("channel-a", stored) {
			t.Errorf("height %d: pull-tagged revision not recognized", height)
		}
	}
}

func TestPredicateFalseAfterLocalMutation(t *testing.T) {
	doc := DocumentData{"id": "d1", "name": "alpha", MetaFieldDeleted: false}
	hash := CreateRevisionForPulledDocument("channel-a", doc)

	mutated := doc.Clone()
	mutated["name"] = "beta"
	mutated[MetaFieldRev] = NewRevision(2, hash)

	if WasRevisionFromPullReplication("channel-a", mutated) {
		t.Error("stale pull hash matched mutated content")
	}
}

// The predicate must be one-sided: revisions minted by local writes can
// never be mistaken for pull-tagged revisions, no matter the identifier.
func TestPredicateOneSidedForLocalWrites(t *testing.T) {
	db := newTestDatabase(t)
	coll := newTestCollection(t, db)

	stored, err := coll.Insert(context.Background(), DocumentData{"id": "d1", "name": "alpha"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	for _, identifier := range []string{"channel-a", "channel-b", ""} {
		if WasRevisionFromPullReplication(identifier, stored) {
			t.Errorf("local revision %s recognized as pull-tagged for %q", stored.Rev(), identifier)
		}
	}

	updated, err := coll.Upsert(context.Background(), DocumentData{"id": "d1", "name": "beta"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if WasRevisionFromPullReplication("channel-a", updated) {
		t.Error("local upsert revision recognized as pull-tagged")
	}
}

func TestMalformedRevisionsNeverMatch(t *testing.T) {
	tests := []string{"", "garbage", "0-aa", "-aa", "1-"}
	for _, rev := range tests {
		doc := DocumentData{"id": "d1", MetaFieldRev: rev}
		if WasRevisionFromPullReplication("channel-a", doc) {
			t.Errorf("malformed revision %q matched", rev)
		}
	}
}
