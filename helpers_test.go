package driftdb

import (
	"testing"
	"time"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	db := NewDatabase(Config{Name: "testdb-" + t.Name()})
	t.Cleanup(func() { _ = db.Destroy() })
	return db
}

func testSchema() *Schema {
	return &Schema{
		Title:      "docs",
		Version:    1,
		PrimaryKey: "id",
		Fields: map[string]FieldType{
			"id":   FieldTypeString,
			"name": FieldTypeString,
		},
		Required: []string{"id"},
	}
}

func newTestCollection(t *testing.T, db *Database) *Collection {
	t.Helper()
	coll, err := db.CreateCollection("docs", testSchema(), nil)
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}
	return coll
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
