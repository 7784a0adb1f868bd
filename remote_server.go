package driftdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
)

// ReplicationEndpoint exposes a collection as the server side of the HTTP
// replication protocol spoken by HTTPRemote: POST /pull returns changes
// after the client's resume document, POST /push applies a client batch.
// Mount it on any mux; with it two driftdb instances replicate against each
// other over plain HTTP.
type ReplicationEndpoint struct {
	collection *Collection
	batchSize  int
}

// NewReplicationEndpoint creates an endpoint serving the given collection.
func NewReplicationEndpoint(collection *Collection, batchSize int) *ReplicationEndpoint {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ReplicationEndpoint{collection: collection, batchSize: batchSize}
}

// ServeHTTP implements http.Handler.
func (e *ReplicationEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := readRequestBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch {
	case strings.HasSuffix(r.URL.Path, "/pull"):
		e.handlePull(w, r.Context(), body)
	case strings.HasSuffix(r.URL.Path, "/push"):
		e.handlePush(w, r.Context(), body)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func readRequestBody(r *http.Request) ([]byte, error) {
	if r.Header.Get("Content-Encoding") == "gzip" {
		return gunzipReader(r.Body)
	}
	return io.ReadAll(r.Body)
}

func (e *ReplicationEndpoint) handlePull(w http.ResponseWriter, ctx context.Context, body []byte) {
	var req pullRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Sprintf("decode pull request: %v", err), http.StatusBadRequest)
		return
	}
	batchSize := req.BatchSize
	if batchSize <= 0 || batchSize > e.batchSize {
		batchSize = e.batchSize
	}

	since := req.Checkpoint
	if since == 0 {
		var err error
		since, err = e.sequenceForResumeDocument(ctx, req.LastPulledDocument)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	docs, cursor, hasMore, err := e.collectChanges(ctx, since, batchSize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(pullResponse{
		Documents:        docs,
		HasMoreDocuments: hasMore,
		Checkpoint:       cursor,
	}); err != nil {
		slog.Warn("replication endpoint: write pull response", "err", err)
	}
}

// sequenceForResumeDocument maps the client's last pulled document back to a
// position in this server's change feed. Used only when the client carries
// no explicit checkpoint (fresh client or restart). If the document is still
// in the state the client saw, its latest change is a safe resume point;
// if it changed since, resume from the beginning rather than risk skipping
// feed entries between its versions. Replays are safe under at-least-once
// delivery.
func (e *ReplicationEndpoint) sequenceForResumeDocument(ctx context.Context, lastPulled DocumentData) (uint64, error) {
	if lastPulled == nil {
		return 0, nil
	}
	id, ok := lastPulled.Primary(e.collection.Schema().PrimaryKey)
	if !ok {
		return 0, nil
	}
	stored, err := e.collection.Storage().FindDocumentsByID(ctx, []string{id}, true)
	if err != nil {
		return 0, err
	}
	current, ok := stored[id]
	if !ok {
		return 0, nil
	}
	if !bytes.Equal(canonicalDocumentBytes(ToWireDocument(current)), canonicalDocumentBytes(lastPulled)) {
		return 0, nil
	}
	return e.collection.Storage().LastSequenceOfDocument(ctx, id)
}

// collectChanges pages the change feed after since, deduplicates to the
// latest change per document and returns wire documents in feed order plus
// the feed position the batch ends at.
func (e *ReplicationEndpoint) collectChanges(ctx context.Context, since uint64, batchSize int) ([]DocumentData, uint64, bool, error) {
	storage := e.collection.Storage()

	latest := make(map[string]uint64)
	cursor := since
	for len(latest) < batchSize {
		entries, err := storage.ChangesSince(ctx, cursor, batchSize)
		if err != nil {
			return nil, 0, false, err
		}
		if len(entries) == 0 {
			break
		}
		for _, entry := range entries {
			if _, tracked := latest[entry.DocID]; !tracked && len(latest) >= batchSize {
				break
			}
			latest[entry.DocID] = entry.Sequence
			cursor = entry.Sequence
		}
		if len(entries) < batchSize {
			break
		}
	}
	if len(latest) == 0 {
		return nil, cursor, false, nil
	}

	type row struct {
		id  string
		seq uint64
	}
	rows := make([]row, 0, len(latest))
	ids := make([]string, 0, len(latest))
	for id, seq := range latest {
		rows = append(rows, row{id: id, seq: seq})
		ids = append(ids, id)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	found, err := storage.FindDocumentsByID(ctx, ids, true)
	if err != nil {
		return nil, 0, false, err
	}

	docs := make([]DocumentData, 0, len(rows))
	for _, r := range rows {
		doc, ok := found[r.id]
		if !ok {
			continue
		}
		docs = append(docs, ToWireDocument(doc))
	}

	more, err := storage.ChangesSince(ctx, cursor, 1)
	if err != nil {
		return nil, 0, false, err
	}
	return docs, cursor, len(more) > 0, nil
}

func (e *ReplicationEndpoint) handlePush(w http.ResponseWriter, ctx context.Context, body []byte) {
	var req pushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Sprintf("decode push request: %v", err), http.StatusBadRequest)
		return
	}
	if err := e.applyPushedDocuments(ctx, req.Documents); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// applyPushedDocuments writes client documents into the collection as
// server-side revisions, so they show up on the change feed for every other
// replicating client.
func (e *ReplicationEndpoint) applyPushedDocuments(ctx context.Context, docs []DocumentData) error {
	if len(docs) == 0 {
		return nil
	}
	collection := e.collection
	database := collection.Database()
	primaryPath := collection.Schema().PrimaryKey

	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		id, ok := doc.Primary(primaryPath)
		if !ok {
			return fmt.Errorf("pushed document misses primary key %q: %w", primaryPath, ErrMissingPrimary)
		}
		ids = append(ids, id)
	}

	return database.LockedRun(ctx, func() error {
		existing, err := collection.Storage().FindDocumentsByID(ctx, ids, true)
		if err != nil {
			return err
		}
		toWrite := make([]DocumentData, 0, len(docs))
		for i, pushed := range docs {
			doc := pushed.Clone()
			if _, ok := doc[MetaFieldDeleted].(bool); !ok {
				doc[MetaFieldDeleted] = false
			}
			delete(doc, MetaFieldRev)

			height := 1
			if prev, ok := existing[ids[i]]; ok {
				if h, _, parsed := ParseRevision(prev.Rev()); parsed {
					height = h + 1
				}
			}
			hash := contentDigest(database.token, revisionDomainLocal, doc)
			doc[MetaFieldRev] = NewRevision(height, hash)
			if _, ok := doc[MetaFieldAttachments]; !ok {
				doc[MetaFieldAttachments] = map[string]any{}
			}
			toWrite = append(toWrite, doc)
		}
		return collection.BulkAddRevisions(ctx, toWrite)
	})
}
