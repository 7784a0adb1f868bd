package driftdb

import "context"

// PushChangeRow pairs a changed document with the change-feed sequence at
// which its latest change was observed.
type PushChangeRow struct {
	Doc      DocumentData
	Sequence uint64
}

// ChangesResult is the outcome of one change-collection pass.
type ChangesResult struct {
	// ChangedDocs maps document ids to their latest retained change.
	ChangedDocs map[string]PushChangeRow

	// LastSequence is the highest change-feed sequence inspected, retained
	// or not. Persisting it after a successful push advances the cursor
	// past filtered entries too.
	LastSequence uint64
}

// ChangesSinceLastPushSequence collects the next push batch for a
// replication identity: up to batchSize distinct documents changed after the
// persisted push cursor, keeping only the latest change per document and
// filtering out documents whose current revision was minted by this
// identity's own pull.
func ChangesSinceLastPushSequence(ctx context.Context, collection *Collection, identifier string, batchSize int) (*ChangesResult, error) {
	if batchSize <= 0 {
		batchSize = DefaultPushBatchSize
	}
	checkpoints := newCheckpointStore(collection, identifier)
	since, err := checkpoints.LastPushSequence(ctx)
	if err != nil {
		return nil, err
	}

	result := &ChangesResult{
		ChangedDocs:  make(map[string]PushChangeRow),
		LastSequence: since,
	}
	storage := collection.Storage()

	for {
		entries, err := storage.ChangesSince(ctx, result.LastSequence, batchSize)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			return result, nil
		}

		ids := make([]string, 0, len(entries))
		seen := make(map[string]struct{}, len(entries))
		for _, entry := range entries {
			if _, ok := seen[entry.DocID]; ok {
				continue
			}
			seen[entry.DocID] = struct{}{}
			ids = append(ids, entry.DocID)
		}
		docs, err := storage.FindDocumentsByID(ctx, ids, true)
		if err != nil {
			return nil, err
		}

		for _, entry := range entries {
			if _, tracked := result.ChangedDocs[entry.DocID]; !tracked && len(result.ChangedDocs) >= batchSize {
				// Batch is full; do not advance the cursor past a change
				// that was not collected.
				return result, nil
			}
			result.LastSequence = entry.Sequence

			doc, ok := docs[entry.DocID]
			if !ok {
				// Feed entry without a document; advance past it.
				continue
			}
			if WasRevisionFromPullReplication(identifier, doc) {
				// Originated from this replication's pull, must not echo
				// back. The cursor still advances.
				delete(result.ChangedDocs, entry.DocID)
				continue
			}
			result.ChangedDocs[entry.DocID] = PushChangeRow{Doc: doc, Sequence: entry.Sequence}
		}

		if len(entries) < batchSize {
			// Feed exhausted.
			return result, nil
		}
	}
}
