// Package driftdb is an offline-first, client-side JSON document database
// built around a bidirectional replication engine. Documents are synchronized
// with an opaque remote endpoint through user-supplied pull and push handlers
// while the engine takes care of change detection, batching, checkpointing,
// echo suppression and retry.
package driftdb

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Reserved metadata field names on stored documents.
const (
	// MetaFieldRev holds the document revision string "<height>-<hash>".
	MetaFieldRev = "_rev"

	// MetaFieldDeleted marks a document as soft-deleted.
	MetaFieldDeleted = "_deleted"

	// MetaFieldAttachments holds binary attachment metadata.
	MetaFieldAttachments = "_attachments"
)

// DocumentData is a schemaless JSON document. Stored documents carry the
// metadata fields above in addition to the user's own fields; wire documents
// exchanged with a remote carry only the user fields plus MetaFieldDeleted.
type DocumentData map[string]any

// Clone returns a shallow copy of the document.
func (d DocumentData) Clone() DocumentData {
	if d == nil {
		return nil
	}
	out := make(DocumentData, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Rev returns the document revision string, or "" if none is set.
func (d DocumentData) Rev() string {
	rev, _ := d[MetaFieldRev].(string)
	return rev
}

// Deleted returns true if the document carries a true tombstone marker.
func (d DocumentData) Deleted() bool {
	del, _ := d[MetaFieldDeleted].(bool)
	return del
}

// Primary extracts the primary key value at the given path.
func (d DocumentData) Primary(primaryPath string) (string, bool) {
	id, ok := d[primaryPath].(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// ParseRevision splits a "<height>-<hash>" revision string.
func ParseRevision(rev string) (height int, hash string, ok bool) {
	idx := strings.IndexByte(rev, '-')
	if idx <= 0 || idx == len(rev)-1 {
		return 0, "", false
	}
	h, err := strconv.Atoi(rev[:idx])
	if err != nil || h < 1 {
		return 0, "", false
	}
	return h, rev[idx+1:], true
}

// NewRevision builds a "<height>-<hash>" revision string.
func NewRevision(height int, hash string) string {
	return fmt.Sprintf("%d-%s", height, hash)
}

// ToWireDocument converts a stored document into the shape exchanged with a
// remote endpoint: a shallow clone with MetaFieldDeleted always present and
// MetaFieldRev / MetaFieldAttachments stripped.
func ToWireDocument(doc DocumentData) DocumentData {
	wire := doc.Clone()
	if _, ok := wire[MetaFieldDeleted].(bool); !ok {
		wire[MetaFieldDeleted] = false
	}
	delete(wire, MetaFieldRev)
	delete(wire, MetaFieldAttachments)
	return wire
}

// canonicalDocumentBytes returns a deterministic encoding of the document
// content: metadata other than the tombstone marker is stripped, the
// tombstone defaults to false, and keys are emitted in sorted order
// (encoding/json sorts map keys).
func canonicalDocumentBytes(doc DocumentData) []byte {
	content := doc.Clone()
	delete(content, MetaFieldRev)
	delete(content, MetaFieldAttachments)
	if _, ok := content[MetaFieldDeleted].(bool); !ok {
		content[MetaFieldDeleted] = false
	}
	data, err := json.Marshal(content)
	if err != nil {
		// Documents are plain JSON maps; this only fires for non-JSON
		// values smuggled into a document, which local writes reject.
		return []byte(fmt.Sprintf("%v", content))
	}
	return data
}

// contentDigest hashes the canonical document content mixed with a seed.
// The seed separates hash domains so that revisions minted by different
// writers can never collide by construction.
func contentDigest(seed string, domain byte, doc DocumentData) string {
	h := xxhash.New()
	_, _ = h.WriteString(seed)
	_, _ = h.Write([]byte{domain})
	_, _ = h.Write(canonicalDocumentBytes(doc))
	return strconv.FormatUint(h.Sum64(), 16)
}
