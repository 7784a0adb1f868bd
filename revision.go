package driftdb

// Hash domain separators. Pull-tagged revisions and locally-minted revisions
// hash into different domains, which is what makes the pull predicate
// one-sided: a revision created by a local write can never satisfy it.
const (
	revisionDomainLocal byte = 0x00
	revisionDomainPull  byte = 0xff
)

// CreateRevisionForPulledDocument computes the revision hash for a document
// received from the remote on the given replication channel. The hash mixes
// the replication identifier into a digest of the document content, so a
// later push cycle can recognize the document as "came from this channel"
// and skip re-sending it.
func CreateRevisionForPulledDocument(identifier string, doc DocumentData) string {
	return contentDigest(identifier, revisionDomainPull, doc)
}

// WasRevisionFromPullReplication reports whether the document's current
// revision was minted by a pull on the given replication channel. It
// recomputes the pull digest from the stored content and compares it with
// the hash portion of the revision.
//
// The predicate is one-sided: it never returns true for revisions created by
// local writes (those hash into a different domain). A document mutated
// locally after a pull yields false and is pushed, which is the desired
// behavior.
func WasRevisionFromPullReplication(identifier string, doc DocumentData) bool {
	rev := doc.Rev()
	if rev == "" {
		return false
	}
	_, hash, ok := ParseRevision(rev)
	if !ok {
		return false
	}
	return hash == CreateRevisionForPulledDocument(identifier, doc)
}
