// Package snapshot implements the atomic point-in-time capture and
// WAL-truncation coordination protocol.
package snapshot

import "time"

// Manifest identifies exactly the committed prefix a snapshot covers.
type Manifest struct {
	SnapshotId    string    `json:"snapshot_id"`
	CommitId      uint64    `json:"commit_id"`
	CreatedAt     time.Time `json:"created_at"`
	FormatVersion uint32    `json:"format_version"`
}

// CurrentFormatVersion is the only manifest format this engine writes or
// accepts.
const CurrentFormatVersion = 1
