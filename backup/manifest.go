// Package backup implements archive creation and offline, atomic restore
// of a data directory from a backup archive.
package backup

import "time"

// Manifest is the top-level `backup_manifest.json` entry of an archive:
// `{backup_id, snapshot_id, created_at, wal_present, format_version}`.
type Manifest struct {
	BackupId      string    `json:"backup_id"`
	SnapshotId    string    `json:"snapshot_id"`
	CreatedAt     time.Time `json:"created_at"`
	WalPresent    bool      `json:"wal_present"`
	FormatVersion uint32    `json:"format_version"`
}

// CurrentFormatVersion is the only backup manifest format this engine
// writes or accepts on restore.
const CurrentFormatVersion = 1
