package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	aeroerrors "github.com/kartikbazzad/aerodb/pkg/errors"
	"github.com/kartikbazzad/aerodb/storage"
	"github.com/kartikbazzad/aerodb/wal"
)

// Appender is the subset of *wal.WAL the checkpoint protocol needs.
type Appender interface {
	Append(*wal.Record) (wal.CommitId, error)
	Sync() error
	Truncate(upTo wal.CommitId) error
}

// Manager drives the 5-step checkpoint protocol:
//
//  1. Record CheckpointBegin in WAL.
//  2. Create snapshot directory; write all payloads; fsync files; fsync
//     directory.
//  3. Write snapshot manifest (atomic, fsync).
//  4. Record CheckpointComplete(snapshot_id, wal_range) in WAL; fsync.
//  5. Truncate the WAL prefix up to the recorded range.
//
// A crash between any two steps is safe: if step 4 never becomes durable
// the checkpoint is treated as nonexistent and the WAL prefix is kept; if
// step 4 is durable but step 5 did not run, recovery sees a valid
// checkpoint plus an overlapping WAL tail and replays the tail on top of
// the snapshot.
type Manager struct {
	mu          sync.Mutex
	snapshotDir string
	wal         Appender
	store       *storage.Store
	latest      *Manifest
}

// NewManager creates a checkpoint manager rooted at snapshotDir (the
// engine's `snapshots/` directory), operating against store and w.
func NewManager(snapshotDir string, store *storage.Store, w Appender) *Manager {
	return &Manager{snapshotDir: snapshotDir, wal: w, store: store}
}

// Create runs the full checkpoint protocol and, on success, truncates the
// WAL prefix the new checkpoint covers. coveredUpTo is the highest
// CommitId the snapshot is guaranteed to reflect (callers obtain this by
// serializing checkpoint creation with respect to new commits.
func (m *Manager) Create(coveredUpTo wal.CommitId) (*Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshotId := fmt.Sprintf("snap-%d-%d", coveredUpTo, time.Now().UnixNano())

	// Step 1: CheckpointBegin.
	if _, err := m.wal.Append(&wal.Record{Kind: wal.KindCheckpointBegin, Payload: []byte(snapshotId)}); err != nil {
		return nil, aeroerrors.KernelRejection(aeroerrors.CodeWALCorrupt, "failed to record CheckpointBegin", err)
	}
	if err := m.wal.Sync(); err != nil {
		return nil, aeroerrors.Transport("AERO_WAL_SYNC_FAILED", "failed to fsync CheckpointBegin", err)
	}

	// Step 2: snapshot directory + payloads, fsynced.
	dir := filepath.Join(m.snapshotDir, snapshotId)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("snapshot: create directory: %w", err)
	}
	if err := m.store.SnapshotTo(filepath.Join(dir, "storage.dat")); err != nil {
		return nil, fmt.Errorf("snapshot: copy storage: %w", err)
	}
	if err := fsyncDir(dir); err != nil {
		return nil, fmt.Errorf("snapshot: fsync directory: %w", err)
	}

	// Step 3: manifest, atomic write + fsync.
	manifest := &Manifest{
		SnapshotId:    snapshotId,
		CommitId:      uint64(coveredUpTo),
		CreatedAt:     time.Now().UTC(),
		FormatVersion: CurrentFormatVersion,
	}
	if err := writeManifestAtomic(filepath.Join(dir, "manifest.json"), manifest); err != nil {
		return nil, fmt.Errorf("snapshot: write manifest: %w", err)
	}

	// Step 4: CheckpointComplete, fsynced.
	completePayload, err := json.Marshal(wal.CheckpointCompletePayload{
		SnapshotId:    snapshotId,
		WalRangeStart: 0,
		WalRangeEnd:   coveredUpTo,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: encode CheckpointComplete: %w", err)
	}
	if _, err := m.wal.Append(&wal.Record{Kind: wal.KindCheckpointComplete, Payload: completePayload}); err != nil {
		return nil, aeroerrors.KernelRejection(aeroerrors.CodeWALCorrupt, "failed to record CheckpointComplete", err)
	}
	if err := m.wal.Sync(); err != nil {
		return nil, aeroerrors.Transport("AERO_WAL_SYNC_FAILED", "failed to fsync CheckpointComplete", err)
	}

	m.latest = manifest

	// Step 5: truncate now that the checkpoint is durable.
	if err := m.wal.Truncate(coveredUpTo); err != nil {
		// Truncation failing does not invalidate the checkpoint: the
		// checkpoint is already durable and valid; the WAL prefix simply
		// stays around until a future truncate succeeds.
		return manifest, nil
	}

	return manifest, nil
}

// DurableCheckpointCovers reports whether the latest known checkpoint
// covers upTo. It is one half of a wal.TruncateGuard; Manager has no
// VisibilityFloor method, so the engine pairs it with the MVCC visibility
// floor to form the guard.
func (m *Manager) DurableCheckpointCovers(upTo wal.CommitId) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest != nil && wal.CommitId(m.latest.CommitId) >= upTo
}

// Latest returns the most recently created checkpoint manifest, if any.
func (m *Manager) Latest() (*Manifest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return nil, false
	}
	copy := *m.latest
	return &copy, true
}

func writeManifestAtomic(path string, manifest *Manifest) error {
	data, err := json.Marshal(manifest)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// LoadManifest reads and parses a snapshot manifest from a snapshot
// directory. Used by Validate (the restore path) and by recovery.
func LoadManifest(snapshotDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(snapshotDir, "manifest.json"))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, aeroerrors.Corruption(aeroerrors.CodeRestoreCorruption, "manifest JSON does not parse", err)
	}
	return &m, nil
}

// Validate checks that a snapshot directory has a parseable manifest and
// a present storage.dat file.
func Validate(snapshotDir string) (*Manifest, error) {
	m, err := LoadManifest(snapshotDir)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(snapshotDir, "storage.dat")); err != nil {
		return nil, aeroerrors.Corruption(aeroerrors.CodeRestoreCorruption, "snapshot missing storage.dat", err)
	}
	return m, nil
}
