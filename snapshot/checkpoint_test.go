package snapshot

import (
	"path/filepath"
	"testing"

	"github.com/kartikbazzad/aerodb/storage"
	"github.com/kartikbazzad/aerodb/wal"
)

func TestCheckpoint_CreateProducesValidManifest(t *testing.T) {
	dir := t.TempDir()

	store, err := storage.Open(filepath.Join(dir, "storage.dat"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer store.Close()
	if err := store.WriteDocument("k", 1, []byte("v")); err != nil {
		t.Fatalf("WriteDocument: %v", err)
	}

	w, err := wal.NewWAL(filepath.Join(dir, "wal"))
	if err != nil {
		t.Fatalf("NewWAL: %v", err)
	}
	defer w.Close()

	mgr := NewManager(filepath.Join(dir, "snapshots"), store, w)

	manifest, err := mgr.Create(1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if manifest.FormatVersion != CurrentFormatVersion {
		t.Fatalf("unexpected format version: %d", manifest.FormatVersion)
	}

	loaded, err := Validate(filepath.Join(dir, "snapshots", manifest.SnapshotId))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if loaded.SnapshotId != manifest.SnapshotId {
		t.Fatalf("loaded manifest snapshot id mismatch: %s vs %s", loaded.SnapshotId, manifest.SnapshotId)
	}

	if !mgr.DurableCheckpointCovers(1) {
		t.Fatalf("expected the fresh checkpoint to cover commit id 1")
	}
	if mgr.DurableCheckpointCovers(2) {
		t.Fatalf("did not expect the checkpoint to cover a commit id beyond what it covers")
	}
}
