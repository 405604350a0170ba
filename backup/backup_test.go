package backup

import (
	"archive/tar"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func buildSourceTree(t *testing.T, root string) (snapshotDir, walDir string) {
	t.Helper()
	snapshotDir = filepath.Join(root, "snapshots", "snap-1")
	walDir = filepath.Join(root, "wal")

	writeFile(t, filepath.Join(snapshotDir, "manifest.json"), []byte(`{"snapshot_id":"snap-1","commit_id":7,"format_version":1}`))
	writeFile(t, filepath.Join(snapshotDir, "storage.dat"), []byte("storage payload"))
	writeFile(t, filepath.Join(walDir, "wal-0000000000000001.log"), []byte("wal bytes"))
	return snapshotDir, walDir
}

func TestCreateThenRestore_RoundTrips(t *testing.T) {
	src := t.TempDir()
	snapshotDir, walDir := buildSourceTree(t, src)

	archivePath := filepath.Join(src, "backup.tar")
	manifest, err := Create(archivePath, "snap-1", snapshotDir, walDir)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if manifest.FormatVersion != CurrentFormatVersion {
		t.Fatalf("unexpected format version: %d", manifest.FormatVersion)
	}

	dataDir := t.TempDir()
	writeFile(t, filepath.Join(dataDir, "data", "storage.dat"), []byte("stale"))

	if err := Restore(dataDir, archivePath); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dataDir, "data", "storage.dat")); err != nil {
		t.Fatalf("expected restored storage.dat: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "snapshots", "snap-1", "manifest.json")); err != nil {
		t.Fatalf("expected restored snapshot manifest: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "wal", "wal-0000000000000001.log")); err != nil {
		t.Fatalf("expected restored wal file: %v", err)
	}
	if _, err := os.Stat(dataDir + ".old"); err == nil {
		t.Fatalf("expected dataDir.old to be removed after a successful restore")
	}
}

// TestRestore_InvalidFormatVersion_RejectsAndPreservesOriginal mirrors the
// backup/restore seed scenario: a manifest claiming format_version=99 is
// rejected, and the original data directory is left untouched.
func TestRestore_InvalidFormatVersion_RejectsAndPreservesOriginal(t *testing.T) {
	src := t.TempDir()
	snapshotDir, walDir := buildSourceTree(t, src)

	archivePath := filepath.Join(src, "backup.tar")
	if _, err := Create(archivePath, "snap-1", snapshotDir, walDir); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rewriteManifestFormatVersion(t, archivePath, 99)

	dataDir := t.TempDir()
	originalPath := filepath.Join(dataDir, "data", "storage.dat")
	writeFile(t, originalPath, []byte("original"))

	err := Restore(dataDir, archivePath)
	if err == nil {
		t.Fatalf("expected restore to reject format_version=99")
	}

	contents, readErr := os.ReadFile(originalPath)
	if readErr != nil {
		t.Fatalf("original data directory should be untouched: %v", readErr)
	}
	if string(contents) != "original" {
		t.Fatalf("original data mutated: got %q", contents)
	}
	if _, statErr := os.Stat(dataDir + ".restore_tmp"); statErr == nil {
		t.Fatalf("expected restore temp dir to be cleaned up on failure")
	}
}

func TestRestore_RejectsWhenLockFilePresent(t *testing.T) {
	src := t.TempDir()
	snapshotDir, walDir := buildSourceTree(t, src)
	archivePath := filepath.Join(src, "backup.tar")
	if _, err := Create(archivePath, "snap-1", snapshotDir, walDir); err != nil {
		t.Fatalf("Create: %v", err)
	}

	dataDir := t.TempDir()
	writeFile(t, filepath.Join(dataDir, ".lock"), []byte("pid"))

	if err := Restore(dataDir, archivePath); err == nil {
		t.Fatalf("expected restore to refuse when a lock file is present")
	}
}

func rewriteManifestFormatVersion(t *testing.T, archivePath string, version uint32) {
	t.Helper()
	// Re-create the archive with a corrupted manifest entry: build a fresh
	// manifest struct carrying the given version (the original manifest is
	// not read) and write a brand-new archive over the same path with the
	// package's own tar helpers.
	m := Manifest{BackupId: "x", SnapshotId: "snap-1", FormatVersion: version}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal corrupted manifest: %v", err)
	}

	tmp := t.TempDir()
	snapshotDir := filepath.Join(tmp, "snapshot")
	walDir := filepath.Join(tmp, "wal")
	writeFile(t, filepath.Join(snapshotDir, "manifest.json"), []byte(`{"snapshot_id":"snap-1"}`))
	writeFile(t, filepath.Join(snapshotDir, "storage.dat"), []byte("payload"))
	writeFile(t, filepath.Join(walDir, "wal.log"), []byte("wal"))
	writeFile(t, filepath.Join(tmp, "backup_manifest.json"), data)

	if err := os.Remove(archivePath); err != nil {
		t.Fatalf("remove original archive: %v", err)
	}
	f, err := os.Create(archivePath)
	if err != nil {
		t.Fatalf("recreate archive: %v", err)
	}
	defer f.Close()

	// Reuse the package's own tar-writing helpers for consistency.
	w := tar.NewWriter(f)
	if err := addDirToTar(w, snapshotDir, "snapshot"); err != nil {
		t.Fatalf("add snapshot: %v", err)
	}
	if err := addDirToTar(w, walDir, "wal"); err != nil {
		t.Fatalf("add wal: %v", err)
	}
	if err := addBytesToTar(w, "backup_manifest.json", data); err != nil {
		t.Fatalf("add manifest: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close tar writer: %v", err)
	}
}
