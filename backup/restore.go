package backup

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	aeroerrors "github.com/kartikbazzad/aerodb/pkg/errors"
)

// Restore reconstructs dataDir from archivePath. It is offline-only: the
// engine must not be running against dataDir (checked via a lock file),
// and restore never replays the WAL or rebuilds indexes — it only
// prepares the directory for the next recovery run.
//
// Algorithm (13 steps):
//
//  1. Verify the engine is not running (lock file check).
//  2. Verify dataDir exists and the archive is readable.
//  3. Create sibling temp directory, cleaning any stale instance.
//  4. Extract the archive into the temp directory.
//  5. Validate archive structure (snapshot/, wal/, backup_manifest.json).
//  6. Validate the backup manifest (format_version, snapshot_id).
//  7. Validate the snapshot (manifest parses, storage.dat present).
//  8. Validate the WAL (files present and readable).
//  9. fsync every file and directory under the temp tree.
//  10. Reorganize into the live data-dir shape.
//  11. Rename dataDir -> dataDir.old, then reorganized -> dataDir; on the
//     second rename's failure, rename dataDir.old -> dataDir and abort.
//  12. fsync the parent directory.
//  13. Best-effort remove dataDir.old.
//
// At any crash point, either the original dataDir or the restored one is
// present and valid; never a half-merged mix.
func Restore(dataDir, archivePath string) error {
	if err := validatePreconditions(dataDir, archivePath); err != nil {
		return err
	}

	tempDir := dataDir + ".restore_tmp"
	if err := os.RemoveAll(tempDir); err != nil {
		return fmt.Errorf("backup: clean stale restore temp dir: %w", err)
	}
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return fmt.Errorf("backup: create restore temp dir: %w", err)
	}

	reorganized := dataDir + ".reorganized"
	cleanup := func() {
		os.RemoveAll(tempDir)
		os.RemoveAll(reorganized)
	}

	if err := extractArchive(archivePath, tempDir); err != nil {
		cleanup()
		return err
	}

	if err := validateBackupStructure(tempDir); err != nil {
		cleanup()
		return err
	}

	manifest, err := validateBackupManifest(tempDir)
	if err != nil {
		cleanup()
		return err
	}

	if err := validateSnapshot(tempDir); err != nil {
		cleanup()
		return err
	}

	if err := validateWAL(tempDir); err != nil {
		cleanup()
		return err
	}

	if err := fsyncRecursive(tempDir); err != nil {
		cleanup()
		return fmt.Errorf("backup: fsync extracted archive: %w", err)
	}

	if err := reorganizeExtractedFiles(tempDir, reorganized, manifest.SnapshotId); err != nil {
		cleanup()
		return err
	}
	os.RemoveAll(tempDir)

	if err := atomicReplace(dataDir, reorganized); err != nil {
		cleanup()
		return err
	}

	return nil
}

func validatePreconditions(dataDir, archivePath string) error {
	if _, err := os.Stat(dataDir); err != nil {
		return aeroerrors.OperatorInput(aeroerrors.CodeRestoreInvalidBackup, fmt.Sprintf("data directory does not exist: %s", dataDir))
	}
	if _, err := os.Stat(archivePath); err != nil {
		return aeroerrors.OperatorInput(aeroerrors.CodeRestoreInvalidBackup, fmt.Sprintf("backup archive does not exist: %s", archivePath))
	}
	if _, err := os.Stat(filepath.Join(dataDir, ".lock")); err == nil {
		return aeroerrors.Validation(aeroerrors.CodeRestoreEngineRunning, "engine appears to be running against this data directory (lock file present)", "")
	}
	return nil
}

func validateBackupStructure(restoreDir string) error {
	for _, rel := range []string{"snapshot", "wal"} {
		info, err := os.Stat(filepath.Join(restoreDir, rel))
		if err != nil || !info.IsDir() {
			return aeroerrors.OperatorInput(aeroerrors.CodeRestoreInvalidBackup, fmt.Sprintf("backup archive is missing %s/", rel))
		}
	}
	if _, err := os.Stat(filepath.Join(restoreDir, "backup_manifest.json")); err != nil {
		return aeroerrors.OperatorInput(aeroerrors.CodeRestoreInvalidBackup, "backup archive is missing backup_manifest.json")
	}
	return nil
}

func validateBackupManifest(restoreDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(restoreDir, "backup_manifest.json"))
	if err != nil {
		return nil, aeroerrors.OperatorInput(aeroerrors.CodeRestoreInvalidBackup, "failed to read backup_manifest.json")
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, aeroerrors.OperatorInput(aeroerrors.CodeRestoreInvalidBackup, "backup_manifest.json does not parse")
	}
	if m.FormatVersion != CurrentFormatVersion {
		return nil, aeroerrors.OperatorInput(aeroerrors.CodeRestoreInvalidBackup, fmt.Sprintf("unsupported backup format version: expected %d, got %d", CurrentFormatVersion, m.FormatVersion))
	}
	if m.SnapshotId == "" {
		return nil, aeroerrors.OperatorInput(aeroerrors.CodeRestoreInvalidBackup, "backup manifest has an empty snapshot id")
	}
	return &m, nil
}

func validateSnapshot(restoreDir string) error {
	snapshotDir := filepath.Join(restoreDir, "snapshot")
	data, err := os.ReadFile(filepath.Join(snapshotDir, "manifest.json"))
	if err != nil {
		return aeroerrors.Corruption(aeroerrors.CodeRestoreCorruption, "missing snapshot manifest.json in backup", err)
	}
	var probe map[string]interface{}
	if err := json.Unmarshal(data, &probe); err != nil {
		return aeroerrors.Corruption(aeroerrors.CodeRestoreCorruption, "invalid snapshot manifest JSON", err)
	}
	if _, err := os.Stat(filepath.Join(snapshotDir, "storage.dat")); err != nil {
		return aeroerrors.Corruption(aeroerrors.CodeRestoreCorruption, "missing storage.dat in backup snapshot", err)
	}
	if info, err := os.Stat(filepath.Join(snapshotDir, "schemas")); err == nil && !info.IsDir() {
		return aeroerrors.Corruption(aeroerrors.CodeRestoreCorruption, "schemas in backup is not a directory", nil)
	}
	return nil
}

func validateWAL(restoreDir string) error {
	walDir := filepath.Join(restoreDir, "wal")
	if _, err := os.Stat(walDir); err != nil {
		return aeroerrors.OperatorInput(aeroerrors.CodeRestoreInvalidBackup, "missing wal/ directory in backup")
	}
	entries, err := os.ReadDir(walDir)
	if err != nil {
		return aeroerrors.Corruption(aeroerrors.CodeRestoreCorruption, "wal/ directory in backup is not readable", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		f, err := os.Open(filepath.Join(walDir, e.Name()))
		if err != nil {
			return aeroerrors.Corruption(aeroerrors.CodeRestoreCorruption, fmt.Sprintf("wal file %s is not readable", e.Name()), err)
		}
		f.Close()
	}
	return nil
}

func fsyncRecursive(dir string) error {
	return filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return fsyncDirPath(path)
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return f.Sync()
	})
}

func fsyncDirPath(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// reorganizeExtractedFiles rearranges the extracted archive tree
// (snapshot/, wal/, backup_manifest.json) into the live data-dir layout
// (data/, metadata/schemas/, snapshots/<id>/, wal/) at reorganizedDir.
func reorganizeExtractedFiles(tempDir, reorganizedDir, snapshotId string) error {
	if err := os.RemoveAll(reorganizedDir); err != nil {
		return fmt.Errorf("backup: clean stale reorganized dir: %w", err)
	}
	if err := os.MkdirAll(reorganizedDir, 0755); err != nil {
		return fmt.Errorf("backup: create reorganized dir: %w", err)
	}

	snapshotSrc := filepath.Join(tempDir, "snapshot")
	walSrc := filepath.Join(tempDir, "wal")

	dataDst := filepath.Join(reorganizedDir, "data")
	if err := os.MkdirAll(dataDst, 0755); err != nil {
		return err
	}
	storageSrc := filepath.Join(snapshotSrc, "storage.dat")
	if _, err := os.Stat(storageSrc); err == nil {
		if err := copyFileWithFsync(storageSrc, filepath.Join(dataDst, "storage.dat")); err != nil {
			return err
		}
	}

	schemasDst := filepath.Join(reorganizedDir, "metadata", "schemas")
	schemasSrc := filepath.Join(snapshotSrc, "schemas")
	if _, err := os.Stat(schemasSrc); err == nil {
		if err := copyDirRecursive(schemasSrc, schemasDst); err != nil {
			return err
		}
	} else if err := os.MkdirAll(schemasDst, 0755); err != nil {
		return err
	}

	snapshotsDst := filepath.Join(reorganizedDir, "snapshots", snapshotId)
	if err := os.MkdirAll(snapshotsDst, 0755); err != nil {
		return err
	}
	if manifestSrc := filepath.Join(snapshotSrc, "manifest.json"); fileExists(manifestSrc) {
		if err := copyFileWithFsync(manifestSrc, filepath.Join(snapshotsDst, "manifest.json")); err != nil {
			return err
		}
	}
	if fileExists(storageSrc) {
		if err := copyFileWithFsync(storageSrc, filepath.Join(snapshotsDst, "storage.dat")); err != nil {
			return err
		}
	}
	if _, err := os.Stat(schemasSrc); err == nil {
		if err := copyDirRecursive(schemasSrc, filepath.Join(snapshotsDst, "schemas")); err != nil {
			return err
		}
	}

	walDst := filepath.Join(reorganizedDir, "wal")
	if _, err := os.Stat(walSrc); err == nil {
		if err := copyDirRecursive(walSrc, walDst); err != nil {
			return err
		}
	} else if err := os.MkdirAll(walDst, 0755); err != nil {
		return err
	}

	return fsyncRecursive(reorganizedDir)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func copyFileWithFsync(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyDirRecursive(src, dst string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		srcPath := filepath.Join(src, e.Name())
		dstPath := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := copyDirRecursive(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFileWithFsync(srcPath, dstPath); err != nil {
			return err
		}
	}
	return fsyncDirPath(dst)
}

// atomicReplace performs the final double-rename swap: dataDir becomes
// dataDir.old, reorganizedDir becomes dataDir. If the second rename
// fails, dataDir.old is renamed back to dataDir to roll back.
func atomicReplace(dataDir, reorganizedDir string) error {
	oldDir := dataDir + ".old"
	if err := os.RemoveAll(oldDir); err != nil {
		return fmt.Errorf("backup: remove stale %s: %w", oldDir, err)
	}

	if err := os.Rename(dataDir, oldDir); err != nil {
		return fmt.Errorf("backup: move %s to %s: %w", dataDir, oldDir, err)
	}

	if err := os.Rename(reorganizedDir, dataDir); err != nil {
		// Roll back.
		_ = os.Rename(oldDir, dataDir)
		return fmt.Errorf("backup: move %s to %s (rolled back): %w", reorganizedDir, dataDir, err)
	}

	parent := filepath.Dir(dataDir)
	if parent == "" {
		parent = "."
	}
	if err := fsyncDirPath(parent); err != nil {
		return fmt.Errorf("backup: fsync parent directory: %w", err)
	}

	// Best-effort: removal failure here does not affect restore success.
	_ = os.RemoveAll(oldDir)

	return nil
}
