package backup

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	aeroerrors "github.com/kartikbazzad/aerodb/pkg/errors"
)

// Create packages snapshotDir (a single `snapshots/<id>` directory) and
// walDir into a single tar archive at destArchivePath, alongside a
// backup_manifest.json entry. The archive is written to a temp file in
// the same directory and renamed into place so a reader never observes a
// partially-written archive.
func Create(destArchivePath, snapshotId, snapshotDir, walDir string) (*Manifest, error) {
	manifest := &Manifest{
		BackupId:      fmt.Sprintf("backup-%s-%s", snapshotId, uuid.NewString()),
		SnapshotId:    snapshotId,
		CreatedAt:     time.Now().UTC(),
		WalPresent:    true,
		FormatVersion: CurrentFormatVersion,
	}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("backup: encode manifest: %w", err)
	}

	tmpPath := destArchivePath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("backup: create archive temp file: %w", err)
	}

	tw := tar.NewWriter(f)

	if err := addDirToTar(tw, snapshotDir, "snapshot"); err != nil {
		tw.Close()
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("backup: add snapshot to archive: %w", err)
	}
	if err := addDirToTar(tw, walDir, "wal"); err != nil {
		tw.Close()
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("backup: add wal to archive: %w", err)
	}
	if err := addBytesToTar(tw, "backup_manifest.json", manifestBytes); err != nil {
		tw.Close()
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("backup: add manifest to archive: %w", err)
	}

	if err := tw.Close(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("backup: finalize archive: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("backup: fsync archive: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("backup: close archive: %w", err)
	}

	if err := os.Rename(tmpPath, destArchivePath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("backup: publish archive: %w", err)
	}

	return manifest, nil
}

func addDirToTar(tw *tar.Writer, srcDir, archivePrefix string) error {
	info, err := os.Stat(srcDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", srcDir)
	}

	return filepath.Walk(srcDir, func(path string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		archiveName := archivePrefix
		if rel != "." {
			archiveName = filepath.ToSlash(filepath.Join(archivePrefix, rel))
		}

		if fi.IsDir() {
			hdr := &tar.Header{Name: archiveName + "/", Typeflag: tar.TypeDir, Mode: 0755, ModTime: fi.ModTime()}
			return tw.WriteHeader(hdr)
		}

		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = archiveName
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
}

func addBytesToTar(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0644, ModTime: time.Now().UTC()}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

// extractArchive extracts archivePath into destDir, which must already
// exist. Entries escaping destDir (via ".." path segments) are rejected.
func extractArchive(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return aeroerrors.OperatorInput(aeroerrors.CodeRestoreInvalidBackup, fmt.Sprintf("cannot read backup archive: %v", err))
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return aeroerrors.Corruption(aeroerrors.CodeRestoreCorruption, "backup archive is not a valid tar stream", err)
		}

		target := filepath.Join(destDir, hdr.Name)
		if !isWithinDir(destDir, target) {
			return aeroerrors.Corruption(aeroerrors.CodeRestoreCorruption, fmt.Sprintf("archive entry escapes extraction directory: %s", hdr.Name), nil)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("backup: create directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("backup: create parent directory for %s: %w", target, err)
			}
			out, err := os.OpenFile(target, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
			if err != nil {
				return fmt.Errorf("backup: create extracted file %s: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("backup: write extracted file %s: %w", target, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("backup: close extracted file %s: %w", target, err)
			}
		default:
			// Symlinks and other special entries have no place in a
			// backup archive produced by Create; skip rather than follow.
		}
	}
	return nil
}

func isWithinDir(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	if filepath.IsAbs(rel) || rel == ".." {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
