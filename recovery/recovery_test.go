package recovery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/kartikbazzad/aerodb/snapshot"
	"github.com/kartikbazzad/aerodb/storage"
	"github.com/kartikbazzad/aerodb/wal"
)

func setupEngine(t *testing.T, dir string) (*storage.Store, *wal.WAL) {
	t.Helper()
	store, err := storage.Open(filepath.Join(dir, "storage.dat"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	w, err := wal.NewWAL(filepath.Join(dir, "wal"))
	if err != nil {
		t.Fatalf("wal.NewWAL: %v", err)
	}
	return store, w
}

func appendDocument(t *testing.T, w *wal.WAL, key string, value []byte) wal.CommitId {
	t.Helper()
	payload, err := json.Marshal(wal.DocumentWritePayload{Key: key, Value: value})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	id, err := w.Append(&wal.Record{Kind: wal.KindDocumentWrite, Payload: payload})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	return id
}

func TestRecover_NoCheckpoint_ReplaysEntireWAL(t *testing.T) {
	dir := t.TempDir()
	store, w := setupEngine(t, dir)

	appendDocument(t, w, "a", []byte("1"))
	appendDocument(t, w, "b", []byte("2"))
	appendDocument(t, w, "a", []byte("3"))
	store.Close()
	w.Close()

	freshWAL, err := wal.NewWAL(filepath.Join(dir, "wal"))
	if err != nil {
		t.Fatalf("reopen wal: %v", err)
	}
	defer freshWAL.Close()

	result, err := Recover(dir, filepath.Join(dir, "storage.dat"), freshWAL)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if result.Checkpoint != nil {
		t.Fatalf("expected no checkpoint, got one")
	}
	if result.HighWaterMark != 3 {
		t.Fatalf("expected high water mark 3, got %d", result.HighWaterMark)
	}

	chainA := result.Chains.ChainFor("a")
	versions := chainA.Versions()
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions for key a, got %d", len(versions))
	}
	if string(versions[1].Payload) != "3" {
		t.Fatalf("expected latest payload for a to be 3, got %q", versions[1].Payload)
	}
}

func TestRecover_WithCheckpoint_ReplaysOnlyTail(t *testing.T) {
	dir := t.TempDir()
	store, w := setupEngine(t, dir)

	idA := appendDocument(t, w, "a", []byte("1"))
	covered := appendDocument(t, w, "b", []byte("2"))

	// The checkpoint copies storage.Store, so apply the durable records to
	// it first, as the write path does after each fsync.
	if err := store.WriteDocument("a", storage.CommitId(idA), []byte("1")); err != nil {
		t.Fatalf("WriteDocument a: %v", err)
	}
	if err := store.WriteDocument("b", storage.CommitId(covered), []byte("2")); err != nil {
		t.Fatalf("WriteDocument b: %v", err)
	}

	mgr := snapshot.NewManager(filepath.Join(dir, "snapshots"), store, w)
	if _, err := mgr.Create(covered); err != nil {
		t.Fatalf("Create checkpoint: %v", err)
	}

	appendDocument(t, w, "c", []byte("3"))
	store.Close()
	w.Close()

	freshWAL, err := wal.NewWAL(filepath.Join(dir, "wal"))
	if err != nil {
		t.Fatalf("reopen wal: %v", err)
	}
	defer freshWAL.Close()

	result, err := Recover(dir, filepath.Join(dir, "storage.dat"), freshWAL)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if result.Checkpoint == nil {
		t.Fatalf("expected a checkpoint to be found")
	}
	if result.HighWaterMark < covered {
		t.Fatalf("high water mark %d should be at least the checkpoint boundary %d", result.HighWaterMark, covered)
	}

	if len(result.Chains.ChainFor("a").Versions()) != 1 {
		t.Fatalf("expected key a restored from the checkpoint payload")
	}
	if len(result.Chains.ChainFor("c").Versions()) != 1 {
		t.Fatalf("expected key c replayed from the WAL tail")
	}
}

func TestRecover_HaltsOnCorruptWALTail(t *testing.T) {
	dir := t.TempDir()
	store, w := setupEngine(t, dir)
	appendDocument(t, w, "a", []byte("1"))
	store.Close()
	w.Close()

	entries, err := os.ReadDir(filepath.Join(dir, "wal"))
	if err != nil || len(entries) == 0 {
		t.Fatalf("expected a WAL segment file on disk: %v", err)
	}
	segPath := filepath.Join(dir, "wal", entries[0].Name())
	flipByteNearEnd(t, segPath)

	freshWAL, err := wal.NewWAL(filepath.Join(dir, "wal"))
	if err != nil {
		// Some flips corrupt the length prefix itself, which a fresh WAL
		// open may already refuse; that is an acceptable way to "halt".
		return
	}
	defer freshWAL.Close()

	if _, err := Recover(dir, filepath.Join(dir, "storage.dat"), freshWAL); err == nil {
		t.Fatalf("expected recovery to halt on a corrupted WAL record")
	}
}

func flipByteNearEnd(t *testing.T, path string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("open segment for corruption: %v", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		t.Fatalf("stat segment: %v", err)
	}
	if info.Size() < 2 {
		t.Fatalf("segment too small to corrupt")
	}

	offset := info.Size() - 2
	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, offset); err != nil {
		t.Fatalf("read byte to corrupt: %v", err)
	}
	buf[0] ^= 0xFF
	if _, err := f.WriteAt(buf, offset); err != nil {
		t.Fatalf("write corrupted byte: %v", err)
	}
}
