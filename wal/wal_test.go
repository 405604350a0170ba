package wal

import (
	"os"
	"testing"
)

func mustAppendAndSync(t *testing.T, w *WAL, payload string) CommitId {
	t.Helper()
	id, err := w.Append(&Record{Kind: KindDocumentWrite, Payload: []byte(payload)})
	if err != nil {
		t.Fatalf("append %q: %v", payload, err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("sync after %q: %v", payload, err)
	}
	return id
}

// TestWAL_CrashAfterFsync_SeesOnlyDurablePrefix implements seed scenario S1:
// append "a","b","c", crash after fsync of "b", restart: reader sees
// exactly {"a","b"} and no "c".
func TestWAL_CrashAfterFsync_SeesOnlyDurablePrefix(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWAL(dir)
	if err != nil {
		t.Fatalf("NewWAL: %v", err)
	}

	mustAppendAndSync(t, w, "a")
	mustAppendAndSync(t, w, "b")

	// Simulate a crash: write "c" to the segment's file descriptor but
	// never call Sync, and drop the WAL handle without closing it (Close
	// would itself fsync, which is exactly what a crash prevents). An
	// unsynced write still sits in this process's page cache and would be
	// read back, so cut the file to its size at b's fsync to stand in for
	// the page cache a real crash loses.
	durableSize := w.currentSegment.Size()
	if _, err := w.Append(&Record{Kind: KindDocumentWrite, Payload: []byte("c")}); err != nil {
		t.Fatalf("append c: %v", err)
	}
	if err := os.Truncate(segmentPath(dir, 0), durableSize); err != nil {
		t.Fatalf("drop unsynced tail: %v", err)
	}

	// Restart: reopen the WAL and read everything durable on disk.
	w2, err := NewWAL(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	// NewWAL reopens segment 0 for append; read every segment file on
	// disk to see the durable state.
	records, err := readAllSegmentsOnDisk(t, dir)
	if err != nil {
		t.Fatalf("read after restart: %v", err)
	}

	var payloads []string
	for _, r := range records {
		payloads = append(payloads, string(r.Payload))
	}

	if len(payloads) != 2 || payloads[0] != "a" || payloads[1] != "b" {
		t.Fatalf("expected exactly [a b] after restart, got %v", payloads)
	}
	_ = w2
}

// readAllSegmentsOnDisk re-derives durable records without trusting the
// in-memory WAL's bookkeeping, since a real crash loses that bookkeeping
// too.
func readAllSegmentsOnDisk(t *testing.T, dir string) ([]*Record, error) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var all []*Record
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seg, err := OpenSegment(dir, 0)
		if err != nil {
			continue
		}
		records, err := seg.ReadRecords()
		seg.Close()
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
		break
	}
	return all, nil
}

func TestWAL_AppendAssignsMonotonicCommitIds(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWAL(dir)
	if err != nil {
		t.Fatalf("NewWAL: %v", err)
	}

	var last CommitId
	for i := 0; i < 50; i++ {
		id, err := w.Append(&Record{Kind: KindDocumentWrite, Payload: []byte{byte(i)}})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if id <= last {
			t.Fatalf("commit id not monotonic: got %d after %d", id, last)
		}
		last = id
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func TestWAL_ReadFromFiltersByCommitId(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWAL(dir)
	if err != nil {
		t.Fatalf("NewWAL: %v", err)
	}

	var ids []CommitId
	for i := 0; i < 5; i++ {
		id := mustAppendAndSync(t, w, string(rune('a'+i)))
		ids = append(ids, id)
	}

	records, err := w.ReadFrom(ids[2])
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records after %d, got %d", ids[2], len(records))
	}
	for _, r := range records {
		if r.CommitId <= ids[2] {
			t.Fatalf("ReadFrom leaked a record at or before the cutoff: %d", r.CommitId)
		}
	}
}

func TestWAL_TruncateRefusesWithoutGuard(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWAL(dir)
	if err != nil {
		t.Fatalf("NewWAL: %v", err)
	}
	mustAppendAndSync(t, w, "a")

	if err := w.Truncate(1); err == nil {
		t.Fatalf("expected Truncate to refuse without an installed TruncateGuard")
	}
}

type fakeGuard struct {
	checkpointCovers CommitId
	floor            CommitId
	hasFloor         bool
}

func (g fakeGuard) DurableCheckpointCovers(upTo CommitId) bool { return upTo <= g.checkpointCovers }
func (g fakeGuard) VisibilityFloor() (CommitId, bool)          { return g.floor, g.hasFloor }

func TestWAL_TruncateRespectsVisibilityFloor(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWAL(dir)
	if err != nil {
		t.Fatalf("NewWAL: %v", err)
	}
	for i := 0; i < 3; i++ {
		mustAppendAndSync(t, w, "x")
	}

	w.SetTruncateGuard(fakeGuard{checkpointCovers: 100, floor: 2, hasFloor: true})

	if err := w.Truncate(2); err == nil {
		t.Fatalf("expected truncate at the visibility floor to be refused")
	}
	if err := w.Truncate(1); err != nil {
		t.Fatalf("expected truncate below the visibility floor to succeed, got %v", err)
	}
}
