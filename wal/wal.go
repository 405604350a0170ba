// Package wal implements the append-only, checksum-tagged Write-Ahead Log
// that is the sole authority for CommitId assignment and commit ordering.
//
// Key components:
//   - WAL: the coordinator managing segments, CommitId assignment, and
//     truncation.
//   - Segment: a single log file, rotated when full.
//   - Record: a single log entry (checksum + kind + commit id + payload).
//   - GroupCommitter: batches concurrent appenders onto one fsync.
package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	aeroerrors "github.com/kartikbazzad/aerodb/pkg/errors"
)

// DefaultBufferSize is retained for parity with segment sizing knobs;
// segments are written unbuffered (os.File writes go straight to the page
// cache) so that Sync has a precise fsync boundary.
const DefaultBufferSize = 256 * 1024

// TruncateGuard answers whether the WAL prefix ending at upTo is safe to
// discard: a checkpoint covering it must be durable, and no active read
// view may require CommitIds in that prefix.
type TruncateGuard interface {
	DurableCheckpointCovers(upTo CommitId) bool
	VisibilityFloor() (CommitId, bool)
}

// WAL is the Write-Ahead Log coordinator. It owns CommitId assignment and
// serializes every append+fsync through a single critical section.
type WAL struct {
	dir            string
	currentSegment *Segment
	currentCommit  atomic.Uint64
	nextSegmentID  SegmentID
	guard          TruncateGuard
	subsMu         sync.Mutex
	subscribers    []chan Event
	mu             sync.Mutex
}

// Event is the notification Sync publishes to subscribers after an fsync
// (the kernel's sole realtime contract). publish sends it with both fields
// zero; subscribers read the newly durable records with ReadFrom.
type Event struct {
	CommitId CommitId
	Record   *Record
}

// NewWAL opens or creates a Write-Ahead Log rooted at dir.
func NewWAL(dir string) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}

	segment, err := NewSegment(dir, 0, CommitId(0))
	if err != nil {
		return nil, err
	}

	w := &WAL{
		dir:            dir,
		currentSegment: segment,
		nextSegmentID:  1,
	}
	return w, nil
}

// SetTruncateGuard installs the checkpoint/visibility-floor oracle that
// Truncate consults before discarding any segment.
func (w *WAL) SetTruncateGuard(g TruncateGuard) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.guard = g
}

// Append assigns the next CommitId and writes record to the active segment.
// It does not fsync: callers must call Sync (directly or via a
// GroupCommitter) before acknowledging success to a client (R1).
func (w *WAL) Append(record *Record) (CommitId, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := CommitId(w.currentCommit.Add(1))
	record.CommitId = id

	if w.currentSegment.IsFull() {
		if err := w.rotateSegmentLocked(); err != nil {
			return 0, err
		}
	}

	if err := w.currentSegment.Write(record); err != nil {
		return 0, err
	}

	return id, nil
}

// ApplyReplicated writes a record whose CommitId was already assigned by
// a Primary (shipped over replication) without assigning a new one. Only
// a Replica calls this; a Primary always goes through Append, preserving
// MVCC-2 (CommitId produced only by the Primary). The record's CommitId
// must strictly extend the replica's current durable prefix.
func (w *WAL) ApplyReplicated(record *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if record.CommitId <= CommitId(w.currentCommit.Load()) {
		return aeroerrors.Validation(aeroerrors.CodeSingleWriterViolation,
			fmt.Sprintf("replicated record commit id %d does not extend durable prefix %d", record.CommitId, w.currentCommit.Load()), "MVCC-2")
	}

	if w.currentSegment.IsFull() {
		if err := w.rotateSegmentLocked(); err != nil {
			return err
		}
	}

	if err := w.currentSegment.Write(record); err != nil {
		return err
	}

	w.currentCommit.Store(uint64(record.CommitId))
	return nil
}

// Sync fsyncs the active segment. No append is acknowledged to a client
// before the Sync covering its record returns nil (R1).
func (w *WAL) Sync() error {
	w.mu.Lock()
	seg := w.currentSegment
	w.mu.Unlock()

	if err := seg.Sync(); err != nil {
		return err
	}

	w.publish()
	return nil
}

func (w *WAL) publish() {
	w.subsMu.Lock()
	subs := append([]chan Event(nil), w.subscribers...)
	w.subsMu.Unlock()
	if len(subs) == 0 {
		return
	}
	for _, ch := range subs {
		select {
		case ch <- Event{}:
		default:
		}
	}
}

// Subscribe returns a channel that receives a notification once any record
// has become durable. Delivery is best-effort (a slow subscriber may miss
// a notification) — callers re-read the WAL via ReadFrom to learn exactly
// what became durable; this mirrors the out-of-scope realtime fan-out
// layer's own best-effort semantics.
func (w *WAL) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	w.subsMu.Lock()
	w.subscribers = append(w.subscribers, ch)
	w.subsMu.Unlock()

	cancel := func() {
		w.subsMu.Lock()
		defer w.subsMu.Unlock()
		for i, c := range w.subscribers {
			if c == ch {
				w.subscribers = append(w.subscribers[:i], w.subscribers[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (w *WAL) rotateSegmentLocked() error {
	if err := w.currentSegment.Close(); err != nil {
		return err
	}

	nextStart := CommitId(w.currentCommit.Load())
	newSegment, err := NewSegment(w.dir, w.nextSegmentID, nextStart)
	if err != nil {
		return err
	}

	w.currentSegment = newSegment
	w.nextSegmentID++

	return nil
}

// CurrentCommitId returns the highest CommitId assigned so far.
func (w *WAL) CurrentCommitId() CommitId {
	return CommitId(w.currentCommit.Load())
}

// RestoreHighWaterMark sets the next CommitId a Primary's Append will
// assign to highWater+1. Only the startup path calls this, immediately
// after recovery.Recover has replayed every existing segment and
// determined their true high-water mark; NewWAL itself reopens segment 0
// with its counter at CommitId(0) and has no opinion about what came before.
// It is a no-op once any record has actually been appended, so a caller
// that accidentally invokes it twice cannot rewind the counter.
func (w *WAL) RestoreHighWaterMark(highWater CommitId) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentCommit.Load() == 0 {
		w.currentCommit.Store(uint64(highWater))
	}
}

// segmentFiles lists every segment file under dir in ascending segment-id
// order.
func (w *WAL) segmentFiles() ([]SegmentID, error) {
	files, err := filepath.Glob(filepath.Join(w.dir, "wal-*.log"))
	if err != nil {
		return nil, fmt.Errorf("wal: list segments: %w", err)
	}

	ids := make([]SegmentID, 0, len(files))
	for _, file := range files {
		var id uint64
		if _, err := fmt.Sscanf(filepath.Base(file), "wal-%016x.log", &id); err != nil {
			continue
		}
		ids = append(ids, SegmentID(id))
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids, nil
}

// ReadFrom returns every validated record whose CommitId is > after, in
// physical (and therefore commit) order. It halts at the first corrupted
// record rather than skipping it (K1, halt-on-corruption).
func (w *WAL) ReadFrom(after CommitId) ([]*Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids, err := w.segmentFiles()
	if err != nil {
		return nil, err
	}

	var all []*Record
	for _, id := range ids {
		var seg *Segment
		if id == w.currentSegment.ID {
			seg = w.currentSegment
		} else {
			seg, err = OpenSegment(w.dir, id)
			if err != nil {
				return nil, err
			}
		}

		records, err := seg.ReadRecords()
		if seg != w.currentSegment {
			seg.Close()
		}
		if err != nil {
			return nil, err
		}

		all = append(all, records...)
	}

	if after == 0 {
		return all, nil
	}

	filtered := all[:0]
	for _, r := range all {
		if r.CommitId > after {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// ReadAll returns every validated record across all segments.
func (w *WAL) ReadAll() ([]*Record, error) {
	return w.ReadFrom(0)
}

// Truncate discards every segment lying entirely at or below upTo,
// provided the installed TruncateGuard confirms both preconditions of
// both preconditions: a checkpoint covering the prefix is durable, and no
// active read view requires CommitIds in the prefix.
func (w *WAL) Truncate(upTo CommitId) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.guard == nil {
		return aeroerrors.Validation(aeroerrors.CodeWALTruncateGuard, "no truncate guard installed", "R1")
	}
	if !w.guard.DurableCheckpointCovers(upTo) {
		return aeroerrors.Validation(aeroerrors.CodeWALTruncateGuard, "no durable checkpoint covers requested truncation point", "")
	}
	if floor, ok := w.guard.VisibilityFloor(); ok && floor <= upTo {
		return aeroerrors.Validation(aeroerrors.CodeWALTruncateGuard, "an active read view still requires commit ids in the truncation range", "")
	}

	ids, err := w.segmentFiles()
	if err != nil {
		return err
	}

	for _, id := range ids {
		if id == w.currentSegment.ID {
			continue
		}
		seg, err := OpenSegment(w.dir, id)
		if err != nil {
			continue
		}
		records, err := seg.ReadRecords()
		seg.Close()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			continue
		}
		end := records[len(records)-1].CommitId
		if end <= upTo {
			if err := os.Remove(segmentPath(w.dir, id)); err != nil {
				return err
			}
		}
	}

	return nil
}

// Close fsyncs and closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSegment != nil {
		return w.currentSegment.Close()
	}
	return nil
}

// RecordExists reports whether a CommitId has already been assigned.
func (w *WAL) RecordExists(id CommitId) bool {
	return id <= w.CurrentCommitId() && id > 0
}
