package wal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	aeroerrors "github.com/kartikbazzad/aerodb/pkg/errors"
)

// SegmentID uniquely identifies a WAL segment file.
type SegmentID uint64

// DefaultSegmentSize is the default maximum size for a WAL segment (64MB).
const DefaultSegmentSize = 64 * 1024 * 1024

// Segment represents a single WAL segment file. Segments are written
// strictly append-only; the only mutation after a byte range has been
// fsynced is whole-segment removal during truncate.
type Segment struct {
	ID            SegmentID
	file          *os.File
	size          int64
	maxSize       int64
	startCommitId CommitId
	endCommitId   CommitId
	mu            sync.RWMutex
}

func segmentPath(dir string, id SegmentID) string {
	return filepath.Join(dir, fmt.Sprintf("wal-%016x.log", id))
}

// NewSegment creates a new, empty WAL segment file.
func NewSegment(dir string, id SegmentID, startCommitId CommitId) (*Segment, error) {
	file, err := os.OpenFile(segmentPath(dir, id), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: create segment: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: stat segment: %w", err)
	}

	return &Segment{
		ID:            id,
		file:          file,
		size:          info.Size(),
		maxSize:       DefaultSegmentSize,
		startCommitId: startCommitId,
		endCommitId:   startCommitId,
	}, nil
}

// OpenSegment opens an existing WAL segment file for append and replay.
func OpenSegment(dir string, id SegmentID) (*Segment, error) {
	file, err := os.OpenFile(segmentPath(dir, id), os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: stat segment: %w", err)
	}

	return &Segment{
		ID:      id,
		file:    file,
		size:    info.Size(),
		maxSize: DefaultSegmentSize,
	}, nil
}

// Write appends a record to the segment. It does not fsync; callers must
// call Sync (directly or via GroupCommitter) before acknowledging the
// operation that produced the record (R1).
func (s *Segment) Write(record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := record.Encode()

	lenBuf := make([]byte, 4)
	lenBuf[0] = byte(len(data))
	lenBuf[1] = byte(len(data) >> 8)
	lenBuf[2] = byte(len(data) >> 16)
	lenBuf[3] = byte(len(data) >> 24)

	if _, err := s.file.Write(lenBuf); err != nil {
		return fmt.Errorf("wal: write length prefix: %w", err)
	}
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("wal: write record: %w", err)
	}

	s.size += int64(4 + len(data))
	if record.CommitId > s.endCommitId {
		s.endCommitId = record.CommitId
	}

	return nil
}

// Sync flushes the segment to durable media.
func (s *Segment) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync segment: %w", err)
	}
	return nil
}

// IsFull reports whether the segment has reached its maximum size.
func (s *Segment) IsFull() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size >= s.maxSize
}

// Size returns the current on-disk size of the segment.
func (s *Segment) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Close fsyncs and closes the segment file.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		if err := s.file.Sync(); err != nil {
			return err
		}
		return s.file.Close()
	}
	return nil
}

// Remove closes and deletes the segment file. Nothing in this package
// calls it: Truncate deletes segment files by path with os.Remove, after
// verifying the segment lies entirely before a durable checkpoint boundary
// and below the active visibility floor.
func (s *Segment) Remove() error {
	s.mu.Lock()
	path := s.file.Name()
	s.file.Close()
	s.mu.Unlock()
	return os.Remove(path)
}

// ReadRecords reads and validates every record in the segment, in physical
// byte order, stopping at end-of-file or the first corrupted record (K1).
func (s *Segment) ReadRecords() ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.file.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("wal: seek segment: %w", err)
	}

	var records []*Record
	lenBuf := make([]byte, 4)

	for {
		if _, err := io.ReadFull(s.file, lenBuf); err != nil {
			if err == io.EOF {
				break
			}
			if err == io.ErrUnexpectedEOF {
				return nil, aeroerrors.Corruption(aeroerrors.CodeWALCorrupt, "truncated length prefix", err)
			}
			return nil, fmt.Errorf("wal: read length prefix: %w", err)
		}

		recordLen := int(lenBuf[0]) | int(lenBuf[1])<<8 | int(lenBuf[2])<<16 | int(lenBuf[3])<<24
		if recordLen <= 0 || recordLen > 32*1024*1024 {
			return nil, aeroerrors.Corruption(aeroerrors.CodeWALCorrupt, fmt.Sprintf("invalid record length %d", recordLen), nil)
		}

		data := make([]byte, recordLen)
		if _, err := io.ReadFull(s.file, data); err != nil {
			return nil, aeroerrors.Corruption(aeroerrors.CodeWALCorrupt, "truncated record data", err)
		}

		record, err := Decode(data)
		if err != nil {
			return nil, aeroerrors.Corruption(aeroerrors.CodeWALCorrupt, "checksum verification failed", err)
		}

		records = append(records, record)
	}

	return records, nil
}

// GetPath returns the on-disk file path of the segment.
func (s *Segment) GetPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file != nil {
		return s.file.Name()
	}
	return ""
}
