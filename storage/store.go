// Package storage implements the checksum-verified document store: a
// persistent mapping from (logical key, CommitId) to full-document
// payload, fed exclusively by the WAL-apply path.
package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	aeroerrors "github.com/kartikbazzad/aerodb/pkg/errors"
)

// CommitId mirrors wal.CommitId without importing the wal package, keeping
// storage a leaf dependency independent of the WAL and MVCC packages.
type CommitId uint64

// ReadResult is the outcome of Read: exactly one of Found, Tombstone, or
// neither (NotFound).
type ReadResult struct {
	Found     bool
	Tombstone bool
	Payload   []byte
}

// entry is a single on-disk record: one full-document write or tombstone
// for one (key, CommitId) pair.
type entry struct {
	Key       string
	CommitId  CommitId
	Tombstone bool
	Payload   []byte
}

func (e *entry) encode() []byte {
	keyBytes := []byte(e.Key)
	total := 4 + 8 + 1 + 4 + len(keyBytes) + 4 + len(e.Payload)
	buf := make([]byte, total)

	offset := 4
	binary.LittleEndian.PutUint64(buf[offset:offset+8], uint64(e.CommitId))
	offset += 8
	if e.Tombstone {
		buf[offset] = 1
	}
	offset++
	binary.LittleEndian.PutUint32(buf[offset:offset+4], uint32(len(keyBytes)))
	offset += 4
	copy(buf[offset:offset+len(keyBytes)], keyBytes)
	offset += len(keyBytes)
	binary.LittleEndian.PutUint32(buf[offset:offset+4], uint32(len(e.Payload)))
	offset += 4
	copy(buf[offset:], e.Payload)

	crc := crc32.ChecksumIEEE(buf[4:])
	binary.LittleEndian.PutUint32(buf[0:4], crc)
	return buf
}

func decodeEntry(data []byte) (*entry, error) {
	if len(data) < 4+8+1+4+4 {
		return nil, fmt.Errorf("storage: entry too short")
	}
	expected := binary.LittleEndian.Uint32(data[0:4])
	actual := crc32.ChecksumIEEE(data[4:])
	if expected != actual {
		return nil, fmt.Errorf("storage: checksum mismatch")
	}

	offset := 4
	commitID := CommitId(binary.LittleEndian.Uint64(data[offset : offset+8]))
	offset += 8
	tombstone := data[offset] == 1
	offset++
	keyLen := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
	offset += 4
	key := string(data[offset : offset+keyLen])
	offset += keyLen
	payloadLen := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if offset+payloadLen != len(data) {
		return nil, fmt.Errorf("storage: entry length mismatch")
	}
	payload := make([]byte, payloadLen)
	copy(payload, data[offset:offset+payloadLen])

	return &entry{Key: key, CommitId: commitID, Tombstone: tombstone, Payload: payload}, nil
}

// Store is the checksum-verified document store. It is append-only on
// disk; removal of reclaimed versions happens only through the
// WAL-recorded GC path via RemoveVersion.
type Store struct {
	mu    sync.RWMutex
	file  *os.File
	chain map[string][]*entry // key -> versions ascending by CommitId
}

// Open opens or creates the document store file at path and replays its
// current contents into the in-memory chain index.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	s := &Store{file: f, chain: make(map[string][]*entry)}
	if err := s.loadLocked(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadLocked() error {
	if _, err := s.file.Seek(0, 0); err != nil {
		return err
	}
	lenBuf := make([]byte, 4)
	for {
		n, err := s.file.Read(lenBuf)
		if err != nil || n == 0 {
			break
		}
		if n != 4 {
			return aeroerrors.Corruption(aeroerrors.CodeStorageCorrupt, "truncated length prefix", nil)
		}
		recLen := int(binary.LittleEndian.Uint32(lenBuf))
		if recLen <= 0 || recLen > 64*1024*1024 {
			return aeroerrors.Corruption(aeroerrors.CodeStorageCorrupt, fmt.Sprintf("invalid entry length %d", recLen), nil)
		}
		data := make([]byte, recLen)
		if n, err := s.file.Read(data); err != nil || n != recLen {
			return aeroerrors.Corruption(aeroerrors.CodeStorageCorrupt, "truncated entry data", err)
		}
		e, err := decodeEntry(data)
		if err != nil {
			return aeroerrors.Corruption(aeroerrors.CodeStorageCorrupt, "entry checksum verification failed", err)
		}
		s.chain[e.Key] = append(s.chain[e.Key], e)
	}
	if _, err := s.file.Seek(0, 2); err != nil {
		return err
	}
	return nil
}

func (s *Store) appendLocked(e *entry) error {
	data := e.encode()
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(data)))
	if _, err := s.file.Write(lenBuf); err != nil {
		return fmt.Errorf("storage: write length prefix: %w", err)
	}
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("storage: write entry: %w", err)
	}
	s.chain[e.Key] = append(s.chain[e.Key], e)
	return nil
}

// WriteDocument persists a full document payload at (key, commitID). It
// must be called only from the WAL-apply path, after the authorizing WAL
// record has been fsynced (C1).
func (s *Store) WriteDocument(key string, commitID CommitId, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(&entry{Key: key, CommitId: commitID, Payload: payload})
}

// WriteTombstone persists a deletion marker at (key, commitID).
func (s *Store) WriteTombstone(key string, commitID CommitId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(&entry{Key: key, CommitId: commitID, Tombstone: true})
}

// Read returns the verified payload for exactly (key, commitID), or
// Tombstone/NotFound.
func (s *Store) Read(key string, commitID CommitId) ReadResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.chain[key] {
		if e.CommitId == commitID {
			if e.Tombstone {
				return ReadResult{Found: true, Tombstone: true}
			}
			return ReadResult{Found: true, Payload: e.Payload}
		}
	}
	return ReadResult{}
}

// Iterate returns every version for key, ascending by CommitId.
func (s *Store) Iterate(key string) []ReadResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.chain[key]
	out := make([]ReadResult, len(versions))
	for i, e := range versions {
		if e.Tombstone {
			out[i] = ReadResult{Found: true, Tombstone: true}
		} else {
			out[i] = ReadResult{Found: true, Payload: e.Payload}
		}
	}
	return out
}

// VersionInfo is a single version as seen by chain-rebuilding callers
// (recovery), carrying the CommitId that ReadResult/Iterate omit.
type VersionInfo struct {
	CommitId  CommitId
	Tombstone bool
	Payload   []byte
}

// Keys returns every key currently indexed by the store. Used by recovery
// to rebuild MVCC chains from a freshly-loaded snapshot file.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.chain))
	for k := range s.chain {
		keys = append(keys, k)
	}
	return keys
}

// Versions returns every version of key, ascending by CommitId, including
// the CommitId of each (unlike Iterate, which is a read-path helper that
// only ever needs the payload).
func (s *Store) Versions(key string) []VersionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.chain[key]
	out := make([]VersionInfo, len(entries))
	for i, e := range entries {
		out[i] = VersionInfo{CommitId: e.CommitId, Tombstone: e.Tombstone, Payload: e.Payload}
	}
	return out
}

// RemoveVersion deletes the in-memory record of (key, commitID). It is
// invoked only by the GC path after a GcCollect WAL record is durable
// invoked only after GC's removal is durable; it does not compact the
// on-disk file (recovery replays
// GcCollect against a freshly-loaded index, making on-disk compaction an
// optimization left to the checkpoint/snapshot path rather than a
// correctness requirement here).
func (s *Store) RemoveVersion(key string, commitID CommitId) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.chain[key]
	for i, e := range versions {
		if e.CommitId == commitID {
			s.chain[key] = append(versions[:i], versions[i+1:]...)
			return
		}
	}
}

// Close syncs and closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		return err
	}
	return s.file.Close()
}

// Sync fsyncs the underlying file.
func (s *Store) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file.Sync()
}

// SnapshotTo copies the durable contents of the store to destPath,
// fsyncing the copy before returning. Used by the snapshot/checkpoint
// protocol (creating the directory, writing payloads, and fsyncing).
func (s *Store) SnapshotTo(destPath string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.file.Sync(); err != nil {
		return err
	}

	src, err := os.Open(s.file.Name())
	if err != nil {
		return fmt.Errorf("storage: open source for snapshot: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(destPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("storage: create snapshot destination: %w", err)
	}
	defer dst.Close()

	buf := make([]byte, 256*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return fmt.Errorf("storage: write snapshot destination: %w", werr)
			}
		}
		if rerr != nil {
			break
		}
	}

	return dst.Sync()
}
