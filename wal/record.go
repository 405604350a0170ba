package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Kind identifies the closed set of WAL record kinds.
type Kind byte

const (
	KindInvalid Kind = iota
	KindBegin
	KindCommit
	KindDocumentWrite
	KindTombstone
	KindSchemaChange
	KindGcCollect
	KindCheckpointBegin
	KindCheckpointComplete
	KindAuthoritySwitch
)

func (k Kind) String() string {
	switch k {
	case KindBegin:
		return "Begin"
	case KindCommit:
		return "Commit"
	case KindDocumentWrite:
		return "DocumentWrite"
	case KindTombstone:
		return "Tombstone"
	case KindSchemaChange:
		return "SchemaChange"
	case KindGcCollect:
		return "GcCollect"
	case KindCheckpointBegin:
		return "CheckpointBegin"
	case KindCheckpointComplete:
		return "CheckpointComplete"
	case KindAuthoritySwitch:
		return "AuthoritySwitch"
	default:
		return "Invalid"
	}
}

// CommitId is the totally ordered, monotonically increasing identifier
// assigned exclusively by the WAL on commit.
type CommitId uint64

// Record is a single WAL entry. Payload is an opaque, length-prefixed byte
// string whose interpretation depends on Kind.
//
// Wire layout (little-endian):
//
//	checksum(4) | kind(1) | commit_id(8) | payload_len(4) | payload
//
// The checksum covers every byte that follows it.
type Record struct {
	Kind     Kind
	CommitId CommitId
	Payload  []byte
}

// recordHeaderSize is the size of the fixed portion after the checksum.
const recordHeaderSize = 1 + 8 + 4

// Encode serializes the record, including its leading checksum.
func (r *Record) Encode() []byte {
	total := 4 + recordHeaderSize + len(r.Payload)
	buf := make([]byte, total)

	offset := 4
	buf[offset] = byte(r.Kind)
	offset++
	binary.LittleEndian.PutUint64(buf[offset:offset+8], uint64(r.CommitId))
	offset += 8
	binary.LittleEndian.PutUint32(buf[offset:offset+4], uint32(len(r.Payload)))
	offset += 4
	copy(buf[offset:], r.Payload)

	crc := crc32.ChecksumIEEE(buf[4:])
	binary.LittleEndian.PutUint32(buf[0:4], crc)

	return buf
}

// Decode deserializes a record previously produced by Encode, verifying its
// checksum. A checksum mismatch is reported, never silently tolerated (D2).
func Decode(data []byte) (*Record, error) {
	if len(data) < 4+recordHeaderSize {
		return nil, fmt.Errorf("wal: record too short: %d bytes", len(data))
	}

	expectedCRC := binary.LittleEndian.Uint32(data[0:4])
	actualCRC := crc32.ChecksumIEEE(data[4:])
	if expectedCRC != actualCRC {
		return nil, fmt.Errorf("wal: checksum mismatch: expected %d got %d", expectedCRC, actualCRC)
	}

	offset := 4
	kind := Kind(data[offset])
	offset++
	commitID := CommitId(binary.LittleEndian.Uint64(data[offset : offset+8]))
	offset += 8
	payloadLen := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
	offset += 4

	if offset+payloadLen != len(data) {
		return nil, fmt.Errorf("wal: record length mismatch: header says %d, have %d", payloadLen, len(data)-offset)
	}

	payload := make([]byte, payloadLen)
	copy(payload, data[offset:offset+payloadLen])

	return &Record{Kind: kind, CommitId: commitID, Payload: payload}, nil
}

// Size returns the encoded size of the record, including its checksum.
func (r *Record) Size() int {
	return 4 + recordHeaderSize + len(r.Payload)
}

func (r *Record) String() string {
	return fmt.Sprintf("Record{Kind:%s, CommitId:%d, PayloadLen:%d}", r.Kind, r.CommitId, len(r.Payload))
}

// DocumentWritePayload is the payload shape for KindDocumentWrite records.
type DocumentWritePayload struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// TombstonePayload is the payload shape for KindTombstone records.
type TombstonePayload struct {
	Key string `json:"key"`
}

// GcCollectPayload is the payload shape for KindGcCollect records:
// `GcCollect{collection, key, collected_commit_id}`.
type GcCollectPayload struct {
	Collection        string   `json:"collection"`
	Key               string   `json:"key"`
	CollectedCommitId CommitId `json:"collected_commit_id"`
}

// CheckpointCompletePayload is the payload shape for KindCheckpointComplete
// records.
type CheckpointCompletePayload struct {
	SnapshotId    string   `json:"snapshot_id"`
	WalRangeStart CommitId `json:"wal_range_start"`
	WalRangeEnd   CommitId `json:"wal_range_end"`
}

// AuthoritySwitchPayload is the payload shape for KindAuthoritySwitch
// records: a single record that both terminates the old Primary's
// authority (if reachable) and grants the new one, so no two nodes ever
// observe themselves as Primary simultaneously on the durable record
// stream.
type AuthoritySwitchPayload struct {
	OldPrimaryId         string   `json:"old_primary_id,omitempty"`
	NewPrimaryId         string   `json:"new_primary_id"`
	Epoch                uint64   `json:"epoch"`
	Force                bool     `json:"force"`
	OverriddenInvariants []string `json:"overridden_invariants,omitempty"`
	AcknowledgedRisks    []string `json:"acknowledged_risks,omitempty"`
}
