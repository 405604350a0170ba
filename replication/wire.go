// Package replication implements the Primary/Replica roles and the
// promotion state machine. The length-prefixed-JSON wire framing
// (OpCode(1) + Length(4, big-endian) + JSON body) carries WAL-shipping
// and promotion messages between the two nodes.
package replication

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/kartikbazzad/aerodb/wal"
)

// OpCode identifies the message type on the replication transport.
type OpCode uint8

const (
	OpShipWAL OpCode = 1
	OpPromote OpCode = 2

	OpReply OpCode = 10
	OpError OpCode = 11
)

// Header is the fixed-size message header (5 bytes): OpCode then a
// big-endian uint32 body length.
type Header struct {
	OpCode OpCode
	Length uint32
}

const HeaderSize = 5

// WriteMessage writes OpCode + JSON(body) to w.
func WriteMessage(w io.Writer, op OpCode, body interface{}) error {
	var bodyBytes []byte
	var err error
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("replication: marshal body: %w", err)
		}
	}

	if _, err := w.Write([]byte{byte(op)}); err != nil {
		return err
	}
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(bodyBytes)))
	if _, err := w.Write(lenBuf); err != nil {
		return err
	}
	if len(bodyBytes) > 0 {
		if _, err := w.Write(bodyBytes); err != nil {
			return err
		}
	}
	return nil
}

// ReadHeader reads and decodes the message header.
func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, err
	}
	return Header{
		OpCode: OpCode(buf[0]),
		Length: binary.BigEndian.Uint32(buf[1:]),
	}, nil
}

// ReadBody decodes length bytes of JSON from r into v.
func ReadBody(r io.Reader, length uint32, v interface{}) error {
	if length == 0 {
		return nil
	}
	lr := io.LimitReader(r, int64(length))
	return json.NewDecoder(lr).Decode(v)
}

// ShipWALRequest carries the Primary's WAL tail after FromCommitId. Records
// already carry their assigned CommitId; the Replica never assigns one.
type ShipWALRequest struct {
	FromCommitId wal.CommitId  `json:"from_commit_id"`
	Records      []*wal.Record `json:"records"`
}

// ShipWALReply reports how far the Replica's durable prefix now extends.
type ShipWALReply struct {
	AppliedUpTo wal.CommitId `json:"applied_up_to"`
	Success     bool         `json:"success"`
	Error       string       `json:"error,omitempty"`
}

// PromoteRequest asks a Replica to become Primary. Force bypasses liveness
// checks and is only honored when every enhanced-confirmation field is
// populated by the caller (the control plane, never the wire caller
// directly — see controlplane.EnhancedConfirmation).
type PromoteRequest struct {
	RequestId              string   `json:"request_id"`
	Force                  bool     `json:"force"`
	ResponsibilityAccepted bool     `json:"responsibility_accepted,omitempty"`
	OverriddenInvariants   []string `json:"overridden_invariants,omitempty"`
	AcknowledgedRisks      []string `json:"acknowledged_risks,omitempty"`
}

// PromoteReply reports the outcome of a promotion attempt.
type PromoteReply struct {
	Granted      bool   `json:"granted"`
	NewEpoch     uint64 `json:"new_epoch,omitempty"`
	DenialReason string `json:"denial_reason,omitempty"`
}

// Reply is the generic error envelope for OpError.
type Reply struct {
	Error string `json:"error,omitempty"`
}
