package replication

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/kartikbazzad/aerodb/wal"
)

// loopbackRPC wires a Primary's outbound ShipWAL/Promote calls straight
// into a Replica Node's inbound handlers, without any network hop.
type loopbackRPC struct {
	replica *Node
}

func (l *loopbackRPC) ShipWAL(peer string, req ShipWALRequest) (ShipWALReply, error) {
	return l.replica.ReceiveShipWAL(req), nil
}

func (l *loopbackRPC) Promote(peer string, req PromoteRequest) (PromoteReply, error) {
	return PromoteReply{}, nil
}

func openWAL(t *testing.T, name string) *wal.WAL {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	w, err := wal.NewWAL(dir)
	if err != nil {
		t.Fatalf("NewWAL: %v", err)
	}
	return w
}

func appendDocumentWrite(t *testing.T, w *wal.WAL, key string, value string) wal.CommitId {
	t.Helper()
	payload, err := json.Marshal(wal.DocumentWritePayload{Key: key, Value: []byte(value)})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	id, err := w.Append(&wal.Record{Kind: wal.KindDocumentWrite, Payload: payload})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	return id
}

func TestReceiveShipWAL_AppliesRecordsPreservingCommitIds(t *testing.T) {
	primaryWAL := openWAL(t, "primary")
	replicaWAL := openWAL(t, "replica")

	id1 := appendDocumentWrite(t, primaryWAL, "a", "1")
	id2 := appendDocumentWrite(t, primaryWAL, "b", "2")

	replica := NewNode(DefaultConfig("r1", "primary:0"), RoleReplica, replicaWAL, nil)
	replica.SetRecovering(false)

	records, err := primaryWAL.ReadFrom(0)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}

	reply := replica.ReceiveShipWAL(ShipWALRequest{FromCommitId: 0, Records: records})
	if !reply.Success {
		t.Fatalf("expected success, got error %q", reply.Error)
	}
	if reply.AppliedUpTo != id2 {
		t.Fatalf("expected applied up to %d, got %d", id2, reply.AppliedUpTo)
	}
	if replica.DurableCommitId() != id2 {
		t.Fatalf("expected durable commit id %d, got %d", id2, replica.DurableCommitId())
	}

	replicaRecords, err := replicaWAL.ReadFrom(0)
	if err != nil {
		t.Fatalf("replica ReadFrom: %v", err)
	}
	if len(replicaRecords) != 2 || replicaRecords[0].CommitId != id1 || replicaRecords[1].CommitId != id2 {
		t.Fatalf("replica wal does not mirror the shipped commit ids: %+v", replicaRecords)
	}
}

func TestCheckReadSafe_RejectsAheadOfDurablePrefixOrMidRecovery(t *testing.T) {
	replicaWAL := openWAL(t, "replica")
	replica := NewNode(DefaultConfig("r1", "primary:0"), RoleReplica, replicaWAL, nil)

	if err := replica.CheckReadSafe(1); err == nil {
		t.Fatalf("expected not-read-safe while recovering")
	}

	replica.SetRecovering(false)
	if err := replica.CheckReadSafe(5); err == nil {
		t.Fatalf("expected not-read-safe when upper bound exceeds durable commit id")
	}

	primaryWAL := openWAL(t, "primary")
	id := appendDocumentWrite(t, primaryWAL, "a", "1")
	records, _ := primaryWAL.ReadFrom(0)
	replica.ReceiveShipWAL(ShipWALRequest{Records: records})

	if err := replica.CheckReadSafe(id); err != nil {
		t.Fatalf("expected read-safe at the replica's durable commit id: %v", err)
	}
}

func TestPrimaryIsAlwaysReadSafe(t *testing.T) {
	primaryWAL := openWAL(t, "primary")
	primary := NewNode(DefaultConfig("p1", "replica:0"), RolePrimary, primaryWAL, nil)

	if err := primary.CheckReadSafe(1_000_000); err != nil {
		t.Fatalf("primary should always be read-safe against its own wal: %v", err)
	}
}

func TestRequestPromotion_RequiresConfirmationAndReplicaRole(t *testing.T) {
	replicaWAL := openWAL(t, "replica")
	replica := NewNode(DefaultConfig("r1", "primary:0"), RoleReplica, replicaWAL, nil)

	if err := replica.RequestPromotion(false); err == nil {
		t.Fatalf("expected promotion request without confirmation to be denied")
	}
	if replica.PromotionState() != Steady {
		t.Fatalf("expected promotion state to remain Steady, got %s", replica.PromotionState())
	}

	if err := replica.RequestPromotion(true); err != nil {
		t.Fatalf("expected confirmed promotion request to succeed: %v", err)
	}
	if replica.PromotionState() != Candidate {
		t.Fatalf("expected Candidate, got %s", replica.PromotionState())
	}

	primaryWAL := openWAL(t, "primary")
	primary := NewNode(DefaultConfig("p1", "replica:0"), RolePrimary, primaryWAL, nil)
	if err := primary.RequestPromotion(true); err == nil {
		t.Fatalf("expected a primary requesting promotion to be denied")
	}
}

func TestPromote_WritesAtomicAuthoritySwitchRecordAndBecomesPrimary(t *testing.T) {
	replicaWAL := openWAL(t, "replica")
	replica := NewNode(DefaultConfig("r1", "primary:0"), RoleReplica, replicaWAL, nil)
	replica.SetRecovering(false)

	if err := replica.RequestPromotion(true); err != nil {
		t.Fatalf("RequestPromotion: %v", err)
	}
	if err := replica.Promote("p1", false, nil, nil); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	if replica.Role() != RolePrimary {
		t.Fatalf("expected role Primary after promotion, got %s", replica.Role())
	}
	if replica.PromotionState() != Steady {
		t.Fatalf("expected promotion state Steady after transition completes, got %s", replica.PromotionState())
	}

	records, err := replicaWAL.ReadFrom(0)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if len(records) != 1 || records[0].Kind != wal.KindAuthoritySwitch {
		t.Fatalf("expected a single durable KindAuthoritySwitch record, got %+v", records)
	}

	var payload wal.AuthoritySwitchPayload
	if err := json.Unmarshal(records[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal authority switch payload: %v", err)
	}
	if payload.NewPrimaryId != "r1" || payload.OldPrimaryId != "p1" || payload.Force {
		t.Fatalf("unexpected authority switch payload: %+v", payload)
	}
}

func TestPromote_ForceBypassesLivenessButIsRecorded(t *testing.T) {
	replicaWAL := openWAL(t, "replica")
	replica := NewNode(DefaultConfig("r1", "primary:0"), RoleReplica, replicaWAL, nil)
	// recovering stays true: a non-forced promotion would be denied here.

	if err := replica.RequestPromotion(true); err != nil {
		t.Fatalf("RequestPromotion: %v", err)
	}
	if err := replica.Promote("p1", true, []string{"single-writer"}, []string{"accepted data loss window"}); err != nil {
		t.Fatalf("force Promote: %v", err)
	}

	records, _ := replicaWAL.ReadFrom(0)
	var payload wal.AuthoritySwitchPayload
	if err := json.Unmarshal(records[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !payload.Force || len(payload.OverriddenInvariants) != 1 || len(payload.AcknowledgedRisks) != 1 {
		t.Fatalf("expected force-promotion to record overridden invariants and risks, got %+v", payload)
	}
}

func TestPrimaryShipsToLoopbackReplica(t *testing.T) {
	primaryWAL := openWAL(t, "primary")
	replicaWAL := openWAL(t, "replica")

	replica := NewNode(DefaultConfig("r1", "primary:0"), RoleReplica, replicaWAL, nil)
	replica.SetRecovering(false)

	primary := NewNode(DefaultConfig("p1", "replica:0"), RolePrimary, primaryWAL, &loopbackRPC{replica: replica})

	id := appendDocumentWrite(t, primaryWAL, "a", "1")

	primary.shipOnce()

	if replica.DurableCommitId() != id {
		t.Fatalf("expected replica durable commit id %d after shipOnce, got %d", id, replica.DurableCommitId())
	}
}
