package replication

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kartikbazzad/aerodb/mvcc"
	aeroerrors "github.com/kartikbazzad/aerodb/pkg/errors"
	"github.com/kartikbazzad/aerodb/wal"
)

// Role is the fixed 2-role replication topology: exactly one Primary,
// zero or more Replicas. Only a Primary may assign CommitIds (MVCC-2).
type Role int

const (
	RolePrimary Role = iota
	RoleReplica
)

func (r Role) String() string {
	if r == RolePrimary {
		return "Primary"
	}
	return "Replica"
}

// PromotionState is the promotion state machine: Steady, Candidate
// (awaiting operator confirmation), AuthorityTransitioning (atomic
// WAL-recorded authority switch in progress), DemotionPending.
type PromotionState int

const (
	Steady PromotionState = iota
	Candidate
	AuthorityTransitioning
	DemotionPending
)

func (s PromotionState) String() string {
	switch s {
	case Steady:
		return "Steady"
	case Candidate:
		return "Candidate"
	case AuthorityTransitioning:
		return "AuthorityTransitioning"
	case DemotionPending:
		return "DemotionPending"
	default:
		return "Unknown"
	}
}

// RPCClient is the outbound transport a Primary uses to ship WAL records
// to its Replica and to drive a promotion.
type RPCClient interface {
	ShipWAL(peer string, req ShipWALRequest) (ShipWALReply, error)
	Promote(peer string, req PromoteRequest) (PromoteReply, error)
}

// Config holds the parameters for a replication Node.
type Config struct {
	ID          string
	PeerAddress string
	HeartbeatMs int
}

func DefaultConfig(id, peerAddress string) *Config {
	return &Config{ID: id, PeerAddress: peerAddress, HeartbeatMs: 50}
}

// Node is a single participant in the 2-node replication topology. It has
// no election, no log-consistency voting, and no majority arithmetic:
// promotion is driven solely by explicit operator confirmation, never by
// a timeout.
type Node struct {
	mu sync.Mutex

	id        string
	role      Role
	promotion PromotionState
	authority *mvcc.CommitAuthority

	recovering    bool
	durableCommit wal.CommitId

	config *Config
	wal    *wal.WAL
	rpc    RPCClient

	heartbeatTimer *time.Ticker
	stopCh         chan struct{}
}

// NewNode constructs a Node bound to w, starting in role with promotion
// state Steady and recovering=true (a freshly-started node is not yet
// read-safe until the caller clears it via SetRecovering(false)).
func NewNode(cfg *Config, role Role, w *wal.WAL, rpc RPCClient) *Node {
	return &Node{
		id:            cfg.ID,
		role:          role,
		promotion:     Steady,
		authority:     mvcc.NewCommitAuthority(0, 0),
		recovering:    true,
		durableCommit: 0,
		config:        cfg,
		wal:           w,
		rpc:           rpc,
		stopCh:        make(chan struct{}),
	}
}

// Epoch returns this node's current authority incarnation number: it
// advances by exactly one on every successful Promote, including a
// force-promotion, and never otherwise.
func (n *Node) Epoch() uint64 {
	return n.authority.Epoch()
}

// Role reports the node's current role.
func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// PromotionState reports the node's current promotion state.
func (n *Node) PromotionState() PromotionState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.promotion
}

// SetRecovering marks whether the node is mid-recovery or mid-bootstrap;
// a Replica in this state never answers reads as read-safe regardless of
// its durable commit id.
func (n *Node) SetRecovering(recovering bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recovering = recovering
}

// DurableCommitId returns the replica's durable_wal_commit_id, the
// highest CommitId this node's local WAL has durably applied.
func (n *Node) DurableCommitId() wal.CommitId {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.durableCommit
}

// Start begins a Primary's periodic WAL-shipping heartbeat. A Replica
// does nothing on Start beyond being ready to receive ReceiveShipWAL
// calls from its transport adapter.
func (n *Node) Start() {
	n.mu.Lock()
	role := n.role
	interval := time.Duration(n.config.HeartbeatMs) * time.Millisecond
	n.mu.Unlock()

	if role != RolePrimary {
		return
	}

	n.heartbeatTimer = time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-n.heartbeatTimer.C:
				n.shipOnce()
			case <-n.stopCh:
				return
			}
		}
	}()
}

// Stop halts the heartbeat loop.
func (n *Node) Stop() {
	if n.heartbeatTimer != nil {
		n.heartbeatTimer.Stop()
	}
	select {
	case <-n.stopCh:
	default:
		close(n.stopCh)
	}
}

// shipOnce ships every WAL record after the peer's last known applied
// CommitId, over the installed RPCClient.
func (n *Node) shipOnce() {
	n.mu.Lock()
	if n.role != RolePrimary {
		n.mu.Unlock()
		return
	}
	from := n.durableCommit
	peer := n.config.PeerAddress
	n.mu.Unlock()

	records, err := n.wal.ReadFrom(from)
	if err != nil || len(records) == 0 {
		return
	}

	reply, err := n.rpc.ShipWAL(peer, ShipWALRequest{FromCommitId: from, Records: records})
	if err != nil || !reply.Success {
		return
	}

	n.mu.Lock()
	if reply.AppliedUpTo > n.durableCommit {
		n.durableCommit = reply.AppliedUpTo
	}
	n.mu.Unlock()
}

// ReceiveShipWAL is called by a Replica's transport adapter on an
// incoming ShipWALRequest. Records are applied to the local WAL verbatim
// (ApplyReplicated), preserving the shipped CommitIds; the Replica never
// assigns its own.
func (n *Node) ReceiveShipWAL(req ShipWALRequest) ShipWALReply {
	n.mu.Lock()
	role := n.role
	applied := n.durableCommit
	n.mu.Unlock()

	if role != RoleReplica {
		return ShipWALReply{AppliedUpTo: applied, Success: false, Error: "node is not a replica"}
	}

	for _, rec := range req.Records {
		if err := n.wal.ApplyReplicated(rec); err != nil {
			return ShipWALReply{AppliedUpTo: applied, Success: false, Error: err.Error()}
		}
		applied = rec.CommitId
	}

	n.mu.Lock()
	n.durableCommit = applied
	n.mu.Unlock()

	return ShipWALReply{AppliedUpTo: applied, Success: true}
}

// CheckReadSafe implements the replica read-safety rule: a replica may
// serve a read at ReadView upper bound R iff R <= durable_wal_commit_id
// and the replica is not mid-recovery or mid-bootstrap. A Primary is
// always read-safe against its own WAL.
func (n *Node) CheckReadSafe(upperBound wal.CommitId) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role == RolePrimary {
		return nil
	}
	if n.recovering {
		return aeroerrors.Validation(aeroerrors.CodeReplicaNotReadSafe,
			"replica is mid-recovery or mid-bootstrap", "")
	}
	if upperBound > n.durableCommit {
		return aeroerrors.Validation(aeroerrors.CodeReplicaNotReadSafe,
			fmt.Sprintf("read view upper bound %d exceeds durable wal commit id %d", upperBound, n.durableCommit), "")
	}
	return nil
}

// RequestPromotion drives Steady -> Candidate. confirmed must already
// reflect a successful control-plane confirmation flow; this method does
// not itself validate confirmation tokens.
func (n *Node) RequestPromotion(confirmed bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role != RoleReplica {
		return aeroerrors.Validation(aeroerrors.CodePromotionDenied, "only a replica may request promotion", "")
	}
	if n.promotion != Steady {
		return aeroerrors.Validation(aeroerrors.CodePromotionDenied,
			fmt.Sprintf("cannot request promotion from state %s", n.promotion), "")
	}
	if !confirmed {
		return aeroerrors.Validation(aeroerrors.CodePromotionDenied, "promotion requires operator confirmation", "")
	}

	n.promotion = Candidate
	return nil
}

// promotionPreconditionsMet holds the liveness check a non-forced
// promotion must satisfy: the replica is not mid-recovery/bootstrap.
// Whether it has caught up with the Primary's WAL is not checked.
// Force-promotion bypasses this entirely.
func (n *Node) promotionPreconditionsMet(force bool) bool {
	if force {
		return true
	}
	return !n.recovering
}

// Promote advances Candidate -> AuthorityTransitioning -> Steady,
// appending the single atomic KindAuthoritySwitch WAL record that both
// terminates the old Primary's authority and grants this node's. force
// bypasses liveness checks and is only ever true when the caller is the
// control plane's enhanced-confirmation path, which has already verified
// responsibility_accepted and recorded the overridden invariants.
func (n *Node) Promote(oldPrimaryId string, force bool, overriddenInvariants, acknowledgedRisks []string) error {
	n.mu.Lock()
	if n.promotion != Candidate {
		n.mu.Unlock()
		return aeroerrors.Validation(aeroerrors.CodePromotionDenied,
			fmt.Sprintf("cannot promote from state %s", n.promotion), "")
	}
	if !n.promotionPreconditionsMet(force) {
		n.promotion = Steady
		n.mu.Unlock()
		return aeroerrors.Validation(aeroerrors.CodePromotionDenied, "promotion preconditions not met", "")
	}
	n.promotion = AuthorityTransitioning
	epoch := n.authority.Epoch() + 1
	n.mu.Unlock()

	payload := wal.AuthoritySwitchPayload{
		OldPrimaryId:         oldPrimaryId,
		NewPrimaryId:         n.id,
		Epoch:                epoch,
		Force:                force,
		OverriddenInvariants: overriddenInvariants,
		AcknowledgedRisks:    acknowledgedRisks,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		n.mu.Lock()
		n.promotion = Steady
		n.mu.Unlock()
		return aeroerrors.KernelRejection(aeroerrors.CodePromotionDenied, "failed to encode authority switch record", err)
	}

	record := &wal.Record{Kind: wal.KindAuthoritySwitch, Payload: payloadBytes}
	if _, err := n.wal.Append(record); err != nil {
		n.mu.Lock()
		n.promotion = Steady
		n.mu.Unlock()
		return aeroerrors.KernelRejection(aeroerrors.CodePromotionDenied, "failed to append authority switch record", err)
	}
	if err := n.wal.Sync(); err != nil {
		// The record is on disk but not durably fsynced; the transition
		// cannot be declared complete. Leave promotion state as-is so a
		// retry or operator inspection can observe it mid-transition
		// rather than silently reverting to Steady.
		return aeroerrors.KernelRejection(aeroerrors.CodePromotionDenied, "failed to fsync authority switch record", err)
	}

	n.mu.Lock()
	n.authority.AdvanceEpoch()
	n.role = RolePrimary
	n.promotion = Steady
	n.mu.Unlock()

	return nil
}

// Demote transitions a Primary into DemotionPending ahead of a peer's
// promotion, so it stops shipping heartbeats it no longer owns once the
// new Primary's authority switch record is durable.
func (n *Node) Demote() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.promotion = DemotionPending
	n.role = RoleReplica
}
