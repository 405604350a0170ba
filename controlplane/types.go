package controlplane

import "time"

// Outcome of dispatching a CommandRequest through the control plane.
type CommandOutcome string

const (
	CommandSuccess              CommandOutcome = "SUCCESS"
	CommandRejected             CommandOutcome = "REJECTED"
	CommandFailed               CommandOutcome = "FAILED"
	CommandAwaitingConfirmation CommandOutcome = "AWAITING_CONFIRMATION"
)

// CommandRequest is a single operator-initiated action. RequestID
// correlates it through the audit log; ConfirmationToken is populated on
// the resubmit of a confirmable command.
type CommandRequest struct {
	RequestID         string
	Command           Command
	Authority         Context
	ConfirmationToken string
	Enhanced          EnhancedConfirmation
	Timestamp         time.Time
}

// CommandResponse is returned to the operator after dispatch.
type CommandResponse struct {
	RequestID         string
	CommandName       string
	Outcome           CommandOutcome
	Timestamp         time.Time
	ConfirmationToken string
	Data              interface{}
	ErrorMessage      string
}

// ClusterState is the presentation view of cluster topology. Per the
// underlying state model, this is derived for human consumption only:
// nothing here is authoritative.
type ClusterState struct {
	PrimaryID    string    `json:"primary_id,omitempty"`
	Replicas     []string  `json:"replicas"`
	SnapshotTime time.Time `json:"snapshot_time"`
}

type NodeState struct {
	NodeID       string    `json:"node_id"`
	Role         string    `json:"role"`
	WALPosition  uint64    `json:"wal_position"`
	SnapshotTime time.Time `json:"snapshot_time"`
}

type ReplicationStatusView struct {
	PrimaryID    string    `json:"primary_id,omitempty"`
	ReplicaID    string    `json:"replica_id,omitempty"`
	DurableUpTo  uint64    `json:"durable_up_to"`
	SnapshotTime time.Time `json:"snapshot_time"`
}

type PromotionStateView struct {
	State        string    `json:"state"`
	Epoch        uint64    `json:"epoch"`
	SnapshotTime time.Time `json:"snapshot_time"`
}

type WALInfoView struct {
	CurrentPosition uint64    `json:"current_position"`
	SnapshotTime    time.Time `json:"snapshot_time"`
}

type SnapshotInfoView struct {
	LatestSnapshotID string    `json:"latest_snapshot_id,omitempty"`
	LatestCommitID   uint64    `json:"latest_commit_id"`
	FormatVersion    uint32    `json:"format_version,omitempty"`
	SnapshotTime     time.Time `json:"snapshot_time"`
}

type DiagnosticResult struct {
	Sections    map[string]string `json:"sections"`
	CollectedAt time.Time         `json:"collected_at"`
}

type PromotionResultData struct {
	ReplicaID   string `json:"replica_id"`
	Success     bool   `json:"success"`
	NewRole     string `json:"new_role,omitempty"`
	Explanation string `json:"explanation,omitempty"`
}
