package controlplane

// Command is the closed set of control plane commands. If a command isn't
// one of the concrete types below, it doesn't exist: the kernel-boundary
// adapter refuses to dispatch anything else.
type Command interface {
	CommandName() string
	IsMutating() bool
	RequiresConfirmation() bool
	RequiresEnhancedConfirmation() bool
	// TargetID returns the node/replica this command addresses, or "" if
	// the command has no single target (e.g. cluster-wide inspection).
	TargetID() string
}

// Inspection commands are read-only and never require confirmation.

type InspectClusterState struct{}

func (InspectClusterState) CommandName() string                { return "inspect_cluster_state" }
func (InspectClusterState) IsMutating() bool                   { return false }
func (InspectClusterState) RequiresConfirmation() bool         { return false }
func (InspectClusterState) RequiresEnhancedConfirmation() bool { return false }
func (InspectClusterState) TargetID() string                   { return "" }

type InspectNode struct {
	NodeID string
}

func (InspectNode) CommandName() string                { return "inspect_node" }
func (InspectNode) IsMutating() bool                   { return false }
func (InspectNode) RequiresConfirmation() bool         { return false }
func (InspectNode) RequiresEnhancedConfirmation() bool { return false }
func (c InspectNode) TargetID() string                 { return c.NodeID }

type InspectReplicationStatus struct{}

func (InspectReplicationStatus) CommandName() string                { return "inspect_replication_status" }
func (InspectReplicationStatus) IsMutating() bool                   { return false }
func (InspectReplicationStatus) RequiresConfirmation() bool         { return false }
func (InspectReplicationStatus) RequiresEnhancedConfirmation() bool { return false }
func (InspectReplicationStatus) TargetID() string                   { return "" }

type InspectPromotionState struct{}

func (InspectPromotionState) CommandName() string                { return "inspect_promotion_state" }
func (InspectPromotionState) IsMutating() bool                   { return false }
func (InspectPromotionState) RequiresConfirmation() bool         { return false }
func (InspectPromotionState) RequiresEnhancedConfirmation() bool { return false }
func (InspectPromotionState) TargetID() string                   { return "" }

// Diagnostic commands are read-only but may be disruptive or expensive.
// Only RunDiagnostics is expensive enough to require confirmation.

type RunDiagnostics struct{}

func (RunDiagnostics) CommandName() string                { return "run_diagnostics" }
func (RunDiagnostics) IsMutating() bool                   { return false }
func (RunDiagnostics) RequiresConfirmation() bool         { return true }
func (RunDiagnostics) RequiresEnhancedConfirmation() bool { return false }
func (RunDiagnostics) TargetID() string                   { return "" }

type InspectWAL struct{}

func (InspectWAL) CommandName() string                { return "inspect_wal" }
func (InspectWAL) IsMutating() bool                   { return false }
func (InspectWAL) RequiresConfirmation() bool         { return false }
func (InspectWAL) RequiresEnhancedConfirmation() bool { return false }
func (InspectWAL) TargetID() string                   { return "" }

type InspectSnapshots struct{}

func (InspectSnapshots) CommandName() string                { return "inspect_snapshots" }
func (InspectSnapshots) IsMutating() bool                   { return false }
func (InspectSnapshots) RequiresConfirmation() bool         { return false }
func (InspectSnapshots) RequiresEnhancedConfirmation() bool { return false }
func (InspectSnapshots) TargetID() string                   { return "" }

// Control commands mutate kernel state and always require confirmation.
// ForcePromotion additionally requires enhanced confirmation.

type RequestPromotion struct {
	ReplicaID string
	Reason    string
}

func (RequestPromotion) CommandName() string                { return "request_promotion" }
func (RequestPromotion) IsMutating() bool                   { return true }
func (RequestPromotion) RequiresConfirmation() bool         { return true }
func (RequestPromotion) RequiresEnhancedConfirmation() bool { return false }
func (c RequestPromotion) TargetID() string                 { return c.ReplicaID }

type RequestDemotion struct {
	NodeID string
	Reason string
}

func (RequestDemotion) CommandName() string                { return "request_demotion" }
func (RequestDemotion) IsMutating() bool                   { return true }
func (RequestDemotion) RequiresConfirmation() bool         { return true }
func (RequestDemotion) RequiresEnhancedConfirmation() bool { return false }
func (c RequestDemotion) TargetID() string                 { return c.NodeID }

// ForcePromotion bypasses the promotion liveness checks. It is admitted
// only through the enhanced confirmation path: every invariant the
// operator overrides must carry an acknowledged risk, and the operator
// must set ResponsibilityAccepted on the enhanced confirmation.
type ForcePromotion struct {
	ReplicaID            string
	Reason               string
	OverriddenInvariants []string
	AcknowledgedRisks    []string
}

func (ForcePromotion) CommandName() string                { return "force_promotion" }
func (ForcePromotion) IsMutating() bool                   { return true }
func (ForcePromotion) RequiresConfirmation() bool         { return true }
func (ForcePromotion) RequiresEnhancedConfirmation() bool { return true }
func (c ForcePromotion) TargetID() string                 { return c.ReplicaID }
