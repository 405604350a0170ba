package controlplane

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	aeroerrors "github.com/kartikbazzad/aerodb/pkg/errors"
	"github.com/kartikbazzad/aerodb/replication"
	"github.com/kartikbazzad/aerodb/snapshot"
	"github.com/kartikbazzad/aerodb/wal"
)

func withTimestamp(entry AuditEntry) AuditEntry {
	entry.Ts = time.Now().UTC()
	return entry
}

// KernelAdapter is the only path from the control plane into the kernel.
// Every method maps 1:1 onto exactly one kernel action: the handler never
// batches or chains calls across KernelAdapter methods, and never
// reinterprets an error it returns.
type KernelAdapter struct {
	Node     *replication.Node
	WAL      *wal.WAL
	Snapshot *snapshot.Manager
}

// Handler routes CommandRequests through authority checks, the
// confirmation flow, and finally the kernel-boundary adapter. One Handler
// serves one node's control plane endpoint.
type Handler struct {
	confirmation *ConfirmationFlow
	audit        *AuditLogger
	kernel       *KernelAdapter
	nodeID       string
}

func NewHandler(nodeID string, kernel *KernelAdapter, audit *AuditLogger) *Handler {
	if audit == nil {
		audit = DiscardAuditLogger()
	}
	return &Handler{
		confirmation: NewConfirmationFlow(),
		audit:        audit,
		kernel:       kernel,
		nodeID:       nodeID,
	}
}

// HandleCommand dispatches a single CommandRequest: validate authority,
// route through confirmation if required, then execute against the
// kernel-boundary adapter.
func (h *Handler) HandleCommand(req CommandRequest) (CommandResponse, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	if req.Command.IsMutating() && !req.Authority.CanMutate() {
		err := aeroerrors.Validation(aeroerrors.CodeAuthorityInsufficient,
			fmt.Sprintf("required authority: OPERATOR, actual: %s", req.Authority.Level), "")
		h.logAudit(req, OutcomeDenied, err)
		return CommandResponse{}, err
	}

	if req.Command.RequiresConfirmation() {
		return h.handleConfirmable(req)
	}

	return h.execute(req)
}

func (h *Handler) handleConfirmable(req CommandRequest) (CommandResponse, error) {
	name := req.Command.CommandName()
	target := req.Command.TargetID()

	if req.ConfirmationToken == "" {
		token := h.confirmation.RequestConfirmation(name, target)
		resp := CommandResponse{
			RequestID:         req.RequestID,
			CommandName:       name,
			Outcome:           CommandAwaitingConfirmation,
			ConfirmationToken: token.ID(),
		}
		h.logAuditResponse(req, resp, nil)
		return resp, nil
	}

	if err := h.confirmation.Confirm(req.ConfirmationToken, name, target); err != nil {
		h.logAudit(req, OutcomeDenied, err)
		return CommandResponse{}, err
	}

	if req.Command.RequiresEnhancedConfirmation() && !req.Enhanced.IsComplete() {
		err := aeroerrors.Validation(aeroerrors.CodeIncompleteEnhancedConfirmation,
			"override command requires complete enhanced confirmation with all risks acknowledged", "")
		h.logAudit(req, OutcomeDenied, err)
		return CommandResponse{}, err
	}

	return h.execute(req)
}

func (h *Handler) execute(req CommandRequest) (CommandResponse, error) {
	resp := CommandResponse{
		RequestID:   req.RequestID,
		CommandName: req.Command.CommandName(),
		Outcome:     CommandSuccess,
	}

	var data interface{}
	var err error

	switch cmd := req.Command.(type) {
	case InspectClusterState:
		data = h.inspectClusterState()
	case InspectNode:
		data = h.inspectNode(cmd.NodeID)
	case InspectReplicationStatus:
		data = h.inspectReplicationStatus()
	case InspectPromotionState:
		data = h.inspectPromotionState()
	case RunDiagnostics:
		data = h.runDiagnostics()
	case InspectWAL:
		data = h.inspectWAL()
	case InspectSnapshots:
		data = h.inspectSnapshots()
	case RequestPromotion:
		data, err = h.requestPromotion(cmd)
	case RequestDemotion:
		data, err = h.requestDemotion(cmd)
	case ForcePromotion:
		data, err = h.forcePromotion(cmd)
	default:
		err = aeroerrors.OperatorInput(aeroerrors.CodeSchemaValidation, "unrecognized command")
	}

	if err != nil {
		resp.Outcome = CommandFailed
		resp.ErrorMessage = err.Error()
		h.logAuditResponse(req, resp, err)
		return resp, err
	}

	resp.Data = data
	h.logAuditResponse(req, resp, nil)
	return resp, nil
}

func (h *Handler) inspectClusterState() ClusterState {
	state := ClusterState{}
	if h.kernel != nil && h.kernel.Node != nil {
		if h.kernel.Node.Role() == replication.RolePrimary {
			state.PrimaryID = h.nodeID
		}
	}
	return state
}

func (h *Handler) inspectNode(nodeID string) NodeState {
	state := NodeState{NodeID: nodeID}
	if h.kernel != nil && h.kernel.Node != nil && nodeID == h.nodeID {
		state.Role = h.kernel.Node.Role().String()
		state.WALPosition = uint64(h.kernel.Node.DurableCommitId())
	}
	return state
}

func (h *Handler) inspectReplicationStatus() ReplicationStatusView {
	view := ReplicationStatusView{}
	if h.kernel != nil && h.kernel.Node != nil {
		if h.kernel.Node.Role() == replication.RolePrimary {
			view.PrimaryID = h.nodeID
		} else {
			view.ReplicaID = h.nodeID
		}
		view.DurableUpTo = uint64(h.kernel.Node.DurableCommitId())
	}
	return view
}

func (h *Handler) inspectPromotionState() PromotionStateView {
	view := PromotionStateView{State: "Unknown"}
	if h.kernel != nil && h.kernel.Node != nil {
		view.State = h.kernel.Node.PromotionState().String()
	}
	return view
}

func (h *Handler) runDiagnostics() DiagnosticResult {
	sections := map[string]string{}
	if h.kernel != nil {
		if h.kernel.WAL != nil {
			sections["wal_current_commit_id"] = fmt.Sprintf("%d", h.kernel.WAL.CurrentCommitId())
		}
		if h.kernel.Node != nil {
			sections["role"] = h.kernel.Node.Role().String()
			sections["promotion_state"] = h.kernel.Node.PromotionState().String()
		}
	}
	return DiagnosticResult{Sections: sections}
}

func (h *Handler) inspectWAL() WALInfoView {
	view := WALInfoView{}
	if h.kernel != nil && h.kernel.WAL != nil {
		view.CurrentPosition = uint64(h.kernel.WAL.CurrentCommitId())
	}
	return view
}

func (h *Handler) inspectSnapshots() SnapshotInfoView {
	view := SnapshotInfoView{}
	if h.kernel != nil && h.kernel.Snapshot != nil {
		if manifest, ok := h.kernel.Snapshot.Latest(); ok {
			view.LatestSnapshotID = manifest.SnapshotId
			view.LatestCommitID = manifest.CommitId
			view.FormatVersion = manifest.FormatVersion
		}
	}
	return view
}

func (h *Handler) requestPromotion(cmd RequestPromotion) (PromotionResultData, error) {
	if h.kernel == nil || h.kernel.Node == nil {
		return PromotionResultData{}, aeroerrors.KernelRejection(aeroerrors.CodePromotionDenied, "no replication node configured", nil)
	}
	if err := h.kernel.Node.RequestPromotion(true); err != nil {
		return PromotionResultData{}, err
	}
	return PromotionResultData{ReplicaID: cmd.ReplicaID, Success: true, NewRole: "Candidate"}, nil
}

func (h *Handler) requestDemotion(cmd RequestDemotion) (PromotionResultData, error) {
	if h.kernel == nil || h.kernel.Node == nil {
		return PromotionResultData{}, aeroerrors.KernelRejection(aeroerrors.CodePromotionDenied, "no replication node configured", nil)
	}
	h.kernel.Node.Demote()
	return PromotionResultData{ReplicaID: cmd.NodeID, Success: true, NewRole: replication.RoleReplica.String()}, nil
}

func (h *Handler) forcePromotion(cmd ForcePromotion) (PromotionResultData, error) {
	if h.kernel == nil || h.kernel.Node == nil {
		return PromotionResultData{}, aeroerrors.KernelRejection(aeroerrors.CodePromotionDenied, "no replication node configured", nil)
	}
	if err := h.kernel.Node.RequestPromotion(true); err != nil {
		return PromotionResultData{}, err
	}
	if err := h.kernel.Node.Promote("", true, cmd.OverriddenInvariants, cmd.AcknowledgedRisks); err != nil {
		return PromotionResultData{}, err
	}
	return PromotionResultData{ReplicaID: cmd.ReplicaID, Success: true, NewRole: replication.RolePrimary.String()}, nil
}

func (h *Handler) logAudit(req CommandRequest, outcome Outcome, err error) {
	entry := AuditEntry{
		ID:       uuid.NewString(),
		Action:   req.Command.CommandName(),
		Outcome:  outcome,
		Command:  req.Command.CommandName(),
		ReqID:    req.RequestID,
		Target:   req.Command.TargetID(),
		Auth:     req.Authority.Level.String(),
		Operator: req.Authority.Operator,
		Token:    req.ConfirmationToken,
	}
	if err != nil {
		entry.Error = err.Error()
		if kerr, ok := err.(*aeroerrors.KernelError); ok {
			entry.Invariant = kerr.Invariant
		}
	}
	h.audit.Log(withTimestamp(entry))
}

func (h *Handler) logAuditResponse(req CommandRequest, resp CommandResponse, err error) {
	outcome := OutcomeSuccess
	switch resp.Outcome {
	case CommandFailed:
		outcome = OutcomeError
	case CommandRejected:
		outcome = OutcomeDenied
	}
	entry := AuditEntry{
		ID:       uuid.NewString(),
		Action:   req.Command.CommandName(),
		Outcome:  outcome,
		Command:  req.Command.CommandName(),
		ReqID:    req.RequestID,
		Target:   req.Command.TargetID(),
		Auth:     req.Authority.Level.String(),
		Operator: req.Authority.Operator,
		Token:    resp.ConfirmationToken,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	h.audit.Log(withTimestamp(entry))
}
