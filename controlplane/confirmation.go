package controlplane

import (
	"sync"
	"time"

	"github.com/google/uuid"

	aeroerrors "github.com/kartikbazzad/aerodb/pkg/errors"
)

// confirmationTTL is how long a minted token stays valid. Tokens are held
// only in memory; a process restart drops every pending confirmation and
// the operator must resubmit.
const confirmationTTL = 5 * time.Minute

// ConfirmationToken is minted the first time a confirmable command is
// submitted without one, and consumed at most once on a matching resubmit.
type ConfirmationToken struct {
	id        string
	command   string
	targetId  string
	issuedAt  time.Time
	expiresAt time.Time
	consumed  bool
}

func newConfirmationToken(command, targetId string) *ConfirmationToken {
	now := time.Now()
	return &ConfirmationToken{
		id:        uuid.NewString(),
		command:   command,
		targetId:  targetId,
		issuedAt:  now,
		expiresAt: now.Add(confirmationTTL),
	}
}

// ID returns the token's opaque identifier, handed back to the operator so
// it can be echoed on resubmit.
func (t *ConfirmationToken) ID() string { return t.id }

// EnhancedConfirmation is layered on top of a normal confirmation token for
// commands whose RequiresEnhancedConfirmation is true (force-promotion):
// every invariant the operator chooses to override must carry exactly one
// acknowledged risk, and the operator must explicitly accept responsibility.
type EnhancedConfirmation struct {
	OverriddenInvariants   []string
	AcknowledgedRisks      []string
	ResponsibilityAccepted bool
}

// IsComplete reports whether the enhanced confirmation carries a 1:1
// invariant-to-risk mapping and explicit responsibility acceptance. An
// empty OverriddenInvariants list is never complete: force-promotion
// always overrides at least the single-writer liveness precondition.
func (e EnhancedConfirmation) IsComplete() bool {
	return e.ResponsibilityAccepted &&
		len(e.OverriddenInvariants) > 0 &&
		len(e.OverriddenInvariants) == len(e.AcknowledgedRisks)
}

// ConfirmationFlow holds the ephemeral, single-process confirmation state
// for a control plane instance. Tokens never persist to disk or survive a
// restart.
type ConfirmationFlow struct {
	mu     sync.Mutex
	tokens map[string]*ConfirmationToken
}

func NewConfirmationFlow() *ConfirmationFlow {
	return &ConfirmationFlow{tokens: make(map[string]*ConfirmationToken)}
}

// RequestConfirmation mints a new token bound to command and targetId.
func (f *ConfirmationFlow) RequestConfirmation(command, targetId string) *ConfirmationToken {
	f.mu.Lock()
	defer f.mu.Unlock()
	token := newConfirmationToken(command, targetId)
	f.tokens[token.id] = token
	return token
}

// Confirm validates tokenId against command and targetId and, on success,
// consumes it. The token is left in the map after consumption (rather than
// deleted) so a second confirm attempt against the same id is reported as
// reuse rather than as an unknown token.
func (f *ConfirmationFlow) Confirm(tokenId, command, targetId string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	token, ok := f.tokens[tokenId]
	if !ok {
		return aeroerrors.Validation(aeroerrors.CodeConfirmationMissing,
			"confirmation token not found", "")
	}
	if token.consumed {
		return aeroerrors.Validation(aeroerrors.CodeConfirmationReused,
			"confirmation token already consumed; a new confirmation is required", "")
	}
	if time.Now().After(token.expiresAt) {
		return aeroerrors.Validation(aeroerrors.CodeConfirmationExpired,
			"confirmation token expired; please reconfirm", "")
	}
	if token.command != command || token.targetId != targetId {
		return aeroerrors.Validation(aeroerrors.CodeConfirmationMismatch,
			"confirmation token does not match the command and target it was issued for", "")
	}

	token.consumed = true
	return nil
}

// Reject discards a pending token without consuming it, e.g. when the
// operator cancels before resubmitting.
func (f *ConfirmationFlow) Reject(tokenId string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens, tokenId)
}

// Prune removes expired, already-consumed tokens so a long-lived control
// plane process doesn't accumulate them forever. It has no effect on the
// confirmation semantics above: a still-consumed-but-unpruned token keeps
// reporting reuse until it is pruned.
func (f *ConfirmationFlow) Prune(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, token := range f.tokens {
		if token.consumed && now.After(token.expiresAt) {
			delete(f.tokens, id)
		}
	}
}
