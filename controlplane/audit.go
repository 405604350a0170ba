package controlplane

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Outcome is the result recorded against an audit entry.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeDenied  Outcome = "DENIED"
	OutcomeError   Outcome = "ERROR"
)

// AuditEntry is a single append-only control-plane audit record. id, ts,
// action and outcome are always present; the rest are populated only when
// they apply to the action being recorded.
type AuditEntry struct {
	ID        string    `json:"id"`
	Ts        time.Time `json:"ts"`
	Action    string    `json:"action"`
	Outcome   Outcome   `json:"outcome"`
	Command   string    `json:"cmd,omitempty"`
	ReqID     string    `json:"req_id,omitempty"`
	Target    string    `json:"target,omitempty"`
	Auth      string    `json:"auth,omitempty"`
	Operator  string    `json:"operator,omitempty"`
	Token     string    `json:"token,omitempty"`
	Error     string    `json:"error,omitempty"`
	Invariant string    `json:"invariant,omitempty"`
}

// AuditLogger appends AuditEntry records to an append-only file, fsyncing
// each record before returning so an acknowledgement is never sent to an
// operator ahead of the record that justifies it being durable.
type AuditLogger struct {
	file *os.File
	mu   sync.Mutex
}

// NewAuditLogger opens (creating if necessary) the audit log at path for
// append.
func NewAuditLogger(path string) (*AuditLogger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("controlplane: open audit log: %w", err)
	}
	return &AuditLogger{file: file}, nil
}

// Log appends entry, fsyncing before it returns.
func (l *AuditLogger) Log(entry AuditEntry) error {
	if l.file == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	encoder := json.NewEncoder(l.file)
	if err := encoder.Encode(entry); err != nil {
		return fmt.Errorf("controlplane: write audit entry: %w", err)
	}
	return l.file.Sync()
}

// Close closes the underlying file.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// DiscardAuditLogger returns a logger that drops every entry, for tests
// and for callers that haven't configured a durable audit path yet.
func DiscardAuditLogger() *AuditLogger {
	return &AuditLogger{file: nil}
}
