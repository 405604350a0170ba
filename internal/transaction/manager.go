// Package transaction accumulates a transaction's write set in memory and
// flushes it to the WAL as a single atomic commit. There is exactly one
// visibility rule in this engine (see mvcc.LatestVisible), so a
// transaction has nothing to isolate against except its own uncommitted
// writes.
package transaction

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	aeroerrors "github.com/kartikbazzad/aerodb/pkg/errors"
	"github.com/kartikbazzad/aerodb/wal"
)

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Status is a transaction's position in its lifecycle.
type Status int

const (
	StatusActive Status = iota
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusCommitted:
		return "Committed"
	case StatusAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// write is one accumulated (key, value) pair. Tombstone writes carry a nil
// Value.
type write struct {
	Key   string
	Value []byte
}

// Transaction accumulates writes until Commit or Rollback. WriteSet
// preserves insertion order so Commit flushes records in the order the
// caller issued them.
type Transaction struct {
	ID     uint64
	Status Status

	mu     sync.Mutex
	writes []write
	byKey  map[string]int // key -> index into writes, for read-own-writes
}

// WriteSet returns a snapshot of the transaction's accumulated writes in
// issue order, one entry per key most recently written.
func (t *Transaction) WriteSet() []struct {
	Key   string
	Value []byte
} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]struct {
		Key   string
		Value []byte
	}, len(t.writes))
	for i, w := range t.writes {
		out[i] = struct {
			Key   string
			Value []byte
		}{Key: w.Key, Value: w.Value}
	}
	return out
}

// Manager begins, reads through, commits, and rolls back transactions. A
// committed transaction's write set is flushed to the WAL as one
// KindBegin record, one KindDocumentWrite/KindTombstone record per write,
// and a closing KindCommit record.
type Manager struct {
	log *wal.WAL

	mu     sync.Mutex
	nextID atomic.Uint64
	active map[uint64]*Transaction
}

// NewManager creates a Manager that flushes committed write sets to log.
func NewManager(log *wal.WAL) *Manager {
	return &Manager{
		log:    log,
		active: make(map[uint64]*Transaction),
	}
}

// Begin starts a new transaction with an empty write set.
func (m *Manager) Begin() (*Transaction, error) {
	id := m.nextID.Add(1)
	txn := &Transaction{
		ID:     id,
		Status: StatusActive,
		byKey:  make(map[string]int),
	}

	m.mu.Lock()
	m.active[id] = txn
	m.mu.Unlock()

	return txn, nil
}

// Write appends (key, value) to txn's write set, overwriting any prior
// write to the same key within this transaction.
func (m *Manager) Write(txn *Transaction, key string, value []byte) error {
	if txn.Status != StatusActive {
		return fmt.Errorf("transaction: cannot write to a %s transaction", txn.Status)
	}

	txn.mu.Lock()
	defer txn.mu.Unlock()
	if idx, ok := txn.byKey[key]; ok {
		txn.writes[idx].Value = value
		return nil
	}
	txn.byKey[key] = len(txn.writes)
	txn.writes = append(txn.writes, write{Key: key, Value: value})
	return nil
}

// Read returns the value txn itself most recently wrote to key. It never
// sees committed state from other transactions: a transaction's write set
// is only visible to itself until Commit flushes it to the WAL, at which
// point readers go through the kernel's normal visibility path instead.
func (m *Manager) Read(txn *Transaction, key string) ([]byte, error) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	idx, ok := txn.byKey[key]
	if !ok {
		return nil, aeroerrors.OperatorInput(aeroerrors.CodeDocumentNotFound,
			fmt.Sprintf("key %q not written by this transaction", key))
	}
	return txn.writes[idx].Value, nil
}

// Commit flushes txn's write set to the WAL inside a Begin/Commit record
// pair and marks the transaction committed. An empty write set still
// produces a Begin/Commit pair, so the WAL records the transaction
// happened even if it wrote nothing.
func (m *Manager) Commit(txn *Transaction) error {
	if txn.Status != StatusActive {
		return fmt.Errorf("transaction: cannot commit a %s transaction", txn.Status)
	}

	if _, err := m.log.Append(&wal.Record{Kind: wal.KindBegin}); err != nil {
		return aeroerrors.KernelRejection(aeroerrors.CodeWALCorrupt, "begin record failed", err)
	}

	txn.mu.Lock()
	writes := append([]write(nil), txn.writes...)
	txn.mu.Unlock()

	for _, w := range writes {
		var record *wal.Record
		if w.Value == nil {
			record = &wal.Record{Kind: wal.KindTombstone, Payload: mustMarshal(wal.TombstonePayload{Key: w.Key})}
		} else {
			record = &wal.Record{Kind: wal.KindDocumentWrite, Payload: mustMarshal(wal.DocumentWritePayload{Key: w.Key, Value: w.Value})}
		}
		if _, err := m.log.Append(record); err != nil {
			return aeroerrors.KernelRejection(aeroerrors.CodeWALCorrupt, "write record failed", err)
		}
	}

	if _, err := m.log.Append(&wal.Record{Kind: wal.KindCommit}); err != nil {
		return aeroerrors.KernelRejection(aeroerrors.CodeWALCorrupt, "commit record failed", err)
	}
	if err := m.log.Sync(); err != nil {
		return aeroerrors.KernelRejection(aeroerrors.CodeWALCorrupt, "commit fsync failed", err)
	}

	txn.Status = StatusCommitted
	m.forget(txn.ID)
	return nil
}

// Rollback discards txn's write set without writing anything to the WAL.
func (m *Manager) Rollback(txn *Transaction) error {
	if txn.Status != StatusActive {
		return fmt.Errorf("transaction: cannot roll back a %s transaction", txn.Status)
	}
	txn.Status = StatusAborted
	m.forget(txn.ID)
	return nil
}

func (m *Manager) forget(id uint64) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// ActiveCount returns the number of transactions currently in StatusActive.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
