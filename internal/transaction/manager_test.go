package transaction

import (
	"testing"
	"time"

	"github.com/kartikbazzad/aerodb/wal"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	log, err := wal.NewWAL(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return NewManager(log)
}

func TestTransactionBeginCommit(t *testing.T) {
	m := newTestManager(t)

	txn, err := m.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if txn.ID == 0 {
		t.Error("transaction id should be non-zero")
	}
	if txn.Status != StatusActive {
		t.Error("new transaction should be active")
	}

	if err := m.Write(txn, "key1", []byte("value1")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := m.Write(txn, "key2", []byte("value2")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if got := len(txn.WriteSet()); got != 2 {
		t.Errorf("expected 2 writes, got %d", got)
	}

	if err := m.Commit(txn); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if txn.Status != StatusCommitted {
		t.Error("transaction should be committed")
	}
	if got := m.ActiveCount(); got != 0 {
		t.Errorf("expected 0 active transactions, got %d", got)
	}
}

func TestTransactionRollbackDiscardsWrites(t *testing.T) {
	m := newTestManager(t)

	txn, err := m.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := m.Write(txn, "key1", []byte("value1")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := m.Rollback(txn); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if txn.Status != StatusAborted {
		t.Error("transaction should be aborted")
	}
	if got := m.ActiveCount(); got != 0 {
		t.Errorf("expected 0 active transactions, got %d", got)
	}
}

func TestWriteAfterCommitFails(t *testing.T) {
	m := newTestManager(t)

	txn, _ := m.Begin()
	if err := m.Commit(txn); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := m.Write(txn, "key1", []byte("value1")); err == nil {
		t.Fatal("expected write on a committed transaction to fail")
	}
}

func TestReadOwnWrites(t *testing.T) {
	m := newTestManager(t)

	txn, err := m.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := m.Write(txn, "test_key", []byte("test_value")); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := m.Read(txn, "test_key")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "test_value" {
		t.Errorf("expected test_value, got %s", got)
	}

	if _, err := m.Read(txn, "never_written"); err == nil {
		t.Fatal("expected read of an unwritten key to fail")
	}

	m.Rollback(txn)
}

func TestWriteSetDedupesLatestValuePerKey(t *testing.T) {
	m := newTestManager(t)

	txn, _ := m.Begin()
	m.Write(txn, "key1", []byte("first"))
	m.Write(txn, "key1", []byte("second"))

	writes := txn.WriteSet()
	if len(writes) != 1 {
		t.Fatalf("expected one entry per key, got %d", len(writes))
	}
	if string(writes[0].Value) != "second" {
		t.Errorf("expected latest write to win, got %s", writes[0].Value)
	}

	m.Rollback(txn)
}

func TestConcurrentTransactionsAllCommit(t *testing.T) {
	m := newTestManager(t)

	const numTxns = 10
	done := make(chan error, numTxns)

	for i := 0; i < numTxns; i++ {
		go func(i int) {
			txn, err := m.Begin()
			if err != nil {
				done <- err
				return
			}
			if err := m.Write(txn, string(rune('a'+i)), []byte("value")); err != nil {
				done <- err
				return
			}
			time.Sleep(time.Millisecond)
			done <- m.Commit(txn)
		}(i)
	}

	for i := 0; i < numTxns; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("transaction failed: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for transactions")
		}
	}

	if got := m.ActiveCount(); got != 0 {
		t.Errorf("expected 0 active transactions, got %d", got)
	}
}
