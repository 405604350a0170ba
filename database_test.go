package aerodb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kartikbazzad/aerodb/pipeline"
	"github.com/kartikbazzad/aerodb/rules"
	"github.com/kartikbazzad/aerodb/storage"
)

func adminOpCtx() *pipeline.OpContext {
	return pipeline.NewOpContext("req-1", &rules.AuthContext{UID: "admin", IsAdmin: true})
}

func openTestEngine(t *testing.T) (*Engine, EngineConfig) {
	t.Helper()
	cfg := DefaultEngineConfig()
	cfg.DataDir = t.TempDir()
	engine, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine, cfg
}

func TestOpenWriteReadRoundTrip(t *testing.T) {
	engine, _ := openTestEngine(t)

	writeOp := pipeline.Operation{
		Kind:       pipeline.Write,
		Collection: "users",
		Key:        "u1",
		Document:   storage.Document{"name": "ada"},
	}
	if _, err := engine.Dispatch(context.Background(), writeOp, adminOpCtx()); err != nil {
		t.Fatalf("write: %v", err)
	}

	readOp := pipeline.Operation{Kind: pipeline.Read, Collection: "users", Key: "u1"}
	result, err := engine.Dispatch(context.Background(), readOp, adminOpCtx())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if result.Document["name"] != "ada" {
		t.Fatalf("expected name=ada, got %+v", result.Document)
	}
}

func TestCheckpointAndBackup(t *testing.T) {
	engine, cfg := openTestEngine(t)

	writeOp := pipeline.Operation{
		Kind:       pipeline.Write,
		Collection: "users",
		Key:        "u1",
		Document:   storage.Document{"name": "ada"},
	}
	if _, err := engine.Dispatch(context.Background(), writeOp, adminOpCtx()); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := engine.Checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	archivePath := filepath.Join(cfg.DataDir, "backup.tar")
	if err := engine.Backup(archivePath); err != nil {
		t.Fatalf("backup: %v", err)
	}
}

func TestRestartPreservesCommitIdOrdering(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.DataDir = t.TempDir()

	engine, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	writeOp := pipeline.Operation{
		Kind:       pipeline.Write,
		Collection: "users",
		Key:        "u1",
		Document:   storage.Document{"name": "ada"},
	}
	if _, err := engine.Dispatch(context.Background(), writeOp, adminOpCtx()); err != nil {
		t.Fatalf("write: %v", err)
	}
	firstHighWater := engine.wal.CurrentCommitId()
	if err := engine.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if got := reopened.wal.CurrentCommitId(); got < firstHighWater {
		t.Fatalf("expected restored high water mark >= %d, got %d", firstHighWater, got)
	}

	writeOp.Key = "u2"
	writeOp.Document = storage.Document{"name": "grace"}
	if _, err := reopened.Dispatch(context.Background(), writeOp, adminOpCtx()); err != nil {
		t.Fatalf("write after reopen: %v", err)
	}

	readOp := pipeline.Operation{Kind: pipeline.Read, Collection: "users", Key: "u1"}
	result, err := reopened.Dispatch(context.Background(), readOp, adminOpCtx())
	if err != nil {
		t.Fatalf("read after reopen: %v", err)
	}
	if result.Document["name"] != "ada" {
		t.Fatalf("expected recovered document, got %+v", result.Document)
	}
}
