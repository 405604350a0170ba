package storage

import (
	"path/filepath"
	"testing"
)

func TestStore_WriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.dat")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.WriteDocument("k1", 10, []byte("hello")); err != nil {
		t.Fatalf("WriteDocument: %v", err)
	}
	if err := s.WriteDocument("k1", 20, []byte("world")); err != nil {
		t.Fatalf("WriteDocument: %v", err)
	}

	r := s.Read("k1", 10)
	if !r.Found || r.Tombstone || string(r.Payload) != "hello" {
		t.Fatalf("unexpected read at commit 10: %+v", r)
	}
	r = s.Read("k1", 20)
	if !r.Found || string(r.Payload) != "world" {
		t.Fatalf("unexpected read at commit 20: %+v", r)
	}
	r = s.Read("k1", 15)
	if r.Found {
		t.Fatalf("expected no exact version at commit 15, got %+v", r)
	}
}

func TestStore_TombstoneAndNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.dat")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.WriteTombstone("gone", 5); err != nil {
		t.Fatalf("WriteTombstone: %v", err)
	}

	r := s.Read("gone", 5)
	if !r.Found || !r.Tombstone {
		t.Fatalf("expected tombstone, got %+v", r)
	}

	r = s.Read("never-written", 1)
	if r.Found {
		t.Fatalf("expected NotFound, got %+v", r)
	}
}

func TestStore_SurvivesReopenAndRejectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.dat")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.WriteDocument("k", 1, []byte("v1")); err != nil {
		t.Fatalf("WriteDocument: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	r := reopened.Read("k", 1)
	if !r.Found || string(r.Payload) != "v1" {
		t.Fatalf("expected durable entry after reopen, got %+v", r)
	}
}

func TestStore_RemoveVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.dat")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.WriteDocument("k", 1, []byte("v1")); err != nil {
		t.Fatalf("WriteDocument: %v", err)
	}
	s.RemoveVersion("k", 1)

	r := s.Read("k", 1)
	if r.Found {
		t.Fatalf("expected version to be removed, got %+v", r)
	}
}
