// Package recovery implements the deterministic crash-recovery algorithm
// after process restart: reconstruct exactly the state
// implied by durable WAL + durable checkpoints.
package recovery

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/kartikbazzad/aerodb/mvcc"
	aeroerrors "github.com/kartikbazzad/aerodb/pkg/errors"
	"github.com/kartikbazzad/aerodb/snapshot"
	"github.com/kartikbazzad/aerodb/storage"
	"github.com/kartikbazzad/aerodb/wal"
)

// Result is the outcome of a successful recovery run, including the
// storage handle opened on the (possibly snapshot-restored) data file.
type Result struct {
	HighWaterMark wal.CommitId
	Checkpoint    *snapshot.Manifest // nil if no valid checkpoint existed
	Chains        *mvcc.ChainStore
	Store         *storage.Store
}

// Recover runs the full 5-step algorithm against the durable state rooted
// at dataDir (expected layout: data/storage.dat, wal/,
// snapshots/<id>/). Any corruption halts recovery with a fatal error;
// there is no partial replay (property 7, "Halt-on-corruption").
//
// storagePath is where the engine's live document store lives; Recover
// overwrites it with the newest valid checkpoint's payload, if any, before
// opening it, so the in-memory chain replayed from disk matches exactly
// what the checkpoint captured.
func Recover(dataDir, storagePath string, w *wal.WAL) (*Result, error) {
	// Step 1: identify the newest valid durable checkpoint.
	manifest, snapshotDir, err := findNewestValidCheckpoint(filepath.Join(dataDir, "snapshots"))
	if err != nil {
		return nil, err
	}

	var coveredUpTo wal.CommitId
	if manifest != nil {
		coveredUpTo = wal.CommitId(manifest.CommitId)
		if err := copyFile(filepath.Join(snapshotDir, "storage.dat"), storagePath); err != nil {
			return nil, aeroerrors.Corruption(aeroerrors.CodeRecoveryInconsistent, "failed to restore snapshot payload", err)
		}
	}

	// Step 2: load the snapshot into storage + MVCC. Opening the store
	// replays whatever is now on disk at storagePath (the checkpoint's
	// payload, or nothing if there was no checkpoint).
	store, err := storage.Open(storagePath)
	if err != nil {
		return nil, aeroerrors.Corruption(aeroerrors.CodeRecoveryInconsistent, "failed to open storage for recovery", err)
	}

	chains := mvcc.NewChainStore()
	indexStoreIntoChains(store, chains)

	// Step 3: replay the WAL tail starting immediately after the
	// checkpoint's covered range, assigning no new CommitIds.
	records, err := w.ReadFrom(coveredUpTo)
	if err != nil {
		return nil, aeroerrors.Corruption(aeroerrors.CodeRecoveryInconsistent, "wal read during recovery failed", err)
	}

	highWater := coveredUpTo
	for _, rec := range records {
		if err := applyRecord(store, chains, rec); err != nil {
			return nil, err
		}
		if rec.CommitId > highWater {
			highWater = rec.CommitId
		}
	}

	// Step 4 (rebuild in-memory indexes) is folded into indexStoreIntoChains
	// and applyRecord above: chains is built directly from what was
	// replayed, never guessed at.

	// Step 5: verify invariants.
	if err := verify(chains, highWater); err != nil {
		return nil, err
	}

	return &Result{HighWaterMark: highWater, Checkpoint: manifest, Chains: chains, Store: store}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func findNewestValidCheckpoint(snapshotsRoot string) (*snapshot.Manifest, string, error) {
	entries, err := os.ReadDir(snapshotsRoot)
	if os.IsNotExist(err) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("recovery: list snapshots: %w", err)
	}

	var best *snapshot.Manifest
	var bestDir string

	dirs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)

	for _, name := range dirs {
		dir := filepath.Join(snapshotsRoot, name)
		m, err := snapshot.Validate(dir)
		if err != nil {
			// An invalid snapshot directory is simply not a candidate; it
			// is not itself fatal unless it is the one we were relying on
			// (callers who need strict validation call snapshot.Validate
			// directly on a named snapshot).
			continue
		}
		if best == nil || m.CommitId > best.CommitId {
			best = m
			bestDir = dir
		}
	}

	return best, bestDir, nil
}

// indexStoreIntoChains rebuilds MVCC version chains from whatever the
// store replayed off disk (the checkpoint payload, if any). Store.Versions
// already returns each key's versions ascending by CommitId, matching the
// order Chain.Append requires.
func indexStoreIntoChains(store *storage.Store, chains *mvcc.ChainStore) {
	for _, key := range store.Keys() {
		chain := chains.ChainFor(key)
		for _, v := range store.Versions(key) {
			_ = chain.Append(mvcc.Version{CommitId: mvcc.CommitId(v.CommitId), Tombstone: v.Tombstone, Payload: v.Payload})
		}
	}
}

func applyRecord(store *storage.Store, chains *mvcc.ChainStore, rec *wal.Record) error {
	switch rec.Kind {
	case wal.KindDocumentWrite:
		var p wal.DocumentWritePayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return aeroerrors.Corruption(aeroerrors.CodeRecoveryInconsistent, "malformed DocumentWrite payload", err)
		}
		if err := store.WriteDocument(p.Key, storage.CommitId(rec.CommitId), p.Value); err != nil {
			return aeroerrors.Corruption(aeroerrors.CodeRecoveryInconsistent, "failed to apply DocumentWrite", err)
		}
		return chains.ChainFor(p.Key).Append(mvcc.Version{CommitId: mvcc.CommitId(rec.CommitId), Payload: p.Value})

	case wal.KindTombstone:
		var p wal.TombstonePayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return aeroerrors.Corruption(aeroerrors.CodeRecoveryInconsistent, "malformed Tombstone payload", err)
		}
		if err := store.WriteTombstone(p.Key, storage.CommitId(rec.CommitId)); err != nil {
			return aeroerrors.Corruption(aeroerrors.CodeRecoveryInconsistent, "failed to apply Tombstone", err)
		}
		return chains.ChainFor(p.Key).Append(mvcc.Version{CommitId: mvcc.CommitId(rec.CommitId), Tombstone: true})

	case wal.KindGcCollect:
		var p wal.GcCollectPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return aeroerrors.Corruption(aeroerrors.CodeRecoveryInconsistent, "malformed GcCollect payload", err)
		}
		store.RemoveVersion(p.Key, storage.CommitId(p.CollectedCommitId))
		mvcc.Collect(chains.ChainFor(p.Key), mvcc.CommitId(p.CollectedCommitId))
		return nil

	case wal.KindBegin, wal.KindCommit, wal.KindSchemaChange, wal.KindCheckpointBegin, wal.KindCheckpointComplete, wal.KindAuthoritySwitch:
		// Markers consumed only by the recovery bookkeeping above, or by
		// schema/checkpoint/authority-switch-specific replay not required
		// to rebuild version chains.
		return nil

	default:
		return aeroerrors.Corruption(aeroerrors.CodeRecoveryInconsistent, fmt.Sprintf("unknown record kind %d", rec.Kind), nil)
	}
}

// verify implements the final recovery invariant check: for each chain, CommitIds
// strictly ascending; every version's CommitId <= the recovered
// high-water mark; no key has two versions at the same CommitId.
func verify(chains *mvcc.ChainStore, highWater wal.CommitId) error {
	for _, key := range chains.Keys() {
		versions := chains.ChainFor(key).Versions()
		var prev mvcc.CommitId
		seen := false
		for _, v := range versions {
			if seen && v.CommitId <= prev {
				return aeroerrors.Corruption(aeroerrors.CodeRecoveryInconsistent,
					fmt.Sprintf("chain %q not strictly ascending at commit id %d", key, v.CommitId), nil)
			}
			if v.CommitId > mvcc.CommitId(highWater) {
				return aeroerrors.Corruption(aeroerrors.CodeRecoveryInconsistent,
					fmt.Sprintf("chain %q has a version beyond the recovered high-water mark", key), nil)
			}
			prev = v.CommitId
			seen = true
		}
	}
	return nil
}
