// Package aerodb wires the correctness kernel (WAL, storage, MVCC,
// snapshot/recovery, replication, control plane) and the operation
// pipeline into one running engine. Open is the only entry point;
// everything else in this package is either configuration or the thin
// adapters the kernel packages require of each other.
package aerodb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kartikbazzad/aerodb/backup"
	"github.com/kartikbazzad/aerodb/controlplane"
	"github.com/kartikbazzad/aerodb/internal/transaction"
	"github.com/kartikbazzad/aerodb/mvcc"
	"github.com/kartikbazzad/aerodb/pipeline"
	"github.com/kartikbazzad/aerodb/pkg/logger"
	"github.com/kartikbazzad/aerodb/pool"
	"github.com/kartikbazzad/aerodb/recovery"
	"github.com/kartikbazzad/aerodb/replication"
	"github.com/kartikbazzad/aerodb/rules"
	"github.com/kartikbazzad/aerodb/schema"
	"github.com/kartikbazzad/aerodb/snapshot"
	"github.com/kartikbazzad/aerodb/storage"
	"github.com/kartikbazzad/aerodb/wal"
)

// Engine is one running instance of the storage kernel plus its operation
// pipeline. There is exactly one Engine per process.
type Engine struct {
	cfg EngineConfig

	wal       *wal.WAL
	committer *wal.GroupCommitter
	store     *storage.Store
	chains    *mvcc.ChainStore
	views     *mvcc.ReadViewRegistry
	floor     *mvcc.VisibilityFloor

	snapshots *snapshot.Manager

	node       *replication.Node
	replServer *replication.Server

	audit       *controlplane.AuditLogger
	controlPlan *controlplane.Handler

	rules   *rules.RulesEngine
	schemas *schema.Registry
	catalog *RuleCatalog
	chain   *pipeline.Chain
	pool    *pool.Pool
	txns    *transaction.Manager

	closeOnce sync.Once
}

// layout is the durable directory structure rooted at DataDir:
// data/storage.dat, wal/, snapshots/<id>/, audit.log.
type layout struct {
	storagePath string
	walDir      string
	snapshotDir string
	auditPath   string
}

func layoutFor(dataDir string) layout {
	return layout{
		storagePath: filepath.Join(dataDir, "data", "storage.dat"),
		walDir:      filepath.Join(dataDir, "wal"),
		snapshotDir: filepath.Join(dataDir, "snapshots"),
		auditPath:   filepath.Join(dataDir, "audit.log"),
	}
}

// Open brings up a full Engine from cfg: it restores durable state via
// recovery.Recover, wires GC/snapshot/replication/control-plane around
// the recovered kernel, and builds the operation pipeline the caller
// dispatches requests through. A zero-value cfg field falls back to
// DefaultEngineConfig's value for that field.
func Open(cfg EngineConfig) (*Engine, error) {
	cfg = withDefaults(cfg)

	logger.Init(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	l := layoutFor(cfg.DataDir)
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("aerodb: create data dir: %w", err)
	}

	w, err := wal.NewWAL(l.walDir)
	if err != nil {
		return nil, fmt.Errorf("aerodb: open wal: %w", err)
	}

	result, err := recovery.Recover(cfg.DataDir, l.storagePath, w)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("aerodb: recover: %w", err)
	}
	w.RestoreHighWaterMark(result.HighWaterMark)

	views := mvcc.NewReadViewRegistry()
	floor := mvcc.NewVisibilityFloor(views)

	snapshots := snapshot.NewManager(l.snapshotDir, result.Store, w)
	w.SetTruncateGuard(&checkpointGuard{snapshots: snapshots, floor: floor})

	node, replServer, err := wireReplication(cfg, w)
	if err != nil {
		w.Close()
		return nil, err
	}

	audit, err := openAuditLogger(l.auditPath)
	if err != nil {
		w.Close()
		return nil, err
	}

	controlPlan := controlplane.NewHandler(cfg.NodeID, &controlplane.KernelAdapter{
		Node:     node,
		WAL:      w,
		Snapshot: snapshots,
	}, audit)

	rulesEngine, err := rules.NewRulesEngine()
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("aerodb: build rules engine: %w", err)
	}
	catalog := NewRuleCatalog()

	committer := wal.NewGroupCommitter(w)
	executor := pipeline.NewKernelExecutor(w, committer, result.Store, result.Chains, views)
	chain := pipeline.NewChain(executor,
		pipeline.AuthMiddleware(pipeline.PublicOps{}),
		pipeline.RLSMiddleware(rulesEngine, catalog),
		pipeline.ObserveMiddleware(pipeline.LogObserver{}),
	)

	dispatchPool, err := pool.New(&pool.Options{
		MinSize:        orInt(cfg.DispatchPoolMinSize, pool.DefaultOptions().MinSize),
		MaxSize:        orInt(cfg.DispatchPoolMaxSize, pool.DefaultOptions().MaxSize),
		IdleTimeout:    pool.DefaultOptions().IdleTimeout,
		HealthInterval: pool.DefaultOptions().HealthInterval,
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("aerodb: build dispatch pool: %w", err)
	}

	if node != nil {
		node.SetRecovering(false)
		node.Start()
	}

	return &Engine{
		cfg:         cfg,
		wal:         w,
		committer:   committer,
		store:       result.Store,
		chains:      result.Chains,
		views:       views,
		floor:       floor,
		snapshots:   snapshots,
		node:        node,
		replServer:  replServer,
		audit:       audit,
		controlPlan: controlPlan,
		rules:       rulesEngine,
		schemas:     schema.NewRegistry(),
		catalog:     catalog,
		chain:       chain,
		pool:        dispatchPool,
		txns:        transaction.NewManager(w),
	}, nil
}

func withDefaults(cfg EngineConfig) EngineConfig {
	defaults := DefaultEngineConfig()
	if cfg.DataDir == "" {
		cfg.DataDir = defaults.DataDir
	}
	if cfg.WalFsyncPolicy == "" {
		cfg.WalFsyncPolicy = defaults.WalFsyncPolicy
	}
	if cfg.BindAddress == "" {
		cfg.BindAddress = defaults.BindAddress
	}
	if cfg.ControlPlaneConfirmationTTL == 0 {
		cfg.ControlPlaneConfirmationTTL = defaults.ControlPlaneConfirmationTTL
	}
	if cfg.ObservabilityBind == "" {
		cfg.ObservabilityBind = defaults.ObservabilityBind
	}
	if cfg.NodeID == "" {
		cfg.NodeID = defaults.NodeID
	}
	if cfg.Role == "" {
		cfg.Role = defaults.Role
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = defaults.LogFormat
	}
	return cfg
}

func orInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func openAuditLogger(path string) (*controlplane.AuditLogger, error) {
	l, err := controlplane.NewAuditLogger(path)
	if err != nil {
		return nil, fmt.Errorf("aerodb: open audit log: %w", err)
	}
	return l, nil
}

// wireReplication builds the replication.Node/Server pair cfg.Role and
// cfg.PeerAddress describe. An empty PeerAddress runs the engine
// standalone: no node, no server, replication simply absent.
func wireReplication(cfg EngineConfig, w *wal.WAL) (*replication.Node, *replication.Server, error) {
	if cfg.PeerAddress == "" {
		return nil, nil, nil
	}

	role := replication.RoleReplica
	if cfg.Role == "primary" {
		role = replication.RolePrimary
	}

	rpc := replication.NewTCPTransport()
	node := replication.NewNode(replication.DefaultConfig(cfg.NodeID, cfg.PeerAddress), role, w, rpc)

	server := replication.NewServer(node)
	if err := server.Listen(cfg.BindAddress); err != nil {
		return nil, nil, fmt.Errorf("aerodb: listen for replication on %s: %w", cfg.BindAddress, err)
	}

	return node, server, nil
}

// checkpointGuard implements wal.TruncateGuard by combining the
// checkpoint manager's durability oracle with the live visibility floor:
// a WAL prefix is discardable only once both agree.
type checkpointGuard struct {
	snapshots *snapshot.Manager
	floor     *mvcc.VisibilityFloor
}

func (g *checkpointGuard) DurableCheckpointCovers(upTo wal.CommitId) bool {
	return g.snapshots.DurableCheckpointCovers(upTo)
}

func (g *checkpointGuard) VisibilityFloor() (wal.CommitId, bool) {
	floor, ok := g.floor.Floor()
	return wal.CommitId(floor), ok
}

// Dispatch runs op through the operation pipeline, bounded by the engine's
// dispatch pool.
func (e *Engine) Dispatch(ctx context.Context, op pipeline.Operation, opctx *pipeline.OpContext) (pipeline.Result, error) {
	var result pipeline.Result
	err := e.pool.Run(func() error {
		var dispatchErr error
		result, dispatchErr = e.chain.Dispatch(ctx, op, opctx)
		return dispatchErr
	})
	return result, err
}

// ControlPlane returns the operator-facing command handler.
func (e *Engine) ControlPlane() *controlplane.Handler {
	return e.controlPlan
}

// Transactions returns the write-set transaction manager.
func (e *Engine) Transactions() *transaction.Manager {
	return e.txns
}

// Schemas returns the document schema registry.
func (e *Engine) Schemas() *schema.Registry {
	return e.schemas
}

// RuleCatalog returns the row-level-security rule catalog the pipeline's
// RLS middleware consults.
func (e *Engine) RuleCatalog() *RuleCatalog {
	return e.catalog
}

// Checkpoint runs the snapshot/checkpoint protocol covering every commit
// durable at the moment it is called, then sweeps every version chain for
// versions the new checkpoint boundary makes reclaimable.
func (e *Engine) Checkpoint() (*snapshot.Manifest, error) {
	manifest, err := e.snapshots.Create(e.wal.CurrentCommitId())
	if err != nil {
		return nil, err
	}
	if err := e.collectGarbage(manifest.WalRangeEnd); err != nil {
		return nil, fmt.Errorf("aerodb: garbage collection after checkpoint: %w", err)
	}
	return manifest, nil
}

// syncWAL durably flushes the WAL up to and including commitID, going
// through the shared GroupCommitter when one is configured so a GC sweep's
// fsyncs batch with concurrent writers instead of each forcing their own.
func (e *Engine) syncWAL(commitID wal.CommitId) error {
	if e.committer != nil {
		return e.committer.Commit(commitID)
	}
	return e.wal.Sync()
}

// collectGarbage applies mvcc.CheckEligibility to every version in every
// chain against checkpointBoundary and the live visibility floor. An
// eligible version is reclaimed by appending a KindGcCollect record (the
// same record recovery.Recover already knows how to replay), fsyncing it,
// then removing the version from storage.Store and the in-memory chain.
// This only ever runs synchronously from Checkpoint, never on a timer: GC
// is a WAL-recorded action, not a background mutation.
func (e *Engine) collectGarbage(checkpointBoundary wal.CommitId) error {
	floor, haveFloor := e.floor.Floor()
	collected := 0

	for _, fullKey := range e.chains.Keys() {
		chain := e.chains.ChainFor(fullKey)
		for _, v := range chain.Versions() {
			report := mvcc.CheckEligibility(chain, v, floor, haveFloor, mvcc.CommitId(checkpointBoundary), true)
			if !report.Eligible {
				continue
			}

			collection, _, ok := pipeline.SplitKey(fullKey)
			if !ok {
				collection = ""
			}
			payload, err := json.Marshal(wal.GcCollectPayload{
				Collection:        collection,
				Key:               fullKey,
				CollectedCommitId: wal.CommitId(v.CommitId),
			})
			if err != nil {
				return fmt.Errorf("aerodb: marshal GcCollect payload: %w", err)
			}

			commitID, err := e.wal.Append(&wal.Record{Kind: wal.KindGcCollect, Payload: payload})
			if err != nil {
				return fmt.Errorf("aerodb: append GcCollect record: %w", err)
			}
			if err := e.syncWAL(commitID); err != nil {
				return fmt.Errorf("aerodb: fsync GcCollect record: %w", err)
			}

			e.store.RemoveVersion(fullKey, storage.CommitId(v.CommitId))
			mvcc.Collect(chain, v.CommitId)
			collected++
		}
	}

	if collected > 0 {
		logger.Info("garbage collection reclaimed versions", "count", collected, "checkpoint_boundary", checkpointBoundary)
	}
	return nil
}

// Backup packages the latest checkpoint plus the current WAL into a
// single archive at destArchivePath. It checkpoints first so the archive
// always reflects a checkpoint no older than the call.
func (e *Engine) Backup(destArchivePath string) error {
	manifest, err := e.Checkpoint()
	if err != nil {
		return fmt.Errorf("aerodb: checkpoint before backup: %w", err)
	}
	snapshotDir := filepath.Join(e.cfg.DataDir, "snapshots", manifest.SnapshotId)
	walDir := layoutFor(e.cfg.DataDir).walDir
	_, err = backup.Create(destArchivePath, manifest.SnapshotId, snapshotDir, walDir)
	return err
}

// Close performs graceful shutdown: stop accepting new replication
// traffic, flush a final checkpoint, fsync, and close the WAL. It is
// idempotent.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		if e.node != nil {
			e.node.Stop()
		}
		if e.replServer != nil {
			e.replServer.Close()
		}
		if _, checkpointErr := e.Checkpoint(); checkpointErr != nil {
			err = checkpointErr
		}
		if e.committer != nil {
			e.committer.Stop()
		}
		if e.audit != nil {
			e.audit.Close()
		}
		if closeErr := e.wal.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}
