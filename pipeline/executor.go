package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kartikbazzad/aerodb/internal/query"
	"github.com/kartikbazzad/aerodb/mvcc"
	aeroerrors "github.com/kartikbazzad/aerodb/pkg/errors"
	"github.com/kartikbazzad/aerodb/storage"
	"github.com/kartikbazzad/aerodb/wal"
)

// keySeparator joins Operation.Collection and Operation.Key into the flat
// key space the WAL, storage.Store, and mvcc.ChainStore all address.
// GcCollectPayload carries Collection and Key as separate fields precisely
// because the combined form below is what actually gets stored and
// chained; GC still needs to report which collection a reclaimed key
// belonged to.
const keySeparator = "\x1f"

func compositeKey(collection, key string) string {
	return collection + keySeparator + key
}

// SplitKey reverses compositeKey: given a full key as stored in the WAL,
// storage.Store, and mvcc.ChainStore, it recovers the (collection, key)
// pair a caller outside this package needs to report against, such as the
// GC driver populating wal.GcCollectPayload.Collection.
func SplitKey(fullKey string) (collection, key string, ok bool) {
	idx := -1
	for i := 0; i < len(fullKey); i++ {
		if fullKey[i] == keySeparator[0] {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", "", false
	}
	return fullKey[:idx], fullKey[idx+1:], true
}

// mustMarshalWrite and mustMarshalTombstone encode the fixed payload shapes
// wal/record.go defines for KindDocumentWrite and KindTombstone. Encoding
// can only fail on a type json cannot represent, which never happens for
// these fixed-shape structs, so a panic here would indicate a programming
// error, not a runtime condition callers need to handle.
func mustMarshalWrite(key string, value []byte) []byte {
	b, err := json.Marshal(wal.DocumentWritePayload{Key: key, Value: value})
	if err != nil {
		panic(err)
	}
	return b
}

func mustMarshalTombstone(key string) []byte {
	b, err := json.Marshal(wal.TombstonePayload{Key: key})
	if err != nil {
		panic(err)
	}
	return b
}

// ExplainPlan is the non-executing result of an Explain operation: enough
// to show a caller how a Query would run without running it.
type ExplainPlan struct {
	Collection    string
	FilterNode    query.Node
	Options       QueryOptions
	CandidateKeys int
}

// Subscription is a live handle on a WAL change feed. Events receives one
// empty wal.Event per WAL Sync, delivered best-effort (a full channel drops
// it); it carries no record, so a subscriber reads new records with
// WAL.ReadFrom. Cancel releases the underlying subscription and must be
// called exactly once.
type Subscription struct {
	ID     string
	Events <-chan wal.Event
	Cancel func()
}

// Result is what an OperationExecutor returns for a single Operation. Only
// the fields relevant to the dispatched Kind are populated.
type Result struct {
	Document     storage.Document
	Documents    []storage.Document
	Plan         *ExplainPlan
	Subscription *Subscription
}

// OperationExecutor is the terminal stage of a Chain: it actually performs
// (or, for Explain, plans) the Operation.
type OperationExecutor interface {
	Execute(ctx context.Context, op Operation, opctx *OpContext) (Result, error)
}

// KernelExecutor is the OperationExecutor backing Read/Write/Update/Delete/
// Query/Explain/Subscribe/Unsubscribe against the storage kernel. Broadcast,
// Invoke, Upload, and Download are structurally part of Operation but have
// no kernel-side implementation: realtime fan-out, scheduled functions, and
// blob storage CRUD are external collaborators this engine does not host,
// so Execute reports them with CodeOutOfScopeOperation rather than
// pretending to serve them.
type KernelExecutor struct {
	log       *wal.WAL
	committer *wal.GroupCommitter
	store     *storage.Store
	chains    *mvcc.ChainStore
	views     *mvcc.ReadViewRegistry

	subsMu sync.Mutex
	subs   map[string]func()
}

// NewKernelExecutor wires an executor to the durability/versioning
// primitives it dispatches against. committer may be nil, in which case
// write/delete fsync the WAL directly instead of batching through a
// GroupCommitter; tests exercising the kernel in isolation take this path.
func NewKernelExecutor(log *wal.WAL, committer *wal.GroupCommitter, store *storage.Store, chains *mvcc.ChainStore, views *mvcc.ReadViewRegistry) *KernelExecutor {
	return &KernelExecutor{
		log:       log,
		committer: committer,
		store:     store,
		chains:    chains,
		views:     views,
		subs:      make(map[string]func()),
	}
}

// sync durably flushes the WAL up to and including commitID before an
// operation acknowledges success, satisfying the engine's fsync-before-ack
// rule. It goes through the GroupCommitter when one is configured, so
// concurrent writers share a single fsync instead of serializing on it.
func (k *KernelExecutor) sync(commitID wal.CommitId) error {
	if k.committer != nil {
		return k.committer.Commit(commitID)
	}
	return k.log.Sync()
}

func (k *KernelExecutor) Execute(ctx context.Context, op Operation, opctx *OpContext) (Result, error) {
	switch op.Kind {
	case Read:
		return k.read(op)
	case Write:
		return k.write(op)
	case Update:
		return k.update(op)
	case Delete:
		return k.delete(op)
	case Query:
		return k.query(op)
	case Explain:
		return k.explain(op)
	case Subscribe:
		return k.subscribe(op)
	case Unsubscribe:
		return k.unsubscribe(op)
	case Broadcast, Invoke, Upload, Download:
		return Result{}, aeroerrors.Validation(aeroerrors.CodeOutOfScopeOperation,
			fmt.Sprintf("%s is an external collaborator, not served by this engine", op.Kind), "")
	default:
		return Result{}, aeroerrors.OperatorInput(aeroerrors.CodeOutOfScopeOperation,
			fmt.Sprintf("unrecognized operation kind %q", op.Kind))
	}
}

// readView registers the current commit frontier as a snapshot for the
// duration of fn, releasing it before returning, so a long-running caller
// never holds GC back past its actual read.
func (k *KernelExecutor) readView(fn func(mvcc.ReadView)) {
	view := mvcc.ReadView{UpperBound: mvcc.CommitId(k.log.CurrentCommitId())}
	handle := k.views.Register(view)
	defer handle.Release()
	fn(view)
}

func (k *KernelExecutor) latestVisible(collection, key string, view mvcc.ReadView) (storage.Document, bool) {
	chain := k.chains.ChainFor(compositeKey(collection, key))
	visibility := mvcc.LatestVisible(chain, view)
	if !visibility.Visible {
		return nil, false
	}
	doc, err := storage.Deserialize(visibility.Version.Payload)
	if err != nil {
		return nil, false
	}
	return doc, true
}

func (k *KernelExecutor) read(op Operation) (Result, error) {
	var result Result
	found := false
	k.readView(func(view mvcc.ReadView) {
		doc, ok := k.latestVisible(op.Collection, op.Key, view)
		if ok {
			result.Document = doc
			found = true
		}
	})
	if !found {
		return Result{}, aeroerrors.OperatorInput(aeroerrors.CodeDocumentNotFound,
			fmt.Sprintf("document %s/%s not found", op.Collection, op.Key))
	}
	return result, nil
}

func (k *KernelExecutor) write(op Operation) (Result, error) {
	doc := op.Document
	if doc == nil {
		doc = storage.Document{}
	}
	doc.SetID(storage.DocumentID(op.Key))

	payload, err := doc.Serialize()
	if err != nil {
		return Result{}, aeroerrors.OperatorInput(aeroerrors.CodeSchemaValidation, err.Error())
	}

	key := compositeKey(op.Collection, op.Key)
	record := &wal.Record{
		Kind:    wal.KindDocumentWrite,
		Payload: mustMarshalWrite(key, payload),
	}
	commitID, err := k.log.Append(record)
	if err != nil {
		return Result{}, aeroerrors.KernelRejection(aeroerrors.CodeWALCorrupt, "append failed", err)
	}
	if err := k.sync(commitID); err != nil {
		return Result{}, aeroerrors.KernelRejection(aeroerrors.CodeWALCorrupt, "fsync failed", err)
	}

	if err := k.store.WriteDocument(key, storage.CommitId(commitID), payload); err != nil {
		return Result{}, aeroerrors.KernelRejection(aeroerrors.CodeStorageCorrupt, "store write failed", err)
	}
	if err := k.chains.ChainFor(key).Append(mvcc.Version{CommitId: mvcc.CommitId(commitID), Payload: payload}); err != nil {
		return Result{}, aeroerrors.KernelRejection(aeroerrors.CodeVersionOutOfOrder, "chain append failed", err)
	}

	return Result{Document: doc}, nil
}

func (k *KernelExecutor) update(op Operation) (Result, error) {
	var current storage.Document
	found := false
	k.readView(func(view mvcc.ReadView) {
		current, found = k.latestVisible(op.Collection, op.Key, view)
	})
	if !found {
		return Result{}, aeroerrors.OperatorInput(aeroerrors.CodeDocumentNotFound,
			fmt.Sprintf("document %s/%s not found", op.Collection, op.Key))
	}

	merged := current.Clone()
	for field, v := range op.Patch {
		merged[field] = v
	}

	writeOp := op
	writeOp.Document = merged
	return k.write(writeOp)
}

func (k *KernelExecutor) delete(op Operation) (Result, error) {
	key := compositeKey(op.Collection, op.Key)
	record := &wal.Record{
		Kind:    wal.KindTombstone,
		Payload: mustMarshalTombstone(key),
	}
	commitID, err := k.log.Append(record)
	if err != nil {
		return Result{}, aeroerrors.KernelRejection(aeroerrors.CodeWALCorrupt, "append failed", err)
	}
	if err := k.sync(commitID); err != nil {
		return Result{}, aeroerrors.KernelRejection(aeroerrors.CodeWALCorrupt, "fsync failed", err)
	}

	if err := k.store.WriteTombstone(key, storage.CommitId(commitID)); err != nil {
		return Result{}, aeroerrors.KernelRejection(aeroerrors.CodeStorageCorrupt, "store tombstone failed", err)
	}
	if err := k.chains.ChainFor(key).Append(mvcc.Version{CommitId: mvcc.CommitId(commitID), Tombstone: true}); err != nil {
		return Result{}, aeroerrors.KernelRejection(aeroerrors.CodeVersionOutOfOrder, "chain append failed", err)
	}

	return Result{}, nil
}

// matchingDocuments scans every chained key under op.Collection and
// returns the ones visible at view and matching op.Filter, unsorted and
// unpaginated.
func (k *KernelExecutor) matchingDocuments(op Operation, view mvcc.ReadView) ([]storage.Document, error) {
	var matcher query.Matcher
	if len(op.Filter) > 0 {
		node, err := query.Parse(op.Filter)
		if err != nil {
			return nil, aeroerrors.OperatorInput(aeroerrors.CodeSchemaValidation, err.Error())
		}
		if m, ok := node.(query.Matcher); ok {
			matcher = m
		}
	}

	prefix := op.Collection + keySeparator
	var docs []storage.Document
	for _, fullKey := range k.chains.Keys() {
		if len(fullKey) <= len(prefix) || fullKey[:len(prefix)] != prefix {
			continue
		}
		chain := k.chains.ChainFor(fullKey)
		visibility := mvcc.LatestVisible(chain, view)
		if !visibility.Visible {
			continue
		}
		doc, err := storage.Deserialize(visibility.Version.Payload)
		if err != nil {
			continue
		}
		if matcher != nil && !matcher.Matches(doc) {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (k *KernelExecutor) query(op Operation) (Result, error) {
	var docs []storage.Document
	var err error
	k.readView(func(view mvcc.ReadView) {
		docs, err = k.matchingDocuments(op, view)
	})
	if err != nil {
		return Result{}, err
	}

	if op.Options.SortField != "" {
		query.SortDocuments(docs, op.Options.SortField, op.Options.SortDesc)
	}
	if op.Options.Skip > 0 {
		if op.Options.Skip >= len(docs) {
			docs = nil
		} else {
			docs = docs[op.Options.Skip:]
		}
	}
	if op.Options.Limit > 0 && op.Options.Limit < len(docs) {
		docs = docs[:op.Options.Limit]
	}

	return Result{Documents: docs}, nil
}

func (k *KernelExecutor) explain(op Operation) (Result, error) {
	var node query.Node
	if len(op.Filter) > 0 {
		parsed, err := query.Parse(op.Filter)
		if err != nil {
			return Result{}, aeroerrors.OperatorInput(aeroerrors.CodeSchemaValidation, err.Error())
		}
		node = parsed
	}

	prefix := op.Collection + keySeparator
	candidates := 0
	for _, fullKey := range k.chains.Keys() {
		if len(fullKey) > len(prefix) && fullKey[:len(prefix)] == prefix {
			candidates++
		}
	}

	return Result{Plan: &ExplainPlan{
		Collection:    op.Collection,
		FilterNode:    node,
		Options:       op.Options,
		CandidateKeys: candidates,
	}}, nil
}

func (k *KernelExecutor) subscribe(op Operation) (Result, error) {
	events, cancel := k.log.Subscribe()

	id := op.SubscriptionID
	if id == "" {
		id = fmt.Sprintf("sub-%p", events)
	}

	k.subsMu.Lock()
	k.subs[id] = cancel
	k.subsMu.Unlock()

	return Result{Subscription: &Subscription{ID: id, Events: events, Cancel: cancel}}, nil
}

func (k *KernelExecutor) unsubscribe(op Operation) (Result, error) {
	k.subsMu.Lock()
	cancel, ok := k.subs[op.SubscriptionID]
	if ok {
		delete(k.subs, op.SubscriptionID)
	}
	k.subsMu.Unlock()

	if !ok {
		return Result{}, aeroerrors.OperatorInput(aeroerrors.CodeDocumentNotFound,
			fmt.Sprintf("no active subscription %q", op.SubscriptionID))
	}
	cancel()
	return Result{}, nil
}
