package mvcc

// ReadView is captured at query start and is immutable for the query's
// lifetime.
type ReadView struct {
	UpperBound CommitId
}

// VisibilityResult is the outcome of the visibility rule.
type VisibilityResult struct {
	Visible bool
	Version Version
}

// LatestVisible implements the exact visibility rule:
//
//  1. Consider only versions with CommitId <= R.UpperBound.
//  2. Select the one with the largest CommitId among those.
//  3. If that version is a Tombstone or no such version exists, the key
//     is Invisible. Otherwise Visible at that version.
//
// This function is pure and total: it performs no I/O, takes no lock
// beyond reading the chain's version slice, and is deterministic for a
// fixed (chain, view) pair (property 2, "Visibility determinism").
func LatestVisible(chain *Chain, view ReadView) VisibilityResult {
	versions := chain.Versions()

	var best *Version
	for i := range versions {
		v := &versions[i]
		if v.CommitId > view.UpperBound {
			break // chain is ascending; nothing further qualifies
		}
		best = v
	}

	if best == nil || best.Tombstone {
		return VisibilityResult{Visible: false}
	}
	return VisibilityResult{Visible: true, Version: *best}
}
