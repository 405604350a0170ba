package mvcc

import (
	"reflect"
	"testing"
)

func buildChain(t *testing.T, versions ...Version) *Chain {
	t.Helper()
	c := NewChain("k")
	for _, v := range versions {
		if err := c.Append(v); err != nil {
			t.Fatalf("append %+v: %v", v, err)
		}
	}
	return c
}

// TestVisibility_SeedScenarioS2 implements seed scenario S2: chain
// [v1@10, v2@20, tomb@30]; ReadView upper_bound=25 -> Visible(v2);
// upper_bound=35 -> Invisible; upper_bound=15 -> Visible(v1).
func TestVisibility_SeedScenarioS2(t *testing.T) {
	chain := buildChain(t,
		Version{CommitId: 10, Payload: []byte("v1")},
		Version{CommitId: 20, Payload: []byte("v2")},
		Version{CommitId: 30, Tombstone: true},
	)

	cases := []struct {
		upperBound   CommitId
		wantVisible  bool
		wantCommitId CommitId
	}{
		{25, true, 20},
		{35, false, 0},
		{15, true, 10},
	}

	for _, tc := range cases {
		res := LatestVisible(chain, ReadView{UpperBound: tc.upperBound})
		if res.Visible != tc.wantVisible {
			t.Fatalf("upper_bound=%d: visible=%v, want %v", tc.upperBound, res.Visible, tc.wantVisible)
		}
		if tc.wantVisible && res.Version.CommitId != tc.wantCommitId {
			t.Fatalf("upper_bound=%d: got commit id %d, want %d", tc.upperBound, res.Version.CommitId, tc.wantCommitId)
		}
	}
}

func TestVisibility_Determinism(t *testing.T) {
	chain := buildChain(t,
		Version{CommitId: 1, Payload: []byte("a")},
		Version{CommitId: 2, Payload: []byte("b")},
	)
	view := ReadView{UpperBound: 2}

	first := LatestVisible(chain, view)
	for i := 0; i < 100; i++ {
		got := LatestVisible(chain, view)
		if !reflect.DeepEqual(got, first) {
			t.Fatalf("visibility result changed across invocation %d: %+v vs %+v", i, got, first)
		}
	}
}

func TestVisibility_Monotonicity(t *testing.T) {
	chain := buildChain(t,
		Version{CommitId: 5, Payload: []byte("a")},
		Version{CommitId: 15, Payload: []byte("b")},
	)

	lower := LatestVisible(chain, ReadView{UpperBound: 10})
	higher := LatestVisible(chain, ReadView{UpperBound: 20})

	if lower.Visible && !higher.Visible {
		t.Fatalf("a version visible under a lower upper_bound became invisible under a higher one")
	}
	if lower.Visible && higher.Visible && higher.Version.CommitId < lower.Version.CommitId {
		t.Fatalf("higher upper_bound saw a strictly older version than lower upper_bound")
	}
}

func TestChain_AppendRejectsOutOfOrderCommitId(t *testing.T) {
	c := NewChain("k")
	if err := c.Append(Version{CommitId: 10}); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := c.Append(Version{CommitId: 5}); err == nil {
		t.Fatalf("expected append of a non-increasing commit id to fail")
	}
	if err := c.Append(Version{CommitId: 10}); err == nil {
		t.Fatalf("expected append of a duplicate commit id to fail")
	}
}

// TestGC_SeedScenarioS3 implements seed scenario S3: chain [v1@5, v2@15],
// floor=10, checkpoint_boundary=none -> v1 Reclaimable; with
// checkpoint_boundary=3 -> v1 Obsolete (recovery-needed, not reclaimable
// because 5 is not below the checkpoint boundary).
func TestGC_SeedScenarioS3(t *testing.T) {
	chain := buildChain(t,
		Version{CommitId: 5, Payload: []byte("v1")},
		Version{CommitId: 15, Payload: []byte("v2")},
	)
	v1 := chain.Versions()[0]

	report := CheckEligibility(chain, v1, 10, true, 0, false)
	if !report.Eligible {
		t.Fatalf("expected v1 reclaimable with no checkpoint boundary, got: %s", report.Reason)
	}

	report = CheckEligibility(chain, v1, 10, true, 3, true)
	if report.Eligible {
		t.Fatalf("expected v1 NOT reclaimable when checkpoint_boundary=3 (5 >= 3), got eligible")
	}
}

func TestVisibilityFloor_TracksMinimumAcrossReadViewsAndSnapshots(t *testing.T) {
	registry := NewReadViewRegistry()
	floor := NewVisibilityFloor(registry)

	if _, ok := floor.Floor(); ok {
		t.Fatalf("expected no floor with nothing registered")
	}

	h1 := registry.Register(ReadView{UpperBound: 50})
	releaseSnap := floor.RegisterSnapshotBoundary(30)

	got, ok := floor.Floor()
	if !ok || got != 30 {
		t.Fatalf("expected floor=30 (min of 50, 30), got %d ok=%v", got, ok)
	}

	releaseSnap()
	got, ok = floor.Floor()
	if !ok || got != 50 {
		t.Fatalf("expected floor=50 after releasing the snapshot boundary, got %d ok=%v", got, ok)
	}

	h1.Release()
	if _, ok := floor.Floor(); ok {
		t.Fatalf("expected no floor after releasing every registered boundary")
	}
}

func TestVisibilityFloor_UnregisterOneOfManyKeepsTrueMinimum(t *testing.T) {
	// Regression test for the disclosed improvement over
	// original_source/src/mvcc/gc.rs, whose unregister logic reset the
	// entire floor rather than recomputing the minimum of what remains.
	registry := NewReadViewRegistry()
	floor := NewVisibilityFloor(registry)

	releaseA := floor.RegisterSnapshotBoundary(10)
	releaseB := floor.RegisterSnapshotBoundary(20)
	releaseC := floor.RegisterSnapshotBoundary(30)

	releaseA()

	got, ok := floor.Floor()
	if !ok || got != 20 {
		t.Fatalf("expected floor=20 after releasing the oldest boundary, got %d ok=%v", got, ok)
	}

	releaseB()
	releaseC()
}

func TestCommitAuthority_MonotonicAcrossCalls(t *testing.T) {
	ca := NewCommitAuthority(0, 1)
	var prev CommitId
	for i := 0; i < 1000; i++ {
		next := ca.Next()
		if next <= prev {
			t.Fatalf("commit authority produced non-monotonic id %d after %d", next, prev)
		}
		prev = next
	}
}
