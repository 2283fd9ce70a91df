// Package enginetest holds a behavioural test suite every engine.Store
// implementation must pass.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lazypower/valence/internal/engine"
	"github.com/lazypower/valence/internal/values"
)

var base = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

// RunStoreSuite runs the suite against stores produced by open. Each subtest
// gets a fresh store.
func RunStoreSuite(t *testing.T, open func(t *testing.T) engine.Store) {
	t.Run("ApplyAndRead", func(t *testing.T) { testApplyAndRead(t, open(t)) })
	t.Run("DuplicateBelief", func(t *testing.T) { testDuplicateBelief(t, open(t)) })
	t.Run("FailedApplyCommitsNothing", func(t *testing.T) { testFailedApply(t, open(t)) })
	t.Run("ConcurrentSameKey", func(t *testing.T) { testConcurrentSameKey(t, open(t)) })
	t.Run("NoTornReads", func(t *testing.T) { testNoTornReads(t, open(t)) })
	t.Run("ReplaceAndErase", func(t *testing.T) { testReplaceAndErase(t, open(t)) })
	t.Run("ReplaceWaitsForApply", func(t *testing.T) { testReplaceWaitsForApply(t, open(t)) })
	t.Run("StorableRangeEdges", func(t *testing.T) { testStorableRangeEdges(t, open(t)) })
	t.Run("SnapshotLog", func(t *testing.T) { testSnapshotLog(t, open(t)) })
}

func add(mag float64, at time.Time) engine.ApplyFunc {
	return func(cur []values.Aggregate) ([]values.Aggregate, error) {
		next := make([]values.Aggregate, len(cur))
		for i, agg := range cur {
			if !agg.Exists() {
				agg.ReferenceTime = at
			}
			agg.DecayedScore += mag
			agg.BeliefCount++
			next[i] = agg
		}
		return next, nil
	}
}

func testApplyAndRead(t *testing.T, st engine.Store) {
	ctx := context.Background()
	var seen []values.Aggregate
	err := st.Apply(ctx, "u1", "b1", []values.Value{values.Power, values.Security}, func(cur []values.Aggregate) ([]values.Aggregate, error) {
		seen = cur
		return add(0.5, base)(cur)
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(seen) != 2 || seen[0].Value != values.Power || seen[1].Value != values.Security || seen[0].Exists() {
		t.Errorf("fn saw %+v", seen)
	}
	if seen[0].UserID != "u1" {
		t.Errorf("absent aggregate missing user id: %+v", seen[0])
	}

	aggs, beliefs, err := st.Aggregates(ctx, "u1")
	if err != nil {
		t.Fatalf("Aggregates: %v", err)
	}
	if beliefs != 1 || len(aggs) != 2 {
		t.Fatalf("beliefs = %d, aggs = %+v", beliefs, aggs)
	}
	// Canonical order: security precedes power.
	if aggs[0].Value != values.Security || aggs[1].Value != values.Power {
		t.Errorf("order = %s, %s", aggs[0].Value, aggs[1].Value)
	}
	for _, a := range aggs {
		if a.DecayedScore != 0.5 || a.BeliefCount != 1 || !a.ReferenceTime.Equal(base) || a.UserID != "u1" {
			t.Errorf("aggregate = %+v", a)
		}
	}

	if aggs, n, _ := st.Aggregates(ctx, "nobody"); len(aggs) != 0 || n != 0 {
		t.Errorf("unknown user = %+v, %d", aggs, n)
	}
	users, err := st.Users(ctx)
	if err != nil || len(users) != 1 || users[0] != "u1" {
		t.Errorf("Users = %v, %v", users, err)
	}
}

func testDuplicateBelief(t *testing.T, st engine.Store) {
	ctx := context.Background()
	vals := []values.Value{values.Hedonism}
	if err := st.Apply(ctx, "u1", "b1", vals, add(1, base)); err != nil {
		t.Fatal(err)
	}
	called := false
	err := st.Apply(ctx, "u1", "b1", vals, func(cur []values.Aggregate) ([]values.Aggregate, error) {
		called = true
		return cur, nil
	})
	if !errors.Is(err, engine.ErrDuplicateBelief) {
		t.Errorf("err = %v, want ErrDuplicateBelief", err)
	}
	if called {
		t.Error("fn called for duplicate belief")
	}
	if err := st.Apply(ctx, "u2", "b1", vals, add(1, base)); err != nil {
		t.Errorf("same belief id for another user: %v", err)
	}
}

func testFailedApply(t *testing.T, st engine.Store) {
	ctx := context.Background()
	vals := []values.Value{values.Tradition}
	if err := st.Apply(ctx, "u1", "b1", vals, add(1, base)); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	err := st.Apply(ctx, "u1", "b2", vals, func([]values.Aggregate) ([]values.Aggregate, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	aggs, beliefs, _ := st.Aggregates(ctx, "u1")
	if beliefs != 1 || aggs[0].DecayedScore != 1 {
		t.Errorf("failed apply leaked: beliefs=%d aggs=%+v", beliefs, aggs)
	}
	// b2 was not recorded.
	if err := st.Apply(ctx, "u1", "b2", vals, add(1, base)); err != nil {
		t.Errorf("retry after failure: %v", err)
	}
}

func testConcurrentSameKey(t *testing.T, st engine.Store) {
	ctx := context.Background()
	const n = 50
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			vals := []values.Value{values.Achievement}
			if i%2 == 0 {
				vals = append(vals, values.Stimulation)
			}
			return st.Apply(ctx, "u1", fmt.Sprintf("b%d", i), vals, add(1, base))
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	aggs, beliefs, err := st.Aggregates(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if beliefs != n {
		t.Errorf("beliefs = %d, want %d", beliefs, n)
	}
	for _, a := range aggs {
		want := float64(n)
		if a.Value == values.Stimulation {
			want = n / 2
		}
		if a.DecayedScore != want || a.BeliefCount != int(want) {
			t.Errorf("%s: score %v count %d, want %v (lost update)", a.Value, a.DecayedScore, a.BeliefCount, want)
		}
	}
}

// Writers keep DecayedScore equal to the reference time's offset in seconds,
// so any torn read shows up as a mismatch.
func testNoTornReads(t *testing.T, st engine.Store) {
	ctx := context.Background()
	const writes = 100
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for i := 1; i <= writes; i++ {
			at := base.Add(time.Duration(i) * time.Second)
			err := st.Apply(gctx, "u1", fmt.Sprintf("b%d", i), []values.Value{values.Conformity}, func(cur []values.Aggregate) ([]values.Aggregate, error) {
				next := cur[0]
				next.ReferenceTime = at
				next.DecayedScore = float64(i)
				next.BeliefCount++
				return []values.Aggregate{next}, nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for i := 0; i < writes; i++ {
			aggs, _, err := st.Aggregates(gctx, "u1")
			if err != nil {
				return err
			}
			for _, a := range aggs {
				offset := a.ReferenceTime.Sub(base).Seconds()
				if offset != a.DecayedScore {
					return fmt.Errorf("torn read: reference +%vs with score %v", offset, a.DecayedScore)
				}
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func testReplaceAndErase(t *testing.T, st engine.Store) {
	ctx := context.Background()
	if err := st.Apply(ctx, "u1", "b1", []values.Value{values.Power}, add(1, base)); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendSnapshot(ctx, values.Snapshot{ID: "s1", UserID: "u1", SnapshotTime: base}); err != nil {
		t.Fatal(err)
	}
	if err := st.Apply(ctx, "u2", "b1", []values.Value{values.Power}, add(1, base)); err != nil {
		t.Fatal(err)
	}

	if err := st.ReplaceUser(ctx, "u1", nil, nil); err != nil {
		t.Fatal(err)
	}
	if aggs, n, _ := st.Aggregates(ctx, "u1"); len(aggs) != 0 || n != 0 {
		t.Errorf("reset left %d aggs, %d beliefs", len(aggs), n)
	}
	if s, _ := st.GetSnapshot(ctx, "s1"); s == nil {
		t.Error("reset removed snapshot history")
	}
	// Receipts are gone too, so the belief can be replayed.
	if err := st.Apply(ctx, "u1", "b1", []values.Value{values.Power}, add(1, base)); err != nil {
		t.Errorf("replay after reset: %v", err)
	}

	staged := []values.Aggregate{
		{Value: values.Hedonism, ReferenceTime: base.Add(time.Hour), DecayedScore: 0.7, BeliefCount: 2},
		{Value: values.Benevolence, ReferenceTime: base, DecayedScore: 0.3, BeliefCount: 1},
	}
	receipts := []engine.Receipt{{BeliefID: "r1", OccurredAt: base}, {BeliefID: "r2", OccurredAt: base.Add(time.Hour)}}
	if err := st.ReplaceUser(ctx, "u1", staged, receipts); err != nil {
		t.Fatal(err)
	}
	aggs, n, err := st.Aggregates(ctx, "u1")
	if err != nil || n != 2 || len(aggs) != 2 {
		t.Fatalf("after replace: aggs = %+v, beliefs = %d, err = %v", aggs, n, err)
	}
	if aggs[0].Value != values.Benevolence || aggs[1].Value != values.Hedonism ||
		aggs[1].DecayedScore != 0.7 || !aggs[1].ReferenceTime.Equal(base.Add(time.Hour)) || aggs[1].UserID != "u1" {
		t.Errorf("replaced aggregates = %+v", aggs)
	}
	if err := st.Apply(ctx, "u1", "r1", []values.Value{values.Power}, add(1, base)); !errors.Is(err, engine.ErrDuplicateBelief) {
		t.Errorf("replaced receipt not honoured: %v", err)
	}

	if err := st.EraseUser(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if aggs, n, _ := st.Aggregates(ctx, "u1"); len(aggs) != 0 || n != 0 {
		t.Errorf("erase left %d aggs, %d beliefs", len(aggs), n)
	}
	if s, _ := st.GetSnapshot(ctx, "s1"); s != nil {
		t.Error("erase kept snapshot")
	}
	if _, n, _ := st.Aggregates(ctx, "u2"); n != 1 {
		t.Error("erase touched another user")
	}
}

func testSnapshotLog(t *testing.T, st engine.Store) {
	ctx := context.Background()
	mk := func(id string, days int) values.Snapshot {
		return values.Snapshot{
			ID:           id,
			UserID:       "u1",
			SnapshotTime: base.Add(time.Duration(days) * 24 * time.Hour),
			Distribution: values.Scores{values.Benevolence: 0.75, values.Power: 0.25},
			Intensity:    0.42,
			Mature:       true,
			HasSignal:    true,
			BeliefCount:  31,
		}
	}
	for _, s := range []values.Snapshot{mk("c", 14), mk("a", 0), mk("b", 7)} {
		if err := st.AppendSnapshot(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	all, err := st.Snapshots(ctx, "u1", time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "a" || all[1].ID != "b" || all[2].ID != "c" {
		t.Fatalf("order = %+v", all)
	}
	got := all[1]
	if got.Distribution[values.Benevolence] != 0.75 || got.Distribution[values.Tradition] != 0 ||
		got.Intensity != 0.42 || !got.Mature || !got.HasSignal || got.BeliefCount != 31 ||
		!got.SnapshotTime.Equal(base.Add(7*24*time.Hour)) {
		t.Errorf("snapshot = %+v", got)
	}

	ranged, _ := st.Snapshots(ctx, "u1", base.Add(24*time.Hour), base.Add(7*24*time.Hour))
	if len(ranged) != 1 || ranged[0].ID != "b" {
		t.Errorf("ranged = %+v", ranged)
	}

	s, err := st.GetSnapshot(ctx, "c")
	if err != nil || s == nil || s.UserID != "u1" {
		t.Errorf("GetSnapshot = %+v, %v", s, err)
	}
	if s, err := st.GetSnapshot(ctx, "missing"); s != nil || err != nil {
		t.Errorf("missing = %+v, %v", s, err)
	}

	if err := st.DeleteSnapshots(ctx, []string{"a", "c"}); err != nil {
		t.Fatal(err)
	}
	left, _ := st.Snapshots(ctx, "u1", time.Time{}, time.Time{})
	if len(left) != 1 || left[0].ID != "b" {
		t.Errorf("after delete = %+v", left)
	}
	users, _ := st.Users(ctx)
	if len(users) != 1 || users[0] != "u1" {
		t.Errorf("snapshot-only user missing from Users: %v", users)
	}
}

// testReplaceWaitsForApply races resets against applies on one key. Each
// apply adds one to the aggregate count and one receipt, so the two agree
// unless an apply wrote back state read before a reset.
func testReplaceWaitsForApply(t *testing.T, st engine.Store) {
	ctx := context.Background()
	const writers, perWriter = 4, 50

	var g errgroup.Group
	for w := 0; w < writers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < perWriter; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				if err := st.Apply(ctx, "u1", id, []values.Value{values.Power}, add(1, base)); err != nil {
					return fmt.Errorf("apply %s: %w", id, err)
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for i := 0; i < 20; i++ {
			if err := st.ReplaceUser(ctx, "u1", nil, nil); err != nil {
				return err
			}
			if err := st.EraseUser(ctx, "u1"); err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	aggs, beliefs, err := st.Aggregates(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	if len(aggs) == 1 {
		count = aggs[0].BeliefCount
	}
	if count != beliefs {
		t.Errorf("aggregate counts %d beliefs, receipts say %d", count, beliefs)
	}
}

func testStorableRangeEdges(t *testing.T, st engine.Store) {
	ctx := context.Background()
	for _, at := range []time.Time{values.MinTime, values.MaxTime} {
		user := "u-" + at.Format("2006")
		if err := st.Apply(ctx, user, "b1", []values.Value{values.Security}, add(1, at)); err != nil {
			t.Fatalf("Apply at %s: %v", at, err)
		}
		aggs, _, err := st.Aggregates(ctx, user)
		if err != nil || len(aggs) != 1 {
			t.Fatalf("Aggregates: %+v, %v", aggs, err)
		}
		if !aggs[0].ReferenceTime.Equal(at) {
			t.Errorf("stored %s, read back %s", at, aggs[0].ReferenceTime)
		}

		snap := values.Snapshot{ID: user, UserID: user, SnapshotTime: at}
		if err := st.AppendSnapshot(ctx, snap); err != nil {
			t.Fatal(err)
		}
		got, err := st.GetSnapshot(ctx, user)
		if err != nil || got == nil || !got.SnapshotTime.Equal(at) {
			t.Errorf("snapshot at %s read back as %+v, %v", at, got, err)
		}
	}
}
