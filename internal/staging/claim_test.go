package staging_test

import (
	"context"
	"errors"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"cdc-loader/internal/logging"
	"cdc-loader/internal/staging"
	"cdc-loader/internal/staging/stagingtest"
)

var layout = staging.Layout{Unprocessed: "unprocessed", InProgress: "in-progress", Processed: "processed"}

const staleAfter = time.Minute

func newClaimer(store staging.Store, locker staging.Locker, deleteMarkers bool) *staging.Claimer {
	return staging.NewClaimer(store, layout, locker, deleteMarkers, staleAfter, logging.Discard())
}

func artifact(c *qt.C, key string) staging.Artifact {
	a, err := layout.Parse(key, staging.StateUnprocessed)
	c.Assert(err, qt.IsNil)
	return a
}

func TestClaimComplete(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	store := stagingtest.NewStore()
	c.Assert(store.Put(ctx, "unprocessed/a__data.json", []byte(`{"id":"1"}`)), qt.IsNil)

	claimer := newClaimer(store, staging.NewLocalLocker(), false)
	claim, err := claimer.Claim(ctx, artifact(c, "unprocessed/a__data.json"))
	c.Assert(err, qt.IsNil)
	c.Assert(claim.Key, qt.Equals, "in-progress/a__data.json")
	c.Assert(claim.Location(), qt.Equals, "s3://test-bucket/in-progress/a__data.json")
	c.Assert(store.Keys(), qt.DeepEquals, []string{"in-progress/a__data.json"})

	c.Assert(claim.Complete(ctx), qt.IsNil)
	c.Assert(store.Keys(), qt.DeepEquals, []string{"processed/a__data.json"})

	body, _ := store.Get("processed/a__data.json")
	c.Assert(string(body), qt.Equals, `{"id":"1"}`)
}

func TestClaimRelease(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	store := stagingtest.NewStore()
	c.Assert(store.Put(ctx, "unprocessed/a__data.json", nil), qt.IsNil)

	locker := staging.NewLocalLocker()
	claimer := newClaimer(store, locker, false)
	claim, err := claimer.Claim(ctx, artifact(c, "unprocessed/a__data.json"))
	c.Assert(err, qt.IsNil)

	c.Assert(claim.Release(ctx), qt.IsNil)
	c.Assert(store.Keys(), qt.DeepEquals, []string{"unprocessed/a__data.json"})

	// lock is free again
	claim, err = claimer.Claim(ctx, artifact(c, "unprocessed/a__data.json"))
	c.Assert(err, qt.IsNil)
	c.Assert(claim.Complete(ctx), qt.IsNil)
}

func TestClaimMarkerDeleted(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	store := stagingtest.NewStore()
	c.Assert(store.Put(ctx, "unprocessed/m__no_data.txt", nil), qt.IsNil)

	claimer := newClaimer(store, staging.NewLocalLocker(), true)
	claim, err := claimer.Claim(ctx, artifact(c, "unprocessed/m__no_data.txt"))
	c.Assert(err, qt.IsNil)
	c.Assert(claim.Complete(ctx), qt.IsNil)
	c.Assert(store.Keys(), qt.HasLen, 0)
}

func TestClaimLost(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	store := stagingtest.NewStore()
	c.Assert(store.Put(ctx, "unprocessed/a__data.json", nil), qt.IsNil)

	locker := staging.NewLocalLocker()
	first := newClaimer(store, locker, false)
	second := newClaimer(store, locker, false)

	claim, err := first.Claim(ctx, artifact(c, "unprocessed/a__data.json"))
	c.Assert(err, qt.IsNil)

	_, err = second.Claim(ctx, artifact(c, "unprocessed/a__data.json"))
	c.Assert(errors.Is(err, staging.ErrAlreadyClaimed), qt.IsTrue)

	c.Assert(claim.Complete(ctx), qt.IsNil)

	// retired by the first run; the stale listing entry is no longer there
	_, err = second.Claim(ctx, artifact(c, "unprocessed/a__data.json"))
	c.Assert(errors.Is(err, staging.ErrAlreadyClaimed), qt.IsTrue)
}

func TestClaimMoveFailureUnlocks(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	store := stagingtest.NewStore()
	c.Assert(store.Put(ctx, "unprocessed/a__data.json", nil), qt.IsNil)
	boom := errors.New("boom")
	store.FailOn("copy", "unprocessed/a__data.json", boom)

	locker := staging.NewLocalLocker()
	claimer := newClaimer(store, locker, false)
	_, err := claimer.Claim(ctx, artifact(c, "unprocessed/a__data.json"))
	c.Assert(errors.Is(err, boom), qt.IsTrue)

	release, err := locker.Acquire(ctx, "a__data.json")
	c.Assert(err, qt.IsNil)
	c.Assert(release(ctx), qt.IsNil)
}

func TestClaimCompleteFailureUnlocks(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	store := stagingtest.NewStore()
	c.Assert(store.Put(ctx, "unprocessed/a__data.json", nil), qt.IsNil)

	locker := staging.NewLocalLocker()
	claim, err := newClaimer(store, locker, false).Claim(ctx, artifact(c, "unprocessed/a__data.json"))
	c.Assert(err, qt.IsNil)

	boom := errors.New("boom")
	store.FailOn("delete", "in-progress/a__data.json", boom)
	err = claim.Complete(ctx)
	c.Assert(errors.Is(err, boom), qt.IsTrue)
	c.Assert(err, qt.ErrorMatches, "failed to retire in-progress/a__data.json: .*")

	release, err := locker.Acquire(ctx, "a__data.json")
	c.Assert(err, qt.IsNil)
	c.Assert(release(ctx), qt.IsNil)
}

func TestRecover(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	store := stagingtest.NewStore()
	for _, key := range []string{
		"in-progress/orphan__data.json",
		"in-progress/busy__data.json",
		"in-progress/fresh__data.json",
		"in-progress/done__data.json",
		"processed/done__data.json",
	} {
		c.Assert(store.Put(ctx, key, nil), qt.IsNil)
	}
	old := time.Now().Add(-time.Hour)
	store.Touch("in-progress/orphan__data.json", old)
	store.Touch("in-progress/busy__data.json", old)

	locker := staging.NewLocalLocker()
	release, err := locker.Acquire(ctx, "busy__data.json")
	c.Assert(err, qt.IsNil)
	defer release(ctx)

	n, err := newClaimer(store, locker, false).Recover(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 2)
	c.Assert(store.Keys(), qt.DeepEquals, []string{
		"in-progress/busy__data.json",
		"in-progress/fresh__data.json",
		"processed/done__data.json",
		"unprocessed/orphan__data.json",
	})
}

func TestRecoverLeavesClaimsOfOtherProcesses(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	store := stagingtest.NewStore()
	c.Assert(store.Put(ctx, "unprocessed/a__data.json", nil), qt.IsNil)

	// separate lockers stand in for separate processes
	first := newClaimer(store, staging.NewLocalLocker(), false)
	second := newClaimer(store, staging.NewLocalLocker(), false)

	claim, err := first.Claim(ctx, artifact(c, "unprocessed/a__data.json"))
	c.Assert(err, qt.IsNil)

	n, err := second.Recover(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 0)
	c.Assert(store.Keys(), qt.DeepEquals, []string{"in-progress/a__data.json"})

	c.Assert(claim.Complete(ctx), qt.IsNil)
	c.Assert(store.Keys(), qt.DeepEquals, []string{"processed/a__data.json"})
}

func TestMove(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	store := stagingtest.NewStore()
	c.Assert(store.Put(ctx, "a/x", []byte("body")), qt.IsNil)
	c.Assert(staging.Move(ctx, store, "a/x", "b/x"), qt.IsNil)
	c.Assert(store.Keys(), qt.DeepEquals, []string{"b/x"})

	boom := errors.New("boom")
	store.FailOn("delete", "b/x", boom)
	err := staging.Move(ctx, store, "b/x", "c/x")
	c.Assert(errors.Is(err, boom), qt.IsTrue)
	// copy landed, source kept
	c.Assert(store.Keys(), qt.DeepEquals, []string{"b/x", "c/x"})
}
