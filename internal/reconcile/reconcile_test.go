package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lofisync/internal/hlc"
	"github.com/roach88/lofisync/internal/ir"
	"github.com/roach88/lofisync/internal/schema"
	"github.com/roach88/lofisync/internal/store"
)

func TestSync_LateArrivalIsReorderedByOrderKey(t *testing.T) {
	srv, srvStore := newServer(t)
	a := newReplica(t, local(srv), "A", 1000)
	b := newReplica(t, local(srv), "B", 1000)

	// A creates the row at t=1000 and uploads it.
	a.setTitle(t, "1", "created by A")
	a.sync(t)

	// B catches up, then updates at t=3000 and uploads.
	b.sync(t)
	b.time.Set(3000)
	b.setTitle(t, "1", "B at 3000")
	b.sync(t)

	// A, still offline from B's point of view, updates at t=2000.
	a.time.Set(2000)
	a.setTitle(t, "1", "A at 2000")
	resA := a.sync(t)
	assert.Equal(t, 1, resA.Uploaded)
	assert.Equal(t, 1, resA.Conflicts)

	// B receives A's older write after its own newer one.
	resB := b.sync(t)
	assert.Equal(t, 1, resB.RolledBack)
	assert.Equal(t, 2, resB.Applied)

	want := map[string]string{"1": "B at 3000"}
	assert.Equal(t, want, a.titles(t))
	assert.Equal(t, want, b.titles(t))
	assert.Equal(t, want, titlesIn(t, srvStore, store.BypassScope()))

	var conflicts []store.Conflict
	err := srvStore.WithTx(context.Background(), store.BypassScope(), func(tx *store.Tx) error {
		var err error
		conflicts, err = tx.Conflicts(context.Background(), "todos")
		return err
	})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "B-0001", conflicts[0].WinnerID)
	assert.Equal(t, "A-0002", conflicts[0].LoserID)
}

func TestSync_ConcurrentWritesConverge(t *testing.T) {
	srv, srvStore := newServer(t)
	a := newReplica(t, local(srv), "A", 1000)
	b := newReplica(t, local(srv), "B", 1500)

	a.setTitle(t, "x", "from A")
	b.setTitle(t, "x", "from B")
	a.setTitle(t, "y", "only A")

	a.sync(t)
	b.sync(t)
	a.sync(t)

	// B's write has the greater order key.
	want := map[string]string{"x": "from B", "y": "only A"}
	assert.Equal(t, want, a.titles(t))
	assert.Equal(t, want, b.titles(t))
	assert.Equal(t, want, titlesIn(t, srvStore, store.BypassScope()))

	assert.Equal(t, counts(t, a.store).Actions, counts(t, b.store).Actions)
}

func TestSendLocalActions_Idempotent(t *testing.T) {
	srv, srvStore := newServer(t)
	a := newReplica(t, local(srv), "A", 1000)
	a.setTitle(t, "1", "one")
	a.setTitle(t, "2", "two")
	req := a.pendingRequest(t, 0)
	ctx := context.Background()

	first, err := srv.SendLocalActions(ctx, principal("A"), req)
	require.NoError(t, err)
	after := counts(t, srvStore)

	second, err := srv.SendLocalActions(ctx, principal("A"), req)
	require.NoError(t, err)

	assert.Equal(t, first.IngestIDs, second.IngestIDs)
	assert.Equal(t, map[string]uint64{"A-0001": 1, "A-0002": 2}, first.IngestIDs)
	assert.Equal(t, uint64(2), second.HighWater)
	assert.Equal(t, after, counts(t, srvStore))
	assert.Equal(t, store.Counts{Actions: 2, AMRs: 2, Applied: 2, Rows: 2}, after)
}

func TestSendLocalActions_ClearsClientBookkeeping(t *testing.T) {
	srv, _ := newServer(t)
	a := newReplica(t, local(srv), "A", 1000)
	a.setTitle(t, "1", "one")
	req := a.pendingRequest(t, 0)
	bogus := uint64(99)
	req.Actions[0].ServerIngestID = &bogus
	req.Actions[0].Synced = true

	resp, err := srv.SendLocalActions(context.Background(), principal("A"), req)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.IngestIDs["A-0001"])
}

func TestSendLocalActions_HeadGate(t *testing.T) {
	srv, _ := newServer(t)
	a := newReplica(t, local(srv), "A", 1000)
	b := newReplica(t, local(srv), "B", 1000)

	a.setTitle(t, "1", "from A")
	a.sync(t)

	b.setTitle(t, "2", "from B")
	_, err := srv.SendLocalActions(context.Background(), principal("B"), b.pendingRequest(t, 0))
	require.Error(t, err)
	assert.True(t, IsBehindHead(err))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, uint64(1), Classify(err).FirstUnseenIngestID)

	// A's own prior uploads never block A.
	a.setTitle(t, "3", "more from A")
	_, err = srv.SendLocalActions(context.Background(), principal("A"), a.pendingRequest(t, 0))
	require.NoError(t, err)

	// After fetch and reconcile the same write goes through.
	res := b.sync(t)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, map[string]string{"1": "from A", "2": "from B", "3": "more from A"}, b.titles(t))
}

func TestSync_RetriesWhenOvertakenBeforeUpload(t *testing.T) {
	srv, _ := newServer(t)
	a := newReplica(t, local(srv), "A", 1000)

	b := newReplica(t, func(p Principal) Remote {
		return &hookedRemote{
			Remote: LocalRemote{Server: srv, Principal: p},
			beforeSend: func() {
				a.setTitle(t, "race", "A slipped in")
				a.sync(t)
			},
		}
	}, "B", 2000)

	b.setTitle(t, "mine", "from B")
	res := b.sync(t)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, map[string]string{"mine": "from B", "race": "A slipped in"}, b.titles(t))
}

func TestSync_GivesUpAfterMaxAttempts(t *testing.T) {
	srv, _ := newServer(t)
	a := newReplica(t, local(srv), "A", 1000)
	b := newReplica(t, func(p Principal) Remote {
		return &hookedRemote{
			Remote: LocalRemote{Server: srv, Principal: p},
			beforeSend: func() {
				a.setTitle(t, "race", "A slipped in")
				a.sync(t)
			},
		}
	}, "B", 2000, WithMaxAttempts(1))

	b.setTitle(t, "mine", "from B")
	res, err := b.client.Sync(context.Background())
	require.Error(t, err)
	assert.True(t, IsBehindHead(err))
	assert.Equal(t, 1, res.Attempts)
}

func TestSendLocalActions_Denied(t *testing.T) {
	srv, srvStore := newServer(t)
	a := newReplica(t, local(srv), "A", 1000)
	a.setTitle(t, "1", "one")
	req := a.pendingRequest(t, 0)
	req.ModifiedRows[0].AudienceKey = "list:secret"

	_, err := srv.SendLocalActions(context.Background(), principal("A"), req)
	require.Error(t, err)
	assert.Equal(t, KindDenied, KindOf(err))
	assert.False(t, IsRetryable(err))
	assert.Zero(t, counts(t, srvStore).Actions)
}

func TestSendLocalActions_InvalidBatch(t *testing.T) {
	srv, srvStore := newServer(t)
	a := newReplica(t, local(srv), "A", 1000)
	a.setTitle(t, "1", "one")
	req := a.pendingRequest(t, 0)

	// Uploaded under someone else's identity.
	_, err := srv.SendLocalActions(context.Background(), principal("B"), req)
	require.Error(t, err)
	assert.Equal(t, KindInvalidBatch, KindOf(err))

	// AMR pointing at an action outside the batch.
	req.ModifiedRows[0].ActionRecordID = "ghost"
	_, err = srv.SendLocalActions(context.Background(), principal("A"), req)
	assert.Equal(t, KindInvalidBatch, KindOf(err))
	assert.Zero(t, counts(t, srvStore).Actions)
}

func TestSync_QuarantineHoldsUploadsUntilDiscarded(t *testing.T) {
	reg, err := schema.LoadString(`
table: todos: {
	columns: title: "string"
	required: ["title"]
}
`)
	require.NoError(t, err)
	srv, srvStore := newServer(t, store.WithSchema(reg))
	a := newReplica(t, local(srv), "A", 1000)
	ctx := context.Background()

	// The replica has no schema; the server rejects the integer title.
	a.set(t, "bad", ir.Int(7))
	_, err = a.client.Sync(ctx)
	require.Error(t, err)
	assert.Equal(t, KindInvalidBatch, KindOf(err))

	q, err := a.client.Quarantined(ctx)
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.Equal(t, "A-0001", q[0].ActionRecordID)

	// Later writes stay local while the quarantine is non-empty.
	a.time.Set(2000)
	a.setTitle(t, "good", "fine")
	res := a.sync(t)
	assert.Equal(t, 1, res.Held)
	assert.Zero(t, res.Uploaded)
	assert.Zero(t, counts(t, srvStore).Actions)

	n, err := a.client.DiscardQuarantine(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, map[string]string{"good": "fine"}, a.titles(t))

	res = a.sync(t)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, map[string]string{"good": "fine"}, titlesIn(t, srvStore, store.BypassScope()))
}

func TestSync_ReleaseQuarantine(t *testing.T) {
	srv, _ := newServer(t)
	a := newReplica(t, local(srv), "A", 1000)
	ctx := context.Background()

	a.setTitle(t, "1", "one")
	err := a.store.WithTx(ctx, store.AudienceScope(audience), func(tx *store.Tx) error {
		return tx.Quarantine(ctx, []string{"A-0001"}, "rejected earlier")
	})
	require.NoError(t, err)

	res := a.sync(t)
	assert.Equal(t, 1, res.Held)

	require.NoError(t, a.client.ReleaseQuarantine(ctx))
	res = a.sync(t)
	assert.Equal(t, 1, res.Uploaded)
}

func TestSync_EpochChangeBootstraps(t *testing.T) {
	srv, srvStore := newServer(t)
	a := newReplica(t, local(srv), "A", 1000)
	ctx := context.Background()

	a.setTitle(t, "old", "before reset")
	a.sync(t)
	before, err := srv.Meta(ctx)
	require.NoError(t, err)

	a.time.Set(2000)
	a.setTitle(t, "pending", "written offline")

	after, err := srv.ResetEpoch(ctx)
	require.NoError(t, err)
	require.NotEqual(t, before.Epoch, after.Epoch)

	res := a.sync(t)
	assert.True(t, res.Bootstrapped)
	assert.Equal(t, 1, res.Uploaded)

	// Synced history from the old epoch is gone; the pending write survives.
	assert.Equal(t, map[string]string{"pending": "written offline"}, a.titles(t))
	assert.Equal(t, map[string]string{"pending": "written offline"}, titlesIn(t, srvStore, store.BypassScope()))

	st, err := a.client.SyncState(ctx)
	require.NoError(t, err)
	assert.Equal(t, after.Epoch, st.ServerEpoch)
}

func TestSync_EpochResetDuringUploadBootstraps(t *testing.T) {
	srv, srvStore := newServer(t)
	ctx := context.Background()

	b := newReplica(t, local(srv), "B", 1000)
	for _, row := range []string{"1", "2", "3"} {
		b.setTitle(t, row, "from B")
	}
	b.sync(t)

	c := newReplica(t, local(srv), "C", 1500)
	a := newReplica(t, func(p Principal) Remote {
		return &hookedRemote{
			Remote: LocalRemote{Server: srv, Principal: p},
			beforeSend: func() {
				_, err := srv.ResetEpoch(ctx)
				require.NoError(t, err)
				c.setTitle(t, "c", "from C")
				c.sync(t)
			},
		}
	}, "A", 2000)

	a.setTitle(t, "a", "from A")
	res := a.sync(t)
	assert.True(t, res.Bootstrapped)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, res.Uploaded)

	want := map[string]string{"a": "from A", "c": "from C"}
	assert.Equal(t, want, a.titles(t))
	assert.Equal(t, want, titlesIn(t, srvStore, store.BypassScope()))
}

func TestSendLocalActions_RejectsBasisFromOldEpoch(t *testing.T) {
	srv, _ := newServer(t)
	ctx := context.Background()
	a := newReplica(t, local(srv), "A", 1000)
	c := newReplica(t, local(srv), "C", 1000)

	a.setTitle(t, "1", "one")
	a.setTitle(t, "2", "two")
	a.setTitle(t, "3", "three")
	a.sync(t)
	old, err := srv.Meta(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), old.IngestHighWater)

	_, err = srv.ResetEpoch(ctx)
	require.NoError(t, err)
	c.setTitle(t, "c", "new epoch")
	c.sync(t)

	a.setTitle(t, "4", "stale")
	req := a.pendingRequest(t, 3)
	req.ServerEpoch = old.Epoch
	_, err = srv.SendLocalActions(ctx, principal("A"), req)
	require.Error(t, err)
	assert.True(t, IsBehindHead(err))
	assert.Equal(t, uint64(1), Classify(err).FirstUnseenIngestID)

	// A basis past the high water is stale even without an epoch.
	req = a.pendingRequest(t, 7)
	_, err = srv.SendLocalActions(ctx, principal("A"), req)
	require.Error(t, err)
	assert.True(t, IsBehindHead(err))
}

func TestBootstrap_ReseededClockKeepsAdvancing(t *testing.T) {
	srv, _ := newServer(t)
	ctx := context.Background()
	a := newReplica(t, local(srv), "A", 5000)

	a.setTitle(t, "1", "one")
	a.setTitle(t, "2", "two")
	last := a.setTitle(t, "3", "three")
	a.sync(t)

	res, err := a.client.Bootstrap(ctx)
	require.NoError(t, err)
	require.True(t, res.Bootstrapped)
	assert.Equal(t, int64(0), counts(t, a.store).Actions)

	// A restarted process seeds a fresh clock from the store.
	clock := hlc.NewClock("A", a.time.Now)
	err = a.store.WithTx(ctx, store.BypassScope(), func(tx *store.Tx) error {
		seed, err := tx.SeedClock(ctx)
		if err != nil {
			return err
		}
		clock.Observe(seed)
		return nil
	})
	require.NoError(t, err)

	next := clock.Now()
	assert.True(t, hlc.Less(last.Clock, next), "next %s must sort after %s", next, last.Clock)
	assert.Equal(t, hlc.After, hlc.Compare(next, last.Clock))
	assert.Equal(t, last.Clock.Vector["A"]+1, next.Vector["A"])
}

func TestSync_CompactedCursorBootstraps(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	srv, srvStore := newServer(t, store.WithNow(func() time.Time { return now }))
	a := newReplica(t, local(srv), "A", 1000)
	ctx := context.Background()

	a.setTitle(t, "1", "one")
	a.setTitle(t, "2", "two")
	a.sync(t)

	// Compact the first action.
	err := srvStore.WithTx(ctx, store.BypassScope(), func(tx *store.Tx) error {
		expired, err := tx.ExpiredActions(ctx, now.Add(time.Hour), 1)
		if err != nil {
			return err
		}
		_, err = tx.DeleteCompacted(ctx, expired)
		return err
	})
	require.NoError(t, err)

	_, err = srv.FetchRemoteActions(ctx, principal("C"), FetchRequest{SinceServerIngestID: 0})
	require.Error(t, err)
	assert.True(t, IsCompacted(err))
	assert.Equal(t, uint64(2), Classify(err).MinRetainedIngestID)

	c := newReplica(t, local(srv), "C", 5000)
	res := c.sync(t)
	assert.True(t, res.Bootstrapped)
	assert.Equal(t, uint64(2), res.HighWater)
	assert.Equal(t, map[string]string{"1": "one", "2": "two"}, c.titles(t))
}

func TestFetchRemoteActions_ScopeAndSelf(t *testing.T) {
	srv, _ := newServer(t)
	a := newReplica(t, local(srv), "A", 1000)
	ctx := context.Background()

	a.setTitle(t, "1", "one")
	a.sync(t)

	resp, err := srv.FetchRemoteActions(ctx, principal("A"), FetchRequest{})
	require.NoError(t, err)
	assert.Empty(t, resp.Actions)
	assert.Equal(t, uint64(1), resp.HighWater)

	resp, err = srv.FetchRemoteActions(ctx, principal("A"), FetchRequest{IncludeSelf: true})
	require.NoError(t, err)
	require.Len(t, resp.Actions, 1)
	require.Len(t, resp.ModifiedRows, 1)
	assert.Equal(t, uint64(1), *resp.Actions[0].ServerIngestID)

	outsider := Principal{ClientID: "Z", Audiences: []string{"list:other"}}
	resp, err = srv.FetchRemoteActions(ctx, outsider, FetchRequest{})
	require.NoError(t, err)
	assert.Empty(t, resp.Actions)
	assert.Equal(t, uint64(1), resp.MinRetainedServerIngestID)
}

func TestRebuild_PropagatesRollbackMarker(t *testing.T) {
	srv, srvStore := newServer(t)
	a := newReplica(t, local(srv), "A", 1000)
	b := newReplica(t, local(srv), "B", 1000)
	ctx := context.Background()

	a.setTitle(t, "1", "one")
	a.sync(t)
	b.sync(t)

	stats, err := a.client.Rebuild(ctx, ir.GenesisTarget)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RolledBack)
	assert.Equal(t, 1, stats.Applied)

	a.sync(t)
	res := b.sync(t)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, 1, res.RolledBack)
	assert.Equal(t, map[string]string{"1": "one"}, b.titles(t))
	assert.Equal(t, map[string]string{"1": "one"}, titlesIn(t, srvStore, store.BypassScope()))
}
