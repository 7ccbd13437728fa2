package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lofisync/internal/ir"
)

func seedVisibility(t *testing.T, s *Store) {
	t.Helper()
	inTx(t, s, BypassScope(), func(ctx context.Context, tx *Tx) {
		actions := []ir.ActionRecord{
			createTestAction("a-pub", "c1", 1000, 0),
			createTestAction("a-priv", "c2", 1001, 0),
			createTestAction("a-mixed", "c1", 1002, 0),
			createTestAction("a-none", "c2", 1003, 0),
		}
		amrs := []ir.ActionModifiedRow{
			createTestAMR("a-pub", 0, "r1", "list:pub", "x"),
			createTestAMR("a-priv", 0, "r2", "list:priv", "y"),
			createTestAMR("a-mixed", 0, "r1", "list:pub", "z"),
			createTestAMR("a-mixed", 1, "r2", "list:priv", "w"),
		}
		_, err := tx.InsertBatch(ctx, actions, amrs)
		require.NoError(t, err)
	})
}

func TestActionsInOrder_DeterministicTieBreak(t *testing.T) {
	s := createTestStore(t)

	inTx(t, s, BypassScope(), func(ctx context.Context, tx *Tx) {
		// Same (time, counter): client id then action id decide, bytewise.
		for _, a := range []ir.ActionRecord{
			createTestAction("b", "client-b", 1000, 0),
			createTestAction("a", "client-b", 1000, 0),
			createTestAction("z", "Client-A", 1000, 0),
			createTestAction("y", "client-a", 1000, 1),
			createTestAction("x", "client-z", 999, 5),
		} {
			_, err := tx.InsertAction(ctx, a)
			require.NoError(t, err)
		}

		got, err := tx.ActionsInOrder(ctx)
		require.NoError(t, err)
		// "Client-A" < "client-b" bytewise (uppercase first).
		assert.Equal(t, []string{"x", "z", "a", "b", "y"}, actionIDs(got))

		for i := 1; i < len(got); i++ {
			assert.True(t, ir.KeyOf(got[i-1]).Less(ir.KeyOf(got[i])),
				"store order must match CompareOrderKey at %d", i)
		}
	})
}

func TestActionsInOrder_Empty(t *testing.T) {
	s := createTestStore(t)

	inTx(t, s, BypassScope(), func(ctx context.Context, tx *Tx) {
		got, err := tx.ActionsInOrder(ctx)
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})
}

func TestScope_FiltersActions(t *testing.T) {
	s := createTestStore(t)
	seedVisibility(t, s)

	inTx(t, s, AudienceScope("list:pub"), func(ctx context.Context, tx *Tx) {
		got, err := tx.ActionsInOrder(ctx)
		require.NoError(t, err)
		// Actions with no AMRs stay visible; a-priv has only hidden effects.
		assert.Equal(t, []string{"a-pub", "a-mixed", "a-none"}, actionIDs(got))

		_, err = tx.GetAction(ctx, "a-priv")
		assert.True(t, errors.Is(err, ErrNotFound))

		amrs, err := tx.AMRsForAction(ctx, "a-mixed")
		require.NoError(t, err)
		require.Len(t, amrs, 1)
		assert.Equal(t, "list:pub", amrs[0].AudienceKey)
	})

	inTx(t, s, Scope{}, func(ctx context.Context, tx *Tx) {
		got, err := tx.ActionsInOrder(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a-none"}, actionIDs(got), "zero scope sees only effect-free actions")
	})
}

func TestAudienceScope_Normalizes(t *testing.T) {
	s := AudienceScope("b", "a", "b")
	assert.Equal(t, []string{"a", "b"}, s.Audiences())
	assert.True(t, s.CanSee("a"))
	assert.False(t, s.CanSee("c"))
	assert.False(t, s.IsBypass())
	assert.True(t, BypassScope().CanSee("anything"))
}

func TestUnsyncedActions_OwnOnly(t *testing.T) {
	s := createTestStore(t)

	inTx(t, s, BypassScope(), func(ctx context.Context, tx *Tx) {
		mine := createTestAction("m1", "me", 1000, 0)
		theirs := createTestAction("t1", "them", 999, 0)
		acked := createTestAction("m0", "me", 998, 0)
		acked.Synced = true
		for _, a := range []ir.ActionRecord{mine, theirs, acked} {
			_, err := tx.InsertAction(ctx, a)
			require.NoError(t, err)
		}

		got, err := tx.UnsyncedActions(ctx, "me")
		require.NoError(t, err)
		assert.Equal(t, []string{"m1"}, actionIDs(got))
	})
}

func TestSeedClock_MergesLog(t *testing.T) {
	s := createTestStore(t)

	inTx(t, s, BypassScope(), func(ctx context.Context, tx *Tx) {
		seed, err := tx.SeedClock(ctx)
		require.NoError(t, err)
		assert.Zero(t, seed.TimeMs)

		for _, a := range []ir.ActionRecord{
			createTestAction("a1", "c1", 2000, 3),
			createTestAction("a2", "c2", 1500, 9),
		} {
			_, err := tx.InsertAction(ctx, a)
			require.NoError(t, err)
		}

		seed, err = tx.SeedClock(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(2000), seed.TimeMs)
		assert.Equal(t, uint32(3), seed.Counter)
		assert.Equal(t, map[string]uint32{"c1": 4, "c2": 10}, seed.Vector)
	})
}

func TestSeedClock_KeepsDeletedActions(t *testing.T) {
	s := createTestStore(t)

	inTx(t, s, BypassScope(), func(ctx context.Context, tx *Tx) {
		synced := createTestAction("s1", "me", 3000, 4)
		synced.Synced = true
		for _, a := range []ir.ActionRecord{
			synced,
			createTestAction("q1", "me", 2500, 7),
			createTestAction("keep", "other", 1000, 0),
		} {
			_, err := tx.InsertAction(ctx, a)
			require.NoError(t, err)
		}

		_, err := tx.DropSyncedActions(ctx)
		require.NoError(t, err)
		_, err = tx.DeleteActions(ctx, []string{"q1"})
		require.NoError(t, err)

		floor, err := tx.ClockFloor(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(3000), floor.TimeMs)
		assert.Equal(t, uint32(4), floor.Counter)
		assert.Equal(t, map[string]uint32{"me": 8}, floor.Vector)

		seed, err := tx.SeedClock(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(3000), seed.TimeMs)
		assert.Equal(t, uint32(4), seed.Counter)
		assert.Equal(t, map[string]uint32{"me": 8, "other": 1}, seed.Vector)
	})
}
