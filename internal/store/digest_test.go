package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lofisync/internal/ir"
)

func TestDatasetDigest(t *testing.T) {
	rows := []ir.DatasetRow{
		{Table: "todos", RowID: "1", AudienceKey: "list:1", Data: ir.Object{"title": ir.String("a"), "done": ir.Bool(false)}},
		{Table: "todos", RowID: "2", AudienceKey: "list:1", Data: ir.Object{"title": ir.String("b")}},
	}
	d1, err := DatasetDigest(rows)
	require.NoError(t, err)
	assert.Len(t, d1, 32)

	reordered := []ir.DatasetRow{rows[0], rows[1]}
	reordered[0].Data = ir.Object{"done": ir.Bool(false), "title": ir.String("a")}
	d2, err := DatasetDigest(reordered)
	require.NoError(t, err)
	assert.Equal(t, d1, d2, "key order inside a row does not matter")

	rows[1].AudienceKey = "list:2"
	d3, err := DatasetDigest(rows)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)

	empty, err := DatasetDigest(nil)
	require.NoError(t, err)
	assert.NotEqual(t, d1, empty)
}

func TestDatasetDigest_FieldBoundaries(t *testing.T) {
	a, err := DatasetDigest([]ir.DatasetRow{{Table: "ab", RowID: "c", Data: ir.Object{}}})
	require.NoError(t, err)
	b, err := DatasetDigest([]ir.DatasetRow{{Table: "a", RowID: "bc", Data: ir.Object{}}})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestTx_Digest(t *testing.T) {
	s := createTestStore(t)
	var before, after string
	inTx(t, s, AudienceScope("list:1"), func(ctx context.Context, tx *Tx) {
		var err error
		before, err = tx.Digest(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.PutRow(ctx, WriteReplay, "todos", "1", "list:1", ir.Object{"title": ir.String("x")}))
		after, err = tx.Digest(ctx)
		require.NoError(t, err)
	})
	assert.NotEqual(t, before, after)
}
