package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lofisync/internal/ir"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	snap := Snapshot{
		ServerEpoch: "epoch-1",
		HighWater:   12,
		Rows: []ir.DatasetRow{
			{Table: "todos", RowID: "1", AudienceKey: audience, Data: ir.Object{"title": ir.String("one"), "done": ir.Bool(true)}},
			{Table: "todos", RowID: "2", AudienceKey: audience, Data: ir.Object{"tags": ir.Array{ir.String("a"), ir.Int(2)}}},
		},
	}

	payload, err := EncodeSnapshot(snap)
	require.NoError(t, err)
	assert.Equal(t, "epoch-1", payload.ServerEpoch)
	assert.NotZero(t, payload.Checksum)

	got, err := DecodeSnapshot(payload)
	require.NoError(t, err)
	assert.Equal(t, snap.ServerEpoch, got.ServerEpoch)
	assert.Equal(t, snap.HighWater, got.HighWater)
	require.Len(t, got.Rows, 2)
	for i := range snap.Rows {
		assert.Equal(t, snap.Rows[i].RowID, got.Rows[i].RowID)
		assert.Equal(t, ir.MustCanonical(snap.Rows[i].Data), ir.MustCanonical(got.Rows[i].Data))
	}
}

func TestSnapshot_Empty(t *testing.T) {
	payload, err := EncodeSnapshot(Snapshot{ServerEpoch: "e"})
	require.NoError(t, err)
	got, err := DecodeSnapshot(payload)
	require.NoError(t, err)
	assert.Empty(t, got.Rows)
}

func TestSnapshot_ChecksumMismatch(t *testing.T) {
	payload, err := EncodeSnapshot(Snapshot{
		ServerEpoch: "e",
		Rows:        []ir.DatasetRow{{Table: "todos", RowID: "1", AudienceKey: audience, Data: ir.Object{}}},
	})
	require.NoError(t, err)
	payload.Checksum++

	_, err = DecodeSnapshot(payload)
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestSnapshot_CorruptCompression(t *testing.T) {
	_, err := DecodeSnapshot(SnapshotPayload{Rows: []byte{0xff, 0xff, 0xff}})
	assert.Error(t, err)
}
