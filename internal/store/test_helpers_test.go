package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/lofisync/internal/hlc"
	"github.com/roach88/lofisync/internal/ir"
)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// inTx runs fn in a committed transaction and fails the test on error.
func inTx(t *testing.T, s *Store, scope Scope, fn func(ctx context.Context, tx *Tx)) {
	t.Helper()
	ctx := context.Background()
	err := s.WithTx(ctx, scope, func(tx *Tx) error {
		fn(ctx, tx)
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx() failed: %v", err)
	}
}

// createTestAction creates a mutation record at the given HLC position.
func createTestAction(id, clientID string, timeMs uint64, counter uint32) ir.ActionRecord {
	return ir.ActionRecord{
		ID:       id,
		Tag:      "todos.update",
		ClientID: clientID,
		UserID:   "user-" + clientID,
		Args:     ir.Mutation{Params: ir.Object{"id": ir.String(id)}},
		Clock: hlc.Timestamp{
			TimeMs:  timeMs,
			Counter: counter,
			Vector:  map[string]uint32{clientID: counter + 1},
		},
		CreatedAt: time.UnixMilli(int64(timeMs)).UTC(),
	}
}

// createTestAMR creates an UPDATE effect on todos/<rowID>.
func createTestAMR(actionID string, seq uint32, rowID, audience string, title string) ir.ActionModifiedRow {
	return ir.ActionModifiedRow{
		ID:             ir.AMRID(actionID, seq),
		ActionRecordID: actionID,
		TableName:      "todos",
		RowID:          rowID,
		AudienceKey:    audience,
		Operation:      ir.OpUpdate,
		ForwardPatch:   ir.Object{"title": ir.String(title)},
		ReversePatch:   ir.Object{"title": ir.String("before")},
		Sequence:       seq,
	}
}

func actionIDs(actions []ir.ActionRecord) []string {
	ids := make([]string, len(actions))
	for i, a := range actions {
		ids[i] = a.ID
	}
	return ids
}
