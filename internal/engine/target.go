package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/lofisync/internal/ir"
	"github.com/roach88/lofisync/internal/store"
)

// Target is a rollback destination: every applied record with an order key
// greater than Key is rolled back. A nil Key is genesis.
type Target struct {
	Key *ir.OrderKey
}

// Genesis rolls back everything.
var Genesis = Target{}

// At returns the target that keeps key and everything before it applied.
func At(key ir.OrderKey) Target {
	return Target{Key: &key}
}

// IsGenesis reports whether the target rolls back the whole log.
func (t Target) IsGenesis() bool {
	return t.Key == nil
}

func (t Target) String() string {
	if t.Key == nil {
		return ir.GenesisTarget
	}
	return t.Key.String()
}

// earlier returns whichever target rolls back further.
func earlier(a, b *Target) *Target {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.IsGenesis():
		return a
	case b.IsGenesis():
		return b
	case b.Key.Less(*a.Key):
		return b
	default:
		return a
	}
}

// TargetFromRollbacks derives the forced rollback target from the ROLLBACK
// actions among actions. The earliest requested target wins. A target action
// that is unknown or invisible in this replica rolls back to genesis.
// Returns nil when actions contain no rollback markers.
func TargetFromRollbacks(ctx context.Context, tx *store.Tx, actions []ir.ActionRecord) (*Target, error) {
	var forced *Target
	for _, a := range actions {
		rb, ok := a.Args.(ir.Rollback)
		if !ok || a.Tag != ir.TagRollback {
			continue
		}
		t := Genesis
		if !rb.IsGenesis() {
			target, err := tx.GetAction(ctx, rb.Target)
			switch {
			case errors.Is(err, store.ErrNotFound):
			case err != nil:
				return nil, fmt.Errorf("rollback target %s: %w", rb.Target, err)
			default:
				t = At(ir.KeyOf(target))
			}
		}
		forced = earlier(forced, &t)
	}
	return forced, nil
}
