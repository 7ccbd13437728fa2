// Package patch applies the row images carried by action modified rows to
// the materialized dataset.
//
// Patches are full row images, so applying one is a single upsert or delete
// keyed by (table, row_id):
//
//	op       forward          reverse
//	INSERT   upsert post      delete
//	UPDATE   upsert post      upsert pre
//	DELETE   delete           upsert pre
//
// The audience key never travels inside a patch. It comes from the AMR and
// the storage boundary checks it. Every write uses store.WriteReplay, so
// applying patches never produces new patches.
package patch

import (
	"context"
	"fmt"

	"github.com/roach88/lofisync/internal/ir"
	"github.com/roach88/lofisync/internal/store"
)

// Applier writes AMR patches through a store transaction.
type Applier struct{}

// New creates an Applier.
func New() *Applier {
	return &Applier{}
}

// ApplyForward moves the row to the AMR's post-image.
func (a *Applier) ApplyForward(ctx context.Context, tx *store.Tx, m ir.ActionModifiedRow) error {
	switch m.Operation {
	case ir.OpInsert, ir.OpUpdate:
		return wrap("forward", m, tx.PutRow(ctx, store.WriteReplay, m.TableName, m.RowID, m.AudienceKey, m.ForwardPatch))
	case ir.OpDelete:
		return wrap("forward", m, tx.DeleteRow(ctx, store.WriteReplay, m.TableName, m.RowID, m.AudienceKey))
	default:
		return fmt.Errorf("apply forward %s: unknown operation %q", m.ID, m.Operation)
	}
}

// ApplyReverse moves the row back to the AMR's pre-image.
func (a *Applier) ApplyReverse(ctx context.Context, tx *store.Tx, m ir.ActionModifiedRow) error {
	switch m.Operation {
	case ir.OpInsert:
		return wrap("reverse", m, tx.DeleteRow(ctx, store.WriteReplay, m.TableName, m.RowID, m.AudienceKey))
	case ir.OpUpdate, ir.OpDelete:
		return wrap("reverse", m, tx.PutRow(ctx, store.WriteReplay, m.TableName, m.RowID, m.AudienceKey, m.ReversePatch))
	default:
		return fmt.Errorf("apply reverse %s: unknown operation %q", m.ID, m.Operation)
	}
}

// ApplyAllForward applies an action's AMRs in ascending sequence.
func (a *Applier) ApplyAllForward(ctx context.Context, tx *store.Tx, amrs []ir.ActionModifiedRow) error {
	for _, m := range amrs {
		if err := a.ApplyForward(ctx, tx, m); err != nil {
			return err
		}
	}
	return nil
}

// ApplyAllReverse undoes an action's AMRs in descending sequence.
func (a *Applier) ApplyAllReverse(ctx context.Context, tx *store.Tx, amrs []ir.ActionModifiedRow) error {
	for i := len(amrs) - 1; i >= 0; i-- {
		if err := a.ApplyReverse(ctx, tx, amrs[i]); err != nil {
			return err
		}
	}
	return nil
}

func wrap(direction string, m ir.ActionModifiedRow, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("apply %s %s (%s/%s): %w", direction, m.ID, m.TableName, m.RowID, err)
}
