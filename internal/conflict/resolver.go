// Package conflict detects concurrent writes to the same row and keeps
// replicas on the canonical value.
//
// The canonical value of a row is the forward image of the applied AMR with
// the greatest order key. Two writes conflict only when their clocks are
// concurrent and their forward images differ. Conflicts are recorded in the
// audit table. When a row's current value has drifted from the canonical
// value, the Policy decides whether to emit a SYNC correction action, which
// re-enters the log like any other action.
package conflict

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/lofisync/internal/capture"
	"github.com/roach88/lofisync/internal/hlc"
	"github.com/roach88/lofisync/internal/ir"
	"github.com/roach88/lofisync/internal/store"
)

// Divergence describes a row whose current value differs from the
// canonical value.
type Divergence struct {
	Row ir.RowRef
	// Winner is the effect that defines the canonical value.
	Winner store.RowEffect
	// Current is the row as materialized; nil when the row is absent.
	Current ir.Object
}

// Decision is a Policy's answer for one divergence.
type Decision int

const (
	// Accept leaves the row as it is.
	Accept Decision = iota
	// Correct emits a correction that sets the row to the canonical value.
	Correct
)

// Policy decides what to do about a divergent row.
type Policy interface {
	Decide(ctx context.Context, d Divergence) Decision
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, d Divergence) Decision

// Decide implements Policy.
func (f PolicyFunc) Decide(ctx context.Context, d Divergence) Decision {
	return f(ctx, d)
}

// AlwaysCorrect corrects every divergent row. Clients use it.
var AlwaysCorrect Policy = PolicyFunc(func(context.Context, Divergence) Decision { return Correct })

// DetectOnly records conflicts and never corrects. The server uses it.
var DetectOnly Policy = PolicyFunc(func(context.Context, Divergence) Decision { return Accept })

// Report summarizes one Resolve call.
type Report struct {
	Checked    int              `json:"checked"`
	Conflicts  []store.Conflict `json:"conflicts"`
	Diverged   []ir.RowRef      `json:"diverged"`
	Correction *ir.ActionRecord `json:"correction,omitempty"`
}

// Resolver checks rows after materialization.
type Resolver struct {
	policy   Policy
	recorder *capture.Recorder
	logger   *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a resolver. recorder may be nil when policy never
// corrects.
func NewResolver(policy Policy, recorder *capture.Recorder, opts ...Option) *Resolver {
	if policy == nil {
		policy = DetectOnly
	}
	r := &Resolver{policy: policy, recorder: recorder, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve checks every row in rows (typically the rows a materialization
// round touched). Corrections for all divergent rows are emitted as a single
// SYNC action in tx.
func (r *Resolver) Resolve(ctx context.Context, tx *store.Tx, rows []ir.RowRef) (Report, error) {
	report := Report{Conflicts: []store.Conflict{}, Diverged: []ir.RowRef{}}
	var corrections []Divergence

	for _, ref := range rows {
		effects, err := tx.AppliedEffectsOnRow(ctx, ref)
		if err != nil {
			return report, fmt.Errorf("resolve %s: %w", ref, err)
		}
		if len(effects) == 0 {
			continue
		}
		report.Checked++

		found, err := r.recordConflicts(ctx, tx, ref, effects)
		if err != nil {
			return report, err
		}
		report.Conflicts = append(report.Conflicts, found...)

		winner := effects[len(effects)-1]
		current, exists, err := tx.GetRow(ctx, ref.Table, ref.RowID)
		if err != nil {
			return report, fmt.Errorf("resolve %s: %w", ref, err)
		}
		if matchesCanonical(winner.AMR, current.Data, exists) {
			continue
		}

		d := Divergence{Row: ref, Winner: winner}
		if exists {
			d.Current = current.Data
		}
		report.Diverged = append(report.Diverged, ref)
		if r.policy.Decide(ctx, d) == Correct {
			corrections = append(corrections, d)
		}
	}

	if len(corrections) > 0 {
		rec, err := r.correct(ctx, tx, corrections)
		if err != nil {
			return report, err
		}
		report.Correction = &rec
	}
	return report, nil
}

// recordConflicts audits concurrent pairs with differing forward images.
// effects are in ascending order key, so the later element of a pair wins.
func (r *Resolver) recordConflicts(ctx context.Context, tx *store.Tx, ref ir.RowRef, effects []store.RowEffect) ([]store.Conflict, error) {
	var found []store.Conflict
	for i := 0; i < len(effects); i++ {
		for j := i + 1; j < len(effects); j++ {
			a, b := effects[i], effects[j]
			if a.Action.ID == b.Action.ID || isCorrection(a) || isCorrection(b) {
				continue
			}
			if hlc.Compare(a.Action.Clock, b.Action.Clock) != hlc.Concurrent {
				continue
			}
			if sameEffect(a.AMR, b.AMR) {
				continue
			}
			c := store.Conflict{Table: ref.Table, RowID: ref.RowID, WinnerID: b.Action.ID, LoserID: a.Action.ID}
			inserted, err := tx.RecordConflict(ctx, c)
			if err != nil {
				return nil, err
			}
			if inserted {
				r.logger.Info("conflict detected",
					"row", ref.String(),
					"winner", c.WinnerID,
					"loser", c.LoserID)
				found = append(found, c)
			}
		}
	}
	return found, nil
}

func (r *Resolver) correct(ctx context.Context, tx *store.Tx, ds []Divergence) (ir.ActionRecord, error) {
	if r.recorder == nil {
		return ir.ActionRecord{}, fmt.Errorf("resolve: correction requested without a recorder")
	}
	refs := make([]ir.RowRef, len(ds))
	for i, d := range ds {
		refs[i] = d.Row
	}
	rec, err := r.recorder.ExecuteTx(ctx, tx, ir.TagCorrection, ir.Correction{Rows: refs},
		func(ctx context.Context, tx *store.Tx) error {
			for _, d := range ds {
				w := d.Winner.AMR
				if w.Operation == ir.OpDelete {
					if err := tx.DeleteRow(ctx, store.WriteCaptured, w.TableName, w.RowID, w.AudienceKey); err != nil {
						return err
					}
					continue
				}
				if err := tx.PutRow(ctx, store.WriteCaptured, w.TableName, w.RowID, w.AudienceKey, w.ForwardPatch); err != nil {
					return err
				}
			}
			return nil
		})
	if err != nil {
		return ir.ActionRecord{}, fmt.Errorf("resolve: emit correction: %w", err)
	}
	r.logger.Info("correction emitted", "action_id", rec.ID, "rows", len(refs))
	return rec, nil
}

// matchesCanonical reports whether the current row equals the winner's
// forward image (or is absent when the winner deleted it).
func matchesCanonical(winner ir.ActionModifiedRow, current ir.Object, exists bool) bool {
	if winner.Operation == ir.OpDelete {
		return !exists
	}
	return exists && sameImage(current, winner.ForwardPatch)
}

// Corrections restate an existing winner and never count as a conflicting
// write.
func isCorrection(e store.RowEffect) bool {
	return e.Action.Tag == ir.TagCorrection
}

func sameEffect(a, b ir.ActionModifiedRow) bool {
	if (a.Operation == ir.OpDelete) != (b.Operation == ir.OpDelete) {
		return false
	}
	return sameImage(a.ForwardPatch, b.ForwardPatch)
}

func sameImage(a, b ir.Object) bool {
	return bytes.Equal(ir.MustCanonical(a), ir.MustCanonical(b))
}
