package engine

import (
	"cmp"
	"context"
	"log/slog"
	"slices"

	"github.com/roach88/lofisync/internal/ir"
	"github.com/roach88/lofisync/internal/patch"
	"github.com/roach88/lofisync/internal/store"
)

// DefaultMaxRounds bounds the rollback/replay loop. One late arrival costs
// two rounds (rollback, then fast-forward).
const DefaultMaxRounds = 64

// State is the materializer's position in its state machine.
type State int

const (
	StateIdle State = iota
	StateRollingBack
	StateApplying
)

func (s State) String() string {
	switch s {
	case StateRollingBack:
		return "rolling_back"
	case StateApplying:
		return "applying"
	default:
		return "idle"
	}
}

// Stats summarizes one Materialize call.
type Stats struct {
	RolledBack int         `json:"rolled_back"`
	Applied    int         `json:"applied"`
	Rounds     int         `json:"rounds"`
	Touched    []ir.RowRef `json:"touched"`
}

// Materializer keeps the applied-marker set equal to the ascending order-key
// prefix of the log, for every record with AMRs visible to the transaction's
// scope.
//
// Thread-safety: a Materializer holds no per-call state and may be shared.
// Each call runs entirely inside the caller's transaction.
type Materializer struct {
	applier   *patch.Applier
	maxRounds int
	logger    *slog.Logger
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithMaxRounds sets the rollback/replay round limit.
func WithMaxRounds(n int) Option {
	return func(m *Materializer) { m.maxRounds = n }
}

// WithLogger sets the logger used for state transitions.
func WithLogger(l *slog.Logger) Option {
	return func(m *Materializer) { m.logger = l }
}

// NewMaterializer creates a Materializer.
func NewMaterializer(opts ...Option) *Materializer {
	m := &Materializer{
		applier:   patch.New(),
		maxRounds: DefaultMaxRounds,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// run tracks a single Materialize call.
type run struct {
	m       *Materializer
	tx      *store.Tx
	stats   Stats
	touched map[ir.RowRef]struct{}
}

// Materialize integrates every unapplied record into the dataset.
//
// If forced is non-nil, every applied record after the target is rolled back
// first. Then, until no unapplied record remains:
//   - nothing applied: apply every unapplied record ascending (fast path)
//   - earliest unapplied sorts after the latest applied: apply ascending
//     (fast-forward)
//   - otherwise roll back to the applied predecessor of the earliest
//     unapplied record and loop
//
// Any error leaves the transaction in an undefined state; the caller must
// roll it back.
func (m *Materializer) Materialize(ctx context.Context, tx *store.Tx, forced *Target) (Stats, error) {
	r := &run{m: m, tx: tx, touched: make(map[ir.RowRef]struct{})}

	if forced != nil {
		m.transition(StateRollingBack, "target", forced.String(), "reason", "forced")
		if err := r.rollbackTo(ctx, *forced); err != nil {
			return r.finish(), err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return r.finish(), err
		}
		r.stats.Rounds++
		if r.stats.Rounds > m.maxRounds {
			return r.finish(), roundsError(r.stats.Rounds, m.maxRounds)
		}

		earliest, err := tx.EarliestUnapplied(ctx)
		if err != nil {
			return r.finish(), err
		}
		if earliest == nil {
			m.transition(StateIdle, "rounds", r.stats.Rounds)
			return r.finish(), nil
		}

		latest, err := tx.LatestApplied(ctx)
		if err != nil {
			return r.finish(), err
		}
		if latest == nil {
			m.transition(StateApplying, "from", earliest.ID, "path", "fast")
			return r.applySuffix(ctx)
		}

		earliestKey := ir.KeyOf(*earliest)
		if ir.KeyOf(*latest).Less(earliestKey) {
			m.transition(StateApplying, "from", earliest.ID, "path", "fast_forward")
			return r.applySuffix(ctx)
		}

		pred, err := tx.PredecessorApplied(ctx, earliestKey)
		if err != nil {
			return r.finish(), err
		}
		target := Genesis
		if pred != nil {
			target = At(ir.KeyOf(*pred))
		}
		m.transition(StateRollingBack, "target", target.String(), "late", earliest.ID)
		if err := r.rollbackTo(ctx, target); err != nil {
			return r.finish(), err
		}
	}
}

// RollbackTo reverse-applies every applied record after target, in
// descending order key, without replaying anything.
func (m *Materializer) RollbackTo(ctx context.Context, tx *store.Tx, target Target) (Stats, error) {
	r := &run{m: m, tx: tx, touched: make(map[ir.RowRef]struct{})}
	m.transition(StateRollingBack, "target", target.String(), "reason", "explicit")
	err := r.rollbackTo(ctx, target)
	return r.finish(), err
}

func (m *Materializer) transition(s State, attrs ...any) {
	m.logger.Debug("materializer", append([]any{"state", s.String()}, attrs...)...)
}

func (r *run) rollbackTo(ctx context.Context, target Target) error {
	records, err := r.tx.AppliedAfter(ctx, target.Key)
	if err != nil {
		return err
	}
	for _, rec := range records {
		amrs, err := r.tx.AMRsForAction(ctx, rec.ID)
		if err != nil {
			return err
		}
		if err := r.m.applier.ApplyAllReverse(ctx, r.tx, amrs); err != nil {
			return rollbackError(rec.ID, err)
		}
		if err := r.tx.UnmarkApplied(ctx, rec.ID); err != nil {
			return err
		}
		r.touch(amrs)
		r.stats.RolledBack++
	}
	return nil
}

// applySuffix applies every unapplied record and ends the call.
func (r *run) applySuffix(ctx context.Context) (Stats, error) {
	if err := r.applyUnapplied(ctx); err != nil {
		return r.finish(), err
	}
	r.m.transition(StateIdle, "rounds", r.stats.Rounds, "applied", r.stats.Applied)
	return r.finish(), nil
}

func (r *run) applyUnapplied(ctx context.Context) error {
	records, err := r.tx.UnappliedInOrder(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		amrs, err := r.tx.AMRsForAction(ctx, rec.ID)
		if err != nil {
			return err
		}
		if err := r.m.applier.ApplyAllForward(ctx, r.tx, amrs); err != nil {
			return applyError(rec.ID, err)
		}
		if err := r.tx.MarkApplied(ctx, rec.ID); err != nil {
			return err
		}
		r.touch(amrs)
		r.stats.Applied++
	}
	return nil
}

func (r *run) touch(amrs []ir.ActionModifiedRow) {
	for _, m := range amrs {
		r.touched[m.Row()] = struct{}{}
	}
}

func (r *run) finish() Stats {
	r.stats.Touched = make([]ir.RowRef, 0, len(r.touched))
	for ref := range r.touched {
		r.stats.Touched = append(r.stats.Touched, ref)
	}
	slices.SortFunc(r.stats.Touched, func(a, b ir.RowRef) int {
		if c := cmp.Compare(a.Table, b.Table); c != 0 {
			return c
		}
		return cmp.Compare(a.RowID, b.RowID)
	})
	return r.stats
}
