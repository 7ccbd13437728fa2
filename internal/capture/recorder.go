// Package capture turns row writes into action records.
//
// A Recorder wraps an application mutation: it installs a change hook on the
// transaction, runs the mutation, and converts every captured write into an
// AMR holding the full pre- and post-image of the row. The resulting action
// is appended to the log and marked applied, since its effects are already
// in the dataset.
//
// Only writes made with store.WriteCaptured reach the hook. The materializer
// and the patch applier write with store.WriteReplay and are never captured.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/lofisync/internal/hlc"
	"github.com/roach88/lofisync/internal/ir"
	"github.com/roach88/lofisync/internal/store"
)

// Mutation performs row writes through tx. Writes must use
// store.WriteCaptured to be recorded.
type Mutation func(ctx context.Context, tx *store.Tx) error

// Recorder records local mutations for one client.
type Recorder struct {
	clock  *hlc.Clock
	userID string
	ids    IDGenerator
	now    func() time.Time
	logger *slog.Logger
	txSeq  atomic.Int64
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithIDGenerator replaces the UUIDv7 id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(r *Recorder) { r.ids = g }
}

// WithNow overrides the wall clock used for CreatedAt.
func WithNow(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// NewRecorder creates a recorder stamping actions with clock. The client id
// is the clock's client id.
func NewRecorder(clock *hlc.Clock, userID string, opts ...Option) *Recorder {
	r := &Recorder{
		clock:  clock,
		userID: userID,
		ids:    UUIDv7Generator{},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ClientID returns the client this recorder writes for.
func (r *Recorder) ClientID() string {
	return r.clock.ClientID()
}

// Clock returns the clock stamping this recorder's actions.
func (r *Recorder) Clock() *hlc.Clock {
	return r.clock
}

// Execute runs fn in its own transaction and records it as one action.
func (r *Recorder) Execute(ctx context.Context, s *store.Store, scope store.Scope, tag ir.ActionKind, args ir.Args, fn Mutation) (ir.ActionRecord, error) {
	var rec ir.ActionRecord
	err := s.WithTx(ctx, scope, func(tx *store.Tx) error {
		var err error
		rec, err = r.ExecuteTx(ctx, tx, tag, args, fn)
		return err
	})
	return rec, err
}

// ExecuteTx runs fn inside an existing transaction and records its writes as
// one action. A mutation that writes nothing is still logged, without AMRs
// and without an applied marker.
func (r *Recorder) ExecuteTx(ctx context.Context, tx *store.Tx, tag ir.ActionKind, args ir.Args, fn Mutation) (ir.ActionRecord, error) {
	if args == nil {
		args = ir.Mutation{}
	}
	if want := ir.KindForTag(tag); args.Kind() != want {
		return ir.ActionRecord{}, fmt.Errorf("capture %s: args kind %s does not match tag (want %s)", tag, args.Kind(), want)
	}

	var changes []store.Change
	tx.OnChange(func(_ context.Context, c store.Change) error {
		changes = append(changes, c)
		return nil
	})
	err := fn(ctx, tx)
	tx.OnChange(nil)
	if err != nil {
		return ir.ActionRecord{}, fmt.Errorf("capture %s: %w", tag, err)
	}

	rec := ir.ActionRecord{
		ID:            r.ids.Generate(),
		Tag:           tag,
		ClientID:      r.clock.ClientID(),
		UserID:        r.userID,
		Args:          args,
		Clock:         r.clock.Now(),
		TransactionID: r.txSeq.Add(1),
		CreatedAt:     r.now().UTC().Truncate(time.Millisecond),
	}
	amrs := BuildAMRs(rec.ID, changes)

	if _, err := tx.InsertBatch(ctx, []ir.ActionRecord{rec}, amrs); err != nil {
		return ir.ActionRecord{}, fmt.Errorf("capture %s: %w", tag, err)
	}
	if len(amrs) > 0 {
		if err := tx.MarkApplied(ctx, rec.ID); err != nil {
			return ir.ActionRecord{}, fmt.Errorf("capture %s: %w", tag, err)
		}
	}

	r.logger.Debug("action captured",
		"action_id", rec.ID,
		"tag", string(tag),
		"clock", rec.Clock.String(),
		"rows", len(amrs))
	return rec, nil
}

// BuildAMRs converts captured changes into AMRs numbered in write order.
func BuildAMRs(actionID string, changes []store.Change) []ir.ActionModifiedRow {
	amrs := make([]ir.ActionModifiedRow, 0, len(changes))
	for i, c := range changes {
		seq := uint32(i)
		m := ir.ActionModifiedRow{
			ID:             ir.AMRID(actionID, seq),
			ActionRecordID: actionID,
			TableName:      c.Table,
			RowID:          c.RowID,
			AudienceKey:    c.AudienceKey,
			ForwardPatch:   ir.Object{},
			ReversePatch:   ir.Object{},
			Sequence:       seq,
		}
		switch {
		case c.Before == nil:
			m.Operation = ir.OpInsert
			m.ForwardPatch = c.After.Clone()
		case c.After == nil:
			m.Operation = ir.OpDelete
			m.ReversePatch = c.Before.Clone()
		default:
			m.Operation = ir.OpUpdate
			m.ForwardPatch = c.After.Clone()
			m.ReversePatch = c.Before.Clone()
		}
		amrs = append(amrs, m)
	}
	return amrs
}
