package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/lofisync/internal/ir"
)

// Applied markers and the order-key queries the materializer is built on.
// Every query orders by the order key with BINARY collation so results are
// identical on every replica.

// MarkApplied records that an action's forward patches are in the dataset.
func (t *Tx) MarkApplied(ctx context.Context, actionID string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO applied_actions (action_record_id) VALUES (?)
		ON CONFLICT(action_record_id) DO NOTHING
	`, actionID)
	if err != nil {
		return fmt.Errorf("mark applied %s: %w", actionID, err)
	}
	return nil
}

// UnmarkApplied removes an applied marker.
func (t *Tx) UnmarkApplied(ctx context.Context, actionID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM applied_actions WHERE action_record_id = ?`, actionID)
	if err != nil {
		return fmt.Errorf("unmark applied %s: %w", actionID, err)
	}
	return nil
}

// ClearApplied removes every applied marker. Used by bootstrap, which
// replaces the dataset wholesale.
func (t *Tx) ClearApplied(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM applied_actions`); err != nil {
		return fmt.Errorf("clear applied: %w", err)
	}
	return nil
}

// IsApplied reports whether an action is marked applied.
func (t *Tx) IsApplied(ctx context.Context, actionID string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM applied_actions WHERE action_record_id = ?`, actionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("is applied %s: %w", actionID, err)
	}
	return n > 0, nil
}

// AppliedIDs returns the applied markers visible to the scope in ascending
// order key.
func (t *Tx) AppliedIDs(ctx context.Context) ([]string, error) {
	vis, args := t.scope.actionVisibleClause()
	rows, err := t.tx.QueryContext(ctx, `
		SELECT ar.id
		FROM action_records ar
		JOIN applied_actions aa ON aa.action_record_id = ar.id
		WHERE `+vis+`
		ORDER BY `+orderBy, args...)
	if err != nil {
		return nil, fmt.Errorf("applied ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("applied ids: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// hasVisibleAMRs restricts ar to records with at least one AMR visible to
// the scope. Records without visible effects are never applied.
func (t *Tx) hasVisibleAMRs() (string, []any) {
	aud, args := t.scope.audienceClause("hm.audience_key")
	return `EXISTS (SELECT 1 FROM action_modified_rows hm WHERE hm.action_record_id = ar.id AND ` + aud + `)`, args
}

const notApplied = `NOT EXISTS (SELECT 1 FROM applied_actions aa WHERE aa.action_record_id = ar.id)`
const isApplied = `EXISTS (SELECT 1 FROM applied_actions aa WHERE aa.action_record_id = ar.id)`

func (t *Tx) queryOneAction(ctx context.Context, query string, args ...any) (*ir.ActionRecord, error) {
	r, err := scanAction(t.tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// EarliestUnapplied returns the smallest-order-key record that has visible
// AMRs but is not applied, or nil if there is none.
func (t *Tx) EarliestUnapplied(ctx context.Context) (*ir.ActionRecord, error) {
	has, args := t.hasVisibleAMRs()
	r, err := t.queryOneAction(ctx, `
		SELECT `+actionColumns+`
		FROM action_records ar
		WHERE `+notApplied+` AND `+has+`
		ORDER BY `+orderBy+`
		LIMIT 1
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("earliest unapplied: %w", err)
	}
	return r, nil
}

// UnappliedInOrder returns every unapplied record with visible AMRs in
// ascending order key.
func (t *Tx) UnappliedInOrder(ctx context.Context) ([]ir.ActionRecord, error) {
	has, args := t.hasVisibleAMRs()
	return t.queryActions(ctx, `
		SELECT `+actionColumns+`
		FROM action_records ar
		WHERE `+notApplied+` AND `+has+`
		ORDER BY `+orderBy, args...)
}

// LatestApplied returns the greatest-order-key applied record visible to
// the scope, or nil if nothing is applied.
func (t *Tx) LatestApplied(ctx context.Context) (*ir.ActionRecord, error) {
	vis, args := t.scope.actionVisibleClause()
	r, err := t.queryOneAction(ctx, `
		SELECT `+actionColumns+`
		FROM action_records ar
		WHERE `+isApplied+` AND `+vis+`
		ORDER BY `+orderByDesc+`
		LIMIT 1
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("latest applied: %w", err)
	}
	return r, nil
}

// PredecessorApplied returns the applied record whose order key immediately
// precedes key, or nil if no applied record sorts before it.
func (t *Tx) PredecessorApplied(ctx context.Context, key ir.OrderKey) (*ir.ActionRecord, error) {
	vis, visArgs := t.scope.actionVisibleClause()
	args := append([]any{int64(key.TimeMs), int64(key.Counter), key.ClientID, key.ActionID}, visArgs...)
	r, err := t.queryOneAction(ctx, `
		SELECT `+actionColumns+`
		FROM action_records ar
		WHERE (ar.clock_time_ms, ar.clock_counter, ar.client_id, ar.id) < (?, ?, ?, ?)
		  AND `+isApplied+` AND `+vis+`
		ORDER BY `+orderByDesc+`
		LIMIT 1
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("predecessor of %s: %w", key, err)
	}
	return r, nil
}

// AppliedAfter returns applied records with order key greater than after,
// in DESCENDING order key (rollback order). A nil key means genesis: every
// applied record.
func (t *Tx) AppliedAfter(ctx context.Context, after *ir.OrderKey) ([]ir.ActionRecord, error) {
	vis, visArgs := t.scope.actionVisibleClause()
	cond := "1=1"
	var args []any
	if after != nil {
		cond = `(ar.clock_time_ms, ar.clock_counter, ar.client_id, ar.id) > (?, ?, ?, ?)`
		args = append(args, int64(after.TimeMs), int64(after.Counter), after.ClientID, after.ActionID)
	}
	args = append(args, visArgs...)
	return t.queryActions(ctx, `
		SELECT `+actionColumns+`
		FROM action_records ar
		WHERE `+cond+` AND `+isApplied+` AND `+vis+`
		ORDER BY `+orderByDesc, args...)
}

// RowEffect is an AMR together with the order key of its action.
type RowEffect struct {
	Key    ir.OrderKey
	Action ir.ActionRecord
	AMR    ir.ActionModifiedRow
}

// AppliedEffectsOnRow returns every applied AMR touching ref, in ascending
// order key of the owning action (sequence breaks ties within an action).
func (t *Tx) AppliedEffectsOnRow(ctx context.Context, ref ir.RowRef) ([]RowEffect, error) {
	aud, audArgs := t.scope.audienceClause("m.audience_key")
	args := append([]any{ref.Table, ref.RowID}, audArgs...)
	actions, err := t.queryActions(ctx, `
		SELECT DISTINCT `+actionColumns+`
		FROM action_records ar
		JOIN action_modified_rows m ON m.action_record_id = ar.id
		WHERE m.table_name = ? AND m.row_id = ? AND `+aud+` AND `+isApplied+`
		ORDER BY `+orderBy, args...)
	if err != nil {
		return nil, fmt.Errorf("effects on %s: %w", ref, err)
	}

	var effects []RowEffect
	for _, a := range actions {
		amrs, err := t.queryAMRs(ctx, `
			SELECT `+amrColumns+`
			FROM action_modified_rows m
			WHERE m.action_record_id = ? AND m.table_name = ? AND m.row_id = ? AND `+aud+`
			ORDER BY m.sequence ASC
		`, append([]any{a.ID, ref.Table, ref.RowID}, audArgs...)...)
		if err != nil {
			return nil, fmt.Errorf("effects on %s: %w", ref, err)
		}
		for _, m := range amrs {
			effects = append(effects, RowEffect{Key: ir.KeyOf(a), Action: a, AMR: m})
		}
	}
	return effects, nil
}

// AppliedRows lists every visible row touched by an applied action, ordered
// by table and row id.
func (t *Tx) AppliedRows(ctx context.Context) ([]ir.RowRef, error) {
	aud, audArgs := t.scope.audienceClause("m.audience_key")
	rows, err := t.tx.QueryContext(ctx, `
		SELECT DISTINCT m.table_name, m.row_id
		FROM action_modified_rows m
		JOIN action_records ar ON ar.id = m.action_record_id
		WHERE `+aud+` AND `+isApplied+`
		ORDER BY m.table_name COLLATE BINARY ASC, m.row_id COLLATE BINARY ASC
	`, audArgs...)
	if err != nil {
		return nil, fmt.Errorf("applied rows: %w", err)
	}
	defer rows.Close()

	refs := []ir.RowRef{}
	for rows.Next() {
		var ref ir.RowRef
		if err := rows.Scan(&ref.Table, &ref.RowID); err != nil {
			return nil, fmt.Errorf("applied rows: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
