package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/lofisync/internal/hlc"
	"github.com/roach88/lofisync/internal/ir"
)

// ErrNotFound is returned when a requested record does not exist or is not
// visible to the transaction's scope.
var ErrNotFound = errors.New("not found")

// GetAction returns one visible action record.
func (t *Tx) GetAction(ctx context.Context, id string) (ir.ActionRecord, error) {
	vis, args := t.scope.actionVisibleClause()
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+actionColumns+`
		FROM action_records ar
		WHERE ar.id = ? AND `+vis,
		append([]any{id}, args...)...)
	r, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	return r, err
}

// ActionsInOrder returns every visible action in ascending order key.
// Returns an empty slice (not nil) if the log is empty.
func (t *Tx) ActionsInOrder(ctx context.Context) ([]ir.ActionRecord, error) {
	vis, args := t.scope.actionVisibleClause()
	return t.queryActions(ctx, `
		SELECT `+actionColumns+`
		FROM action_records ar
		WHERE `+vis+`
		ORDER BY `+orderBy, args...)
}

// UnsyncedActions returns clientID's own actions the server has not
// acknowledged, in ascending order key.
func (t *Tx) UnsyncedActions(ctx context.Context, clientID string) ([]ir.ActionRecord, error) {
	return t.queryActions(ctx, `
		SELECT `+actionColumns+`
		FROM action_records ar
		WHERE ar.synced = 0 AND ar.client_id = ?
		ORDER BY `+orderBy, clientID)
}

func (t *Tx) queryActions(ctx context.Context, query string, args ...any) ([]ir.ActionRecord, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	actions := []ir.ActionRecord{}
	for rows.Next() {
		r, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return actions, nil
}

// AMRsForAction returns the visible AMRs of one action in sequence order.
func (t *Tx) AMRsForAction(ctx context.Context, actionID string) ([]ir.ActionModifiedRow, error) {
	return t.AMRsForActions(ctx, []string{actionID})
}

// AMRsForActions returns the visible AMRs of the given actions, ordered by
// action id then sequence.
func (t *Tx) AMRsForActions(ctx context.Context, actionIDs []string) ([]ir.ActionModifiedRow, error) {
	if len(actionIDs) == 0 {
		return []ir.ActionModifiedRow{}, nil
	}
	aud, audArgs := t.scope.audienceClause("m.audience_key")
	args := make([]any, 0, len(actionIDs)+len(audArgs))
	for _, id := range actionIDs {
		args = append(args, id)
	}
	args = append(args, audArgs...)

	return t.queryAMRs(ctx, `
		SELECT `+amrColumns+`
		FROM action_modified_rows m
		WHERE m.action_record_id IN (`+placeholders(len(actionIDs))+`) AND `+aud+`
		ORDER BY m.action_record_id COLLATE BINARY ASC, m.sequence ASC
	`, args...)
}

func (t *Tx) queryAMRs(ctx context.Context, query string, args ...any) ([]ir.ActionModifiedRow, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query amrs: %w", err)
	}
	defer rows.Close()

	amrs := []ir.ActionModifiedRow{}
	for rows.Next() {
		m, err := scanAMR(rows)
		if err != nil {
			return nil, err
		}
		amrs = append(amrs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate amrs: %w", err)
	}
	return amrs, nil
}

// SeedClock returns the merge of every clock in the log and of the clock
// floor left by deleted actions, so a restarted replica never issues a
// timestamp at or below one it has seen.
func (t *Tx) SeedClock(ctx context.Context) (hlc.Timestamp, error) {
	floor, err := t.ClockFloor(ctx)
	if err != nil {
		return floor, err
	}
	return t.mergeClocks(ctx, floor, `SELECT clock_time_ms, clock_counter, clock_vector FROM action_records`)
}

// ClockFloor returns the merged clock of actions deleted from the log, or
// the zero timestamp if none were.
func (t *Tx) ClockFloor(ctx context.Context) (hlc.Timestamp, error) {
	floor := hlc.Timestamp{Vector: map[string]uint32{}}
	var (
		timeMs, counter int64
		vector          string
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT time_ms, counter, vector FROM clock_floor WHERE id = 1
	`).Scan(&timeMs, &counter, &vector)
	if errors.Is(err, sql.ErrNoRows) {
		return floor, nil
	}
	if err != nil {
		return floor, fmt.Errorf("clock floor: %w", err)
	}
	vec, err := hlc.UnmarshalVector(vector)
	if err != nil {
		return floor, fmt.Errorf("clock floor: %w", err)
	}
	return hlc.Timestamp{TimeMs: uint64(timeMs), Counter: uint32(counter), Vector: vec}, nil
}

// mergeClocks folds the clocks selected by query into seed.
func (t *Tx) mergeClocks(ctx context.Context, seed hlc.Timestamp, query string, args ...any) (hlc.Timestamp, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return seed, fmt.Errorf("seed clock: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			timeMs, counter int64
			vector          string
		)
		if err := rows.Scan(&timeMs, &counter, &vector); err != nil {
			return seed, fmt.Errorf("seed clock: %w", err)
		}
		vec, err := hlc.UnmarshalVector(vector)
		if err != nil {
			return seed, fmt.Errorf("seed clock: %w", err)
		}
		seed = hlc.Merge(seed, hlc.Timestamp{TimeMs: uint64(timeMs), Counter: uint32(counter), Vector: vec})
	}
	if err := rows.Err(); err != nil {
		return seed, fmt.Errorf("seed clock: %w", err)
	}
	return seed, nil
}

// Counts reports the size of the log tables, for diagnostics.
type Counts struct {
	Actions int64 `json:"actions"`
	AMRs    int64 `json:"amrs"`
	Applied int64 `json:"applied"`
	Rows    int64 `json:"rows"`
}

// Counts returns unscoped table sizes.
func (t *Tx) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := t.tx.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM action_records),
			(SELECT COUNT(*) FROM action_modified_rows),
			(SELECT COUNT(*) FROM applied_actions),
			(SELECT COUNT(*) FROM dataset_rows)
	`).Scan(&c.Actions, &c.AMRs, &c.Applied, &c.Rows)
	if err != nil {
		return c, fmt.Errorf("counts: %w", err)
	}
	return c, nil
}
