package store

import (
	"context"
	"fmt"
	"time"
)

// Conflict records two concurrent writes to one row whose images differ.
type Conflict struct {
	ID         int64     `json:"id"`
	Table      string    `json:"table"`
	RowID      string    `json:"row_id"`
	WinnerID   string    `json:"winner_id"`
	LoserID    string    `json:"loser_id"`
	DetectedAt time.Time `json:"detected_at"`
}

// RecordConflict adds a conflict to the audit table. Recording the same
// pair twice is a no-op.
func (t *Tx) RecordConflict(ctx context.Context, c Conflict) (inserted bool, err error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_conflicts (table_name, row_id, winner_id, loser_id, detected_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(table_name, row_id, winner_id, loser_id) DO NOTHING
	`, c.Table, c.RowID, c.WinnerID, c.LoserID, t.nowMs())
	if err != nil {
		return false, fmt.Errorf("record conflict on %s/%s: %w", c.Table, c.RowID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record conflict on %s/%s: %w", c.Table, c.RowID, err)
	}
	return n > 0, nil
}

// Conflicts lists recorded conflicts, newest last. A non-empty table
// restricts the listing.
func (t *Tx) Conflicts(ctx context.Context, table string) ([]Conflict, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, table_name, row_id, winner_id, loser_id, detected_at
		FROM sync_conflicts
		WHERE ? = '' OR table_name = ?
		ORDER BY id ASC
	`, table, table)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	out := []Conflict{}
	for rows.Next() {
		var (
			c  Conflict
			at int64
		)
		if err := rows.Scan(&c.ID, &c.Table, &c.RowID, &c.WinnerID, &c.LoserID, &at); err != nil {
			return nil, fmt.Errorf("list conflicts: %w", err)
		}
		c.DetectedAt = time.UnixMilli(at).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}
