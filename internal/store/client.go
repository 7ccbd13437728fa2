package store

import (
	"context"
	"fmt"
	"time"
)

// SyncState is the client's download cursor.
type SyncState struct {
	LastServerIngestID uint64    `json:"last_server_ingest_id"`
	ServerEpoch        string    `json:"server_epoch"`
	LastSyncAt         time.Time `json:"last_sync_at"`
}

// SyncState returns the cursor; a fresh replica has the zero state.
func (t *Tx) SyncState(ctx context.Context) (SyncState, error) {
	var (
		st       SyncState
		last, at int64
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT last_server_ingest_id FROM client_sync_state WHERE id = 1), 0),
			COALESCE((SELECT server_epoch FROM client_sync_state WHERE id = 1), ''),
			COALESCE((SELECT last_sync_at FROM client_sync_state WHERE id = 1), 0)
	`).Scan(&last, &st.ServerEpoch, &at)
	if err != nil {
		return st, fmt.Errorf("sync state: %w", err)
	}
	st.LastServerIngestID = uint64(last)
	if at > 0 {
		st.LastSyncAt = time.UnixMilli(at).UTC()
	}
	return st, nil
}

// SaveSyncState persists the cursor.
func (t *Tx) SaveSyncState(ctx context.Context, st SyncState) error {
	var at int64
	if !st.LastSyncAt.IsZero() {
		at = st.LastSyncAt.UnixMilli()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO client_sync_state (id, last_server_ingest_id, server_epoch, last_sync_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_server_ingest_id = excluded.last_server_ingest_id,
			server_epoch = excluded.server_epoch,
			last_sync_at = excluded.last_sync_at
	`, int64(st.LastServerIngestID), st.ServerEpoch, at)
	if err != nil {
		return fmt.Errorf("save sync state: %w", err)
	}
	return nil
}

// DropSyncedActions deletes every action the server has acknowledged.
// Used by bootstrap; unsynced local actions are kept for re-upload. Their
// clocks are folded into the clock floor first.
func (t *Tx) DropSyncedActions(ctx context.Context) (int64, error) {
	if err := t.raiseClockFloor(ctx,
		`SELECT clock_time_ms, clock_counter, clock_vector FROM action_records WHERE synced = 1`); err != nil {
		return 0, err
	}
	res, err := t.tx.ExecContext(ctx, `DELETE FROM action_records WHERE synced = 1`)
	if err != nil {
		return 0, fmt.Errorf("drop synced actions: %w", err)
	}
	return res.RowsAffected()
}

// QuarantinedAction is a local action held back from upload.
type QuarantinedAction struct {
	ActionRecordID string    `json:"action_record_id"`
	Reason         string    `json:"reason"`
	QuarantinedAt  time.Time `json:"quarantined_at"`
}

// Quarantine holds the given actions back from upload.
func (t *Tx) Quarantine(ctx context.Context, actionIDs []string, reason string) error {
	now := t.nowMs()
	for _, id := range actionIDs {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO quarantine (action_record_id, reason, quarantined_at) VALUES (?, ?, ?)
			ON CONFLICT(action_record_id) DO UPDATE SET reason = excluded.reason
		`, id, reason, now)
		if err != nil {
			return fmt.Errorf("quarantine %s: %w", id, err)
		}
	}
	return nil
}

// Quarantined lists held-back actions in the order they were quarantined.
func (t *Tx) Quarantined(ctx context.Context) ([]QuarantinedAction, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT action_record_id, reason, quarantined_at
		FROM quarantine
		ORDER BY quarantined_at ASC, action_record_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list quarantine: %w", err)
	}
	defer rows.Close()

	out := []QuarantinedAction{}
	for rows.Next() {
		var (
			q  QuarantinedAction
			at int64
		)
		if err := rows.Scan(&q.ActionRecordID, &q.Reason, &at); err != nil {
			return nil, fmt.Errorf("list quarantine: %w", err)
		}
		q.QuarantinedAt = time.UnixMilli(at).UTC()
		out = append(out, q)
	}
	return out, rows.Err()
}

// ClearQuarantine releases every held-back action.
func (t *Tx) ClearQuarantine(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM quarantine`); err != nil {
		return fmt.Errorf("clear quarantine: %w", err)
	}
	return nil
}
