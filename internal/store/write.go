package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/lofisync/internal/hlc"
	"github.com/roach88/lofisync/internal/ir"
)

// InsertAction inserts an action record into the log.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - a duplicate id is
// silently ignored and reported as inserted=false.
//
// Args and the clock vector are serialized to canonical JSON.
func (t *Tx) InsertAction(ctx context.Context, r ir.ActionRecord) (inserted bool, err error) {
	args, err := ir.EncodeArgs(r.Args)
	if err != nil {
		return false, fmt.Errorf("insert action %s: %w", r.ID, err)
	}
	vector, err := hlc.MarshalVector(r.Clock.Vector)
	if err != nil {
		return false, fmt.Errorf("insert action %s: %w", r.ID, err)
	}

	var ingestID sql.NullInt64
	if r.ServerIngestID != nil {
		ingestID = sql.NullInt64{Int64: int64(*r.ServerIngestID), Valid: true}
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO action_records
		(id, tag, client_id, user_id, args, clock_time_ms, clock_counter, clock_vector,
		 transaction_id, created_at, server_ingest_id, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		r.ID,
		string(r.Tag),
		r.ClientID,
		r.UserID,
		string(args),
		int64(r.Clock.TimeMs),
		int64(r.Clock.Counter),
		vector,
		r.TransactionID,
		r.CreatedAt.UnixMilli(),
		ingestID,
		r.Synced,
	)
	if err != nil {
		return false, fmt.Errorf("insert action %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert action %s: %w", r.ID, err)
	}
	return n > 0, nil
}

// InsertAMR inserts a row-level effect. Duplicate ids are ignored.
// The referenced action must already exist (foreign key constraint).
func (t *Tx) InsertAMR(ctx context.Context, m ir.ActionModifiedRow) (inserted bool, err error) {
	forward, err := marshalObject(m.ForwardPatch)
	if err != nil {
		return false, fmt.Errorf("insert amr %s: forward patch: %w", m.ID, err)
	}
	reverse, err := marshalObject(m.ReversePatch)
	if err != nil {
		return false, fmt.Errorf("insert amr %s: reverse patch: %w", m.ID, err)
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO action_modified_rows
		(id, action_record_id, table_name, row_id, audience_key, operation,
		 forward_patch, reverse_patch, sequence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		m.ID,
		m.ActionRecordID,
		m.TableName,
		m.RowID,
		m.AudienceKey,
		string(m.Operation),
		forward,
		reverse,
		int64(m.Sequence),
	)
	if err != nil {
		return false, fmt.Errorf("insert amr %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert amr %s: %w", m.ID, err)
	}
	return n > 0, nil
}

// InsertBatch inserts actions then AMRs and returns the ids of actions that
// were new to this log.
func (t *Tx) InsertBatch(ctx context.Context, actions []ir.ActionRecord, amrs []ir.ActionModifiedRow) ([]string, error) {
	var fresh []string
	for _, a := range actions {
		inserted, err := t.InsertAction(ctx, a)
		if err != nil {
			return nil, err
		}
		if inserted {
			fresh = append(fresh, a.ID)
		}
	}
	for _, m := range amrs {
		if _, err := t.InsertAMR(ctx, m); err != nil {
			return nil, err
		}
	}
	return fresh, nil
}

// SetServerIngestID records the ingest id the server assigned to a local
// action and marks it synced.
func (t *Tx) SetServerIngestID(ctx context.Context, actionID string, ingestID uint64) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE action_records
		SET server_ingest_id = ?, synced = 1
		WHERE id = ?
	`, int64(ingestID), actionID)
	if err != nil {
		return fmt.Errorf("set ingest id for %s: %w", actionID, err)
	}
	return nil
}

// DeleteActions removes actions, their AMRs and their applied markers.
// Callers must roll the actions back first if they are applied.
func (t *Tx) DeleteActions(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if err := t.raiseClockFloor(ctx,
		`SELECT clock_time_ms, clock_counter, clock_vector FROM action_records WHERE id IN (`+placeholders(len(ids))+`)`,
		args...); err != nil {
		return 0, err
	}
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM action_records WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete actions: %w", err)
	}
	return res.RowsAffected()
}

// raiseClockFloor merges the clocks of the actions selected by query into
// the clock floor. Call it before deleting those actions.
func (t *Tx) raiseClockFloor(ctx context.Context, query string, args ...any) error {
	floor, err := t.ClockFloor(ctx)
	if err != nil {
		return err
	}
	merged, err := t.mergeClocks(ctx, floor, query, args...)
	if err != nil {
		return err
	}
	vector, err := hlc.MarshalVector(merged.Vector)
	if err != nil {
		return fmt.Errorf("raise clock floor: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO clock_floor (id, time_ms, counter, vector) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			time_ms = excluded.time_ms,
			counter = excluded.counter,
			vector = excluded.vector
	`, int64(merged.TimeMs), int64(merged.Counter), vector)
	if err != nil {
		return fmt.Errorf("raise clock floor: %w", err)
	}
	return nil
}
