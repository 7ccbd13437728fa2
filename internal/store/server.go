package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/lofisync/internal/ir"
)

// ServerMeta is the single server metadata row.
type ServerMeta struct {
	Epoch            string `json:"server_epoch"`
	IngestHighWater  uint64 `json:"ingest_high_water"`
	CompactedThrough uint64 `json:"compacted_through"`
}

// EnsureServerMeta creates the metadata row with a fresh epoch if it does
// not exist and returns it.
func (t *Tx) EnsureServerMeta(ctx context.Context) (ServerMeta, error) {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO server_meta (id, server_epoch) VALUES (1, ?)
		ON CONFLICT(id) DO NOTHING
	`, uuid.NewString())
	if err != nil {
		return ServerMeta{}, fmt.Errorf("ensure server meta: %w", err)
	}
	return t.ServerMeta(ctx)
}

// ServerMeta reads the metadata row.
func (t *Tx) ServerMeta(ctx context.Context) (ServerMeta, error) {
	var (
		m              ServerMeta
		hwm, compacted int64
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT server_epoch, ingest_high_water, compacted_through FROM server_meta WHERE id = 1
	`).Scan(&m.Epoch, &hwm, &compacted)
	if errors.Is(err, sql.ErrNoRows) {
		return m, fmt.Errorf("server meta: %w", ErrNotFound)
	}
	if err != nil {
		return m, fmt.Errorf("server meta: %w", err)
	}
	m.IngestHighWater = uint64(hwm)
	m.CompactedThrough = uint64(compacted)
	return m, nil
}

// ResetEpoch is an administrative hard reset: it discards the log, the
// applied markers and the dataset and starts a new epoch. Clients notice the
// epoch change and bootstrap.
func (t *Tx) ResetEpoch(ctx context.Context) (ServerMeta, error) {
	for _, stmt := range []string{
		`DELETE FROM applied_actions`,
		`DELETE FROM action_records`,
		`DELETE FROM dataset_rows`,
		`DELETE FROM sync_conflicts`,
		`DELETE FROM server_meta`,
	} {
		if _, err := t.tx.ExecContext(ctx, stmt); err != nil {
			return ServerMeta{}, fmt.Errorf("reset epoch: %w", err)
		}
	}
	return t.EnsureServerMeta(ctx)
}

// AssignIngestID gives a freshly ingested action the next ingest id.
// Ids increase monotonically; gaps are allowed.
func (t *Tx) AssignIngestID(ctx context.Context, actionID string) (uint64, error) {
	var next int64
	err := t.tx.QueryRowContext(ctx, `
		UPDATE server_meta SET ingest_high_water = ingest_high_water + 1
		WHERE id = 1
		RETURNING ingest_high_water
	`).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("assign ingest id: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE action_records SET server_ingest_id = ?, ingested_at = ?, synced = 1
		WHERE id = ? AND server_ingest_id IS NULL
	`, next, t.nowMs(), actionID)
	if err != nil {
		return 0, fmt.Errorf("assign ingest id to %s: %w", actionID, err)
	}
	return uint64(next), nil
}

// IngestIDOf returns the ingest id of an action, if it has one.
func (t *Tx) IngestIDOf(ctx context.Context, actionID string) (uint64, bool, error) {
	var id sql.NullInt64
	err := t.tx.QueryRowContext(ctx,
		`SELECT server_ingest_id FROM action_records WHERE id = ?`, actionID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("ingest id of %s: %w", actionID, err)
	}
	return uint64(id.Int64), id.Valid, nil
}

// FirstUnseenForeign returns the smallest ingest id greater than basis of
// an action visible to the scope that was not written by clientID.
// This is the head gate: found=true means the uploader is behind.
func (t *Tx) FirstUnseenForeign(ctx context.Context, clientID string, basis uint64) (id uint64, found bool, err error) {
	vis, visArgs := t.scope.actionVisibleClause()
	args := append([]any{int64(basis), clientID}, visArgs...)
	var first sql.NullInt64
	err = t.tx.QueryRowContext(ctx, `
		SELECT MIN(ar.server_ingest_id)
		FROM action_records ar
		WHERE ar.server_ingest_id > ? AND ar.client_id != ? AND `+vis,
		args...).Scan(&first)
	if err != nil {
		return 0, false, fmt.Errorf("head gate: %w", err)
	}
	return uint64(first.Int64), first.Valid, nil
}

// ActionsSince returns visible actions with ingest id greater than since in
// ingest order. When excludeClient is non-empty its own actions are skipped.
func (t *Tx) ActionsSince(ctx context.Context, since uint64, excludeClient string) ([]ir.ActionRecord, error) {
	vis, visArgs := t.scope.actionVisibleClause()
	args := append([]any{int64(since), excludeClient, excludeClient}, visArgs...)
	return t.queryActions(ctx, `
		SELECT `+actionColumns+`
		FROM action_records ar
		WHERE ar.server_ingest_id > ? AND (? = '' OR ar.client_id != ?) AND `+vis+`
		ORDER BY ar.server_ingest_id ASC
	`, args...)
}

// MinRetainedIngestID is the smallest ingest id still in the log, or the
// next id to be assigned when the log is empty.
func (t *Tx) MinRetainedIngestID(ctx context.Context) (uint64, error) {
	var lowest sql.NullInt64
	if err := t.tx.QueryRowContext(ctx,
		`SELECT MIN(server_ingest_id) FROM action_records`).Scan(&lowest); err != nil {
		return 0, fmt.Errorf("min retained: %w", err)
	}
	if lowest.Valid {
		return uint64(lowest.Int64), nil
	}
	meta, err := t.ServerMeta(ctx)
	if err != nil {
		return 0, err
	}
	return meta.IngestHighWater + 1, nil
}

// ArchivedAction is a compacted action with its AMRs.
type ArchivedAction struct {
	Action       ir.ActionRecord        `json:"action"`
	ModifiedRows []ir.ActionModifiedRow `json:"modified_rows"`
	IngestedAt   time.Time              `json:"ingested_at"`
}

// ExpiredActions returns up to limit actions ingested before cutoff, in
// ingest order, together with their AMRs. Requires a bypass scope.
func (t *Tx) ExpiredActions(ctx context.Context, cutoff time.Time, limit int) ([]ArchivedAction, error) {
	if !t.scope.IsBypass() {
		return nil, fmt.Errorf("expired actions: compaction requires a bypass scope")
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+actionColumns+`, ar.ingested_at
		FROM action_records ar
		WHERE ar.ingested_at IS NOT NULL AND ar.ingested_at < ?
		ORDER BY ar.server_ingest_id ASC
		LIMIT ?
	`, cutoff.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("expired actions: %w", err)
	}

	var out []ArchivedAction
	for rows.Next() {
		var ingestedAt int64
		r, err := scanAction(withTrailing(rows, &ingestedAt))
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, ArchivedAction{Action: r, IngestedAt: time.UnixMilli(ingestedAt).UTC()})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("expired actions: %w", err)
	}

	for i := range out {
		amrs, err := t.AMRsForAction(ctx, out[i].Action.ID)
		if err != nil {
			return nil, err
		}
		out[i].ModifiedRows = amrs
	}
	return out, nil
}

// trailingScanner appends extra destinations to every Scan call.
type trailingScanner struct {
	s     scanner
	extra []any
}

func (t trailingScanner) Scan(dest ...any) error {
	return t.s.Scan(append(dest, t.extra...)...)
}

func withTrailing(s scanner, extra ...any) scanner {
	return trailingScanner{s: s, extra: extra}
}

// DeleteCompacted deletes the given archived actions and advances
// compacted_through to the largest deleted ingest id.
func (t *Tx) DeleteCompacted(ctx context.Context, archived []ArchivedAction) (int64, error) {
	if len(archived) == 0 {
		return 0, nil
	}
	ids := make([]string, len(archived))
	var through uint64
	for i, a := range archived {
		ids[i] = a.Action.ID
		if a.Action.ServerIngestID != nil && *a.Action.ServerIngestID > through {
			through = *a.Action.ServerIngestID
		}
	}
	n, err := t.DeleteActions(ctx, ids)
	if err != nil {
		return 0, err
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE server_meta SET compacted_through = MAX(compacted_through, ?) WHERE id = 1
	`, int64(through))
	if err != nil {
		return 0, fmt.Errorf("advance compacted_through: %w", err)
	}
	return n, nil
}
