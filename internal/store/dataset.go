package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/lofisync/internal/ir"
)

// WriteErrorKind classifies rejected dataset writes.
type WriteErrorKind int

const (
	// KindConstraint: the row does not fit the table definition.
	KindConstraint WriteErrorKind = iota
	// KindVisibility: the write crosses an audience boundary.
	KindVisibility
)

func (k WriteErrorKind) String() string {
	if k == KindVisibility {
		return "visibility"
	}
	return "constraint"
}

// WriteError is returned when the storage boundary rejects a row write.
// It is fatal for the containing transaction.
type WriteError struct {
	Kind    WriteErrorKind
	Table   string
	RowID   string
	Message string
	Err     error
}

func (e *WriteError) Error() string {
	msg := fmt.Sprintf("%s violation on %s/%s: %s", e.Kind, e.Table, e.RowID, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// IsWriteError reports whether err is or wraps a *WriteError of kind.
func IsWriteError(err error, kind WriteErrorKind) bool {
	var we *WriteError
	return errors.As(err, &we) && we.Kind == kind
}

// GetRow returns the current image of a row. Rows outside the scope are
// reported as absent.
func (t *Tx) GetRow(ctx context.Context, table, rowID string) (ir.DatasetRow, bool, error) {
	row, found, err := t.rawRow(ctx, table, rowID)
	if err != nil || !found {
		return row, false, err
	}
	if !t.scope.CanSee(row.AudienceKey) {
		return ir.DatasetRow{}, false, nil
	}
	return row, true, nil
}

// rawRow reads a row ignoring scope. Only the write boundary uses it, to
// detect cross-audience overwrites.
func (t *Tx) rawRow(ctx context.Context, table, rowID string) (ir.DatasetRow, bool, error) {
	var (
		row  = ir.DatasetRow{Table: table, RowID: rowID}
		data string
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT audience_key, data FROM dataset_rows WHERE table_name = ? AND row_id = ?
	`, table, rowID).Scan(&row.AudienceKey, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return row, false, nil
	}
	if err != nil {
		return row, false, fmt.Errorf("get row %s/%s: %w", table, rowID, err)
	}
	if row.Data, err = unmarshalObject(data); err != nil {
		return row, false, fmt.Errorf("get row %s/%s: %w", table, rowID, err)
	}
	return row, true, nil
}

// PutRow writes the full image of a row (insert or overwrite).
//
// The boundary validates the row against the table registry, checks that the
// scope may write the audience and that an existing row keeps its audience.
// In WriteCaptured mode the change hook observes the write.
func (t *Tx) PutRow(ctx context.Context, mode WriteMode, table, rowID, audience string, data ir.Object) error {
	if table == "" || rowID == "" {
		return &WriteError{Kind: KindConstraint, Table: table, RowID: rowID, Message: "table and row id are required"}
	}
	if err := t.store.tables.ValidateRow(table, data); err != nil {
		return &WriteError{Kind: KindConstraint, Table: table, RowID: rowID, Message: "schema", Err: err}
	}
	if !t.scope.CanSee(audience) {
		return &WriteError{Kind: KindVisibility, Table: table, RowID: rowID, Message: fmt.Sprintf("audience %q is outside the scope", audience)}
	}

	before, existed, err := t.rawRow(ctx, table, rowID)
	if err != nil {
		return err
	}
	if existed && before.AudienceKey != audience {
		return &WriteError{
			Kind:    KindVisibility,
			Table:   table,
			RowID:   rowID,
			Message: fmt.Sprintf("row belongs to audience %q, write targets %q", before.AudienceKey, audience),
		}
	}

	encoded, err := marshalObject(data)
	if err != nil {
		return &WriteError{Kind: KindConstraint, Table: table, RowID: rowID, Message: "encode row", Err: err}
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO dataset_rows (table_name, row_id, audience_key, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(table_name, row_id) DO UPDATE SET data = excluded.data
	`, table, rowID, audience, encoded)
	if err != nil {
		return fmt.Errorf("put row %s/%s: %w", table, rowID, err)
	}

	if mode == WriteCaptured && t.hook != nil {
		c := Change{Table: table, RowID: rowID, AudienceKey: audience, After: data.Clone()}
		if existed {
			c.Before = before.Data
		}
		return t.hook(ctx, c)
	}
	return nil
}

// DeleteRow removes a row. Deleting an absent row is a no-op.
func (t *Tx) DeleteRow(ctx context.Context, mode WriteMode, table, rowID, audience string) error {
	if !t.scope.CanSee(audience) {
		return &WriteError{Kind: KindVisibility, Table: table, RowID: rowID, Message: fmt.Sprintf("audience %q is outside the scope", audience)}
	}
	before, existed, err := t.rawRow(ctx, table, rowID)
	if err != nil {
		return err
	}
	if !existed {
		return nil
	}
	if before.AudienceKey != audience {
		return &WriteError{
			Kind:    KindVisibility,
			Table:   table,
			RowID:   rowID,
			Message: fmt.Sprintf("row belongs to audience %q, delete targets %q", before.AudienceKey, audience),
		}
	}

	if _, err := t.tx.ExecContext(ctx, `
		DELETE FROM dataset_rows WHERE table_name = ? AND row_id = ?
	`, table, rowID); err != nil {
		return fmt.Errorf("delete row %s/%s: %w", table, rowID, err)
	}

	if mode == WriteCaptured && t.hook != nil {
		return t.hook(ctx, Change{Table: table, RowID: rowID, AudienceKey: audience, Before: before.Data})
	}
	return nil
}

// Rows returns every visible dataset row ordered by table then row id.
// Pass an empty table for all tables.
func (t *Tx) Rows(ctx context.Context, table string) ([]ir.DatasetRow, error) {
	aud, args := t.scope.audienceClause("audience_key")
	cond := "1=1"
	if table != "" {
		cond = "table_name = ?"
		args = append([]any{table}, args...)
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT table_name, row_id, audience_key, data
		FROM dataset_rows
		WHERE `+cond+` AND `+aud+`
		ORDER BY table_name COLLATE BINARY ASC, row_id COLLATE BINARY ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	defer rows.Close()

	out := []ir.DatasetRow{}
	for rows.Next() {
		var (
			r    ir.DatasetRow
			data string
		)
		if err := rows.Scan(&r.Table, &r.RowID, &r.AudienceKey, &data); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if r.Data, err = unmarshalObject(data); err != nil {
			return nil, fmt.Errorf("row %s/%s: %w", r.Table, r.RowID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// ReplaceDataset swaps the visible dataset for rows. Used by bootstrap.
// Rows are written in WriteReplay mode.
func (t *Tx) ReplaceDataset(ctx context.Context, rows []ir.DatasetRow) error {
	aud, args := t.scope.audienceClause("audience_key")
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM dataset_rows WHERE `+aud, args...); err != nil {
		return fmt.Errorf("replace dataset: %w", err)
	}
	for _, r := range rows {
		if err := t.PutRow(ctx, WriteReplay, r.Table, r.RowID, r.AudienceKey, r.Data); err != nil {
			return fmt.Errorf("replace dataset: %w", err)
		}
	}
	return nil
}
