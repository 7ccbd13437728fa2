package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/lofisync/internal/hlc"
	"github.com/roach88/lofisync/internal/ir"
)

// marshalObject converts an Object to canonical JSON TEXT for storage.
// Uses RFC 8785 canonical JSON so stored bytes compare deterministically.
func marshalObject(obj ir.Object) (string, error) {
	if obj == nil {
		return "{}", nil
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// unmarshalObject parses canonical JSON TEXT into an Object.
// Large integers survive because ir decodes numbers via json.Number.
func unmarshalObject(data string) (ir.Object, error) {
	if data == "" || data == "{}" {
		return ir.Object{}, nil
	}
	return ir.ParseObject([]byte(data))
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const actionColumns = `ar.id, ar.tag, ar.client_id, ar.user_id, ar.args, ar.clock_time_ms,
	ar.clock_counter, ar.clock_vector, ar.transaction_id, ar.created_at, ar.server_ingest_id, ar.synced`

// orderBy is the order-key ordering used by every log query.
const orderBy = `ar.clock_time_ms ASC, ar.clock_counter ASC, ar.client_id COLLATE BINARY ASC, ar.id COLLATE BINARY ASC`

const orderByDesc = `ar.clock_time_ms DESC, ar.clock_counter DESC, ar.client_id COLLATE BINARY DESC, ar.id COLLATE BINARY DESC`

func scanAction(s scanner) (ir.ActionRecord, error) {
	var (
		r         ir.ActionRecord
		tag       string
		args      string
		timeMs    int64
		counter   int64
		vector    string
		createdAt int64
		ingestID  sql.NullInt64
		synced    bool
	)
	if err := s.Scan(&r.ID, &tag, &r.ClientID, &r.UserID, &args, &timeMs, &counter, &vector,
		&r.TransactionID, &createdAt, &ingestID, &synced); err != nil {
		return r, fmt.Errorf("scan action: %w", err)
	}

	r.Tag = ir.ActionKind(tag)
	decoded, err := ir.DecodeArgs(r.Tag, []byte(args))
	if err != nil {
		return r, fmt.Errorf("action %s: unmarshal args: %w", r.ID, err)
	}
	r.Args = decoded

	vec, err := hlc.UnmarshalVector(vector)
	if err != nil {
		return r, fmt.Errorf("action %s: %w", r.ID, err)
	}
	r.Clock = hlc.Timestamp{TimeMs: uint64(timeMs), Counter: uint32(counter), Vector: vec}
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	if ingestID.Valid {
		id := uint64(ingestID.Int64)
		r.ServerIngestID = &id
	}
	r.Synced = synced
	return r, nil
}

const amrColumns = `m.id, m.action_record_id, m.table_name, m.row_id, m.audience_key, m.operation,
	m.forward_patch, m.reverse_patch, m.sequence`

func scanAMR(s scanner) (ir.ActionModifiedRow, error) {
	var (
		m        ir.ActionModifiedRow
		op       string
		forward  string
		reverse  string
		sequence int64
	)
	if err := s.Scan(&m.ID, &m.ActionRecordID, &m.TableName, &m.RowID, &m.AudienceKey, &op,
		&forward, &reverse, &sequence); err != nil {
		return m, fmt.Errorf("scan amr: %w", err)
	}
	m.Operation = ir.Operation(op)
	m.Sequence = uint32(sequence)

	var err error
	if m.ForwardPatch, err = unmarshalObject(forward); err != nil {
		return m, fmt.Errorf("amr %s: unmarshal forward patch: %w", m.ID, err)
	}
	if m.ReversePatch, err = unmarshalObject(reverse); err != nil {
		return m, fmt.Errorf("amr %s: unmarshal reverse patch: %w", m.ID, err)
	}
	return m, nil
}
