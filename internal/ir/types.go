package ir

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/lofisync/internal/hlc"
)

// ActionKind is the tag of an action record. Application actions use their
// own names; SYNC and ROLLBACK are reserved.
type ActionKind string

const (
	// TagCorrection marks an action synthesized by the conflict resolver.
	TagCorrection ActionKind = "SYNC"

	// TagRollback marks an explicit rollback request.
	TagRollback ActionKind = "ROLLBACK"

	// ExtensionPrefix marks tags whose args are carried opaquely.
	ExtensionPrefix = "ext:"
)

// Operation is the kind of row change an AMR records.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ActionRecord is one user-intended mutation.
//
// Records are immutable once created. Only ServerIngestID and Synced change,
// and only as bookkeeping by the server and the client sync loop.
type ActionRecord struct {
	ID             string        `json:"id"`
	Tag            ActionKind    `json:"tag"`
	ClientID       string        `json:"client_id"`
	UserID         string        `json:"user_id"`
	Args           Args          `json:"args"`
	Clock          hlc.Timestamp `json:"clock"`
	TransactionID  int64         `json:"transaction_id"`
	CreatedAt      time.Time     `json:"created_at"`
	ServerIngestID *uint64       `json:"server_ingest_id,omitempty"`
	Synced         bool          `json:"synced,omitempty"`
}

// actionRecordJSON is the wire shape. Args stay raw until the tag is known.
type actionRecordJSON struct {
	ID             string          `json:"id"`
	Tag            ActionKind      `json:"tag"`
	ClientID       string          `json:"client_id"`
	UserID         string          `json:"user_id"`
	Args           json.RawMessage `json:"args"`
	Clock          hlc.Timestamp   `json:"clock"`
	TransactionID  int64           `json:"transaction_id"`
	CreatedAt      time.Time       `json:"created_at"`
	ServerIngestID *uint64         `json:"server_ingest_id,omitempty"`
	Synced         bool            `json:"synced,omitempty"`
}

// MarshalJSON implements json.Marshaler. Args are written in canonical form.
func (r ActionRecord) MarshalJSON() ([]byte, error) {
	args, err := EncodeArgs(r.Args)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", r.ID, err)
	}
	return json.Marshal(actionRecordJSON{
		ID:             r.ID,
		Tag:            r.Tag,
		ClientID:       r.ClientID,
		UserID:         r.UserID,
		Args:           args,
		Clock:          r.Clock,
		TransactionID:  r.TransactionID,
		CreatedAt:      r.CreatedAt,
		ServerIngestID: r.ServerIngestID,
		Synced:         r.Synced,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Args are decoded according to
// the tag; a double-encoded args string yields ErrDoubleEncoded.
func (r *ActionRecord) UnmarshalJSON(data []byte) error {
	var raw actionRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	args, err := DecodeArgs(raw.Tag, raw.Args)
	if err != nil {
		return fmt.Errorf("action %s args: %w", raw.ID, err)
	}
	*r = ActionRecord{
		ID:             raw.ID,
		Tag:            raw.Tag,
		ClientID:       raw.ClientID,
		UserID:         raw.UserID,
		Args:           args,
		Clock:          raw.Clock,
		TransactionID:  raw.TransactionID,
		CreatedAt:      raw.CreatedAt,
		ServerIngestID: raw.ServerIngestID,
		Synced:         raw.Synced,
	}
	return nil
}

// ActionModifiedRow (AMR) is one row-level effect of an action.
//
// Patches are full row images without the audience key:
//
//	INSERT  forward = post-image  reverse = {}
//	UPDATE  forward = post-image  reverse = pre-image
//	DELETE  forward = {}          reverse = pre-image
type ActionModifiedRow struct {
	ID             string    `json:"id"`
	ActionRecordID string    `json:"action_record_id"`
	TableName      string    `json:"table_name"`
	RowID          string    `json:"row_id"`
	AudienceKey    string    `json:"audience_key"`
	Operation      Operation `json:"operation"`
	ForwardPatch   Object    `json:"forward_patch"`
	ReversePatch   Object    `json:"reverse_patch"`
	Sequence       uint32    `json:"sequence"`
}

// Row returns the row this AMR touches.
func (m ActionModifiedRow) Row() RowRef {
	return RowRef{Table: m.TableName, RowID: m.RowID}
}

// RowRef identifies one logical row of the dataset.
type RowRef struct {
	Table string `json:"table"`
	RowID string `json:"row_id"`
}

// String renders the ref as table/row_id.
func (r RowRef) String() string {
	return r.Table + "/" + r.RowID
}

// DatasetRow is one materialized row.
type DatasetRow struct {
	Table       string `json:"table"`
	RowID       string `json:"row_id"`
	AudienceKey string `json:"audience_key"`
	Data        Object `json:"data"`
}
