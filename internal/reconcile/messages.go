package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"

	"github.com/roach88/lofisync/internal/ir"
	"github.com/roach88/lofisync/internal/store"
)

// Principal is the authenticated caller of a server operation.
type Principal struct {
	ClientID  string   `json:"client_id"`
	UserID    string   `json:"user_id"`
	Audiences []string `json:"audiences"`
}

// Scope is the visibility scope the principal's requests run under.
func (p Principal) Scope() store.Scope {
	return store.AudienceScope(p.Audiences...)
}

// SendRequest uploads local actions.
type SendRequest struct {
	BasisServerIngestID uint64                 `json:"basis_server_ingest_id"`
	ServerEpoch         string                 `json:"server_epoch,omitempty"` // epoch the basis was read in
	Actions             []ir.ActionRecord      `json:"actions"`
	ModifiedRows        []ir.ActionModifiedRow `json:"modified_rows"`
}

// SendResponse lists the ingest id of every action in the request, including
// actions that were already in the log.
type SendResponse struct {
	IngestIDs map[string]uint64 `json:"ingest_ids"`
	HighWater uint64            `json:"high_water"`
}

// FetchRequest asks for actions ingested after a cursor.
type FetchRequest struct {
	SinceServerIngestID uint64 `json:"since_server_ingest_id"`
	IncludeSelf         bool   `json:"include_self"`
}

// FetchResponse carries the actions after the cursor in ingest order.
// HighWater is the cursor to use for the next fetch.
type FetchResponse struct {
	Actions                   []ir.ActionRecord      `json:"actions"`
	ModifiedRows              []ir.ActionModifiedRow `json:"modified_rows"`
	ServerEpoch               string                 `json:"server_epoch"`
	MinRetainedServerIngestID uint64                 `json:"min_retained_server_ingest_id"`
	HighWater                 uint64                 `json:"high_water"`
}

// Snapshot is the visible dataset as of HighWater.
type Snapshot struct {
	ServerEpoch string          `json:"server_epoch"`
	HighWater   uint64          `json:"high_water"`
	Rows        []ir.DatasetRow `json:"rows"`
}

// SnapshotPayload is the wire form of a Snapshot: the rows as canonical
// JSON, snappy-compressed, with a murmur3 checksum of the uncompressed
// bytes.
type SnapshotPayload struct {
	ServerEpoch string `json:"server_epoch"`
	HighWater   uint64 `json:"high_water"`
	Checksum    uint32 `json:"checksum"`
	Rows        []byte `json:"rows"`
}

// EncodeSnapshot compresses a snapshot for transfer.
func EncodeSnapshot(s Snapshot) (SnapshotPayload, error) {
	rows := make(ir.Array, len(s.Rows))
	for i, r := range s.Rows {
		rows[i] = ir.Object{
			"table":        ir.String(r.Table),
			"row_id":       ir.String(r.RowID),
			"audience_key": ir.String(r.AudienceKey),
			"data":         r.Data,
		}
	}
	raw, err := ir.MarshalCanonical(rows)
	if err != nil {
		return SnapshotPayload{}, fmt.Errorf("encode snapshot: %w", err)
	}
	return SnapshotPayload{
		ServerEpoch: s.ServerEpoch,
		HighWater:   s.HighWater,
		Checksum:    murmur3.Sum32(raw),
		Rows:        snappy.Encode(nil, raw),
	}, nil
}

// DecodeSnapshot decompresses and verifies a snapshot payload.
func DecodeSnapshot(p SnapshotPayload) (Snapshot, error) {
	raw, err := snappy.Decode(nil, p.Rows)
	if err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if sum := murmur3.Sum32(raw); sum != p.Checksum {
		return Snapshot{}, fmt.Errorf("decode snapshot: checksum mismatch (got %08x, want %08x)", sum, p.Checksum)
	}
	var rows []ir.DatasetRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return Snapshot{ServerEpoch: p.ServerEpoch, HighWater: p.HighWater, Rows: rows}, nil
}

// Remote is the server as seen by a client. Implementations carry the
// client's identity themselves.
type Remote interface {
	FetchRemoteActions(ctx context.Context, req FetchRequest) (FetchResponse, error)
	SendLocalActions(ctx context.Context, req SendRequest) (SendResponse, error)
	GetBootstrapSnapshot(ctx context.Context) (SnapshotPayload, error)
}

// LocalRemote calls a Server in-process as a fixed principal.
type LocalRemote struct {
	Server    *Server
	Principal Principal
}

var _ Remote = LocalRemote{}

// FetchRemoteActions implements Remote.
func (l LocalRemote) FetchRemoteActions(ctx context.Context, req FetchRequest) (FetchResponse, error) {
	return l.Server.FetchRemoteActions(ctx, l.Principal, req)
}

// SendLocalActions implements Remote.
func (l LocalRemote) SendLocalActions(ctx context.Context, req SendRequest) (SendResponse, error) {
	return l.Server.SendLocalActions(ctx, l.Principal, req)
}

// GetBootstrapSnapshot implements Remote.
func (l LocalRemote) GetBootstrapSnapshot(ctx context.Context) (SnapshotPayload, error) {
	return l.Server.GetBootstrapSnapshot(ctx, l.Principal)
}
