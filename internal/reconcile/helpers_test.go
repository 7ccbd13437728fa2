package reconcile

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/lofisync/internal/capture"
	"github.com/roach88/lofisync/internal/hlc"
	"github.com/roach88/lofisync/internal/ir"
	"github.com/roach88/lofisync/internal/store"
	"github.com/roach88/lofisync/internal/testutil"
)

const audience = "list:1"

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func openStore(t *testing.T, opts ...store.Option) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir()+"/test.db", append([]store.Option{store.WithLogger(quiet)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newServer(t *testing.T, opts ...store.Option) (*Server, *store.Store) {
	t.Helper()
	st := openStore(t, opts...)
	return NewServer(st, WithServerLogger(quiet)), st
}

// replica is one client with its own store and manual time.
type replica struct {
	id     string
	store  *store.Store
	time   *testutil.ManualTime
	client *Client
}

func principal(id string) Principal {
	return Principal{ClientID: id, UserID: "user-" + id, Audiences: []string{audience}}
}

func newReplica(t *testing.T, remote func(Principal) Remote, id string, startMs uint64, opts ...ClientOption) *replica {
	t.Helper()
	mt := testutil.NewManualTime(startMs)
	st := openStore(t, store.WithNow(mt.Time))
	rec := capture.NewRecorder(hlc.NewClock(id, mt.Now), "user-"+id,
		capture.WithIDGenerator(capture.NewSequentialGenerator(id)),
		capture.WithNow(mt.Time),
		capture.WithLogger(quiet))
	p := principal(id)
	opts = append([]ClientOption{WithClientLogger(quiet), WithClientNow(mt.Time)}, opts...)
	return &replica{
		id:     id,
		store:  st,
		time:   mt,
		client: NewClient(st, remote(p), rec, p.Scope(), opts...),
	}
}

func local(srv *Server) func(Principal) Remote {
	return func(p Principal) Remote { return LocalRemote{Server: srv, Principal: p} }
}

func (r *replica) set(t *testing.T, row string, value ir.Value) ir.ActionRecord {
	t.Helper()
	rec, err := r.client.Execute(context.Background(), "todos.set",
		ir.Mutation{Params: ir.Object{"row": ir.String(row)}},
		func(ctx context.Context, tx *store.Tx) error {
			return tx.PutRow(ctx, store.WriteCaptured, "todos", row, audience, ir.Object{"title": value})
		})
	require.NoError(t, err)
	return rec
}

func (r *replica) setTitle(t *testing.T, row, title string) ir.ActionRecord {
	t.Helper()
	return r.set(t, row, ir.String(title))
}

func (r *replica) sync(t *testing.T) RoundResult {
	t.Helper()
	res, err := r.client.Sync(context.Background())
	require.NoError(t, err)
	return res
}

func titlesIn(t *testing.T, s *store.Store, scope store.Scope) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := s.WithTx(context.Background(), scope, func(tx *store.Tx) error {
		rows, err := tx.Rows(context.Background(), "todos")
		if err != nil {
			return err
		}
		for _, r := range rows {
			if title, ok := r.Data["title"].(ir.String); ok {
				out[r.RowID] = string(title)
			}
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func (r *replica) titles(t *testing.T) map[string]string {
	return titlesIn(t, r.store, store.AudienceScope(audience))
}

func counts(t *testing.T, s *store.Store) store.Counts {
	t.Helper()
	var c store.Counts
	err := s.WithTx(context.Background(), store.BypassScope(), func(tx *store.Tx) error {
		var err error
		c, err = tx.Counts(context.Background())
		return err
	})
	require.NoError(t, err)
	return c
}

// pendingRequest builds the upload r would send right now.
func (r *replica) pendingRequest(t *testing.T, basis uint64) SendRequest {
	t.Helper()
	var req SendRequest
	err := r.store.WithTx(context.Background(), store.AudienceScope(audience), func(tx *store.Tx) error {
		actions, err := tx.UnsyncedActions(context.Background(), r.id)
		if err != nil {
			return err
		}
		amrs, err := tx.AMRsForActions(context.Background(), actionIDs(actions))
		if err != nil {
			return err
		}
		req = SendRequest{BasisServerIngestID: basis, Actions: actions, ModifiedRows: amrs}
		return nil
	})
	require.NoError(t, err)
	return req
}

// hookedRemote runs beforeSend once, just before the first upload.
type hookedRemote struct {
	Remote
	beforeSend func()
}

func (h *hookedRemote) SendLocalActions(ctx context.Context, req SendRequest) (SendResponse, error) {
	if h.beforeSend != nil {
		fn := h.beforeSend
		h.beforeSend = nil
		fn()
	}
	return h.Remote.SendLocalActions(ctx, req)
}
