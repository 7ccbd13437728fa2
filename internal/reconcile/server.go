package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/lofisync/internal/conflict"
	"github.com/roach88/lofisync/internal/engine"
	"github.com/roach88/lofisync/internal/ir"
	"github.com/roach88/lofisync/internal/metrics"
	"github.com/roach88/lofisync/internal/store"
)

// Server is the authoritative side of the protocol. Every operation runs as
// one transaction under the caller's scope; only materialization switches to
// the bypass scope, because the canonical dataset spans all audiences.
type Server struct {
	store        *store.Store
	materializer *engine.Materializer
	resolver     *conflict.Resolver
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithServerMetrics records round metrics into m.
func WithServerMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithServerMaterializer replaces the default materializer.
func WithServerMaterializer(m *engine.Materializer) ServerOption {
	return func(s *Server) { s.materializer = m }
}

// NewServer creates a server over st. Conflicts are detected and audited but
// never corrected on the server.
func NewServer(st *store.Store, opts ...ServerOption) *Server {
	s := &Server{store: st, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if s.materializer == nil {
		s.materializer = engine.NewMaterializer(engine.WithLogger(s.logger))
	}
	s.resolver = conflict.NewResolver(conflict.DetectOnly, nil, conflict.WithLogger(s.logger))
	return s
}

// Meta ensures the server metadata row exists and returns it.
func (s *Server) Meta(ctx context.Context) (store.ServerMeta, error) {
	var meta store.ServerMeta
	err := s.store.WithTx(ctx, store.BypassScope(), func(tx *store.Tx) error {
		var err error
		meta, err = tx.EnsureServerMeta(ctx)
		return err
	})
	return meta, err
}

// SendLocalActions ingests an upload:
//  1. validate the batch against the uploader (InvalidBatch)
//  2. reject AMRs outside the principal's audiences (Denied)
//  3. head gate: reject if a visible foreign action is newer than the basis
//     (BehindHead)
//  4. insert idempotently and assign ingest ids to new actions
//  5. materialize under bypass, forcing a rollback for ROLLBACK markers
//  6. audit conflicts on the touched rows
func (s *Server) SendLocalActions(ctx context.Context, p Principal, req SendRequest) (SendResponse, error) {
	start := time.Now()
	resp, err := s.send(ctx, p, req)
	s.finish("send", p, start, err)
	return resp, boundary(err)
}

func (s *Server) send(ctx context.Context, p Principal, req SendRequest) (SendResponse, error) {
	if p.ClientID == "" {
		return SendResponse{}, denied("principal has no client id")
	}
	if err := ir.ValidateBatch(p.ClientID, req.Actions, req.ModifiedRows); err != nil {
		return SendResponse{}, err
	}
	scope := p.Scope()
	for _, m := range req.ModifiedRows {
		if !scope.CanSee(m.AudienceKey) {
			return SendResponse{}, denied("audience %q of %s/%s is not granted", m.AudienceKey, m.TableName, m.RowID)
		}
	}

	// Client-side bookkeeping never crosses the wire into the server log.
	actions := make([]ir.ActionRecord, len(req.Actions))
	for i, a := range req.Actions {
		a.ServerIngestID = nil
		a.Synced = false
		actions[i] = a
	}

	resp := SendResponse{IngestIDs: make(map[string]uint64, len(actions))}
	err := s.store.WithTx(ctx, scope, func(tx *store.Tx) error {
		meta, err := tx.EnsureServerMeta(ctx)
		if err != nil {
			return err
		}
		if err := checkBasis(ctx, tx, p.ClientID, meta, req); err != nil {
			return err
		}

		fresh, err := tx.InsertBatch(ctx, actions, req.ModifiedRows)
		if err != nil {
			return err
		}
		isFresh := make(map[string]bool, len(fresh))
		for _, id := range fresh {
			isFresh[id] = true
		}
		var duplicates int
		for _, a := range actions {
			if isFresh[a.ID] {
				id, err := tx.AssignIngestID(ctx, a.ID)
				if err != nil {
					return err
				}
				resp.IngestIDs[a.ID] = id
				continue
			}
			duplicates++
			id, ok, err := tx.IngestIDOf(ctx, a.ID)
			if err != nil {
				return err
			}
			if ok {
				resp.IngestIDs[a.ID] = id
			}
		}

		bypass := tx.WithScope(store.BypassScope())
		forced, err := engine.TargetFromRollbacks(ctx, bypass, actions)
		if err != nil {
			return err
		}
		stats, err := s.materializer.Materialize(ctx, bypass, forced)
		if err != nil {
			return err
		}
		report, err := s.resolver.Resolve(ctx, bypass, stats.Touched)
		if err != nil {
			return err
		}

		meta, err = tx.ServerMeta(ctx)
		if err != nil {
			return err
		}
		resp.HighWater = meta.IngestHighWater

		s.metrics.RecordIngest(len(fresh), duplicates, meta.IngestHighWater)
		s.metrics.RecordMaterialize(stats.Applied, stats.RolledBack, stats.Rounds)
		s.metrics.RecordConflicts(len(report.Conflicts), 0)
		s.logger.Info("actions ingested",
			"client_id", p.ClientID,
			"fresh", len(fresh),
			"duplicates", duplicates,
			"applied", stats.Applied,
			"rolled_back", stats.RolledBack,
			"conflicts", len(report.Conflicts),
			"high_water", meta.IngestHighWater)
		return nil
	})
	if err != nil {
		return SendResponse{}, err
	}
	return resp, nil
}

// checkBasis is the head gate. A basis read in another epoch, or one past
// the high water, says nothing about what the uploader has seen, so the
// uploader is behind everything visible.
func checkBasis(ctx context.Context, tx *store.Tx, clientID string, meta store.ServerMeta, req SendRequest) error {
	basis := req.BasisServerIngestID
	stale := basis > meta.IngestHighWater ||
		(req.ServerEpoch != meta.Epoch && (req.ServerEpoch != "" || basis > 0))
	if stale {
		basis = 0
	}
	first, behind, err := tx.FirstUnseenForeign(ctx, clientID, basis)
	if err != nil {
		return err
	}
	switch {
	case behind:
		return behindHead(first)
	case stale:
		return behindHead(meta.IngestHighWater + 1)
	}
	return nil
}

// FetchRemoteActions returns the visible actions ingested after the cursor.
// A cursor older than the compacted prefix gets Compacted.
func (s *Server) FetchRemoteActions(ctx context.Context, p Principal, req FetchRequest) (FetchResponse, error) {
	start := time.Now()
	resp, err := s.fetch(ctx, p, req)
	s.finish("fetch", p, start, err)
	return resp, boundary(err)
}

func (s *Server) fetch(ctx context.Context, p Principal, req FetchRequest) (FetchResponse, error) {
	var resp FetchResponse
	err := s.store.WithTx(ctx, p.Scope(), func(tx *store.Tx) error {
		meta, err := tx.EnsureServerMeta(ctx)
		if err != nil {
			return err
		}
		minRetained, err := tx.MinRetainedIngestID(ctx)
		if err != nil {
			return err
		}
		if req.SinceServerIngestID < meta.CompactedThrough {
			return compacted(req.SinceServerIngestID, minRetained)
		}

		exclude := p.ClientID
		if req.IncludeSelf {
			exclude = ""
		}
		actions, err := tx.ActionsSince(ctx, req.SinceServerIngestID, exclude)
		if err != nil {
			return err
		}
		ids := make([]string, len(actions))
		for i, a := range actions {
			ids[i] = a.ID
		}
		amrs, err := tx.AMRsForActions(ctx, ids)
		if err != nil {
			return err
		}

		resp = FetchResponse{
			Actions:                   actions,
			ModifiedRows:              amrs,
			ServerEpoch:               meta.Epoch,
			MinRetainedServerIngestID: minRetained,
			HighWater:                 meta.IngestHighWater,
		}
		return nil
	})
	return resp, err
}

// GetBootstrapSnapshot returns the visible dataset with the cursor it
// corresponds to.
func (s *Server) GetBootstrapSnapshot(ctx context.Context, p Principal) (SnapshotPayload, error) {
	start := time.Now()
	payload, err := s.snapshot(ctx, p)
	s.finish("snapshot", p, start, err)
	return payload, boundary(err)
}

func (s *Server) snapshot(ctx context.Context, p Principal) (SnapshotPayload, error) {
	var snap Snapshot
	err := s.store.WithTx(ctx, p.Scope(), func(tx *store.Tx) error {
		meta, err := tx.EnsureServerMeta(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Rows(ctx, "")
		if err != nil {
			return err
		}
		snap = Snapshot{ServerEpoch: meta.Epoch, HighWater: meta.IngestHighWater, Rows: rows}
		return nil
	})
	if err != nil {
		return SnapshotPayload{}, err
	}
	return EncodeSnapshot(snap)
}

// ResetEpoch discards all server history and starts a new epoch.
func (s *Server) ResetEpoch(ctx context.Context) (store.ServerMeta, error) {
	var meta store.ServerMeta
	err := s.store.WithTx(ctx, store.BypassScope(), func(tx *store.Tx) error {
		var err error
		meta, err = tx.ResetEpoch(ctx)
		return err
	})
	if err == nil {
		s.logger.Warn("server epoch reset", "epoch", meta.Epoch)
	}
	return meta, err
}

func (s *Server) finish(op string, p Principal, start time.Time, err error) {
	kind := string(KindOf(err))
	s.metrics.RecordRound(op, kind, time.Since(start).Seconds())
	if err == nil {
		return
	}
	level := slog.LevelWarn
	if kind == string(KindInternal) {
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "round rejected",
		"operation", op,
		"client_id", p.ClientID,
		"kind", kind,
		"error", err)
}

