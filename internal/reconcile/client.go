package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/lofisync/internal/capture"
	"github.com/roach88/lofisync/internal/conflict"
	"github.com/roach88/lofisync/internal/engine"
	"github.com/roach88/lofisync/internal/ir"
	"github.com/roach88/lofisync/internal/metrics"
	"github.com/roach88/lofisync/internal/store"
)

// DefaultMaxAttempts bounds fetch/upload cycles per Sync when the server
// keeps answering BehindHead.
const DefaultMaxAttempts = 3

// RoundResult summarizes one Sync call.
type RoundResult struct {
	Attempts     int    `json:"attempts"`
	Fetched      int    `json:"fetched"`
	Applied      int    `json:"applied"`
	RolledBack   int    `json:"rolled_back"`
	Conflicts    int    `json:"conflicts"`
	Corrections  int    `json:"corrections"`
	Uploaded     int    `json:"uploaded"`
	Held         int    `json:"held"`
	Bootstrapped bool   `json:"bootstrapped"`
	HighWater    uint64 `json:"high_water"`
}

// Client drives reconciliation for one local replica.
//
// Thread-safety: a replica has a single writer. Sync, Bootstrap and the
// quarantine operations must not run concurrently with each other; local
// mutations through Execute may interleave between their transactions.
type Client struct {
	store        *store.Store
	remote       Remote
	recorder     *capture.Recorder
	scope        store.Scope
	materializer *engine.Materializer
	resolver     *conflict.Resolver
	policy       conflict.Policy
	maxAttempts  int
	now          func() time.Time
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithMaxAttempts sets the BehindHead retry limit.
func WithMaxAttempts(n int) ClientOption {
	return func(c *Client) { c.maxAttempts = n }
}

// WithPolicy replaces the AlwaysCorrect conflict policy.
func WithPolicy(p conflict.Policy) ClientOption {
	return func(c *Client) { c.policy = p }
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithClientMetrics records round metrics into m.
func WithClientMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithClientNow overrides the wall clock used for LastSyncAt.
func WithClientNow(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// NewClient creates a client for the replica in st. rec stamps local
// actions and corrections; scope is the replica's visibility.
func NewClient(st *store.Store, remote Remote, rec *capture.Recorder, scope store.Scope, opts ...ClientOption) *Client {
	c := &Client{
		store:       st,
		remote:      remote,
		recorder:    rec,
		scope:       scope,
		policy:      conflict.AlwaysCorrect,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.materializer = engine.NewMaterializer(engine.WithLogger(c.logger))
	c.resolver = conflict.NewResolver(c.policy, rec, conflict.WithLogger(c.logger))
	return c
}

// ClientID returns the id this replica writes as.
func (c *Client) ClientID() string {
	return c.recorder.ClientID()
}

// Execute records a local mutation.
func (c *Client) Execute(ctx context.Context, tag ir.ActionKind, args ir.Args, fn capture.Mutation) (ir.ActionRecord, error) {
	return c.recorder.Execute(ctx, c.store, c.scope, tag, args, fn)
}

// Rebuild records a ROLLBACK marker targeting actionID (or ir.GenesisTarget)
// and re-materializes from that point. The marker propagates on the next
// Sync so every replica rebuilds from the same point.
func (c *Client) Rebuild(ctx context.Context, actionID string) (engine.Stats, error) {
	var stats engine.Stats
	err := c.store.WithTx(ctx, c.scope, func(tx *store.Tx) error {
		rec, err := c.recorder.ExecuteTx(ctx, tx, ir.TagRollback, ir.Rollback{Target: actionID},
			func(context.Context, *store.Tx) error { return nil })
		if err != nil {
			return err
		}
		forced, err := engine.TargetFromRollbacks(ctx, tx, []ir.ActionRecord{rec})
		if err != nil {
			return err
		}
		stats, err = c.materializer.Materialize(ctx, tx, forced)
		return err
	})
	return stats, err
}

// Repair checks every row the applied log touches against its canonical
// winner. Rows changed behind the log's back get a correction under the
// client's policy; it uploads on the next Sync like any local action.
func (c *Client) Repair(ctx context.Context) (conflict.Report, error) {
	var report conflict.Report
	err := c.store.WithTx(ctx, c.scope, func(tx *store.Tx) error {
		rows, err := tx.AppliedRows(ctx)
		if err != nil {
			return err
		}
		report, err = c.resolver.Resolve(ctx, tx, rows)
		return err
	})
	if err != nil {
		return report, boundary(err)
	}
	if len(report.Diverged) > 0 {
		c.logger.Warn("dataset drifted from log",
			"client_id", c.ClientID(),
			"checked", report.Checked,
			"diverged", len(report.Diverged),
			"corrected", report.Correction != nil)
	}
	return report, nil
}

// Sync runs one reconciliation round: fetch and integrate foreign actions,
// then upload local ones. A BehindHead answer restarts the round, up to the
// attempt limit. A Compacted answer or a changed server epoch triggers a
// snapshot bootstrap. An InvalidBatch answer quarantines the upload.
func (c *Client) Sync(ctx context.Context) (RoundResult, error) {
	start := time.Now()
	res, err := c.sync(ctx)
	c.metrics.RecordRound("sync", string(KindOf(err)), time.Since(start).Seconds())
	if err != nil {
		c.logger.Warn("sync failed", "client_id", c.ClientID(), "attempts", res.Attempts, "error", err)
		return res, err
	}
	c.logger.Info("sync complete",
		"client_id", c.ClientID(),
		"attempts", res.Attempts,
		"fetched", res.Fetched,
		"uploaded", res.Uploaded,
		"held", res.Held,
		"high_water", res.HighWater)
	return res, nil
}

func (c *Client) sync(ctx context.Context) (RoundResult, error) {
	var res RoundResult
	for {
		res.Attempts++
		if err := c.pull(ctx, &res); err != nil {
			return res, err
		}
		err := c.push(ctx, &res)
		if IsBehindHead(err) && res.Attempts < c.maxAttempts {
			c.logger.Debug("upload behind head, refetching",
				"client_id", c.ClientID(),
				"first_unseen", Classify(err).FirstUnseenIngestID,
				"attempt", res.Attempts)
			continue
		}
		return res, err
	}
}

// pull fetches after the cursor and integrates the result.
func (c *Client) pull(ctx context.Context, res *RoundResult) error {
	st, err := c.SyncState(ctx)
	if err != nil {
		return boundary(err)
	}
	resp, err := c.remote.FetchRemoteActions(ctx, FetchRequest{SinceServerIngestID: st.LastServerIngestID})

	var reason string
	switch {
	case IsCompacted(err):
		reason = "compacted"
	case err != nil:
		return err
	case st.ServerEpoch != "" && resp.ServerEpoch != st.ServerEpoch:
		reason = "epoch changed"
	}
	if reason != "" {
		if res.Bootstrapped {
			return &Error{Kind: KindInternal, Message: "server history changed again after bootstrap"}
		}
		if err := c.bootstrap(ctx, reason, res); err != nil {
			return err
		}
		return c.pull(ctx, res)
	}
	return c.integrate(ctx, resp, res)
}

// integrate ingests fetched actions, materializes and resolves in one
// transaction, then advances the cursor.
func (c *Client) integrate(ctx context.Context, resp FetchResponse, res *RoundResult) error {
	var (
		fresh  []string
		stats  engine.Stats
		report conflict.Report
	)
	err := c.store.WithTx(ctx, c.scope, func(tx *store.Tx) error {
		clock := c.recorder.Clock()
		for _, a := range resp.Actions {
			clock.Observe(a.Clock)
		}

		var err error
		fresh, err = tx.InsertBatch(ctx, resp.Actions, resp.ModifiedRows)
		if err != nil {
			return err
		}
		forced, err := engine.TargetFromRollbacks(ctx, tx, resp.Actions)
		if err != nil {
			return err
		}
		stats, err = c.materializer.Materialize(ctx, tx, forced)
		if err != nil {
			return err
		}
		report, err = c.resolver.Resolve(ctx, tx, stats.Touched)
		if err != nil {
			return err
		}
		return tx.SaveSyncState(ctx, store.SyncState{
			LastServerIngestID: resp.HighWater,
			ServerEpoch:        resp.ServerEpoch,
			LastSyncAt:         c.now(),
		})
	})
	if err != nil {
		return boundary(err)
	}

	corrections := 0
	if report.Correction != nil {
		corrections = 1
	}
	res.Fetched += len(fresh)
	res.Applied += stats.Applied
	res.RolledBack += stats.RolledBack
	res.Conflicts += len(report.Conflicts)
	res.Corrections += corrections
	res.HighWater = resp.HighWater
	c.metrics.RecordMaterialize(stats.Applied, stats.RolledBack, stats.Rounds)
	c.metrics.RecordConflicts(len(report.Conflicts), corrections)
	return nil
}

// push uploads unsynced local actions unless the quarantine is non-empty.
func (c *Client) push(ctx context.Context, res *RoundResult) error {
	var (
		req  SendRequest
		held int
	)
	err := c.store.WithTx(ctx, c.scope, func(tx *store.Tx) error {
		q, err := tx.Quarantined(ctx)
		if err != nil {
			return err
		}
		if len(q) > 0 {
			held = len(q)
			return nil
		}
		st, err := tx.SyncState(ctx)
		if err != nil {
			return err
		}
		pending, err := tx.UnsyncedActions(ctx, c.ClientID())
		if err != nil {
			return err
		}
		amrs, err := tx.AMRsForActions(ctx, actionIDs(pending))
		if err != nil {
			return err
		}
		req = SendRequest{
			BasisServerIngestID: st.LastServerIngestID,
			ServerEpoch:         st.ServerEpoch,
			Actions:             pending,
			ModifiedRows:        amrs,
		}
		return nil
	})
	if err != nil {
		return boundary(err)
	}
	if held > 0 {
		res.Held = held
		c.logger.Warn("upload held by quarantine", "client_id", c.ClientID(), "quarantined", held)
		return nil
	}
	if len(req.Actions) == 0 {
		return nil
	}

	resp, err := c.remote.SendLocalActions(ctx, req)
	if KindOf(err) == KindInvalidBatch {
		ids := actionIDs(req.Actions)
		qerr := c.store.WithTx(ctx, c.scope, func(tx *store.Tx) error {
			return tx.Quarantine(ctx, ids, Classify(err).Message)
		})
		if qerr != nil {
			return boundary(qerr)
		}
		res.Held = len(ids)
		c.logger.Error("upload rejected, batch quarantined",
			"client_id", c.ClientID(),
			"actions", len(ids),
			"error", err)
		return err
	}
	if err != nil {
		return err
	}

	err = c.store.WithTx(ctx, c.scope, func(tx *store.Tx) error {
		for _, a := range req.Actions {
			id, ok := resp.IngestIDs[a.ID]
			if !ok {
				return fmt.Errorf("server returned no ingest id for %s", a.ID)
			}
			if err := tx.SetServerIngestID(ctx, a.ID, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return boundary(err)
	}
	res.Uploaded += len(req.Actions)
	return nil
}

// Bootstrap replaces the synced part of the replica with a server snapshot.
// Unsynced local actions survive and are re-applied on top.
func (c *Client) Bootstrap(ctx context.Context) (RoundResult, error) {
	var res RoundResult
	err := c.bootstrap(ctx, "requested", &res)
	return res, err
}

func (c *Client) bootstrap(ctx context.Context, reason string, res *RoundResult) error {
	payload, err := c.remote.GetBootstrapSnapshot(ctx)
	if err != nil {
		return err
	}
	snap, err := DecodeSnapshot(payload)
	if err != nil {
		return &Error{Kind: KindInternal, Message: "corrupt snapshot", Err: err}
	}

	var (
		dropped int64
		stats   engine.Stats
	)
	err = c.store.WithTx(ctx, c.scope, func(tx *store.Tx) error {
		var err error
		if dropped, err = tx.DropSyncedActions(ctx); err != nil {
			return err
		}
		if err := tx.ClearApplied(ctx); err != nil {
			return err
		}
		if err := tx.ReplaceDataset(ctx, snap.Rows); err != nil {
			return err
		}
		if stats, err = c.materializer.Materialize(ctx, tx, nil); err != nil {
			return err
		}
		return tx.SaveSyncState(ctx, store.SyncState{
			LastServerIngestID: snap.HighWater,
			ServerEpoch:        snap.ServerEpoch,
			LastSyncAt:         c.now(),
		})
	})
	if err != nil {
		return boundary(err)
	}

	res.Bootstrapped = true
	res.Applied += stats.Applied
	res.HighWater = snap.HighWater
	c.logger.Info("replica bootstrapped",
		"client_id", c.ClientID(),
		"reason", reason,
		"rows", len(snap.Rows),
		"dropped_actions", dropped,
		"reapplied", stats.Applied,
		"epoch", snap.ServerEpoch,
		"high_water", snap.HighWater)
	return nil
}

// SyncState returns the replica's cursor.
func (c *Client) SyncState(ctx context.Context) (store.SyncState, error) {
	var st store.SyncState
	err := c.store.WithTx(ctx, c.scope, func(tx *store.Tx) error {
		var err error
		st, err = tx.SyncState(ctx)
		return err
	})
	return st, err
}

// Quarantined lists the actions holding back uploads.
func (c *Client) Quarantined(ctx context.Context) ([]store.QuarantinedAction, error) {
	var q []store.QuarantinedAction
	err := c.store.WithTx(ctx, c.scope, func(tx *store.Tx) error {
		var err error
		q, err = tx.Quarantined(ctx)
		return err
	})
	return q, err
}

// ReleaseQuarantine lets the quarantined actions be uploaded again, e.g.
// after the server's schema was fixed.
func (c *Client) ReleaseQuarantine(ctx context.Context) error {
	return c.store.WithTx(ctx, c.scope, func(tx *store.Tx) error {
		return tx.ClearQuarantine(ctx)
	})
}

// DiscardQuarantine removes the quarantined actions from the log and the
// dataset. Everything applied after the earliest of them is rolled back and
// replayed without them.
func (c *Client) DiscardQuarantine(ctx context.Context) (int, error) {
	var discarded int
	err := c.store.WithTx(ctx, c.scope, func(tx *store.Tx) error {
		q, err := tx.Quarantined(ctx)
		if err != nil || len(q) == 0 {
			return err
		}
		ids := make([]string, 0, len(q))
		var earliest *ir.OrderKey
		for _, entry := range q {
			a, err := tx.GetAction(ctx, entry.ActionRecordID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			ids = append(ids, a.ID)
			if k := ir.KeyOf(a); earliest == nil || k.Less(*earliest) {
				earliest = &k
			}
		}
		if earliest == nil {
			return tx.ClearQuarantine(ctx)
		}

		pred, err := tx.PredecessorApplied(ctx, *earliest)
		if err != nil {
			return err
		}
		target := engine.Genesis
		if pred != nil {
			target = engine.At(ir.KeyOf(*pred))
		}
		if _, err := c.materializer.RollbackTo(ctx, tx, target); err != nil {
			return err
		}
		if _, err := tx.DeleteActions(ctx, ids); err != nil {
			return err
		}
		if err := tx.ClearQuarantine(ctx); err != nil {
			return err
		}
		if _, err := c.materializer.Materialize(ctx, tx, nil); err != nil {
			return err
		}
		discarded = len(ids)
		return nil
	})
	if err == nil && discarded > 0 {
		c.logger.Warn("quarantined actions discarded", "client_id", c.ClientID(), "actions", discarded)
	}
	return discarded, err
}

func actionIDs(actions []ir.ActionRecord) []string {
	ids := make([]string, len(actions))
	for i, a := range actions {
		ids[i] = a.ID
	}
	return ids
}
