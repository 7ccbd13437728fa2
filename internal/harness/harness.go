package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/lofisync/internal/capture"
	"github.com/roach88/lofisync/internal/compaction"
	"github.com/roach88/lofisync/internal/hlc"
	"github.com/roach88/lofisync/internal/ir"
	"github.com/roach88/lofisync/internal/reconcile"
	"github.com/roach88/lofisync/internal/schema"
	"github.com/roach88/lofisync/internal/store"
	"github.com/roach88/lofisync/internal/testutil"
)

// Harness is the scenario execution environment: one server, a set of
// replicas talking to it in-process, and a shared world clock.
type Harness struct {
	world    *testutil.ManualTime
	server   *reconcile.Server
	st       *store.Store
	replicas map[string]*replica
	order    []string
	logger   *slog.Logger
}

type replica struct {
	spec   ReplicaSpec
	store  *store.Store
	scope  store.Scope
	client *reconcile.Client
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against fresh in-memory databases. Clocks and action
// ids are deterministic, so the same scenario always produces the same
// trace and final state.
//
// Execution flow:
//  1. Create the server and one replica per ReplicaSpec
//  2. Execute flow steps, checking expect clauses
//  3. Capture the final state of every node
//  4. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()
	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	result := NewResult()
	for i, step := range scenario.Flow {
		if err := h.execute(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	if err := h.captureState(ctx, result); err != nil {
		return nil, fmt.Errorf("capture state: %w", err)
	}

	actx := &AssertionContext{Ctx: ctx, Harness: h}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(scenario *Scenario) (*Harness, error) {
	start := scenario.StartMs
	if start == 0 {
		start = DefaultStartMs
	}
	h := &Harness{
		world:    testutil.NewManualTime(start),
		replicas: make(map[string]*replica, len(scenario.Replicas)),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
	}

	// Only the server validates rows; replicas accept whatever the
	// application writes, as an untrusted client would.
	serverOpts := []store.Option{store.WithLogger(h.logger), store.WithNow(h.world.Time)}
	if scenario.Schema != "" {
		reg, err := schema.LoadDir(scenario.Schema)
		if err != nil {
			return nil, fmt.Errorf("load schema: %w", err)
		}
		serverOpts = append(serverOpts, store.WithSchema(reg))
	}
	st, err := store.Open(":memory:", serverOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create server store: %w", err)
	}
	h.st = st
	h.server = reconcile.NewServer(st, reconcile.WithServerLogger(h.logger))

	for _, spec := range scenario.Replicas {
		r, err := h.newReplica(spec)
		if err != nil {
			h.close()
			return nil, fmt.Errorf("replica %s: %w", spec.ID, err)
		}
		h.replicas[spec.ID] = r
		h.order = append(h.order, spec.ID)
	}
	return h, nil
}

func (h *Harness) newReplica(spec ReplicaSpec) (*replica, error) {
	if len(spec.Audiences) == 0 {
		spec.Audiences = []string{DefaultAudience}
	}
	skew := spec.SkewMs
	source := func() uint64 { return uint64(int64(h.world.Now()) + skew) }
	now := func() time.Time { return time.UnixMilli(int64(source())).UTC() }

	st, err := store.Open(":memory:", store.WithLogger(h.logger), store.WithNow(now))
	if err != nil {
		return nil, err
	}
	p := reconcile.Principal{ClientID: spec.ID, UserID: "user-" + spec.ID, Audiences: spec.Audiences}
	rec := capture.NewRecorder(hlc.NewClock(spec.ID, source), p.UserID,
		capture.WithIDGenerator(capture.NewSequentialGenerator(spec.ID)),
		capture.WithNow(now),
		capture.WithLogger(h.logger))
	client := reconcile.NewClient(st, reconcile.LocalRemote{Server: h.server, Principal: p}, rec, p.Scope(),
		reconcile.WithClientLogger(h.logger),
		reconcile.WithClientNow(now))
	return &replica{spec: spec, store: st, scope: p.Scope(), client: client}, nil
}

func (h *Harness) close() {
	for _, r := range h.replicas {
		r.store.Close()
	}
	if h.st != nil {
		h.st.Close()
	}
}

// nodeStore returns the store and visibility scope of a node.
func (h *Harness) nodeStore(node string) (*store.Store, store.Scope) {
	if node == ServerNode {
		return h.st, store.BypassScope()
	}
	r := h.replicas[node]
	return r.store, r.scope
}

// execute runs one step. Errors returned here abort the scenario; failed
// expectations are recorded on result instead.
func (h *Harness) execute(ctx context.Context, i int, step FlowStep, result *Result) error {
	switch {
	case step.Advance != "":
		d, _ := time.ParseDuration(step.Advance)
		h.world.Advance(d)
		return nil

	case step.Compact != nil:
		retention, _ := time.ParseDuration(step.Compact.Retention)
		daemon := compaction.NewDaemon(h.st, compaction.Config{Retention: retention},
			compaction.WithNow(h.world.Time),
			compaction.WithLogger(h.logger))
		res, err := daemon.RunOnce(ctx)
		if err != nil {
			return err
		}
		result.AddTrace(TraceEvent{Node: ServerNode, Op: "compact", Compacted: res.Deleted})
		return nil
	}

	r := h.replicas[step.Replica]
	switch {
	case step.Put != nil:
		w := step.Put
		values, err := ir.ObjectFromAny(w.Values)
		if err != nil {
			return fmt.Errorf("put values: %w", err)
		}
		rec, err := r.write(ctx, "put", w, func(ctx context.Context, tx *store.Tx, audience string) error {
			return tx.PutRow(ctx, store.WriteCaptured, w.Table, w.Row, audience, values)
		})
		if err != nil {
			return err
		}
		result.AddTrace(TraceEvent{Node: r.spec.ID, Op: "put", ActionID: rec.ID})

	case step.Delete != nil:
		w := step.Delete
		rec, err := r.write(ctx, "delete", w, func(ctx context.Context, tx *store.Tx, audience string) error {
			return tx.DeleteRow(ctx, store.WriteCaptured, w.Table, w.Row, audience)
		})
		if err != nil {
			return err
		}
		result.AddTrace(TraceEvent{Node: r.spec.ID, Op: "delete", ActionID: rec.ID})

	case step.Sync, step.Bootstrap:
		op, run := "sync", r.client.Sync
		if step.Bootstrap {
			op, run = "bootstrap", r.client.Bootstrap
		}
		round, err := run(ctx)
		ev := TraceEvent{Node: r.spec.ID, Op: op, Round: &round, Error: string(reconcile.KindOf(err))}
		result.AddTrace(ev)
		for _, msg := range checkExpect(step.Expect, round, err) {
			result.AddError(fmt.Sprintf("flow[%d] %s %s: %s", i, r.spec.ID, op, msg))
		}
	}
	return nil
}

type rowMutation func(ctx context.Context, tx *store.Tx, audience string) error

// write captures a single-row mutation as an action tagged table.op.
func (r *replica) write(ctx context.Context, op string, w *RowWrite, fn rowMutation) (ir.ActionRecord, error) {
	audience := w.Audience
	if audience == "" {
		audience = DefaultAudience
	}
	tag := ir.ActionKind(w.Table + "." + op)
	args := ir.Mutation{Params: ir.Object{"row": ir.String(w.Row)}}
	return r.client.Execute(ctx, tag, args, func(ctx context.Context, tx *store.Tx) error {
		return fn(ctx, tx, audience)
	})
}

// checkExpect compares a round outcome with the step's expect clause.
func checkExpect(expect *ExpectClause, round reconcile.RoundResult, err error) []string {
	want := ""
	if expect != nil {
		want = expect.Error
	}
	got := string(reconcile.KindOf(err))
	if got != want {
		if want == "" {
			return []string{fmt.Sprintf("unexpected error: %v", err)}
		}
		return []string{fmt.Sprintf("expected error %q, got %q", want, got)}
	}
	if expect == nil || len(expect.Round) == 0 {
		return nil
	}

	raw, mErr := json.Marshal(round)
	if mErr != nil {
		return []string{mErr.Error()}
	}
	var actual map[string]any
	if uErr := json.Unmarshal(raw, &actual); uErr != nil {
		return []string{uErr.Error()}
	}
	return subsetMismatches("round", expect.Round, actual)
}

// captureState records the final log, rows and digest of every node.
func (h *Harness) captureState(ctx context.Context, result *Result) error {
	for _, node := range append([]string{ServerNode}, h.order...) {
		st, _ := h.nodeStore(node)
		var ns NodeState
		err := st.WithTx(ctx, store.BypassScope(), func(tx *store.Tx) error {
			actions, err := tx.ActionsInOrder(ctx)
			if err != nil {
				return err
			}
			ns.Log = make([]string, len(actions))
			for i, a := range actions {
				ns.Log[i] = a.ID
			}
			if ns.Rows, err = tx.Rows(ctx, ""); err != nil {
				return err
			}
			ns.Digest, err = store.DatasetDigest(ns.Rows)
			return err
		})
		if err != nil {
			return fmt.Errorf("%s: %w", node, err)
		}
		result.State[node] = ns
	}
	return nil
}
