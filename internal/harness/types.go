package harness

import (
	"github.com/roach88/lofisync/internal/ir"
	"github.com/roach88/lofisync/internal/reconcile"
)

// ServerNode names the server in traces and assertions.
const ServerNode = "server"

// TraceEvent is one executed flow step.
type TraceEvent struct {
	Seq      int64  `json:"seq"`
	Node     string `json:"node"`
	Op       string `json:"op"`
	ActionID string `json:"action_id,omitempty"`

	// Error is the reconciliation error kind of a failed step.
	Error string `json:"error,omitempty"`

	// Round is set for sync and bootstrap steps.
	Round *reconcile.RoundResult `json:"round,omitempty"`

	// Compacted is set for compact steps.
	Compacted int64 `json:"compacted,omitempty"`
}

// NodeState is the final state of one node.
type NodeState struct {
	// Log holds action ids in order-key order.
	Log    []string        `json:"log"`
	Rows   []ir.DatasetRow `json:"rows"`
	Digest string          `json:"digest"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Errors is empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State maps node name (replica id or ServerNode) to its final state.
	State map[string]NodeState `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]NodeState),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends ev with the next sequence number.
func (r *Result) AddTrace(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}
