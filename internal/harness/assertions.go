package harness

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/lofisync/internal/ir"
	"github.com/roach88/lofisync/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Node     string       // Node the assertion inspected, if any
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s", e.Type)
	if e.Node != "" {
		fmt.Fprintf(&buf, " on %s", e.Node)
	}
	buf.WriteByte('\n')
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s", ev.Seq, ev.Node, ev.Op, ev.ActionID)
			if ev.Error != "" {
				fmt.Fprintf(&buf, " error=%s", ev.Error)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// AssertionContext gives assertions access to the node stores.
type AssertionContext struct {
	Ctx     context.Context
	Harness *Harness
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluateAssertion(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluateAssertion(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertConverged:
		return assertConverged(actx, result.Trace)
	case AssertRow:
		return assertRow(result, a)
	case AssertRowAbsent:
		return assertRowAbsent(result, a)
	case AssertLogOrder:
		return assertLogOrder(result, a)
	case AssertConflictCount:
		return assertConflictCount(actx, a)
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

// assertConverged checks that every replica's dataset equals the server's
// dataset restricted to the replica's audiences.
func assertConverged(actx *AssertionContext, trace []TraceEvent) error {
	h := actx.Harness
	for _, id := range h.order {
		r := h.replicas[id]
		want, err := digestIn(actx.Ctx, h.st, r.scope)
		if err != nil {
			return err
		}
		got, err := digestIn(actx.Ctx, r.store, r.scope)
		if err != nil {
			return err
		}
		if got != want {
			return &AssertionError{
				Type:     AssertConverged,
				Node:     id,
				Expected: fmt.Sprintf("dataset digest %s (server)", want),
				Actual:   fmt.Sprintf("dataset digest %s", got),
				Trace:    trace,
			}
		}
	}
	return nil
}

func digestIn(ctx context.Context, st *store.Store, scope store.Scope) (string, error) {
	var digest string
	err := st.WithTx(ctx, scope, func(tx *store.Tx) error {
		var err error
		digest, err = tx.Digest(ctx)
		return err
	})
	return digest, err
}

func findRow(rows []ir.DatasetRow, table, rowID string) (ir.DatasetRow, bool) {
	for _, r := range rows {
		if r.Table == table && r.RowID == rowID {
			return r, true
		}
	}
	return ir.DatasetRow{}, false
}

// assertRow checks a row exists on the node and its image contains the
// expected values (subset semantics).
func assertRow(result *Result, a Assertion) error {
	row, ok := findRow(result.State[a.Node].Rows, a.Table, a.Row)
	if !ok {
		return &AssertionError{
			Type:     AssertRow,
			Node:     a.Node,
			Expected: fmt.Sprintf("row %s/%s", a.Table, a.Row),
			Actual:   "row not found",
		}
	}
	actual := make(map[string]any, len(row.Data))
	for k, v := range row.Data {
		actual[k] = v
	}
	if mismatches := subsetMismatches(a.Table+"/"+a.Row, a.Expect, actual); len(mismatches) > 0 {
		return &AssertionError{
			Type:     AssertRow,
			Node:     a.Node,
			Expected: fmt.Sprintf("%s/%s matching %v", a.Table, a.Row, a.Expect),
			Actual:   strings.Join(mismatches, "; "),
		}
	}
	return nil
}

func assertRowAbsent(result *Result, a Assertion) error {
	if row, ok := findRow(result.State[a.Node].Rows, a.Table, a.Row); ok {
		return &AssertionError{
			Type:     AssertRowAbsent,
			Node:     a.Node,
			Expected: fmt.Sprintf("no row %s/%s", a.Table, a.Row),
			Actual:   fmt.Sprintf("row present: %s", ir.MustCanonical(row.Data)),
		}
	}
	return nil
}

// assertLogOrder checks the listed actions appear in the node's log in the
// given order. Actions don't need to be consecutive.
func assertLogOrder(result *Result, a Assertion) error {
	log := result.State[a.Node].Log
	prev := -1
	for _, id := range a.Actions {
		pos := slices.Index(log, id)
		if pos < 0 {
			return &AssertionError{
				Type:     AssertLogOrder,
				Node:     a.Node,
				Expected: fmt.Sprintf("all actions present: %v", a.Actions),
				Actual:   fmt.Sprintf("missing action %s in %v", id, log),
			}
		}
		if pos <= prev {
			return &AssertionError{
				Type:     AssertLogOrder,
				Node:     a.Node,
				Expected: fmt.Sprintf("actions in order: %v", a.Actions),
				Actual:   fmt.Sprintf("log is %v", log),
			}
		}
		prev = pos
	}
	return nil
}

func assertConflictCount(actx *AssertionContext, a Assertion) error {
	st, _ := actx.Harness.nodeStore(a.Node)
	var conflicts []store.Conflict
	err := st.WithTx(actx.Ctx, store.BypassScope(), func(tx *store.Tx) error {
		var err error
		conflicts, err = tx.Conflicts(actx.Ctx, a.Table)
		return err
	})
	if err != nil {
		return err
	}
	if len(conflicts) != a.Count {
		return &AssertionError{
			Type:     AssertConflictCount,
			Node:     a.Node,
			Expected: fmt.Sprintf("%d conflict(s)", a.Count),
			Actual:   fmt.Sprintf("%d conflict(s)", len(conflicts)),
		}
	}
	return nil
}

// subsetMismatches compares every expected key with actual. Values are
// compared by canonical encoding, so YAML ints match JSON numbers.
// Keys are checked in sorted order for deterministic messages.
func subsetMismatches(what string, expected, actual map[string]any) []string {
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []string
	for _, k := range keys {
		got, ok := actual[k]
		if !ok {
			out = append(out, fmt.Sprintf("%s: field %q missing", what, k))
			continue
		}
		if !valuesEqual(expected[k], got) {
			out = append(out, fmt.Sprintf("%s: field %q = %v, want %v", what, k, got, expected[k]))
		}
	}
	return out
}

func valuesEqual(expected, actual any) bool {
	ev, err := ir.FromAny(expected)
	if err != nil {
		return false
	}
	av, err := ir.FromAny(actual)
	if err != nil {
		return false
	}
	return ir.Equal(ev, av)
}
