// Package harness runs multi-replica sync scenarios.
//
// A scenario starts one server and a set of replicas against fresh
// in-memory databases, drives them through a flow of local writes and
// reconciliation rounds, and checks the final state of every node.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: concurrent_edit
//	description: "What this scenario validates"
//	schema: ../schema/todos.cue   # optional, enforced by the server
//	start_ms: 1700000000000       # optional world clock
//	replicas:
//	  - id: A
//	  - id: B
//	    skew_ms: 500
//	    audiences: [list:1]
//	flow:
//	  - replica: A
//	    put: {table: todos, row: "1", values: {title: from A}}
//	  - replica: B
//	    delete: {table: todos, row: "1"}
//	  - replica: A
//	    sync: true
//	    expect:
//	      error: behind_head
//	      round: {fetched: 1, uploaded: 0}
//	  - replica: B
//	    bootstrap: true
//	  - advance: 720h
//	  - compact: {retention: 24h}
//	assertions:
//	  - type: converged
//	  - type: row
//	    node: server
//	    table: todos
//	    row: "1"
//	    expect: {title: from A}
//
// # Assertion Types
//
//   - converged: every replica's dataset equals the server's within the
//     replica's audiences
//   - row: a row exists on a node and contains the expected values
//   - row_absent: a row does not exist on a node
//   - log_order: action ids appear in a node's log in the given order
//   - conflict_count: a node recorded exactly N conflicts
//
// # Deterministic Testing
//
// All replicas read one manual world clock, offset by their skew, and
// number their actions sequentially ("A-0001"). The same scenario always
// produces the same trace, which RunWithGolden compares against
// testdata/golden.
package harness
