// Package engine implements the rollback/replay materializer.
//
// The materialized dataset is a pure function of the log: the forward
// patches of every record with visible AMRs, applied in ascending order key.
// The applied-marker set records which prefix of that order is currently in
// the dataset.
//
// STATE MACHINE:
//
//	Idle ──new records──▶ Applying ──suffix applied──▶ Idle
//	  │                      ▲
//	  │ late arrival         │ predecessor reached
//	  ▼                      │
//	RollingBack(target) ─────┘
//
// Records may arrive in any order. A record that sorts before the applied
// frontier forces a rollback to its predecessor, after which everything is
// replayed in order. Out-of-order delivery therefore ends in the same dataset
// and the same applied set as in-order delivery.
//
// CRITICAL PATTERNS:
//
// Transaction per round:
// Materialize runs inside the caller's store.Tx. A failed apply or rollback
// returns an error and the caller rolls the whole round back, so markers and
// dataset never disagree.
//
// No capture during replay:
// All writes go through patch.Applier with store.WriteReplay.
//
// Deterministic ordering:
// Every query orders by (clock_time_ms, clock_counter, client_id, id) with
// BINARY collation, identical to ir.CompareOrderKey.
package engine
