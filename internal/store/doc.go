// Package store provides SQLite-backed durable storage for one replica.
//
// The same schema serves clients and the server:
//   - action_records: the action log (ActionRecord)
//   - action_modified_rows: row-level patches (AMRs)
//   - applied_actions: applied markers
//   - dataset_rows: the materialized dataset
//   - server_meta: epoch, ingest high water mark, compaction horizon
//   - client_sync_state, quarantine: client bookkeeping
//   - sync_conflicts: conflict audit
//
// # Critical Patterns
//
// Transaction per round:
//   - Every operation runs on a *Tx obtained from Store.WithTx
//   - A reconciliation round commits or aborts as one unit
//
// Idempotent ingest:
//   - Inserts use ON CONFLICT(id) DO NOTHING
//   - Re-sending an already-ingested batch is a no-op
//
// Deterministic ordering:
//   - Log queries order by (clock_time_ms, clock_counter, client_id, id)
//     with BINARY collation, matching ir.CompareOrderKey
//
// Visibility:
//   - Each Tx carries a Scope; reads filter by audience and writes outside
//     the scope fail with a *WriteError
//   - BypassScope is reserved for server materialization and compaction
//
// Capture suppression:
//   - PutRow and DeleteRow take an explicit WriteMode; only WriteCaptured
//     writes reach the change hook
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
