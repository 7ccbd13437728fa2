package store

import (
	"context"
	"database/sql"
	"slices"
	"strings"

	"github.com/roach88/lofisync/internal/ir"
)

// Scope is the visibility predicate every read and write in a transaction
// is filtered by. The zero Scope sees nothing.
type Scope struct {
	bypass    bool
	audiences []string
}

// AudienceScope sees rows and actions in the given audiences.
func AudienceScope(audiences ...string) Scope {
	a := slices.Clone(audiences)
	slices.Sort(a)
	return Scope{audiences: slices.Compact(a)}
}

// BypassScope sees everything. Only server-side materialization and
// compaction run under it.
func BypassScope() Scope {
	return Scope{bypass: true}
}

// IsBypass reports whether the scope skips visibility filtering.
func (s Scope) IsBypass() bool {
	return s.bypass
}

// Audiences returns the audiences the scope may see.
func (s Scope) Audiences() []string {
	return slices.Clone(s.audiences)
}

// CanSee reports whether rows in audience are visible.
func (s Scope) CanSee(audience string) bool {
	if s.bypass {
		return true
	}
	_, found := slices.BinarySearch(s.audiences, audience)
	return found
}

// audienceClause returns a SQL condition restricting column to the scope.
func (s Scope) audienceClause(column string) (string, []any) {
	if s.bypass {
		return "1=1", nil
	}
	if len(s.audiences) == 0 {
		return "0=1", nil
	}
	args := make([]any, len(s.audiences))
	for i, a := range s.audiences {
		args[i] = a
	}
	return column + " IN (" + placeholders(len(args)) + ")", args
}

// actionVisibleClause restricts action records (aliased ar) to those with a
// visible AMR or no AMRs at all.
func (s Scope) actionVisibleClause() (string, []any) {
	if s.bypass {
		return "1=1", nil
	}
	inner, args := s.audienceClause("vm.audience_key")
	return `(NOT EXISTS (SELECT 1 FROM action_modified_rows vm WHERE vm.action_record_id = ar.id)
		OR EXISTS (SELECT 1 FROM action_modified_rows vm WHERE vm.action_record_id = ar.id AND ` + inner + `))`, args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// WriteMode tells the dataset write boundary whether a write is a new local
// mutation (captured into patches) or the materializer replaying patches
// that already exist (never captured).
type WriteMode int

const (
	WriteReplay WriteMode = iota
	WriteCaptured
)

// Change is one captured row write.
// Before is nil for an insert; After is nil for a delete.
type Change struct {
	Table       string
	RowID       string
	AudienceKey string
	Before      ir.Object
	After       ir.Object
}

// ChangeHook receives captured writes.
type ChangeHook func(ctx context.Context, c Change) error

// Tx is one reconciliation round: every log, marker and dataset operation
// of the round runs through it and commits or aborts together.
type Tx struct {
	tx    *sql.Tx
	store *Store
	scope Scope
	hook  ChangeHook
}

// Scope returns the visibility scope of the transaction.
func (t *Tx) Scope() Scope {
	return t.scope
}

// OnChange installs the hook fired for WriteCaptured writes. A nil hook
// disables capture.
func (t *Tx) OnChange(h ChangeHook) {
	t.hook = h
}

// WithScope returns a view of the same transaction under another scope.
// Used for the narrowly-scoped bypass during server materialization.
func (t *Tx) WithScope(scope Scope) *Tx {
	return &Tx{tx: t.tx, store: t.store, scope: scope, hook: t.hook}
}

func (t *Tx) nowMs() int64 {
	return t.store.now().UnixMilli()
}
