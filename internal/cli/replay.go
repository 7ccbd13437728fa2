package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/lofisync/internal/engine"
	"github.com/roach88/lofisync/internal/ir"
	"github.com/roach88/lofisync/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
}

// ReplayResult compares the live dataset with two rebuilds from the log.
type ReplayResult struct {
	Actions        int    `json:"actions"`
	Rows           int    `json:"rows"`
	LiveDigest     string `json:"live_digest"`
	ReplayDigest   string `json:"replay_digest"`
	Deterministic  bool   `json:"deterministic"`
	MatchesLive    bool   `json:"matches_live"`
	PartialHistory bool   `json:"partial_history"`
}

// OK reports whether the replay check passed. A log with a compacted
// prefix cannot reproduce the live dataset, so only determinism counts.
func (r ReplayResult) OK() bool {
	return r.Deterministic && (r.MatchesLive || r.PartialHistory)
}

func (r ReplayResult) WriteText(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "Replay Summary: %d action(s), %d row(s)\n", r.Actions, r.Rows)
	if verbose {
		fmt.Fprintf(w, "  live digest:   %s\n", r.LiveDigest)
		fmt.Fprintf(w, "  replay digest: %s\n", r.ReplayDigest)
	}
	mark := func(ok bool) string {
		if ok {
			return "ok"
		}
		return "FAILED"
	}
	fmt.Fprintf(w, "  deterministic: %s\n", mark(r.Deterministic))
	switch {
	case r.MatchesLive:
		fmt.Fprintln(w, "  matches live dataset: ok")
	case r.PartialHistory:
		fmt.Fprintln(w, "  matches live dataset: skipped (log prefix compacted)")
	default:
		fmt.Fprintln(w, "  matches live dataset: FAILED")
	}
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild the dataset from the log and verify determinism",
		Long: `Replay the action log from genesis into two scratch databases and
compare murmur3 digests of the results with each other and with the live
dataset.

Exit codes:
  0 - Replay is deterministic and matches the live dataset
  1 - Digests differ
  2 - Command error (database not found, etc.)

Examples:
  lofisync replay --db ./server.db
  lofisync replay --db ./replica.db --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	f := opts.formatter(cmd)
	logger := opts.logger(cmd)

	st, err := openExisting(opts.Database, logger)
	if err != nil {
		return f.Fail(asExit(err), nil)
	}
	defer st.Close()

	result, err := Replay(ctx, st, logger)
	if err != nil {
		return f.Fail(WrapExitError(ExitCommandError, "replay failed", err), nil)
	}
	if !result.OK() {
		return f.Fail(NewExitError(ExitFailure, "determinism verification failed"), result)
	}
	return f.Success(result)
}

// Replay rebuilds the dataset of st from its log and compares digests.
func Replay(ctx context.Context, st *store.Store, logger *slog.Logger) (ReplayResult, error) {
	var (
		res     ReplayResult
		actions []ir.ActionRecord
		amrs    []ir.ActionModifiedRow
	)
	err := st.WithTx(ctx, store.BypassScope(), func(tx *store.Tx) error {
		var err error
		if actions, err = tx.ActionsInOrder(ctx); err != nil {
			return err
		}
		if amrs, err = tx.AMRsForActions(ctx, actionIDs(actions)); err != nil {
			return err
		}
		rows, err := tx.Rows(ctx, "")
		if err != nil {
			return err
		}
		res.Rows = len(rows)
		if res.LiveDigest, err = store.DatasetDigest(rows); err != nil {
			return err
		}
		meta, err := tx.ServerMeta(ctx)
		if err == nil {
			res.PartialHistory = meta.CompactedThrough > 0
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	res.Actions = len(actions)

	dir, err := os.MkdirTemp("", "lofisync-replay-")
	if err != nil {
		return res, err
	}
	defer os.RemoveAll(dir)

	first, err := rebuild(ctx, filepath.Join(dir, "a.db"), actions, amrs, logger)
	if err != nil {
		return res, fmt.Errorf("first replay: %w", err)
	}
	second, err := rebuild(ctx, filepath.Join(dir, "b.db"), actions, amrs, logger)
	if err != nil {
		return res, fmt.Errorf("second replay: %w", err)
	}

	res.ReplayDigest = first
	res.Deterministic = first == second
	res.MatchesLive = first == res.LiveDigest
	return res, nil
}

// rebuild loads the log into a fresh database and materializes it.
func rebuild(ctx context.Context, path string, actions []ir.ActionRecord, amrs []ir.ActionModifiedRow, logger *slog.Logger) (string, error) {
	scratch, err := store.Open(path, store.WithLogger(logger))
	if err != nil {
		return "", err
	}
	defer scratch.Close()

	m := engine.NewMaterializer(engine.WithLogger(logger))
	var digest string
	err = scratch.WithTx(ctx, store.BypassScope(), func(tx *store.Tx) error {
		if _, err := tx.InsertBatch(ctx, actions, amrs); err != nil {
			return err
		}
		if _, err := m.Materialize(ctx, tx, nil); err != nil {
			return err
		}
		var err error
		digest, err = tx.Digest(ctx)
		return err
	})
	return digest, err
}

func actionIDs(actions []ir.ActionRecord) []string {
	ids := make([]string, len(actions))
	for i, a := range actions {
		ids[i] = a.ID
	}
	return ids
}
