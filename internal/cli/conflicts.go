package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/lofisync/internal/store"
)

// ConflictsOptions holds flags for the conflicts command.
type ConflictsOptions struct {
	*RootOptions
	Database string
	Table    string
}

type conflictsOutput struct {
	Conflicts []store.Conflict `json:"conflicts"`
}

func (o conflictsOutput) WriteText(w io.Writer, verbose bool) {
	if len(o.Conflicts) == 0 {
		fmt.Fprintln(w, "No conflicts recorded")
		return
	}
	fmt.Fprintf(w, "%d conflict(s)\n", len(o.Conflicts))
	for _, c := range o.Conflicts {
		fmt.Fprintf(w, "  %s/%s winner=%s loser=%s", c.Table, c.RowID, c.WinnerID, c.LoserID)
		if verbose {
			fmt.Fprintf(w, " at=%s", c.DetectedAt.Format("2006-01-02T15:04:05.000Z07:00"))
		}
		fmt.Fprintln(w)
	}
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConflictsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List recorded write conflicts",
		Long: `List the concurrent writes the conflict resolver detected, with the
winning and losing action of each.

Examples:
  lofisync conflicts --db ./server.db
  lofisync conflicts --db ./replica.db --table todos`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflicts(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Table, "table", "", "only list conflicts on this table")
	_ = cmd.MarkFlagRequired("db")
	return cmd
}

func runConflicts(opts *ConflictsOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	f := opts.formatter(cmd)

	st, err := openExisting(opts.Database, opts.logger(cmd))
	if err != nil {
		return f.Fail(asExit(err), nil)
	}
	defer st.Close()

	var out conflictsOutput
	err = st.WithTx(ctx, store.BypassScope(), func(tx *store.Tx) error {
		var err error
		out.Conflicts, err = tx.Conflicts(ctx, opts.Table)
		return err
	})
	if err != nil {
		return f.Fail(WrapExitError(ExitCommandError, "failed to list conflicts", err), nil)
	}
	return f.Success(out)
}
