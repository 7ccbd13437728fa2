package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/lofisync/internal/ir"
	"github.com/roach88/lofisync/internal/store"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	Database string
	Limit    int
}

// logEntry is one action in the log listing.
type logEntry struct {
	Order    string        `json:"order"`
	ID       string        `json:"id"`
	Tag      ir.ActionKind `json:"tag"`
	ClientID string        `json:"client_id"`
	IngestID *uint64       `json:"server_ingest_id,omitempty"`
	Synced   bool          `json:"synced"`
	Rows     int           `json:"rows"`
}

type logOutput struct {
	Total   int        `json:"total"`
	Entries []logEntry `json:"entries"`
}

func (o logOutput) WriteText(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "%d action(s)", o.Total)
	if len(o.Entries) < o.Total {
		fmt.Fprintf(w, ", showing last %d", len(o.Entries))
	}
	fmt.Fprintln(w)
	for _, e := range o.Entries {
		ingest := "-"
		if e.IngestID != nil {
			ingest = fmt.Sprintf("%d", *e.IngestID)
		}
		fmt.Fprintf(w, "  %-8s %-24s %-12s rows=%d ingest=%s", e.ID, e.Tag, e.ClientID, e.Rows, ingest)
		if verbose {
			fmt.Fprintf(w, " order=%s", e.Order)
		}
		fmt.Fprintln(w)
	}
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "List actions in replay order",
		Long: `List the action log of a server or replica database in order-key
order, with the number of rows each action modified.

Examples:
  lofisync log --db ./server.db
  lofisync log --db ./replica.db --limit 20 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "show only the last N actions (0 for all)")
	_ = cmd.MarkFlagRequired("db")
	return cmd
}

func runLog(opts *LogOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	f := opts.formatter(cmd)

	st, err := openExisting(opts.Database, opts.logger(cmd))
	if err != nil {
		return f.Fail(asExit(err), nil)
	}
	defer st.Close()

	var out logOutput
	err = st.WithTx(ctx, store.BypassScope(), func(tx *store.Tx) error {
		actions, err := tx.ActionsInOrder(ctx)
		if err != nil {
			return err
		}
		out.Total = len(actions)
		if opts.Limit > 0 && len(actions) > opts.Limit {
			actions = actions[len(actions)-opts.Limit:]
		}
		amrs, err := tx.AMRsForActions(ctx, actionIDs(actions))
		if err != nil {
			return err
		}
		rows := make(map[string]int, len(actions))
		for _, m := range amrs {
			rows[m.ActionRecordID]++
		}
		out.Entries = make([]logEntry, 0, len(actions))
		for _, a := range actions {
			out.Entries = append(out.Entries, logEntry{
				Order:    ir.KeyOf(a).String(),
				ID:       a.ID,
				Tag:      a.Tag,
				ClientID: a.ClientID,
				IngestID: a.ServerIngestID,
				Synced:   a.Synced,
				Rows:     rows[a.ID],
			})
		}
		return nil
	})
	if err != nil {
		return f.Fail(WrapExitError(ExitCommandError, "failed to read log", err), nil)
	}
	return f.Success(out)
}
