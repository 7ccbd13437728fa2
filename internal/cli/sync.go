package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/lofisync/internal/reconcile"
	"github.com/roach88/lofisync/internal/transport"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	clientFlags
	Bootstrap bool
	Repair    bool
}

// syncOutput is the sync command result.
type syncOutput struct {
	ClientID string                `json:"client_id"`
	Round    reconcile.RoundResult `json:"round"`
	Repaired int                   `json:"repaired,omitempty"`
}

func (o syncOutput) WriteText(w io.Writer, verbose bool) {
	r := o.Round
	fmt.Fprintf(w, "Synced %s at server ingest id %d\n", o.ClientID, r.HighWater)
	if o.Repaired > 0 {
		fmt.Fprintf(w, "  repaired %d drifted rows\n", o.Repaired)
	}
	fmt.Fprintf(w, "  fetched %d, uploaded %d", r.Fetched, r.Uploaded)
	if r.Held > 0 {
		fmt.Fprintf(w, ", held %d (quarantined)", r.Held)
	}
	fmt.Fprintln(w)
	if verbose || r.RolledBack > 0 || r.Conflicts > 0 {
		fmt.Fprintf(w, "  applied %d, rolled back %d, conflicts %d, corrections %d\n",
			r.Applied, r.RolledBack, r.Conflicts, r.Corrections)
	}
	if r.Bootstrapped {
		fmt.Fprintln(w, "  bootstrapped from snapshot")
	}
	if r.Attempts > 1 {
		fmt.Fprintf(w, "  %d attempts\n", r.Attempts)
	}
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation round against the server",
		Long: `Fetch remote actions, replay them into the local replica, resolve
divergence, and upload local actions.

Exit codes:
  0 - Round completed
  1 - Upload rejected (invalid batch or denied); the batch is quarantined
  2 - Command error (server unreachable, bad configuration)

Examples:
  lofisync sync --db ./replica.db --client-id laptop --audience list:1
  lofisync sync -c lofisync.yaml --bootstrap
  lofisync sync -c lofisync.yaml --repair`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	addClientFlags(cmd, &opts.clientFlags)
	cmd.Flags().BoolVar(&opts.Bootstrap, "bootstrap", false, "replace synced history with a server snapshot first")
	cmd.Flags().BoolVar(&opts.Repair, "repair", false, "check every applied row against the log and correct drift before syncing")
	return cmd
}

func addClientFlags(cmd *cobra.Command, f *clientFlags) {
	cmd.Flags().StringVar(&f.db, "db", "", "replica database path")
	cmd.Flags().StringVar(&f.clientID, "client-id", "", "replica client id")
	cmd.Flags().StringVar(&f.userID, "user-id", "", "user id recorded on actions")
	cmd.Flags().StringSliceVar(&f.audiences, "audience", nil, "audience visible to this replica (repeatable)")
	cmd.Flags().StringVar(&f.server, "server", "", "sync server address")
	cmd.Flags().StringVar(&f.schema, "schema", "", "CUE schema file or directory")
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	f := opts.formatter(cmd)
	logger := opts.logger(cmd)

	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	applyClientFlags(&cfg.Client, opts.clientFlags)
	if err := cfg.ValidateClient(); err != nil {
		return f.Fail(WrapExitError(ExitCommandError, "invalid client configuration", err), nil)
	}

	cl := cfg.Client
	remote, err := transport.Dial(cl.ServerAddr, reconcile.Principal{
		ClientID:  cl.ClientID,
		UserID:    cl.UserID,
		Audiences: cl.Audiences,
	})
	if err != nil {
		return f.Fail(WrapExitError(ExitCommandError, "failed to connect", err), nil)
	}
	defer remote.Close()
	remote.SetTimeout(cl.Timeout)

	client, st, err := openReplica(ctx, cl, remote, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if opts.Bootstrap {
		boot, err := client.Bootstrap(ctx)
		if err != nil {
			return f.Fail(protocolExit("bootstrap failed", err), nil)
		}
		f.VerboseLog("bootstrapped at server ingest id %d", boot.HighWater)
	}
	var repaired int
	if opts.Repair {
		report, err := client.Repair(ctx)
		if err != nil {
			return f.Fail(protocolExit("repair failed", err), nil)
		}
		repaired = len(report.Diverged)
		f.VerboseLog("checked %d rows, %d drifted", report.Checked, repaired)
	}
	round, err := client.Sync(ctx)
	out := syncOutput{ClientID: cl.ClientID, Round: round, Repaired: repaired}
	if err != nil {
		return f.Fail(protocolExit("sync failed", err), out)
	}
	return f.Success(out)
}
