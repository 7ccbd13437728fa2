package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/lofisync/internal/reconcile"
	"github.com/roach88/lofisync/internal/store"
)

// QuarantineOptions holds flags for the quarantine commands.
type QuarantineOptions struct {
	*RootOptions
	clientFlags
}

type quarantineOutput struct {
	ClientID  string                    `json:"client_id"`
	Actions   []store.QuarantinedAction `json:"actions"`
	Released  bool                      `json:"released,omitempty"`
	Discarded int                       `json:"discarded,omitempty"`
}

func (o quarantineOutput) WriteText(w io.Writer, verbose bool) {
	switch {
	case o.Released:
		fmt.Fprintf(w, "Released %d action(s) for upload\n", len(o.Actions))
		return
	case o.Discarded > 0:
		fmt.Fprintf(w, "Discarded %d action(s)\n", o.Discarded)
		return
	}
	if len(o.Actions) == 0 {
		fmt.Fprintf(w, "Nothing quarantined on %s\n", o.ClientID)
		return
	}
	fmt.Fprintf(w, "%d quarantined action(s) on %s\n", len(o.Actions), o.ClientID)
	for _, q := range o.Actions {
		fmt.Fprintf(w, "  %s: %s\n", q.ActionRecordID, q.Reason)
	}
}

// NewQuarantineCommand creates the quarantine command group.
func NewQuarantineCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QuarantineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "Inspect and resolve uploads the server rejected",
		Long: `Actions the server rejected as an invalid batch are quarantined on the
replica and held back from upload. List them, release them for another
attempt, or discard them and replay the log without them.

Examples:
  lofisync quarantine list --db ./replica.db
  lofisync quarantine release -c lofisync.yaml
  lofisync quarantine discard --db ./replica.db --client-id laptop`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		quarantineSubcommand(opts, "list", "List quarantined actions", quarantineList),
		quarantineSubcommand(opts, "release", "Allow quarantined actions to upload again", quarantineRelease),
		quarantineSubcommand(opts, "discard", "Delete quarantined actions and replay without them", quarantineDiscard),
	)
	return cmd
}

type quarantineAction func(cmd *cobra.Command, client *reconcile.Client, out *quarantineOutput) error

func quarantineSubcommand(opts *QuarantineOptions, use, short string, action quarantineAction) *cobra.Command {
	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuarantine(opts, cmd, action)
		},
	}
	addClientFlags(cmd, &opts.clientFlags)
	return cmd
}

func runQuarantine(opts *QuarantineOptions, cmd *cobra.Command, action quarantineAction) error {
	ctx := cmd.Context()
	f := opts.formatter(cmd)

	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	applyClientFlags(&cfg.Client, opts.clientFlags)
	if err := cfg.ValidateClient(); err != nil {
		return f.Fail(WrapExitError(ExitCommandError, "invalid client configuration", err), nil)
	}
	if err := requireDatabase(cfg.Client.DBPath); err != nil {
		return f.Fail(asExit(err), nil)
	}

	client, st, err := openReplica(ctx, cfg.Client, nil, opts.logger(cmd))
	if err != nil {
		return f.Fail(asExit(err), nil)
	}
	defer st.Close()

	out := quarantineOutput{ClientID: cfg.Client.ClientID}
	if out.Actions, err = client.Quarantined(ctx); err != nil {
		return f.Fail(WrapExitError(ExitCommandError, "failed to read quarantine", err), nil)
	}
	if err := action(cmd, client, &out); err != nil {
		return f.Fail(WrapExitError(ExitCommandError, cmd.Name()+" failed", err), nil)
	}
	return f.Success(out)
}

func quarantineList(*cobra.Command, *reconcile.Client, *quarantineOutput) error {
	return nil
}

func quarantineRelease(cmd *cobra.Command, client *reconcile.Client, out *quarantineOutput) error {
	if err := client.ReleaseQuarantine(cmd.Context()); err != nil {
		return err
	}
	out.Released = true
	return nil
}

func quarantineDiscard(cmd *cobra.Command, client *reconcile.Client, out *quarantineOutput) error {
	n, err := client.DiscardQuarantine(cmd.Context())
	if err != nil {
		return err
	}
	out.Discarded = n
	out.Actions = nil
	return nil
}
