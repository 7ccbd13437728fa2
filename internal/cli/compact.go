package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/lofisync/internal/compaction"
	"github.com/roach88/lofisync/internal/config"
)

// CompactOptions holds flags for the compact command.
type CompactOptions struct {
	*RootOptions
	serverFlags
	ArchiveDir string
}

type compactOutput struct {
	compaction.Result
}

func (o compactOutput) WriteText(w io.Writer, verbose bool) {
	if o.Deleted == 0 {
		fmt.Fprintln(w, "Nothing to compact")
	} else {
		fmt.Fprintf(w, "Compacted %d action(s) in %d batch(es)\n", o.Deleted, o.Batches)
	}
	fmt.Fprintf(w, "  compacted through ingest id %d, oldest retained %d\n", o.CompactedThrough, o.MinRetained)
	if verbose {
		for _, a := range o.Archives {
			fmt.Fprintf(w, "  archived to %s\n", a)
		}
	}
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompactOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Delete server log records older than the retention window",
		Long: `Run one compaction pass over the server log. Records ingested before
now minus the retention window are archived (when an archive is configured)
and deleted. Clients whose cursor falls behind the compacted prefix
bootstrap from a snapshot on their next sync.

Examples:
  lofisync compact --db ./server.db --retention 336h
  lofisync compact --db ./server.db --archive-dir ./archive`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(opts, cmd)
		},
	}

	addServerFlags(cmd, &opts.serverFlags)
	cmd.Flags().StringVar(&opts.ArchiveDir, "archive-dir", "", "archive compacted records into this directory")
	return cmd
}

func runCompact(opts *CompactOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	f := opts.formatter(cmd)
	logger := opts.logger(cmd)

	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	applyServerFlags(&cfg.Server, opts.serverFlags)
	if opts.ArchiveDir != "" {
		cfg.Server.Archive.Type = config.ArchiveLocal
		cfg.Server.Archive.Dir = opts.ArchiveDir
	}
	if err := cfg.ValidateServer(); err != nil {
		return f.Fail(WrapExitError(ExitCommandError, "invalid server configuration", err), nil)
	}

	st, err := openExisting(cfg.Server.DBPath, logger)
	if err != nil {
		return f.Fail(asExit(err), nil)
	}
	defer st.Close()

	sink, err := newSink(ctx, cfg.Server.Archive)
	if err != nil {
		return f.Fail(WrapExitError(ExitCommandError, "failed to configure archive", err), nil)
	}
	daemon := compaction.NewDaemon(st, compactionConfig(cfg.Server),
		compaction.WithSink(sink),
		compaction.WithLogger(logger))

	res, err := daemon.RunOnce(ctx)
	if err != nil {
		return f.Fail(WrapExitError(ExitCommandError, "compaction failed", err), nil)
	}
	return f.Success(compactOutput{res})
}
