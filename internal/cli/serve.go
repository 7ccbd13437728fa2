package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/lofisync/internal/compaction"
	"github.com/roach88/lofisync/internal/config"
	"github.com/roach88/lofisync/internal/metrics"
	"github.com/roach88/lofisync/internal/reconcile"
	"github.com/roach88/lofisync/internal/transport"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	serverFlags
}

type serverFlags struct {
	db          string
	addr        string
	metricsAddr string
	schema      string
	retention   time.Duration
}

func addServerFlags(cmd *cobra.Command, f *serverFlags) {
	cmd.Flags().StringVar(&f.db, "db", "", "server database path")
	cmd.Flags().StringVar(&f.schema, "schema", "", "CUE schema file or directory")
	cmd.Flags().DurationVar(&f.retention, "retention", 0, "log retention window (e.g. 336h)")
}

func applyServerFlags(s *config.ServerConfig, f serverFlags) {
	if f.db != "" {
		s.DBPath = f.db
	}
	if f.addr != "" {
		s.GRPCAddr = f.addr
	}
	if f.metricsAddr != "" {
		s.MetricsAddr = f.metricsAddr
	}
	if f.schema != "" {
		s.SchemaPath = f.schema
	}
	if f.retention > 0 {
		s.Retention = f.retention
	}
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long: `Serve the lofisync.v1.Sync gRPC service, expose Prometheus metrics,
and run the compaction daemon.

Examples:
  lofisync serve --db ./server.db --addr :7420
  lofisync serve -c lofisync.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, cmd)
		},
	}

	addServerFlags(cmd, &opts.serverFlags)
	cmd.Flags().StringVar(&opts.addr, "addr", "", "gRPC listen address")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "metrics listen address")
	return cmd
}

// newSink builds the archive sink named by the configuration, or nil.
func newSink(ctx context.Context, a config.ArchiveConfig) (compaction.Sink, error) {
	switch a.Type {
	case config.ArchiveLocal:
		return compaction.LocalSink{Dir: a.Dir}, nil
	case config.ArchiveS3:
		return compaction.NewS3Sink(ctx, a.S3.Bucket, a.S3.Prefix, compaction.S3Config{
			Region:       a.S3.Region,
			Endpoint:     a.S3.Endpoint,
			UsePathStyle: a.S3.UsePathStyle,
		})
	default:
		return nil, nil
	}
}

func compactionConfig(s config.ServerConfig) compaction.Config {
	return compaction.Config{
		Retention: s.Retention,
		Interval:  s.CompactionInterval,
		BatchSize: s.CompactionBatch,
	}
}

func runServe(ctx context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	logger := opts.logger(cmd)

	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	applyServerFlags(&cfg.Server, opts.serverFlags)
	if err := cfg.ValidateServer(); err != nil {
		return WrapExitError(ExitCommandError, "invalid server configuration", err)
	}
	sc := cfg.Server

	st, err := openStore(sc.DBPath, sc.SchemaPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	server := reconcile.NewServer(st, reconcile.WithServerLogger(logger), reconcile.WithServerMetrics(m))
	meta, err := server.Meta(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize server", err)
	}

	lis, err := net.Listen("tcp", sc.GRPCAddr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	grpcServer := transport.NewServer(server, logger)

	errCh := make(chan error, 2)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()
	logger.Info("sync server listening",
		"addr", lis.Addr().String(),
		"epoch", meta.Epoch,
		"high_water", meta.IngestHighWater)

	var metricsServer *http.Server
	if sc.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		metricsServer = &http.Server{Addr: sc.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		logger.Info("metrics listening", "addr", sc.MetricsAddr)
	}

	var daemon *compaction.Daemon
	if sc.CompactionInterval > 0 {
		sink, err := newSink(ctx, sc.Archive)
		if err != nil {
			grpcServer.Stop()
			return WrapExitError(ExitCommandError, "failed to configure archive", err)
		}
		daemon = compaction.NewDaemon(st, compactionConfig(sc),
			compaction.WithSink(sink),
			compaction.WithMetrics(m),
			compaction.WithLogger(logger))
		if err := daemon.Start(ctx); err != nil {
			grpcServer.Stop()
			return WrapExitError(ExitCommandError, "failed to start compaction", err)
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("server stopped", "error", err)
	}

	shutdown(logger, grpcServer.GracefulStop, daemon, metricsServer)
	if err != nil {
		return WrapExitError(ExitCommandError, "server failed", err)
	}
	return nil
}

func shutdown(logger *slog.Logger, stopGRPC func(), daemon *compaction.Daemon, metricsServer *http.Server) {
	stopGRPC()
	if daemon != nil {
		if err := daemon.Stop(); err != nil {
			logger.Warn("compaction stop", "error", err)
		}
	}
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.Warn("metrics shutdown", "error", err)
		}
	}
}
