// Package compaction removes server log records older than the retention
// window, archiving them first when a sink is configured.
//
// Compaction advances the server's compacted_through watermark. Clients whose
// cursor falls below it get a Compacted error on fetch and bootstrap from a
// snapshot.
package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/lofisync/internal/metrics"
	"github.com/roach88/lofisync/internal/store"
)

const (
	DefaultRetention = 14 * 24 * time.Hour
	DefaultInterval  = time.Hour
	DefaultBatchSize = 500
)

// Config holds configuration for the compaction daemon.
type Config struct {
	// Retention is how long an action stays in the log after ingestion.
	Retention time.Duration
	// Interval is how often the daemon runs.
	Interval time.Duration
	// BatchSize bounds the actions archived and deleted per transaction.
	BatchSize int
}

// DefaultConfig returns the default compaction configuration.
func DefaultConfig() Config {
	return Config{
		Retention: DefaultRetention,
		Interval:  DefaultInterval,
		BatchSize: DefaultBatchSize,
	}
}

// Result summarizes one compaction run.
type Result struct {
	Deleted          int64    `json:"deleted"`
	Batches          int      `json:"batches"`
	Archives         []string `json:"archives,omitempty"`
	CompactedThrough uint64   `json:"compacted_through"`
	MinRetained      uint64   `json:"min_retained_server_ingest_id"`
}

// Daemon runs compaction on a ticker.
type Daemon struct {
	config  Config
	store   *store.Store
	sink    Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithSink archives every batch to s before deleting it.
func WithSink(s Sink) Option {
	return func(d *Daemon) { d.sink = s }
}

// WithMetrics records run outcomes into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Daemon) { d.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// WithNow overrides the wall clock used to compute the cutoff.
func WithNow(now func() time.Time) Option {
	return func(d *Daemon) { d.now = now }
}

// NewDaemon creates a compaction daemon over the server store.
func NewDaemon(st *store.Store, cfg Config, opts ...Option) *Daemon {
	def := DefaultConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	d := &Daemon{config: cfg, store: st, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start begins the compaction loop. It runs until ctx is cancelled or Stop
// is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("compaction: daemon is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	go d.run(ctx, d.done)
	return nil
}

// Stop stops the loop and waits for the current run to finish.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	d.cancel()
	<-d.done
	d.running = false
	return nil
}

func (d *Daemon) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	d.runLogged(ctx)

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runLogged(ctx)
		}
	}
}

func (d *Daemon) runLogged(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
		d.logger.Error("compaction failed", "error", err)
	}
}

// RunOnce deletes every action ingested before now minus the retention
// window. Each batch is archived and deleted in one transaction, so a failed
// upload leaves the batch in the log.
func (d *Daemon) RunOnce(ctx context.Context) (Result, error) {
	cutoff := d.now().Add(-d.config.Retention)
	var res Result

	for {
		n, location, err := d.compactBatch(ctx, cutoff)
		if err != nil {
			d.metrics.RecordCompaction("error", res.Deleted)
			return res, err
		}
		if n == 0 {
			break
		}
		res.Deleted += n
		res.Batches++
		if location != "" {
			res.Archives = append(res.Archives, location)
		}
		if n < int64(d.config.BatchSize) {
			break
		}
	}

	err := d.store.WithTx(ctx, store.BypassScope(), func(tx *store.Tx) error {
		meta, err := tx.EnsureServerMeta(ctx)
		if err != nil {
			return err
		}
		res.CompactedThrough = meta.CompactedThrough
		res.MinRetained, err = tx.MinRetainedIngestID(ctx)
		return err
	})
	if err != nil {
		d.metrics.RecordCompaction("error", res.Deleted)
		return res, fmt.Errorf("read watermarks: %w", err)
	}

	d.metrics.RecordCompaction("ok", res.Deleted)
	if res.Deleted > 0 {
		d.logger.Info("log compacted",
			"deleted", res.Deleted,
			"cutoff", cutoff,
			"compacted_through", res.CompactedThrough,
			"min_retained", res.MinRetained)
	} else {
		d.logger.Debug("nothing to compact", "cutoff", cutoff)
	}
	return res, nil
}

func (d *Daemon) compactBatch(ctx context.Context, cutoff time.Time) (int64, string, error) {
	var (
		deleted  int64
		location string
	)
	err := d.store.WithTx(ctx, store.BypassScope(), func(tx *store.Tx) error {
		batch, err := tx.ExpiredActions(ctx, cutoff, d.config.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if d.sink != nil {
			location, err = d.sink.Archive(ctx, batch)
			if err != nil {
				return fmt.Errorf("archive: %w", err)
			}
		}
		deleted, err = tx.DeleteCompacted(ctx, batch)
		return err
	})
	if err != nil {
		return 0, "", err
	}
	return deleted, location, nil
}
