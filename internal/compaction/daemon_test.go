package compaction

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lofisync/internal/capture"
	"github.com/roach88/lofisync/internal/hlc"
	"github.com/roach88/lofisync/internal/ir"
	"github.com/roach88/lofisync/internal/metrics"
	"github.com/roach88/lofisync/internal/reconcile"
	"github.com/roach88/lofisync/internal/store"
	"github.com/roach88/lofisync/internal/testutil"
)

const (
	audience = "list:1"
	day      = 24 * time.Hour
	epochMs  = 1_700_000_000_000
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// fixture is a server store plus one client, all on the same manual time.
type fixture struct {
	time   *testutil.ManualTime
	server *reconcile.Server
	store  *store.Store
	client *reconcile.Client
}

func openStore(t *testing.T, mt *testutil.ManualTime) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir()+"/test.db", store.WithNow(mt.Time), store.WithLogger(quiet))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mt := testutil.NewManualTime(epochMs)
	st := openStore(t, mt)
	srv := reconcile.NewServer(st, reconcile.WithServerLogger(quiet))
	return &fixture{
		time:   mt,
		server: srv,
		store:  st,
		client: newClient(t, srv, mt, "A"),
	}
}

func principal(id string) reconcile.Principal {
	return reconcile.Principal{ClientID: id, UserID: "user-" + id, Audiences: []string{audience}}
}

func newClient(t *testing.T, srv *reconcile.Server, mt *testutil.ManualTime, id string) *reconcile.Client {
	t.Helper()
	p := principal(id)
	rec := capture.NewRecorder(hlc.NewClock(id, mt.Now), p.UserID,
		capture.WithIDGenerator(capture.NewSequentialGenerator(id)),
		capture.WithNow(mt.Time),
		capture.WithLogger(quiet))
	return reconcile.NewClient(openStore(t, mt), reconcile.LocalRemote{Server: srv, Principal: p}, rec, p.Scope(),
		reconcile.WithClientLogger(quiet), reconcile.WithClientNow(mt.Time))
}

func (f *fixture) write(t *testing.T, row, title string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.client.Execute(ctx, "todos.set",
		ir.Mutation{Params: ir.Object{"row": ir.String(row)}},
		func(ctx context.Context, tx *store.Tx) error {
			return tx.PutRow(ctx, store.WriteCaptured, "todos", row, audience, ir.Object{"title": ir.String(title)})
		})
	require.NoError(t, err)
	_, err = f.client.Sync(ctx)
	require.NoError(t, err)
}

// seed ingests row 1 thirty days before now and row 2 ten days before now.
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	f.write(t, "1", "old")
	f.time.Advance(20 * day)
	f.write(t, "2", "recent")
	f.time.Advance(10 * day)
}

func (f *fixture) actionCount(t *testing.T) int {
	t.Helper()
	var c store.Counts
	err := f.store.WithTx(context.Background(), store.BypassScope(), func(tx *store.Tx) error {
		var err error
		c, err = tx.Counts(context.Background())
		return err
	})
	require.NoError(t, err)
	return int(c.Actions)
}

func (f *fixture) daemon(opts ...Option) *Daemon {
	opts = append([]Option{WithLogger(quiet), WithNow(f.time.Time)}, opts...)
	return NewDaemon(f.store, Config{Retention: 14 * day}, opts...)
}

func TestRunOnce_DeletesExpiredActions(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	require.Equal(t, 2, f.actionCount(t))

	res, err := f.daemon().RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Deleted)
	assert.Equal(t, 1, res.Batches)
	assert.Equal(t, uint64(1), res.CompactedThrough)
	assert.Equal(t, uint64(2), res.MinRetained)
	assert.Equal(t, 1, f.actionCount(t))

	again, err := f.daemon().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.Deleted)
	assert.Equal(t, uint64(1), again.CompactedThrough)
}

func TestRunOnce_KeepsActionsInsideRetention(t *testing.T) {
	f := newFixture(t)
	f.write(t, "1", "fresh")
	f.time.Advance(13 * day)

	res, err := f.daemon().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Deleted)
	assert.Zero(t, res.CompactedThrough)
	assert.Equal(t, uint64(1), res.MinRetained)
}

func TestRunOnce_FetchBelowWatermarkIsCompacted(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	_, err := f.daemon().RunOnce(context.Background())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = f.server.FetchRemoteActions(ctx, principal("B"), reconcile.FetchRequest{SinceServerIngestID: 0})
	require.Error(t, err)
	assert.True(t, reconcile.IsCompacted(err))
	assert.Equal(t, uint64(2), reconcile.Classify(err).MinRetainedIngestID)

	resp, err := f.server.FetchRemoteActions(ctx, principal("B"), reconcile.FetchRequest{SinceServerIngestID: 1})
	require.NoError(t, err)
	require.Len(t, resp.Actions, 1)
	assert.Equal(t, "A-0002", resp.Actions[0].ID)
	assert.Equal(t, uint64(2), resp.MinRetainedServerIngestID)
}

func TestRunOnce_NewClientBootstraps(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	_, err := f.daemon().RunOnce(context.Background())
	require.NoError(t, err)

	b := newClient(t, f.server, f.time, "B")
	res, err := b.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Bootstrapped)
	assert.Equal(t, uint64(2), res.HighWater)

	state, err := b.SyncState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), state.LastServerIngestID)
}

func TestRunOnce_ArchivesToLocalSink(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	dir := t.TempDir()
	res, err := f.daemon(WithSink(LocalSink{Dir: dir})).RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Archives, 1)

	data, err := os.ReadFile(res.Archives[0])
	require.NoError(t, err)
	archived, err := DecodeArchive(data)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "A-0001", archived[0].Action.ID)
	require.Len(t, archived[0].ModifiedRows, 1)
	assert.Equal(t, "1", archived[0].ModifiedRows[0].RowID)
	assert.True(t, time.UnixMilli(epochMs).Equal(archived[0].IngestedAt))
}

type failingSink struct{}

func (failingSink) Archive(context.Context, []store.ArchivedAction) (string, error) {
	return "", errors.New("bucket unavailable")
}

func TestRunOnce_FailedArchiveKeepsLog(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	_, err := f.daemon(WithSink(failingSink{}), WithMetrics(m)).RunOnce(context.Background())
	require.ErrorContains(t, err, "bucket unavailable")

	assert.Equal(t, 2, f.actionCount(t))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.CompactionRuns.WithLabelValues("error")))
	assert.Zero(t, promtest.ToFloat64(m.CompactedTotal))
}

func TestRunOnce_RecordsMetrics(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	m := metrics.New(prometheus.NewRegistry())
	_, err := f.daemon(WithMetrics(m)).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(1), promtest.ToFloat64(m.CompactionRuns.WithLabelValues("ok")))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.CompactedTotal))
}

func TestRunOnce_SmallBatches(t *testing.T) {
	f := newFixture(t)
	f.write(t, "1", "a")
	f.write(t, "2", "b")
	f.write(t, "3", "c")
	f.time.Advance(30 * day)

	d := NewDaemon(f.store, Config{Retention: 14 * day, BatchSize: 2}, WithLogger(quiet), WithNow(f.time.Time))
	res, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Deleted)
	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, uint64(3), res.CompactedThrough)
	assert.Equal(t, uint64(4), res.MinRetained)
}

func TestDaemon_StartStop(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	d := NewDaemon(f.store, Config{Retention: 14 * day, Interval: 10 * time.Millisecond},
		WithLogger(quiet), WithNow(f.time.Time))
	require.NoError(t, d.Start(context.Background()))
	assert.Error(t, d.Start(context.Background()))

	require.Eventually(t, func() bool { return f.actionCount(t) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
}

func TestDefaultConfig(t *testing.T) {
	d := NewDaemon(nil, Config{})
	assert.Equal(t, DefaultConfig(), d.config)
	assert.Equal(t, 14*day, d.config.Retention)
}

// recordingS3 captures PutObject calls.
type recordingS3 struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
}

func (r *recordingS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	r.inputs = append(r.inputs, in)
	r.bodies = append(r.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Sink_Archive(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	client := &recordingS3{}
	res, err := f.daemon(WithSink(NewS3SinkWithClient(client, "archive-bucket", "lofisync/log"))).RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, client.inputs, 1)
	in := client.inputs[0]
	assert.Equal(t, "archive-bucket", aws.ToString(in.Bucket))
	assert.Equal(t, "lofisync/log/00000000000000000001-00000000000000000001.jsonl.sz", aws.ToString(in.Key))
	assert.Equal(t, int64(len(client.bodies[0])), aws.ToInt64(in.ContentLength))
	assert.Equal(t, []string{"s3://archive-bucket/lofisync/log/00000000000000000001-00000000000000000001.jsonl.sz"}, res.Archives)

	archived, err := DecodeArchive(client.bodies[0])
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "A-0001", archived[0].Action.ID)
}

func TestArchive_RoundTripEmpty(t *testing.T) {
	data, err := EncodeArchive(nil)
	require.NoError(t, err)
	out, err := DecodeArchive(data)
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = DecodeArchive(bytes.Repeat([]byte{0xff}, 8))
	assert.Error(t, err)
}
