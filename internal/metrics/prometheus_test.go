package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordRound("send", "", 0.01)
	m.RecordRound("send", "behind_head", 0.02)
	m.RecordIngest(3, 1, 42)
	m.RecordMaterialize(5, 2, 3)
	m.RecordConflicts(1, 1)
	m.RecordCompaction("ok", 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RoundsTotal.WithLabelValues("send")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RoundErrors.WithLabelValues("send", "behind_head")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActionsIngested))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActionsDuplicate))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.IngestHighWater))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.ActionsApplied))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActionsRolledBack))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConflictsTotal))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.CompactedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CompactionRuns.WithLabelValues("ok")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRound("fetch", "internal", 1)
		m.RecordIngest(1, 0, 1)
		m.RecordMaterialize(1, 0, 1)
		m.RecordConflicts(0, 0)
		m.RecordCompaction("error", 0)
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RecordIngest(2, 0, 2)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "lofisync_actions_ingested_total 2"))
}
