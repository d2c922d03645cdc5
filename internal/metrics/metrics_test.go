package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordOnIsolatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("edge-1", reg)

	m.RecordCacheHit()
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordCacheEvictions(3)
	m.RecordSyncCycle("success", 0.2, 7)
	m.RecordSyncCycle("skipped", 0, 0)
	m.RecordEnvelopeRejection("hash_mismatch")
	m.RecordProbe(true, 0.01)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheHitsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheMissesTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CacheEvictionsTotal))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.EventsSyncedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncCyclesTotal.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EnvelopeRejectionsTotal.WithLabelValues("hash_mismatch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CentralOnline))

	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_TwoInstancesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics("a", prometheus.NewRegistry())
		NewMetrics("b", prometheus.NewRegistry())
	})
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordCacheHit()
		m.RecordSyncCycle("failed", 1, 0)
		m.RecordHTTPRequest("GET", "/v1/sync/stats", "200", 0.001)
		m.UpdatePendingEvents(4)
	})
	assert.Equal(t, prometheus.DefaultGatherer, m.Gatherer())
}
