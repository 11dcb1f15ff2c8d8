package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	// A second set on the same registry reports the collisions as already
	// registered, which is not an error.
	require.NoError(t, New(reg).Register())
}

func TestMinionCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	require.NoError(t, m.Register())

	m.MessageFetched("jobs")
	m.MessageFetched("jobs")
	m.MessageConfirmed("jobs")
	m.MessageAbandoned("jobs", "decode")
	m.ResultPublished("replies")
	m.LoopError("jobs", KindBroker)
	m.ObserveProcessing("jobs", 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.fetchedTotal.WithLabelValues("jobs")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.confirmedTotal.WithLabelValues("jobs")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.abandonedTotal.WithLabelValues("jobs", "decode")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishedTotal.WithLabelValues("replies")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.loopErrorsTotal.WithLabelValues("jobs", KindBroker)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.processingHist))
}

func TestGaugesAndTelemetry(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.MinionStarted("lookup")
	m.MinionStarted("lookup")
	m.MinionStopped("lookup")
	m.BatchPublished(3)
	m.BatchDropped()
	m.FleetBuilt(nil)
	m.FleetBuilt(errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.minionsRunning.WithLabelValues("lookup")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batchesTotal.WithLabelValues("published")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batchesTotal.WithLabelValues("dropped")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.samplesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fleetBuildsTotal.WithLabelValues("failed")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		require.NoError(t, m.Register())
		m.MessageFetched("q")
		m.MessageConfirmed("q")
		m.MessageAbandoned("q", "decode")
		m.ResultPublished("q")
		m.LoopError("q", KindOther)
		m.ObserveProcessing("q", time.Second)
		m.MinionStarted("g")
		m.MinionStopped("g")
		m.BatchPublished(1)
		m.BatchDropped()
		m.FleetBuilt(nil)
	})
}
