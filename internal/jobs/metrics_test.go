package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	require.NoError(t, m.Track("ledger:integrity").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("ledger:integrity").End(boom), boom)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("ledger:integrity", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("ledger:integrity")))
}

func TestRelayedAndDrift(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddRelayed("submitted", 3)
	m.AddRelayed("submitted", 0)
	m.SetInvariantDrift(true)

	require.Equal(t, 3.0, testutil.ToFloat64(m.relayed.WithLabelValues("submitted")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.drift))

	var nilMetrics *Metrics
	nilMetrics.AddRelayed("x", 1)
	require.NoError(t, nilMetrics.Track("x").End(nil))
}
