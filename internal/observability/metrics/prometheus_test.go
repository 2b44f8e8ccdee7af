package metrics

import (
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distmatch/revgauss/internal/mixture"
	"github.com/distmatch/revgauss/internal/training"
)

func TestNewPrometheusMetricsDefaults(t *testing.T) {
	pm, err := NewPrometheusMetrics(nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, pm.Registry())
	assert.Equal(t, "revgauss", pm.config.Namespace)
}

func TestObserveBatch(t *testing.T) {
	pm, err := NewPrometheusMetrics(nil, nil)
	require.NoError(t, err)

	pm.ObserveBatch(training.BatchMetrics{
		TransportLoss: 1.5,
		L1Penalty:     0.25,
		TotalLoss:     1.75,
	})
	pm.ObserveBatch(training.BatchMetrics{
		TransportLoss: 1.25,
		L1Penalty:     0.25,
		TotalLoss:     1.5,
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.batchesTotal))
	assert.Equal(t, 1.25, testutil.ToFloat64(pm.transportLoss))
	assert.Equal(t, 0.25, testutil.ToFloat64(pm.l1Penalty))
	assert.Equal(t, 1.5, testutil.ToFloat64(pm.totalLoss))
}

func TestObserveEpoch(t *testing.T) {
	pm, err := NewPrometheusMetrics(nil, nil)
	require.NoError(t, err)

	pm.ObserveEpoch(training.EpochMetrics{Epoch: 1, Duration: 250 * time.Millisecond})
	pm.ObserveEpoch(training.EpochMetrics{Epoch: 2, Duration: 300 * time.Millisecond})

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.epochsTotal))
}

func TestObserveMixture(t *testing.T) {
	pm, err := NewPrometheusMetrics(nil, nil)
	require.NoError(t, err)

	m, err := mixture.New(
		[][]float64{{0, 0}, {1, 1}},
		[][]float64{{0.5, 2}, {1, 1}},
		[]float64{0.25, 0.75},
		1, nil,
	)
	require.NoError(t, err)

	pm.ObserveMixture(m)

	assert.Equal(t, 0.25, testutil.ToFloat64(pm.weightMin))
	assert.Equal(t, 0.5, testutil.ToFloat64(pm.stdMin))
	wantEntropy := -(0.25*math.Log(0.25) + 0.75*math.Log(0.75))
	assert.InDelta(t, wantEntropy, testutil.ToFloat64(pm.weightEntropy), 1e-12)
}

func TestRecordCheckpointOperation(t *testing.T) {
	pm, err := NewPrometheusMetrics(nil, nil)
	require.NoError(t, err)

	pm.RecordCheckpointOperation("save", "success")
	pm.RecordCheckpointOperation("save", "success")
	pm.RecordCheckpointOperation("save", "error")

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.checkpointOpsTotal.WithLabelValues("save", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.checkpointOpsTotal.WithLabelValues("save", "error")))
}
