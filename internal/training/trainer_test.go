package training

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distmatch/revgauss/internal/mixture"
	"github.com/distmatch/revgauss/internal/reversible"
	"github.com/distmatch/revgauss/internal/tensor"
)

func testSetup(t *testing.T) (*reversible.Pipeline, *mixture.Model, *Config) {
	t.Helper()
	rng := rand.New(rand.NewSource(21))
	model := reversible.NewPipeline(nil,
		reversible.NewCouplingBlock(
			reversible.NewPointwiseLinear(1, 0.1, rng),
			reversible.NewPointwiseLinear(1, 0.1, rng),
		),
	)
	mix, err := mixture.New(
		[][]float64{{-2, 0}, {2, 0}},
		[][]float64{{1, 1}, {1, 1}},
		[]float64{0.5, 0.5},
		9, nil,
	)
	require.NoError(t, err)

	config := getDefaultConfig()
	config.BatchSize = 8
	config.Epochs = 2
	return model, mix, config
}

func testInputs(rng *rand.Rand, n int) *tensor.Tensor {
	data := make([]float64, n*2)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return tensor.FromSlice(data, n, 2, 1, 1)
}

func TestNewTrainerValidation(t *testing.T) {
	model, mix, config := testSetup(t)

	_, err := NewTrainer(nil, mix, config, nil)
	assert.Error(t, err)
	_, err = NewTrainer(model, nil, config, nil)
	assert.Error(t, err)

	trainer, err := NewTrainer(model, mix, nil, nil)
	require.NoError(t, err)
	assert.False(t, trainer.IsTraining())
	assert.Equal(t, 0, trainer.TrainedEpochs())
	assert.NotNil(t, trainer.AdversarialDirections())
}

func TestTrainOnBatchInvariants(t *testing.T) {
	model, mix, config := testSetup(t)
	trainer, err := NewTrainer(model, mix, config, nil)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(33))
	for step := 0; step < 5; step++ {
		m, err := trainer.TrainOnBatch(testInputs(rng, 8))
		require.NoError(t, err)
		assert.False(t, math.IsNaN(m.TotalLoss))
		assert.False(t, math.IsNaN(m.TransportLoss))
		assert.Greater(t, m.L1Penalty, 0.0)

		// Post-step projections keep the weights on the simplex and the
		// stds above the floor.
		sum := 0.0
		for _, w := range mix.Weights.Data() {
			assert.GreaterOrEqual(t, w, 0.0)
			sum += w
		}
		assert.InDelta(t, 1, sum, 1e-9)
		for _, s := range mix.Stds.Data() {
			assert.GreaterOrEqual(t, s, config.MinStd)
		}
	}
}

func TestTrainOnBatchNotifiesSink(t *testing.T) {
	model, mix, config := testSetup(t)
	trainer, err := NewTrainer(model, mix, config, nil)
	require.NoError(t, err)

	sink := &recordingSink{}
	trainer.Sink = sink

	_, err = trainer.TrainOnBatch(testInputs(rand.New(rand.NewSource(3)), 8))
	require.NoError(t, err)
	require.Len(t, sink.batches, 1)
	assert.Equal(t, sink.batches[0].TotalLoss, sink.batches[0].TransportLoss+sink.batches[0].L1Penalty)
}

type recordingSink struct {
	batches []BatchMetrics
}

func (s *recordingSink) ObserveBatch(m BatchMetrics) {
	s.batches = append(s.batches, m)
}

func TestTrainRecordsHistory(t *testing.T) {
	model, mix, config := testSetup(t)
	trainer, err := NewTrainer(model, mix, config, nil)
	require.NoError(t, err)

	inputs := testInputs(rand.New(rand.NewSource(12)), 24)
	require.NoError(t, trainer.Train(context.Background(), inputs))

	assert.False(t, trainer.IsTraining())
	assert.Equal(t, 2, trainer.TrainedEpochs())

	history := trainer.GetTrainingHistory()
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].Epoch)
	assert.Equal(t, 2, history[1].Epoch)
	assert.Greater(t, history[0].Duration, time.Duration(0))
}

func TestTrainCancellation(t *testing.T) {
	model, mix, config := testSetup(t)
	config.Epochs = 10000
	trainer, err := NewTrainer(model, mix, config, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = trainer.Train(ctx, testInputs(rand.New(rand.NewSource(12)), 24))
	assert.Error(t, err)
	assert.False(t, trainer.IsTraining())
}

func TestTrainEpochBatchSizeTooLarge(t *testing.T) {
	model, mix, config := testSetup(t)
	config.BatchSize = 64
	trainer, err := NewTrainer(model, mix, config, nil)
	require.NoError(t, err)

	_, err = trainer.TrainEpoch(context.Background(), testInputs(rand.New(rand.NewSource(1)), 16))
	assert.Error(t, err)
}

func TestTrainOnBatchPerClass(t *testing.T) {
	model, mix, config := testSetup(t)
	trainer, err := NewTrainer(model, mix, config, nil)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(51))
	inputs := testInputs(rng, 8)
	targets := []int{0, 1, 0, 1, 0, 1, 0, 1}

	m, err := trainer.TrainOnBatchPerClass(PerClassBatch{Inputs: inputs, Targets: targets})
	require.NoError(t, err)
	assert.False(t, math.IsNaN(m.TotalLoss))

	// Weights stay on the simplex; the per-class step does not clamp the
	// stds.
	sum := 0.0
	for _, w := range mix.Weights.Data() {
		sum += w
	}
	assert.InDelta(t, 1, sum, 1e-9)
}

func TestTrainOnBatchPerClassWithUnlabeled(t *testing.T) {
	model, mix, config := testSetup(t)
	trainer, err := NewTrainer(model, mix, config, nil)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(53))
	weights := tensor.NewParam([]float64{0.4, 0.6, 0.5, 0.5}, 4)
	opt := NewUnlabeledOptimizer(weights, config.UnlabeledLearningRate, config.UnlabeledAlpha, false)

	m, err := trainer.TrainOnBatchPerClass(PerClassBatch{
		Inputs:           testInputs(rng, 8),
		Targets:          []int{0, 1, 0, 1, 0, 1, 0, 1},
		Unlabeled:        testInputs(rng, 4),
		UnlabeledWeights: weights,
		UnlabeledOpt:     opt,
	})
	require.NoError(t, err)
	assert.False(t, math.IsNaN(m.TotalLoss))

	for _, v := range weights.Data() {
		assert.GreaterOrEqual(t, v, 0.01)
		assert.LessOrEqual(t, v, 0.99)
	}
}

func TestTrainEpochPerClass(t *testing.T) {
	model, mix, config := testSetup(t)
	config.BatchSize = 4
	trainer, err := NewTrainer(model, mix, config, nil)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(55))
	inputs := testInputs(rng, 16)
	targets := make([]int, 16)
	for i := range targets {
		targets[i] = i % 2
	}

	m, err := trainer.TrainEpochPerClass(context.Background(), inputs, targets, nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(m.TotalLoss))
}

func TestEvalBatch(t *testing.T) {
	model, mix, config := testSetup(t)
	trainer, err := NewTrainer(model, mix, config, nil)
	require.NoError(t, err)

	losses, err := trainer.EvalBatch(testInputs(rand.New(rand.NewSource(57)), 8))
	require.NoError(t, err)
	require.Len(t, losses, 3)
	for _, l := range losses {
		assert.False(t, math.IsNaN(l))
	}
}

func TestEvalBatchDoesNotMoveParameters(t *testing.T) {
	model, mix, config := testSetup(t)
	trainer, err := NewTrainer(model, mix, config, nil)
	require.NoError(t, err)

	before := append([]float64(nil), mix.Means.Data()...)
	_, err = trainer.EvalBatch(testInputs(rand.New(rand.NewSource(59)), 8))
	require.NoError(t, err)
	assert.Equal(t, before, mix.Means.Data())
}
