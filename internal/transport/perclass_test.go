package transport

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distmatch/revgauss/internal/directions"
	"github.com/distmatch/revgauss/internal/tensor"
	"github.com/distmatch/revgauss/pkg/errors"
)

func labeledBatch(rng *rand.Rand, n int) (*tensor.Tensor, []int) {
	data := make([]float64, n*2)
	targets := make([]int, n)
	for i := 0; i < n; i++ {
		c := i % 2
		targets[i] = c
		center := -3.0
		if c == 1 {
			center = 3
		}
		data[i*2] = center + rng.NormFloat64()
		data[i*2+1] = rng.NormFloat64()
	}
	return tensor.FromSlice(data, n, 2), targets
}

func TestIcdfVec(t *testing.T) {
	v := icdfVec(5)
	require.Len(t, v, 5)

	// Antisymmetric around the median, zero at the middle rank.
	assert.InDelta(t, 0, v[2], 1e-9)
	assert.InDelta(t, -v[0], v[4], 1e-9)
	assert.InDelta(t, -v[1], v[3], 1e-9)
	assert.Less(t, v[0], v[1])
}

func TestPerClassTransportLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	m := twoClusterMixture(t)

	samples, targets := labeledBatch(rng, 32)

	for _, norm := range []Normalization{NormalizeNone, NormalizeStd, NormalizeBoth} {
		g := tensor.NewGraph()
		loss, err := PerClassTransportLoss(g, samples, targets, m, nil,
			PerClassOptions{Normalization: norm}, rng)
		require.NoError(t, err, "normalization %v", norm)
		assert.False(t, math.IsNaN(loss.Scalar()))
		assert.GreaterOrEqual(t, loss.Scalar(), 0.0)
	}
}

func TestPerClassTransportLossMatchedIsSmaller(t *testing.T) {
	rng := rand.New(rand.NewSource(19))
	m := twoClusterMixture(t)

	matched, targets := labeledBatch(rng, 64)
	swapped := make([]int, len(targets))
	for i, c := range targets {
		swapped[i] = 1 - c
	}

	dirs := tensor.FromSlice([]float64{1, 0}, 1, 2)

	gm := tensor.NewGraph()
	lossMatched, err := PerClassTransportLoss(gm, matched, targets, m, dirs, PerClassOptions{}, rng)
	require.NoError(t, err)

	gs := tensor.NewGraph()
	lossSwapped, err := PerClassTransportLoss(gs, matched, swapped, m, dirs, PerClassOptions{}, rng)
	require.NoError(t, err)

	assert.Less(t, lossMatched.Scalar(), lossSwapped.Scalar())
}

func TestPerClassTransportLossClusterCount(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	m := standardMixture(t, 2)
	g := tensor.NewGraph()

	samples, targets := labeledBatch(rng, 8)
	_, err := PerClassTransportLoss(g, samples, targets, m, nil, PerClassOptions{}, rng)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errors.CodeClusterCount, appErr.Code)
}

func TestPerClassTransportLossEmptyCluster(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	m := twoClusterMixture(t)
	g := tensor.NewGraph()

	samples, _ := labeledBatch(rng, 8)
	allZero := make([]int, 8)
	_, err := PerClassTransportLoss(g, samples, allZero, m, nil, PerClassOptions{}, rng)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errors.CodeEmptyBatch, appErr.Code)
}

func TestPerClassTransportLossUnlabeled(t *testing.T) {
	rng := rand.New(rand.NewSource(29))
	m := twoClusterMixture(t)
	g := tensor.NewGraph()

	samples, targets := labeledBatch(rng, 16)
	unlabeled, _ := labeledBatch(rng, 8)
	weights := tensor.NewParam([]float64{0.2, 0.8, 0.5, 0.5, 0.9, 0.1, 0.4, 0.6}, 8)

	loss, err := PerClassTransportLoss(g, samples, targets, m, nil, PerClassOptions{
		Unlabeled:               unlabeled,
		UnlabeledClusterWeights: weights,
	}, rng)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(loss.Scalar()))

	// The soft assignments receive gradients through the detached
	// normalization even though their forward weight is one.
	g.Backward(loss)
	nonZero := false
	for _, v := range weights.Grad() {
		if v != 0 {
			nonZero = true
		}
	}
	assert.True(t, nonZero)
}

func TestClassTransportLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(41))
	m := twoClusterMixture(t)
	adv, err := directions.NewAdversarialSet(2, 2, rng)
	require.NoError(t, err)

	samples, targets := labeledBatch(rng, 32)

	g := tensor.NewGraph()
	loss, err := ClassTransportLoss(g, samples, targets, m, adv, PerClassOptions{}, rng)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(loss.Scalar()))

	// Gradients reach the adversarial directions.
	g.Backward(loss)
	nonZero := false
	for _, v := range adv.Raw().Grad() {
		if v != 0 {
			nonZero = true
		}
	}
	assert.True(t, nonZero)
}

func TestClassTransportLossNilTargets(t *testing.T) {
	rng := rand.New(rand.NewSource(43))
	m := twoClusterMixture(t)
	adv, err := directions.NewAdversarialSet(2, 2, rng)
	require.NoError(t, err)

	// Without targets only the mean-difference direction is used, which
	// needs per-class labels; PerClassTransportLoss then sees zero targets
	// for a non-empty batch and rejects the call.
	samples, _ := labeledBatch(rng, 16)
	g := tensor.NewGraph()
	_, err = ClassTransportLoss(g, samples, nil, m, adv, PerClassOptions{}, rng)
	require.Error(t, err)
}

func TestW2SoftTargets(t *testing.T) {
	rng := rand.New(rand.NewSource(47))
	m := twoClusterMixture(t)
	g := tensor.NewGraph()

	samples, targets := labeledBatch(rng, 24)
	soft := make([]float64, 24*2)
	for i, c := range targets {
		soft[i*2+c] = 0.9
		soft[i*2+1-c] = 0.1
	}
	softTargets := tensor.FromSlice(soft, 24, 2)
	dirs, err := directions.SampleOrthonormal(2, rng)
	require.NoError(t, err)

	loss, err := W2SoftTargets(g, samples, dirs, softTargets, m)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(loss.Scalar()))
	assert.GreaterOrEqual(t, loss.Scalar(), 0.0)

	// Both the model side and the mixture side receive gradients.
	g.Backward(loss)
	nonZero := false
	for _, v := range m.Means.Grad() {
		if v != 0 {
			nonZero = true
		}
	}
	assert.True(t, nonZero)
}

func TestW2SoftTargetsLengthMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	m := twoClusterMixture(t)
	g := tensor.NewGraph()

	samples, _ := labeledBatch(rng, 8)
	soft := tensor.FromSlice(make([]float64, 4*2), 4, 2)
	dirs, err := directions.SampleOrthonormal(2, rng)
	require.NoError(t, err)

	_, err = W2SoftTargets(g, samples, dirs, soft, m)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errors.CodeLengthMismatch, appErr.Code)
}
