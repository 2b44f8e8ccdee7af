package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distmatch/revgauss/internal/tensor"
)

func TestAdamOptimizerConvergesOnQuadratic(t *testing.T) {
	p := tensor.NewParam([]float64{5, -3}, 2)
	opt := NewAdamOptimizer([]*tensor.Tensor{p}, 0.1)

	// Minimize |p|^2 by explicit gradient 2p.
	for i := 0; i < 500; i++ {
		opt.ZeroGrad()
		for j, v := range p.Data() {
			p.Grad()[j] = 2 * v
		}
		opt.Step()
	}
	assert.InDelta(t, 0, p.Data()[0], 1e-2)
	assert.InDelta(t, 0, p.Data()[1], 1e-2)
}

func TestAdamOptimizerFirstStepIsLearningRateSized(t *testing.T) {
	p := tensor.NewParam([]float64{1}, 1)
	opt := NewAdamOptimizer([]*tensor.Tensor{p}, 0.01)

	p.Grad()[0] = 42
	opt.Step()

	// Bias correction makes the first step approximately -lr * sign(g).
	assert.InDelta(t, 1-0.01, p.Data()[0], 1e-6)
}

func TestAdamOptimizerZeroGradAndReset(t *testing.T) {
	p := tensor.NewParam([]float64{1}, 1)
	opt := NewAdamOptimizer([]*tensor.Tensor{p}, 0.5)

	p.Grad()[0] = 3
	opt.ZeroGrad()
	assert.Equal(t, 0.0, p.Grad()[0])

	p.Grad()[0] = 3
	opt.Step()
	opt.Reset()
	assert.Equal(t, 0.5, opt.GetLearningRate())

	opt.SetLearningRate(0.25)
	assert.Equal(t, 0.25, opt.GetLearningRate())
}

func TestSGDOptimizer(t *testing.T) {
	p := tensor.NewParam([]float64{2, 4}, 2)
	opt := NewSGDOptimizer([]*tensor.Tensor{p}, 0.5)

	p.Grad()[0] = 1
	p.Grad()[1] = -2
	opt.Step()

	assert.InDelta(t, 1.5, p.Data()[0], 1e-12)
	assert.InDelta(t, 5, p.Data()[1], 1e-12)
}

func TestUnlabeledOptimizerStaysInRange(t *testing.T) {
	w := tensor.NewParam([]float64{0.5, 0.5, 0.5, 0.5}, 4)
	opt := NewUnlabeledOptimizer(w, 10, 0.1, false)

	for step := 0; step < 20; step++ {
		opt.ZeroGrad()
		// Push the first two weights down, the last two up.
		w.Grad()[0] = 1
		w.Grad()[1] = 0.5
		w.Grad()[2] = -0.5
		w.Grad()[3] = -1
		opt.Step()

		for _, v := range w.Data() {
			assert.GreaterOrEqual(t, v, 0.01)
			assert.LessOrEqual(t, v, 0.99)
		}
	}

	// Persistent positive gradients shrink the weight, negative ones grow
	// it.
	assert.Less(t, w.Data()[0], w.Data()[3])
	assert.Less(t, w.Data()[1], w.Data()[2])
}

func TestUnlabeledOptimizerRecentering(t *testing.T) {
	w := tensor.NewParam([]float64{0.3, 0.7}, 2)
	opt := NewUnlabeledOptimizer(w, 1, 0.1, false)

	opt.ZeroGrad()
	opt.Step()

	// With zero gradients the step only re-centers: mean moves to one
	// half.
	mean := (w.Data()[0] + w.Data()[1]) / 2
	assert.InDelta(t, 0.5, mean, 1e-9)
}

func TestUnlabeledOptimizerAlwaysAccumulate(t *testing.T) {
	w := tensor.NewParam([]float64{0.5, 0.5}, 2)
	opt := NewUnlabeledOptimizer(w, 1, 0.5, true)

	opt.ZeroGrad()
	w.Grad()[0] = 0.2
	w.Grad()[1] = -0.2
	opt.Step()

	for _, v := range w.Data() {
		assert.False(t, math.IsNaN(v))
		assert.GreaterOrEqual(t, v, 0.01)
		assert.LessOrEqual(t, v, 0.99)
	}
	require.Less(t, w.Data()[0], w.Data()[1])
}
