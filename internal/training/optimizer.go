package training

import (
	"math"

	"github.com/distmatch/revgauss/internal/tensor"
)

// Optimizer updates a fixed set of learnable tensors from their accumulated
// gradients.
type Optimizer interface {
	ZeroGrad()
	Step()
}

// AdamOptimizer implements the Adam optimization algorithm over a fixed
// parameter list.
type AdamOptimizer struct {
	learningRate float64
	beta1        float64
	beta2        float64
	epsilon      float64
	t            int
	params       []*tensor.Tensor
	m            [][]float64 // first moment estimate
	v            [][]float64 // second moment estimate
}

// NewAdamOptimizer creates an Adam optimizer with standard moment decays.
func NewAdamOptimizer(params []*tensor.Tensor, learningRate float64) *AdamOptimizer {
	m := make([][]float64, len(params))
	v := make([][]float64, len(params))
	for i, p := range params {
		m[i] = make([]float64, p.Len())
		v[i] = make([]float64, p.Len())
	}
	return &AdamOptimizer{
		learningRate: learningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
		params:       params,
		m:            m,
		v:            v,
	}
}

// ZeroGrad clears the gradients of every managed parameter.
func (opt *AdamOptimizer) ZeroGrad() {
	for _, p := range opt.params {
		p.ZeroGrad()
	}
}

// Step applies one Adam update to every managed parameter.
func (opt *AdamOptimizer) Step() {
	opt.t++
	beta1Correction := 1 - math.Pow(opt.beta1, float64(opt.t))
	beta2Correction := 1 - math.Pow(opt.beta2, float64(opt.t))
	for i, p := range opt.params {
		data := p.Data()
		grad := p.Grad()
		for j := range data {
			g := grad[j]
			opt.m[i][j] = opt.beta1*opt.m[i][j] + (1-opt.beta1)*g
			opt.v[i][j] = opt.beta2*opt.v[i][j] + (1-opt.beta2)*g*g
			mHat := opt.m[i][j] / beta1Correction
			vHat := opt.v[i][j] / beta2Correction
			data[j] -= opt.learningRate * mHat / (math.Sqrt(vHat) + opt.epsilon)
		}
	}
}

// GetLearningRate returns the current learning rate.
func (opt *AdamOptimizer) GetLearningRate() float64 {
	return opt.learningRate
}

// SetLearningRate sets the learning rate.
func (opt *AdamOptimizer) SetLearningRate(lr float64) {
	opt.learningRate = lr
}

// Reset resets the optimizer state.
func (opt *AdamOptimizer) Reset() {
	opt.t = 0
	for i, p := range opt.params {
		opt.m[i] = make([]float64, p.Len())
		opt.v[i] = make([]float64, p.Len())
	}
}

// SGDOptimizer implements plain stochastic gradient descent.
type SGDOptimizer struct {
	learningRate float64
	params       []*tensor.Tensor
}

// NewSGDOptimizer creates a plain gradient descent optimizer.
func NewSGDOptimizer(params []*tensor.Tensor, learningRate float64) *SGDOptimizer {
	return &SGDOptimizer{learningRate: learningRate, params: params}
}

// ZeroGrad clears the gradients of every managed parameter.
func (opt *SGDOptimizer) ZeroGrad() {
	for _, p := range opt.params {
		p.ZeroGrad()
	}
}

// Step applies one gradient descent update.
func (opt *SGDOptimizer) Step() {
	for _, p := range opt.params {
		data := p.Data()
		grad := p.Grad()
		for j := range data {
			data[j] -= opt.learningRate * grad[j]
		}
	}
}

// UnlabeledOptimizer updates per-example soft cluster assignment weights
// from sign-split exponential moving averages of gradient magnitudes: one
// history per sign, stepped by their difference. After each step the weights
// are re-centered to mean one half and clamped into (0, 1).
type UnlabeledOptimizer struct {
	weights          *tensor.Tensor
	negHist          []float64 // EMA of |grad| where grad was positive
	posHist          []float64 // EMA of |grad| where grad was negative
	learningRate     float64
	alpha            float64
	alwaysAccumulate bool
}

// NewUnlabeledOptimizer creates the soft-assignment optimizer. Defaults
// follow the training setup: a large rate on an EMA signal, alpha 0.1.
func NewUnlabeledOptimizer(weights *tensor.Tensor, learningRate, alpha float64, alwaysAccumulate bool) *UnlabeledOptimizer {
	return &UnlabeledOptimizer{
		weights:          weights,
		negHist:          make([]float64, weights.Len()),
		posHist:          make([]float64, weights.Len()),
		learningRate:     learningRate,
		alpha:            alpha,
		alwaysAccumulate: alwaysAccumulate,
	}
}

// ZeroGrad clears the assignment weight gradients.
func (opt *UnlabeledOptimizer) ZeroGrad() {
	opt.weights.ZeroGrad()
}

// Step folds the current gradient into the sign-matched history and moves
// every weight by the history difference.
func (opt *UnlabeledOptimizer) Step() {
	grad := opt.weights.Grad()
	data := opt.weights.Data()
	update := make([]float64, len(data))
	for i, g := range grad {
		switch {
		case g > 0:
			opt.negHist[i] = (1-opt.alpha)*opt.negHist[i] + opt.alpha*math.Abs(g)
			if opt.alwaysAccumulate {
				update[i] = math.Abs(g) - opt.posHist[i]
			}
		case g < 0:
			opt.posHist[i] = (1-opt.alpha)*opt.posHist[i] + opt.alpha*math.Abs(g)
			if opt.alwaysAccumulate {
				update[i] = -math.Abs(g) + opt.negHist[i]
			}
		}
	}
	if !opt.alwaysAccumulate {
		for i := range update {
			update[i] = opt.negHist[i] - opt.posHist[i]
		}
	}
	mean := 0.0
	for i := range data {
		data[i] -= opt.learningRate * update[i]
		mean += data[i]
	}
	mean /= float64(len(data))
	for i := range data {
		data[i] /= mean * 2
		data[i] = math.Min(math.Max(data[i], 0.01), 0.99)
	}
}
