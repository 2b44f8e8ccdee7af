package reversible

import (
	"math"
	"math/rand"

	"github.com/distmatch/revgauss/internal/tensor"
)

// ZeroModule maps every input to zeros, turning a coupling block into a pure
// channel swap-and-add. Useful as a placeholder sub-transform and in tests.
type ZeroModule struct{}

// Forward returns a zero tensor of the input shape.
func (ZeroModule) Forward(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor {
	return g.Scale(x, 0)
}

// Parameters returns nil.
func (ZeroModule) Parameters() []*tensor.Tensor { return nil }

// PointwiseLinear is a channel-mixing linear map applied independently at
// every spatial location (the 1x1-convolution equivalent). It is the basic
// learnable sub-transform handed to coupling blocks by the training driver;
// richer layer stacks plug in through the same Module interface.
type PointwiseLinear struct {
	weight *tensor.Tensor // [chans, chans]
	bias   *tensor.Tensor // [chans]
	chans  int
}

// NewPointwiseLinear creates a channel-mixing layer with Xavier-uniform
// initialized weights and zero bias.
func NewPointwiseLinear(chans int, gain float64, rng *rand.Rand) *PointwiseLinear {
	bound := gain * math.Sqrt(6.0/float64(chans+chans))
	w := make([]float64, chans*chans)
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * bound
	}
	return &PointwiseLinear{
		weight: tensor.NewParam(w, chans, chans),
		bias:   tensor.NewParam(make([]float64, chans), chans),
		chans:  chans,
	}
}

// Forward applies y[n,:,h,w] = W x[n,:,h,w] + b.
func (l *PointwiseLinear) Forward(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor {
	sh := x.Shape()
	n, c := sh[0], sh[1]
	inner := 1
	for _, s := range sh[2:] {
		inner *= s
	}
	if c != l.chans {
		panic("pointwise linear: channel mismatch")
	}
	// Fold spatial positions into rows, channels into columns.
	toRows := make([]int, n*inner*c)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			for p := 0; p < inner; p++ {
				dst := (b*inner+p)*c + ch
				src := b*c*inner + ch*inner + p
				toRows[dst] = src
			}
		}
	}
	rows := g.PermuteIndex(x, toRows, n*inner, c)
	mixed := g.AddRowVec(g.MatMul(rows, g.Transpose(l.weight)), l.bias)
	back := make([]int, len(toRows))
	for dst, src := range toRows {
		back[src] = dst
	}
	return g.PermuteIndex(mixed, back, sh...)
}

// Parameters returns the weight and bias.
func (l *PointwiseLinear) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{l.weight, l.bias}
}
