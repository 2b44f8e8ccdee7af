package reversible

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distmatch/revgauss/internal/tensor"
	"github.com/distmatch/revgauss/pkg/errors"
)

func TestCouplingBlockZeroModules(t *testing.T) {
	g := tensor.NewGraph()
	block := NewCouplingBlock(ZeroModule{}, ZeroModule{})

	x := tensor.FromSlice([]float64{1, 2, 3, 4}, 1, 4, 1, 1)
	y, err := block.Forward(g, x)
	require.NoError(t, err)

	// With F = G = 0 the coupling map swaps the channel halves.
	assert.Equal(t, []float64{3, 4, 1, 2}, y.Data())

	back, err := block.Invert(g, y)
	require.NoError(t, err)
	assert.Equal(t, x.Data(), back.Data())
}

func TestCouplingBlockOddChannels(t *testing.T) {
	g := tensor.NewGraph()
	block := NewCouplingBlock(ZeroModule{}, ZeroModule{})

	x := tensor.FromSlice([]float64{1, 2, 3}, 1, 3, 1, 1)
	_, err := block.Forward(g, x)
	require.Error(t, err)

	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errors.CodeOddChannels, appErr.Code)
}

func TestCouplingBlockRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	g := tensor.NewGraph()
	block := NewCouplingBlock(
		NewPointwiseLinear(3, 0.5, rng),
		NewPointwiseLinear(3, 0.5, rng),
	)

	x := randomBatch(rng, 4, 6, 1, 1)
	y, err := block.Forward(g, x)
	require.NoError(t, err)
	back, err := block.Invert(g, y)
	require.NoError(t, err)

	assertClose(t, x.Data(), back.Data(), 1e-9)
}

func TestSubsampleSplitterRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(11))

	for _, tc := range []struct {
		name  string
		c     int
		chunk bool
	}{
		{"plain", 2, false},
		{"chunked", 4, true},
		{"single channel skips chunking", 1, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			g := tensor.NewGraph()
			split := NewSubsampleSplitter(2, 2, tc.chunk)

			x := randomBatch(rng, 3, tc.c, 4, 4)
			y, err := split.Forward(g, x)
			require.NoError(t, err)
			require.Equal(t, []int{3, tc.c * 4, 2, 2}, y.Shape())

			back, err := split.Invert(g, y)
			require.NoError(t, err)
			assert.Equal(t, x.Data(), back.Data())
		})
	}
}

func TestSubsampleSplitterNonDivisibleSpatial(t *testing.T) {
	g := tensor.NewGraph()
	split := NewSubsampleSplitter(2, 2, false)

	x := randomBatch(rand.New(rand.NewSource(1)), 1, 2, 3, 4)
	_, err := split.Forward(g, x)
	require.Error(t, err)

	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errors.CodeNonDivisibleSpatial, appErr.Code)
}

func TestPipelineRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))

	for _, nBlocks := range []int{1, 2, 4} {
		stages := []Stage{NewSubsampleSplitter(2, 2, true)}
		for i := 0; i < nBlocks; i++ {
			stages = append(stages, NewCouplingBlock(
				NewPointwiseLinear(4, 0.3, rng),
				NewPointwiseLinear(4, 0.3, rng),
			))
		}
		p := NewPipeline(nil, stages...)

		g := tensor.NewGraph()
		x := randomBatch(rng, 2, 2, 2, 2)
		y, err := p.Forward(g, x)
		require.NoError(t, err)
		back, err := p.Invert(g, y)
		require.NoError(t, err)

		assertClose(t, x.Data(), back.Data(), 1e-9)
	}
}

func TestPipelineParameters(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	p := NewPipeline(nil,
		NewSubsampleSplitter(2, 2, false),
		NewCouplingBlock(NewPointwiseLinear(2, 0.1, rng), NewPointwiseLinear(2, 0.1, rng)),
	)

	// Two pointwise-linear modules, each with a weight and a bias.
	assert.Len(t, p.Parameters(), 4)
}

func TestPointwiseLinearGradientFlow(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	g := tensor.NewGraph()
	layer := NewPointwiseLinear(2, 0.5, rng)

	x := tensor.NewParam([]float64{1, 2, 3, 4}, 1, 2, 2, 1)
	out := layer.Forward(g, x)
	require.Equal(t, x.Shape(), out.Shape())

	g.Backward(g.Sum(out))
	for _, p := range layer.Parameters() {
		nonZero := false
		for _, v := range p.Grad() {
			if v != 0 {
				nonZero = true
			}
		}
		assert.True(t, nonZero, "parameter received no gradient")
	}
}

func randomBatch(rng *rand.Rand, shape ...int) *tensor.Tensor {
	total := 1
	for _, s := range shape {
		total *= s
	}
	data := make([]float64, total)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return tensor.FromSlice(data, shape...)
}

func assertClose(t *testing.T, want, got []float64, tol float64) {
	t.Helper()
	require.Equal(t, len(want), len(got))
	for i := range want {
		assert.InDelta(t, want[i], got[i], tol)
	}
}
