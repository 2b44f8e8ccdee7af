package directions

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distmatch/revgauss/internal/tensor"
)

func TestSampleOrthonormal(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	frame, err := SampleOrthonormal(4, rng)
	require.NoError(t, err)
	require.Equal(t, []int{4, 4}, frame.Shape())

	// Rows are unit length and mutually orthogonal.
	for i := 0; i < 4; i++ {
		for j := i; j < 4; j++ {
			dot := 0.0
			for k := 0; k < 4; k++ {
				dot += frame.At(i, k) * frame.At(j, k)
			}
			if i == j {
				assert.InDelta(t, 1, dot, 1e-9)
			} else {
				assert.InDelta(t, 0, dot, 1e-9)
			}
		}
	}
}

func TestSampleOrthonormalInvalidDim(t *testing.T) {
	_, err := SampleOrthonormal(0, rand.New(rand.NewSource(1)))
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	g := tensor.NewGraph()
	dirs := tensor.NewParam([]float64{3, 4, 0, 2}, 2, 2)

	unit := Normalize(g, dirs)
	assert.InDelta(t, 0.6, unit.At(0, 0), 1e-12)
	assert.InDelta(t, 0.8, unit.At(0, 1), 1e-12)
	assert.InDelta(t, 0, unit.At(1, 0), 1e-12)
	assert.InDelta(t, 1, unit.At(1, 1), 1e-12)

	// The input is left untouched and gradients flow back through it.
	assert.Equal(t, []float64{3, 4, 0, 2}, dirs.Data())
	g.Backward(g.Sum(unit))
	nonZero := false
	for _, v := range dirs.Grad() {
		if v != 0 {
			nonZero = true
		}
	}
	assert.True(t, nonZero)
}

func TestAdversarialSet(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	adv, err := NewAdversarialSet(5, 3, rng)
	require.NoError(t, err)
	require.Equal(t, []int{5, 3}, adv.Raw().Shape())
	require.Len(t, adv.Parameters(), 1)
	assert.True(t, adv.Raw().Tracked())

	g := tensor.NewGraph()
	unit := adv.Normalized(g)
	for i := 0; i < 5; i++ {
		norm := 0.0
		for j := 0; j < 3; j++ {
			norm += unit.At(i, j) * unit.At(i, j)
		}
		assert.InDelta(t, 1, math.Sqrt(norm), 1e-9)
	}
}

func TestAdversarialSetInvalidCount(t *testing.T) {
	_, err := NewAdversarialSet(0, 3, rand.New(rand.NewSource(1)))
	assert.Error(t, err)
}
