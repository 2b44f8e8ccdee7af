package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddBackward(t *testing.T) {
	g := NewGraph()
	a := NewParam([]float64{1, 2, 3}, 3)
	b := NewParam([]float64{4, 5, 6}, 3)

	sum := g.Sum(g.Add(a, b))
	assert.InDelta(t, 21, sum.Scalar(), 1e-12)

	g.Backward(sum)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, 1, a.Grad()[i], 1e-12)
		assert.InDelta(t, 1, b.Grad()[i], 1e-12)
	}
}

func TestMulDivBackward(t *testing.T) {
	g := NewGraph()
	a := NewParam([]float64{2, 3}, 2)
	b := NewParam([]float64{5, 7}, 2)

	loss := g.Sum(g.Div(g.Mul(a, b), b))
	g.Backward(loss)

	// a*b/b == a, so d/da == 1 and d/db == 0.
	assert.InDelta(t, 5, loss.Scalar(), 1e-12)
	assert.InDelta(t, 1, a.Grad()[0], 1e-12)
	assert.InDelta(t, 1, a.Grad()[1], 1e-12)
	assert.InDelta(t, 0, b.Grad()[0], 1e-12)
	assert.InDelta(t, 0, b.Grad()[1], 1e-12)
}

func TestSquareSqrtBackward(t *testing.T) {
	g := NewGraph()
	a := NewParam([]float64{4}, 1)

	loss := g.Sum(g.Sqrt(g.Square(a)))
	g.Backward(loss)

	assert.InDelta(t, 4, loss.Scalar(), 1e-12)
	assert.InDelta(t, 1, a.Grad()[0], 1e-9)
}

func TestMeanBackward(t *testing.T) {
	g := NewGraph()
	a := NewParam([]float64{1, 2, 3, 4}, 4)

	loss := g.Mean(a)
	g.Backward(loss)

	assert.InDelta(t, 2.5, loss.Scalar(), 1e-12)
	for i := 0; i < 4; i++ {
		assert.InDelta(t, 0.25, a.Grad()[i], 1e-12)
	}
}

func TestDetachBlocksGradient(t *testing.T) {
	g := NewGraph()
	a := NewParam([]float64{3}, 1)

	// a/detach(a) is 1 in the forward pass and carries a relative
	// gradient of 1/a backwards.
	loss := g.Sum(g.Div(a, g.Detach(a)))
	g.Backward(loss)

	assert.InDelta(t, 1, loss.Scalar(), 1e-12)
	assert.InDelta(t, 1.0/3.0, a.Grad()[0], 1e-12)
}

func TestErfinvRoundTrip(t *testing.T) {
	g := NewGraph()
	for _, p := range []float64{-0.9, -0.3, 0, 0.4, 0.8} {
		x := FromSlice([]float64{p}, 1)
		y := g.Erf(g.Erfinv(x))
		assert.InDelta(t, p, y.Scalar(), 1e-9)
	}
}

func TestErfinvBackward(t *testing.T) {
	g := NewGraph()
	a := NewParam([]float64{0.5}, 1)

	out := g.Sum(g.Erfinv(a))
	g.Backward(out)

	// d erfinv(p)/dp = sqrt(pi)/2 * exp(erfinv(p)^2)
	inv := out.Scalar()
	want := 0.5 * math.Sqrt(math.Pi) * math.Exp(inv*inv)
	assert.InDelta(t, want, a.Grad()[0], 1e-9)
}

func TestCumsum(t *testing.T) {
	g := NewGraph()
	a := NewParam([]float64{1, 2, 3}, 3)

	out := g.Cumsum(a)
	assert.Equal(t, []float64{1, 3, 6}, out.Data())

	// Weight the last entry only: every input contributes to it.
	loss := g.Sum(g.Mul(out, FromSlice([]float64{0, 0, 1}, 3)))
	g.Backward(loss)
	assert.InDelta(t, 1, a.Grad()[0], 1e-12)
	assert.InDelta(t, 1, a.Grad()[1], 1e-12)
	assert.InDelta(t, 1, a.Grad()[2], 1e-12)
}

func TestClampBackwardMasksOutOfRange(t *testing.T) {
	g := NewGraph()
	a := NewParam([]float64{-2, 0.5, 3}, 3)

	loss := g.Sum(g.Clamp(a, 0, 1))
	g.Backward(loss)

	assert.InDelta(t, 1.5, loss.Scalar(), 1e-12)
	assert.Equal(t, 0.0, a.Grad()[0])
	assert.Equal(t, 1.0, a.Grad()[1])
	assert.Equal(t, 0.0, a.Grad()[2])
}

func TestBackwardAccumulatesThroughSharedInput(t *testing.T) {
	g := NewGraph()
	a := NewParam([]float64{2}, 1)

	// a + a*a: gradient 1 + 2a = 5.
	loss := g.Sum(g.Add(a, g.Mul(a, a)))
	g.Backward(loss)
	assert.InDelta(t, 5, a.Grad()[0], 1e-12)
}

func TestBackwardRequiresScalar(t *testing.T) {
	g := NewGraph()
	a := NewParam([]float64{1, 2}, 2)
	out := g.Add(a, a)

	assert.Panics(t, func() { g.Backward(out) })
}

func TestMatMulBackward(t *testing.T) {
	g := NewGraph()
	a := NewParam([]float64{1, 2, 3, 4}, 2, 2)
	b := FromSlice([]float64{1, 0, 0, 1}, 2, 2)

	out := g.MatMul(a, b)
	require.Equal(t, []int{2, 2}, out.Shape())
	assert.Equal(t, a.Data(), out.Data())

	g.Backward(g.Sum(out))
	for i := 0; i < 4; i++ {
		assert.InDelta(t, 1, a.Grad()[i], 1e-12)
	}
}

func TestTranspose(t *testing.T) {
	g := NewGraph()
	a := FromSlice([]float64{1, 2, 3, 4, 5, 6}, 2, 3)

	at := g.Transpose(a)
	require.Equal(t, []int{3, 2}, at.Shape())
	assert.Equal(t, []float64{1, 4, 2, 5, 3, 6}, at.Data())
}

func TestSortColumns(t *testing.T) {
	g := NewGraph()
	a := NewParam([]float64{
		3, 1,
		1, 2,
		2, 0,
	}, 3, 2)

	sorted, perm := g.SortColumns(a)
	assert.Equal(t, []float64{1, 0, 2, 1, 3, 2}, sorted.Data())

	// Gradient routes back through the permutation.
	loss := g.Sum(g.Mul(sorted, FromSlice([]float64{1, 0, 0, 0, 0, 0}, 3, 2)))
	g.Backward(loss)
	assert.Equal(t, 1.0, a.Grad()[2]) // a[1,0] was the column-0 minimum

	// Permutation spreads a vector consistently with the sort.
	v := FromSlice([]float64{10, 20, 30}, 3)
	spread := g.SpreadVecByColumns(v, perm)
	assert.Equal(t, sorted.Shape(), spread.Shape())
	assert.Equal(t, 20.0, spread.At(0, 0)) // row 1 sorted first in column 0
}

func TestConcatRowsAndRowsRange(t *testing.T) {
	g := NewGraph()
	a := FromSlice([]float64{1, 2}, 1, 2)
	b := FromSlice([]float64{3, 4, 5, 6}, 2, 2)

	cat := g.ConcatRows(a, b)
	require.Equal(t, []int{3, 2}, cat.Shape())
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, cat.Data())

	mid := g.RowsRange(cat, 1, 3)
	assert.Equal(t, []float64{3, 4, 5, 6}, mid.Data())
}

func TestExpandScalarBackward(t *testing.T) {
	g := NewGraph()
	a := NewParam([]float64{2}, 1)

	out := g.ExpandScalar(g.Index(a, 0), 4)
	require.Equal(t, 4, out.Len())

	g.Backward(g.Sum(out))
	assert.InDelta(t, 4, a.Grad()[0], 1e-12)
}
