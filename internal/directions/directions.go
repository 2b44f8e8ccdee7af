// Package directions provides the unit projection directions the sliced
// transport losses project latent batches onto: fresh random orthonormal
// frames per step, plus a learnable adversarial set trained to maximize the
// loss.
package directions

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/distmatch/revgauss/internal/tensor"
	"github.com/distmatch/revgauss/pkg/errors"
)

const normEps = 1e-12

// SampleOrthonormal draws a random dim x dim orthonormal frame: a standard
// normal matrix reduced by QR, rows renormalized to unit length. The result
// is a constant tensor, one direction per row.
func SampleOrthonormal(dim int, rng *rand.Rand) (*tensor.Tensor, error) {
	if dim <= 0 {
		return nil, errors.NewValidationError(errors.CodeInvalidInput,
			fmt.Sprintf("dimension %d must be positive", dim))
	}
	raw := mat.NewDense(dim, dim, nil)
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			raw.Set(i, j, rng.NormFloat64())
		}
	}
	var qr mat.QR
	qr.Factorize(raw)
	var q mat.Dense
	qr.QTo(&q)

	data := make([]float64, dim*dim)
	for i := 0; i < dim; i++ {
		norm := 0.0
		for j := 0; j < dim; j++ {
			v := q.At(i, j)
			norm += v * v
		}
		norm = math.Sqrt(norm)
		if norm < normEps {
			return nil, errors.NewNumericError(errors.CodeZeroNormDirection,
				fmt.Sprintf("row %d of the orthonormal frame has zero norm", i))
		}
		for j := 0; j < dim; j++ {
			data[i*dim+j] = q.At(i, j) / norm
		}
	}
	return tensor.FromSlice(data, dim, dim), nil
}

// Normalize rescales every row of dirs to unit Euclidean norm without
// mutating the input, keeping the operation on the graph so gradients flow
// back through the normalization.
func Normalize(g *tensor.Graph, dirs *tensor.Tensor) *tensor.Tensor {
	norms := g.Sqrt(g.ClampMin(g.SumDim1(g.Square(dirs)), normEps))
	ones := make([]float64, dirs.Dim(0))
	for i := range ones {
		ones[i] = 1
	}
	inv := g.Div(tensor.FromSlice(ones, dirs.Dim(0)), norms)
	return g.MulColVec(dirs, inv)
}

// AdversarialSet holds learnable direction parameters trained against the
// transport loss. The raw parameters drift off the unit sphere between
// steps; consumers always read them through Normalized.
type AdversarialSet struct {
	raw *tensor.Tensor // [count, dim]
}

// NewAdversarialSet initializes count learnable directions of the given
// dimensionality from rows of random orthonormal frames.
func NewAdversarialSet(count, dim int, rng *rand.Rand) (*AdversarialSet, error) {
	if count <= 0 {
		return nil, errors.NewValidationError(errors.CodeInvalidInput,
			fmt.Sprintf("direction count %d must be positive", count))
	}
	data := make([]float64, 0, count*dim)
	for len(data) < count*dim {
		frame, err := SampleOrthonormal(dim, rng)
		if err != nil {
			return nil, err
		}
		take := count - len(data)/dim
		if take > dim {
			take = dim
		}
		data = append(data, frame.Data()[:take*dim]...)
	}
	return &AdversarialSet{raw: tensor.NewParam(data, count, dim)}, nil
}

// Raw returns the underlying learnable parameter tensor.
func (a *AdversarialSet) Raw() *tensor.Tensor { return a.raw }

// Parameters returns the learnable tensors of the set.
func (a *AdversarialSet) Parameters() []*tensor.Tensor { return []*tensor.Tensor{a.raw} }

// Normalized returns the unit-norm view of the adversarial directions for
// use inside a loss graph.
func (a *AdversarialSet) Normalized(g *tensor.Graph) *tensor.Tensor {
	return Normalize(g, a.raw)
}
