package transport

import (
	"fmt"

	"github.com/distmatch/revgauss/internal/mixture"
	"github.com/distmatch/revgauss/internal/tensor"
	"github.com/distmatch/revgauss/pkg/errors"
)

// DistTransportLoss pushes the two cluster means apart while shrinking the
// stds projected onto the mean-difference direction: the negative mean
// distance plus the norm of the projected stds.
func DistTransportLoss(g *tensor.Graph, m *mixture.Model) (*tensor.Tensor, error) {
	meanDiff, tStds, err := meanDiffProjection(g, m)
	if err != nil {
		return nil, err
	}
	return g.Add(
		g.Neg(g.Sqrt(g.Sum(g.Square(meanDiff)))),
		g.Sqrt(g.Sum(g.Square(tStds)))), nil
}

// DistTransportLossRelative is the ratio variant: projected std sum plus an
// offset over the mean distance, so the scale of the latent space cancels.
func DistTransportLossRelative(g *tensor.Graph, m *mixture.Model, stdOffset float64) (*tensor.Tensor, error) {
	meanDiff, tStds, err := meanDiffProjection(g, m)
	if err != nil {
		return nil, err
	}
	return g.Div(
		g.AddScalar(g.Sum(tStds), stdOffset),
		g.Sqrt(g.Sum(g.Square(meanDiff)))), nil
}

// meanDiffProjection projects both cluster stds onto the normalized
// difference of the two cluster means.
func meanDiffProjection(g *tensor.Graph, m *mixture.Model) (meanDiff, tStds *tensor.Tensor, err error) {
	if m.Clusters() != 2 {
		return nil, nil, errors.NewValidationError(errors.CodeClusterCount,
			fmt.Sprintf("mean-difference losses support 2 clusters, got %d", m.Clusters()))
	}
	meanDiff = g.Sub(g.Row(m.Means, 1), g.Row(m.Means, 0))
	norm := g.Sqrt(g.Sum(g.Square(meanDiff)))
	normed := g.Reshape(
		g.Div(meanDiff, g.ExpandScalar(norm, m.Dims())), 1, m.Dims())
	_, tStds = m.TransformByDirections(g, normed)
	return meanDiff, tStds, nil
}

// Projections holds per-cluster-pair projection geometry: for each ordered
// pair (a, b), every example projected onto the arrow from mean a towards
// mean b (re-centered at mean a), the re-centered midpoint, and the summed
// projected std of both clusters along the normalized arrow.
type Projections struct {
	Outs      [][]*tensor.Tensor // [a][b] vector of per-example projections
	Midpoints [][]*tensor.Tensor // [a][b] scalar
	Stds      [][]*tensor.Tensor // [a][b] scalar, zero on the diagonal
}

// PairwiseProjections computes the projection geometry of a batch against
// every ordered cluster pair.
func PairwiseProjections(g *tensor.Graph, x *tensor.Tensor, m *mixture.Model) *Projections {
	nClusters := m.Clusters()
	n := x.Dim(0)
	p := &Projections{
		Outs:      make([][]*tensor.Tensor, nClusters),
		Midpoints: make([][]*tensor.Tensor, nClusters),
		Stds:      make([][]*tensor.Tensor, nClusters),
	}
	for a := 0; a < nClusters; a++ {
		p.Outs[a] = make([]*tensor.Tensor, nClusters)
		p.Midpoints[a] = make([]*tensor.Tensor, nClusters)
		p.Stds[a] = make([]*tensor.Tensor, nClusters)
		meanA := g.Row(m.Means, a)
		for b := 0; b < nClusters; b++ {
			meanB := g.Row(m.Means, b)
			diff := g.Sub(meanB, meanA)

			outs := g.Reshape(g.MatMul(x, g.Reshape(diff, m.Dims(), 1)), n)
			midpoint := g.Scale(g.Sum(g.Mul(g.Add(meanA, meanB), diff)), 0.5)
			firstMean := g.Sum(g.Mul(meanA, diff))
			p.Outs[a][b] = g.Sub(outs, g.ExpandScalar(firstMean, n))
			p.Midpoints[a][b] = g.Sub(midpoint, firstMean)

			if a == b {
				// Zero diff vector; its normalization is undefined and the
				// projection is identically zero anyway.
				p.Stds[a][b] = tensor.FromSlice([]float64{0}, 1)
				continue
			}
			norm := g.Sqrt(g.Sum(g.Square(diff)))
			normed := g.Reshape(g.Div(diff, g.ExpandScalar(norm, m.Dims())), 1, m.Dims())
			pairStds := g.ConcatRows(
				g.Reshape(g.Row(m.Stds, a), 1, m.Dims()),
				g.Reshape(g.Row(m.Stds, b), 1, m.Dims()))
			projStd := g.Sqrt(g.MatMul(g.Square(normed), g.Transpose(g.Square(pairStds))))
			p.Stds[a][b] = g.Sum(projStd)
		}
	}
	return p
}

// pairMatrix stacks the per-pair vectors of one source cluster into an
// [examples, clusters] matrix.
func pairMatrix(g *tensor.Graph, vecs []*tensor.Tensor, n int) *tensor.Tensor {
	rows := make([]*tensor.Tensor, len(vecs))
	for j, v := range vecs {
		rows[j] = g.Reshape(v, 1, n)
	}
	return g.Transpose(g.ConcatRows(rows...))
}

// PairwiseProjectionLoss penalizes labeled examples that sit too far towards
// a foreign cluster along the arrow from their own cluster mean. With
// scaling, projections are divided by the midpoint distance and penalized
// beyond a small slack; without, any positive projection is penalized. The
// result is one loss value per example.
func PairwiseProjectionLoss(g *tensor.Graph, x *tensor.Tensor, targets []int,
	m *mixture.Model, scaled, addStds bool) (*tensor.Tensor, error) {
	n := x.Dim(0)
	if len(targets) != n {
		return nil, errors.NewValidationError(errors.CodeLengthMismatch,
			fmt.Sprintf("%d targets for %d samples", len(targets), n))
	}
	nClusters := m.Clusters()
	for i, t := range targets {
		if t < 0 || t >= nClusters {
			return nil, errors.NewValidationError(errors.CodeInvalidInput,
				fmt.Sprintf("target %d of example %d outside %d clusters", t, i, nClusters))
		}
	}
	proj := PairwiseProjections(g, x, m)

	var parts []*tensor.Tensor
	var order []int
	for c := 0; c < nClusters; c++ {
		var idx []int
		for i, t := range targets {
			if t == c {
				idx = append(idx, i)
			}
		}
		if len(idx) == 0 {
			continue
		}
		order = append(order, idx...)
		relevant := g.RowGather(pairMatrix(g, proj.Outs[c], n), idx)
		if addStds {
			relevant = g.AddRowVec(relevant, g.ConcatVecs(proj.Stds[c]...))
		}
		scaledOuts := relevant
		threshold := 0.0
		if scaled {
			midRow := g.ConcatVecs(proj.Midpoints[c]...)
			scaledOuts = g.DivRowVec(relevant, g.AddScalar(midRow, eps))
			threshold = 0.05
		}
		mask := make([]float64, scaledOuts.Len())
		for i, v := range scaledOuts.Data() {
			if v > threshold {
				mask[i] = 1
			}
		}
		maskT := tensor.FromSlice(mask, scaledOuts.Shape()...)
		parts = append(parts, g.SumDim1(g.Mul(maskT, g.Square(scaledOuts))))
	}
	concat := g.ConcatVecs(parts...)
	// Route each per-example loss back to the example's batch position.
	inverse := make([]int, n)
	for pos, orig := range order {
		inverse[orig] = pos
	}
	return g.VecGather(concat, inverse), nil
}

// PairwiseProjectionScore scores each example against each cluster by the
// negative norm of its std-augmented, midpoint-scaled pair projections. The
// result is [examples, clusters], higher meaning closer.
func PairwiseProjectionScore(g *tensor.Graph, x *tensor.Tensor, m *mixture.Model) *tensor.Tensor {
	n := x.Dim(0)
	proj := PairwiseProjections(g, x, m)
	nClusters := m.Clusters()
	cols := make([]*tensor.Tensor, nClusters)
	for c := 0; c < nClusters; c++ {
		withStds := g.AddRowVec(pairMatrix(g, proj.Outs[c], n), g.ConcatVecs(proj.Stds[c]...))
		scaledOuts := g.DivRowVec(withStds, g.AddScalar(g.ConcatVecs(proj.Midpoints[c]...), eps))
		score := g.Neg(g.Sqrt(g.SumDim1(g.Square(scaledOuts))))
		cols[c] = g.Reshape(score, 1, n)
	}
	return g.Transpose(g.ConcatRows(cols...))
}
