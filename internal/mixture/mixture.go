// Package mixture implements the axis-aligned Gaussian mixture that the
// transport losses match latent batches against. Means, stds and weights are
// learnable tensors; sampling, densities and 1-D directional projections all
// stay differentiable with respect to them.
package mixture

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/distmatch/revgauss/internal/tensor"
	"github.com/distmatch/revgauss/pkg/errors"
)

const eps = 1e-6

// Model is a mixture of axis-aligned Gaussians: one mean and std per cluster
// and dimension, one weight per cluster. Weights are kept on the simplex by
// the trainer's projection step, not by construction.
type Model struct {
	Means   *tensor.Tensor // [clusters, dims]
	Stds    *tensor.Tensor // [clusters, dims]
	Weights *tensor.Tensor // [clusters]

	normal distuv.Normal
	logger *logrus.Logger
}

// New creates a mixture model with learnable parameters initialized from the
// given per-cluster means, stds and weights. The seed drives all standard
// normal draws behind Sample.
func New(means, stds [][]float64, weights []float64, seed uint64, logger *logrus.Logger) (*Model, error) {
	if logger == nil {
		logger = logrus.New()
	}
	nClusters := len(means)
	if nClusters == 0 || len(stds) != nClusters || len(weights) != nClusters {
		return nil, errors.NewValidationError(errors.CodeInvalidInput,
			"means, stds and weights must agree on the cluster count")
	}
	nDims := len(means[0])
	flatMeans := make([]float64, 0, nClusters*nDims)
	flatStds := make([]float64, 0, nClusters*nDims)
	for c := 0; c < nClusters; c++ {
		if len(means[c]) != nDims || len(stds[c]) != nDims {
			return nil, errors.NewValidationError(errors.CodeShapeMismatch,
				fmt.Sprintf("cluster %d has inconsistent dimensionality", c))
		}
		for d := 0; d < nDims; d++ {
			if stds[c][d] <= 0 {
				return nil, errors.NewNumericError(errors.CodeDegenerateStd,
					fmt.Sprintf("cluster %d dim %d std %v", c, d, stds[c][d]))
			}
		}
		flatMeans = append(flatMeans, means[c]...)
		flatStds = append(flatStds, stds[c]...)
	}
	for c, w := range weights {
		if w < 0 {
			return nil, errors.NewNumericError(errors.CodeNegativeWeight,
				fmt.Sprintf("cluster %d weight %v", c, w))
		}
	}
	return &Model{
		Means:   tensor.NewParam(flatMeans, nClusters, nDims),
		Stds:    tensor.NewParam(flatStds, nClusters, nDims),
		Weights: tensor.NewParam(weights, nClusters),
		normal:  distuv.Normal{Mu: 0, Sigma: 1, Src: exprand.NewSource(seed)},
		logger:  logger,
	}, nil
}

// Clusters returns the number of mixture components.
func (m *Model) Clusters() int { return m.Means.Dim(0) }

// Dims returns the latent dimensionality.
func (m *Model) Dims() int { return m.Means.Dim(1) }

// Parameters returns the learnable mixture parameters.
func (m *Model) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{m.Means, m.Stds, m.Weights}
}

// SizesFromWeights converts continuous weight fractions into integer
// per-cluster counts summing exactly to total. Fractions are rounded to
// nearest; while the rounded total is off, the entry whose fractional
// remainder sits closest to one half is adjusted in the needed direction,
// ties broken by argsort order. The result is deterministic for identical
// input.
func SizesFromWeights(total int, weights []float64) ([]int, error) {
	if total <= 0 {
		return nil, errors.NewValidationError(errors.CodeInvalidPartition,
			fmt.Sprintf("total %d must be positive", total))
	}
	sum := 0.0
	for _, w := range weights {
		if w < 0 {
			return nil, errors.NewNumericError(errors.CodeNegativeWeight,
				fmt.Sprintf("weight %v", w))
		}
		sum += w
	}
	if sum <= 0 {
		return nil, errors.NewValidationError(errors.CodeInvalidPartition, "weights sum to zero")
	}
	n := len(weights)
	rounded := make([]int, n)
	diffWithHalf := make([]float64, n)
	nTotal := 0
	for i, w := range weights {
		frac := w / sum * float64(total)
		rounded[i] = int(math.Round(frac))
		_, rem := math.Modf(frac)
		diffWithHalf[i] = rem - 0.5
		nTotal += rounded[i]
	}

	argminMasked := func(vals []float64, mask []bool) int {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool { return vals[order[a]] < vals[order[b]] })
		for _, i := range order {
			if mask[i] {
				return i
			}
		}
		return -1
	}

	for nTotal > total {
		mask := make([]bool, n)
		any := false
		for i := range mask {
			if diffWithHalf[i] > 0 && rounded[i] > 0 {
				mask[i] = true
				any = true
			}
		}
		if !any {
			for i := range mask {
				mask[i] = rounded[i] > 0
			}
		}
		i := argminMasked(diffWithHalf, mask)
		diffWithHalf[i] += 0.5
		rounded[i]--
		nTotal--
	}
	for nTotal < total {
		mask := make([]bool, n)
		any := false
		for i := range mask {
			if diffWithHalf[i] < 0 && rounded[i] > 0 {
				mask[i] = true
				any = true
			}
		}
		if !any {
			for i := range mask {
				mask[i] = rounded[i] > 0
			}
		}
		neg := make([]float64, n)
		for i, v := range diffWithHalf {
			neg[i] = -v
		}
		i := argminMasked(neg, mask)
		diffWithHalf[i] -= 0.5
		rounded[i]++
		nTotal++
	}

	check := 0
	for _, r := range rounded {
		check += r
	}
	if check != total {
		return nil, errors.NewInternalError(
			fmt.Sprintf("partition produced %d instead of %d", check, total))
	}
	return rounded, nil
}

// randn fills a constant tensor with standard normal draws.
func (m *Model) randn(rows, cols int) *tensor.Tensor {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = m.normal.Rand()
	}
	return tensor.FromSlice(data, rows, cols)
}

// Sample draws the requested number of latent vectors from each cluster and
// concatenates them in cluster order. Zero-sized clusters are skipped;
// negative sizes are a precondition violation. The draw stays differentiable
// with respect to the cluster means and stds.
func (m *Model) Sample(g *tensor.Graph, sizesPerCluster []int) (*tensor.Tensor, error) {
	if len(sizesPerCluster) != m.Clusters() {
		return nil, errors.NewValidationError(errors.CodeLengthMismatch,
			fmt.Sprintf("got %d sizes for %d clusters", len(sizesPerCluster), m.Clusters()))
	}
	var parts []*tensor.Tensor
	for c, size := range sizesPerCluster {
		if size == 0 {
			continue
		}
		if size < 0 {
			return nil, errors.NewValidationError(errors.CodeInvalidPartition,
				fmt.Sprintf("cluster %d size %d", c, size))
		}
		samples := m.randn(size, m.Dims())
		scaled := g.MulRowVec(samples, g.Row(m.Stds, c))
		parts = append(parts, g.AddRowVec(scaled, g.Row(m.Means, c)))
	}
	if len(parts) == 0 {
		return nil, errors.NewValidationError(errors.CodeEmptyBatch, "all cluster sizes are zero")
	}
	return g.ConcatRows(parts...), nil
}

// SampleProjected draws per-cluster samples directly in the 1-D projected
// space of each direction, given the directional means and stds from
// TransformByDirections ([directions, clusters] each). The result is
// [samples, directions].
func (m *Model) SampleProjected(g *tensor.Graph, sizesPerCluster []int, dirMeans, dirStds *tensor.Tensor) (*tensor.Tensor, error) {
	if len(sizesPerCluster) != m.Clusters() {
		return nil, errors.NewValidationError(errors.CodeLengthMismatch,
			fmt.Sprintf("got %d sizes for %d clusters", len(sizesPerCluster), m.Clusters()))
	}
	nDirs := dirMeans.Dim(0)
	var parts []*tensor.Tensor
	for c, size := range sizesPerCluster {
		if size == 0 {
			continue
		}
		if size < 0 {
			return nil, errors.NewValidationError(errors.CodeInvalidPartition,
				fmt.Sprintf("cluster %d size %d", c, size))
		}
		samples := m.randn(size, nDirs)
		scaled := g.MulRowVec(samples, g.Col(dirStds, c))
		parts = append(parts, g.AddRowVec(scaled, g.Col(dirMeans, c)))
	}
	if len(parts) == 0 {
		return nil, errors.NewValidationError(errors.CodeEmptyBatch, "all cluster sizes are zero")
	}
	return g.ConcatRows(parts...), nil
}

// TransformByDirections projects the mixture onto unit directions [dirs,
// dims], returning the 1-D mean and std of every cluster under every
// direction, both [dirs, clusters]. The std uses the diagonal-covariance
// quadratic form sqrt(sum_d dir_d^2 * std_d^2).
func (m *Model) TransformByDirections(g *tensor.Graph, directions *tensor.Tensor) (dirMeans, dirStds *tensor.Tensor) {
	dirMeans = g.Transpose(g.MatMul(m.Means, g.Transpose(directions)))
	dirStds = g.Sqrt(g.MatMul(g.Square(directions), g.Transpose(g.Square(m.Stds))))
	return dirMeans, dirStds
}

// LogDensityPerCluster evaluates the per-cluster diagonal Gaussian
// log-density of each example, summed over dimensions: [examples, clusters].
func (m *Model) LogDensityPerCluster(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor {
	n := x.Dim(0)
	nDims := float64(m.Dims())
	var cols []*tensor.Tensor
	for c := 0; c < m.Clusters(); c++ {
		std := g.Row(m.Stds, c)
		// log(2*pi)/2 per dim plus sum log sigma.
		subtractor := g.AddScalar(g.Sum(g.Log(g.AddScalar(std, eps))), nDims*math.Log(2*math.Pi)/2)
		demeaned := g.SubRowVec(x, g.Row(m.Means, c))
		scaled := g.DivRowVec(g.Square(demeaned), g.Scale(g.Square(std), 2))
		logPdf := g.Sub(g.Neg(g.SumDim1(scaled)), g.ExpandScalar(subtractor, n))
		cols = append(cols, g.Reshape(logPdf, 1, n))
	}
	return g.Transpose(g.ConcatRows(cols...))
}

// LogDensities returns the per-cluster log-density combined with the log
// mixture weights, the score used by the density head.
func (m *Model) LogDensities(g *tensor.Graph, x *tensor.Tensor) *tensor.Tensor {
	logW := g.Log(g.ClampMin(m.Weights, eps))
	return g.AddRowVec(m.LogDensityPerCluster(g, x), logW)
}

// MeanDistances scores examples by negative mean squared distance to each
// cluster mean, optionally normalized per dimension by the cluster std.
func (m *Model) MeanDistances(g *tensor.Graph, x *tensor.Tensor, normalizeByStd bool) *tensor.Tensor {
	n := x.Dim(0)
	var cols []*tensor.Tensor
	for c := 0; c < m.Clusters(); c++ {
		diffs := g.SubRowVec(x, g.Row(m.Means, c))
		if normalizeByStd {
			diffs = g.DivRowVec(diffs, g.AddScalar(g.Row(m.Stds, c), eps))
		}
		score := g.Neg(g.MeanDim1(g.Square(diffs)))
		cols = append(cols, g.Reshape(score, 1, n))
	}
	return g.Transpose(g.ConcatRows(cols...))
}

// SampleDistances scores examples by negative mean squared distance to a
// fresh per-cluster sample of twice the batch size, averaged over sample and
// dimension.
func (m *Model) SampleDistances(g *tensor.Graph, x *tensor.Tensor) (*tensor.Tensor, error) {
	n := x.Dim(0)
	nDims := float64(m.Dims())
	var cols []*tensor.Tensor
	for c := 0; c < m.Clusters(); c++ {
		sizes := make([]int, m.Clusters())
		sizes[c] = 2 * n
		clusterSamples, err := m.Sample(g, sizes)
		if err != nil {
			return nil, err
		}
		// mean_{s,d}(S-x)^2 = mean(S^2) - (2/D) x.sbar + (1/D)|x|^2
		meanSq := g.Mean(g.Square(clusterSamples))
		sbar := g.MeanDim0(clusterSamples)
		cross := g.Reshape(g.MatMul(x, g.Reshape(sbar, m.Dims(), 1)), n)
		selfSq := g.SumDim1(g.Square(x))
		val := g.Add(g.ExpandScalar(meanSq, n),
			g.Add(g.Scale(cross, -2/nDims), g.Scale(selfSq, 1/nDims)))
		cols = append(cols, g.Reshape(g.Neg(val), 1, n))
	}
	return g.Transpose(g.ConcatRows(cols...)), nil
}

// WeightsPerSample expands normalized cluster weights into one weight per
// drawn sample, each rescaled by its own detached value so the forward value
// is one while the backward pass carries the relative weight gradient.
func (m *Model) WeightsPerSample(g *tensor.Graph, weights *tensor.Tensor, sizes []int) *tensor.Tensor {
	var parts []*tensor.Tensor
	for c, size := range sizes {
		if size == 0 {
			continue
		}
		w := g.Index(weights, c)
		val := w.Scalar()
		if val > 0 {
			w = g.Scale(w, 1/val)
		}
		parts = append(parts, g.ExpandScalar(w, size))
	}
	return g.ConcatVecs(parts...)
}
