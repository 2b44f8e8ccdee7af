// Package transport implements the sliced transport losses that match a
// latent batch to a Gaussian mixture: one-dimensional order-statistics
// matching against interpolated mixture samples, an analytical CDF variant
// and an energy-distance variant. All losses project onto unit directions
// and compare sorted projections per direction.
package transport

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/distmatch/revgauss/internal/directions"
	"github.com/distmatch/revgauss/internal/mixture"
	"github.com/distmatch/revgauss/internal/tensor"
	"github.com/distmatch/revgauss/pkg/errors"
)

const eps = 1e-6

// DiffKind selects how per-direction differences are reduced into a loss.
type DiffKind int

const (
	// AbsDiffs averages absolute differences.
	AbsDiffs DiffKind = iota
	// SquareDiffs averages squared differences per direction, takes the
	// square root and averages over directions.
	SquareDiffs
)

func (d DiffKind) String() string {
	switch d {
	case AbsDiffs:
		return "abs"
	case SquareDiffs:
		return "square"
	default:
		return fmt.Sprintf("DiffKind(%d)", int(d))
	}
}

// Config controls the sample transport loss.
type Config struct {
	// NInterpolationSamples is the virtual mixture sample count the batch
	// order statistics are interpolated against. Zero means twice the batch.
	NInterpolationSamples int `json:"n_interpolation_samples"`
	// Diff selects absolute or squared difference reduction.
	Diff DiffKind `json:"diff"`
	// BackpropToClusterWeights carries relative weight gradients into the
	// loss through detached-normalized per-sample weights.
	BackpropToClusterWeights bool `json:"backprop_to_cluster_weights"`
	// NormalizeByStds divides differences by the per-sample projected std.
	NormalizeByStds bool `json:"normalize_by_stds"`
	// EnergyLoss switches to the energy-distance estimator.
	EnergyLoss bool `json:"energy_loss"`
	// SymmetricCrossTerm replaces 2*E[x,y_a] by E[x_a,y_a] + E[x_b,y_b] in
	// the energy estimator.
	SymmetricCrossTerm bool `json:"symmetric_cross_term"`
}

// DefaultConfig returns the config used by the trainer unless overridden.
func DefaultConfig() Config {
	return Config{Diff: SquareDiffs}
}

func linspace(from, to float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = from
		return out
	}
	step := (to - from) / float64(n-1)
	for i := range out {
		out[i] = from + float64(i)*step
	}
	return out
}

func constVec(vals []float64) *tensor.Tensor {
	return tensor.FromSlice(vals, len(vals))
}

func onesVec(n int) *tensor.Tensor {
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	return tensor.FromSlice(ones, n)
}

// normVec divides a vector by its sum, on the graph.
func normVec(g *tensor.Graph, w *tensor.Tensor) *tensor.Tensor {
	return g.Div(w, g.ExpandScalar(g.Sum(w), w.Dim(0)))
}

// scaleByScalar multiplies a tensor elementwise by a scalar tensor.
func scaleByScalar(g *tensor.Graph, a, s *tensor.Tensor) *tensor.Tensor {
	expanded := g.ExpandScalar(s, a.Len())
	return g.Mul(a, g.Reshape(expanded, a.Shape()...))
}

// interpolationGrid places nSamples points evenly over nInterp sorted
// values, offset so both grids share quantile positions, and splits every
// point into floor/ceil indices with a linear blend weight.
func interpolationGrid(nInterp, nSamples int) (iLow, iHigh []int, wHigh []float64) {
	offset := -0.5 + 0.5*float64(nInterp)/float64(nSamples)
	xGrid := linspace(offset, float64(nInterp-1)-offset, nSamples)
	iLow = make([]int, nSamples)
	iHigh = make([]int, nSamples)
	wHigh = make([]float64, nSamples)
	for i, x := range xGrid {
		lo := math.Floor(x)
		hi := math.Ceil(x)
		wHigh[i] = x - lo
		if lo < 0 {
			lo = 0
		}
		if hi > float64(nInterp-1) {
			hi = float64(nInterp - 1)
		}
		iLow[i] = int(lo)
		iHigh[i] = int(hi)
	}
	return iLow, iHigh, wHigh
}

// interpolateRows blends the iLow and iHigh rows of a with per-row weights.
func interpolateRows(g *tensor.Graph, a *tensor.Tensor, iLow, iHigh []int, wHigh []float64) *tensor.Tensor {
	wLow := make([]float64, len(wHigh))
	for i, w := range wHigh {
		wLow[i] = 1 - w
	}
	low := g.MulColVec(g.RowGather(a, iLow), constVec(wLow))
	high := g.MulColVec(g.RowGather(a, iHigh), constVec(wHigh))
	return g.Add(low, high)
}

// ProjectedMixtureSorted draws virtual mixture samples directly in the
// projected spaces, sorts them per direction and interpolates them down to
// nSamples order statistics. It optionally returns interpolated per-sample
// weights (for weight gradients) and per-sample projected stds (for
// normalization), both sorted alongside the samples.
func ProjectedMixtureSorted(g *tensor.Graph, m *mixture.Model, dirs *tensor.Tensor,
	nSamples, nInterp int, backpropWeights, computeStds bool) (vals, diffWeights, stdsPerSample *tensor.Tensor, err error) {
	sizes, err := mixture.SizesFromWeights(nInterp, m.Weights.Data())
	if err != nil {
		return nil, nil, nil, err
	}
	dirMeans, dirStds := m.TransformByDirections(g, dirs)
	clusterSamples, err := m.SampleProjected(g, sizes, dirMeans, dirStds)
	if err != nil {
		return nil, nil, nil, err
	}
	var weightsPerSample *tensor.Tensor
	if backpropWeights {
		weightsPerSample = m.WeightsPerSample(g, normVec(g, m.Weights), sizes)
	}
	sorted, perm := g.SortColumns(clusterSamples)
	if backpropWeights {
		diffWeights = g.SpreadVecByColumns(weightsPerSample, perm)
	}
	if computeStds {
		var parts []*tensor.Tensor
		for c, size := range sizes {
			if size > 0 {
				parts = append(parts, g.RepeatRow(g.Col(dirStds, c), size))
			}
		}
		stdsPerSample = g.ApplyColumnPerm(g.ConcatRows(parts...), perm)
	}

	iLow, iHigh, wHigh := interpolationGrid(nInterp, nSamples)
	vals = interpolateRows(g, sorted, iLow, iHigh, wHigh)
	if diffWeights != nil {
		diffWeights = interpolateRows(g, diffWeights, iLow, iHigh, wHigh)
	}
	if stdsPerSample != nil {
		stdsPerSample = interpolateRows(g, stdsPerSample, iLow, iHigh, wHigh)
	}
	return vals, diffWeights, stdsPerSample, nil
}

// SortedDiffsLoss matches sorted batch projections against interpolated
// sorted mixture projections and reduces the differences per the diff kind.
func SortedDiffsLoss(g *tensor.Graph, sortedBatch *tensor.Tensor, m *mixture.Model,
	dirs *tensor.Tensor, nInterp int, diff DiffKind, backpropWeights, normalizeByStds bool) (*tensor.Tensor, error) {
	vals, diffWeights, stds, err := ProjectedMixtureSorted(
		g, m, dirs, sortedBatch.Dim(0), nInterp, backpropWeights, normalizeByStds)
	if err != nil {
		return nil, err
	}
	diffs := g.Sub(vals, sortedBatch)
	if normalizeByStds {
		diffs = g.Div(diffs, stds)
	}
	switch diff {
	case AbsDiffs:
		if backpropWeights {
			return g.Mean(g.Mul(g.Abs(diffs), diffWeights)), nil
		}
		return g.Mean(g.Abs(diffs)), nil
	case SquareDiffs:
		inner := g.Square(diffs)
		if backpropWeights {
			inner = g.Mul(inner, diffWeights)
		}
		return g.Mean(g.Sqrt(g.MeanDim0(inner))), nil
	default:
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfiguration,
			fmt.Sprintf("unknown diff kind %v", diff))
	}
}

// EnergyTransportLoss estimates the energy distance between the projected
// batch and the projected mixture: the batch is split into two halves, each
// compared against a fresh set of sorted mixture samples of matching size.
func EnergyTransportLoss(g *tensor.Graph, projected *tensor.Tensor, m *mixture.Model,
	dirs *tensor.Tensor, cfg Config, rng *rand.Rand) (*tensor.Tensor, error) {
	n := projected.Dim(0)
	if n%2 != 0 {
		return nil, errors.NewValidationError(errors.CodeSizeMismatch,
			fmt.Sprintf("energy loss needs an even batch, got %d", n))
	}
	half := n / 2
	permuted := g.RowGather(projected, rng.Perm(n))
	sortedA, _ := g.SortColumns(g.RowsRange(permuted, 0, half))
	sortedB, _ := g.SortColumns(g.RowsRange(permuted, half, n))

	clusterA, weightsA, stdsA, err := ProjectedMixtureSorted(
		g, m, dirs, half, half, cfg.BackpropToClusterWeights, cfg.NormalizeByStds)
	if err != nil {
		return nil, err
	}
	clusterB, weightsB, stdsB, err := ProjectedMixtureSorted(
		g, m, dirs, half, half, cfg.BackpropToClusterWeights, cfg.NormalizeByStds)
	if err != nil {
		return nil, err
	}
	if stdsA != nil {
		stdsA = g.ClampMin(stdsA, eps)
		stdsB = g.ClampMin(stdsB, eps)
	}

	diffsXYA := g.Sub(sortedA, clusterA)
	diffsXYB := g.Sub(sortedB, clusterB)
	diffsXX := g.Sub(sortedA, sortedB)
	diffsYY := g.Sub(clusterA, clusterB)
	if cfg.NormalizeByStds {
		diffsXYA = g.Div(diffsXYA, stdsA)
		diffsXYB = g.Div(diffsXYB, stdsB)
		diffsYY = g.Div(diffsYY, g.Scale(g.Add(stdsA, stdsB), 0.5))
	}

	reduce := func(diffs, weights *tensor.Tensor) *tensor.Tensor {
		var vals *tensor.Tensor
		if cfg.Diff == AbsDiffs {
			vals = g.Abs(diffs)
		} else {
			vals = g.Square(diffs)
		}
		if cfg.BackpropToClusterWeights && weights != nil {
			vals = g.Mul(vals, weights)
		}
		return g.Mean(vals)
	}
	var midWeights *tensor.Tensor
	if cfg.BackpropToClusterWeights {
		midWeights = g.Scale(g.Add(weightsA, weightsB), 0.5)
	}
	termXX := reduce(diffsXX, nil)
	termYY := reduce(diffsYY, midWeights)
	termXYA := reduce(diffsXYA, weightsA)

	var cross *tensor.Tensor
	if cfg.SymmetricCrossTerm {
		cross = g.Add(termXYA, reduce(diffsXYB, weightsB))
	} else {
		cross = g.Scale(termXYA, 2)
	}
	return g.Sub(cross, g.Add(termXX, termYY)), nil
}

// SampleTransportLoss projects a latent batch onto unit directions and
// matches it to the mixture. When dirs is nil a fresh random orthonormal
// frame is drawn; a given direction set is row-normalized first.
func SampleTransportLoss(g *tensor.Graph, samples *tensor.Tensor, m *mixture.Model,
	dirs *tensor.Tensor, cfg Config, rng *rand.Rand) (*tensor.Tensor, error) {
	if samples.Dim(0) == 0 {
		return nil, errors.NewValidationError(errors.CodeEmptyBatch, "empty latent batch")
	}
	var err error
	if dirs == nil {
		dirs, err = directions.SampleOrthonormal(samples.Dim(1), rng)
		if err != nil {
			return nil, err
		}
	} else {
		dirs = directions.Normalize(g, dirs)
	}
	projected := g.MatMul(samples, g.Transpose(dirs))
	nInterp := cfg.NInterpolationSamples
	if nInterp == 0 {
		nInterp = 2 * samples.Dim(0)
	}
	if cfg.EnergyLoss {
		return EnergyTransportLoss(g, projected, m, dirs, cfg, rng)
	}
	sorted, _ := g.SortColumns(projected)
	return SortedDiffsLoss(g, sorted, m, dirs, nInterp,
		cfg.Diff, cfg.BackpropToClusterWeights, cfg.NormalizeByStds)
}

// GaussianCDFs evaluates the mixture CDF of every point under every
// direction. x is [directions, points]; means and stds are [directions,
// clusters]; the result is [directions, points].
func GaussianCDFs(g *tensor.Graph, x, means, stds, weights *tensor.Tensor) *tensor.Tensor {
	stds = g.ClampMin(stds, eps)
	normW := normVec(g, weights)
	nDirs := x.Dim(0)
	var cdf *tensor.Tensor
	for c := 0; c < means.Dim(1); c++ {
		inv := g.Div(onesVec(nDirs), g.Scale(g.Col(stds, c), math.Sqrt2))
		z := g.MulColVec(g.SubColVec(x, g.Col(means, c)), inv)
		clusterCDF := g.Scale(g.AddScalar(g.Erf(z), 1), 0.5)
		weighted := scaleByScalar(g, clusterCDF, g.Index(normW, c))
		if cdf == nil {
			cdf = weighted
		} else {
			cdf = g.Add(cdf, weighted)
		}
	}
	return cdf
}

// AnalyticalCDFLossGivenSorted compares the analytical mixture CDF evaluated
// at the sorted batch projections to the empirical CDF positions, per
// direction, and averages the per-direction L2 norms.
func AnalyticalCDFLossGivenSorted(g *tensor.Graph, sortedBatch *tensor.Tensor,
	m *mixture.Model, dirs *tensor.Tensor) *tensor.Tensor {
	n := sortedBatch.Dim(0)
	dirMeans, dirStds := m.TransformByDirections(g, dirs)
	analytical := GaussianCDFs(g, g.Transpose(sortedBatch), dirMeans, dirStds, m.Weights)
	empirical := constVec(linspace(1/float64(n), 1-1/float64(n), n))
	diffs := g.SubRowVec(analytical, empirical)
	return g.Mean(g.Sqrt(g.SumDim1(g.Square(diffs))))
}

// AnalyticalCDFLoss projects, sorts and applies the analytical CDF loss.
func AnalyticalCDFLoss(g *tensor.Graph, samples *tensor.Tensor, m *mixture.Model,
	dirs *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, error) {
	var err error
	if dirs == nil {
		dirs, err = directions.SampleOrthonormal(samples.Dim(1), rng)
		if err != nil {
			return nil, err
		}
	} else {
		dirs = directions.Normalize(g, dirs)
	}
	projected := g.MatMul(samples, g.Transpose(dirs))
	sorted, _ := g.SortColumns(projected)
	return AnalyticalCDFLossGivenSorted(g, sorted, m, dirs), nil
}

// AnalyticalAndSampledTransportLoss computes the analytical CDF loss and the
// sampled transport loss over a shared projection, saving one sort.
func AnalyticalAndSampledTransportLoss(g *tensor.Graph, samples *tensor.Tensor,
	m *mixture.Model, dirs *tensor.Tensor, cfg Config, rng *rand.Rand) (cdfLoss, sampleLoss *tensor.Tensor, err error) {
	if dirs == nil {
		dirs, err = directions.SampleOrthonormal(samples.Dim(1), rng)
		if err != nil {
			return nil, nil, err
		}
	} else {
		dirs = directions.Normalize(g, dirs)
	}
	projected := g.MatMul(samples, g.Transpose(dirs))
	sorted, _ := g.SortColumns(projected)
	cdfLoss = AnalyticalCDFLossGivenSorted(g, sorted, m, dirs)
	nInterp := cfg.NInterpolationSamples
	if nInterp == 0 {
		nInterp = 2 * samples.Dim(0)
	}
	if cfg.EnergyLoss {
		sampleLoss, err = EnergyTransportLoss(g, projected, m, dirs, cfg, rng)
	} else {
		sampleLoss, err = SortedDiffsLoss(g, sorted, m, dirs, nInterp,
			cfg.Diff, cfg.BackpropToClusterWeights, cfg.NormalizeByStds)
	}
	if err != nil {
		return nil, nil, err
	}
	return cdfLoss, sampleLoss, nil
}
