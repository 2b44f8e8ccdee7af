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

// Normalization selects how per-class transport differences are scaled by
// the projected cluster std.
type Normalization int

const (
	// NormalizeNone leaves differences unscaled.
	NormalizeNone Normalization = iota
	// NormalizeStd divides differences by the projected cluster std.
	NormalizeStd
	// NormalizeBoth adds the unscaled and the scaled term.
	NormalizeBoth
)

func (n Normalization) String() string {
	switch n {
	case NormalizeNone:
		return "none"
	case NormalizeStd:
		return "std"
	case NormalizeBoth:
		return "both"
	default:
		return fmt.Sprintf("Normalization(%d)", int(n))
	}
}

// PerClassOptions configures the per-class transport loss.
type PerClassOptions struct {
	// Unlabeled holds latent vectors without class labels; they join the
	// batch with Bernoulli-drawn soft assignments.
	Unlabeled *tensor.Tensor
	// UnlabeledClusterWeights is one learnable assignment weight per
	// unlabeled example, read as the probability of cluster one.
	UnlabeledClusterWeights *tensor.Tensor
	// Normalization selects std scaling of the differences.
	Normalization Normalization
}

// icdfVec evaluates the standard normal quantile function at the mid-rank
// empirical CDF positions 1/n .. 1-1/n.
func icdfVec(n int) []float64 {
	ps := linspace(1/float64(n), 1-1/float64(n), n)
	out := make([]float64, n)
	for i, p := range ps {
		out[i] = math.Sqrt2 * math.Erfinv(2*p-1)
	}
	return out
}

// PerClassTransportLoss matches the sorted projections of each cluster's
// members against the analytical per-cluster quantiles. Exactly two clusters
// are supported; unlabeled examples are assigned by a Bernoulli draw from
// their soft weights and contribute detached-normalized weight gradients.
func PerClassTransportLoss(g *tensor.Graph, samples *tensor.Tensor, targets []int,
	m *mixture.Model, dirs *tensor.Tensor, opts PerClassOptions, rng *rand.Rand) (*tensor.Tensor, error) {
	var err error
	if dirs == nil {
		dirs, err = directions.SampleOrthonormal(samples.Dim(1), rng)
		if err != nil {
			return nil, err
		}
	} else {
		dirs = directions.Normalize(g, dirs)
	}
	nClusters := m.Clusters()
	if nClusters != 2 {
		return nil, errors.NewValidationError(errors.CodeClusterCount,
			fmt.Sprintf("per-class transport loss supports 2 clusters, got %d", nClusters))
	}
	if len(targets) != samples.Dim(0) {
		return nil, errors.NewValidationError(errors.CodeLengthMismatch,
			fmt.Sprintf("%d targets for %d samples", len(targets), samples.Dim(0)))
	}

	allSamples := samples
	allTargets := targets
	weightsPerSample := onesVec(samples.Dim(0))
	if opts.Unlabeled != nil {
		allSamples = g.ConcatRows(samples, opts.Unlabeled)
		normed := g.Clamp(
			g.Div(opts.UnlabeledClusterWeights,
				g.Scale(g.ExpandScalar(g.Mean(opts.UnlabeledClusterWeights),
					opts.UnlabeledClusterWeights.Dim(0)), 2)),
			0.01, 0.99)
		drawn := make([]float64, normed.Dim(0))
		drawnTargets := make([]int, normed.Dim(0))
		for i, p := range normed.Data() {
			if rng.Float64() < p {
				drawn[i] = 1
				drawnTargets[i] = 1
			}
		}
		drawnVec := constVec(drawn)
		inverse := constVec(func() []float64 {
			out := make([]float64, len(drawn))
			for i, d := range drawn {
				out[i] = 1 - d
			}
			return out
		}())
		// p if assigned to cluster one, 1-p otherwise; divided by its own
		// detached value so the forward weight is one and the backward pass
		// carries the relative assignment gradient.
		raw := g.Add(
			g.Mul(drawnVec, g.AddScalar(normed, eps)),
			g.Mul(inverse, g.AddScalar(g.Neg(normed), 1+eps)))
		unlabeledWeights := g.Div(raw, g.Detach(raw))
		weightsPerSample = g.ConcatVecs(weightsPerSample, unlabeledWeights)
		allTargets = append(append([]int{}, targets...), drawnTargets...)
	}

	projected := g.MatMul(allSamples, g.Transpose(dirs))
	tMeans, tStds := m.TransformByDirections(g, dirs)

	var loss *tensor.Tensor
	for c := 0; c < nClusters; c++ {
		var idx []int
		for i, t := range allTargets {
			if t == c {
				idx = append(idx, i)
			}
		}
		if len(idx) == 0 {
			return nil, errors.NewValidationError(errors.CodeEmptyBatch,
				fmt.Sprintf("cluster %d has no examples in the batch", c))
		}
		thisSamples := g.RowGather(projected, idx)
		thisWeights := g.VecGather(weightsPerSample, idx)
		sorted, perm := g.SortColumns(thisSamples)
		diffWeights := g.SpreadVecByColumns(thisWeights, perm)

		quantiles := g.AddRowVec(
			g.OuterColRow(icdfVec(len(idx)), g.Col(tStds, c)), g.Col(tMeans, c))
		diffs := g.Sub(quantiles, sorted)
		stdRow := g.ClampMin(g.Col(tStds, c), eps)

		term := func(d *tensor.Tensor) *tensor.Tensor {
			return g.Sqrt(g.Mean(g.Mul(g.Square(d), diffWeights)))
		}
		var clusterLoss *tensor.Tensor
		switch opts.Normalization {
		case NormalizeStd:
			clusterLoss = term(g.DivRowVec(diffs, stdRow))
		case NormalizeBoth:
			clusterLoss = g.Add(term(diffs), term(g.DivRowVec(diffs, stdRow)))
		default:
			clusterLoss = term(diffs)
		}
		if loss == nil {
			loss = clusterLoss
		} else {
			loss = g.Add(loss, clusterLoss)
		}
	}
	return g.Scale(loss, 1/float64(nClusters)), nil
}

// ClassTransportLoss sums the per-class loss over three direction sets: two
// fresh random orthonormal frames and the normalized adversarial set, each
// augmented with the inter-cluster mean difference direction. Without
// targets only the mean difference direction is used.
func ClassTransportLoss(g *tensor.Graph, outs *tensor.Tensor, targets []int,
	m *mixture.Model, adv *directions.AdversarialSet, opts PerClassOptions, rng *rand.Rand) (*tensor.Tensor, error) {
	if m.Clusters() != 2 {
		return nil, errors.NewValidationError(errors.CodeClusterCount,
			fmt.Sprintf("class transport loss supports 2 clusters, got %d", m.Clusters()))
	}
	meanDiff := g.Reshape(g.Sub(g.Row(m.Means, 1), g.Row(m.Means, 0)), 1, m.Dims())

	var dirSets []*tensor.Tensor
	if targets == nil {
		dirSets = []*tensor.Tensor{meanDiff}
	} else {
		frameA, err := directions.SampleOrthonormal(m.Dims(), rng)
		if err != nil {
			return nil, err
		}
		frameB, err := directions.SampleOrthonormal(m.Dims(), rng)
		if err != nil {
			return nil, err
		}
		dirSets = []*tensor.Tensor{
			g.ConcatRows(frameA, meanDiff),
			g.ConcatRows(frameB, meanDiff),
			g.ConcatRows(adv.Normalized(g), meanDiff),
		}
	}
	var loss *tensor.Tensor
	for _, set := range dirSets {
		setLoss, err := PerClassTransportLoss(g, outs, targets, m, set, opts, rng)
		if err != nil {
			return nil, err
		}
		if loss == nil {
			loss = setLoss
		} else {
			loss = g.Add(loss, setLoss)
		}
	}
	return loss, nil
}

// W2SoftTargets matches all projected examples against each cluster's
// quantiles, weighted by per-example soft cluster assignments. The quantile
// grid follows the cumulative sum of the sorted soft weights, so examples
// barely assigned to a cluster hardly move its statistics. Two terms are
// returned summed: one with detached quantiles driving the model, one with
// detached samples driving the mixture parameters.
func W2SoftTargets(g *tensor.Graph, outs, dirs, softTargets *tensor.Tensor, m *mixture.Model) (*tensor.Tensor, error) {
	if softTargets.Dim(0) != outs.Dim(0) {
		return nil, errors.NewValidationError(errors.CodeLengthMismatch,
			fmt.Sprintf("%d soft target rows for %d samples", softTargets.Dim(0), outs.Dim(0)))
	}
	dirs = directions.Normalize(g, dirs)
	projected := g.MatMul(outs, g.Transpose(dirs))
	n := outs.Dim(0)
	nDirs := dirs.Dim(0)
	one := tensor.FromSlice([]float64{1}, 1)

	var loss *tensor.Tensor
	for c := 0; c < m.Clusters(); c++ {
		meansRow := g.Reshape(g.Row(m.Means, c), 1, m.Dims())
		stdsRow := g.Reshape(g.Abs(g.Row(m.Stds, c)), 1, m.Dims())
		tMeans := g.Col(g.Transpose(g.MatMul(meansRow, g.Transpose(dirs))), 0)
		tStds := g.Col(g.Sqrt(g.MatMul(g.Square(dirs), g.Transpose(g.Square(stdsRow)))), 0)

		sorted, perm := g.SortColumns(projected)
		sortedWeights := g.VecGather(g.Col(softTargets, c), perm[0])

		nVirtual := g.Sum(sortedWeights)
		start := g.Div(one, nVirtual)
		wantedSum := g.Sub(one, g.Scale(start, 2))
		probs := g.Mul(sortedWeights,
			g.Div(g.ExpandScalar(wantedSum, n), g.ExpandScalar(nVirtual, n)))
		empiricalCDF := g.Add(g.ExpandScalar(start, n), g.Cumsum(probs))

		icdf := g.Scale(g.Erfinv(g.AddScalar(g.Scale(empiricalCDF, 2), -1)), math.Sqrt2)
		quantiles := g.AddRowVec(
			g.MatMul(g.Reshape(icdf, n, 1), g.Reshape(tStds, 1, nDirs)), tMeans)

		clampedStds := g.ClampMin(g.Detach(tStds), 1e-8)
		modelDiffs := g.DivRowVec(g.Sub(g.Detach(quantiles), sorted), clampedStds)
		lossModel := g.Sqrt(g.Mean(g.Mul(g.MeanDim1(g.Square(modelDiffs)), sortedWeights)))

		distDiffs := g.Sub(quantiles, g.Detach(sorted))
		lossDist := g.Sqrt(g.Mean(g.Mul(g.MeanDim1(g.Square(distDiffs)), sortedWeights)))

		clusterLoss := g.Add(lossModel, lossDist)
		if loss == nil {
			loss = clusterLoss
		} else {
			loss = g.Add(loss, clusterLoss)
		}
	}
	return loss, nil
}
