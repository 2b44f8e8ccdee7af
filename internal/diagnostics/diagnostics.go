// Package diagnostics provides evaluation helpers around a trained model:
// quantile-gradient cluster scores, their accuracy and loss, and input
// reconstruction by inverting the feature pipeline on mixture samples.
package diagnostics

import (
	"fmt"
	"math"

	"github.com/distmatch/revgauss/internal/mixture"
	"github.com/distmatch/revgauss/internal/reversible"
	"github.com/distmatch/revgauss/internal/tensor"
	"github.com/distmatch/revgauss/pkg/errors"
)

// ErfinvGrad is the derivative of the inverse error function at p.
func ErfinvGrad(p float64) float64 {
	e := math.Erfinv(p)
	return 0.5 * math.Sqrt(math.Pi) * math.Exp(e*e)
}

// ICDFGrad is the derivative of the Gaussian quantile function with scale
// sigma at probability p.
func ICDFGrad(p, sigma float64) float64 {
	return sigma * math.Sqrt2 * 2 * ErfinvGrad(2*p-1)
}

// ICDFGradsToMean scores every example against every cluster by the
// steepness of the cluster's quantile function at the example's distance
// quantile: the Euclidean distance to the cluster mean is converted to a CDF
// position using the std projected along the (unnormalized) difference
// vector, and the quantile gradient there is the score. Flat regions near
// the mean score low, tails score high. The result is [examples, clusters].
func ICDFGradsToMean(g *tensor.Graph, outs *tensor.Tensor, m *mixture.Model) *tensor.Tensor {
	n := outs.Dim(0)
	factor := math.Sqrt2 * math.Sqrt(math.Pi)
	var cols []*tensor.Tensor
	for c := 0; c < m.Clusters(); c++ {
		diffs := g.SubRowVec(outs, g.Row(m.Means, c))
		stdSq := g.Reshape(g.Square(g.Row(m.Stds, c)), m.Dims(), 1)
		clusterStd := g.Sqrt(g.Reshape(g.MatMul(g.Square(diffs), stdSq), n))
		dist := g.Sqrt(g.SumDim1(g.Square(diffs)))

		z := g.Div(dist, g.Scale(clusterStd, math.Sqrt2))
		cdf := g.Scale(g.AddScalar(g.Erf(z), 1), 0.5)
		// backed off the upper tail so erfinv stays finite
		arg := g.AddScalar(g.Scale(g.AddScalar(cdf, -1e-7), 2), -1)
		grad := g.Mul(clusterStd, g.Scale(g.Exp(g.Square(g.Erfinv(arg))), factor))
		cols = append(cols, g.Reshape(grad, 1, n))
	}
	return g.Transpose(g.ConcatRows(cols...))
}

// ICDFGradAccuracy is the fraction of examples whose smallest quantile
// gradient points at their target cluster.
func ICDFGradAccuracy(g *tensor.Graph, outs *tensor.Tensor, targets []int, m *mixture.Model) (float64, error) {
	if outs.Dim(0) != len(targets) {
		return 0, errors.NewValidationError(errors.CodeLengthMismatch,
			fmt.Sprintf("%d targets for %d outputs", len(targets), outs.Dim(0)))
	}
	distances := ICDFGradsToMean(g, outs, m)
	nClusters := m.Clusters()
	correct := 0
	for i, t := range targets {
		best := 0
		for c := 1; c < nClusters; c++ {
			if distances.At(i, c) < distances.At(i, best) {
				best = c
			}
		}
		if best == t {
			correct++
		}
	}
	return float64(correct) / float64(len(targets)), nil
}

// ICDFGradLoss averages, per cluster, the row-normalized quantile gradients
// of the cluster's own examples, and sums over clusters. Minimizing it pulls
// examples into the flat center of their target cluster.
func ICDFGradLoss(g *tensor.Graph, outs *tensor.Tensor, targets []int, m *mixture.Model) (*tensor.Tensor, error) {
	if outs.Dim(0) != len(targets) {
		return nil, errors.NewValidationError(errors.CodeLengthMismatch,
			fmt.Sprintf("%d targets for %d outputs", len(targets), outs.Dim(0)))
	}
	n := outs.Dim(0)
	distances := ICDFGradsToMean(g, outs, m)
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	inv := g.Div(tensor.FromSlice(ones, n), g.MeanDim1(distances))
	normalized := g.MulColVec(distances, inv)

	var loss *tensor.Tensor
	for c := 0; c < m.Clusters(); c++ {
		var idx []int
		for i, t := range targets {
			if t == c {
				idx = append(idx, i)
			}
		}
		if len(idx) == 0 {
			continue
		}
		clusterLoss := g.Mean(g.VecGather(g.Col(normalized, c), idx))
		if loss == nil {
			loss = clusterLoss
		} else {
			loss = g.Add(loss, clusterLoss)
		}
	}
	if loss == nil {
		return nil, errors.NewValidationError(errors.CodeEmptyBatch, "no targeted examples")
	}
	return loss, nil
}

// ReconstructInputs draws latent vectors from the mixture in weight
// proportion and inverts the feature pipeline on them, returning the
// reconstructed inputs and the latent samples. The latent batch is shaped
// [n, dims, 1, 1] before inversion.
func ReconstructInputs(nInputs int, m *mixture.Model, model *reversible.Pipeline) (*tensor.Tensor, *tensor.Tensor, error) {
	sizes, err := mixture.SizesFromWeights(nInputs, m.Weights.Data())
	if err != nil {
		return nil, nil, err
	}
	g := tensor.NewGraph()
	samples, err := m.Sample(g, sizes)
	if err != nil {
		return nil, nil, err
	}
	latent := g.Reshape(samples, nInputs, m.Dims(), 1, 1)
	inputs, err := model.Invert(g, latent)
	if err != nil {
		return nil, nil, err
	}
	return inputs, samples, nil
}
