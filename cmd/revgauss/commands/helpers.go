package commands

import (
	"encoding/csv"
	"fmt"
	"math/rand"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/distmatch/revgauss/internal/mixture"
	"github.com/distmatch/revgauss/internal/reversible"
	"github.com/distmatch/revgauss/internal/tensor"
)

// Version is the CLI version, overridable at build time via -ldflags.
var Version = "0.1.0"

func newLogger(verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

// loadCSV reads a headerless CSV of float rows. When hasLabels is set the
// last column is parsed as an integer class label instead.
func loadCSV(path string, hasLabels bool) ([][]float64, []int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("input file %s is empty", path)
	}

	nCols := len(records[0])
	if hasLabels {
		nCols--
	}
	if nCols <= 0 {
		return nil, nil, fmt.Errorf("input file %s has no feature columns", path)
	}

	rows := make([][]float64, 0, len(records))
	var labels []int
	for i, record := range records {
		if len(record) != len(records[0]) {
			return nil, nil, fmt.Errorf("row %d has %d columns, expected %d", i+1, len(record), len(records[0]))
		}
		row := make([]float64, nCols)
		for j := 0; j < nCols; j++ {
			v, err := strconv.ParseFloat(record[j], 64)
			if err != nil {
				return nil, nil, fmt.Errorf("row %d column %d: %w", i+1, j+1, err)
			}
			row[j] = v
		}
		rows = append(rows, row)
		if hasLabels {
			label, err := strconv.Atoi(record[nCols])
			if err != nil {
				return nil, nil, fmt.Errorf("row %d label: %w", i+1, err)
			}
			labels = append(labels, label)
		}
	}
	return rows, labels, nil
}

// inputsTensor packs feature rows into the [n, channels, 1, 1] layout the
// pipeline operates on.
func inputsTensor(rows [][]float64) *tensor.Tensor {
	n := len(rows)
	dims := len(rows[0])
	flat := make([]float64, 0, n*dims)
	for _, row := range rows {
		flat = append(flat, row...)
	}
	return tensor.FromSlice(flat, n, dims, 1, 1)
}

// buildPipeline stacks coupling blocks over pointwise-linear sub-transforms.
// The channel count must be even so each block can split it in half.
func buildPipeline(dims, blocks int, gain float64, rng *rand.Rand, logger *logrus.Logger) (*reversible.Pipeline, error) {
	if dims%2 != 0 {
		return nil, fmt.Errorf("feature dimension %d must be even for coupling blocks", dims)
	}
	if blocks <= 0 {
		return nil, fmt.Errorf("block count must be positive, got %d", blocks)
	}
	half := dims / 2
	stages := make([]reversible.Stage, 0, blocks)
	for i := 0; i < blocks; i++ {
		stages = append(stages, reversible.NewCouplingBlock(
			reversible.NewPointwiseLinear(half, gain, rng),
			reversible.NewPointwiseLinear(half, gain, rng),
		))
	}
	return reversible.NewPipeline(logger, stages...), nil
}

// newMixture builds a mixture with spread-out random means, unit stds and
// uniform weights.
func newMixture(clusters, dims int, spread float64, seed int64, logger *logrus.Logger) (*mixture.Model, error) {
	rng := rand.New(rand.NewSource(seed))
	means := make([][]float64, clusters)
	stds := make([][]float64, clusters)
	weights := make([]float64, clusters)
	for c := 0; c < clusters; c++ {
		means[c] = make([]float64, dims)
		stds[c] = make([]float64, dims)
		for d := 0; d < dims; d++ {
			means[c][d] = rng.NormFloat64() * spread
			stds[c][d] = 1
		}
		weights[c] = 1 / float64(clusters)
	}
	return mixture.New(means, stds, weights, uint64(seed), logger)
}
