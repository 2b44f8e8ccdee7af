package training

import (
	"fmt"
	"math/rand"

	"github.com/distmatch/revgauss/pkg/errors"
)

// ExactSizeBatches shuffles n example indices into batches of exactly
// batchSize. The last batch wraps around to the start of the shuffled order
// so no example is dropped and every batch has the same size.
func ExactSizeBatches(n int, rng *rand.Rand, batchSize int) ([][]int, error) {
	if batchSize <= 0 || batchSize > n {
		return nil, errors.NewValidationError(errors.CodeSizeMismatch,
			fmt.Sprintf("batch size %d for %d examples", batchSize, n))
	}
	idx := rng.Perm(n)
	var batches [][]int
	next := 0
	for start := 0; start < n-batchSize; start += batchSize {
		batches = append(batches, idx[start:start+batchSize])
		next = start + batchSize
	}
	last := append([]int{}, idx[next:]...)
	last = append(last, idx[:batchSize-len(last)]...)
	batches = append(batches, last)
	return batches, nil
}

// EqualClassBatches builds batches containing batchSize examples of every
// class: per-class exact-size batches are drawn independently and zipped
// together, truncated to the smallest per-class batch count.
func EqualClassBatches(targets []int, nClasses int, rng *rand.Rand, batchSize int) ([][]int, error) {
	perClass := make([][][]int, nClasses)
	minBatches := -1
	for c := 0; c < nClasses; c++ {
		var classIdx []int
		for i, t := range targets {
			if t == c {
				classIdx = append(classIdx, i)
			}
		}
		if len(classIdx) == 0 {
			return nil, errors.NewValidationError(errors.CodeEmptyBatch,
				fmt.Sprintf("class %d has no examples", c))
		}
		classBatches, err := ExactSizeBatches(len(classIdx), rng, batchSize)
		if err != nil {
			return nil, err
		}
		for bi, b := range classBatches {
			mapped := make([]int, len(b))
			for i, pos := range b {
				mapped[i] = classIdx[pos]
			}
			classBatches[bi] = mapped
		}
		perClass[c] = classBatches
		if minBatches < 0 || len(classBatches) < minBatches {
			minBatches = len(classBatches)
		}
	}
	batches := make([][]int, minBatches)
	for bi := 0; bi < minBatches; bi++ {
		var combined []int
		for c := 0; c < nClasses; c++ {
			combined = append(combined, perClass[c][bi]...)
		}
		batches[bi] = combined
	}
	return batches, nil
}
